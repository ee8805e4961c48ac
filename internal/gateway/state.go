package gateway

import "sync/atomic"

// State is the lifecycle stage of one client session.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateBox only moves forward.
type stateBox struct{ v atomic.Int32 }

func (b *stateBox) Load() State { return State(b.v.Load()) }

func (b *stateBox) advance(to State) bool {
	for {
		cur := b.v.Load()
		if State(cur) >= to {
			return false
		}
		if b.v.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}
