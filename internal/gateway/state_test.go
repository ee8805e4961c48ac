package gateway

import "testing"

func TestStateOnlyAdvances(t *testing.T) {
	var b stateBox
	if b.Load() != StateConnecting {
		t.Fatalf("zero state must be connecting, got %s", b.Load())
	}
	if !b.advance(StateActive) {
		t.Fatalf("expected advance to active")
	}
	if b.advance(StateAuthenticating) {
		t.Fatalf("state must not move backwards")
	}
	if !b.advance(StateClosed) || b.Load().String() != "closed" {
		t.Fatalf("expected closed, got %s", b.Load())
	}
	if State(42).String() != "unknown" {
		t.Fatalf("unexpected name for out-of-range state")
	}
}
