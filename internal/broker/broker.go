// Package broker defines the contract of the shared publish/subscribe and
// key-value-with-expiry service every gateway process talks to.
package broker

import (
	"context"
	"errors"
	"time"
)

// Well-known channels.
const (
	ChannelBroadcast    = "websocket:broadcast"
	ChannelEvents       = "websocket:events"
	ChannelUserMessages = "websocket:user_messages"
)

var (
	// ErrUnavailable wraps any failure to reach the broker.
	ErrUnavailable = errors.New("broker: unavailable")
	// ErrNotFound is returned by Get on a missing or expired key.
	ErrNotFound = errors.New("broker: key not found")
)

// DefaultTimeout bounds every broker call when the caller does not set one.
const DefaultTimeout = 2 * time.Second

// Message is one payload received on a subscribed channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription delivers messages until closed. Messages is closed when the
// subscription ends, either through Close, context cancellation or a lost link.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Broker is the shared broker contract.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// WithTimeout bounds ctx by d unless ctx already has an earlier deadline.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < d {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
