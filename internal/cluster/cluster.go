// Package cluster relays room traffic between gateway instances through the
// shared broker, on top of local delivery.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"tavern.org/internal/broker"
	"tavern.org/internal/event"
	"tavern.org/internal/obs"
	"tavern.org/internal/registry"
)

// Mode is fixed at construction.
type Mode int

const (
	// ModeLocal delivers to this process only; no broker is configured.
	ModeLocal Mode = iota
	// ModeClustered relays through the broker while it is available.
	ModeClustered
)

func (m Mode) String() string {
	if m == ModeClustered {
		return "clustered"
	}
	return "local"
}

const (
	DefaultQueueSize     = 1024
	DefaultProbeInterval = 5 * time.Second
	defaultMinBackoff    = 100 * time.Millisecond
	defaultMaxBackoff    = 10 * time.Second
)

// ErrQueueFull is counted when the outbound queue drops a message.
var ErrQueueFull = errors.New("cluster: outbound queue full")

// Local is the process-local delivery target, normally *registry.Registry.
type Local interface {
	DeliverFrame(roomID string, frame []byte) registry.Delivery
	DirectFrame(principalID, roomID string, frame []byte) bool
}

type outbound struct {
	channel string
	payload []byte
}

// Stats is a point-in-time view of relay counters.
type Stats struct {
	InstanceID       string `json:"instance_id"`
	Mode             string `json:"mode"`
	BrokerAvailable  bool   `json:"broker_available"`
	MessagesSent     int64  `json:"messages_sent"`
	MessagesReceived int64  `json:"messages_received"`
	OutboundDropped  int64  `json:"outbound_dropped"`
}

// Broadcaster publishes room events locally and to peer instances.
type Broadcaster struct {
	instanceID string
	local      Local
	broker     broker.Broker
	mode       Mode

	queue         chan outbound
	timeout       time.Duration
	minBackoff    time.Duration
	maxBackoff    time.Duration
	probeInterval time.Duration
	now           func() time.Time

	available  atomic.Bool
	subscribed atomic.Bool
	sent      atomic.Int64
	received  atomic.Int64
	dropped   atomic.Int64
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithQueueSize sets the outbound queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.queue = make(chan outbound, n)
		}
	}
}

// WithBrokerTimeout bounds each broker call.
func WithBrokerTimeout(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithBackoff bounds the resubscribe delay.
func WithBackoff(min, max time.Duration) Option {
	return func(b *Broadcaster) {
		if min > 0 && max >= min {
			b.minBackoff, b.maxBackoff = min, max
		}
	}
}

// WithProbeInterval sets how often broker health is checked.
func WithProbeInterval(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.probeInterval = d
		}
	}
}

// WithClock overrides the clock used for envelope timestamps.
func WithClock(fn func() time.Time) Option {
	return func(b *Broadcaster) {
		if fn != nil {
			b.now = fn
		}
	}
}

// New returns a Broadcaster. A nil broker selects ModeLocal.
func New(instanceID string, local Local, br broker.Broker, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		instanceID:    instanceID,
		local:         local,
		broker:        br,
		mode:          ModeLocal,
		queue:         make(chan outbound, DefaultQueueSize),
		timeout:       broker.DefaultTimeout,
		minBackoff:    defaultMinBackoff,
		maxBackoff:    defaultMaxBackoff,
		probeInterval: DefaultProbeInterval,
		now:           time.Now,
	}
	if br != nil {
		b.mode = ModeClustered
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broadcaster) InstanceID() string { return b.instanceID }

func (b *Broadcaster) Mode() Mode { return b.mode }

// Available reports whether broker relay is currently active.
func (b *Broadcaster) Available() bool {
	return b.mode == ModeClustered && b.available.Load()
}

func (b *Broadcaster) setAvailable(ok bool, cause error) {
	if b.available.Swap(ok) == ok {
		return
	}
	obs.SetBrokerAvailable(ok)
	fields := map[string]any{"instance_id": b.instanceID}
	if ok {
		obs.Info("broker_available", fields)
		return
	}
	fields["error"] = cause
	obs.Warn("broker_unavailable", fields)
}

// Publish delivers ev to the local members of roomID and queues it for peer
// instances. The relay never blocks the caller; a full queue drops the relay
// copy only.
func (b *Broadcaster) Publish(ctx context.Context, roomID string, ev event.Event) (registry.Delivery, error) {
	frame, err := event.Encode(ev)
	if err != nil {
		return registry.Delivery{}, fmt.Errorf("cluster: encode event: %w", err)
	}
	d := b.local.DeliverFrame(roomID, frame)
	obs.Deliveries.WithLabelValues("local").Add(float64(d.Delivered))
	b.sent.Add(1)

	if !b.Available() {
		return d, nil
	}
	env := Envelope{InstanceID: b.instanceID, RoomID: roomID, Message: string(frame), Timestamp: b.now().UTC()}
	payload, err := json.Marshal(env)
	if err != nil {
		return d, fmt.Errorf("cluster: encode envelope: %w", err)
	}
	b.enqueue(broker.ChannelBroadcast, payload)
	return d, nil
}

func (b *Broadcaster) enqueue(channel string, payload []byte) bool {
	select {
	case b.queue <- outbound{channel: channel, payload: payload}:
		return true
	default:
		b.dropped.Add(1)
		obs.OutboundDropped.Inc()
		obs.Warn("broker_outbound_dropped", map[string]any{"channel": channel, "error": ErrQueueFull})
		return false
	}
}

// OnClusterMessage handles one payload received from the broker. Messages
// from this instance and malformed payloads are dropped.
func (b *Broadcaster) OnClusterMessage(channel string, raw []byte) {
	switch channel {
	case broker.ChannelBroadcast:
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			obs.Warn("cluster_envelope_invalid", map[string]any{"error": err})
			return
		}
		if env.InstanceID == b.instanceID || env.RoomID == "" || env.Message == "" {
			return
		}
		d := b.local.DeliverFrame(env.RoomID, []byte(env.Message))
		obs.Deliveries.WithLabelValues("remote").Add(float64(d.Delivered))
		b.received.Add(1)
	case broker.ChannelUserMessages:
		var msg UserMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			obs.Warn("cluster_user_message_invalid", map[string]any{"error": err})
			return
		}
		if msg.InstanceID == b.instanceID || msg.TargetUserID == "" || msg.Message == "" {
			return
		}
		if b.local.DirectFrame(msg.TargetUserID, msg.RoomID, []byte(msg.Message)) {
			obs.Deliveries.WithLabelValues("direct_remote").Inc()
			b.received.Add(1)
		}
	}
}

// SendToUser delivers ev to principalID on this instance, falling back to
// the user message channel when no local connection took it.
func (b *Broadcaster) SendToUser(ctx context.Context, principalID string, ev event.Event, roomID string) (bool, error) {
	frame, err := event.Encode(ev)
	if err != nil {
		return false, fmt.Errorf("cluster: encode event: %w", err)
	}
	if b.local.DirectFrame(principalID, roomID, frame) {
		obs.Deliveries.WithLabelValues("direct_local").Inc()
		return true, nil
	}
	if !b.Available() {
		return false, nil
	}
	payload, err := json.Marshal(UserMessage{
		Type:         typeUserMessage,
		TargetUserID: principalID,
		RoomID:       roomID,
		Message:      string(frame),
		InstanceID:   b.instanceID,
		Timestamp:    b.now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("cluster: encode user message: %w", err)
	}
	return b.enqueue(broker.ChannelUserMessages, payload), nil
}

// Announce publishes a connection event for observers of the events channel.
func (b *Broadcaster) Announce(roomID, userID, name string) {
	if !b.Available() {
		return
	}
	payload, err := json.Marshal(ConnectionEvent{
		Type:       typeConnectionEvent,
		Event:      name,
		RoomID:     roomID,
		UserID:     userID,
		InstanceID: b.instanceID,
		Timestamp:  b.now().UTC(),
	})
	if err != nil {
		return
	}
	b.enqueue(broker.ChannelEvents, payload)
}

// Stats returns the relay counters.
func (b *Broadcaster) Stats() Stats {
	return Stats{
		InstanceID:       b.instanceID,
		Mode:             b.mode.String(),
		BrokerAvailable:  b.Available(),
		MessagesSent:     b.sent.Load(),
		MessagesReceived: b.received.Load(),
		OutboundDropped:  b.dropped.Load(),
	}
}

// Run drives the subscription, the outbound drain and the health probe
// until ctx is done. In ModeLocal it only waits for ctx.
func (b *Broadcaster) Run(ctx context.Context) error {
	if b.mode == ModeLocal {
		obs.SetBrokerAvailable(false)
		<-ctx.Done()
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.subscribe(ctx) })
	g.Go(func() error { return b.drain(ctx) })
	g.Go(func() error { return b.probe(ctx) })
	return g.Wait()
}

func (b *Broadcaster) subscribe(ctx context.Context) error {
	backoff := b.minBackoff
	for {
		sub, err := b.broker.Subscribe(ctx, broker.ChannelBroadcast, broker.ChannelUserMessages)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			obs.BrokerErrors.WithLabelValues("subscribe").Inc()
			b.setAvailable(false, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, b.maxBackoff)
			continue
		}
		backoff = b.minBackoff
		b.subscribed.Store(true)
		b.setAvailable(true, nil)

		for msg := range sub.Messages() {
			b.OnClusterMessage(msg.Channel, msg.Payload)
		}
		b.subscribed.Store(false)
		_ = sub.Close()
		if ctx.Err() != nil {
			return nil
		}
		b.setAvailable(false, errors.New("subscription closed"))
	}
}

func (b *Broadcaster) drain(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case out := <-b.queue:
			if !b.available.Load() {
				continue
			}
			pctx, cancel := broker.WithTimeout(ctx, b.timeout)
			err := b.broker.Publish(pctx, out.channel, out.payload)
			cancel()
			if err != nil && ctx.Err() == nil {
				obs.BrokerErrors.WithLabelValues("publish").Inc()
				b.setAvailable(false, err)
			}
		}
	}
}

// probe restores availability after a failed publish once the broker
// answers again, and flags outages the subscription has not noticed yet.
// Without a live subscription the relay stays down until subscribe
// reconnects.
func (b *Broadcaster) probe(ctx context.Context) error {
	ticker := time.NewTicker(b.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pctx, cancel := broker.WithTimeout(ctx, b.timeout)
			err := b.broker.Ping(pctx)
			cancel()
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				obs.BrokerErrors.WithLabelValues("ping").Inc()
				b.setAvailable(false, err)
				continue
			}
			if b.subscribed.Load() {
				b.setAvailable(true, nil)
			}
		}
	}
}
