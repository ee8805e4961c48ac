package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const memorySubBuffer = 256

// Memory is an in-process Broker. It backs single-process deployments and
// tests that run several gateway instances against one shared broker.
type Memory struct {
	mu   sync.RWMutex
	subs map[int]*memorySub
	next int

	kvMu sync.Mutex
	kv   map[string]memoryEntry

	now  func() time.Time
	down atomic.Bool
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryOption configures Memory.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the clock used for key expiry.
func WithMemoryClock(fn func() time.Time) MemoryOption {
	return func(m *Memory) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewMemory returns an empty in-process broker.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		subs: make(map[int]*memorySub),
		kv:   make(map[string]memoryEntry),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Broker = (*Memory)(nil)

// SetDown simulates an outage: every call fails with ErrUnavailable and live
// subscriptions are closed.
func (m *Memory) SetDown(down bool) {
	m.down.Store(down)
	if !down {
		return
	}
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[int]*memorySub)
	m.mu.Unlock()
	for _, s := range subs {
		s.closeChannel()
	}
}

func (m *Memory) check(op string) error {
	if m.down.Load() {
		return fmt.Errorf("%w: %s: memory broker down", ErrUnavailable, op)
	}
	return nil
}

// Publish fans the payload out to subscribers of channel. A slow subscriber
// drops the message instead of blocking the publisher.
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := m.check("publish"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: publish: %v", ErrUnavailable, err)
	}
	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.subs {
		if _, ok := s.channels[channel]; !ok {
			continue
		}
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber for the given channels. The subscription
// ends when ctx is done or Close is called.
func (m *Memory) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if err := m.check("subscribe"); err != nil {
		return nil, err
	}
	s := &memorySub{
		ch:       make(chan Message, memorySubBuffer),
		channels: make(map[string]struct{}, len(channels)),
		done:     make(chan struct{}),
		owner:    m,
	}
	for _, c := range channels {
		s.channels[c] = struct{}{}
	}

	m.mu.Lock()
	s.id = m.next
	m.next++
	m.subs[s.id] = s
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := m.check("set"); err != nil {
		return err
	}
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.kvMu.Lock()
	m.kv[key] = entry
	m.kvMu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	if err := m.check("get"); err != nil {
		return nil, err
	}
	m.kvMu.Lock()
	defer m.kvMu.Unlock()
	entry, ok := m.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		delete(m.kv, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), entry.value...), nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.Get(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// TTL reports the remaining lifetime of key, or 0 when it has none or is missing.
func (m *Memory) TTL(key string) time.Duration {
	m.kvMu.Lock()
	defer m.kvMu.Unlock()
	entry, ok := m.kv[key]
	if !ok || entry.expiresAt.IsZero() {
		return 0
	}
	return entry.expiresAt.Sub(m.now())
}

func (m *Memory) Ping(context.Context) error { return m.check("ping") }

func (m *Memory) Close() error {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[int]*memorySub)
	m.mu.Unlock()
	for _, s := range subs {
		s.closeChannel()
	}
	return nil
}

type memorySub struct {
	id       int
	ch       chan Message
	channels map[string]struct{}
	owner    *Memory

	once sync.Once
	done chan struct{}
}

func (s *memorySub) Messages() <-chan Message { return s.ch }

func (s *memorySub) Close() error {
	s.owner.mu.Lock()
	_, registered := s.owner.subs[s.id]
	delete(s.owner.subs, s.id)
	s.owner.mu.Unlock()
	if registered {
		s.closeChannel()
	}
	return nil
}

// closeChannel must only run once the subscription is no longer in the
// owner's map, so Publish can never send on a closed channel.
func (s *memorySub) closeChannel() {
	s.once.Do(func() {
		close(s.done)
		close(s.ch)
	})
}
