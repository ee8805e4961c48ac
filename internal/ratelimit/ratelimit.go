// Package ratelimit enforces per-principal, per-event-kind sliding windows.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"tavern.org/internal/event"
)

// Limit allows at most Max events per Window.
type Limit struct {
	Max    int
	Window time.Duration
}

// DefaultLimits are the per-kind limits applied when none are configured.
func DefaultLimits() map[event.Kind]Limit {
	return map[event.Kind]Limit{
		event.KindChat:         {Max: 20, Window: 10 * time.Second},
		event.KindDiceRoll:     {Max: 20, Window: 10 * time.Second},
		event.KindUpdateTokens: {Max: 10, Window: 5 * time.Second},
		event.KindMapUpdated:   {Max: 10, Window: 5 * time.Second},
	}
}

type key struct {
	principal string
	kind      event.Kind
}

// window holds accepted timestamps in ascending order. dead marks a window
// removed by Sweep so a concurrent Allow retries on a fresh one.
type window struct {
	mu    sync.Mutex
	times []time.Time
	dead  bool
}

// Limiter is safe for concurrent use. Each (principal, kind) window has its
// own lock.
type Limiter struct {
	limits  map[event.Kind]Limit
	longest time.Duration
	windows sync.Map
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the limiter clock.
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithLimit sets or replaces the limit for kind. A non-positive Max or Window
// removes the limit.
func WithLimit(kind event.Kind, lim Limit) Option {
	return func(l *Limiter) {
		if lim.Max <= 0 || lim.Window <= 0 {
			delete(l.limits, kind)
			return
		}
		l.limits[kind] = lim
	}
}

// New returns a Limiter seeded with DefaultLimits.
func New(opts ...Option) *Limiter {
	l := &Limiter{limits: DefaultLimits(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	for _, lim := range l.limits {
		if lim.Window > l.longest {
			l.longest = lim.Window
		}
	}
	return l
}

// Limit returns the configured limit for kind.
func (l *Limiter) Limit(kind event.Kind) (Limit, bool) {
	lim, ok := l.limits[kind]
	return lim, ok
}

// Allow records an event for principal and kind when it fits the window.
// Rejected events are not recorded. Kinds without a limit are always allowed.
func (l *Limiter) Allow(principal string, kind event.Kind) bool {
	lim, ok := l.limits[kind]
	if !ok {
		return true
	}
	k := key{principal: principal, kind: kind}
	for {
		v, _ := l.windows.LoadOrStore(k, &window{})
		w := v.(*window)
		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		now := l.now()
		w.evict(now.Add(-lim.Window))
		allowed := len(w.times) < lim.Max
		if allowed {
			w.times = append(w.times, now)
		}
		w.mu.Unlock()
		return allowed
	}
}

// evict drops timestamps at or before cutoff.
func (w *window) evict(cutoff time.Time) {
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

// Sweep deletes windows that are empty or whose newest timestamp is older
// than the longest configured window. It returns the number removed.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.longest)
	removed := 0
	l.windows.Range(func(k, v any) bool {
		w := v.(*window)
		w.mu.Lock()
		if len(w.times) == 0 || !w.times[len(w.times)-1].After(cutoff) {
			w.dead = true
			l.windows.Delete(k)
			removed++
		}
		w.mu.Unlock()
		return true
	})
	return removed
}

// Len reports the number of live windows.
func (l *Limiter) Len() int {
	n := 0
	l.windows.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Run calls Sweep every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
