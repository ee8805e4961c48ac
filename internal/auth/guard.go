package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tavern.org/internal/broker"
	"tavern.org/internal/ids"
	"tavern.org/internal/obs"
)

// RevokedKeyPrefix prefixes shared-cache revocation keys.
const RevokedKeyPrefix = "revoked:token:"

var revokedMarker = []byte("revoked")

// RevokedKey returns the shared-cache key for jti.
func RevokedKey(jti string) string { return RevokedKeyPrefix + jti }

// Guard authenticates credentials and consults the revocation list through
// three tiers: a process-local cache, the shared broker and the durable store.
type Guard struct {
	verifier *Verifier
	store    RevocationStore
	shared   broker.Broker
	timeout  time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	local map[string]time.Time
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithSharedCache enables the shared broker tier.
func WithSharedCache(b broker.Broker) GuardOption {
	return func(g *Guard) { g.shared = b }
}

// WithBrokerTimeout bounds each shared-cache call.
func WithBrokerTimeout(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithGuardClock overrides the clock used for cache lifetimes.
func WithGuardClock(fn func() time.Time) GuardOption {
	return func(g *Guard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// NewGuard builds a Guard. store must not be nil.
func NewGuard(v *Verifier, store RevocationStore, opts ...GuardOption) *Guard {
	g := &Guard{
		verifier: v,
		store:    store,
		timeout:  broker.DefaultTimeout,
		now:      time.Now,
		local:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authenticate verifies the credential and rejects it when its jti has been
// revoked. A durable-store failure rejects with ErrUnavailable.
func (g *Guard) Authenticate(ctx context.Context, credential string) (Principal, error) {
	claims, err := g.verifier.Verify(credential)
	if err != nil {
		obs.AuthRejections.WithLabelValues("invalid").Inc()
		return Principal{}, err
	}
	p := PrincipalFromClaims(claims)

	revoked, err := g.isRevoked(ctx, p.TokenID)
	if err != nil {
		obs.AuthRejections.WithLabelValues("unavailable").Inc()
		return Principal{}, err
	}
	if revoked {
		obs.AuthRejections.WithLabelValues("revoked").Inc()
		return Principal{}, ErrRevoked
	}
	return p, nil
}

func (g *Guard) isRevoked(ctx context.Context, jti string) (bool, error) {
	now := g.now()

	g.mu.RLock()
	exp, ok := g.local[jti]
	g.mu.RUnlock()
	if ok && now.Before(exp) {
		obs.RevocationChecks.WithLabelValues("local", "hit").Inc()
		return true, nil
	}

	if g.shared != nil {
		bctx, cancel := broker.WithTimeout(ctx, g.timeout)
		hit, err := g.shared.Exists(bctx, RevokedKey(jti))
		cancel()
		switch {
		case err != nil:
			obs.BrokerErrors.WithLabelValues("revocation_lookup").Inc()
			obs.Warn("revocation_shared_lookup_failed", map[string]any{"jti": jti, "error": err})
		case hit:
			obs.RevocationChecks.WithLabelValues("shared", "hit").Inc()
			return true, nil
		}
	}

	entry, err := g.store.IsRevoked(ctx, jti)
	if errors.Is(err, ErrNotFound) {
		obs.RevocationChecks.WithLabelValues("durable", "miss").Inc()
		return false, nil
	}
	if err != nil {
		obs.RevocationChecks.WithLabelValues("durable", "error").Inc()
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	obs.RevocationChecks.WithLabelValues("durable", "hit").Inc()
	g.cache(ctx, entry, now)
	return true, nil
}

// cache writes entry into the shared and local tiers for its remaining life.
func (g *Guard) cache(ctx context.Context, entry RevocationEntry, now time.Time) {
	ttl := entry.Remaining(now)
	if ttl <= 0 {
		return
	}
	if g.shared != nil {
		bctx, cancel := broker.WithTimeout(ctx, g.timeout)
		err := g.shared.Set(bctx, RevokedKey(entry.JTI), revokedMarker, ttl)
		cancel()
		if err != nil {
			obs.BrokerErrors.WithLabelValues("revocation_cache").Inc()
			obs.Warn("revocation_shared_cache_failed", map[string]any{"jti": entry.JTI, "error": err})
		}
	}
	g.mu.Lock()
	g.local[entry.JTI] = entry.ExpiresAt
	g.mu.Unlock()
}

// Revoke records the entry durably, then in the shared and local caches. The
// call only fails when the durable write fails.
func (g *Guard) Revoke(ctx context.Context, entry RevocationEntry) error {
	entry.JTI = strings.TrimSpace(entry.JTI)
	if entry.JTI == "" {
		return fmt.Errorf("%w: jti is required", ErrInvalidInput)
	}
	if entry.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: expiry is required", ErrInvalidInput)
	}
	now := g.now()
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.RevokedAt.IsZero() {
		entry.RevokedAt = now.UTC()
	}
	if err := g.store.Revoke(ctx, entry); err != nil {
		return fmt.Errorf("persist revocation: %w", err)
	}
	g.cache(ctx, entry, now)
	return nil
}

// RevokeToken revokes a signed credential. Expired or otherwise invalid
// credentials are rejected with ErrInvalidToken.
func (g *Guard) RevokeToken(ctx context.Context, credential, reason string) (RevocationEntry, error) {
	claims, err := g.verifier.Verify(credential)
	if err != nil {
		return RevocationEntry{}, err
	}
	p := PrincipalFromClaims(claims)
	entry := RevocationEntry{
		JTI:       p.TokenID,
		UserID:    p.UserID,
		Kind:      p.Kind,
		ExpiresAt: p.ExpiresAt,
		Reason:    reason,
	}
	if err := g.Revoke(ctx, entry); err != nil {
		return RevocationEntry{}, err
	}
	return entry, nil
}

// Sweep drops local cache entries past their natural expiry.
func (g *Guard) Sweep() int {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for jti, exp := range g.local {
		if !now.Before(exp) {
			delete(g.local, jti)
			n++
		}
	}
	return n
}

// Run sweeps the local cache and purges expired durable entries every
// interval until ctx is done.
func (g *Guard) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dropped := g.Sweep()
			purged, err := g.store.PurgeExpired(ctx, g.now())
			if err != nil {
				obs.Warn("revocation_purge_failed", map[string]any{"error": err})
				continue
			}
			if dropped > 0 || purged > 0 {
				obs.Info("revocation_sweep", map[string]any{"local_dropped": dropped, "purged": purged})
			}
		}
	}
}

// Cached reports whether jti is held by the local tier.
func (g *Guard) Cached(jti string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	exp, ok := g.local[jti]
	return ok && g.now().Before(exp)
}
