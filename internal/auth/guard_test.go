package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tavern.org/internal/broker"
)

type memStore struct {
	mu      sync.Mutex
	entries map[string]RevocationEntry
	lookups int
	failGet error
	failPut error
}

func newMemStore() *memStore { return &memStore{entries: make(map[string]RevocationEntry)} }

func (s *memStore) IsRevoked(_ context.Context, jti string) (RevocationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.failGet != nil {
		return RevocationEntry{}, s.failGet
	}
	e, ok := s.entries[jti]
	if !ok {
		return RevocationEntry{}, ErrNotFound
	}
	return e, nil
}

func (s *memStore) Revoke(_ context.Context, e RevocationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		return s.failPut
	}
	if _, ok := s.entries[e.JTI]; !ok {
		s.entries[e.JTI] = e
	}
	return nil
}

func (s *memStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for jti, e := range s.entries {
		if e.ExpiresAt.Before(now) {
			delete(s.entries, jti)
			n++
		}
	}
	return n, nil
}

func (s *memStore) lookupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

type guardFixture struct {
	now    time.Time
	signer *Signer
	store  *memStore
	shared *broker.Memory
}

func newGuardFixture(t *testing.T) *guardFixture {
	t.Helper()
	f := &guardFixture{now: time.Now().Truncate(time.Second), store: newMemStore()}
	f.shared = broker.NewMemory(broker.WithMemoryClock(f.clock))
	signer, err := NewSigner(testSecret, WithClock(f.clock))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	f.signer = signer
	return f
}

func (f *guardFixture) clock() time.Time { return f.now }

func (f *guardFixture) guard(t *testing.T) *Guard {
	t.Helper()
	v, err := NewVerifier(testSecret, WithClock(f.clock))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return NewGuard(v, f.store, WithSharedCache(f.shared), WithGuardClock(f.clock))
}

func (f *guardFixture) issue(t *testing.T, ttl time.Duration) (string, *Claims) {
	t.Helper()
	tok, claims, err := f.signer.Issue("7", "bilbo", KindAccess, ttl)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok, claims
}

func TestAuthenticateAcceptsValidToken(t *testing.T) {
	f := newGuardFixture(t)
	g := f.guard(t)
	tok, claims := f.issue(t, time.Hour)

	p, err := g.Authenticate(context.Background(), tok)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.UserID != "7" || p.Username != "bilbo" || p.TokenID != claims.ID {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestAuthenticateInvalidSkipsLookups(t *testing.T) {
	f := newGuardFixture(t)
	g := f.guard(t)
	if _, err := g.Authenticate(context.Background(), "bogus"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if n := f.store.lookupCount(); n != 0 {
		t.Fatalf("expected no durable lookups, got %d", n)
	}
}

func TestRevokedInDurableStorePopulatesCaches(t *testing.T) {
	f := newGuardFixture(t)
	g := f.guard(t)
	tok, claims := f.issue(t, 10*time.Minute)
	f.store.entries[claims.ID] = RevocationEntry{JTI: claims.ID, UserID: "7", Kind: KindAccess, ExpiresAt: claims.ExpiresAt.Time}

	if _, err := g.Authenticate(context.Background(), tok); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
	if ttl := f.shared.TTL(RevokedKey(claims.ID)); ttl != 10*time.Minute {
		t.Fatalf("expected shared ttl equal to remaining life, got %s", ttl)
	}
	if !g.Cached(claims.ID) {
		t.Fatalf("expected local cache entry")
	}

	lookups := f.store.lookupCount()
	if _, err := g.Authenticate(context.Background(), tok); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked on second attempt, got %v", err)
	}
	if f.store.lookupCount() != lookups {
		t.Fatalf("expected cached rejection without durable lookup")
	}
}

func TestRevocationVisibleToOtherInstances(t *testing.T) {
	f := newGuardFixture(t)
	a := f.guard(t)
	b := f.guard(t)
	tok, _ := f.issue(t, time.Hour)

	if _, err := b.Authenticate(context.Background(), tok); err != nil {
		t.Fatalf("expected token accepted before revocation: %v", err)
	}
	if _, err := a.RevokeToken(context.Background(), tok, "logout"); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, err := b.Authenticate(context.Background(), tok); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected other instance to reject, got %v", err)
	}

	// With the shared tier down the durable tier still rejects.
	c := f.guard(t)
	f.shared.SetDown(true)
	if _, err := c.Authenticate(context.Background(), tok); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected durable rejection during broker outage, got %v", err)
	}
}

func TestAuthenticateFailsClosedOnStoreError(t *testing.T) {
	f := newGuardFixture(t)
	g := f.guard(t)
	tok, _ := f.issue(t, time.Hour)
	f.store.failGet = errors.New("connection refused")

	if _, err := g.Authenticate(context.Background(), tok); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestRevokeSurvivesSharedCacheOutage(t *testing.T) {
	f := newGuardFixture(t)
	g := f.guard(t)
	tok, claims := f.issue(t, time.Hour)
	f.shared.SetDown(true)

	entry, err := g.RevokeToken(context.Background(), tok, "compromised")
	if err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if entry.JTI != claims.ID || entry.Reason != "compromised" || entry.Kind != KindAccess {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if _, ok := f.store.entries[claims.ID]; !ok {
		t.Fatalf("expected durable entry")
	}
	if !g.Cached(claims.ID) {
		t.Fatalf("expected local cache entry")
	}
}

func TestRevokeFailsWhenDurableWriteFails(t *testing.T) {
	f := newGuardFixture(t)
	g := f.guard(t)
	tok, claims := f.issue(t, time.Hour)
	f.store.failPut = errors.New("disk full")

	if _, err := g.RevokeToken(context.Background(), tok, "logout"); err == nil {
		t.Fatalf("expected error")
	}
	if g.Cached(claims.ID) {
		t.Fatalf("cache must not be written before the durable tier")
	}
	if err := g.Revoke(context.Background(), RevocationEntry{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSweepDropsExpiredEntries(t *testing.T) {
	f := newGuardFixture(t)
	g := f.guard(t)
	short, shortClaims := f.issue(t, time.Minute)
	long, longClaims := f.issue(t, time.Hour)
	for _, tok := range []string{short, long} {
		if _, err := g.RevokeToken(context.Background(), tok, "test"); err != nil {
			t.Fatalf("RevokeToken: %v", err)
		}
	}

	f.now = f.now.Add(2 * time.Minute)
	if n := g.Sweep(); n != 1 {
		t.Fatalf("expected one dropped entry, got %d", n)
	}
	if g.Cached(shortClaims.ID) || !g.Cached(longClaims.ID) {
		t.Fatalf("unexpected cache contents after sweep")
	}
}
