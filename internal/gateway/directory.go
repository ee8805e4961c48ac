package gateway

import (
	"context"
	"errors"
	"time"

	"tavern.org/internal/broker"
	"tavern.org/internal/obs"
)

// RoomDirectory answers whether a room exists and accepts sessions.
type RoomDirectory interface {
	RoomExists(ctx context.Context, roomID string) (bool, error)
}

const roomKeyPrefix = "room:exists:"

// CachedDirectory memoises directory answers in the shared broker for a short
// TTL. A room deactivated in the store keeps admitting sessions until its
// entry expires.
type CachedDirectory struct {
	inner   RoomDirectory
	cache   broker.Broker
	ttl     time.Duration
	timeout time.Duration
}

// NewCachedDirectory wraps inner. A nil cache or non-positive ttl disables caching.
func NewCachedDirectory(inner RoomDirectory, cache broker.Broker, ttl, timeout time.Duration) *CachedDirectory {
	return &CachedDirectory{inner: inner, cache: cache, ttl: ttl, timeout: timeout}
}

func (d *CachedDirectory) RoomExists(ctx context.Context, roomID string) (bool, error) {
	if d.cache == nil || d.ttl <= 0 {
		return d.inner.RoomExists(ctx, roomID)
	}
	key := roomKeyPrefix + roomID

	cctx, cancel := broker.WithTimeout(ctx, d.timeout)
	v, err := d.cache.Get(cctx, key)
	cancel()
	switch {
	case err == nil:
		return string(v) == "1", nil
	case !errors.Is(err, broker.ErrNotFound):
		obs.BrokerErrors.WithLabelValues("room_lookup").Inc()
	}

	ok, err := d.inner.RoomExists(ctx, roomID)
	if err != nil {
		return false, err
	}
	val := []byte("0")
	if ok {
		val = []byte("1")
	}
	cctx, cancel = broker.WithTimeout(ctx, d.timeout)
	if err := d.cache.Set(cctx, key, val, d.ttl); err != nil {
		obs.BrokerErrors.WithLabelValues("room_cache").Inc()
	}
	cancel()
	return ok, nil
}
