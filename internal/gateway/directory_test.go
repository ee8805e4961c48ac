package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"tavern.org/internal/broker"
)

type countingDirectory struct {
	rooms map[string]bool
	calls int
	err   error
}

func (d *countingDirectory) RoomExists(_ context.Context, id string) (bool, error) {
	d.calls++
	if d.err != nil {
		return false, d.err
	}
	return d.rooms[id], nil
}

func TestCachedDirectory(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cache := broker.NewMemory(broker.WithMemoryClock(func() time.Time { return now }))
	inner := &countingDirectory{rooms: map[string]bool{"7": true}}
	d := NewCachedDirectory(inner, cache, 30*time.Second, time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := d.RoomExists(ctx, "7")
		if err != nil || !ok {
			t.Fatalf("RoomExists(7) = %v, %v", ok, err)
		}
		ok, err = d.RoomExists(ctx, "9")
		if err != nil || ok {
			t.Fatalf("RoomExists(9) = %v, %v", ok, err)
		}
	}
	if inner.calls != 2 {
		t.Fatalf("expected one lookup per room, got %d", inner.calls)
	}

	inner.rooms["7"] = false
	now = now.Add(31 * time.Second)
	if ok, _ := d.RoomExists(ctx, "7"); ok {
		t.Fatalf("expected deactivation visible after ttl")
	}
}

func TestCachedDirectoryFallsThroughOnBrokerOutage(t *testing.T) {
	cache := broker.NewMemory()
	cache.SetDown(true)
	inner := &countingDirectory{rooms: map[string]bool{"7": true}}
	d := NewCachedDirectory(inner, cache, time.Minute, time.Second)

	if ok, err := d.RoomExists(context.Background(), "7"); err != nil || !ok {
		t.Fatalf("expected store answer during outage, ok=%v err=%v", ok, err)
	}

	inner.err = errors.New("db down")
	if _, err := d.RoomExists(context.Background(), "7"); err == nil {
		t.Fatalf("expected store error to surface")
	}
}
