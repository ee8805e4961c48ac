package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	r := NewRedis(client, 200*time.Millisecond)
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func TestRedisPublishSubscribe(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	sub, err := r.Subscribe(ctx, ChannelBroadcast)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := r.Publish(ctx, ChannelBroadcast, []byte(`{"room_id":"7"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg := recv(t, sub)
	if msg.Channel != ChannelBroadcast || string(msg.Payload) != `{"room_id":"7"}` {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestRedisKeyValueWithExpiry(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	if _, err := r.Get(ctx, "revoked:token:j1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := r.Set(ctx, "revoked:token:j1", []byte("revoked"), 30*time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ttl := mr.TTL("revoked:token:j1"); ttl != 30*time.Second {
		t.Fatalf("expected ttl 30s, got %s", ttl)
	}
	got, err := r.Get(ctx, "revoked:token:j1")
	if err != nil || string(got) != "revoked" {
		t.Fatalf("get: %q %v", got, err)
	}

	mr.FastForward(31 * time.Second)
	ok, err := r.Exists(ctx, "revoked:token:j1")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Fatalf("expected key to expire")
	}
}

func TestRedisOutageReportsUnavailable(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()
	if err := r.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	mr.Close()
	if err := r.Publish(ctx, ChannelEvents, []byte("x")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from publish, got %v", err)
	}
	if _, err := r.Exists(ctx, "k"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from exists, got %v", err)
	}
	if _, err := r.Subscribe(ctx, ChannelEvents); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from subscribe, got %v", err)
	}
}

func TestDialRedisRejectsBadURL(t *testing.T) {
	if _, err := DialRedis("not-a-url", time.Second); err == nil {
		t.Fatalf("expected parse error")
	}
}
