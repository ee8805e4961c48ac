package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"tavern.org/internal/auth"
)

func openMigrated(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestRevocationsSQLite(t *testing.T) {
	s := openMigrated(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()

	if _, err := s.IsRevoked(ctx, "jti-1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	entry := auth.RevocationEntry{
		ID:        "rev-1",
		JTI:       "jti-1",
		UserID:    "42",
		Kind:      auth.KindRefresh,
		RevokedAt: now,
		ExpiresAt: now.Add(time.Hour),
		Reason:    "logout",
	}
	if err := s.Revoke(ctx, entry); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	dup := entry
	dup.ID, dup.Reason = "rev-2", "again"
	if err := s.Revoke(ctx, dup); err != nil {
		t.Fatalf("duplicate Revoke: %v", err)
	}

	got, err := s.IsRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if got != entry {
		t.Fatalf("got %+v, want %+v", got, entry)
	}

	expired := entry
	expired.ID, expired.JTI, expired.ExpiresAt = "rev-3", "jti-old", now.Add(-time.Minute)
	if err := s.Revoke(ctx, expired); err != nil {
		t.Fatalf("Revoke expired: %v", err)
	}
	n, err := s.PurgeExpired(ctx, now)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged row, got %d", n)
	}
	if _, err := s.IsRevoked(ctx, "jti-1"); err != nil {
		t.Fatalf("live entry must survive purge: %v", err)
	}
}

func TestRoomsSQLite(t *testing.T) {
	s := openMigrated(t)
	ctx := context.Background()

	if ok, err := s.RoomExists(ctx, "7"); err != nil || ok {
		t.Fatalf("expected missing room, ok=%v err=%v", ok, err)
	}
	if err := s.CreateRoom(ctx, "7", "Tomb of Horrors"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if ok, err := s.RoomExists(ctx, "7"); err != nil || !ok {
		t.Fatalf("expected room, ok=%v err=%v", ok, err)
	}
	if err := s.SetRoomActive(ctx, "7", false); err != nil {
		t.Fatalf("SetRoomActive: %v", err)
	}
	if ok, _ := s.RoomExists(ctx, "7"); ok {
		t.Fatalf("inactive room must not be reported")
	}
	if err := s.CreateRoom(ctx, " ", "x"); !errors.Is(err, ErrInvalidRoom) {
		t.Fatalf("expected ErrInvalidRoom, got %v", err)
	}
}

func TestSeedDemoRoom(t *testing.T) {
	s := openMigrated(t)
	ctx := context.Background()
	if _, err := s.Migrations().Seed(ctx); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if ok, err := s.RoomExists(ctx, "demo"); err != nil || !ok {
		t.Fatalf("expected seeded demo room, ok=%v err=%v", ok, err)
	}
}
