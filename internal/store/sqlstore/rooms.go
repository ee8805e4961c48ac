package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRoom is returned when creating a room without id or name.
var ErrInvalidRoom = errors.New("sqlstore: room id and name are required")

// RoomExists reports whether the game table exists and is active.
func (s *Store) RoomExists(ctx context.Context, roomID string) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx, `select is_active from game_tables where id = $1`, roomID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlstore: lookup room: %w", err)
	}
	return active, nil
}

// CreateRoom registers an active game table. Used by tooling; table CRUD is
// owned by the application service.
func (s *Store) CreateRoom(ctx context.Context, id, name string) error {
	id, name = strings.TrimSpace(id), strings.TrimSpace(name)
	if id == "" || name == "" {
		return ErrInvalidRoom
	}
	_, err := s.db.ExecContext(ctx, `
		insert into game_tables (id, name, is_active, created_at)
		values ($1, $2, $3, $4)
		on conflict (id) do nothing`, id, name, true, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sqlstore: create room: %w", err)
	}
	return nil
}

// SetRoomActive toggles whether a game table accepts sessions.
func (s *Store) SetRoomActive(ctx context.Context, id string, active bool) error {
	_, err := s.db.ExecContext(ctx, `update game_tables set is_active = $1 where id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("sqlstore: update room: %w", err)
	}
	return nil
}
