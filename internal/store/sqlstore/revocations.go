package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tavern.org/internal/auth"
)

var _ auth.RevocationStore = (*Store)(nil)

func (s *Store) IsRevoked(ctx context.Context, jti string) (auth.RevocationEntry, error) {
	var (
		e                    auth.RevocationEntry
		kind                 string
		revokedAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		select id, jti, user_id, token_type, revoked_at, expires_at, reason
		from revoked_tokens where jti = $1`, jti).
		Scan(&e.ID, &e.JTI, &e.UserID, &kind, &revokedAt, &expiresAt, &e.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RevocationEntry{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.RevocationEntry{}, fmt.Errorf("sqlstore: lookup revocation: %w", err)
	}
	e.Kind = auth.TokenKind(kind)
	e.RevokedAt = time.Unix(revokedAt, 0).UTC()
	e.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return e, nil
}

// Revoke inserts the entry. An existing row for the same jti is kept as is.
func (s *Store) Revoke(ctx context.Context, e auth.RevocationEntry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into revoked_tokens (id, jti, user_id, token_type, revoked_at, expires_at, reason)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (jti) do nothing`,
		e.ID, e.JTI, e.UserID, string(e.Kind), e.RevokedAt.Unix(), e.ExpiresAt.Unix(), e.Reason)
	if err != nil {
		return fmt.Errorf("sqlstore: insert revocation: %w", err)
	}
	return nil
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from revoked_tokens where expires_at < $1`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("sqlstore: purge revocations: %w", err)
	}
	return res.RowsAffected()
}
