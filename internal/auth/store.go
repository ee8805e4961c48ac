package auth

import (
	"context"
	"time"
)

// RevocationStore is the durable revocation list.
type RevocationStore interface {
	// IsRevoked returns the stored entry for jti, or ErrNotFound.
	IsRevoked(ctx context.Context, jti string) (RevocationEntry, error)
	// Revoke persists entry. Revoking an already revoked jti is not an error.
	Revoke(ctx context.Context, entry RevocationEntry) error
	// PurgeExpired deletes entries whose natural expiry is before now.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
