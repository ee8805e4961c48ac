package auth

import "time"

// TokenKind distinguishes access from refresh credentials.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

func (k TokenKind) valid() bool { return k == KindAccess || k == KindRefresh }

// Principal is the identity established for a verified credential.
type Principal struct {
	UserID    string
	Username  string
	TokenID   string
	Kind      TokenKind
	ExpiresAt time.Time
}

// PrincipalFromClaims maps verified claims to a Principal.
func PrincipalFromClaims(c *Claims) Principal {
	p := Principal{
		UserID:   c.UserID,
		Username: c.Subject,
		TokenID:  c.ID,
		Kind:     c.TokenKind,
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time.UTC()
	}
	return p
}

// RevocationEntry records one revoked credential. Entries are immutable once
// written and purgeable after ExpiresAt.
type RevocationEntry struct {
	ID        string
	JTI       string
	UserID    string
	Kind      TokenKind
	RevokedAt time.Time
	ExpiresAt time.Time
	Reason    string
}

// Remaining reports how long the entry must still be honoured.
func (e RevocationEntry) Remaining(now time.Time) time.Duration {
	return e.ExpiresAt.Sub(now)
}
