package auth

import "errors"

var (
	// ErrInvalidToken indicates the credential failed signature or claim validation.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrRevoked indicates the credential's jti is on the revocation list.
	ErrRevoked = errors.New("auth: token revoked")
	// ErrUnavailable indicates the revocation state could not be determined.
	ErrUnavailable  = errors.New("auth: revocation state unavailable")
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrNotFound     = errors.New("auth: not found")

	errMissingSecret = errors.New("auth: secret is not configured")
)
