package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultIssuer is used when no issuer is configured.
const DefaultIssuer = "tavern"

const maxClockSkew = 5 * time.Second

// Claims represents JWT claims used across the service. Subject carries the
// display name, UserID the stable principal id.
type Claims struct {
	UserID    string    `json:"user_id"`
	TokenKind TokenKind `json:"type"`
	jwt.RegisteredClaims
}

// Option configures a Signer or Verifier.
type Option func(*keyConfig)

type keyConfig struct {
	issuer string
	now    func() time.Time
}

// WithIssuer overrides the issuer claim written and expected.
func WithIssuer(issuer string) Option {
	return func(c *keyConfig) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			c.issuer = issuer
		}
	}
}

// WithClock overrides the clock used for issuing and validating timestamps.
func WithClock(fn func() time.Time) Option {
	return func(c *keyConfig) {
		if fn != nil {
			c.now = fn
		}
	}
}

func newKeyConfig(opts []Option) keyConfig {
	cfg := keyConfig{issuer: DefaultIssuer, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func checkSecret(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errMissingSecret
	}
	return []byte(secret), nil
}

// Signer mints HS256 credentials. Issuance is normally owned by the account
// service; the gateway uses it for tooling and tests.
type Signer struct {
	secret []byte
	cfg    keyConfig
}

// NewSigner returns a Signer for the shared secret.
func NewSigner(secret string, opts ...Option) (*Signer, error) {
	b, err := checkSecret(secret)
	if err != nil {
		return nil, err
	}
	return &Signer{secret: b, cfg: newKeyConfig(opts)}, nil
}

// Issue signs a token of the given kind for the principal.
func (s *Signer) Issue(userID, username string, kind TokenKind, ttl time.Duration) (string, *Claims, error) {
	userID = strings.TrimSpace(userID)
	username = strings.TrimSpace(username)
	if userID == "" || username == "" {
		return "", nil, fmt.Errorf("%w: user id and username are required", ErrInvalidInput)
	}
	if !kind.valid() {
		return "", nil, fmt.Errorf("%w: token kind %q", ErrInvalidInput, kind)
	}
	if ttl <= 0 {
		return "", nil, fmt.Errorf("%w: ttl must be greater than zero", ErrInvalidInput)
	}

	now := s.cfg.now().UTC()
	claims := &Claims{
		UserID:    userID,
		TokenKind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Verifier checks signature, issuer and timestamps of HS256 credentials.
type Verifier struct {
	secret []byte
	cfg    keyConfig
}

// NewVerifier returns a Verifier for the shared secret.
func NewVerifier(secret string, opts ...Option) (*Verifier, error) {
	b, err := checkSecret(secret)
	if err != nil {
		return nil, err
	}
	return &Verifier{secret: b, cfg: newKeyConfig(opts)}, nil
}

// Verify parses the token and validates its claims. Every failure is reported
// as ErrInvalidToken.
func (v *Verifier) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := v.validateClaims(claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

func (v *Verifier) validateClaims(claims *Claims) error {
	if claims.Issuer != v.cfg.issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.UserID) == "" {
		return errors.New("subject missing")
	}
	if strings.TrimSpace(claims.ID) == "" {
		return errors.New("jti missing")
	}
	if !claims.TokenKind.valid() {
		return fmt.Errorf("unexpected token type: %q", claims.TokenKind)
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := v.cfg.now().UTC()
	if !now.Before(claims.ExpiresAt.Time) {
		return errors.New("token expired")
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return errors.New("token not yet valid")
	}
	if claims.IssuedAt.Time.After(now.Add(maxClockSkew)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}
