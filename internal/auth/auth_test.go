package auth

import (
	"errors"
	"testing"
	"time"
)

const testSecret = "test-secret-with-enough-entropy-000"

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestSignerVerifierRoundTrip(t *testing.T) {
	now := time.Now()
	signer, err := NewSigner(testSecret, WithClock(fixedClock(now)))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	verifier, err := NewVerifier(testSecret, WithClock(fixedClock(now.Add(time.Minute))))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	token, issued, err := signer.Issue("42", "gandalf", KindAccess, 30*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != "42" || claims.Subject != "gandalf" {
		t.Fatalf("unexpected identity: %s/%s", claims.UserID, claims.Subject)
	}
	if claims.ID == "" || claims.ID != issued.ID {
		t.Fatalf("jti not preserved: %q vs %q", claims.ID, issued.ID)
	}
	if claims.TokenKind != KindAccess {
		t.Fatalf("unexpected kind %q", claims.TokenKind)
	}

	p := PrincipalFromClaims(claims)
	if p.UserID != "42" || p.Username != "gandalf" || p.TokenID != issued.ID {
		t.Fatalf("unexpected principal %+v", p)
	}
	if !p.ExpiresAt.Equal(issued.ExpiresAt.Time) {
		t.Fatalf("expiry mismatch: %v vs %v", p.ExpiresAt, issued.ExpiresAt.Time)
	}
}

func TestVerifyRejects(t *testing.T) {
	now := time.Now()
	signer, _ := NewSigner(testSecret, WithClock(fixedClock(now)))
	other, _ := NewSigner("a-different-secret-entirely-00000", WithClock(fixedClock(now)))
	foreign, _ := NewSigner(testSecret, WithIssuer("elsewhere"), WithClock(fixedClock(now)))
	verifier, _ := NewVerifier(testSecret, WithClock(fixedClock(now)))
	later, _ := NewVerifier(testSecret, WithClock(fixedClock(now.Add(2*time.Hour))))

	good, _, _ := signer.Issue("1", "frodo", KindAccess, time.Hour)
	wrongKey, _, _ := other.Issue("1", "frodo", KindAccess, time.Hour)
	wrongIssuer, _, _ := foreign.Issue("1", "frodo", KindAccess, time.Hour)

	cases := []struct {
		name     string
		verifier *Verifier
		token    string
	}{
		{"empty", verifier, "   "},
		{"garbage", verifier, "not.a.jwt"},
		{"wrong secret", verifier, wrongKey},
		{"wrong issuer", verifier, wrongIssuer},
		{"expired", later, good},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.verifier.Verify(tc.token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestIssueValidatesInput(t *testing.T) {
	signer, _ := NewSigner(testSecret)
	if _, _, err := signer.Issue("", "x", KindAccess, time.Hour); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty user, got %v", err)
	}
	if _, _, err := signer.Issue("1", "x", TokenKind("session"), time.Hour); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for kind, got %v", err)
	}
	if _, _, err := signer.Issue("1", "x", KindRefresh, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for ttl, got %v", err)
	}
	if _, err := NewVerifier(" "); err == nil {
		t.Fatalf("expected error for missing secret")
	}
}
