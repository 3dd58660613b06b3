package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestVerifier(t *testing.T, leeway time.Duration) *HMACTokenVerifier {
	t.Helper()
	verifier, err := NewHMACTokenVerifier("secret-key", leeway)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	verifier.WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) })
	return verifier
}

func TestVerifyRoundTrip(t *testing.T) {
	verifier := newTestVerifier(t, 0)
	token, err := verifier.Mint("user-7", "authsess-42", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	identity, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if identity.UserID != "user-7" {
		t.Fatalf("unexpected user id: %q", identity.UserID)
	}
	if identity.AuthSessionID != "authsess-42" {
		t.Fatalf("unexpected auth session id: %q", identity.AuthSessionID)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	verifier := newTestVerifier(t, 0)
	token, err := verifier.Mint("user-7", "authsess-42", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	if _, err := verifier.Verify(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	verifier := newTestVerifier(t, 0)
	token, err := verifier.Mint("user-7", "authsess-42", -time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token, got %v", err)
	}
}

func TestVerifyLeewayToleratesSkew(t *testing.T) {
	verifier := newTestVerifier(t, 5*time.Second)
	token, err := verifier.Mint("user-7", "authsess-42", -2*time.Second)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := verifier.Verify(token); err != nil {
		t.Fatalf("expected leeway to admit token, got %v", err)
	}
}

func TestVerifyRejectsMissingSessionClaim(t *testing.T) {
	verifier := newTestVerifier(t, 0)
	if _, err := verifier.Mint("user-7", "", time.Minute); err == nil {
		t.Fatalf("expected mint to reject empty session id")
	}
	if _, err := verifier.Verify(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token for empty input, got %v", err)
	}
}
