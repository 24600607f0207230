package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestVerifier(t *testing.T, f *fakeProvider) *Verifier {
	t.Helper()
	resolver := NewKeyResolver(f.issuer()+"/v1/keys", DefaultJWKSCacheTTL, nil, testLogger())
	return NewVerifier(f.issuer(), "test-client", DefaultLeeway, resolver, testLogger())
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	f := newFakeProvider(t)
	v := newTestVerifier(t, f)

	raw := f.signIDToken(t, f.kid, f.idClaims("nonce-1", []string{"Admin", "User"}))

	claims, err := v.Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if claims.Subject != "00u-subject-1" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	if claims.Email != "jamie@example.com" || claims.PreferredUsername != "jamie" {
		t.Fatalf("unexpected profile claims: %+v", claims)
	}
	if len(claims.Groups) != 2 || claims.Groups[0] != "Admin" {
		t.Fatalf("unexpected groups: %v", claims.Groups)
	}
	if err := CheckNonce(claims, "nonce-1"); err != nil {
		t.Fatalf("CheckNonce returned error: %v", err)
	}
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	f := newFakeProvider(t)
	v := newTestVerifier(t, f)

	for _, raw := range []string{"", "not-a-jwt", "a.b"} {
		if _, err := v.Verify(context.Background(), raw); !errors.Is(err, ErrMalformedToken) {
			t.Fatalf("Verify(%q): expected ErrMalformedToken, got %v", raw, err)
		}
	}
}

func TestVerifyRejectsMissingKid(t *testing.T) {
	f := newFakeProvider(t)
	v := newTestVerifier(t, f)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, f.idClaims("n", nil))
	raw, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := v.Verify(context.Background(), raw); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken, got %v", err)
	}
}

func TestVerifyRejectsUnknownKid(t *testing.T) {
	f := newFakeProvider(t)
	v := newTestVerifier(t, f)

	raw := f.signIDToken(t, "unknown-kid", f.idClaims("n", nil))

	if _, err := v.Verify(context.Background(), raw); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	f := newFakeProvider(t)
	v := newTestVerifier(t, f)

	raw := f.signIDToken(t, f.kid, f.idClaims("n", nil))
	tampered := raw[:len(raw)-2] + "xx"

	if _, err := v.Verify(context.Background(), tampered); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerifyRejectsHMACAlgorithm(t *testing.T) {
	f := newFakeProvider(t)
	v := newTestVerifier(t, f)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, f.idClaims("n", nil))
	token.Header["kid"] = f.kid
	raw, err := token.SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := v.Verify(context.Background(), raw); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	f := newFakeProvider(t)
	v := newTestVerifier(t, f)

	claims := f.idClaims("n", nil)
	claims["iss"] = "https://evil.example.com"
	raw := f.signIDToken(t, f.kid, claims)

	if _, err := v.Verify(context.Background(), raw); !errors.Is(err, ErrClaimIssuer) {
		t.Fatalf("expected ErrClaimIssuer, got %v", err)
	}
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	f := newFakeProvider(t)
	v := newTestVerifier(t, f)

	claims := f.idClaims("n", nil)
	claims["aud"] = "other-client"
	raw := f.signIDToken(t, f.kid, claims)

	if _, err := v.Verify(context.Background(), raw); !errors.Is(err, ErrClaimAudience) {
		t.Fatalf("expected ErrClaimAudience, got %v", err)
	}
}

func TestVerifyAcceptsAudienceList(t *testing.T) {
	f := newFakeProvider(t)
	v := newTestVerifier(t, f)

	claims := f.idClaims("n", nil)
	claims["aud"] = []string{"other-client", "test-client"}
	raw := f.signIDToken(t, f.kid, claims)

	if _, err := v.Verify(context.Background(), raw); err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
}

// Expiry is evaluated against now with leeway: a token whose exp equals
// now-leeway is still acceptable, one second older is not.
func TestVerifyExpiryBoundary(t *testing.T) {
	f := newFakeProvider(t)
	v := newTestVerifier(t, f)

	now := time.Unix(1_700_000_000, 0)
	v.now = func() time.Time { return now }

	claims := f.idClaims("n", nil)
	claims["iat"] = now.Add(-time.Hour).Unix()
	claims["exp"] = now.Add(-DefaultLeeway).Unix()
	raw := f.signIDToken(t, f.kid, claims)
	if _, err := v.Verify(context.Background(), raw); err != nil {
		t.Fatalf("token at the expiry boundary should verify, got %v", err)
	}

	claims["exp"] = now.Add(-DefaultLeeway - time.Second).Unix()
	raw = f.signIDToken(t, f.kid, claims)
	if _, err := v.Verify(context.Background(), raw); !errors.Is(err, ErrClaimExpired) {
		t.Fatalf("expected ErrClaimExpired, got %v", err)
	}
}

// iat may sit up to leeway in the future to absorb clock skew.
func TestVerifyIssuedAtBoundary(t *testing.T) {
	f := newFakeProvider(t)
	v := newTestVerifier(t, f)

	now := time.Unix(1_700_000_000, 0)
	v.now = func() time.Time { return now }

	claims := f.idClaims("n", nil)
	claims["exp"] = now.Add(time.Hour).Unix()
	claims["iat"] = now.Add(DefaultLeeway).Unix()
	raw := f.signIDToken(t, f.kid, claims)
	if _, err := v.Verify(context.Background(), raw); err != nil {
		t.Fatalf("token at the iat boundary should verify, got %v", err)
	}

	claims["iat"] = now.Add(DefaultLeeway + time.Second).Unix()
	raw = f.signIDToken(t, f.kid, claims)
	if _, err := v.Verify(context.Background(), raw); !errors.Is(err, ErrClaimIssuedInFuture) {
		t.Fatalf("expected ErrClaimIssuedInFuture, got %v", err)
	}
}

// Claim checks run issuer, audience, expiry, issued-at in order; a token
// violating several reports the first.
func TestVerifyClaimOrderFailsFast(t *testing.T) {
	f := newFakeProvider(t)
	v := newTestVerifier(t, f)

	claims := f.idClaims("n", nil)
	claims["iss"] = "https://evil.example.com"
	claims["aud"] = "other-client"
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	raw := f.signIDToken(t, f.kid, claims)

	if _, err := v.Verify(context.Background(), raw); !errors.Is(err, ErrClaimIssuer) {
		t.Fatalf("expected the issuer violation to be reported first, got %v", err)
	}
}

func TestCheckNonce(t *testing.T) {
	claims := &IdentityClaims{Nonce: "abc"}
	if err := CheckNonce(claims, "abc"); err != nil {
		t.Fatalf("matching nonce rejected: %v", err)
	}
	if err := CheckNonce(claims, "def"); !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("expected ErrNonceMismatch, got %v", err)
	}
	if err := CheckNonce(&IdentityClaims{}, ""); !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("empty nonce must never match, got %v", err)
	}
}

func TestNormalizeGroupsShapes(t *testing.T) {
	if got := normalizeGroups("Everyone"); len(got) != 1 || got[0] != "Everyone" {
		t.Fatalf("single string: got %v", got)
	}
	if got := normalizeGroups([]any{"A", "B"}); len(got) != 2 || got[1] != "B" {
		t.Fatalf("list: got %v", got)
	}
	if got := normalizeGroups(nil); got != nil {
		t.Fatalf("nil: got %v", got)
	}
}
