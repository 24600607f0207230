package server

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
)

func rawModulus(pub *rsa.PublicKey) []byte {
	return pub.N.Bytes()
}

func rawExponent(pub *rsa.PublicKey) []byte {
	return big.NewInt(int64(pub.E)).Bytes()
}

func entryFor(pub *rsa.PublicKey, kid string) jwkEntry {
	return jwkEntry{
		Kty: "RSA",
		Kid: kid,
		Alg: "RS256",
		Use: "sig",
		N:   base64.RawURLEncoding.EncodeToString(rawModulus(pub)),
		E:   base64.RawURLEncoding.EncodeToString(rawExponent(pub)),
	}
}

func TestBuildSigningKeyReconstructsUsableKey(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	key, err := buildSigningKey(entryFor(&priv.PublicKey, "kid-1"))
	if err != nil {
		t.Fatalf("buildSigningKey returned error: %v", err)
	}
	if key.Kid != "kid-1" || key.Algorithm != "RS256" {
		t.Fatalf("unexpected key metadata: %+v", key)
	}
	if key.PublicKey.N.Cmp(priv.PublicKey.N) != 0 || key.PublicKey.E != priv.PublicKey.E {
		t.Fatalf("reconstructed key does not match the original")
	}

	// A signature made with the private key must verify against the
	// reconstructed public key, and fail once the payload is tampered.
	payload := []byte("header.payload")
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := rsa.VerifyPKCS1v15(key.PublicKey, crypto.SHA256, digest[:], sig); err != nil {
		t.Fatalf("verify with reconstructed key: %v", err)
	}

	tampered := sha256.Sum256([]byte("header.payloae"))
	if err := rsa.VerifyPKCS1v15(key.PublicKey, crypto.SHA256, tampered[:], sig); err == nil {
		t.Fatalf("expected tampered payload to fail verification")
	}

	sig[0] ^= 0x01
	if err := rsa.VerifyPKCS1v15(key.PublicKey, crypto.SHA256, digest[:], sig); err == nil {
		t.Fatalf("expected tampered signature to fail verification")
	}
}

func TestBuildSigningKeyRejectsNonRSA(t *testing.T) {
	_, err := buildSigningKey(jwkEntry{Kty: "EC", Kid: "ec-1"})
	if !errors.Is(err, ErrUnsupportedKeyType) {
		t.Fatalf("expected ErrUnsupportedKeyType, got %v", err)
	}
}

func TestBuildSigningKeyDefaultsAlgorithm(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	entry := entryFor(&priv.PublicKey, "kid-1")
	entry.Alg = ""

	key, err := buildSigningKey(entry)
	if err != nil {
		t.Fatalf("buildSigningKey returned error: %v", err)
	}
	if key.Algorithm != "RS256" {
		t.Fatalf("expected RS256 default, got %q", key.Algorithm)
	}
}

func TestDERLengthForms(t *testing.T) {
	cases := []struct {
		n    int
		want []byte
	}{
		{0, []byte{0x00}},
		{5, []byte{0x05}},
		{127, []byte{0x7f}},
		{128, []byte{0x81, 0x80}},
		{200, []byte{0x81, 0xc8}},
		{256, []byte{0x82, 0x01, 0x00}},
		{65535, []byte{0x82, 0xff, 0xff}},
	}
	for _, tc := range cases {
		if got := derLength(tc.n); !bytes.Equal(got, tc.want) {
			t.Fatalf("derLength(%d) = %x, want %x", tc.n, got, tc.want)
		}
	}
}

func TestDERIntegerPadsHighBit(t *testing.T) {
	got := derInteger([]byte{0x80, 0x01})
	want := []byte{0x02, 0x03, 0x00, 0x80, 0x01}
	if !bytes.Equal(got, want) {
		t.Fatalf("derInteger = %x, want %x", got, want)
	}

	got = derInteger([]byte{0x7f})
	want = []byte{0x02, 0x01, 0x7f}
	if !bytes.Equal(got, want) {
		t.Fatalf("derInteger = %x, want %x", got, want)
	}
}

func TestKeyResolverResolvesPublishedKey(t *testing.T) {
	f := newFakeProvider(t)
	resolver := NewKeyResolver(f.issuer()+"/v1/keys", time.Minute, nil, testLogger())

	key, err := resolver.Resolve(context.Background(), f.kid)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if key.PublicKey.N.Cmp(f.key.PublicKey.N) != 0 {
		t.Fatalf("resolved key does not match the provider's key")
	}
}

func TestKeyResolverKidMissForcesRefetch(t *testing.T) {
	f := newFakeProvider(t)
	resolver := NewKeyResolver(f.issuer()+"/v1/keys", time.Hour, nil, testLogger())

	if _, err := resolver.Resolve(context.Background(), f.kid); err != nil {
		t.Fatalf("initial resolve: %v", err)
	}
	if got := f.jwksRequests.Load(); got != 1 {
		t.Fatalf("expected 1 jwks fetch, got %d", got)
	}

	// Rotate the provider's key while the old set is still cached.
	rotated, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f.extraKeys = func() []jose.JSONWebKey {
		return []jose.JSONWebKey{{Key: &rotated.PublicKey, KeyID: "rotated-key", Algorithm: "RS256", Use: "sig"}}
	}

	key, err := resolver.Resolve(context.Background(), "rotated-key")
	if err != nil {
		t.Fatalf("resolve after rotation: %v", err)
	}
	if key.PublicKey.N.Cmp(rotated.PublicKey.N) != 0 {
		t.Fatalf("expected the rotated key to be resolved")
	}
	if got := f.jwksRequests.Load(); got != 2 {
		t.Fatalf("expected cache invalidation to trigger exactly one refetch, got %d fetches", got)
	}
}

func TestKeyResolverUnknownKid(t *testing.T) {
	f := newFakeProvider(t)
	resolver := NewKeyResolver(f.issuer()+"/v1/keys", time.Minute, nil, testLogger())

	_, err := resolver.Resolve(context.Background(), "no-such-kid")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}
