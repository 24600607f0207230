package server

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// jwksDocument mirrors the provider's published key set.
type jwksDocument struct {
	Keys []jwkEntry `json:"keys"`
}

// jwkEntry carries the raw JWK fields; n and e stay base64url-encoded until
// the key is reconstructed.
type jwkEntry struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// SigningKey is verifiable key material derived from one JWK entry.
type SigningKey struct {
	Kid       string
	Algorithm string
	PublicKey *rsa.PublicKey
}

// KeyResolver fetches the provider's signing-key set and reconstructs RSA
// public keys from their raw components. Fetched sets are cached with a short
// TTL; a kid miss against a cached set forces one refetch before failing.
type KeyResolver struct {
	jwksURL string
	ttl     time.Duration
	client  *http.Client
	logger  *slog.Logger

	mu      sync.RWMutex
	keys    []jwkEntry
	fetched time.Time
}

// NewKeyResolver constructs a resolver for the given JWKS endpoint.
func NewKeyResolver(jwksURL string, ttl time.Duration, client *http.Client, logger *slog.Logger) *KeyResolver {
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &KeyResolver{
		jwksURL: jwksURL,
		ttl:     ttl,
		client:  client,
		logger:  logger,
	}
}

// Resolve returns the signing key for kid, fetching or refreshing the key set
// as needed.
func (r *KeyResolver) Resolve(ctx context.Context, kid string) (SigningKey, error) {
	keys, cached, err := r.currentKeys(ctx)
	if err != nil {
		return SigningKey{}, err
	}

	entry, found := findEntry(keys, kid)
	if !found && cached {
		// The presented kid may belong to a freshly rotated key; invalidate
		// the cache and try once more against a live fetch.
		keys, err = r.fetch(ctx)
		if err != nil {
			return SigningKey{}, err
		}
		entry, found = findEntry(keys, kid)
	}
	if !found {
		return SigningKey{}, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}

	return buildSigningKey(entry)
}

func (r *KeyResolver) currentKeys(ctx context.Context) ([]jwkEntry, bool, error) {
	r.mu.RLock()
	keys, fetched := r.keys, r.fetched
	r.mu.RUnlock()

	if keys != nil && time.Since(fetched) < r.ttl {
		return keys, true, nil
	}

	fresh, err := r.fetch(ctx)
	return fresh, false, err
}

func (r *KeyResolver) fetch(ctx context.Context) ([]jwkEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: unexpected status %s", resp.Status)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}

	r.mu.Lock()
	r.keys = doc.Keys
	r.fetched = time.Now()
	r.mu.Unlock()

	r.logger.Debug("jwks fetched", "url", r.jwksURL, "keys", len(doc.Keys))
	return doc.Keys, nil
}

func findEntry(keys []jwkEntry, kid string) (jwkEntry, bool) {
	for _, k := range keys {
		if k.Kid == kid {
			return k, true
		}
	}
	return jwkEntry{}, false
}

// buildSigningKey reconstructs usable RSA key material from a JWK entry's
// base64url modulus and exponent.
func buildSigningKey(entry jwkEntry) (SigningKey, error) {
	if entry.Kty != "RSA" {
		return SigningKey{}, fmt.Errorf("%w: %s", ErrUnsupportedKeyType, entry.Kty)
	}

	n, err := decodeBase64URL(entry.N)
	if err != nil {
		return SigningKey{}, fmt.Errorf("decode modulus for kid %q: %w", entry.Kid, err)
	}
	e, err := decodeBase64URL(entry.E)
	if err != nil {
		return SigningKey{}, fmt.Errorf("decode exponent for kid %q: %w", entry.Kid, err)
	}

	der := encodeSubjectPublicKeyInfo(n, e)
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return SigningKey{}, fmt.Errorf("parse reconstructed key for kid %q: %w", entry.Kid, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return SigningKey{}, fmt.Errorf("%w: reconstructed key is not RSA", ErrUnsupportedKeyType)
	}

	alg := entry.Alg
	if alg == "" {
		alg = "RS256"
	}

	return SigningKey{Kid: entry.Kid, Algorithm: alg, PublicKey: pub}, nil
}

func decodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// rsaAlgorithmIdentifier is the DER-encoded AlgorithmIdentifier SEQUENCE for
// rsaEncryption (OID 1.2.840.113549.1.1.1) with a NULL parameter.
var rsaAlgorithmIdentifier = []byte{
	0x30, 0x0d,
	0x06, 0x09, 0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x01,
	0x05, 0x00,
}

// encodeSubjectPublicKeyInfo wraps the raw modulus and exponent into a DER
// SubjectPublicKeyInfo structure:
//
//	SEQUENCE {
//	    AlgorithmIdentifier (rsaEncryption, NULL),
//	    BIT STRING { SEQUENCE { INTEGER n, INTEGER e } }
//	}
func encodeSubjectPublicKeyInfo(n, e []byte) []byte {
	rsaPublicKey := derSequence(append(derInteger(n), derInteger(e)...))

	// BIT STRING payload starts with the "unused bits" count.
	bits := append([]byte{0x00}, rsaPublicKey...)
	bitString := append([]byte{0x03}, append(derLength(len(bits)), bits...)...)

	return derSequence(append(append([]byte{}, rsaAlgorithmIdentifier...), bitString...))
}

// derInteger encodes a big-endian unsigned value as a DER INTEGER. A value
// whose top bit is set gets a leading zero byte so it is not read as negative.
func derInteger(b []byte) []byte {
	if len(b) == 0 {
		b = []byte{0x00}
	}
	if b[0]&0x80 != 0 {
		b = append([]byte{0x00}, b...)
	}
	out := append([]byte{0x02}, derLength(len(b))...)
	return append(out, b...)
}

func derSequence(content []byte) []byte {
	out := append([]byte{0x30}, derLength(len(content))...)
	return append(out, content...)
}

// derLength emits short-form lengths up to 127 bytes and long-form beyond;
// real RSA moduli always need the long form.
func derLength(n int) []byte {
	if n <= 0x7f {
		return []byte{byte(n)}
	}
	var tmp []byte
	for v := n; v > 0; v >>= 8 {
		tmp = append([]byte{byte(v & 0xff)}, tmp...)
	}
	return append([]byte{0x80 | byte(len(tmp))}, tmp...)
}
