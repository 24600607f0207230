package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var acceptedSigningAlgs = []string{
	jwt.SigningMethodRS256.Alg(),
	jwt.SigningMethodRS384.Alg(),
	jwt.SigningMethodRS512.Alg(),
}

// Verifier validates signature and claims of provider-issued ID tokens using
// locally reconstructed key material. Nonce checking is deliberately left to
// the caller: the expected nonce belongs to a login attempt, not the token.
type Verifier struct {
	issuer   string
	clientID string
	leeway   time.Duration
	resolver *KeyResolver
	logger   *slog.Logger
	now      func() time.Time
}

// NewVerifier constructs a verifier bound to the configured issuer and client.
func NewVerifier(issuer, clientID string, leeway time.Duration, resolver *KeyResolver, logger *slog.Logger) *Verifier {
	return &Verifier{
		issuer:   issuer,
		clientID: clientID,
		leeway:   leeway,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
	}
}

// Verify checks the compact token's signature against the provider's key set
// and then validates claims in a fixed order, failing fast on the first
// violation. Claims are only returned when both checks succeed.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*IdentityClaims, error) {
	if rawToken == "" {
		return nil, fmt.Errorf("%w: empty token", ErrMalformedToken)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(acceptedSigningAlgs),
		jwt.WithoutClaimsValidation(),
	)

	mapClaims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(rawToken, mapClaims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: kid missing in header", ErrMalformedToken)
		}

		key, err := v.resolver.Resolve(ctx, kid)
		if err != nil {
			return nil, err
		}
		if key.Algorithm != token.Method.Alg() {
			return nil, fmt.Errorf("%w: header alg %s does not match key alg %s",
				ErrSignatureInvalid, token.Method.Alg(), key.Algorithm)
		}
		return key.PublicKey, nil
	})
	if err != nil {
		return nil, mapParseError(err)
	}

	if err := v.validateClaims(mapClaims); err != nil {
		return nil, err
	}

	return claimsFromMap(mapClaims), nil
}

// mapParseError folds golang-jwt errors into the closed taxonomy, letting
// sentinel errors raised from the keyfunc pass through unchanged.
func mapParseError(err error) error {
	switch {
	case errors.Is(err, ErrMalformedToken),
		errors.Is(err, ErrKeyNotFound),
		errors.Is(err, ErrUnsupportedKeyType),
		errors.Is(err, ErrSignatureInvalid):
		return err
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	default:
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
}

// validateClaims checks iss, aud, exp, iat in that order, failing fast.
func (v *Verifier) validateClaims(claims jwt.MapClaims) error {
	now := v.now()

	iss, _ := claims["iss"].(string)
	if iss != v.issuer {
		return fmt.Errorf("%w: got %q", ErrClaimIssuer, iss)
	}

	if !audienceContains(claims["aud"], v.clientID) {
		return fmt.Errorf("%w: client %q not in audience", ErrClaimAudience, v.clientID)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fmt.Errorf("%w: exp claim missing", ErrClaimExpired)
	}
	if exp.Time.Before(now.Add(-v.leeway)) {
		return fmt.Errorf("%w: expired at %s", ErrClaimExpired, exp.Time.UTC().Format(time.RFC3339))
	}

	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return fmt.Errorf("%w: iat claim missing", ErrClaimIssuedInFuture)
	}
	if iat.Time.After(now.Add(v.leeway)) {
		return fmt.Errorf("%w: issued at %s", ErrClaimIssuedInFuture, iat.Time.UTC().Format(time.RFC3339))
	}

	return nil
}

// CheckNonce validates the token's nonce against the value stored for the
// pending login attempt.
func CheckNonce(claims *IdentityClaims, expected string) error {
	if claims.Nonce == "" || claims.Nonce != expected {
		return ErrNonceMismatch
	}
	return nil
}

func audienceContains(aud any, clientID string) bool {
	switch v := aud.(type) {
	case string:
		return v == clientID
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == clientID {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == clientID {
				return true
			}
		}
	}
	return false
}

func claimsFromMap(mc jwt.MapClaims) *IdentityClaims {
	raw := make(map[string]any, len(mc))
	for k, val := range mc {
		raw[k] = val
	}

	out := &IdentityClaims{Raw: raw}
	out.Subject, _ = mc["sub"].(string)
	out.Issuer, _ = mc["iss"].(string)
	out.Audience = normalizeAudience(mc["aud"])
	out.Nonce, _ = mc["nonce"].(string)
	out.Email, _ = mc["email"].(string)
	out.Name, _ = mc["name"].(string)
	out.PreferredUsername, _ = mc["preferred_username"].(string)
	out.Groups = normalizeGroups(mc["groups"])

	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}

	return out
}

func normalizeAudience(val any) []string {
	switch v := val.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	default:
		return nil
	}
}

// normalizeGroups accepts a single group name or a list, as providers emit
// both shapes.
func normalizeGroups(val any) []string {
	switch v := val.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	default:
		return nil
	}
}
