package server

import "errors"

// Sentinel errors for the authentication pipeline. Handlers branch on these
// with errors.Is; detail is attached by wrapping with %w at the failure site.
var (
	// Callback failures, in pipeline order.
	ErrCsrfStateMismatch = errors.New("state parameter mismatch")
	ErrProviderDenied    = errors.New("authentication denied by provider")
	ErrMissingAuthCode   = errors.New("authorization code missing")
	ErrTokenExchange     = errors.New("token exchange failed")

	// Token verification failures.
	ErrMalformedToken      = errors.New("malformed token")
	ErrKeyNotFound         = errors.New("signing key not found")
	ErrUnsupportedKeyType  = errors.New("unsupported key type")
	ErrSignatureInvalid    = errors.New("token signature invalid")
	ErrClaimIssuer         = errors.New("issuer claim mismatch")
	ErrClaimAudience       = errors.New("audience claim mismatch")
	ErrClaimExpired        = errors.New("token expired")
	ErrClaimIssuedInFuture = errors.New("token issued in the future")
	ErrNonceMismatch       = errors.New("nonce mismatch")

	// Account and session failures.
	ErrUserResolution = errors.New("user resolution failed")
	ErrSessionExpired = errors.New("session expired")
	ErrRefreshFailed  = errors.New("token refresh failed")
	ErrForbidden      = errors.New("insufficient role")
)
