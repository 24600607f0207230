package server

import "time"

// UserType distinguishes locally-provisioned accounts from federated ones.
type UserType string

const (
	UserTypeLocal    UserType = "local"
	UserTypeExternal UserType = "external"
)

// PendingLogin tracks an in-flight login attempt between the authorization
// redirect and the provider callback. One-time use: consumed exactly once by
// the callback, then destroyed regardless of outcome.
type PendingLogin struct {
	State     string    `json:"state"`
	Nonce     string    `json:"nonce"`
	CreatedAt time.Time `json:"created_at"`
}

// TokenSet bundles the tokens returned by the provider's token endpoint.
// ExpiresAt is computed from expires_in at the moment of receipt.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	IDToken      string    `json:"id_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// IdentityClaims is the verified payload of an ID token. Values are only
// produced after both signature and claim validation succeed.
type IdentityClaims struct {
	Subject           string
	Issuer            string
	Audience          []string
	ExpiresAt         time.Time
	IssuedAt          time.Time
	Nonce             string
	Email             string
	Name              string
	PreferredUsername string
	Groups            []string
	Raw               map[string]any
}

// User is the directory's view of an account, local or federated.
type User struct {
	ID       string
	Username string
	Email    string
	FullName string
	Type     UserType
	Roles    []string
}

// Session captures a fully-authenticated browser session. There is no
// half-authenticated state: either a Session exists or the request is
// anonymous.
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	FullName    string    `json:"full_name"`
	UserType    UserType  `json:"user_type"`
	Roles       []string  `json:"roles"`
	PrimaryRole string    `json:"primary_role"`
	LoginTime   time.Time `json:"login_time"`
	Tokens      *TokenSet `json:"tokens,omitempty"`
}

// External reports whether the session belongs to a federated user.
func (s *Session) External() bool {
	return s.UserType == UserTypeExternal
}

// HasAnyRole reports whether the session's role set intersects required.
func (s *Session) HasAnyRole(required ...string) bool {
	for _, need := range required {
		for _, have := range s.Roles {
			if have == need {
				return true
			}
		}
	}
	return false
}
