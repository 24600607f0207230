package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded defaults applied before YAML and environment overrides.
const (
	DefaultSessionTimeout = 3600 * time.Second
	DefaultLeeway         = 120 * time.Second
	DefaultLoginTTL       = 10 * time.Minute
	DefaultJWKSCacheTTL   = 15 * time.Minute
	DefaultHTTPTimeout    = 10 * time.Second
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server     ServerConfig   `yaml:"server"`
	Provider   ProviderConfig `yaml:"provider"`
	Auth       AuthConfig     `yaml:"auth"`
	Cache      CacheConfig    `yaml:"cache"`
	LocalUsers []LocalUser    `yaml:"local_users"`
}

// ServerConfig controls listener, TLS, and cookie concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour for production listeners.
type TLSConfig struct {
	Domains  []string `yaml:"domains"`
	Email    string   `yaml:"email"`
	CacheDir string   `yaml:"cache_dir"`
}

// ProviderConfig describes the upstream identity provider. The issuer is
// derived from the domain and authorization-server ID; all provider endpoints
// live at fixed paths under it.
type ProviderConfig struct {
	Enabled               bool     `yaml:"enabled"`
	Domain                string   `yaml:"domain"`
	AuthServerID          string   `yaml:"auth_server_id"`
	IssuerURL             string   `yaml:"issuer_url"`
	ClientID              string   `yaml:"client_id"`
	ClientSecret          string   `yaml:"client_secret"`
	RedirectURI           string   `yaml:"redirect_uri"`
	PostLogoutRedirectURI string   `yaml:"post_logout_redirect_uri"`
	Scopes                []string `yaml:"scopes"`
	FetchUserinfo         bool     `yaml:"fetch_userinfo"`
	HTTPTimeoutSeconds    int      `yaml:"http_timeout_seconds"`
	JWKSCacheTTLSeconds   int      `yaml:"jwks_cache_ttl_seconds"`
}

// Issuer returns the issuer URL the provider advertises in tokens. It is
// derived from the domain and authorization-server ID unless issuer_url
// overrides it (useful against non-standard or local providers).
func (p ProviderConfig) Issuer() string {
	if p.IssuerURL != "" {
		return strings.TrimSuffix(p.IssuerURL, "/")
	}
	return "https://" + p.Domain + "/oauth2/" + p.AuthServerID
}

// HTTPTimeout bounds every provider-facing network call.
func (p ProviderConfig) HTTPTimeout() time.Duration {
	if p.HTTPTimeoutSeconds > 0 {
		return time.Duration(p.HTTPTimeoutSeconds) * time.Second
	}
	return DefaultHTTPTimeout
}

// JWKSCacheTTL controls how long a fetched key set may be reused.
func (p ProviderConfig) JWKSCacheTTL() time.Duration {
	if p.JWKSCacheTTLSeconds > 0 {
		return time.Duration(p.JWKSCacheTTLSeconds) * time.Second
	}
	return DefaultJWKSCacheTTL
}

// AuthConfig holds session and role-mapping policy.
type AuthConfig struct {
	SessionTimeoutSeconds int               `yaml:"session_timeout_seconds"`
	LeewaySeconds         int               `yaml:"leeway_seconds"`
	LocalFallback         bool              `yaml:"local_fallback"`
	RoleMapping           map[string]string `yaml:"role_mapping"`
	DefaultRole           string            `yaml:"default_role"`
}

// SessionTimeout converts the configured seconds to a duration.
func (a AuthConfig) SessionTimeout() time.Duration {
	if a.SessionTimeoutSeconds > 0 {
		return time.Duration(a.SessionTimeoutSeconds) * time.Second
	}
	return DefaultSessionTimeout
}

// Leeway absorbs clock skew between verifier and issuer.
func (a AuthConfig) Leeway() time.Duration {
	if a.LeewaySeconds > 0 {
		return time.Duration(a.LeewaySeconds) * time.Second
	}
	return DefaultLeeway
}

// CacheConfig selects the session/pending-login store backend.
type CacheConfig struct {
	Backend string       `yaml:"backend"`
	Redis   *RedisConfig `yaml:"redis"`
}

// RedisConfig carries Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// LocalUser seeds the in-memory user directory for local-fallback login.
type LocalUser struct {
	Username     string   `yaml:"username"`
	Email        string   `yaml:"email"`
	FullName     string   `yaml:"full_name"`
	PasswordHash string   `yaml:"password_hash"`
	Roles        []string `yaml:"roles"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
		},
		Provider: ProviderConfig{
			Enabled:      true,
			AuthServerID: "default",
			Scopes:       []string{"openid", "profile", "email"},
		},
		Auth: AuthConfig{
			SessionTimeoutSeconds: int(DefaultSessionTimeout / time.Second),
			LeewaySeconds:         int(DefaultLeeway / time.Second),
			LocalFallback:         true,
			RoleMapping: map[string]string{
				"Admin":  "admin",
				"User":   "user",
				"Viewer": "viewer",
			},
			DefaultRole: "user",
		},
		Cache: CacheConfig{Backend: "memory"},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHGATE_SERVER_PUBLIC_URL":       func(v string) { cfg.Server.PublicURL = v },
		"AUTHGATE_SERVER_DEV_LISTEN_ADDR":  func(v string) { cfg.Server.DevListenAddr = v },
		"AUTHGATE_SERVER_DEV_MODE":         func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHGATE_PROVIDER_DOMAIN":         func(v string) { cfg.Provider.Domain = v },
		"AUTHGATE_PROVIDER_AUTH_SERVER_ID": func(v string) { cfg.Provider.AuthServerID = v },
		"AUTHGATE_PROVIDER_CLIENT_ID":      func(v string) { cfg.Provider.ClientID = v },
		"AUTHGATE_PROVIDER_CLIENT_SECRET":  func(v string) { cfg.Provider.ClientSecret = v },
		"AUTHGATE_PROVIDER_REDIRECT_URI":   func(v string) { cfg.Provider.RedirectURI = v },
		"AUTHGATE_PROVIDER_SCOPES":         func(v string) { cfg.Provider.Scopes = splitAndTrim(v) },
		"AUTHGATE_AUTH_SESSION_TIMEOUT":    func(v string) { cfg.Auth.SessionTimeoutSeconds = parseInt(v, cfg.Auth.SessionTimeoutSeconds) },
		"AUTHGATE_AUTH_LEEWAY":             func(v string) { cfg.Auth.LeewaySeconds = parseInt(v, cfg.Auth.LeewaySeconds) },
		"AUTHGATE_CACHE_BACKEND":           func(v string) { cfg.Cache.Backend = v },
		"AUTHGATE_CACHE_REDIS_ADDR": func(v string) {
			if cfg.Cache.Redis == nil {
				cfg.Cache.Redis = &RedisConfig{}
			}
			cfg.Cache.Redis.Addr = v
		},
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	if !c.Provider.Enabled && !c.Auth.LocalFallback {
		return errors.New("provider.enabled and auth.local_fallback cannot both be disabled")
	}

	if c.Provider.Enabled {
		if c.Provider.Domain == "" && c.Provider.IssuerURL == "" {
			return errors.New("provider.domain or provider.issuer_url is required")
		}
		if c.Provider.IssuerURL == "" && c.Provider.AuthServerID == "" {
			return errors.New("provider.auth_server_id is required")
		}
		if c.Provider.ClientID == "" {
			return errors.New("provider.client_id is required")
		}
		if c.Provider.ClientSecret == "" {
			return errors.New("provider.client_secret is required")
		}
		if c.Provider.RedirectURI == "" {
			return errors.New("provider.redirect_uri is required")
		}
		if !strings.HasPrefix(c.Provider.RedirectURI, "http://") && !strings.HasPrefix(c.Provider.RedirectURI, "https://") {
			return fmt.Errorf("provider.redirect_uri must start with http:// or https://, got: %s", c.Provider.RedirectURI)
		}
		if len(c.Provider.Scopes) == 0 {
			return errors.New("provider.scopes must include at least openid")
		}
	}

	if c.Auth.SessionTimeoutSeconds <= 0 {
		return errors.New("auth.session_timeout_seconds must be positive")
	}
	if c.Auth.LeewaySeconds < 0 {
		return errors.New("auth.leeway_seconds must not be negative")
	}
	if c.Auth.DefaultRole == "" {
		return errors.New("auth.default_role is required")
	}

	switch c.Cache.Backend {
	case "", "memory":
	case "redis":
		if c.Cache.Redis == nil || c.Cache.Redis.Addr == "" {
			return errors.New("cache.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend must be 'memory' or 'redis', got: %s", c.Cache.Backend)
	}

	for i, user := range c.LocalUsers {
		if user.Username == "" {
			return fmt.Errorf("local_users[%d]: username is required", i)
		}
		if user.PasswordHash == "" {
			return fmt.Errorf("local_users[%d] (%s): password_hash is required", i, user.Username)
		}
	}

	return nil
}
