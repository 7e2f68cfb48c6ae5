package session

import (
	"net/http"
	"os"
	"time"
)

// CookieOpts control the attributes of signature cookies.
type CookieOpts struct {
	Path     string
	Domain   string
	HTTPOnly bool
	Secure   bool
	SameSite http.SameSite
}

// Config defines all runtime configuration for the session engine.
//
// It controls token TTLs, the issuer claim, and the names and attributes of
// the signature cookies used by the cookie transport.
type Config struct {
	// TokenIssuer is the value set in the "iss" claim of all tokens.
	// Required.
	TokenIssuer string

	// AccessTokenTTL is the lifetime of access tokens, capped by the
	// session's refresh window.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the length of a refresh window; it restarts on
	// every generation slide.
	RefreshTokenTTL time.Duration

	// SessionTTL is the absolute session lifetime. Zero means sessions
	// never expire absolutely.
	SessionTTL time.Duration

	AccessCookieName  string
	RefreshCookieName string
	AccessCookieOpts  CookieOpts
	RefreshCookieOpts CookieOpts
}

// DefaultConfig returns a secure default configuration.
//
// Production deployments must set TokenIssuer and should tune TTLs.
func DefaultConfig() Config {
	strict := CookieOpts{
		Path:     "/",
		HTTPOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	}
	return Config{
		AccessTokenTTL:    15 * time.Minute,
		RefreshTokenTTL:   60 * 24 * time.Hour,
		SessionTTL:        365 * 24 * time.Hour,
		AccessCookieName:  "_access_token_signature",
		RefreshCookieName: "_refresh_token_signature",
		AccessCookieOpts:  strict,
		RefreshCookieOpts: strict,
	}
}

// Validate returns ErrConfig when the configuration cannot be used.
func (c Config) Validate() error {
	if c.TokenIssuer == "" {
		return ErrConfig
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return ErrConfig
	}
	if c.SessionTTL < 0 {
		return ErrConfig
	}
	if c.AccessCookieName == "" || c.RefreshCookieName == "" {
		return ErrConfig
	}
	return nil
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Required:
//   - CHARON_TOKEN_ISSUER
//
// Optional (durations must be valid Go duration strings):
//   - CHARON_ACCESS_TOKEN_TTL
//   - CHARON_REFRESH_TOKEN_TTL
//   - CHARON_SESSION_TTL ("0" disables the absolute session lifetime)
//   - CHARON_ACCESS_COOKIE_NAME
//   - CHARON_REFRESH_COOKIE_NAME
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	cfg.TokenIssuer = os.Getenv("CHARON_TOKEN_ISSUER")

	if v := os.Getenv("CHARON_ACCESS_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("CHARON_REFRESH_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.RefreshTokenTTL = d
	}

	if v := os.Getenv("CHARON_SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.SessionTTL = d
	}

	if v := os.Getenv("CHARON_ACCESS_COOKIE_NAME"); v != "" {
		cfg.AccessCookieName = v
	}

	if v := os.Getenv("CHARON_REFRESH_COOKIE_NAME"); v != "" {
		cfg.RefreshCookieName = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
