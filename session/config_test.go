package session

import (
	"testing"
	"time"
)

func TestLoadConfigFromEnv_MissingIssuer(t *testing.T) {
	t.Setenv("CHARON_TOKEN_ISSUER", "")
	if _, err := LoadConfigFromEnv(); err != ErrConfig {
		t.Fatalf("expected ErrConfig on missing issuer, got %v", err)
	}
}

func TestLoadConfigFromEnv_InvalidDurations(t *testing.T) {
	t.Setenv("CHARON_TOKEN_ISSUER", "charon-test")
	t.Setenv("CHARON_ACCESS_TOKEN_TTL", "-5m")
	if _, err := LoadConfigFromEnv(); err != ErrConfig {
		t.Fatalf("expected ErrConfig for negative duration, got %v", err)
	}
}

func TestLoadConfigFromEnv_Valid(t *testing.T) {
	t.Setenv("CHARON_TOKEN_ISSUER", "charon-test")
	t.Setenv("CHARON_ACCESS_TOKEN_TTL", "10m")
	t.Setenv("CHARON_REFRESH_TOKEN_TTL", "720h")
	t.Setenv("CHARON_SESSION_TTL", "8760h")
	t.Setenv("CHARON_ACCESS_COOKIE_NAME", "_at_sig")
	t.Setenv("CHARON_REFRESH_COOKIE_NAME", "_rt_sig")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.TokenIssuer != "charon-test" {
		t.Fatalf("issuer mismatch: %q", cfg.TokenIssuer)
	}
	if cfg.AccessTokenTTL != 10*time.Minute {
		t.Fatalf("access ttl mismatch: %v", cfg.AccessTokenTTL)
	}
	if cfg.RefreshTokenTTL != 720*time.Hour {
		t.Fatalf("refresh ttl mismatch: %v", cfg.RefreshTokenTTL)
	}
	if cfg.SessionTTL != 8760*time.Hour {
		t.Fatalf("session ttl mismatch: %v", cfg.SessionTTL)
	}
	if cfg.AccessCookieName != "_at_sig" || cfg.RefreshCookieName != "_rt_sig" {
		t.Fatalf("cookie names: %q %q", cfg.AccessCookieName, cfg.RefreshCookieName)
	}
}

func TestLoadConfigFromEnv_ZeroSessionTTLMeansInfinite(t *testing.T) {
	t.Setenv("CHARON_TOKEN_ISSUER", "charon-test")
	t.Setenv("CHARON_SESSION_TTL", "0")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SessionTTL != 0 {
		t.Fatalf("session ttl = %v", cfg.SessionTTL)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.AccessTokenTTL != 15*time.Minute {
		t.Fatalf("access ttl default: %v", cfg.AccessTokenTTL)
	}
	if cfg.RefreshTokenTTL != 60*24*time.Hour {
		t.Fatalf("refresh ttl default: %v", cfg.RefreshTokenTTL)
	}
	if cfg.SessionTTL != 365*24*time.Hour {
		t.Fatalf("session ttl default: %v", cfg.SessionTTL)
	}
	if !cfg.AccessCookieOpts.HTTPOnly || !cfg.AccessCookieOpts.Secure {
		t.Fatalf("cookie opts not strict: %+v", cfg.AccessCookieOpts)
	}

	// The issuer is deliberately unset: deployments must choose one.
	if err := cfg.Validate(); err != ErrConfig {
		t.Fatalf("expected ErrConfig without issuer, got %v", err)
	}
}
