// Package config loads CarePrep client settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/careprep/careprep-go/internal/logctx"
	"github.com/joeshaw/envdecode"
)

// Identity provider kinds.
const (
	ProviderOIDC   = "oidc"
	ProviderMemory = "memory"
)

// Config is populated by Load; defaults come from the struct tags.
type Config struct {
	// APIURL is the backend base URL. ENV: CAREPREP_API_URL
	APIURL string `env:"CAREPREP_API_URL,default=https://careprep-ai-backend.onrender.com"`
	// RequestTimeout bounds one backend round trip.
	RequestTimeout time.Duration `env:"CAREPREP_REQUEST_TIMEOUT,default=60s"`
	// RateLimit caps backend requests per second; 0 disables throttling.
	RateLimit float64 `env:"CAREPREP_RATE_LIMIT,default=0"`
	RateBurst int     `env:"CAREPREP_RATE_BURST,default=5"`

	// Provider selects the identity provider: oidc or memory.
	Provider     string   `env:"CAREPREP_PROVIDER,default=oidc"`
	Issuer       string   `env:"CAREPREP_OIDC_ISSUER"`
	ClientID     string   `env:"CAREPREP_OIDC_CLIENT_ID"`
	ClientSecret string   `env:"CAREPREP_OIDC_CLIENT_SECRET"`
	AccountsURL  string   `env:"CAREPREP_ACCOUNTS_URL"`
	Scopes       []string `env:"CAREPREP_OIDC_SCOPES,default=openid;email;profile"`
	// CredentialFile persists the signed-in session. Empty means the
	// per-user default location.
	CredentialFile string `env:"CAREPREP_CREDENTIAL_FILE"`

	// RedisAddr enables the Redis broker and profile storage, e.g.
	// "localhost:6379".
	RedisAddr      string `env:"CAREPREP_REDIS_ADDR"`
	RedisKeyPrefix string `env:"CAREPREP_REDIS_PREFIX,default=careprep:"`
	// ProfileCacheSize bounds the in-memory profile storage.
	ProfileCacheSize int `env:"CAREPREP_PROFILE_CACHE,default=256"`

	// ProfileTimeout bounds each profile fetch by the Session Store.
	ProfileTimeout time.Duration `env:"CAREPREP_PROFILE_TIMEOUT,default=10s"`

	LogLevel  string `env:"CAREPREP_LOG_LEVEL,default=warn"`
	LogFormat string `env:"CAREPREP_LOG_FORMAT,default=text"`
	// MetricsAddr serves Prometheus metrics while a command runs.
	MetricsAddr string `env:"CAREPREP_METRICS_ADDR"`
}

// Load reads the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings that cannot be defaulted.
func (c Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("CAREPREP_API_URL must be an absolute http(s) URL, got %q", c.APIURL))
	}
	switch c.Provider {
	case ProviderMemory:
	case ProviderOIDC:
		if c.Issuer == "" {
			errs = append(errs, errors.New("CAREPREP_OIDC_ISSUER is required for the oidc provider"))
		}
		if c.ClientID == "" {
			errs = append(errs, errors.New("CAREPREP_OIDC_CLIENT_ID is required for the oidc provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("CAREPREP_PROVIDER must be %q or %q, got %q", ProviderOIDC, ProviderMemory, c.Provider))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("CAREPREP_RATE_LIMIT must not be negative"))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("CAREPREP_LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Logger builds the process logger. Records carry request, session and
// screen attributes from their context.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if c.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(logctx.Handler{Handler: h})
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("CAREPREP_LOG_LEVEL: %w", err)
	}
	return l, nil
}
