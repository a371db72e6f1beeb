package config

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CAREPREP_API_URL", "")
	t.Setenv("CAREPREP_PROVIDER", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIURL != "https://careprep-ai-backend.onrender.com" {
		t.Fatalf("APIURL = %q", cfg.APIURL)
	}
	if cfg.Provider != ProviderOIDC || cfg.RequestTimeout != 60*time.Second || cfg.ProfileCacheSize != 256 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if strings.Join(cfg.Scopes, ",") != "openid,email,profile" {
		t.Fatalf("Scopes = %v", cfg.Scopes)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CAREPREP_API_URL", "http://localhost:8080")
	t.Setenv("CAREPREP_PROVIDER", "memory")
	t.Setenv("CAREPREP_RATE_LIMIT", "2.5")
	t.Setenv("CAREPREP_PROFILE_TIMEOUT", "3s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIURL != "http://localhost:8080" || cfg.Provider != ProviderMemory || cfg.RateLimit != 2.5 || cfg.ProfileTimeout != 3*time.Second {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Config{APIURL: "nope", Provider: ProviderOIDC, LogFormat: "xml", LogLevel: "loud", RateLimit: -1}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"CAREPREP_API_URL", "CAREPREP_OIDC_ISSUER", "CAREPREP_OIDC_CLIENT_ID", "CAREPREP_LOG_FORMAT", "CAREPREP_LOG_LEVEL", "CAREPREP_RATE_LIMIT"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %s in %v", want, err)
		}
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := Config{LogLevel: "debug", LogFormat: "json"}.Logger(&buf)
	log.DebugContext(context.Background(), "session.commit")
	if !strings.Contains(buf.String(), `"msg":"session.commit"`) {
		t.Fatalf("unexpected output %q", buf.String())
	}

	buf.Reset()
	Config{LogLevel: "error", LogFormat: "text"}.Logger(&buf).Warn("dropped")
	if buf.Len() != 0 {
		t.Fatalf("warn should be filtered at error level: %q", buf.String())
	}
}
