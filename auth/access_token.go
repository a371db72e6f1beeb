package auth

import (
	"context"
	"errors"
	"time"

	"github.com/careprep/careprep-go/internal/jwtauth"
)

// Option configures optional aspects of NewFromDiscovery.
type Option func(*jwtauth.Config)

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) Option {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) Option {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithAdditionalAudiences accepts tokens minted for other audiences too,
// e.g. a local development client id.
func WithAdditionalAudiences(aud ...string) Option {
	return func(c *jwtauth.Config) {
		c.ExpectedAudiences = append(c.ExpectedAudiences, aud...)
	}
}

// NewFromDiscovery returns an Authenticator that verifies ID tokens using
// keys discovered via OpenID Connect discovery on issuer. audience is the
// client id tokens are minted for.
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...Option) (SecurityProvider, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	v, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sec := SecurityConfig{
		Issuer:      cfg.Issuer,
		Audiences:   append([]string(nil), cfg.ExpectedAudiences...),
		AllowedAlgs: append([]string(nil), cfg.AllowedAlgs...),
		Leeway:      cfg.Leeway,
	}
	sec.Normalize()
	return &adapter{v: v, sec: sec}, nil
}

// adapter wraps the internal verifier to satisfy the public interface.
type adapter struct {
	v   jwtauth.Authenticator
	sec SecurityConfig
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.v.CheckAuthentication(ctx, tok)
	if err != nil {
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return ui, nil
}

func (ad *adapter) SecurityConfig() SecurityConfig { return ad.sec.Copy() }
