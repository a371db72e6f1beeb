package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/careprep/careprep-go/internal/jwtauth"
)

// SecurityConfig is the immutable configuration describing how ID tokens are
// validated. A zero value is invalid; populate Issuer and Audiences and call
// one of the constructor methods.
type SecurityConfig struct {
	Issuer      string
	Audiences   []string
	AllowedAlgs []string // default: ["RS256"] if empty
	JWKSURL     string

	Leeway time.Duration // clock skew tolerance (default 60s)
}

// Normalize fills defaults.
func (c *SecurityConfig) Normalize() {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
}

// Validate returns an error if required fields are missing.
func (c SecurityConfig) Validate() error {
	if c.Issuer == "" {
		return errors.New("security: issuer required")
	}
	if len(c.Audiences) == 0 {
		return errors.New("security: at least one audience required")
	}
	for _, a := range c.Audiences {
		if a == "" {
			return errors.New("security: empty audience entry")
		}
	}
	return nil
}

// Copy returns a deep copy safe for mutation by the caller.
func (c SecurityConfig) Copy() SecurityConfig {
	dup := c
	dup.Audiences = append([]string(nil), c.Audiences...)
	dup.AllowedAlgs = append([]string(nil), c.AllowedAlgs...)
	return dup
}

func (c SecurityConfig) jwtConfig() *jwtauth.Config {
	return &jwtauth.Config{
		Issuer:            c.Issuer,
		ExpectedAudiences: append([]string(nil), c.Audiences...),
		AllowedAlgs:       append([]string(nil), c.AllowedAlgs...),
		Leeway:            c.Leeway,
	}
}

// NewManualJWTAuthenticator constructs an authenticator that fetches keys
// from c.JWKSURL without performing OIDC discovery.
func (c SecurityConfig) NewManualJWTAuthenticator(ctx context.Context) (SecurityProvider, error) {
	cc := c.Copy()
	cc.Normalize()
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	if cc.JWKSURL == "" {
		return nil, errors.New("security: JWKSURL required for manual JWT authenticator")
	}
	v, err := jwtauth.NewStatic(ctx, cc.jwtConfig(), cc.JWKSURL)
	if err != nil {
		return nil, err
	}
	return &adapter{v: v, sec: cc}, nil
}

// NewJWKSAuthenticator constructs an authenticator from a JWKS document the
// caller already holds, e.g. one published by an in-process identity
// provider.
func (c SecurityConfig) NewJWKSAuthenticator(jwks json.RawMessage) (SecurityProvider, error) {
	cc := c.Copy()
	cc.Normalize()
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	v, err := jwtauth.NewFromJWKS(cc.jwtConfig(), jwks)
	if err != nil {
		return nil, err
	}
	return &adapter{v: v, sec: cc}, nil
}

// SecurityDescriptor exposes the configuration an authenticator enforces.
type SecurityDescriptor interface{ SecurityConfig() SecurityConfig }

// SecurityProvider combines validation + descriptor. Returned by constructors.
type SecurityProvider interface {
	Authenticator
	SecurityDescriptor
}
