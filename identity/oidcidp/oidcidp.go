// Package oidcidp is an identity.Provider backed by a remote OAuth 2.0 /
// OpenID Connect identity service.
//
// Sign-in uses the resource owner password grant, credential tokens are the
// ID tokens returned by the token endpoint (cached and refreshed through an
// oauth2.ReuseTokenSource), and account creation and display-name updates go
// to a JSON accounts endpoint. Notifications are published through a broker
// topic; an optional credential file keeps the session across restarts.
package oidcidp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/careprep/careprep-go/broker"
	"github.com/careprep/careprep-go/broker/memory"
	"github.com/careprep/careprep-go/identity"
	"github.com/careprep/careprep-go/identity/credfile"
	"github.com/careprep/careprep-go/internal/jwtauth"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// DefaultTopic is the broker topic used when none is configured.
const DefaultTopic = "identity"

// Config describes the remote identity service.
type Config struct {
	// Issuer is the OIDC issuer URL used for discovery.
	Issuer string
	// ClientID is the OAuth client id; ID tokens must carry it as audience.
	ClientID     string
	ClientSecret string
	// AccountsURL is the base URL of the accounts endpoint
	// (POST {AccountsURL}/accounts, PATCH {AccountsURL}/accounts/{id}).
	AccountsURL string
	// Scopes requested on sign-in. Defaults to openid, email, profile.
	Scopes []string
}

// Provider implements identity.Provider against a remote service.
type Provider struct {
	cfg      Config
	oauth    *oauth2.Config
	verifier *jwtauth.Verifier
	http     *http.Client
	log      *slog.Logger
	feed     *identity.Feed
	creds    *credfile.File

	b     broker.Broker
	topic string

	mu          sync.Mutex
	current     *identity.Identity
	ts          oauth2.TokenSource
	refresh     string
	lastEventID string
}

// Option configures a Provider.
type Option func(*Provider)

// WithBroker publishes notifications on topic of b.
func WithBroker(b broker.Broker, topic string) Option {
	return func(p *Provider) {
		p.b = b
		if topic != "" {
			p.topic = topic
		}
	}
}

// WithHTTPClient sets the client used for discovery, token and accounts
// requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.http = c
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// WithCredentialFile persists the session to f and restores it in New.
func WithCredentialFile(f *credfile.File) Option {
	return func(p *Provider) { p.creds = f }
}

// New discovers the issuer and restores a persisted session when a
// credential file is configured.
func New(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	if cfg.Issuer == "" || cfg.ClientID == "" {
		return nil, errors.New("oidcidp: issuer and client id are required")
	}
	if cfg.AccountsURL == "" {
		return nil, errors.New("oidcidp: accounts url is required")
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}

	p := &Provider{
		cfg:   cfg,
		http:  &http.Client{Timeout: 30 * time.Second},
		log:   slog.Default(),
		topic: DefaultTopic,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.b == nil {
		p.b = memory.New()
	}
	p.feed = identity.NewFeed(p.b, p.topic, p.log)

	jcfg := jwtauth.DefaultConfig()
	jcfg.Issuer = cfg.Issuer
	jcfg.ExpectedAudiences = []string{cfg.ClientID}
	v, err := jwtauth.NewFromDiscovery(oidc.ClientContext(ctx, p.http), jcfg)
	if err != nil {
		return nil, fmt.Errorf("oidcidp: %w", err)
	}
	p.verifier = v
	p.oauth = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: v.TokenEndpoint(), AuthStyle: oauth2.AuthStyleInParams},
		Scopes:       cfg.Scopes,
	}

	if p.creds != nil {
		cred, err := p.creds.Load()
		if err != nil {
			p.log.WarnContext(ctx, "identity.credfile.load.fail", slog.String("err", err.Error()))
		} else if cred != nil && cred.RefreshToken != "" {
			p.adoptLocked(cred)
			p.log.InfoContext(ctx, "identity.session.restored", slog.String("user_id", cred.Identity.ID))
		}
	}
	return p, nil
}

// tokenContext carries the HTTP client into oauth2 token sources, which
// outlive the request that created them.
func (p *Provider) tokenContext() context.Context {
	return context.WithValue(context.Background(), oauth2.HTTPClient, p.http)
}

// Subscribe implements identity.Provider.
func (p *Provider) Subscribe(ctx context.Context) (identity.Subscription, error) {
	p.mu.Lock()
	if p.lastEventID == "" {
		if err := p.publishLocked(ctx); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	initial := identity.Change{Identity: p.current.Clone()}
	from := p.lastEventID
	p.mu.Unlock()

	return p.feed.Subscribe(ctx, &initial, from)
}

// SignIn implements identity.Provider.
func (p *Provider) SignIn(ctx context.Context, email, secret string) (*identity.Identity, error) {
	tok, err := p.oauth.PasswordCredentialsToken(context.WithValue(ctx, oauth2.HTTPClient, p.http), email, secret)
	if err != nil {
		return nil, classify(err)
	}
	id, err := p.identityFromToken(ctx, tok)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = id
	p.refresh = tok.RefreshToken
	p.ts = oauth2.ReuseTokenSource(tok, p.oauth.TokenSource(p.tokenContext(), tok))
	p.persistLocked(ctx)
	if err := p.publishLocked(ctx); err != nil {
		return nil, err
	}
	p.log.InfoContext(ctx, "identity.signin.ok", slog.String("user_id", id.ID))
	return id.Clone(), nil
}

type accountRequest struct {
	Email       string `json:"email,omitempty"`
	Password    string `json:"password,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type accountResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Register implements identity.Provider. The new account is signed in
// through the password grant.
func (p *Provider) Register(ctx context.Context, email, secret string) (*identity.Identity, error) {
	var created accountResponse
	if err := p.accounts(ctx, http.MethodPost, "", "", accountRequest{Email: email, Password: secret}, &created); err != nil {
		return nil, err
	}
	p.log.InfoContext(ctx, "identity.register.ok", slog.String("user_id", created.ID))
	return p.SignIn(ctx, email, secret)
}

// UpdateDisplayName implements identity.Provider. Renaming the current
// identity publishes a change carrying the new name.
func (p *Provider) UpdateDisplayName(ctx context.Context, id, name string) (*identity.Identity, error) {
	tok, err := p.Token(ctx, false)
	if err != nil {
		return nil, err
	}
	var updated accountResponse
	if err := p.accounts(ctx, http.MethodPatch, "/"+url.PathEscape(id), tok, accountRequest{DisplayName: name}, &updated); err != nil {
		return nil, err
	}
	out := &identity.Identity{ID: updated.ID, Email: updated.Email, DisplayName: updated.DisplayName}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil && p.current.ID == out.ID {
		p.current = out.Clone()
		p.persistLocked(ctx)
		if err := p.publishLocked(ctx); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SignOut implements identity.Provider. Signing out twice is a no-op.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	id := p.current.ID
	p.current, p.ts, p.refresh = nil, nil, ""
	if p.creds != nil {
		if err := p.creds.Clear(); err != nil {
			p.log.WarnContext(ctx, "identity.credfile.clear.fail", slog.String("err", err.Error()))
		}
	}
	if err := p.publishLocked(ctx); err != nil {
		return err
	}
	p.log.InfoContext(ctx, "identity.signout.ok", slog.String("user_id", id))
	return nil
}

// Token implements identity.Provider.
func (p *Provider) Token(ctx context.Context, forceRefresh bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || p.ts == nil {
		return "", identity.ErrNoIdentity
	}

	if forceRefresh {
		if p.refresh == "" {
			return "", fmt.Errorf("oidcidp: no refresh token to force refresh")
		}
		fresh, err := p.oauth.TokenSource(context.WithValue(ctx, oauth2.HTTPClient, p.http), &oauth2.Token{RefreshToken: p.refresh}).Token()
		if err != nil {
			return "", classify(err)
		}
		if fresh.RefreshToken != "" {
			p.refresh = fresh.RefreshToken
		}
		p.ts = oauth2.ReuseTokenSource(fresh, p.oauth.TokenSource(p.tokenContext(), fresh))
		return credential(fresh), nil
	}

	tok, err := p.ts.Token()
	if err != nil {
		return "", classify(err)
	}
	if tok.RefreshToken != "" && tok.RefreshToken != p.refresh {
		p.refresh = tok.RefreshToken
		p.persistLocked(ctx)
	}
	return credential(tok), nil
}

// WatchCredentials follows the credential file until ctx is done, adopting
// sessions written by other processes and signing out when the file is
// removed.
func (p *Provider) WatchCredentials(ctx context.Context) error {
	if p.creds == nil {
		return errors.New("oidcidp: no credential file configured")
	}
	return p.creds.Watch(ctx, func(cred *credfile.Credential) {
		p.mu.Lock()
		defer p.mu.Unlock()

		switch {
		case cred == nil && p.current == nil:
			return
		case cred == nil:
			p.log.InfoContext(ctx, "identity.session.external_signout", slog.String("user_id", p.current.ID))
			p.current, p.ts, p.refresh = nil, nil, ""
		case p.current != nil && p.current.ID == cred.Identity.ID:
			return
		default:
			p.adoptLocked(cred)
			p.log.InfoContext(ctx, "identity.session.external_signin", slog.String("user_id", cred.Identity.ID))
		}
		if err := p.publishLocked(ctx); err != nil {
			p.log.WarnContext(ctx, "identity.publish.fail", slog.String("err", err.Error()))
		}
	})
}

// adoptLocked installs a persisted session; the first Token call refreshes.
func (p *Provider) adoptLocked(cred *credfile.Credential) {
	p.current = cred.Identity.Clone()
	p.refresh = cred.RefreshToken
	p.ts = oauth2.ReuseTokenSource(nil, p.oauth.TokenSource(p.tokenContext(), &oauth2.Token{RefreshToken: cred.RefreshToken}))
}

func (p *Provider) persistLocked(ctx context.Context) {
	if p.creds == nil || p.current == nil {
		return
	}
	if err := p.creds.Save(credfile.Credential{Identity: p.current.Clone(), RefreshToken: p.refresh}); err != nil {
		p.log.WarnContext(ctx, "identity.credfile.save.fail", slog.String("err", err.Error()))
	}
}

func (p *Provider) publishLocked(ctx context.Context) error {
	eventID, err := p.feed.Publish(ctx, identity.Change{Identity: p.current.Clone()})
	if err != nil {
		p.log.ErrorContext(ctx, "identity.publish.fail", slog.String("err", err.Error()))
		return err
	}
	p.lastEventID = eventID
	return nil
}

func (p *Provider) identityFromToken(ctx context.Context, tok *oauth2.Token) (*identity.Identity, error) {
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return nil, errors.New("oidcidp: token response carried no id_token")
	}
	ui, err := p.verifier.CheckAuthentication(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("oidcidp: id token rejected: %w", err)
	}
	return &identity.Identity{ID: ui.UserID(), Email: ui.Email(), DisplayName: ui.DisplayName()}, nil
}

func (p *Provider) accounts(ctx context.Context, method, path, bearer string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	endpoint := strings.TrimRight(p.cfg.AccountsURL, "/") + "/accounts" + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("accounts request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read accounts response: %w", err)
	}

	if resp.StatusCode/100 != 2 {
		var er errorResponse
		if json.Unmarshal(data, &er) == nil && er.Error.Code != "" {
			return identity.NewAuthError(er.Error.Code, errors.New(er.Error.Message))
		}
		return fmt.Errorf("accounts request failed: status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode accounts response: %w", err)
	}
	return nil
}

// classify maps token endpoint failures onto identity kinds. A recognised
// code in the error description is more specific than the OAuth error code.
func classify(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err
	}
	code := re.ErrorCode
	if identity.KindFromCode(re.ErrorDescription) != identity.KindUnknown {
		code = re.ErrorDescription
	}
	return identity.NewAuthError(code, err)
}

// credential prefers the ID token; the access token is used by services
// that do not return one on refresh.
func credential(tok *oauth2.Token) string {
	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		return raw
	}
	return tok.AccessToken
}

var _ identity.Provider = (*Provider)(nil)
