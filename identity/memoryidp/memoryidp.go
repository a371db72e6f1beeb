// Package memoryidp is an in-process identity.Provider. Accounts live in
// memory with bcrypt-hashed secrets, credential tokens are RS256 ID tokens
// verifiable through the JWKS the provider publishes, and session-change
// notifications travel over a broker topic. Account state is per instance;
// two Providers on one topic never observe each other's changes.
//
// It backs tests, local development and the CLI's --provider=memory mode.
package memoryidp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/careprep/careprep-go/broker"
	"github.com/careprep/careprep-go/broker/memory"
	"github.com/careprep/careprep-go/identity"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	// MinSecretLength is the shortest secret Register accepts.
	MinSecretLength = 6

	DefaultIssuer   = "https://idp.careprep.local"
	DefaultAudience = "careprep"
	DefaultTopic    = "identity"
	DefaultTokenTTL = time.Hour

	// refreshSkew is how long before expiry a cached token is reissued.
	refreshSkew = 5 * time.Minute
)

type account struct {
	id          string
	email       string
	displayName string
	hash        []byte
}

func (a *account) identity() *identity.Identity {
	return &identity.Identity{ID: a.id, Email: a.email, DisplayName: a.displayName}
}

// Provider implements identity.Provider in memory.
type Provider struct {
	mu       sync.Mutex
	byEmail  map[string]*account
	byID     map[string]*account
	current  *account
	token    string
	tokenExp time.Time
	// lastEventID is the feed position of the most recent published change.
	lastEventID string

	feed       *identity.Feed
	key        *rsa.PrivateKey
	kid        string
	jwks       []byte
	issuer     string
	audience   string
	tokenTTL   time.Duration
	bcryptCost int
	now        func() time.Time
	log        *slog.Logger

	brokerSet bool
	b         broker.Broker
	topic     string
}

// Option configures a Provider.
type Option func(*Provider)

// WithBroker publishes notifications on topic of b instead of a private
// in-memory broker. Accounts and tokens stay private to each Provider, so
// subscribers only see changes published by this Provider even when other
// Providers use the same topic.
func WithBroker(b broker.Broker, topic string) Option {
	return func(p *Provider) {
		p.b = b
		p.brokerSet = true
		if topic != "" {
			p.topic = topic
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

// WithIssuer sets the "iss" claim of issued tokens.
func WithIssuer(iss string) Option { return func(p *Provider) { p.issuer = iss } }

// WithAudience sets the "aud" claim of issued tokens.
func WithAudience(aud string) Option { return func(p *Provider) { p.audience = aud } }

// WithTokenTTL sets the lifetime of issued tokens.
func WithTokenTTL(d time.Duration) Option { return func(p *Provider) { p.tokenTTL = d } }

// WithClock overrides the clock used for token issuance and caching.
func WithClock(now func() time.Time) Option { return func(p *Provider) { p.now = now } }

// WithBcryptCost sets the bcrypt cost for stored secrets. Tests use
// bcrypt.MinCost.
func WithBcryptCost(cost int) Option { return func(p *Provider) { p.bcryptCost = cost } }

// New creates a Provider with a fresh RSA signing key.
func New(opts ...Option) (*Provider, error) {
	p := &Provider{
		byEmail:    make(map[string]*account),
		byID:       make(map[string]*account),
		issuer:     DefaultIssuer,
		audience:   DefaultAudience,
		tokenTTL:   DefaultTokenTTL,
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
		log:        slog.Default(),
		topic:      DefaultTopic,
	}
	for _, opt := range opts {
		opt(p)
	}
	if !p.brokerSet {
		p.b = memory.New()
	}
	p.feed = identity.NewFeed(p.b, p.topic, p.log, identity.FeedOrigin(uuid.NewString()))

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	p.key = key
	p.kid = uuid.NewString()
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &key.PublicKey,
		KeyID:     p.kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
	if p.jwks, err = json.Marshal(set); err != nil {
		return nil, fmt.Errorf("failed to encode jwks: %w", err)
	}
	return p, nil
}

// Issuer returns the "iss" claim of issued tokens.
func (p *Provider) Issuer() string { return p.issuer }

// Audience returns the "aud" claim of issued tokens.
func (p *Provider) Audience() string { return p.audience }

// JWKS returns the public key set verifying issued tokens.
func (p *Provider) JWKS() json.RawMessage { return append(json.RawMessage(nil), p.jwks...) }

// Subscribe implements identity.Provider.
func (p *Provider) Subscribe(ctx context.Context) (identity.Subscription, error) {
	p.mu.Lock()
	if p.lastEventID == "" {
		// Pin the stream so changes racing with this call are not lost.
		if err := p.publishLocked(ctx); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	initial := identity.Change{Identity: p.currentLocked()}
	from := p.lastEventID
	p.mu.Unlock()

	return p.feed.Subscribe(ctx, &initial, from)
}

// SignIn implements identity.Provider.
func (p *Provider) SignIn(ctx context.Context, email, secret string) (*identity.Identity, error) {
	if err := validateEmail(email); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	acct, ok := p.byEmail[normalize(email)]
	if !ok {
		return nil, identity.NewAuthError("auth/user-not-found", nil)
	}
	if err := bcrypt.CompareHashAndPassword(acct.hash, []byte(secret)); err != nil {
		return nil, identity.NewAuthError("auth/wrong-password", nil)
	}
	if err := p.switchLocked(ctx, acct); err != nil {
		return nil, err
	}
	p.log.InfoContext(ctx, "identity.signin.ok", slog.String("user_id", acct.id))
	return acct.identity(), nil
}

// Register implements identity.Provider.
func (p *Provider) Register(ctx context.Context, email, secret string) (*identity.Identity, error) {
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if len(secret) < MinSecretLength {
		return nil, identity.NewAuthError("auth/weak-password",
			fmt.Errorf("secret must be at least %d characters", MinSecretLength))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), p.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash secret: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := normalize(email)
	if _, exists := p.byEmail[key]; exists {
		return nil, identity.NewAuthError("auth/email-already-in-use", nil)
	}
	acct := &account{id: uuid.NewString(), email: strings.TrimSpace(email), hash: hash}
	p.byEmail[key] = acct
	p.byID[acct.id] = acct

	if err := p.switchLocked(ctx, acct); err != nil {
		return nil, err
	}
	p.log.InfoContext(ctx, "identity.register.ok", slog.String("user_id", acct.id))
	return acct.identity(), nil
}

// UpdateDisplayName implements identity.Provider. Renaming the current
// identity publishes a change carrying the new name.
func (p *Provider) UpdateDisplayName(ctx context.Context, id, name string) (*identity.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acct, ok := p.byID[id]
	if !ok {
		return nil, identity.NewAuthError("auth/user-not-found", nil)
	}
	acct.displayName = name
	if p.current == acct {
		p.token = ""
		if err := p.publishLocked(ctx); err != nil {
			return nil, err
		}
	}
	return acct.identity(), nil
}

// SignOut implements identity.Provider. Signing out twice is a no-op.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	id := p.current.id
	if err := p.switchLocked(ctx, nil); err != nil {
		return err
	}
	p.log.InfoContext(ctx, "identity.signout.ok", slog.String("user_id", id))
	return nil
}

// Token implements identity.Provider.
func (p *Provider) Token(ctx context.Context, forceRefresh bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return "", identity.ErrNoIdentity
	}
	now := p.now()
	if !forceRefresh && p.token != "" && now.Before(p.tokenExp.Add(-refreshSkew)) {
		return p.token, nil
	}

	exp := now.Add(p.tokenTTL)
	claims := jwt.MapClaims{
		"iss":   p.issuer,
		"aud":   p.audience,
		"sub":   p.current.id,
		"email": p.current.email,
		"iat":   now.Unix(),
		"exp":   exp.Unix(),
		"jti":   uuid.NewString(),
	}
	if p.current.displayName != "" {
		claims["name"] = p.current.displayName
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = p.kid
	signed, err := tok.SignedString(p.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	p.token, p.tokenExp = signed, exp
	return signed, nil
}

// switchLocked makes acct (nil = nobody) current and publishes the change.
func (p *Provider) switchLocked(ctx context.Context, acct *account) error {
	p.current = acct
	p.token = ""
	return p.publishLocked(ctx)
}

func (p *Provider) publishLocked(ctx context.Context) error {
	eventID, err := p.feed.Publish(ctx, identity.Change{Identity: p.currentLocked()})
	if err != nil {
		p.log.ErrorContext(ctx, "identity.publish.fail", slog.String("err", err.Error()))
		return err
	}
	p.lastEventID = eventID
	return nil
}

func (p *Provider) currentLocked() *identity.Identity {
	if p.current == nil {
		return nil
	}
	return p.current.identity()
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return identity.NewAuthError("auth/invalid-email", err)
	}
	return nil
}

var _ identity.Provider = (*Provider)(nil)
