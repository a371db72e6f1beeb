// Package session implements the Session Store: the single owner of "who is
// signed in" for a CarePrep client.
//
// A Store mirrors an identity.Provider's push notifications into a Snapshot
// of (Identity, Profile, Resolving). One goroutine owns every Snapshot
// mutation and handles one provider change, or one local commit from
// Register and SignOut, to completion before the next. Readers only ever see
// immutable Snapshot copies.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/careprep/careprep-go/identity"
	"github.com/careprep/careprep-go/profile"
)

var (
	// ErrClosed is returned by operations on a closed Store.
	ErrClosed = errors.New("session: store closed")
	// ErrNotStarted is returned by operations that need the owner goroutine
	// before Start has been called.
	ErrNotStarted = errors.New("session: store not started")
)

// DefaultProfileTimeout bounds a single profile fetch.
const DefaultProfileTimeout = 10 * time.Second

// Profiles is the persistent profile store the Session Store reads and
// writes.
type Profiles interface {
	Get(ctx context.Context, id string) (*profile.Profile, error)
	Create(ctx context.Context, p profile.Profile) error
}

// Snapshot is an immutable view of the session.
type Snapshot struct {
	Identity  *identity.Identity
	Profile   *profile.Profile
	Resolving bool
	// Version increases with every committed snapshot.
	Version uint64
}

// SignedIn reports whether an identity is present.
func (s Snapshot) SignedIn() bool { return s.Identity != nil }

// Label returns the display label for the signed-in user.
func (s Snapshot) Label() string { return profile.DisplayLabel(s.Identity, s.Profile) }

func (s Snapshot) clone() Snapshot {
	out := s
	out.Identity = s.Identity.Clone()
	if s.Profile != nil {
		p := *s.Profile
		out.Profile = &p
	}
	return out
}

// Store is the Session Store. Create it with New, call Start once, and Close
// it when the owning scope ends.
type Store struct {
	provider       identity.Provider
	profiles       Profiles
	log            *slog.Logger
	metrics        Recorder
	profileTimeout time.Duration

	mu       sync.RWMutex
	snap     Snapshot
	watchers map[uint64]chan Snapshot
	nextW    uint64
	resolved chan struct{}

	// gen counts processed provider notifications.
	gen atomic.Uint64

	cmds chan command
	// life serializes Start and Close so a Close racing a Start always
	// sees the subscription it has to release.
	life      sync.Mutex
	started   atomic.Bool
	startErr  error
	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
	sub       identity.Subscription
	cancel    context.CancelFunc
}

type command struct {
	run  func(ctx context.Context)
	done chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Recorder observes committed snapshots.
type Recorder interface {
	RecordSessionCommit(signedIn bool)
}

// WithMetrics records every commit to r.
func WithMetrics(r Recorder) Option {
	return func(s *Store) {
		s.metrics = r
	}
}

// WithProfileTimeout bounds each profile fetch.
func WithProfileTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.profileTimeout = d
		}
	}
}

// New creates a Store in the resolving state. Nothing is subscribed until
// Start.
func New(provider identity.Provider, profiles Profiles, opts ...Option) *Store {
	s := &Store{
		provider:       provider,
		profiles:       profiles,
		log:            slog.Default(),
		profileTimeout: DefaultProfileTimeout,
		snap:           Snapshot{Resolving: true},
		watchers:       make(map[uint64]chan Snapshot),
		resolved:       make(chan struct{}),
		cmds:           make(chan command),
		closed:         make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to the provider and launches the owner goroutine. Only
// the first call subscribes; later calls return the first call's result.
func (s *Store) Start(ctx context.Context) error {
	s.life.Lock()
	defer s.life.Unlock()
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	s.startOnce.Do(func() {
		sub, err := s.provider.Subscribe(ctx)
		if err != nil {
			s.startErr = err
			s.log.ErrorContext(ctx, "session.subscribe.fail", slog.String("err", err.Error()))
			return
		}
		loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.sub, s.cancel = sub, cancel
		s.started.Store(true)
		go s.loop(loopCtx)
	})
	return s.startErr
}

// Close releases the provider subscription and stops the owner goroutine.
// Commits that race with Close are dropped. Close is idempotent.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.life.Lock()
		close(s.closed)
		started := s.started.Load()
		s.life.Unlock()
		if started {
			s.cancel()
			err = s.sub.Close()
			<-s.done
		}
		s.mu.Lock()
		for id, ch := range s.watchers {
			close(ch)
			delete(s.watchers, id)
		}
		s.mu.Unlock()
		s.log.Debug("session.closed")
	})
	return err
}

func (s *Store) loop(ctx context.Context) {
	defer close(s.done)
	events := s.sub.Events()
	for {
		select {
		case <-s.closed:
			return
		case c, ok := <-events:
			if !ok {
				s.log.WarnContext(ctx, "session.subscription.ended")
				return
			}
			s.handle(ctx, c, events)
		case cmd := <-s.cmds:
			cmd.run(ctx)
			close(cmd.done)
		}
	}
}

// handle processes one provider change. A change already queued behind c
// supersedes it, so a slow profile fetch for an identity that has since
// signed out is never committed.
func (s *Store) handle(ctx context.Context, c identity.Change, events <-chan identity.Change) {
	for {
		s.gen.Add(1)
		if !c.SignedIn() {
			s.commit(nil, nil)
			return
		}

		p := s.fetchProfile(ctx, c.Identity.ID)
		select {
		case next, ok := <-events:
			if ok {
				s.log.DebugContext(ctx, "session.change.superseded", slog.String("user_id", c.Identity.ID))
				c = next
				continue
			}
		default:
		}
		s.commit(c.Identity, p)
		return
	}
}

func (s *Store) fetchProfile(ctx context.Context, id string) *profile.Profile {
	ctx, cancel := context.WithTimeout(ctx, s.profileTimeout)
	defer cancel()
	p, err := s.profiles.Get(ctx, id)
	if err != nil {
		s.log.WarnContext(ctx, "session.profile.fetch.fail",
			slog.String("user_id", id),
			slog.String("err", err.Error()))
		return nil
	}
	return p
}

// commit publishes a new snapshot. Only the owner goroutine calls it.
func (s *Store) commit(id *identity.Identity, p *profile.Profile) {
	select {
	case <-s.closed:
		s.log.Debug("session.commit.dropped")
		return
	default:
	}
	if id == nil {
		p = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{Identity: id.Clone(), Profile: p, Version: s.snap.Version + 1}
	select {
	case <-s.resolved:
	default:
		close(s.resolved)
	}
	for _, ch := range s.watchers {
		offer(ch, s.snap.clone())
	}
	if s.metrics != nil {
		s.metrics.RecordSessionCommit(id != nil)
	}
}

// offer delivers snap without blocking, evicting the oldest queued snapshot
// when the watcher is full.
func offer(ch chan Snapshot, snap Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// submit runs fn on the owner goroutine and waits for it.
func (s *Store) submit(ctx context.Context, fn func(ctx context.Context)) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	cmd := command{run: fn, done: make(chan struct{})}
	select {
	case s.cmds <- cmd:
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.done:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Snapshot returns the current session state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.clone()
}

// Watch streams committed snapshots, starting with the current one, until
// ctx is done or the Store closes. A slow reader may miss intermediate
// snapshots but always receives the latest.
func (s *Store) Watch(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 16)

	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		close(ch)
		return ch
	default:
	}
	id := s.nextW
	s.nextW++
	s.watchers[id] = ch
	ch <- s.snap.clone()
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.closed:
			return
		}
		s.mu.Lock()
		if _, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(ch)
		}
		s.mu.Unlock()
	}()
	return ch
}

// WaitResolved blocks until the first session state has been committed.
func (s *Store) WaitResolved(ctx context.Context) (Snapshot, error) {
	select {
	case <-s.resolved:
		return s.Snapshot(), nil
	case <-s.closed:
		return s.Snapshot(), ErrClosed
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
}

// SignIn authenticates with the provider. The resulting provider
// notification, not SignIn, updates the session.
func (s *Store) SignIn(ctx context.Context, email, secret string) (*identity.Identity, error) {
	id, err := s.provider.SignIn(ctx, email, secret)
	if err != nil {
		s.log.InfoContext(ctx, "session.signin.fail",
			slog.String("kind", identity.KindOf(err).String()),
			slog.String("err", err.Error()))
		return nil, err
	}
	return id, nil
}

// Register creates an account, sets its display name, writes its profile
// and commits the new session right away instead of waiting for a provider
// notification. A failed display-name update fails the registration. Like
// SignOut, Register on a Store that is not started or already closed
// succeeds without committing anything.
func (s *Store) Register(ctx context.Context, email, secret, displayName string) (*identity.Identity, error) {
	startGen := s.gen.Load()

	id, err := s.provider.Register(ctx, email, secret)
	if err != nil {
		s.log.InfoContext(ctx, "session.register.fail",
			slog.String("kind", identity.KindOf(err).String()),
			slog.String("err", err.Error()))
		return nil, err
	}
	updated, err := s.provider.UpdateDisplayName(ctx, id.ID, displayName)
	if err != nil {
		// The account exists and the provider has signed it in; the
		// session follows through the provider notification.
		s.log.WarnContext(ctx, "session.register.display_name.fail",
			slog.String("user_id", id.ID),
			slog.String("err", err.Error()))
		return nil, err
	}
	id = updated

	if err := s.profiles.Create(ctx, profile.Profile{ID: id.ID, Name: displayName, Email: email}); err != nil {
		return id, err
	}
	p, err := s.profiles.Get(ctx, id.ID)
	if err != nil {
		s.log.WarnContext(ctx, "session.profile.fetch.fail",
			slog.String("user_id", id.ID),
			slog.String("err", err.Error()))
	}

	err = s.submit(ctx, func(context.Context) {
		if s.gen.Load() != startGen {
			cur := s.current()
			if cur.Identity == nil || cur.Identity.ID != id.ID {
				// A newer provider notification moved the session on.
				return
			}
		}
		s.commit(id, p)
	})
	if err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, ErrNotStarted) {
		return id, err
	}
	s.log.InfoContext(ctx, "session.register.ok", slog.String("user_id", id.ID))
	return id.Clone(), nil
}

// SignOut signs out with the provider and clears the session immediately.
// Provider errors are returned unchanged and leave the session as it was.
func (s *Store) SignOut(ctx context.Context) error {
	startGen := s.gen.Load()
	if err := s.provider.SignOut(ctx); err != nil {
		s.log.WarnContext(ctx, "session.signout.fail", slog.String("err", err.Error()))
		return err
	}
	err := s.submit(ctx, func(context.Context) {
		if s.gen.Load() != startGen && s.current().SignedIn() {
			// Someone signed in after this sign-out; keep the newer state.
			return
		}
		s.commit(nil, nil)
	})
	if err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, ErrNotStarted) {
		return err
	}
	return nil
}

func (s *Store) current() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Token returns a credential token for the current identity, or "" when
// nobody is signed in.
func (s *Store) Token(ctx context.Context) (string, error) {
	return s.token(ctx, false)
}

// ForceToken is Token with a forced provider refresh.
func (s *Store) ForceToken(ctx context.Context) (string, error) {
	return s.token(ctx, true)
}

func (s *Store) token(ctx context.Context, force bool) (string, error) {
	if !s.Snapshot().SignedIn() {
		return "", nil
	}
	tok, err := s.provider.Token(ctx, force)
	if errors.Is(err, identity.ErrNoIdentity) {
		return "", nil
	}
	if err != nil {
		s.log.WarnContext(ctx, "session.token.fail", slog.Bool("force", force), slog.String("err", err.Error()))
		return "", err
	}
	return tok, nil
}
