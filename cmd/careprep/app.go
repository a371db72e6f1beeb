package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/careprep/careprep-go/api"
	"github.com/careprep/careprep-go/api/apitest"
	"github.com/careprep/careprep-go/auth"
	"github.com/careprep/careprep-go/broker"
	brokermemory "github.com/careprep/careprep-go/broker/memory"
	brokerredis "github.com/careprep/careprep-go/broker/redis"
	"github.com/careprep/careprep-go/config"
	"github.com/careprep/careprep-go/guard"
	"github.com/careprep/careprep-go/identity"
	"github.com/careprep/careprep-go/identity/credfile"
	"github.com/careprep/careprep-go/identity/memoryidp"
	"github.com/careprep/careprep-go/identity/oidcidp"
	"github.com/careprep/careprep-go/metrics"
	"github.com/careprep/careprep-go/profile"
	"github.com/careprep/careprep-go/session"
	"github.com/careprep/careprep-go/storage"
	storagememory "github.com/careprep/careprep-go/storage/memory"
	storageredis "github.com/careprep/careprep-go/storage/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

const identityTopic = "identity"

// errSignInRequired ends a command whose session is absent or was rejected.
var errSignInRequired = errors.New("sign-in required")

type flags struct {
	apiURL      string
	provider    string
	logLevel    string
	redisAddr   string
	metricsAddr string
	dev         bool
}

// app owns everything a command needs. It is set up once per process, so
// the interactive shell reuses one session across commands.
type app struct {
	stdin  io.Reader
	out    io.Writer
	errOut io.Writer
	flags  flags

	cfg      config.Config
	log      *slog.Logger
	provider identity.Provider
	store    *session.Store
	client   *api.Client
	dispatch *api.Dispatcher
	nav      *redirects
	metrics  *metrics.Collector
	registry *prometheus.Registry

	ready bool
	// interactive is set inside the shell, where stdin carries commands.
	interactive bool
	closers     []func() error
}

func newApp(stdin io.Reader, out, errOut io.Writer) *app {
	return &app{stdin: stdin, out: out, errOut: errOut, log: slog.Default()}
}

// redirects is the CLI's Navigator. A forced navigation to the sign-in
// route prints a prompt once per command.
type redirects struct {
	w      io.Writer
	prompt bool
}

func (r *redirects) Navigate(path string) {
	if path == guard.PathLogin && !r.prompt {
		r.prompt = true
		fmt.Fprintln(r.w, "You are not signed in. Run `careprep login` to continue.")
	}
}

func (r *redirects) reset() { r.prompt = false }

func (a *app) loadConfig() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.flags.apiURL != "" {
		cfg.APIURL = a.flags.apiURL
	}
	if a.flags.provider != "" {
		cfg.Provider = a.flags.provider
	}
	if a.flags.logLevel != "" {
		cfg.LogLevel = a.flags.logLevel
	}
	if a.flags.redisAddr != "" {
		cfg.RedisAddr = a.flags.redisAddr
	}
	if a.flags.metricsAddr != "" {
		cfg.MetricsAddr = a.flags.metricsAddr
	}
	if a.flags.dev {
		cfg.Provider = config.ProviderMemory
	}
	a.cfg = cfg
	a.log = cfg.Logger(a.errOut)
	return nil
}

// setup builds the session and the request pipeline. It runs once.
func (a *app) setup(ctx context.Context) error {
	if a.ready {
		return nil
	}
	if err := a.loadConfig(); err != nil {
		return err
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.NewCollector(a.registry)
	a.nav = &redirects{w: a.errOut}

	b, st, err := a.backends(ctx)
	if err != nil {
		return err
	}

	switch a.cfg.Provider {
	case config.ProviderMemory:
		p, err := memoryidp.New(memoryidp.WithBroker(b, identityTopic), memoryidp.WithLogger(a.log))
		if err != nil {
			return err
		}
		a.provider = p
		if a.flags.dev {
			url, err := a.serveDevBackend(p)
			if err != nil {
				return err
			}
			a.cfg.APIURL = url
		}
	default:
		path := a.cfg.CredentialFile
		if path == "" {
			if path, err = credfile.DefaultPath(); err != nil {
				return err
			}
		}
		p, err := oidcidp.New(ctx, oidcidp.Config{
			Issuer:       a.cfg.Issuer,
			ClientID:     a.cfg.ClientID,
			ClientSecret: a.cfg.ClientSecret,
			AccountsURL:  a.cfg.AccountsURL,
			Scopes:       a.cfg.Scopes,
		},
			oidcidp.WithBroker(b, identityTopic),
			oidcidp.WithLogger(a.log),
			oidcidp.WithCredentialFile(credfile.New(path, credfile.WithLogger(a.log))),
		)
		if err != nil {
			return err
		}
		a.provider = p
	}

	a.store = session.New(a.provider, profile.NewStore(st, profile.WithLogger(a.log)),
		session.WithLogger(a.log),
		session.WithMetrics(a.metrics),
		session.WithProfileTimeout(a.cfg.ProfileTimeout),
	)
	if err := a.store.Start(ctx); err != nil {
		return err
	}
	a.closers = append(a.closers, a.store.Close)

	opts := []api.Option{
		api.WithLogger(a.log),
		api.WithMetrics(a.metrics),
		api.WithHTTPClient(&http.Client{Timeout: a.cfg.RequestTimeout}),
	}
	if a.cfg.RateLimit > 0 {
		opts = append(opts, api.WithRateLimit(rate.Limit(a.cfg.RateLimit), a.cfg.RateBurst))
	}
	if a.client, err = api.New(a.cfg.APIURL, a.store, opts...); err != nil {
		return err
	}
	a.dispatch = api.NewDispatcher(a.nav, api.DispatchLogger(a.log), api.DispatchMetrics(a.metrics))

	if a.cfg.MetricsAddr != "" {
		if err := a.serve(a.cfg.MetricsAddr, metrics.Handler(a.registry)); err != nil {
			return err
		}
	}
	a.ready = true
	return nil
}

// backends picks Redis when configured and in-process implementations
// otherwise.
func (a *app) backends(ctx context.Context) (broker.Broker, storage.Storage, error) {
	if a.cfg.RedisAddr == "" {
		st, err := storagememory.New(a.cfg.ProfileCacheSize)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, st.Close)
		return brokermemory.New(), st, nil
	}

	client := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	st, err := storageredis.New(storageredis.Config{Client: client, KeyPrefix: a.cfg.RedisKeyPrefix + "storage:"})
	if err != nil {
		return nil, nil, err
	}
	b := brokerredis.New(brokerredis.Config{Client: client, KeyPrefix: a.cfg.RedisKeyPrefix + "broker:"})
	return b, st, nil
}

// serveDevBackend starts the in-memory backend on a loopback port. It
// accepts tokens issued by p.
func (a *app) serveDevBackend(p *memoryidp.Provider) (string, error) {
	authn, err := auth.SecurityConfig{Issuer: p.Issuer(), Audiences: []string{p.Audience()}}.NewJWKSAuthenticator(p.JWKS())
	if err != nil {
		return "", err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	a.serveListener(ln, apitest.New(authn, apitest.WithLogger(a.log), apitest.WithAuthorizationServer(p.Issuer())))
	return "http://" + ln.Addr().String(), nil
}

func (a *app) serve(addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.serveListener(ln, h)
	return nil
}

func (a *app) serveListener(ln net.Listener, h http.Handler) {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("http.serve.fail", slog.String("addr", ln.Addr().String()), slog.String("err", err.Error()))
		}
	}()
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("app.close.fail", slog.String("err", err.Error()))
		}
	}
	a.closers = nil
}

// protect consults the Route Guard for route, waiting out ShowLoading.
func (a *app) protect(ctx context.Context, route string) error {
	a.nav.reset()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for snap := range a.store.Watch(ctx) {
		out := guard.Resolve(route, snap)
		switch out.Decision {
		case guard.ShowLoading:
			continue
		case guard.Render:
			return nil
		case guard.RedirectSignIn:
			a.nav.Navigate(out.Path)
			return errSignInRequired
		default:
			return fmt.Errorf("unexpected route outcome %s for %s", out.Decision, route)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return session.ErrClosed
}

// guarded makes every command in cmds check route before running.
func (a *app) guarded(route string, cmds ...*cobra.Command) []*cobra.Command {
	for _, c := range cmds {
		run := c.RunE
		c.RunE = func(cmd *cobra.Command, args []string) error {
			if err := a.protect(cmd.Context(), route); err != nil {
				return err
			}
			return run(cmd, args)
		}
	}
	return cmds
}

// result turns a screen outcome into command output.
func (a *app) result(err error, banner string, success string) error {
	if err == nil {
		if success != "" {
			fmt.Fprintln(a.out, success)
		}
		return nil
	}
	if api.IsUnauthorized(err) {
		return errSignInRequired
	}
	if banner != "" {
		return errors.New(banner)
	}
	return err
}
