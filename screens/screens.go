// Package screens holds the page-level features of the CarePrep client. Each
// screen keeps its loaded state plus a Banner and talks to the backend only
// through the api package. Failed requests never clear what was already
// loaded, and an unauthorized response is handed to the Dispatcher rather
// than shown.
package screens

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/careprep/careprep-go/api"
	"github.com/careprep/careprep-go/internal/logctx"
)

var errNotFound = errors.New("screens: not found")

// Banner is the transient message area of a screen.
type Banner struct {
	Error   string
	Success string
}

func (b *Banner) reset() { *b = Banner{} }

// Option configures a screen.
type Option func(*base)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *base) {
		if l != nil {
			b.log = l
		}
	}
}

// WithClock overrides the time source used for form defaults and message
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *base) {
		if now != nil {
			b.now = now
		}
	}
}

type base struct {
	Banner Banner

	name     string
	api      *api.Client
	dispatch *api.Dispatcher
	log      *slog.Logger
	now      func() time.Time
}

func newBase(name string, client *api.Client, d *api.Dispatcher, opts []Option) base {
	b := base{name: name, api: client, dispatch: d, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b *base) ctx(ctx context.Context) context.Context {
	return logctx.WithScreen(ctx, b.name)
}

// fail reports err. An unauthorized error goes to the dispatcher and leaves
// the banner alone; anything else shows msg.
func (b *base) fail(ctx context.Context, err error, msg string) error {
	if b.dispatch != nil && b.dispatch.Handle(ctx, err) {
		return err
	}
	b.log.WarnContext(ctx, "screen.request.fail", slog.String("err", err.Error()))
	b.Banner.Error = msg
	return err
}

// decodeField unmarshals the named top-level field of raw into v. A missing
// or null field leaves v untouched.
func decodeField(raw json.RawMessage, field string, v any) error {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return err
	}
	f, ok := obj[field]
	if !ok || string(f) == "null" {
		return nil
	}
	return json.Unmarshal(f, v)
}
