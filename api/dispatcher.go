package api

import (
	"context"
	"errors"
	"log/slog"

	"github.com/careprep/careprep-go/guard"
)

// Dispatcher is the top-level interpreter of pipeline errors. Features hand
// every failed call to Handle; an UnauthorizedError forces navigation to the
// sign-in screen no matter which feature issued the request.
type Dispatcher struct {
	nav     guard.Navigator
	log     *slog.Logger
	metrics Recorder
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// DispatchLogger sets the logger. Defaults to slog.Default().
func DispatchLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// DispatchMetrics records forced navigations to r.
func DispatchMetrics(r Recorder) DispatcherOption {
	return func(d *Dispatcher) {
		if r != nil {
			d.metrics = r
		}
	}
}

func NewDispatcher(nav guard.Navigator, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{nav: nav, log: slog.Default(), metrics: nopRecorder{}}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle reports whether err was consumed. An UnauthorizedError navigates to
// the sign-in route and is consumed; anything else is left to the caller.
func (d *Dispatcher) Handle(ctx context.Context, err error) bool {
	var ue *UnauthorizedError
	if !errors.As(err, &ue) {
		return false
	}
	d.log.InfoContext(ctx, "api.unauthorized.redirect",
		slog.String("method", ue.Method),
		slog.String("path", ue.Path),
		slog.Bool("retried", ue.Retried),
		slog.String("challenge", ue.Challenge))
	d.metrics.RecordUnauthorizedRedirect()
	d.nav.Navigate(guard.PathLogin)
	return true
}
