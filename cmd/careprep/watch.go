package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/careprep/careprep-go/identity/oidcidp"
	"github.com/careprep/careprep-go/session"
	"github.com/spf13/cobra"
)

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print session changes until interrupted",
		Long: "Print every committed session snapshot. With the oidc provider the\n" +
			"credential file is watched too, so sign-ins and sign-outs made by\n" +
			"other careprep processes show up here.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if p, ok := a.provider.(*oidcidp.Provider); ok {
				go func() {
					if err := p.WatchCredentials(ctx); err != nil && !errors.Is(err, context.Canceled) {
						a.log.Warn("watch.credentials.fail", slog.String("err", err.Error()))
					}
				}()
			}

			for snap := range a.store.Watch(ctx) {
				fmt.Fprintln(a.out, describe(snap))
			}
			return nil
		},
	}
}

func describe(s session.Snapshot) string {
	switch {
	case s.Resolving:
		return fmt.Sprintf("v%d resolving", s.Version)
	case !s.SignedIn():
		return fmt.Sprintf("v%d signed out", s.Version)
	default:
		return fmt.Sprintf("v%d signed in as %s <%s>", s.Version, s.Label(), s.Identity.Email)
	}
}
