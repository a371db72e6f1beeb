package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/careprep/careprep-go/guard"
	"github.com/careprep/careprep-go/screens"
	"github.com/careprep/careprep-go/session"
	"github.com/spf13/cobra"
)

const signInWait = 10 * time.Second

// readSecret returns flagValue or, when empty, the next line of stdin.
func (a *app) readSecret(flagValue, prompt string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if a.interactive {
		return "", errors.New("pass --password inside the shell")
	}
	fmt.Fprint(a.errOut, prompt)
	line, err := bufio.NewReader(a.stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", errors.New("no password given")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newLoginCmd(a *app) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			secret, err := a.readSecret(password, "Password: ")
			if err != nil {
				return err
			}
			a.nav.reset()
			login := screens.NewLogin(a.store, a.nav, a.log)
			if err := login.Submit(ctx, email, secret); err != nil {
				return errors.New(login.Banner.Error)
			}
			snap, err := a.awaitSignedIn(ctx, email)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Signed in as %s.\n", snap.Label())
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (read from stdin when omitted)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

// awaitSignedIn waits until the session for email, set by the provider
// notification that follows a sign-in, has been committed.
func (a *app) awaitSignedIn(ctx context.Context, email string) (session.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, signInWait)
	defer cancel()
	for snap := range a.store.Watch(ctx) {
		if snap.SignedIn() && !snap.Resolving && strings.EqualFold(snap.Identity.Email, strings.TrimSpace(email)) {
			return snap, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return session.Snapshot{}, fmt.Errorf("waiting for session: %w", err)
	}
	return session.Snapshot{}, session.ErrClosed
}

func newRegisterCmd(a *app) *cobra.Command {
	var form screens.RegisterForm
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := a.readSecret(form.Password, "Password: ")
			if err != nil {
				return err
			}
			f := form
			f.Password = secret
			if f.ConfirmPassword == "" {
				f.ConfirmPassword = secret
			}
			a.nav.reset()
			reg := screens.NewRegister(a.store, a.nav, a.log)
			if err := reg.Submit(cmd.Context(), f); err != nil {
				return errors.New(reg.Banner.Error)
			}
			fmt.Fprintf(a.out, "Welcome, %s!\n", a.store.Snapshot().Label())
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&form.Name, "name", "", "full name")
	fl.StringVar(&form.Email, "email", "", "account email")
	fl.StringVar(&form.Password, "password", "", "account password (read from stdin when omitted)")
	fl.StringVar(&form.ConfirmPassword, "confirm", "", "password confirmation (defaults to --password)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.SignOut(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Signed out.")
			return nil
		},
	}
}

func newWhoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user and what to do next",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.protect(cmd.Context(), guard.PathDashboard); err != nil {
				return err
			}
			snap := a.store.Snapshot()
			dash := screens.NewDashboard(a.store.Snapshot)
			fmt.Fprintln(a.out, dash.Greeting())
			fmt.Fprintf(a.out, "  %s (%s)\n\n", snap.Identity.Email, snap.Identity.ID)
			tw := newTable(a.out)
			for _, f := range dash.QuickActions() {
				fmt.Fprintf(tw, "%s\t%s\n", f.Title, commandFor(f.Path))
			}
			return tw.Flush()
		},
	}
}

// commandFor names the command serving a route.
func commandFor(path string) string {
	switch path {
	case guard.PathSymptoms:
		return "careprep symptoms"
	case guard.PathUploadNotes:
		return "careprep documents"
	case guard.PathCareSummary:
		return "careprep summaries"
	case guard.PathChat:
		return "careprep chat"
	default:
		return "careprep whoami"
	}
}

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Ask the backend to verify the current token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.protect(ctx, guard.PathDashboard); err != nil {
				return err
			}
			raw, err := a.client.Verify(ctx)
			if err != nil {
				if a.dispatch.Handle(ctx, err) {
					return errSignInRequired
				}
				return err
			}
			return a.printJSON(raw)
		},
	}
}
