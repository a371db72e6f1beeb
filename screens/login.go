package screens

import (
	"context"
	"log/slog"
	"strings"

	"github.com/careprep/careprep-go/guard"
	"github.com/careprep/careprep-go/identity"
	"github.com/careprep/careprep-go/internal/logctx"
)

// Authenticator signs users in and registers new accounts. *session.Store
// implements it.
type Authenticator interface {
	SignIn(ctx context.Context, email, secret string) (*identity.Identity, error)
	Register(ctx context.Context, email, secret, displayName string) (*identity.Identity, error)
}

// Login is the sign-in screen.
type Login struct {
	Banner Banner

	auth Authenticator
	nav  guard.Navigator
	log  *slog.Logger
}

func NewLogin(auth Authenticator, nav guard.Navigator, log *slog.Logger) *Login {
	if log == nil {
		log = slog.Default()
	}
	return &Login{auth: auth, nav: nav, log: log}
}

// Submit signs in and navigates to the dashboard on success.
func (l *Login) Submit(ctx context.Context, email, password string) error {
	ctx = logctx.WithScreen(ctx, "login")
	l.Banner.reset()
	if _, err := l.auth.SignIn(ctx, strings.TrimSpace(email), password); err != nil {
		l.Banner.Error = signInMessage(err)
		l.log.InfoContext(ctx, "screen.login.fail", slog.String("err", err.Error()))
		return err
	}
	l.nav.Navigate(guard.PathDashboard)
	return nil
}

func signInMessage(err error) string {
	switch identity.KindOf(err) {
	case identity.KindNotFound:
		return "No account found with this email."
	case identity.KindInvalidCredentials:
		return "Incorrect password. Please try again."
	case identity.KindMalformed:
		return "Invalid email address."
	default:
		return "Failed to sign in. Please try again."
	}
}
