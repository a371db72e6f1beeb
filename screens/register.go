package screens

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/careprep/careprep-go/guard"
	"github.com/careprep/careprep-go/identity"
	"github.com/careprep/careprep-go/internal/logctx"
)

// MinPasswordLength is the shortest password the form accepts.
const MinPasswordLength = 6

// ErrInvalidForm is returned when a form fails local validation. Nothing
// is sent to the identity provider.
var ErrInvalidForm = errors.New("screens: invalid form")

// RegisterForm is the registration form.
type RegisterForm struct {
	Name            string
	Email           string
	Password        string
	ConfirmPassword string
}

// Validate returns the message for the first failing rule, or "".
func (f RegisterForm) Validate() string {
	switch {
	case f.Password != f.ConfirmPassword:
		return "Passwords do not match."
	case len(f.Password) < MinPasswordLength:
		return "Password must be at least 6 characters."
	case utf8.RuneCountInString(strings.TrimSpace(f.Name)) < 2:
		return "Please enter your full name."
	}
	return ""
}

// Register is the sign-up screen.
type Register struct {
	Banner Banner

	auth Authenticator
	nav  guard.Navigator
	log  *slog.Logger
}

func NewRegister(auth Authenticator, nav guard.Navigator, log *slog.Logger) *Register {
	if log == nil {
		log = slog.Default()
	}
	return &Register{auth: auth, nav: nav, log: log}
}

// Submit validates f, creates the account and navigates to the dashboard.
func (r *Register) Submit(ctx context.Context, f RegisterForm) error {
	ctx = logctx.WithScreen(ctx, "register")
	r.Banner.reset()
	if msg := f.Validate(); msg != "" {
		r.Banner.Error = msg
		return ErrInvalidForm
	}
	if _, err := r.auth.Register(ctx, strings.TrimSpace(f.Email), f.Password, strings.TrimSpace(f.Name)); err != nil {
		r.Banner.Error = registerMessage(err)
		r.log.InfoContext(ctx, "screen.register.fail", slog.String("err", err.Error()))
		return err
	}
	r.nav.Navigate(guard.PathDashboard)
	return nil
}

func registerMessage(err error) string {
	switch identity.KindOf(err) {
	case identity.KindEmailInUse:
		return "An account with this email already exists."
	case identity.KindMalformed:
		return "Invalid email address."
	case identity.KindWeakCredential:
		return "Password is too weak. Please use a stronger password."
	default:
		return "Failed to create account. Please try again."
	}
}
