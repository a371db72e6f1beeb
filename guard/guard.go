// Package guard decides, per navigation, whether a CarePrep screen is
// rendered, replaced by a loading placeholder, or redirected to sign-in.
package guard

import (
	"strings"

	"github.com/careprep/careprep-go/session"
)

// Decision is the outcome of evaluating a session for a protected screen.
type Decision int

const (
	// ShowLoading renders a placeholder: the session is still resolving, so
	// neither the screen nor a redirect may be issued yet.
	ShowLoading Decision = iota
	// RedirectSignIn sends the user to the sign-in screen.
	RedirectSignIn
	// Render shows the requested screen.
	Render
	// Redirect sends the user to another route (unknown paths).
	Redirect
)

func (d Decision) String() string {
	switch d {
	case ShowLoading:
		return "show_loading"
	case RedirectSignIn:
		return "redirect_sign_in"
	case Render:
		return "render"
	case Redirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Routes.
const (
	PathRoot        = "/"
	PathLogin       = "/login"
	PathRegister    = "/register"
	PathDashboard   = "/dashboard"
	PathSymptoms    = "/symptoms"
	PathUploadNotes = "/upload-notes"
	PathCareSummary = "/care-summary"
	PathChat        = "/chat"
)

var (
	publicRoutes    = map[string]bool{PathLogin: true, PathRegister: true}
	protectedRoutes = map[string]bool{
		PathRoot:        true,
		PathDashboard:   true,
		PathSymptoms:    true,
		PathUploadNotes: true,
		PathCareSummary: true,
		PathChat:        true,
	}
)

// Decide evaluates snap for a protected screen.
func Decide(snap session.Snapshot) Decision {
	switch {
	case snap.Resolving:
		return ShowLoading
	case snap.Identity == nil:
		return RedirectSignIn
	default:
		return Render
	}
}

// Outcome is a routing result. Path is the route to render or redirect to.
type Outcome struct {
	Decision Decision
	Path     string
}

// Resolve routes path against snap: public routes always render, protected
// routes go through Decide, and anything else redirects to the dashboard.
func Resolve(path string, snap session.Snapshot) Outcome {
	path = normalize(path)
	switch {
	case publicRoutes[path]:
		return Outcome{Decision: Render, Path: path}
	case protectedRoutes[path]:
		d := Decide(snap)
		if d == RedirectSignIn {
			return Outcome{Decision: d, Path: PathLogin}
		}
		return Outcome{Decision: d, Path: path}
	default:
		return Outcome{Decision: Redirect, Path: PathDashboard}
	}
}

// IsProtected reports whether path requires a signed-in session.
func IsProtected(path string) bool { return protectedRoutes[normalize(path)] }

func normalize(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return PathRoot
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			return PathRoot
		}
	}
	return path
}

// Navigator performs a full navigation. It is the only way code outside
// the screen layer changes the current route.
type Navigator interface {
	Navigate(path string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(path string)

func (f NavigatorFunc) Navigate(path string) { f(path) }
