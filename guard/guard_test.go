package guard

import (
	"testing"

	"github.com/careprep/careprep-go/identity"
	"github.com/careprep/careprep-go/profile"
	"github.com/careprep/careprep-go/session"
)

var (
	someone  = &identity.Identity{ID: "u1", Email: "u@x.com"}
	identities = []*identity.Identity{nil, someone}
)

func TestDecide_ResolvingNeverRendersOrRedirects(t *testing.T) {
	for _, id := range identities {
		for _, p := range []*profile.Profile{nil, {ID: "u1"}} {
			if id == nil && p != nil {
				continue
			}
			if d := Decide(session.Snapshot{Resolving: true, Identity: id, Profile: p}); d != ShowLoading {
				t.Fatalf("resolving with identity=%v: got %v", id != nil, d)
			}
		}
	}
}

func TestDecide_Resolved(t *testing.T) {
	if d := Decide(session.Snapshot{}); d != RedirectSignIn {
		t.Fatalf("absent identity: got %v", d)
	}
	if d := Decide(session.Snapshot{Identity: someone}); d != Render {
		t.Fatalf("present identity without profile: got %v", d)
	}
	if d := Decide(session.Snapshot{Identity: someone, Profile: &profile.Profile{ID: "u1"}}); d != Render {
		t.Fatalf("present identity with profile: got %v", d)
	}
}

func TestResolve(t *testing.T) {
	signedIn := session.Snapshot{Identity: someone}
	signedOut := session.Snapshot{}
	loading := session.Snapshot{Resolving: true}

	tests := []struct {
		path string
		snap session.Snapshot
		want Outcome
	}{
		{"/login", signedOut, Outcome{Render, PathLogin}},
		{"/register", loading, Outcome{Render, PathRegister}},
		{"/dashboard", signedIn, Outcome{Render, PathDashboard}},
		{"/", signedIn, Outcome{Render, PathRoot}},
		{"", signedIn, Outcome{Render, PathRoot}},
		{"/chat/", signedIn, Outcome{Render, PathChat}},
		{"/symptoms?tab=log", signedIn, Outcome{Render, PathSymptoms}},
		{"/upload-notes", signedOut, Outcome{RedirectSignIn, PathLogin}},
		{"/care-summary", loading, Outcome{ShowLoading, PathCareSummary}},
		{"/nope", signedOut, Outcome{Redirect, PathDashboard}},
		{"/nope", signedIn, Outcome{Redirect, PathDashboard}},
	}
	for _, tt := range tests {
		if got := Resolve(tt.path, tt.snap); got != tt.want {
			t.Errorf("Resolve(%q) = %+v, want %+v", tt.path, got, tt.want)
		}
	}
}

func TestIsProtected(t *testing.T) {
	if !IsProtected("/chat") || IsProtected("/login") || IsProtected("/elsewhere") {
		t.Fatal("unexpected protection table")
	}
}

func TestNavigatorFunc(t *testing.T) {
	var got string
	var nav Navigator = NavigatorFunc(func(p string) { got = p })
	nav.Navigate(PathLogin)
	if got != PathLogin {
		t.Fatalf("navigated to %q", got)
	}
}
