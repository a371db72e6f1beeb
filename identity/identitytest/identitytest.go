// Package identitytest is a conformance suite for identity.Provider
// implementations.
package identitytest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/careprep/careprep-go/identity"
)

// ProviderFactory creates a fresh provider with no accounts and nobody
// signed in.
type ProviderFactory func(t *testing.T) identity.Provider

// RunProviderTests runs the complete provider suite against factory.
func RunProviderTests(t *testing.T, factory ProviderFactory) {
	t.Run("SubscribeDeliversCurrentState", func(t *testing.T) { testSubscribeCurrent(t, factory(t)) })
	t.Run("RegisterSignsInAndNotifies", func(t *testing.T) { testRegister(t, factory(t)) })
	t.Run("RegisterRejections", func(t *testing.T) { testRegisterRejections(t, factory(t)) })
	t.Run("SignInRejections", func(t *testing.T) { testSignInRejections(t, factory(t)) })
	t.Run("SignInAfterSignOut", func(t *testing.T) { testSignInAfterSignOut(t, factory(t)) })
	t.Run("SignOutIsIdempotent", func(t *testing.T) { testSignOutIdempotent(t, factory(t)) })
	t.Run("TokenLifecycle", func(t *testing.T) { testToken(t, factory(t)) })
	t.Run("UpdateDisplayName", func(t *testing.T) { testUpdateDisplayName(t, factory(t)) })
	t.Run("NotificationsInOrder", func(t *testing.T) { testOrder(t, factory(t)) })
}

// Next waits for the next change on sub.
func Next(t *testing.T, sub identity.Subscription) identity.Change {
	t.Helper()
	select {
	case c, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for identity change")
		return identity.Change{}
	}
}

func subscribe(t *testing.T, p identity.Provider) identity.Subscription {
	t.Helper()
	sub, err := p.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func register(t *testing.T, p identity.Provider, email, secret string) *identity.Identity {
	t.Helper()
	id, err := p.Register(context.Background(), email, secret)
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return id
}

func testSubscribeCurrent(t *testing.T, p identity.Provider) {
	if c := Next(t, subscribe(t, p)); c.SignedIn() {
		t.Fatalf("expected signed-out initial state, got %+v", c.Identity)
	}

	id := register(t, p, "first@example.com", "secret1")
	c := Next(t, subscribe(t, p))
	if !c.SignedIn() || c.Identity.ID != id.ID {
		t.Fatalf("expected initial state %s, got %+v", id.ID, c.Identity)
	}
}

func testRegister(t *testing.T, p identity.Provider) {
	sub := subscribe(t, p)
	Next(t, sub)

	id := register(t, p, "ann@example.com", "abcdef")
	if id.ID == "" || id.Email != "ann@example.com" {
		t.Fatalf("unexpected identity %+v", id)
	}
	c := Next(t, sub)
	if !c.SignedIn() || c.Identity.ID != id.ID {
		t.Fatalf("expected change for %s, got %+v", id.ID, c.Identity)
	}
}

func testRegisterRejections(t *testing.T, p identity.Provider) {
	ctx := context.Background()
	register(t, p, "taken@example.com", "abcdef")

	tests := []struct {
		email, secret string
		want          error
	}{
		{"taken@example.com", "abcdef", identity.ErrEmailInUse},
		{"new@example.com", "abc", identity.ErrWeakCredential},
		{"not-an-email", "abcdef", identity.ErrMalformed},
	}
	for _, tt := range tests {
		_, err := p.Register(ctx, tt.email, tt.secret)
		if !errors.Is(err, tt.want) {
			t.Errorf("Register(%q, %q) = %v, want %v", tt.email, tt.secret, err, tt.want)
		}
	}
}

func testSignInRejections(t *testing.T, p identity.Provider) {
	ctx := context.Background()
	register(t, p, "sam@example.com", "abcdef")
	if err := p.SignOut(ctx); err != nil {
		t.Fatalf("sign out: %v", err)
	}

	tests := []struct {
		email, secret string
		want          error
	}{
		{"sam@example.com", "wrong-secret", identity.ErrInvalidCredentials},
		{"nobody@example.com", "abcdef", identity.ErrNotFound},
		{"bad email", "abcdef", identity.ErrMalformed},
	}
	for _, tt := range tests {
		_, err := p.SignIn(ctx, tt.email, tt.secret)
		if !errors.Is(err, tt.want) {
			t.Errorf("SignIn(%q) = %v, want %v", tt.email, err, tt.want)
		}
	}
	if _, err := p.Token(ctx, false); !errors.Is(err, identity.ErrNoIdentity) {
		t.Fatalf("failed sign-in must not create a session, Token err = %v", err)
	}
}

func testSignInAfterSignOut(t *testing.T, p identity.Provider) {
	ctx := context.Background()
	id := register(t, p, "kim@example.com", "abcdef")
	if err := p.SignOut(ctx); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	sub := subscribe(t, p)
	Next(t, sub)

	got, err := p.SignIn(ctx, "kim@example.com", "abcdef")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if got.ID != id.ID {
		t.Fatalf("expected %s, got %s", id.ID, got.ID)
	}
	if c := Next(t, sub); !c.SignedIn() || c.Identity.ID != id.ID {
		t.Fatalf("expected sign-in change, got %+v", c.Identity)
	}
}

func testSignOutIdempotent(t *testing.T, p identity.Provider) {
	ctx := context.Background()
	register(t, p, "lee@example.com", "abcdef")
	sub := subscribe(t, p)
	Next(t, sub)

	if err := p.SignOut(ctx); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if c := Next(t, sub); c.SignedIn() {
		t.Fatalf("expected signed-out change, got %+v", c.Identity)
	}
	if err := p.SignOut(ctx); err != nil {
		t.Fatalf("second sign out: %v", err)
	}
}

func testToken(t *testing.T, p identity.Provider) {
	ctx := context.Background()
	if _, err := p.Token(ctx, false); !errors.Is(err, identity.ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}

	register(t, p, "tok@example.com", "abcdef")
	first, err := p.Token(ctx, false)
	if err != nil || first == "" {
		t.Fatalf("token: %q %v", first, err)
	}
	again, err := p.Token(ctx, false)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if again != first {
		t.Fatal("expected cached token to be reused")
	}
	forced, err := p.Token(ctx, true)
	if err != nil {
		t.Fatalf("forced token: %v", err)
	}
	if forced == first {
		t.Fatal("expected forceRefresh to issue a new token")
	}

	if err := p.SignOut(ctx); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if _, err := p.Token(ctx, false); !errors.Is(err, identity.ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity after sign out, got %v", err)
	}
}

func testUpdateDisplayName(t *testing.T, p identity.Provider) {
	id := register(t, p, "name@example.com", "abcdef")
	sub := subscribe(t, p)
	Next(t, sub)

	got, err := p.UpdateDisplayName(context.Background(), id.ID, "Ann")
	if err != nil {
		t.Fatalf("update display name: %v", err)
	}
	if got.DisplayName != "Ann" || got.ID != id.ID {
		t.Fatalf("unexpected identity %+v", got)
	}
	if c := Next(t, sub); !c.SignedIn() || c.Identity.DisplayName != "Ann" {
		t.Fatalf("expected renamed identity change, got %+v", c.Identity)
	}
}

func testOrder(t *testing.T, p identity.Provider) {
	ctx := context.Background()
	sub := subscribe(t, p)
	Next(t, sub)

	const n = 3
	ids := make([]string, n)
	for i := range ids {
		ids[i] = register(t, p, fmt.Sprintf("u%d@example.com", i), "abcdef").ID
		if err := p.SignOut(ctx); err != nil {
			t.Fatalf("sign out: %v", err)
		}
	}
	for i := range ids {
		if c := Next(t, sub); !c.SignedIn() || c.Identity.ID != ids[i] {
			t.Fatalf("change %d: expected %s, got %+v", 2*i, ids[i], c.Identity)
		}
		if c := Next(t, sub); c.SignedIn() {
			t.Fatalf("change %d: expected sign-out, got %+v", 2*i+1, c.Identity)
		}
	}
}
