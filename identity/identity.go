// Package identity defines the contract between a CarePrep client and the
// external identity provider that owns user accounts and issues credential
// tokens.
//
// A Provider is push-based: Subscribe returns a stream of Change values,
// starting with the provider's current state, and every later sign-in,
// sign-out or account switch produces another Change in emission order.
// Consumers treat each Identity as an immutable value replaced wholesale by
// the next Change.
package identity

import (
	"context"
	"errors"
)

// ErrNoIdentity is returned by Token when nobody is signed in.
var ErrNoIdentity = errors.New("identity: no signed-in identity")

// ErrSubscriptionClosed is returned by operations on a closed Subscription.
var ErrSubscriptionClosed = errors.New("identity: subscription closed")

// Identity is the provider's handle for the signed-in principal.
type Identity struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
}

// Clone returns a copy that shares nothing with id. A nil receiver returns
// nil.
func (id *Identity) Clone() *Identity {
	if id == nil {
		return nil
	}
	dup := *id
	return &dup
}

// Change is a single session-change notification. A nil Identity means the
// provider has no signed-in principal. Origin names the provider instance
// that published it; see FeedOrigin.
type Change struct {
	Identity *Identity `json:"identity,omitempty"`
	Origin   string    `json:"origin,omitempty"`
}

// SignedIn reports whether the change carries an identity.
func (c Change) SignedIn() bool { return c.Identity != nil }

// Subscription is a live registration for session-change notifications.
// Close releases it exactly once; later calls return nil.
type Subscription interface {
	// Events delivers changes in provider emission order. The channel is
	// closed when the subscription ends.
	Events() <-chan Change
	Close() error
}

// Provider is the identity provider surface a CarePrep client consumes.
type Provider interface {
	// Subscribe registers for session-change notifications. The provider's
	// current state is delivered as the first event.
	Subscribe(ctx context.Context) (Subscription, error)

	// SignIn authenticates email/secret and makes it the current identity.
	SignIn(ctx context.Context, email, secret string) (*Identity, error)

	// Register creates a new account and signs it in.
	Register(ctx context.Context, email, secret string) (*Identity, error)

	// UpdateDisplayName sets the display name of account id and returns the
	// updated identity. Renaming the current identity publishes a Change.
	UpdateDisplayName(ctx context.Context, id, name string) (*Identity, error)

	// SignOut clears the current identity. Signing out with nobody signed in
	// is provider-defined; the bundled providers treat it as a no-op.
	SignOut(ctx context.Context) error

	// Token returns a credential token for the current identity, reusing a
	// cached token until it nears expiry unless forceRefresh is set.
	// ErrNoIdentity is returned when nobody is signed in.
	Token(ctx context.Context, forceRefresh bool) (string, error)
}
