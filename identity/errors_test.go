package identity

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindFromCode(t *testing.T) {
	tests := []struct {
		code string
		want Kind
	}{
		{"auth/wrong-password", KindInvalidCredentials},
		{"INVALID_PASSWORD", KindInvalidCredentials},
		{"invalid_grant", KindInvalidCredentials},
		{"auth/user-not-found", KindNotFound},
		{"EMAIL_NOT_FOUND", KindNotFound},
		{"auth/invalid-email", KindMalformed},
		{"INVALID_EMAIL", KindMalformed},
		{"auth/email-already-in-use", KindEmailInUse},
		{"EMAIL_EXISTS", KindEmailInUse},
		{"auth/weak-password", KindWeakCredential},
		{"WEAK_PASSWORD : Password should be at least 6 characters", KindWeakCredential},
		{"auth/network-request-failed", KindUnknown},
		{"", KindUnknown},
	}
	for _, tt := range tests {
		if got := KindFromCode(tt.code); got != tt.want {
			t.Errorf("KindFromCode(%q) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestAuthError_Is(t *testing.T) {
	err := fmt.Errorf("sign in: %w", NewAuthError("auth/wrong-password", nil))

	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatal("expected errors.Is to match ErrInvalidCredentials")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("did not expect ErrNotFound to match")
	}
	if KindOf(err) != KindInvalidCredentials {
		t.Fatalf("KindOf = %v", KindOf(err))
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Fatal("plain errors are KindUnknown")
	}
}

func TestAuthError_UnwrapsCause(t *testing.T) {
	cause := errors.New("boom")
	err := NewAuthError("EMAIL_EXISTS", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable")
	}
	if got := err.Error(); got != "identity: email_in_use (EMAIL_EXISTS): boom" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestIdentity_Clone(t *testing.T) {
	var nilID *Identity
	if nilID.Clone() != nil {
		t.Fatal("nil clone should be nil")
	}
	orig := &Identity{ID: "1", Email: "a@x.com"}
	dup := orig.Clone()
	dup.Email = "b@x.com"
	if orig.Email != "a@x.com" {
		t.Fatal("clone shares storage with original")
	}
}
