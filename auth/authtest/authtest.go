// Package authtest provides authenticators for tests and local development.
package authtest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/careprep/careprep-go/auth"
)

// NoAuth is a test authenticator that accepts any non-empty token as the
// configured user.
type NoAuth struct {
	UserID string
}

// NewNoAuth creates a new NoAuth authenticator with the specified user ID.
// If userID is empty, it defaults to "test-user".
func NewNoAuth(userID string) *NoAuth {
	if userID == "" {
		userID = "test-user"
	}
	return &NoAuth{UserID: userID}
}

// CheckAuthentication implements auth.Authenticator.
func (n *NoAuth) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if tok == "" {
		return nil, auth.ErrUnauthorized
	}
	return User{ID: n.UserID}, nil
}

// Tokens is an authenticator backed by a fixed token table. Revoke makes a
// token fail, which lets tests drive 401 handling.
type Tokens struct {
	mu     sync.Mutex
	tokens map[string]User
}

// NewTokens creates an empty token table.
func NewTokens() *Tokens {
	return &Tokens{tokens: make(map[string]User)}
}

// Grant registers tok for u.
func (s *Tokens) Grant(tok string, u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok] = u
}

// Revoke removes tok.
func (s *Tokens) Revoke(tok string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, tok)
}

// CheckAuthentication implements auth.Authenticator.
func (s *Tokens) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.tokens[tok]
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	return u, nil
}

// User is a static auth.UserInfo.
type User struct {
	ID   string `json:"sub"`
	Mail string `json:"email,omitempty"`
	Name string `json:"name,omitempty"`
}

func (u User) UserID() string      { return u.ID }
func (u User) Email() string       { return u.Mail }
func (u User) DisplayName() string { return u.Name }

func (u User) Claims(ref any) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var (
	_ auth.Authenticator = (*NoAuth)(nil)
	_ auth.Authenticator = (*Tokens)(nil)
)
