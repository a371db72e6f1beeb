// Package storage is the record store behind CarePrep's persistent profile
// records. Records are opaque bytes addressed by key inside an optional
// namespace; the store, not the caller, assigns each record's creation
// timestamp.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage defines the record store contract.
type Storage interface {
	// Get retrieves the record stored under key. It returns a nil Item
	// without error when the key does not exist or has expired.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data under key. The store stamps CreatedAt with its own
	// clock.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes a single key (WithKey) or, without WithKey, every
	// record in the namespace.
	Delete(ctx context.Context, opts ...Option) error

	// Close releases resources held by the backend.
	Close() error
}

// Item is a stored record with its metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil means no expiration
}

// IsExpired reports whether the item has expired at now.
func (it *Item) IsExpired(now time.Time) bool {
	return it.ExpiresAt != nil && now.After(*it.ExpiresAt)
}

// Option configures storage operations.
type Option func(*Options)

// Options contains configuration for storage operations.
type Options struct {
	Namespace Namespace      // nil = global
	Key       *string        // Delete only
	TTL       *time.Duration // Set only
}

// Apply folds opts into a fresh Options value.
func Apply(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Namespace scopes records. Only types in this package implement it.
type Namespace interface {
	prefix() string
}

// CollectionNamespace groups records of one kind, e.g. "users".
type CollectionNamespace struct {
	Name string
}

func (n CollectionNamespace) prefix() string { return "collection:" + n.Name + ":" }

// UserNamespace groups records owned by a single user.
type UserNamespace struct {
	UserID string
}

func (n UserNamespace) prefix() string { return "user:" + n.UserID + ":" }

// Prefix returns the key prefix for namespace; backends build their keys
// from it so every backend lays out keys the same way.
func Prefix(namespace Namespace) string {
	if namespace == nil {
		return "global:"
	}
	return namespace.prefix()
}

// WithCollection selects a collection namespace.
func WithCollection(name string) Option {
	return func(o *Options) { o.Namespace = CollectionNamespace{Name: name} }
}

// WithUser selects a per-user namespace.
func WithUser(userID string) Option {
	return func(o *Options) { o.Namespace = UserNamespace{UserID: userID} }
}

// WithKey selects a single key for Delete.
func WithKey(key string) Option {
	return func(o *Options) { o.Key = &key }
}

// WithTTL sets a time-to-live for the stored data.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}

// ErrInvalidOptions is returned when incompatible options are provided.
var ErrInvalidOptions = errors.New("storage: invalid option combination")
