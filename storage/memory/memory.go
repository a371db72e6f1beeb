// Package memory provides an in-memory storage.Storage backed by
// github.com/hashicorp/golang-lru/v2, with TTL support and a background
// sweeper that stops on Close.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/careprep/careprep-go/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Storage implements storage.Storage in memory.
type Storage struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *storage.Item]
	now   func() time.Time

	stop      chan struct{}
	closeOnce sync.Once
}

// Option configures a memory Storage.
type Option func(*Storage)

// WithClock overrides the clock used for CreatedAt and expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) { s.now = now }
}

// New creates an in-memory storage holding at most maxItems records.
func New(maxItems int, opts ...Option) (*Storage, error) {
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	s := &Storage{cache: cache, now: time.Now, stop: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	go s.sweep(time.Minute)
	return s, nil
}

// Get implements storage.Storage.
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	options := storage.Apply(opts...)
	k := storage.Prefix(options.Namespace) + key

	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.cache.Get(k)
	if !ok {
		return nil, nil
	}
	if item.IsExpired(s.now()) {
		s.cache.Remove(k)
		return nil, nil
	}
	return clone(item), nil
}

// Set implements storage.Storage.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	options := storage.Apply(opts...)
	if options.Key != nil {
		return storage.ErrInvalidOptions
	}

	now := s.now()
	item := &storage.Item{Data: append([]byte(nil), data...), CreatedAt: now}
	if options.TTL != nil {
		exp := now.Add(*options.TTL)
		item.ExpiresAt = &exp
	}

	s.mu.Lock()
	s.cache.Add(storage.Prefix(options.Namespace)+key, item)
	s.mu.Unlock()
	return nil
}

// Delete implements storage.Storage.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	options := storage.Apply(opts...)
	if options.TTL != nil {
		return storage.ErrInvalidOptions
	}
	prefix := storage.Prefix(options.Namespace)

	s.mu.Lock()
	defer s.mu.Unlock()
	if options.Key != nil {
		s.cache.Remove(prefix + *options.Key)
		return nil
	}
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.cache.Remove(k)
		}
	}
	return nil
}

// Close stops the sweeper and drops all records.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		s.cache.Purge()
		s.mu.Unlock()
	})
	return nil
}

func (s *Storage) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		now := s.now()
		for _, k := range s.cache.Keys() {
			if item, ok := s.cache.Peek(k); ok && item.IsExpired(now) {
				s.cache.Remove(k)
			}
		}
		s.mu.Unlock()
	}
}

func clone(it *storage.Item) *storage.Item {
	out := &storage.Item{Data: append([]byte(nil), it.Data...), CreatedAt: it.CreatedAt}
	if it.ExpiresAt != nil {
		exp := *it.ExpiresAt
		out.ExpiresAt = &exp
	}
	return out
}

var _ storage.Storage = (*Storage)(nil)
