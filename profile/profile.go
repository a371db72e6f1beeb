// Package profile stores the application-level user record that CarePrep
// keeps next to the identity provider's own account: name, email and the
// creation timestamp assigned by the store on first write.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/careprep/careprep-go/identity"
	"github.com/careprep/careprep-go/storage"
)

// Collection is the storage collection holding profile records.
const Collection = "users"

// ErrInvalidProfile is returned by Create for a profile without an ID.
var ErrInvalidProfile = errors.New("profile: id is required")

// Profile is the persisted user record.
type Profile struct {
	ID        string    `json:"uid"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store reads and writes profiles.
type Store struct {
	storage storage.Storage
	log     *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// NewStore creates a Store over st.
func NewStore(st storage.Storage, opts ...Option) *Store {
	s := &Store{storage: st, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type record struct {
	ID    string `json:"uid"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Get returns the profile keyed by id, or (nil, nil) when none exists.
func (s *Store) Get(ctx context.Context, id string) (*Profile, error) {
	item, err := s.storage.Get(ctx, id, storage.WithCollection(Collection))
	if err != nil {
		return nil, fmt.Errorf("failed to read profile %s: %w", id, err)
	}
	if item == nil {
		return nil, nil
	}
	var rec record
	if err := json.Unmarshal(item.Data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode profile %s: %w", id, err)
	}
	return &Profile{ID: rec.ID, Name: rec.Name, Email: rec.Email, CreatedAt: item.CreatedAt}, nil
}

// Create writes p. CreatedAt on p is ignored; the store assigns it.
func (s *Store) Create(ctx context.Context, p Profile) error {
	if p.ID == "" {
		return ErrInvalidProfile
	}
	data, err := json.Marshal(record{ID: p.ID, Name: p.Name, Email: p.Email})
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}
	if err := s.storage.Set(ctx, p.ID, data, storage.WithCollection(Collection)); err != nil {
		return fmt.Errorf("failed to write profile %s: %w", p.ID, err)
	}
	s.log.DebugContext(ctx, "profile.create.ok", slog.String("user_id", p.ID))
	return nil
}

// DisplayLabel derives the label shown for a signed-in user: the profile
// name, else the identity's display name, else the local part of its
// email. It returns "" when id is nil.
func DisplayLabel(id *identity.Identity, p *Profile) string {
	if p != nil && strings.TrimSpace(p.Name) != "" {
		return p.Name
	}
	if id == nil {
		return ""
	}
	if strings.TrimSpace(id.DisplayName) != "" {
		return id.DisplayName
	}
	local, _, _ := strings.Cut(id.Email, "@")
	return local
}
