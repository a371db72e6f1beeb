package profile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/careprep/careprep-go/identity"
	"github.com/careprep/careprep-go/storage/memory"
)

func newStore(t *testing.T, now time.Time) *Store {
	t.Helper()
	st, err := memory.New(16, memory.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewStore(st)
}

func TestStore_CreateAndGet(t *testing.T) {
	serverTime := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	s := newStore(t, serverTime)
	ctx := context.Background()

	clientTime := serverTime.Add(-48 * time.Hour)
	if err := s.Create(ctx, Profile{ID: "u1", Name: "Ann", Email: "a@x.com", CreatedAt: clientTime}); err != nil {
		t.Fatalf("create: %v", err)
	}
	p, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p == nil {
		t.Fatal("expected profile")
	}
	if p.ID != "u1" || p.Name != "Ann" || p.Email != "a@x.com" {
		t.Fatalf("unexpected profile %+v", p)
	}
	if !p.CreatedAt.Equal(serverTime) {
		t.Fatalf("CreatedAt = %v, want store time %v", p.CreatedAt, serverTime)
	}
}

func TestStore_GetMissing(t *testing.T) {
	p, err := newStore(t, time.Now()).Get(context.Background(), "nobody")
	if err != nil || p != nil {
		t.Fatalf("expected (nil, nil), got (%+v, %v)", p, err)
	}
}

func TestStore_CreateRequiresID(t *testing.T) {
	err := newStore(t, time.Now()).Create(context.Background(), Profile{Name: "x"})
	if !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("expected ErrInvalidProfile, got %v", err)
	}
}

func TestDisplayLabel(t *testing.T) {
	id := &identity.Identity{ID: "u1", Email: "ann.lee@example.com", DisplayName: "Annie"}
	tests := []struct {
		name string
		id   *identity.Identity
		p    *Profile
		want string
	}{
		{"profile name wins", id, &Profile{Name: "Ann Lee"}, "Ann Lee"},
		{"display name when no profile", id, nil, "Annie"},
		{"blank profile name falls through", id, &Profile{Name: "  "}, "Annie"},
		{"email local part", &identity.Identity{Email: "ann.lee@example.com"}, nil, "ann.lee"},
		{"signed out", nil, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DisplayLabel(tt.id, tt.p); got != tt.want {
				t.Fatalf("DisplayLabel = %q, want %q", got, tt.want)
			}
		})
	}
}
