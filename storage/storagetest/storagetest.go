// Package storagetest is a conformance suite shared by every storage.Storage
// implementation.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/careprep/careprep-go/storage"
)

// StorageFactory creates a fresh, empty store for a single test.
type StorageFactory func(t *testing.T) storage.Storage

// RunStorageTests runs the complete storage test suite against factory.
func RunStorageTests(t *testing.T, factory StorageFactory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory(t)) })
	t.Run("CreatedAtAssignedByStore", func(t *testing.T) { testCreatedAt(t, factory(t)) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, factory(t)) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory(t)) })
	t.Run("Namespaces", func(t *testing.T) { testNamespaces(t, factory(t)) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, factory(t)) })
	t.Run("DeleteNamespace", func(t *testing.T) { testDeleteNamespace(t, factory(t)) })
	t.Run("InvalidOptions", func(t *testing.T) { testInvalidOptions(t, factory(t)) })
}

func testSetAndGet(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	item, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item == nil {
		t.Fatal("expected item, got nil")
	}
	if string(item.Data) != "v" {
		t.Errorf("expected data v, got %s", item.Data)
	}
	if item.ExpiresAt != nil {
		t.Error("ExpiresAt should be nil without TTL")
	}
}

func testGetMissing(t *testing.T, s storage.Storage) {
	item, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil item, got %+v", item)
	}
}

func testCreatedAt(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Set(ctx, "stamped", []byte("x"), storage.WithCollection("users")); err != nil {
		t.Fatalf("set: %v", err)
	}
	item, err := s.Get(ctx, "stamped", storage.WithCollection("users"))
	if err != nil || item == nil {
		t.Fatalf("get: %v %v", item, err)
	}
	if item.CreatedAt.IsZero() {
		t.Fatal("CreatedAt should be assigned by the store")
	}
}

func testOverwrite(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("one")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "k", []byte("two")); err != nil {
		t.Fatalf("set: %v", err)
	}
	item, err := s.Get(ctx, "k")
	if err != nil || item == nil {
		t.Fatalf("get: %v %v", item, err)
	}
	if string(item.Data) != "two" {
		t.Fatalf("expected two, got %s", item.Data)
	}
}

func testTTL(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Set(ctx, "ttl", []byte("x"), storage.WithTTL(time.Hour)); err != nil {
		t.Fatalf("set: %v", err)
	}
	item, err := s.Get(ctx, "ttl")
	if err != nil || item == nil {
		t.Fatalf("get: %v %v", item, err)
	}
	if item.ExpiresAt == nil {
		t.Fatal("expected ExpiresAt with TTL")
	}
	if !item.ExpiresAt.After(item.CreatedAt) {
		t.Fatalf("ExpiresAt %v not after CreatedAt %v", item.ExpiresAt, item.CreatedAt)
	}
}

func testNamespaces(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	sets := []struct {
		opts []storage.Option
		val  string
	}{
		{nil, "global"},
		{[]storage.Option{storage.WithCollection("users")}, "users"},
		{[]storage.Option{storage.WithUser("u1")}, "u1"},
		{[]storage.Option{storage.WithUser("u2")}, "u2"},
	}
	for _, tc := range sets {
		if err := s.Set(ctx, "same", []byte(tc.val), tc.opts...); err != nil {
			t.Fatalf("set %s: %v", tc.val, err)
		}
	}
	for _, tc := range sets {
		item, err := s.Get(ctx, "same", tc.opts...)
		if err != nil || item == nil {
			t.Fatalf("get %s: %v %v", tc.val, item, err)
		}
		if string(item.Data) != tc.val {
			t.Errorf("namespace %s: got %s", tc.val, item.Data)
		}
	}
}

func testDeleteKey(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	_ = s.Set(ctx, "a", []byte("1"), storage.WithUser("u"))
	_ = s.Set(ctx, "b", []byte("2"), storage.WithUser("u"))
	if err := s.Delete(ctx, storage.WithUser("u"), storage.WithKey("a")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if item, _ := s.Get(ctx, "a", storage.WithUser("u")); item != nil {
		t.Error("a should be deleted")
	}
	if item, _ := s.Get(ctx, "b", storage.WithUser("u")); item == nil {
		t.Error("b should remain")
	}
}

func testDeleteNamespace(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	_ = s.Set(ctx, "a", []byte("1"), storage.WithUser("gone"))
	_ = s.Set(ctx, "b", []byte("2"), storage.WithUser("gone"))
	_ = s.Set(ctx, "a", []byte("3"), storage.WithUser("kept"))
	if err := s.Delete(ctx, storage.WithUser("gone")); err != nil {
		t.Fatalf("delete namespace: %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if item, _ := s.Get(ctx, k, storage.WithUser("gone")); item != nil {
			t.Errorf("%s should be deleted", k)
		}
	}
	if item, _ := s.Get(ctx, "a", storage.WithUser("kept")); item == nil {
		t.Error("other namespace should remain")
	}
}

func testInvalidOptions(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("v"), storage.WithKey("other")); !errors.Is(err, storage.ErrInvalidOptions) {
		t.Fatalf("expected ErrInvalidOptions from Set, got %v", err)
	}
	if err := s.Delete(ctx, storage.WithTTL(time.Second)); !errors.Is(err, storage.ErrInvalidOptions) {
		t.Fatalf("expected ErrInvalidOptions from Delete, got %v", err)
	}
}
