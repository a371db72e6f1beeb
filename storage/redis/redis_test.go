package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/careprep/careprep-go/storage"
	"github.com/careprep/careprep-go/storage/storagetest"
	"github.com/redis/go-redis/v9"
)

func TestRedisStorage(t *testing.T) {
	storagetest.RunStorageTests(t, func(t *testing.T) storage.Storage {
		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis run failed: %v", err)
		}
		t.Cleanup(mr.Close)

		s, err := New(Config{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestNew_RequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without client")
	}
}
