package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/policyhost/storage"
	"github.com/ggoodman/policyhost/storage/storagetest"
	"github.com/redis/go-redis/v9"
)

func newStorage(t *testing.T) (*Storage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s, err := New(Config{Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, mr
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		s, _ := newStorage(t)
		return s
	})
}

func TestRecordsCarryRedisExpiry(t *testing.T) {
	s, mr := newStorage(t)
	ctx := context.Background()
	if err := s.Store(ctx, "sessions", "k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	const key = DefaultKeyPrefix + "{sessions}:k"
	if got := mr.HGet(key, fieldValue); got != "v" {
		t.Fatalf("HGET %s v = %q", key, got)
	}
	if ttl := mr.TTL(key); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("TTL(%s) = %v", key, ttl)
	}
	mr.FastForward(2 * time.Minute)
	if mr.Exists(key) {
		t.Fatal("key outlived its deadline")
	}

	if err := s.Store(ctx, "sessions", "k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL(key); ttl != 0 {
		t.Fatalf("TTL of a permanent record = %v", ttl)
	}
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without client")
	}
}
