package redisstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/policyhost/module"
	"github.com/ggoodman/policyhost/store"
	"github.com/ggoodman/policyhost/store/storetest"
	"github.com/redis/go-redis/v9"
)

func newStore(t *testing.T, history int) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New(Config{
		Client:       redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		KeyPrefix:    "test:",
		ErrorHistory: history,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore(t *testing.T) {
	storetest.RunCatalogTests(t, func(t *testing.T) store.Catalog {
		s, _ := newStore(t, 10)
		return s
	}, storetest.Options{ErrorHistory: 10})
}

func TestRedisStoreKeyLayout(t *testing.T) {
	s, mr := newStore(t, 0)
	ctx := context.Background()
	if err := s.PutModule(ctx, storetest.Sample(module.KindAuthentication, "otp", 20)); err != nil {
		t.Fatalf("PutModule: %v", err)
	}
	if !mr.Exists("test:modules:authentication") {
		t.Fatalf("expected module hash, keys = %v", mr.Keys())
	}
	if err := s.WriteScriptError(ctx, "authentication:otp", module.ErrorRecord{Operation: "Authenticate"}); err != nil {
		t.Fatalf("WriteScriptError: %v", err)
	}
	if !mr.Exists("test:errors:authentication:otp") {
		t.Fatalf("expected error list, keys = %v", mr.Keys())
	}
}

func TestRedisStoreUnavailable(t *testing.T) {
	s, mr := newStore(t, 0)
	mr.Close()
	if _, err := s.ListModules(context.Background(), module.KindAuthentication); err == nil {
		t.Fatal("expected error when redis is down")
	}
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without client")
	}
}
