// Package storagetest is a conformance suite for storage.Storage backends.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/policyhost/storage"
)

// Factory creates an empty Storage for one test.
type Factory func(t *testing.T) storage.Storage

// Run runs the suite against fresh backends from factory.
func Run(t *testing.T, factory Factory) {
	for _, tc := range []struct {
		name string
		fn   func(*testing.T, storage.Storage)
	}{
		{"StoreAndLoad", testStoreAndLoad},
		{"Missing", testMissing},
		{"Replace", testReplace},
		{"Expiry", testExpiry},
		{"ReplaceClearsDeadline", testReplaceClearsDeadline},
		{"NegativeTTL", testNegativeTTL},
		{"BucketsAreDisjoint", testBucketsAreDisjoint},
		{"RemoveKeys", testRemoveKeys},
		{"RemoveBucket", testRemoveBucket},
		{"BucketRequired", testBucketRequired},
		{"Revisions", testRevisions},
		{"SwapRequiresRevision", testSwapRequiresRevision},
		{"SwapAfterExpiry", testSwapAfterExpiry},
		{"SwapRacesHaveOneWinner", testSwapRacesHaveOneWinner},
	} {
		t.Run(tc.name, func(t *testing.T) { tc.fn(t, factory(t)) })
	}
}

func put(t *testing.T, s storage.Storage, bucket, key, value string, ttl time.Duration) {
	t.Helper()
	if err := s.Store(context.Background(), bucket, key, []byte(value), ttl); err != nil {
		t.Fatalf("Store(%s/%s): %v", bucket, key, err)
	}
}

func want(t *testing.T, s storage.Storage, bucket, key, value string) *storage.Record {
	t.Helper()
	rec, err := s.Load(context.Background(), bucket, key)
	if err != nil {
		t.Fatalf("Load(%s/%s): %v", bucket, key, err)
	}
	if string(rec.Value) != value {
		t.Fatalf("Load(%s/%s) = %q, want %q", bucket, key, rec.Value, value)
	}
	return rec
}

func gone(t *testing.T, s storage.Storage, bucket, key string) {
	t.Helper()
	if rec, err := s.Load(context.Background(), bucket, key); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Load(%s/%s) = %+v, %v; want ErrNotFound", bucket, key, rec, err)
	}
}

func testStoreAndLoad(t *testing.T, s storage.Storage) {
	before := time.Now().Add(-time.Second)
	put(t, s, "sessions", "a", "payload", 0)
	rec := want(t, s, "sessions", "a", "payload")
	if rec.Written.Before(before) {
		t.Fatalf("Written = %v, want after %v", rec.Written, before)
	}
	if !rec.Deadline.IsZero() {
		t.Fatalf("Deadline = %v, want zero", rec.Deadline)
	}
}

func testMissing(t *testing.T, s storage.Storage) {
	gone(t, s, "sessions", "nope")
}

func testReplace(t *testing.T, s storage.Storage) {
	put(t, s, "sessions", "a", "one", 0)
	put(t, s, "sessions", "a", "two", time.Hour)
	rec := want(t, s, "sessions", "a", "two")
	if rec.Deadline.IsZero() {
		t.Fatal("replacement lost its deadline")
	}
}

func testExpiry(t *testing.T, s storage.Storage) {
	put(t, s, "sessions", "short", "v", 50*time.Millisecond)
	want(t, s, "sessions", "short", "v")
	time.Sleep(100 * time.Millisecond)
	gone(t, s, "sessions", "short")
}

func testReplaceClearsDeadline(t *testing.T, s storage.Storage) {
	put(t, s, "sessions", "a", "v", 50*time.Millisecond)
	put(t, s, "sessions", "a", "forever", 0)
	time.Sleep(100 * time.Millisecond)
	want(t, s, "sessions", "a", "forever")
}

func testNegativeTTL(t *testing.T, s storage.Storage) {
	err := s.Store(context.Background(), "sessions", "a", []byte("v"), -time.Second)
	if !errors.Is(err, storage.ErrBadTTL) {
		t.Fatalf("err = %v, want ErrBadTTL", err)
	}
}

func testBucketsAreDisjoint(t *testing.T, s storage.Storage) {
	put(t, s, "sessions", "k", "s", 0)
	put(t, s, "sessions:x", "k", "x", 0)
	put(t, s, "sessions", "x:k", "nested", 0)
	want(t, s, "sessions", "k", "s")
	want(t, s, "sessions:x", "k", "x")
	want(t, s, "sessions", "x:k", "nested")
	gone(t, s, "other", "k")
}

func testRemoveKeys(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	put(t, s, "sessions", "a", "1", 0)
	put(t, s, "sessions", "b", "2", 0)
	put(t, s, "sessions", "c", "3", 0)
	if err := s.Remove(ctx, "sessions", "a", "b", "missing"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	gone(t, s, "sessions", "a")
	gone(t, s, "sessions", "b")
	want(t, s, "sessions", "c", "3")
}

func testRemoveBucket(t *testing.T, s storage.Storage) {
	put(t, s, "sessions", "a", "1", 0)
	put(t, s, "sessions", "b", "2", time.Hour)
	put(t, s, "sessions-old", "a", "keep", 0)
	if err := s.Remove(context.Background(), "sessions"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	gone(t, s, "sessions", "a")
	gone(t, s, "sessions", "b")
	want(t, s, "sessions-old", "a", "keep")
}

func testBucketRequired(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Store(ctx, "", "a", nil, 0); !errors.Is(err, storage.ErrNoBucket) {
		t.Fatalf("Store err = %v", err)
	}
	if _, err := s.Load(ctx, "", "a"); !errors.Is(err, storage.ErrNoBucket) {
		t.Fatalf("Load err = %v", err)
	}
	if err := s.Remove(ctx, ""); !errors.Is(err, storage.ErrNoBucket) {
		t.Fatalf("Remove err = %v", err)
	}
}

func testRevisions(t *testing.T, s storage.Storage) {
	put(t, s, "sessions", "a", "one", 0)
	if rec := want(t, s, "sessions", "a", "one"); rec.Revision != 1 {
		t.Fatalf("Revision = %d, want 1", rec.Revision)
	}
	put(t, s, "sessions", "a", "two", 0)
	if rec := want(t, s, "sessions", "a", "two"); rec.Revision != 2 {
		t.Fatalf("Revision = %d, want 2", rec.Revision)
	}
	rev, err := s.Swap(context.Background(), "sessions", "a", []byte("three"), 0, 2)
	if err != nil || rev != 3 {
		t.Fatalf("Swap = %d, %v; want 3", rev, err)
	}
	if rec := want(t, s, "sessions", "a", "three"); rec.Revision != 3 {
		t.Fatalf("Revision = %d, want 3", rec.Revision)
	}
}

func testSwapRequiresRevision(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	for _, tc := range []struct {
		name string
		rev  uint64
	}{
		{"stale", 1},
		{"ahead", 5},
		{"absent", 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			put(t, s, "sessions", tc.name, "first", 0)
			put(t, s, "sessions", tc.name, "second", 0)
			if _, err := s.Swap(ctx, "sessions", tc.name, []byte("lost"), 0, tc.rev); !errors.Is(err, storage.ErrConflict) {
				t.Fatalf("Swap(rev %d) err = %v, want ErrConflict", tc.rev, err)
			}
			want(t, s, "sessions", tc.name, "second")
		})
	}
	if _, err := s.Swap(ctx, "sessions", "fresh", []byte("v"), 0, 1); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("Swap on missing key with rev 1 err = %v, want ErrConflict", err)
	}
	gone(t, s, "sessions", "fresh")
	if rev, err := s.Swap(ctx, "sessions", "fresh", []byte("v"), 0, 0); err != nil || rev != 1 {
		t.Fatalf("Swap create = %d, %v; want 1", rev, err)
	}
}

func testSwapAfterExpiry(t *testing.T, s storage.Storage) {
	put(t, s, "sessions", "a", "v", 50*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	rev, err := s.Swap(context.Background(), "sessions", "a", []byte("new"), 0, 0)
	if err != nil || rev != 1 {
		t.Fatalf("Swap over expired record = %d, %v; want 1", rev, err)
	}
	want(t, s, "sessions", "a", "new")
}

func testSwapRacesHaveOneWinner(t *testing.T, s storage.Storage) {
	put(t, s, "sessions", "a", "start", 0)
	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		won  []string
		errs []error
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := fmt.Sprintf("writer-%d", i)
			_, err := s.Swap(context.Background(), "sessions", "a", []byte(v), 0, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won = append(won, v)
			case !errors.Is(err, storage.ErrConflict):
				errs = append(errs, err)
			}
		}(i)
	}
	wg.Wait()
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(won) != 1 {
		t.Fatalf("winners = %v, want exactly one", won)
	}
	if rec := want(t, s, "sessions", "a", won[0]); rec.Revision != 2 {
		t.Fatalf("Revision = %d, want 2", rec.Revision)
	}
}
