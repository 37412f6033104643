// Package memory is a storage.Storage bounded by a least-recently-used cache
// from github.com/hashicorp/golang-lru/v2. Records live in one process only.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/policyhost/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSweepInterval is how often expired records are evicted.
const DefaultSweepInterval = time.Minute

// sep cannot appear in bucket names chosen by this module.
const sep = "\x00"

// Storage holds records in an LRU cache. The least recently used record is
// evicted once the cache is full, live or not.
type Storage struct {
	// The cache is itself synchronized; mu keeps bucket scans and sweeps
	// consistent with writes.
	mu     sync.Mutex
	cache  *lru.Cache[string, storage.Record]
	now    func() time.Time
	done   chan struct{}
	closed sync.Once
}

// New returns a Storage holding at most capacity records.
func New(capacity int) (*Storage, error) {
	return NewWithSweep(capacity, DefaultSweepInterval)
}

// NewWithSweep is New with a custom expiry sweep interval.
func NewWithSweep(capacity int, every time.Duration) (*Storage, error) {
	cache, err := lru.New[string, storage.Record](capacity)
	if err != nil {
		return nil, fmt.Errorf("memory storage: %w", err)
	}
	if every <= 0 {
		every = DefaultSweepInterval
	}
	s := &Storage{cache: cache, now: time.Now, done: make(chan struct{})}
	go s.sweepEvery(every)
	return s, nil
}

func (s *Storage) Load(ctx context.Context, bucket, key string) (*storage.Record, error) {
	if bucket == "" {
		return nil, storage.ErrNoBucket
	}
	id := bucket + sep + key
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cache.Get(id)
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !rec.Live(s.now()) {
		s.cache.Remove(id)
		return nil, storage.ErrNotFound
	}
	rec.Value = append([]byte(nil), rec.Value...)
	return &rec, nil
}

func (s *Storage) Store(ctx context.Context, bucket, key string, value []byte, ttl time.Duration) error {
	_, err := s.write(bucket, key, value, ttl, false, 0)
	return err
}

func (s *Storage) Swap(ctx context.Context, bucket, key string, value []byte, ttl time.Duration, rev uint64) (uint64, error) {
	return s.write(bucket, key, value, ttl, true, rev)
}

func (s *Storage) write(bucket, key string, value []byte, ttl time.Duration, guarded bool, rev uint64) (uint64, error) {
	if bucket == "" {
		return 0, storage.ErrNoBucket
	}
	now := s.now()
	rec, err := storage.NewRecord(append([]byte(nil), value...), now, ttl)
	if err != nil {
		return 0, err
	}
	id := bucket + sep + key
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur uint64
	if prev, ok := s.cache.Peek(id); ok && prev.Live(now) {
		cur = prev.Revision
	}
	if guarded && cur != rev {
		return 0, storage.ErrConflict
	}
	rec.Revision = cur + 1
	s.cache.Add(id, *rec)
	return rec.Revision, nil
}

func (s *Storage) Remove(ctx context.Context, bucket string, keys ...string) error {
	if bucket == "" {
		return storage.ErrNoBucket
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(keys) > 0 {
		for _, k := range keys {
			s.cache.Remove(bucket + sep + k)
		}
		return nil
	}
	prefix := bucket + sep
	for _, id := range s.cache.Keys() {
		if strings.HasPrefix(id, prefix) {
			s.cache.Remove(id)
		}
	}
	return nil
}

// Len reports the number of records held, expired ones included.
func (s *Storage) Len() int {
	return s.cache.Len()
}

// Close stops the sweeper and drops every record.
func (s *Storage) Close() error {
	s.closed.Do(func() { close(s.done) })
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

func (s *Storage) sweepEvery(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.sweep()
		}
	}
}

func (s *Storage) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, id := range s.cache.Keys() {
		if rec, ok := s.cache.Peek(id); ok && !rec.Live(now) {
			s.cache.Remove(id)
		}
	}
}

var _ storage.Storage = (*Storage)(nil)
