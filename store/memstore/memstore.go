// Package memstore is an in-process store.Catalog. Error history is kept in
// an LRU bounded by the number of modules tracked, each module retaining its
// most recent records.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ggoodman/policyhost/module"
	"github.com/ggoodman/policyhost/store"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config configures a Store.
type Config struct {
	// MaxModules bounds how many modules have error history retained.
	// Default: 1024.
	MaxModules int
	// ErrorHistory bounds the records kept per module.
	// Default: store.DefaultErrorHistory.
	ErrorHistory int
}

// Store implements store.Catalog in memory.
type Store struct {
	mu      sync.RWMutex
	modules map[module.Kind]map[string]module.Source

	errMu   sync.Mutex
	errors  *lru.Cache[string, []module.ErrorRecord]
	history int
}

// New returns an empty Store.
func New(cfg Config) (*Store, error) {
	if cfg.MaxModules <= 0 {
		cfg.MaxModules = 1024
	}
	if cfg.ErrorHistory <= 0 {
		cfg.ErrorHistory = store.DefaultErrorHistory
	}
	cache, err := lru.New[string, []module.ErrorRecord](cfg.MaxModules)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Store{
		modules: make(map[module.Kind]map[string]module.Source),
		errors:  cache,
		history: cfg.ErrorHistory,
	}, nil
}

func (s *Store) ListModules(ctx context.Context, kind module.Kind) ([]module.Source, error) {
	s.mu.RLock()
	out := make([]module.Source, 0, len(s.modules[kind]))
	for _, src := range s.modules[kind] {
		out = append(out, clone(src))
	}
	s.mu.RUnlock()
	store.SortByID(out)
	return out, nil
}

func (s *Store) PutModule(ctx context.Context, src module.Source) error {
	if err := store.Validate(src); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.modules[src.Kind]
	if !ok {
		byID = make(map[string]module.Source)
		s.modules[src.Kind] = byID
	}
	byID[src.ID] = clone(src)
	return nil
}

func (s *Store) DeleteModule(ctx context.Context, kind module.Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modules[kind][id]; !ok {
		return fmt.Errorf("%w: %s/%s", store.ErrNotFound, kind, id)
	}
	delete(s.modules[kind], id)
	return nil
}

func (s *Store) WriteScriptError(ctx context.Context, moduleID string, rec module.ErrorRecord) error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	recs, _ := s.errors.Get(moduleID)
	recs = append(slices.Clone(recs), rec)
	if len(recs) > s.history {
		recs = recs[len(recs)-s.history:]
	}
	s.errors.Add(moduleID, recs)
	return nil
}

func (s *Store) ScriptErrors(ctx context.Context, moduleID string) ([]module.ErrorRecord, error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	recs, _ := s.errors.Get(moduleID)
	return slices.Clone(recs), nil
}

func (s *Store) Close() error { return nil }

func clone(src module.Source) module.Source {
	src.Aliases = slices.Clone(src.Aliases)
	src.Owners = slices.Clone(src.Owners)
	src.Attributes = maps.Clone(src.Attributes)
	return src
}

var _ store.Catalog = (*Store)(nil)
