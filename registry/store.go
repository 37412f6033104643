package registry

import (
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/policyhost/module"
)

// Store publishes the current Snapshot of every kind. Reads are a single
// atomic load; publishes copy the kind map and swap it, excluding only other
// publishers.
type Store struct {
	current atomic.Pointer[map[module.Kind]*Snapshot]
	mu      sync.Mutex
}

// NewStore returns a Store where every kind resolves to an empty snapshot
// until something is published.
func NewStore() *Store {
	s := &Store{}
	m := map[module.Kind]*Snapshot{}
	s.current.Store(&m)
	return s
}

// Current returns the published snapshot of kind. It never returns nil.
func (s *Store) Current(kind module.Kind) *Snapshot {
	if snap, ok := (*s.current.Load())[kind]; ok {
		return snap
	}
	return Empty(kind)
}

// Generation returns the generation of the published snapshot of kind.
func (s *Store) Generation(kind module.Kind) uint64 {
	if snap, ok := (*s.current.Load())[kind]; ok {
		return snap.generation
	}
	return 0
}

// Publish makes snap the current snapshot of its kind. A snapshot older than
// the one already published is rejected, so a slow reload can never roll the
// registry back.
func (s *Store) Publish(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("registry: cannot publish nil snapshot")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	old := *s.current.Load()
	if prev, ok := old[snap.kind]; ok && prev.generation >= snap.generation {
		return fmt.Errorf("registry: stale %s snapshot generation %d (current %d)", snap.kind, snap.generation, prev.generation)
	}
	next := maps.Clone(old)
	next[snap.kind] = snap
	s.current.Store(&next)
	return nil
}

// Kinds lists the kinds that have a published snapshot.
func (s *Store) Kinds() []module.Kind {
	m := *s.current.Load()
	out := make([]module.Kind, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
