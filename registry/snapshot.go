// Package registry holds immutable, fully indexed snapshots of the modules
// loaded for one extension-point kind, and a Store publishing the current
// snapshot of every kind through a single atomic pointer.
package registry

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ggoodman/policyhost/module"
	"github.com/google/uuid"
)

// Snapshot is the ModuleRegistry of one kind at one point in time. Every
// index is derived from descriptors at Build time; a Snapshot is never
// mutated after Build returns.
type Snapshot struct {
	id         string
	kind       module.Kind
	generation uint64
	builtAt    time.Time

	descriptors []*module.Descriptor
	byID        map[string]*module.Descriptor
	byName      map[string]*module.Descriptor
	aliases     map[string]string
	byUsage     map[module.UsageType][]*module.Descriptor
	byLevel     []*module.Descriptor
	byOwner     map[string][]*module.Descriptor
	internal    *module.Descriptor
}

// Empty returns the generation-0 snapshot of kind.
func Empty(kind module.Kind) *Snapshot {
	s, _ := Build(kind, 0, nil)
	return s
}

type ownedEntry struct {
	pos   int
	order int
	desc  *module.Descriptor
}

// Build validates descriptors and computes every index. Descriptor order is
// the authoritative list order used for tie-breaks. owners maps owner keys to
// the references found in the persisted sources (see module.OwnerReference);
// pass nil when the kind has no owner-driven selection.
func Build(kind module.Kind, generation uint64, descriptors []*module.Descriptor, owners ...OwnerIndex) (*Snapshot, error) {
	s := &Snapshot{
		id:          uuid.NewString(),
		kind:        kind,
		generation:  generation,
		builtAt:     time.Now(),
		descriptors: slices.Clone(descriptors),
		byID:        make(map[string]*module.Descriptor, len(descriptors)),
		byName:      make(map[string]*module.Descriptor, len(descriptors)),
		aliases:     make(map[string]string),
		byUsage:     make(map[module.UsageType][]*module.Descriptor),
		byOwner:     make(map[string][]*module.Descriptor),
	}

	for _, d := range s.descriptors {
		if d == nil {
			return nil, fmt.Errorf("registry: nil descriptor")
		}
		if d.Kind != kind {
			return nil, fmt.Errorf("registry: module %q has kind %s, want %s", d.Name, d.Kind, kind)
		}
		if d.ID == "" {
			return nil, fmt.Errorf("registry: module %q has no id", d.Name)
		}
		if d.Name == "" {
			return nil, fmt.Errorf("registry: module %q has no name", d.ID)
		}
		if _, dup := s.byID[d.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate module id %q", d.ID)
		}
		lower := d.LowerName()
		if prev, dup := s.byName[lower]; dup {
			return nil, fmt.Errorf("registry: modules %q and %q share the name %q", prev.ID, d.ID, d.Name)
		}
		if d.Internal {
			if s.internal != nil {
				return nil, fmt.Errorf("registry: more than one internal %s module (%q, %q)", kind, s.internal.Name, d.Name)
			}
			s.internal = d
		}
		s.byID[d.ID] = d
		s.byName[lower] = d
	}

	// Aliases are indexed after all canonical names so that an alias can be
	// checked against every name regardless of order.
	for _, d := range s.descriptors {
		for _, a := range d.Aliases {
			la := strings.ToLower(a)
			if la == d.LowerName() {
				continue
			}
			if other, clash := s.byName[la]; clash {
				return nil, fmt.Errorf("registry: alias %q of %q collides with module name %q", a, d.Name, other.Name)
			}
			if target, clash := s.aliases[la]; clash && target != d.LowerName() {
				return nil, fmt.Errorf("registry: alias %q claimed by both %q and %q", a, s.byName[target].Name, d.Name)
			}
			s.aliases[la] = d.LowerName()
		}
	}

	if kind == module.KindAuthentication {
		for _, d := range s.descriptors {
			switch d.UsageType {
			case module.UsageBoth:
				s.byUsage[module.UsageInteractive] = append(s.byUsage[module.UsageInteractive], d)
				s.byUsage[module.UsageService] = append(s.byUsage[module.UsageService], d)
			default:
				s.byUsage[d.UsageType] = append(s.byUsage[d.UsageType], d)
			}
		}
	}

	s.byLevel = slices.Clone(s.descriptors)
	slices.SortStableFunc(s.byLevel, func(a, b *module.Descriptor) int {
		return cmp.Compare(b.Level, a.Level)
	})

	grouped := map[string][]ownedEntry{}
	order := 0
	for _, idx := range owners {
		for owner, refs := range idx {
			for _, ref := range refs {
				d, ok := s.byID[ref.ModuleID]
				if !ok {
					// Unknown references are dropped silently.
					continue
				}
				grouped[owner] = append(grouped[owner], ownedEntry{pos: ref.Position, order: order, desc: d})
				order++
			}
		}
	}
	for owner, entries := range grouped {
		slices.SortStableFunc(entries, func(a, b ownedEntry) int {
			return cmp.Or(cmp.Compare(a.pos, b.pos), cmp.Compare(a.order, b.order))
		})
		list := make([]*module.Descriptor, 0, len(entries))
		for _, e := range entries {
			if !slices.Contains(list, e.desc) {
				list = append(list, e.desc)
			}
		}
		s.byOwner[owner] = list
	}

	return s, nil
}

// OwnerRef is one module referenced by an owner at Position.
type OwnerRef struct {
	ModuleID string
	Position int
}

// OwnerIndex maps owner keys to the modules they reference.
type OwnerIndex map[string][]OwnerRef

// OwnerIndexFromSources collects the owner references declared by sources.
func OwnerIndexFromSources(sources []module.Source) OwnerIndex {
	idx := OwnerIndex{}
	for _, src := range sources {
		for _, ref := range src.Owners {
			if ref.Owner == "" {
				continue
			}
			idx[ref.Owner] = append(idx[ref.Owner], OwnerRef{ModuleID: src.ID, Position: ref.Position})
		}
	}
	return idx
}

// ID uniquely identifies this build.
func (s *Snapshot) ID() string { return s.id }

// Kind is the extension point this snapshot serves.
func (s *Snapshot) Kind() module.Kind { return s.kind }

// Generation increases by one with every published reload of the kind.
func (s *Snapshot) Generation() uint64 { return s.generation }

// BuiltAt is when Build ran.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Len is the number of modules.
func (s *Snapshot) Len() int { return len(s.descriptors) }

// Descriptors returns the modules in authoritative order.
func (s *Snapshot) Descriptors() []*module.Descriptor { return slices.Clone(s.descriptors) }

// ByID looks up a module by its stable identifier.
func (s *Snapshot) ByID(id string) (*module.Descriptor, bool) {
	d, ok := s.byID[id]
	return d, ok
}

// ByName looks up a module by its lowercased canonical name.
func (s *Snapshot) ByName(lower string) (*module.Descriptor, bool) {
	d, ok := s.byName[lower]
	return d, ok
}

// Alias resolves a lowercased alias to the lowercased canonical name.
func (s *Snapshot) Alias(lower string) (string, bool) {
	n, ok := s.aliases[lower]
	return n, ok
}

// ByUsage returns the authentication modules usable for usage, in
// authoritative order. Both-usage modules appear in each partition.
func (s *Snapshot) ByUsage(usage module.UsageType) []*module.Descriptor {
	if usage == module.UsageBoth {
		return slices.Clone(s.descriptors)
	}
	return slices.Clone(s.byUsage[usage])
}

// ByLevel returns the modules sorted by descending level.
func (s *Snapshot) ByLevel() []*module.Descriptor { return slices.Clone(s.byLevel) }

// ByOwner returns the modules referenced by owner in reference order.
func (s *Snapshot) ByOwner(owner string) []*module.Descriptor {
	return slices.Clone(s.byOwner[owner])
}

// Owners lists the owner keys with at least one resolvable reference.
func (s *Snapshot) Owners() []string {
	keys := make([]string, 0, len(s.byOwner))
	for k := range s.byOwner {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Internal returns the host fallback module, if this snapshot has one.
func (s *Snapshot) Internal() (*module.Descriptor, bool) {
	return s.internal, s.internal != nil
}

// CanonicalNames is the number of canonical (non-alias) name entries.
func (s *Snapshot) CanonicalNames() int { return len(s.byName) }

// IndexSizes reports the size of the id, level and canonical-name indices.
// They are always equal for a well-formed snapshot.
func (s *Snapshot) IndexSizes() (byID, byLevel, names int) {
	return len(s.byID), len(s.byLevel), len(s.byName)
}
