// Package selection resolves external request tokens (ACR values, aliases,
// owner references) to modules of a registry snapshot.
//
// Every function is pure over the snapshot it is given: no I/O, no mutation,
// safe for concurrent use without synchronization.
package selection

import (
	"strings"

	"github.com/ggoodman/policyhost/module"
	"github.com/ggoodman/policyhost/registry"
)

// Normalize is the key form tokens are matched in.
func Normalize(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}

// ByToken resolves a case-insensitive name or alias. Aliases are consulted
// first; otherwise the token is treated as a canonical name.
func ByToken(s *registry.Snapshot, token string) *module.Descriptor {
	key := Normalize(token)
	if key == "" {
		return nil
	}
	if canonical, ok := s.Alias(key); ok {
		key = canonical
	}
	d, _ := s.ByName(key)
	return d
}

// ByTokens returns the first module resolvable from tokens, honoring the
// order of preference (as in a space-separated acr_values parameter).
func ByTokens(s *registry.Snapshot, tokens []string) *module.Descriptor {
	for _, tok := range tokens {
		if d := ByToken(s, tok); d != nil {
			return d
		}
	}
	return nil
}

// Default returns the module with the highest level among those usable for
// usage, where an empty usage means interactive. Usage is ignored for kinds
// other than authentication. Ties go to the lexicographically smaller
// lowercased name, then the smaller ID.
func Default(s *registry.Snapshot, usage module.UsageType) *module.Descriptor {
	candidates := s.Descriptors()
	if s.Kind() == module.KindAuthentication {
		candidates = s.ByUsage(usage.OrDefault())
	}
	var best *module.Descriptor
	for _, d := range candidates {
		if best == nil || outranks(d, best) {
			best = d
		}
	}
	return best
}

func outranks(d, best *module.Descriptor) bool {
	if d.Level != best.Level {
		return d.Level > best.Level
	}
	if dn, bn := d.LowerName(), best.LowerName(); dn != bn {
		return dn < bn
	}
	return d.ID < best.ID
}

// ByOwner returns the modules an owner references, in reference order.
// References to modules absent from the snapshot are dropped.
func ByOwner(s *registry.Snapshot, owner string) []*module.Descriptor {
	if owner == "" {
		return nil
	}
	return s.ByOwner(owner)
}

// HighestPriority returns the candidate with the numerically highest level.
// On ties the last one wins. It returns nil for an empty list.
func HighestPriority(candidates []*module.Descriptor) *module.Descriptor {
	var best *module.Descriptor
	for _, d := range candidates {
		if d == nil {
			continue
		}
		if best == nil || d.Level >= best.Level {
			best = d
		}
	}
	return best
}

// Levels maps the lowercased name of every module to its level, the shape
// transports advertise as acr-to-level mappings.
func Levels(s *registry.Snapshot) map[string]int {
	out := make(map[string]int, s.Len())
	for _, d := range s.Descriptors() {
		out[d.LowerName()] = d.Level
	}
	return out
}

// AtLeast returns the modules usable for usage whose level is at least min,
// strongest first. An empty usage means interactive.
func AtLeast(s *registry.Snapshot, usage module.UsageType, min int) []*module.Descriptor {
	usage = usage.OrDefault()
	var out []*module.Descriptor
	for _, d := range s.ByLevel() {
		if d.Level < min {
			break
		}
		if s.Kind() == module.KindAuthentication && !d.UsageType.Matches(usage) {
			continue
		}
		out = append(out, d)
	}
	return out
}
