package module

import (
	"maps"
	"slices"
	"strings"
)

// Descriptor is an immutable snapshot of one configured, loaded module. The
// exported fields must not be mutated once the descriptor has been handed to
// a registry; NewDescriptor copies every slice and map it is given.
type Descriptor struct {
	ID         string
	Name       string
	Aliases    []string
	Kind       Kind
	UsageType  UsageType
	Level      int
	Enabled    bool
	APIVersion int
	Attributes map[string]string

	// Type is the binder factory key the implementation was produced by.
	Type string
	// Revision identifies the persisted source revision. Descriptors with
	// equal ID, Type and Revision may share an implementation across reloads.
	Revision string

	// Implementation is the capability handle. Its concrete interfaces
	// depend on Kind (see Authenticator, ConsentGatherer, ClaimsGatherer).
	Implementation any

	// Internal marks the host-provided fallback module.
	Internal bool
}

// NewDescriptor builds a descriptor from a persisted source and the bound
// implementation handle.
func NewDescriptor(src Source, impl any) *Descriptor {
	d := &Descriptor{
		ID:             src.ID,
		Name:           strings.TrimSpace(src.Name),
		Aliases:        normalizeAliases(src.Aliases),
		Kind:           src.Kind,
		UsageType:      src.UsageType,
		Level:          src.Level,
		Enabled:        src.Enabled,
		APIVersion:     src.APIVersion,
		Attributes:     maps.Clone(src.Attributes),
		Type:           src.Type,
		Revision:       src.Revision,
		Implementation: impl,
	}
	if d.UsageType == "" {
		d.UsageType = UsageInteractive
	}
	if d.Attributes == nil {
		d.Attributes = map[string]string{}
	}
	return d
}

// Attribute returns the configuration attribute name, or def when unset.
func (d *Descriptor) Attribute(name, def string) string {
	if v, ok := d.Attributes[name]; ok {
		return v
	}
	return def
}

// Supports reports whether the module declared an API version recent enough
// for an optional capability introduced at version min.
func (d *Descriptor) Supports(min int) bool {
	return d.APIVersion >= min
}

// LowerName is the key used by the case-insensitive name index.
func (d *Descriptor) LowerName() string {
	return strings.ToLower(d.Name)
}

func (d *Descriptor) String() string {
	return string(d.Kind) + "/" + d.Name
}

func normalizeAliases(in []string) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if slices.ContainsFunc(out, func(s string) bool { return strings.EqualFold(s, a) }) {
			continue
		}
		out = append(out, a)
	}
	return out
}
