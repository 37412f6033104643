// Package store defines the persistence collaborator of the dispatch engine:
// the authoritative list of configured modules per kind, and the append-only
// log of module error records.
//
// Implementations live in subpackages: memstore (in-process), redisstore
// (shared across nodes) and filestore (YAML definitions on disk).
package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ggoodman/policyhost/module"
)

// ErrNotFound is returned when a module does not exist.
var ErrNotFound = errors.New("store: module not found")

// Source lists the configured modules of a kind.
type Source interface {
	// ListModules returns the modules of kind, disabled ones included, ordered
	// by ID. The order is the authoritative list order.
	ListModules(ctx context.Context, kind module.Kind) ([]module.Source, error)
}

// ErrorLog is the append-only log of module error records.
type ErrorLog interface {
	WriteScriptError(ctx context.Context, moduleID string, rec module.ErrorRecord) error
	// ScriptErrors returns the retained records of a module, oldest first.
	ScriptErrors(ctx context.Context, moduleID string) ([]module.ErrorRecord, error)
}

// Catalog is a writable module store.
type Catalog interface {
	Source
	ErrorLog

	// PutModule creates or replaces a module.
	PutModule(ctx context.Context, src module.Source) error
	// DeleteModule removes a module; ErrNotFound if it does not exist.
	DeleteModule(ctx context.Context, kind module.Kind, id string) error
	// Close releases resources.
	Close() error
}

// DefaultErrorHistory is how many error records are kept per module when a
// backend is not configured otherwise.
const DefaultErrorHistory = 50

// Validate checks the fields every backend requires of a module.
func Validate(src module.Source) error {
	if src.ID == "" {
		return errors.New("store: module id is required")
	}
	if src.Name == "" {
		return fmt.Errorf("store: module %q has no name", src.ID)
	}
	if _, err := module.ParseKind(string(src.Kind)); err != nil {
		return fmt.Errorf("store: module %q: %w", src.ID, err)
	}
	return nil
}

// SortByID orders sources by ID, the authoritative order of every backend.
func SortByID(sources []module.Source) {
	slices.SortFunc(sources, func(a, b module.Source) int {
		return cmp.Compare(a.ID, b.ID)
	})
}
