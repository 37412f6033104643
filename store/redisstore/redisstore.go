// Package redisstore is a store.Catalog shared by every node of a cluster.
//
// Modules of a kind live in one hash keyed by module id, so a listing is a
// single HGETALL. Error records are capped lists.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/policyhost/module"
	"github.com/ggoodman/policyhost/store"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis store
type Config struct {
	// Client is the Redis client instance
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys
	// Default: "policyhost:"
	KeyPrefix string

	// ErrorHistory bounds the records kept per module
	// Default: store.DefaultErrorHistory
	ErrorHistory int
}

// Store implements store.Catalog using Redis
type Store struct {
	client    *redis.Client
	keyPrefix string
	history   int64
}

// New creates a new Redis-backed catalog.
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "policyhost:"
	}
	if config.ErrorHistory <= 0 {
		config.ErrorHistory = store.DefaultErrorHistory
	}
	return &Store{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
		history:   int64(config.ErrorHistory),
	}, nil
}

func (s *Store) modulesKey(kind module.Kind) string {
	return s.keyPrefix + "modules:" + string(kind)
}

func (s *Store) errorsKey(moduleID string) string {
	return s.keyPrefix + "errors:" + moduleID
}

// ListModules returns every module of kind, ordered by ID.
func (s *Store) ListModules(ctx context.Context, kind module.Kind) ([]module.Source, error) {
	raw, err := s.client.HGetAll(ctx, s.modulesKey(kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s modules: %w", kind, err)
	}
	out := make([]module.Source, 0, len(raw))
	for id, data := range raw {
		var src module.Source
		if err := json.Unmarshal([]byte(data), &src); err != nil {
			return nil, fmt.Errorf("failed to unmarshal module %s: %w", id, err)
		}
		out = append(out, src)
	}
	store.SortByID(out)
	return out, nil
}

// PutModule creates or replaces a module.
func (s *Store) PutModule(ctx context.Context, src module.Source) error {
	if err := store.Validate(src); err != nil {
		return err
	}
	data, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("failed to marshal module %s: %w", src.ID, err)
	}
	if err := s.client.HSet(ctx, s.modulesKey(src.Kind), src.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to store module %s: %w", src.ID, err)
	}
	return nil
}

// DeleteModule removes a module.
func (s *Store) DeleteModule(ctx context.Context, kind module.Kind, id string) error {
	n, err := s.client.HDel(ctx, s.modulesKey(kind), id).Result()
	if err != nil {
		return fmt.Errorf("failed to delete module %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", store.ErrNotFound, kind, id)
	}
	return nil
}

// WriteScriptError appends rec and trims the module's history.
func (s *Store) WriteScriptError(ctx context.Context, moduleID string, rec module.ErrorRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal error record: %w", err)
	}
	key := s.errorsKey(moduleID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, -s.history, -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append error record for %s: %w", moduleID, err)
	}
	return nil
}

// ScriptErrors returns the retained records of a module, oldest first.
func (s *Store) ScriptErrors(ctx context.Context, moduleID string) ([]module.ErrorRecord, error) {
	raw, err := s.client.LRange(ctx, s.errorsKey(moduleID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read error records for %s: %w", moduleID, err)
	}
	out := make([]module.ErrorRecord, 0, len(raw))
	for _, data := range raw {
		var rec module.ErrorRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Compile-time interface check
var _ store.Catalog = (*Store)(nil)
