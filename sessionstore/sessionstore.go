// Package sessionstore persists workflow sessions in a storage.Storage and
// issues the signed handles transports give to user agents.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/policyhost/internal/handle"
	"github.com/ggoodman/policyhost/internal/logctx"
	"github.com/ggoodman/policyhost/storage"
	"github.com/ggoodman/policyhost/workflow"
)

// Bucket is the storage bucket sessions are kept in.
const Bucket = "workflow_sessions"

// DefaultTTL bounds how long an idle session survives.
const DefaultTTL = 30 * time.Minute

// ErrHandleMismatch is returned by Resolve when a handle names a session that
// does not belong to the expected kind.
var ErrHandleMismatch = errors.New("sessionstore: handle does not match session")

// Config configures a Store.
type Config struct {
	Storage storage.Storage
	// Keys signs session handles. Nil generates an ephemeral keyring, which
	// only works for a single node.
	Keys *handle.Keyring
	// TTL is refreshed on every Save. Default: DefaultTTL.
	TTL time.Duration

	LogHandler slog.Handler
}

// Store implements workflow.SessionStore.
type Store struct {
	storage storage.Storage
	keys    *handle.Keyring
	ttl     time.Duration
	log     *slog.Logger
}

// New returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Storage == nil {
		return nil, errors.New("sessionstore: storage is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Keys == nil {
		k, err := handle.Generate()
		if err != nil {
			return nil, err
		}
		cfg.Keys = k
	}
	return &Store{
		storage: cfg.Storage,
		keys:    cfg.Keys,
		ttl:     cfg.TTL,
		log:     slog.New(logctx.Wrap(cfg.LogHandler)),
	}, nil
}

func (st *Store) Load(ctx context.Context, id string) (*workflow.Session, error) {
	rec, err := st.storage.Load(ctx, Bucket, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, workflow.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessionstore: load %s: %w", id, err)
	}
	var s workflow.Session
	if err := json.Unmarshal(rec.Value, &s); err != nil {
		return nil, fmt.Errorf("sessionstore: decode %s: %w", id, err)
	}
	s.Version = rec.Revision
	return &s, nil
}

func (st *Store) Save(ctx context.Context, s *workflow.Session) error {
	if s == nil || s.ID == "" {
		return errors.New("sessionstore: session has no id")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("sessionstore: encode %s: %w", s.ID, err)
	}
	rev, err := st.storage.Swap(ctx, Bucket, s.ID, data, st.ttl, s.Version)
	if errors.Is(err, storage.ErrConflict) {
		st.log.WarnContext(ctx, "session changed concurrently", slog.String("session_id", s.ID), slog.Uint64("version", s.Version))
		return fmt.Errorf("sessionstore: store %s: %w", s.ID, workflow.ErrSessionConflict)
	}
	if err != nil {
		return fmt.Errorf("sessionstore: store %s: %w", s.ID, err)
	}
	s.Version = rev
	st.log.DebugContext(ctx, "session saved", slog.String("session_id", s.ID), slog.String("state", s.State.String()), slog.Uint64("version", rev))
	return nil
}

func (st *Store) Delete(ctx context.Context, id string) error {
	if err := st.storage.Remove(ctx, Bucket, id); err != nil {
		return fmt.Errorf("sessionstore: delete %s: %w", id, err)
	}
	return nil
}

// Handle seals the id of s into a handle valid for the store's TTL.
func (st *Store) Handle(s *workflow.Session) (string, error) {
	return st.keys.Seal(handle.Claims{
		SessionID: s.ID,
		Kind:      string(s.Kind),
		ClientID:  s.ClientID,
	}, st.ttl)
}

// Resolve verifies h and returns the session id it names. The session's kind
// must equal kind.
func (st *Store) Resolve(h string, kind string) (string, error) {
	c, err := st.keys.Open(h)
	if err != nil {
		return "", err
	}
	if c.Kind != kind {
		return "", fmt.Errorf("%w: kind %s, want %s", ErrHandleMismatch, c.Kind, kind)
	}
	return c.SessionID, nil
}

var _ workflow.SessionStore = (*Store)(nil)
