package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/ggoodman/policyhost/module"
)

// ErrSessionNotFound is returned by a SessionStore for unknown or expired
// sessions.
var ErrSessionNotFound = errors.New("workflow: session not found")

// ErrSessionConflict is returned by a SessionStore when the stored session
// is no longer at the version being saved over.
var ErrSessionConflict = errors.New("workflow: session version conflict")

// SessionStore persists sessions between the requests of a workflow.
type SessionStore interface {
	// Load returns the session with id, or ErrSessionNotFound.
	Load(ctx context.Context, id string) (*Session, error)
	// Save stores s if the stored session is still at s.Version, or absent
	// when s.Version is zero, and then sets s.Version to the new version.
	// Otherwise it returns ErrSessionConflict and stores nothing.
	Save(ctx context.Context, s *Session) error
	// Delete removes the session. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error
}

// Service couples an Executor with a SessionStore so transports can drive a
// workflow by session id.
type Service struct {
	exec  *Executor
	store SessionStore
}

// NewService returns a Service.
func NewService(exec *Executor, store SessionStore) (*Service, error) {
	if exec == nil {
		return nil, errors.New("workflow: executor is required")
	}
	if store == nil {
		return nil, errors.New("workflow: session store is required")
	}
	return &Service{exec: exec, store: store}, nil
}

// Begin starts a workflow and persists it, including when it failed at
// selection so that the transport can still report the reason.
func (svc *Service) Begin(ctx context.Context, br BeginRequest) (*Session, error) {
	s, err := svc.exec.Begin(ctx, br)
	if s == nil {
		return nil, err
	}
	if serr := svc.store.Save(ctx, s); serr != nil {
		return nil, fmt.Errorf("workflow: save session: %w", serr)
	}
	return s, err
}

// Advance loads the session, runs one step and saves the outcome. When
// another request saved the session in the meantime, nothing is saved and
// a *module.ProtocolViolationError wrapping module.ErrSessionConflict is
// returned; the outcome that committed first stands.
func (svc *Service) Advance(ctx context.Context, id string, params url.Values) (*StepResult, error) {
	s, err := svc.load(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := svc.exec.Advance(ctx, s, params)
	if res == nil {
		return nil, err
	}
	if serr := svc.store.Save(ctx, s); serr != nil {
		if errors.Is(serr, ErrSessionConflict) {
			return nil, &module.ProtocolViolationError{SessionID: id, Cause: module.ErrSessionConflict}
		}
		return nil, fmt.Errorf("workflow: save session: %w", serr)
	}
	return res, err
}

// Artifacts reports the artifacts of the step the session is waiting on.
func (svc *Service) Artifacts(ctx context.Context, id string, params url.Values) (*Artifacts, error) {
	s, err := svc.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return svc.exec.Artifacts(ctx, s, params)
}

// Session returns a copy of the stored session.
func (svc *Service) Session(ctx context.Context, id string) (*Session, error) {
	return svc.load(ctx, id)
}

// End discards the session.
func (svc *Service) End(ctx context.Context, id string) error {
	return svc.store.Delete(ctx, id)
}

func (svc *Service) load(ctx context.Context, id string) (*Session, error) {
	s, err := svc.store.Load(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, &module.ProtocolViolationError{SessionID: id, Cause: module.ErrUnknownSession}
	}
	if err != nil {
		return nil, fmt.Errorf("workflow: load session: %w", err)
	}
	return s, nil
}
