package policyhost

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/ggoodman/policyhost/binder"
	"github.com/ggoodman/policyhost/builtin"
	"github.com/ggoodman/policyhost/internal/handle"
	"github.com/ggoodman/policyhost/internal/logctx"
	"github.com/ggoodman/policyhost/internal/metrics"
	"github.com/ggoodman/policyhost/invoke"
	"github.com/ggoodman/policyhost/module"
	"github.com/ggoodman/policyhost/registry"
	"github.com/ggoodman/policyhost/reload"
	"github.com/ggoodman/policyhost/sessionstore"
	"github.com/ggoodman/policyhost/storage"
	"github.com/ggoodman/policyhost/storage/memory"
	"github.com/ggoodman/policyhost/store"
	"github.com/ggoodman/policyhost/workflow"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultMaxSessions bounds the in-memory session storage used when
// Config.Storage is nil.
const DefaultMaxSessions = 10000

// ErrInvalidHandle is returned for session handles that are malformed,
// expired, forged or issued for another kind.
var ErrInvalidHandle = errors.New("policyhost: invalid session handle")

// Config configures a Host.
type Config struct {
	// Source lists the configured modules. Required.
	Source store.Source
	// ErrorLog receives error records of failed module calls. Optional.
	ErrorLog store.ErrorLog
	// Binder turns sources into implementations. Nil uses a binder.Registry
	// with the builtin module types.
	Binder binder.Binder
	// Kinds managed by the host. Default: module.WorkflowKinds.
	Kinds []module.Kind

	// ExternalAuthConfigured disables the internal authentication fallback.
	ExternalAuthConfigured bool
	// PasswordChecker backs the internal fallback and builtin.password
	// modules. Nil rejects every password.
	PasswordChecker builtin.PasswordChecker

	// InvokeTimeout bounds every module call. Zero disables the deadline.
	InvokeTimeout time.Duration

	// Storage keeps workflow sessions. Nil uses bounded process memory.
	Storage storage.Storage
	// SessionTTL bounds idle sessions and their handles.
	// Default: sessionstore.DefaultTTL.
	SessionTTL time.Duration
	// HandleKey signs session handles. Nodes sharing Storage must share the
	// key; nil generates one per process.
	HandleKey ed25519.PrivateKey
	// HandleKeyID names HandleKey in handle headers. Default: "default".
	HandleKeyID string

	// Registerer receives the host metrics. Optional.
	Registerer prometheus.Registerer
	LogHandler slog.Handler
}

// Host runs module workflows for an authorization server.
type Host struct {
	registry *registry.Store
	coord    *reload.Coordinator
	exec     *workflow.Executor
	service  *workflow.Service
	sessions *sessionstore.Store
	log      *slog.Logger
}

// Flow is a started workflow: the session and the handle the transport
// hands to the user agent to continue it.
type Flow struct {
	Handle  string
	Session *workflow.Session
}

// New wires a Host. It does not load any module; call Run or ReloadAll.
func New(cfg Config) (*Host, error) {
	if cfg.Source == nil {
		return nil, errors.New("policyhost: source is required")
	}

	var m *metrics.Metrics
	reg := registry.NewStore()
	if cfg.Registerer != nil {
		var err error
		if m, err = metrics.New(cfg.Registerer); err != nil {
			return nil, err
		}
		if err := cfg.Registerer.Register(metrics.NewSnapshotCollector(reg)); err != nil {
			return nil, fmt.Errorf("policyhost: register snapshot collector: %w", err)
		}
	}

	b := cfg.Binder
	if b == nil {
		r := binder.NewRegistry()
		if err := builtin.Register(r, cfg.PasswordChecker); err != nil {
			return nil, err
		}
		b = r
	}

	coord, err := reload.New(reload.Config{
		Registry:               reg,
		Source:                 cfg.Source,
		Binder:                 b,
		Kinds:                  cfg.Kinds,
		ExternalAuthConfigured: cfg.ExternalAuthConfigured,
		PasswordChecker:        cfg.PasswordChecker,
		LogHandler:             cfg.LogHandler,
		Metrics:                m,
	})
	if err != nil {
		return nil, err
	}

	invCfg := invoke.Config{LogHandler: cfg.LogHandler, Timeout: cfg.InvokeTimeout, Metrics: m}
	if cfg.ErrorLog != nil {
		invCfg.Recorder = cfg.ErrorLog
	}
	exec, err := workflow.NewExecutor(workflow.Config{
		Registry:   reg,
		Invoker:    invoke.New(invCfg),
		LogHandler: cfg.LogHandler,
		Metrics:    m,
	})
	if err != nil {
		return nil, err
	}

	st := cfg.Storage
	if st == nil {
		if st, err = memory.New(DefaultMaxSessions); err != nil {
			return nil, err
		}
	}
	var keys *handle.Keyring
	if cfg.HandleKey != nil {
		kid := cfg.HandleKeyID
		if kid == "" {
			kid = "default"
		}
		keys = handle.NewKeyring()
		keys.AddKey(kid, cfg.HandleKey)
		if err := keys.SetActive(kid); err != nil {
			return nil, err
		}
	}
	sessions, err := sessionstore.New(sessionstore.Config{
		Storage:    st,
		Keys:       keys,
		TTL:        cfg.SessionTTL,
		LogHandler: cfg.LogHandler,
	})
	if err != nil {
		return nil, err
	}
	service, err := workflow.NewService(exec, sessions)
	if err != nil {
		return nil, err
	}

	return &Host{
		registry: reg,
		coord:    coord,
		exec:     exec,
		service:  service,
		sessions: sessions,
		log:      slog.New(logctx.Wrap(cfg.LogHandler)),
	}, nil
}

// Coordinator returns the reload coordinator, for admin surfaces.
func (h *Host) Coordinator() *reload.Coordinator { return h.coord }

// Snapshot returns the published registry snapshot of kind.
func (h *Host) Snapshot(kind module.Kind) *registry.Snapshot {
	return h.registry.Current(kind)
}

// ReloadAll reloads every managed kind.
func (h *Host) ReloadAll(ctx context.Context) error { return h.coord.ReloadAll(ctx) }

// Run loads every kind and keeps reloading on trigger signals until ctx is
// done. See reload.Coordinator.Run.
func (h *Host) Run(ctx context.Context, triggers ...reload.Trigger) error {
	return h.coord.Run(ctx, triggers...)
}

// Begin starts a workflow. A session that failed at selection is still
// returned with a handle, alongside the *module.SelectionError, so the
// transport can render the failure.
func (h *Host) Begin(ctx context.Context, br workflow.BeginRequest) (*Flow, error) {
	s, err := h.service.Begin(ctx, br)
	if s == nil {
		return nil, err
	}
	hd, herr := h.sessions.Handle(s)
	if herr != nil {
		return nil, fmt.Errorf("policyhost: seal handle: %w", herr)
	}
	return &Flow{Handle: hd, Session: s}, err
}

// Advance runs the next step of the workflow named by hd.
func (h *Host) Advance(ctx context.Context, kind module.Kind, hd string, params url.Values) (*workflow.StepResult, error) {
	id, err := h.resolve(hd, kind)
	if err != nil {
		return nil, err
	}
	return h.service.Advance(ctx, id, params)
}

// Artifacts reports what to render for the step the workflow waits on.
func (h *Host) Artifacts(ctx context.Context, kind module.Kind, hd string, params url.Values) (*workflow.Artifacts, error) {
	id, err := h.resolve(hd, kind)
	if err != nil {
		return nil, err
	}
	return h.service.Artifacts(ctx, id, params)
}

// Session returns the stored session named by hd.
func (h *Host) Session(ctx context.Context, kind module.Kind, hd string) (*workflow.Session, error) {
	id, err := h.resolve(hd, kind)
	if err != nil {
		return nil, err
	}
	return h.service.Session(ctx, id)
}

// End discards the workflow named by hd.
func (h *Host) End(ctx context.Context, kind module.Kind, hd string) error {
	id, err := h.resolve(hd, kind)
	if err != nil {
		return err
	}
	return h.service.End(ctx, id)
}

func (h *Host) resolve(hd string, kind module.Kind) (string, error) {
	id, err := h.sessions.Resolve(hd, kind.String())
	if err != nil {
		h.log.Debug("session handle rejected", slog.String("kind", kind.String()), slog.String("err", err.Error()))
		return "", fmt.Errorf("%w: %v", ErrInvalidHandle, err)
	}
	return id, nil
}
