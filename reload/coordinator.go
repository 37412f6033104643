// Package reload rebuilds module registries off to the side and publishes
// them atomically. A Coordinator owns the write path of a registry.Store;
// Triggers tell it when to run.
package reload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/policyhost/binder"
	"github.com/ggoodman/policyhost/builtin"
	"github.com/ggoodman/policyhost/internal/logctx"
	"github.com/ggoodman/policyhost/internal/metrics"
	"github.com/ggoodman/policyhost/module"
	"github.com/ggoodman/policyhost/registry"
	"github.com/ggoodman/policyhost/store"
	"golang.org/x/sync/errgroup"
)

// FallbackFunc returns the host-provided descriptor published when a kind
// has no usable module.
type FallbackFunc func() *module.Descriptor

// Config configures a Coordinator.
type Config struct {
	Registry *registry.Store
	Source   store.Source
	Binder   binder.Binder

	// Kinds reloaded by ReloadAll. Default: module.WorkflowKinds.
	Kinds []module.Kind

	// ExternalAuthConfigured disables the authentication fallback.
	ExternalAuthConfigured bool
	// Fallbacks overrides the per-kind fallback. By default authentication
	// falls back to builtin.InternalDescriptor(PasswordChecker). A nil entry
	// disables the fallback of that kind.
	Fallbacks map[module.Kind]FallbackFunc
	// PasswordChecker backs the default authentication fallback.
	PasswordChecker builtin.PasswordChecker

	LogHandler slog.Handler
	Metrics    *metrics.Metrics
}

// Coordinator serializes reloads per kind and publishes their snapshots.
type Coordinator struct {
	registry  *registry.Store
	source    store.Source
	binder    binder.Binder
	kinds     []module.Kind
	fallbacks map[module.Kind]FallbackFunc
	log       *slog.Logger
	metrics   *metrics.Metrics

	locks sync.Map // module.Kind -> *sync.Mutex
}

// New returns a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("reload: registry is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("reload: source is required")
	}
	if cfg.Binder == nil {
		return nil, errors.New("reload: binder is required")
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = module.WorkflowKinds
	}
	fallbacks := make(map[module.Kind]FallbackFunc, len(cfg.Fallbacks)+1)
	if !cfg.ExternalAuthConfigured {
		checker := cfg.PasswordChecker
		fallbacks[module.KindAuthentication] = func() *module.Descriptor {
			return builtin.InternalDescriptor(checker)
		}
	}
	for k, f := range cfg.Fallbacks {
		if f == nil {
			delete(fallbacks, k)
			continue
		}
		fallbacks[k] = f
	}
	return &Coordinator{
		registry:  cfg.Registry,
		source:    cfg.Source,
		binder:    cfg.Binder,
		kinds:     slices.Clone(cfg.Kinds),
		fallbacks: fallbacks,
		log:       slog.New(logctx.Wrap(cfg.LogHandler)),
		metrics:   cfg.Metrics,
	}, nil
}

// Kinds returns the kinds ReloadAll covers.
func (c *Coordinator) Kinds() []module.Kind { return slices.Clone(c.kinds) }

// Current returns the published snapshot of kind.
func (c *Coordinator) Current(kind module.Kind) *registry.Snapshot {
	return c.registry.Current(kind)
}

func (c *Coordinator) lock(kind module.Kind) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(kind, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Reload lists, binds, indexes and publishes the modules of kind. On error
// the previously published snapshot stays current and the error is a
// *module.ReloadError.
func (c *Coordinator) Reload(ctx context.Context, kind module.Kind) (*registry.Snapshot, error) {
	mu := c.lock(kind)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	snap, st, err := c.rebuild(ctx, kind)
	c.metrics.ObserveReload(string(kind), err == nil)
	if err != nil {
		rerr := &module.ReloadError{Kind: kind, Cause: err}
		c.log.ErrorContext(ctx, "module reload failed",
			slog.String("kind", string(kind)),
			slog.Uint64("generation", c.registry.Generation(kind)),
			slog.String("err", err.Error()),
		)
		return nil, rerr
	}
	c.log.InfoContext(ctx, "modules reloaded",
		slog.String("kind", string(kind)),
		slog.Uint64("generation", snap.Generation()),
		slog.Int("modules", snap.Len()),
		slog.Int("disabled", st.disabled),
		slog.Int("rebound", st.bound),
		slog.Int("reused", st.reused),
		slog.Bool("fallback", st.fallback),
		slog.Duration("took", time.Since(start)),
	)
	return snap, nil
}

type rebuildStats struct {
	disabled int
	bound    int
	reused   int
	fallback bool
}

func (c *Coordinator) rebuild(ctx context.Context, kind module.Kind) (*registry.Snapshot, rebuildStats, error) {
	var st rebuildStats

	sources, err := c.source.ListModules(ctx, kind)
	if err != nil {
		return nil, st, fmt.Errorf("list modules: %w", err)
	}

	prev := c.registry.Current(kind)
	enabled := make([]module.Source, 0, len(sources))
	descs := make([]*module.Descriptor, 0, len(sources))
	for _, src := range sources {
		if !src.Enabled {
			st.disabled++
			continue
		}
		if src.Kind == "" {
			src.Kind = kind
		}
		if old, ok := prev.ByID(src.ID); ok && reusable(old, src) {
			descs = append(descs, module.NewDescriptor(src, old.Implementation))
			enabled = append(enabled, src)
			st.reused++
			continue
		}
		impl, err := c.bind(ctx, src)
		if err != nil {
			return nil, st, fmt.Errorf("bind module %q: %w", src.ID, err)
		}
		descs = append(descs, module.NewDescriptor(src, impl))
		enabled = append(enabled, src)
		st.bound++
	}

	if len(descs) == 0 {
		if fb, ok := c.fallbacks[kind]; ok {
			d := fb()
			if d == nil {
				return nil, st, errors.New("fallback returned no descriptor")
			}
			d.Internal = true
			descs = append(descs, d)
			st.fallback = true
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, st, err
	}
	snap, err := registry.Build(kind, prev.Generation()+1, descs, registry.OwnerIndexFromSources(enabled))
	if err != nil {
		return nil, st, err
	}
	if err := c.registry.Publish(snap); err != nil {
		return nil, st, err
	}
	return snap, st, nil
}

// reusable reports whether old was bound from the same revision of src.
func reusable(old *module.Descriptor, src module.Source) bool {
	return !old.Internal &&
		src.Revision != "" &&
		old.Revision == src.Revision &&
		old.Type == src.Type &&
		old.Implementation != nil
}

func (c *Coordinator) bind(ctx context.Context, src module.Source) (impl any, err error) {
	defer func() {
		if r := recover(); r != nil {
			impl = nil
			err = &module.PanicError{Value: r}
		}
	}()
	impl, err = c.binder.Bind(ctx, src)
	if err != nil {
		return nil, err
	}
	if impl == nil {
		return nil, errors.New("binder returned no implementation")
	}
	if err := module.CheckCapability(src.Kind, impl); err != nil {
		return nil, err
	}
	return impl, nil
}

// ReloadAll reloads every configured kind concurrently and joins the errors.
func (c *Coordinator) ReloadAll(ctx context.Context) error {
	errs := make([]error, len(c.kinds))
	var wg sync.WaitGroup
	for i, kind := range c.kinds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.Reload(ctx, kind)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Apply reloads the kinds a signal names, or every kind for an empty signal.
// Kinds the coordinator does not manage are ignored.
func (c *Coordinator) Apply(ctx context.Context, sig Signal) error {
	if len(sig.Kinds) == 0 {
		return c.ReloadAll(ctx)
	}
	var errs []error
	for _, kind := range sig.Kinds {
		if !slices.Contains(c.kinds, kind) {
			c.log.DebugContext(ctx, "ignoring reload signal for unmanaged kind", slog.String("kind", string(kind)))
			continue
		}
		if _, err := c.Reload(ctx, kind); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run performs an initial ReloadAll, then applies the signals of triggers
// until ctx is done or a trigger fails. Reload failures are logged and
// retried on the next signal; they never stop Run.
func (c *Coordinator) Run(ctx context.Context, triggers ...Trigger) error {
	if err := c.ReloadAll(ctx); err != nil {
		c.log.WarnContext(ctx, "initial reload incomplete", slog.String("err", err.Error()))
	}

	g, gctx := errgroup.WithContext(ctx)
	signals := make(chan Signal, 16)
	for _, t := range triggers {
		g.Go(func() error {
			err := t.Watch(gctx, signals)
			if err != nil && gctx.Err() == nil {
				return fmt.Errorf("reload trigger %T: %w", t, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case sig := <-signals:
				_ = c.Apply(gctx, sig)
			}
		}
	})
	return g.Wait()
}
