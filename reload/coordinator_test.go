package reload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/policyhost/binder"
	"github.com/ggoodman/policyhost/builtin"
	"github.com/ggoodman/policyhost/internal/metrics"
	"github.com/ggoodman/policyhost/module"
	"github.com/ggoodman/policyhost/module/moduletest"
	"github.com/ggoodman/policyhost/registry"
	"github.com/ggoodman/policyhost/store/memstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// countingBinder binds every source to a fresh MockModule and counts calls.
type countingBinder struct {
	calls atomic.Int64
	fail  map[string]error
	panic map[string]bool
}

func (b *countingBinder) Bind(ctx context.Context, src module.Source) (any, error) {
	b.calls.Add(1)
	if b.panic[src.ID] {
		panic("binder exploded")
	}
	if err := b.fail[src.ID]; err != nil {
		return nil, err
	}
	return moduletest.New(), nil
}

type fixture struct {
	reg     *registry.Store
	cat     *memstore.Store
	binder  *countingBinder
	coord   *Coordinator
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	cat, err := memstore.New(memstore.Config{})
	if err != nil {
		t.Fatalf("memstore.New: %v", err)
	}
	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("metrics.New: %v", err)
	}
	f := &fixture{
		reg:     registry.NewStore(),
		cat:     cat,
		binder:  &countingBinder{fail: map[string]error{}, panic: map[string]bool{}},
		metrics: m,
	}
	cfg := Config{
		Registry: f.reg,
		Source:   cat,
		Binder:   f.binder,
		Metrics:  m,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	f.coord, err = New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func (f *fixture) put(t *testing.T, src module.Source) {
	t.Helper()
	if err := f.cat.PutModule(context.Background(), src); err != nil {
		t.Fatalf("PutModule: %v", err)
	}
}

func (f *fixture) reload(t *testing.T, kind module.Kind) *registry.Snapshot {
	t.Helper()
	snap, err := f.coord.Reload(context.Background(), kind)
	if err != nil {
		t.Fatalf("Reload(%s): %v", kind, err)
	}
	return snap
}

func TestFallbackCoverage(t *testing.T) {
	f := newFixture(t)
	snap := f.reload(t, module.KindAuthentication)
	if snap.Len() != 1 {
		t.Fatalf("modules = %d, want exactly the internal fallback", snap.Len())
	}
	d, ok := snap.Internal()
	if !ok || !d.Internal || d.ID != builtin.InternalID {
		t.Fatalf("internal descriptor = %+v", d)
	}
	if _, ok := snap.ByName("internal"); !ok {
		t.Fatal("fallback not resolvable by name")
	}

	if consent := f.reload(t, module.KindConsentGathering); consent.Len() != 0 {
		t.Fatalf("consent has %d modules, want none", consent.Len())
	}
}

func TestFallbackWhenEveryModuleDisabled(t *testing.T) {
	f := newFixture(t)
	src := moduletest.Source(module.KindAuthentication, "otp", 20)
	src.Enabled = false
	f.put(t, src)

	snap := f.reload(t, module.KindAuthentication)
	if _, ok := snap.ByID(src.ID); ok {
		t.Fatal("disabled module published")
	}
	if _, ok := snap.Internal(); !ok || snap.Len() != 1 {
		t.Fatalf("expected only the fallback, got %d modules", snap.Len())
	}
}

func TestFallbackReplacedByRealModules(t *testing.T) {
	f := newFixture(t)
	f.reload(t, module.KindAuthentication)
	f.put(t, moduletest.Source(module.KindAuthentication, "otp", 20))

	snap := f.reload(t, module.KindAuthentication)
	if _, ok := snap.Internal(); ok {
		t.Fatal("fallback kept alongside configured modules")
	}
	if snap.Len() != 1 || snap.Generation() != 2 {
		t.Fatalf("len=%d gen=%d", snap.Len(), snap.Generation())
	}
}

func TestNoFallbackWithExternalAuth(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ExternalAuthConfigured = true })
	if snap := f.reload(t, module.KindAuthentication); snap.Len() != 0 {
		t.Fatalf("modules = %d, want 0", snap.Len())
	}
}

func TestCustomFallback(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Fallbacks = map[module.Kind]FallbackFunc{
			module.KindConsentGathering: func() *module.Descriptor {
				return moduletest.Descriptor(module.KindConsentGathering, "auto", -1, &builtin.AutoConsent{})
			},
			module.KindAuthentication: nil,
		}
	})
	consent := f.reload(t, module.KindConsentGathering)
	if d, ok := consent.Internal(); !ok || d.Name != "auto" {
		t.Fatalf("consent fallback = %+v", d)
	}
	if auth := f.reload(t, module.KindAuthentication); auth.Len() != 0 {
		t.Fatal("disabled authentication fallback still published")
	}
}

func TestBindingReuse(t *testing.T) {
	f := newFixture(t)
	src := moduletest.Source(module.KindAuthentication, "otp", 20)
	f.put(t, src)

	first := f.reload(t, module.KindAuthentication)
	second := f.reload(t, module.KindAuthentication)
	if got := f.binder.calls.Load(); got != 1 {
		t.Fatalf("binder calls = %d, want 1 for an unchanged revision", got)
	}
	a, _ := first.ByID(src.ID)
	b, _ := second.ByID(src.ID)
	if a.Implementation != b.Implementation {
		t.Fatal("implementation not reused")
	}

	src.Revision = "2"
	src.Level = 30
	f.put(t, src)
	third := f.reload(t, module.KindAuthentication)
	if got := f.binder.calls.Load(); got != 2 {
		t.Fatalf("binder calls = %d, want 2 after a revision change", got)
	}
	c, _ := third.ByID(src.ID)
	if c.Implementation == b.Implementation || c.Level != 30 {
		t.Fatalf("new revision not rebound: %+v", c)
	}
}

func TestBindingWithoutRevisionAlwaysRebinds(t *testing.T) {
	f := newFixture(t)
	src := moduletest.Source(module.KindAuthentication, "otp", 20)
	src.Revision = ""
	f.put(t, src)
	f.reload(t, module.KindAuthentication)
	f.reload(t, module.KindAuthentication)
	if got := f.binder.calls.Load(); got != 2 {
		t.Fatalf("binder calls = %d, want 2", got)
	}
}

func TestFailedReloadKeepsPreviousSnapshot(t *testing.T) {
	tests := []struct {
		name    string
		breakIt func(f *fixture, t *testing.T)
	}{
		{"binder error", func(f *fixture, t *testing.T) {
			f.put(t, moduletest.Source(module.KindAuthentication, "broken", 5))
			f.binder.fail["authentication:broken"] = errors.New("compile error")
		}},
		{"binder panic", func(f *fixture, t *testing.T) {
			f.put(t, moduletest.Source(module.KindAuthentication, "broken", 5))
			f.binder.panic["authentication:broken"] = true
		}},
		{"duplicate name", func(f *fixture, t *testing.T) {
			dup := moduletest.Source(module.KindAuthentication, "OTP", 5)
			dup.ID = "authentication:otp-copy"
			f.put(t, dup)
		}},
		{"missing capability", func(f *fixture, t *testing.T) {
			src := moduletest.Source(module.KindAuthentication, "consent-only", 5)
			src.Type = "wrong"
			f.put(t, src)
			f.coord.binder = binder.BinderFunc(func(ctx context.Context, src module.Source) (any, error) {
				if src.Type == "wrong" {
					return struct{}{}, nil
				}
				return moduletest.New(), nil
			})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.put(t, moduletest.Source(module.KindAuthentication, "otp", 20))
			good := f.reload(t, module.KindAuthentication)

			tt.breakIt(f, t)
			snap, err := f.coord.Reload(context.Background(), module.KindAuthentication)
			var rerr *module.ReloadError
			if !errors.As(err, &rerr) || rerr.Kind != module.KindAuthentication {
				t.Fatalf("err = %v, want *ReloadError", err)
			}
			if snap != nil {
				t.Fatal("failed reload returned a snapshot")
			}
			if cur := f.reg.Current(module.KindAuthentication); cur != good {
				t.Fatal("previous snapshot replaced by a failed reload")
			}
			if got := testutil.ToFloat64(f.metrics.Reloads().WithLabelValues("authentication", "failure")); got != 1 {
				t.Fatalf("failure count = %v, want 1", got)
			}
		})
	}
}

type failingSource struct{}

func (failingSource) ListModules(context.Context, module.Kind) ([]module.Source, error) {
	return nil, errors.New("ldap unreachable")
}

func TestSourceFailureKeepsPreviousSnapshot(t *testing.T) {
	f := newFixture(t)
	good := f.reload(t, module.KindAuthentication)
	f.coord.source = failingSource{}
	if _, err := f.coord.Reload(context.Background(), module.KindAuthentication); err == nil {
		t.Fatal("expected error")
	}
	if f.reg.Current(module.KindAuthentication) != good {
		t.Fatal("snapshot changed")
	}
}

func TestOwnerIndexFromSources(t *testing.T) {
	f := newFixture(t)
	a := moduletest.Source(module.KindClaimsGathering, "a", 1)
	a.Owners = []module.OwnerReference{{Owner: "client-1", Position: 1}}
	b := moduletest.Source(module.KindClaimsGathering, "b", 2)
	b.Owners = []module.OwnerReference{{Owner: "client-1", Position: 0}}
	off := moduletest.Source(module.KindClaimsGathering, "off", 3)
	off.Enabled = false
	off.Owners = []module.OwnerReference{{Owner: "client-1", Position: 2}}
	f.put(t, a)
	f.put(t, b)
	f.put(t, off)

	snap := f.reload(t, module.KindClaimsGathering)
	got := snap.ByOwner("client-1")
	if len(got) != 2 || got[0].Name != "b" || got[1].Name != "a" {
		names := []string{}
		for _, d := range got {
			names = append(names, d.Name)
		}
		t.Fatalf("owner order = %v, want [b a]", names)
	}
}

// TestAtomicReloadUnderConcurrentReaders alternates between module sets of
// different sizes while readers check every snapshot they see is complete.
func TestAtomicReloadUnderConcurrentReaders(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		f.put(t, moduletest.Source(module.KindAuthentication, fmt.Sprintf("m%02d", i), i))
	}
	f.reload(t, module.KindAuthentication)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var reads atomic.Int64
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				snap := f.reg.Current(module.KindAuthentication)
				byID, byLevel, names := snap.IndexSizes()
				if byID != byLevel || byLevel != names || byID != snap.Len() {
					t.Errorf("inconsistent snapshot gen %d: byID=%d byLevel=%d names=%d", snap.Generation(), byID, byLevel, names)
					return
				}
				reads.Add(1)
			}
		}()
	}

	var writers sync.WaitGroup
	for w := 0; w < 4; w++ {
		writers.Add(1)
		go func() {
			defer writers.Done()
			for i := 0; i < 25; i++ {
				id := fmt.Sprintf("extra-%d-%d", w, i)
				src := moduletest.Source(module.KindAuthentication, id, 100+i)
				if i%2 == 0 {
					_ = f.cat.PutModule(context.Background(), src)
				} else {
					_ = f.cat.DeleteModule(context.Background(), module.KindAuthentication, "authentication:"+fmt.Sprintf("extra-%d-%d", w, i-1))
				}
				if _, err := f.coord.Reload(context.Background(), module.KindAuthentication); err != nil {
					t.Errorf("Reload: %v", err)
				}
			}
		}()
	}
	writers.Wait()
	cancel()
	wg.Wait()

	if reads.Load() == 0 {
		t.Fatal("readers never ran")
	}
	if gen := f.reg.Generation(module.KindAuthentication); gen != 101 {
		t.Fatalf("generation = %d, want 101 (serialized reloads)", gen)
	}
}

type blockingSource struct {
	inner   *memstore.Store
	kind    module.Kind
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSource) ListModules(ctx context.Context, kind module.Kind) ([]module.Source, error) {
	if kind == s.kind {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.inner.ListModules(ctx, kind)
}

func TestReloadsOfDifferentKindsDoNotBlockEachOther(t *testing.T) {
	f := newFixture(t)
	src := &blockingSource{inner: f.cat, kind: module.KindAuthentication, entered: make(chan struct{}), release: make(chan struct{})}
	f.coord.source = src

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.Reload(context.Background(), module.KindAuthentication)
		done <- err
	}()
	<-src.entered

	reloaded := make(chan struct{})
	go func() {
		f.reload(t, module.KindConsentGathering)
		close(reloaded)
	}()
	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("consent reload blocked behind authentication reload")
	}

	close(src.release)
	if err := <-done; err != nil {
		t.Fatalf("authentication reload: %v", err)
	}
}

func TestReloadAllJoinsErrors(t *testing.T) {
	f := newFixture(t)
	f.put(t, moduletest.Source(module.KindConsentGathering, "broken", 1))
	f.binder.fail["consent_gathering:broken"] = errors.New("bad body")

	err := f.coord.ReloadAll(context.Background())
	var rerr *module.ReloadError
	if !errors.As(err, &rerr) || rerr.Kind != module.KindConsentGathering {
		t.Fatalf("err = %v, want consent ReloadError", err)
	}
	if f.reg.Generation(module.KindAuthentication) != 1 || f.reg.Generation(module.KindClaimsGathering) != 1 {
		t.Fatal("healthy kinds were not reloaded")
	}
}

func TestApply(t *testing.T) {
	f := newFixture(t)
	if err := f.coord.Apply(context.Background(), Signal{Kinds: []module.Kind{module.KindConsentGathering, "introspection"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if f.reg.Generation(module.KindConsentGathering) != 1 {
		t.Fatal("named kind not reloaded")
	}
	if f.reg.Generation(module.KindAuthentication) != 0 || f.reg.Generation("introspection") != 0 {
		t.Fatal("unnamed or unmanaged kind reloaded")
	}
	if err := f.coord.Apply(context.Background(), Signal{}); err != nil {
		t.Fatalf("Apply all: %v", err)
	}
	if f.reg.Generation(module.KindAuthentication) != 1 {
		t.Fatal("empty signal did not reload every kind")
	}
}

func TestNewValidation(t *testing.T) {
	reg := registry.NewStore()
	cat, _ := memstore.New(memstore.Config{})
	b := &countingBinder{}
	for _, cfg := range []Config{
		{Source: cat, Binder: b},
		{Registry: reg, Binder: b},
		{Registry: reg, Source: cat},
	} {
		if _, err := New(cfg); err == nil {
			t.Errorf("New(%+v) succeeded", cfg)
		}
	}
}
