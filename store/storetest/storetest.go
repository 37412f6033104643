// Package storetest is a conformance suite for store.Catalog backends.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/policyhost/module"
	"github.com/ggoodman/policyhost/store"
	"github.com/google/go-cmp/cmp"
)

// Factory creates an empty Catalog for one test.
type Factory func(t *testing.T) store.Catalog

// Options tunes the suite to a backend.
type Options struct {
	// ErrorHistory is the per-module record limit the factory configured.
	// Zero skips the retention test.
	ErrorHistory int
}

// RunCatalogTests runs the complete suite against factory.
func RunCatalogTests(t *testing.T, factory Factory, opts Options) {
	t.Run("Modules_PutAndList", func(t *testing.T) { testPutAndList(t, factory) })
	t.Run("Modules_ListIsolatesKinds", func(t *testing.T) { testKindIsolation(t, factory) })
	t.Run("Modules_ListEmptyKind", func(t *testing.T) { testEmptyKind(t, factory) })
	t.Run("Modules_PutReplaces", func(t *testing.T) { testPutReplaces(t, factory) })
	t.Run("Modules_Delete", func(t *testing.T) { testDelete(t, factory) })
	t.Run("Modules_PutValidates", func(t *testing.T) { testPutValidates(t, factory) })
	t.Run("Modules_ListReturnsCopies", func(t *testing.T) { testListCopies(t, factory) })
	t.Run("Errors_AppendInOrder", func(t *testing.T) { testErrorsAppend(t, factory) })
	t.Run("Errors_ConcurrentWrites", func(t *testing.T) { testErrorsConcurrent(t, factory) })
	if opts.ErrorHistory > 0 {
		t.Run("Errors_Retention", func(t *testing.T) { testErrorsRetention(t, factory, opts.ErrorHistory) })
	}
}

// Sample returns a fully populated source for tests.
func Sample(kind module.Kind, name string, level int) module.Source {
	return module.Source{
		ID:         string(kind) + ":" + name,
		Name:       name,
		Aliases:    []string{name + "-alias"},
		Kind:       kind,
		UsageType:  module.UsageInteractive,
		Level:      level,
		Enabled:    true,
		APIVersion: module.APIVersionRequestAbort,
		Type:       "builtin.password",
		Body:       "// " + name,
		Revision:   "r1",
		Attributes: map[string]string{"page": "/" + name},
		Owners:     []module.OwnerReference{{Owner: "client-1", Position: level}},
	}
}

func ctx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func mustPut(t *testing.T, c store.Catalog, src module.Source) {
	t.Helper()
	if err := c.PutModule(ctx(t), src); err != nil {
		t.Fatalf("PutModule(%s): %v", src.ID, err)
	}
}

func mustList(t *testing.T, c store.Catalog, kind module.Kind) []module.Source {
	t.Helper()
	got, err := c.ListModules(ctx(t), kind)
	if err != nil {
		t.Fatalf("ListModules(%s): %v", kind, err)
	}
	return got
}

func testPutAndList(t *testing.T, factory Factory) {
	c := factory(t)
	otp := Sample(module.KindAuthentication, "otp", 20)
	sms := Sample(module.KindAuthentication, "sms", 10)
	sms.Enabled = false
	mustPut(t, c, sms)
	mustPut(t, c, otp)

	got := mustList(t, c, module.KindAuthentication)
	if diff := cmp.Diff([]module.Source{otp, sms}, got); diff != "" {
		t.Fatalf("ListModules mismatch (-want +got):\n%s", diff)
	}
}

func testKindIsolation(t *testing.T, factory Factory) {
	c := factory(t)
	mustPut(t, c, Sample(module.KindAuthentication, "otp", 20))
	mustPut(t, c, Sample(module.KindConsentGathering, "consent", 1))

	if got := mustList(t, c, module.KindConsentGathering); len(got) != 1 || got[0].Name != "consent" {
		t.Fatalf("consent modules = %v", got)
	}
}

func testEmptyKind(t *testing.T, factory Factory) {
	c := factory(t)
	if got := mustList(t, c, module.KindClaimsGathering); len(got) != 0 {
		t.Fatalf("expected no modules, got %d", len(got))
	}
}

func testPutReplaces(t *testing.T, factory Factory) {
	c := factory(t)
	src := Sample(module.KindAuthentication, "otp", 20)
	mustPut(t, c, src)
	src.Level = 30
	src.Revision = "r2"
	mustPut(t, c, src)

	got := mustList(t, c, module.KindAuthentication)
	if len(got) != 1 || got[0].Level != 30 || got[0].Revision != "r2" {
		t.Fatalf("after replace: %+v", got)
	}
}

func testDelete(t *testing.T, factory Factory) {
	c := factory(t)
	src := Sample(module.KindAuthentication, "otp", 20)
	mustPut(t, c, src)

	if err := c.DeleteModule(ctx(t), src.Kind, src.ID); err != nil {
		t.Fatalf("DeleteModule: %v", err)
	}
	if got := mustList(t, c, module.KindAuthentication); len(got) != 0 {
		t.Fatalf("module still listed after delete: %v", got)
	}
	if err := c.DeleteModule(ctx(t), src.Kind, src.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func testPutValidates(t *testing.T, factory Factory) {
	c := factory(t)
	for _, src := range []module.Source{
		{Name: "no-id", Kind: module.KindAuthentication},
		{ID: "x", Kind: module.KindAuthentication},
		{ID: "x", Name: "x", Kind: "Bad Kind"},
	} {
		if err := c.PutModule(ctx(t), src); err == nil {
			t.Errorf("PutModule(%+v) succeeded", src)
		}
	}
}

func testListCopies(t *testing.T, factory Factory) {
	c := factory(t)
	mustPut(t, c, Sample(module.KindAuthentication, "otp", 20))

	got := mustList(t, c, module.KindAuthentication)
	got[0].Attributes["page"] = "/mutated"
	got[0].Aliases[0] = "mutated"

	again := mustList(t, c, module.KindAuthentication)
	if again[0].Attributes["page"] != "/otp" || again[0].Aliases[0] != "otp-alias" {
		t.Fatalf("mutating a listed source changed the store: %+v", again[0])
	}
}

func record(i int) module.ErrorRecord {
	return module.ErrorRecord{
		Timestamp: time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC),
		Operation: "Authenticate",
		Message:   fmt.Sprintf("failure %d", i),
	}
}

func testErrorsAppend(t *testing.T, factory Factory) {
	c := factory(t)
	for i := 0; i < 3; i++ {
		if err := c.WriteScriptError(ctx(t), "authentication:otp", record(i)); err != nil {
			t.Fatalf("WriteScriptError: %v", err)
		}
	}
	got, err := c.ScriptErrors(ctx(t), "authentication:otp")
	if err != nil {
		t.Fatalf("ScriptErrors: %v", err)
	}
	if diff := cmp.Diff([]module.ErrorRecord{record(0), record(1), record(2)}, got); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
	if other, _ := c.ScriptErrors(ctx(t), "authentication:sms"); len(other) != 0 {
		t.Fatalf("records leaked to another module: %v", other)
	}
}

func testErrorsConcurrent(t *testing.T, factory Factory) {
	c := factory(t)
	const writers = 8
	wctx := ctx(t)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := c.WriteScriptError(wctx, "authentication:otp", record(i)); err != nil {
				t.Errorf("WriteScriptError: %v", err)
			}
		}(i)
	}
	wg.Wait()
	got, err := c.ScriptErrors(ctx(t), "authentication:otp")
	if err != nil {
		t.Fatalf("ScriptErrors: %v", err)
	}
	if len(got) != writers {
		t.Fatalf("records = %d, want %d", len(got), writers)
	}
	for _, r := range got {
		if !strings.HasPrefix(r.Message, "failure ") {
			t.Fatalf("corrupted record %+v", r)
		}
	}
}

func testErrorsRetention(t *testing.T, factory Factory, limit int) {
	c := factory(t)
	for i := 0; i < limit+5; i++ {
		if err := c.WriteScriptError(ctx(t), "authentication:otp", record(i)); err != nil {
			t.Fatalf("WriteScriptError: %v", err)
		}
	}
	got, err := c.ScriptErrors(ctx(t), "authentication:otp")
	if err != nil {
		t.Fatalf("ScriptErrors: %v", err)
	}
	if len(got) != limit {
		t.Fatalf("records = %d, want %d", len(got), limit)
	}
	if got[0].Message != record(5).Message {
		t.Fatalf("oldest retained = %q, want %q", got[0].Message, record(5).Message)
	}
}
