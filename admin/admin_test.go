package admin_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/policyhost/admin"
	"github.com/ggoodman/policyhost/binder"
	"github.com/ggoodman/policyhost/builtin"
	"github.com/ggoodman/policyhost/internal/jwtauth"
	"github.com/ggoodman/policyhost/internal/jwtauth/jwtauthtest"
	"github.com/ggoodman/policyhost/module"
	"github.com/ggoodman/policyhost/module/moduletest"
	"github.com/ggoodman/policyhost/registry"
	"github.com/ggoodman/policyhost/reload"
	"github.com/ggoodman/policyhost/store/memstore"
	"gopkg.in/yaml.v3"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls [][]module.Kind
}

func (n *recordingNotifier) Notify(ctx context.Context, kinds ...module.Kind) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, kinds)
	return nil
}

func (n *recordingNotifier) Calls() [][]module.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

type harness struct {
	cat      *memstore.Store
	coord    *reload.Coordinator
	notifier *recordingNotifier
	srv      *httptest.Server
	failing  sync.Map // module id -> struct{}
}

func newHarness(t *testing.T, auth jwtauth.Authenticator) *harness {
	t.Helper()
	cat, err := memstore.New(memstore.Config{})
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{cat: cat, notifier: &recordingNotifier{}}
	h.coord, err = reload.New(reload.Config{
		Registry: registry.NewStore(),
		Source:   cat,
		Binder: binder.BinderFunc(func(ctx context.Context, src module.Source) (any, error) {
			if _, bad := h.failing.Load(src.ID); bad {
				return nil, errors.New("syntax error")
			}
			return moduletest.New(), nil
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.coord.ReloadAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	cfg := admin.Config{Reloader: h.coord, ErrorLog: cat, Notifier: h.notifier, Realm: "policyhost"}
	if auth != nil {
		cfg.Auth = auth
	}
	handler, err := admin.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	h.srv = httptest.NewServer(handler)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path string, hdr map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(res.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestListModulesShowsFallback(t *testing.T) {
	h := newHarness(t, nil)
	res := h.do(t, http.MethodGet, "/modules/authentication", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	info := decode[admin.SnapshotInfo](t, res)
	if info.Generation != 1 || len(info.Modules) != 1 {
		t.Fatalf("info = %+v", info)
	}
	m := info.Modules[0]
	if !m.Internal || m.Name != builtin.InternalName || m.Aliases[0] != builtin.InternalAlias {
		t.Fatalf("module = %+v", m)
	}
}

func TestReloadKind(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.cat.PutModule(context.Background(), moduletest.Source(module.KindAuthentication, "otp", 20)); err != nil {
		t.Fatal(err)
	}
	if err := h.cat.PutModule(context.Background(), moduletest.Source(module.KindAuthentication, "password", 10)); err != nil {
		t.Fatal(err)
	}

	res := h.do(t, http.MethodPost, "/reload/Authentication", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	got := decode[admin.ReloadResult](t, res)
	if got.Kind != module.KindAuthentication || got.Generation != 2 || got.Modules != 2 {
		t.Fatalf("result = %+v", got)
	}
	if calls := h.notifier.Calls(); len(calls) != 1 || calls[0][0] != module.KindAuthentication {
		t.Fatalf("notifier calls = %v", calls)
	}

	info := decode[admin.SnapshotInfo](t, h.do(t, http.MethodGet, "/modules/authentication", nil))
	if len(info.Modules) != 2 || info.Modules[0].Name != "otp" || info.Modules[1].Name != "password" {
		t.Fatalf("modules not in level order: %+v", info.Modules)
	}
}

func TestReloadFailureKeepsSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	src := moduletest.Source(module.KindConsentGathering, "broken", 1)
	h.failing.Store(src.ID, struct{}{})
	if err := h.cat.PutModule(context.Background(), src); err != nil {
		t.Fatal(err)
	}

	res := h.do(t, http.MethodPost, "/reload/consent_gathering", nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", res.StatusCode)
	}
	got := decode[admin.ReloadResult](t, res)
	if !strings.Contains(got.Error, "syntax error") || got.Modules != 0 {
		t.Fatalf("result = %+v", got)
	}
	if len(h.notifier.Calls()) != 0 {
		t.Fatal("failed reload was broadcast")
	}
	if gen := h.coord.Current(module.KindConsentGathering).Generation(); gen != 1 {
		t.Fatalf("generation = %d, want 1", gen)
	}
}

func TestReloadAll(t *testing.T) {
	h := newHarness(t, nil)
	res := h.do(t, http.MethodPost, "/reload", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	results := decode[[]admin.ReloadResult](t, res)
	if len(results) != len(module.WorkflowKinds) {
		t.Fatalf("results = %+v", results)
	}
	for _, r := range results {
		if r.Generation != 2 || r.Error != "" {
			t.Fatalf("result = %+v", r)
		}
	}
	calls := h.notifier.Calls()
	if len(calls) != 1 || !slices.Equal(calls[0], h.coord.Kinds()) {
		t.Fatalf("notifier calls = %v, want one notice naming %v", calls, h.coord.Kinds())
	}
}

func TestReloadAllBroadcastsOnlySuccesses(t *testing.T) {
	for _, tc := range []struct {
		name   string
		broken []module.Kind
	}{
		{"one kind fails", []module.Kind{module.KindConsentGathering}},
		{"every kind fails", module.WorkflowKinds},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			for _, kind := range tc.broken {
				src := moduletest.Source(kind, "broken", 1)
				h.failing.Store(src.ID, struct{}{})
				if err := h.cat.PutModule(context.Background(), src); err != nil {
					t.Fatal(err)
				}
			}

			res := h.do(t, http.MethodPost, "/reload", nil)
			if res.StatusCode != http.StatusUnprocessableEntity {
				t.Fatalf("status = %d, want 422", res.StatusCode)
			}
			var want []module.Kind
			for _, r := range decode[[]admin.ReloadResult](t, res) {
				failed := slices.Contains(tc.broken, r.Kind)
				if failed != (r.Error != "") {
					t.Fatalf("result = %+v, broken kinds %v", r, tc.broken)
				}
				if !failed {
					want = append(want, r.Kind)
				}
			}

			calls := h.notifier.Calls()
			if len(want) == 0 {
				if len(calls) != 0 {
					t.Fatalf("notifier calls = %v, want none", calls)
				}
				return
			}
			if len(calls) != 1 || !slices.Equal(calls[0], want) {
				t.Fatalf("notifier calls = %v, want one notice naming %v", calls, want)
			}
		})
	}
}

func TestUnknownKind(t *testing.T) {
	h := newHarness(t, nil)
	for _, path := range []string{"/modules/introspection", "/modules/bad%20kind"} {
		if res := h.do(t, http.MethodGet, path, nil); res.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: status = %d", path, res.StatusCode)
		}
	}
	if res := h.do(t, http.MethodPost, "/reload/introspection", nil); res.StatusCode != http.StatusNotFound {
		t.Fatalf("reload status = %d", res.StatusCode)
	}
}

func TestModuleErrors(t *testing.T) {
	h := newHarness(t, nil)
	src := moduletest.Source(module.KindClaimsGathering, "crm", 1)
	if err := h.cat.PutModule(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	if _, err := h.coord.Reload(context.Background(), module.KindClaimsGathering); err != nil {
		t.Fatal(err)
	}
	rec := module.ErrorRecord{Timestamp: time.Unix(1700000000, 0).UTC(), Operation: "Gather", Message: "timeout"}
	if err := h.cat.WriteScriptError(context.Background(), src.ID, rec); err != nil {
		t.Fatal(err)
	}

	res := h.do(t, http.MethodGet, "/modules/claims_gathering/"+src.ID+"/errors", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	recs := decode[[]module.ErrorRecord](t, res)
	if len(recs) != 1 || recs[0].Message != "timeout" || !recs[0].Timestamp.Equal(rec.Timestamp) {
		t.Fatalf("records = %+v", recs)
	}

	if res := h.do(t, http.MethodGet, "/modules/claims_gathering/nope/errors", nil); res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown module status = %d", res.StatusCode)
	}
}

func TestContentNegotiation(t *testing.T) {
	h := newHarness(t, nil)
	res := h.do(t, http.MethodGet, "/modules/authentication", map[string]string{"Accept": "application/yaml"})
	if ct := res.Header.Get("Content-Type"); ct != "application/yaml" {
		t.Fatalf("content type = %q", ct)
	}
	var info admin.SnapshotInfo
	if err := yaml.NewDecoder(res.Body).Decode(&info); err != nil {
		t.Fatalf("yaml decode: %v", err)
	}
	if info.Kind != module.KindAuthentication || len(info.Modules) != 1 {
		t.Fatalf("info = %+v", info)
	}

	res = h.do(t, http.MethodGet, "/modules/authentication", map[string]string{"Accept": "text/html"})
	if res.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("status = %d, want 406", res.StatusCode)
	}
}

func TestBearerAuthentication(t *testing.T) {
	iss := jwtauthtest.NewIssuer(t)
	const aud = "policyhost-admin"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := jwtauth.NewStatic(ctx, jwtauth.Config{
		Issuer:         iss.URL,
		Audiences:      []string{aud},
		RequiredScopes: []string{"policyhost:admin"},
	}, iss.JWKSURI)
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, v)

	res := h.do(t, http.MethodPost, "/reload/authentication", nil)
	if res.StatusCode != http.StatusUnauthorized || !strings.HasPrefix(res.Header.Get("WWW-Authenticate"), "Bearer") {
		t.Fatalf("anonymous: status = %d", res.StatusCode)
	}
	readOnly := iss.Token(t, "ops-1", aud, "policyhost:read")
	if res := h.do(t, http.MethodPost, "/reload/authentication", map[string]string{"Authorization": "Bearer " + readOnly}); res.StatusCode != http.StatusForbidden {
		t.Fatalf("read-only: status = %d", res.StatusCode)
	}
	adminTok := iss.Token(t, "ops-1", aud, "policyhost:admin")
	if res := h.do(t, http.MethodPost, "/reload/authentication", map[string]string{"Authorization": "Bearer " + adminTok}); res.StatusCode != http.StatusOK {
		t.Fatalf("admin: status = %d", res.StatusCode)
	}
}

func TestModuleSchema(t *testing.T) {
	h := newHarness(t, nil)
	for _, accept := range []string{"", "application/json", "application/yaml"} {
		res := h.do(t, http.MethodGet, "/schema/module", map[string]string{"Accept": accept})
		if res.StatusCode != http.StatusOK {
			t.Fatalf("Accept %q: status = %d", accept, res.StatusCode)
		}
		if ct := res.Header.Get("Content-Type"); ct != "application/schema+json" {
			t.Fatalf("Accept %q: Content-Type = %q", accept, ct)
		}
		schema := decode[struct {
			Title      string         `json:"title"`
			Properties map[string]any `json:"properties"`
		}](t, res)
		if schema.Title != "policyhost module definition" {
			t.Fatalf("title = %q", schema.Title)
		}
		for _, field := range []string{"name", "kind", "level", "usage_type", "owners"} {
			if _, ok := schema.Properties[field]; !ok {
				t.Fatalf("schema lacks property %q: %v", field, schema.Properties)
			}
		}
	}
}

func TestNewRequiresReloader(t *testing.T) {
	if _, err := admin.New(admin.Config{}); err == nil {
		t.Fatal("expected error")
	}
}
