package builtin

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/ggoodman/policyhost/binder"
	"github.com/ggoodman/policyhost/module"
	"github.com/ggoodman/policyhost/registry"
	"github.com/ggoodman/policyhost/workflow"
	"golang.org/x/crypto/bcrypt"
)

func hash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %v", err)
	}
	return string(h)
}

func TestLoadBcryptUsers(t *testing.T) {
	in := fmt.Sprintf("# users\n\nalice:%s\n", hash(t, "wonderland"))
	users, err := LoadBcryptUsers(strings.NewReader(in))
	if err != nil {
		t.Fatalf("LoadBcryptUsers: %v", err)
	}
	ctx := context.Background()
	for _, tt := range []struct {
		user, pass string
		want       bool
	}{
		{"alice", "wonderland", true},
		{"alice", "looking-glass", false},
		{"bob", "wonderland", false},
	} {
		got, err := users.CheckPassword(ctx, tt.user, tt.pass)
		if err != nil || got != tt.want {
			t.Errorf("CheckPassword(%s, %s) = %v, %v; want %v", tt.user, tt.pass, got, err, tt.want)
		}
	}

	for _, bad := range []string{"nohash", "alice:not-a-bcrypt-hash", ":x"} {
		if _, err := LoadBcryptUsers(strings.NewReader(bad)); err == nil {
			t.Errorf("LoadBcryptUsers(%q) succeeded", bad)
		}
	}
}

func TestInternalFallbackWorkflow(t *testing.T) {
	users := BcryptUsers{"alice": []byte(hash(t, "wonderland"))}
	snap, err := registry.Build(module.KindAuthentication, 1, []*module.Descriptor{InternalDescriptor(users)})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if d, ok := snap.Internal(); !ok || d.ID != InternalID {
		t.Fatalf("Internal() = %v, %v", d, ok)
	}
	store := registry.NewStore()
	if err := store.Publish(snap); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	exec, err := workflow.NewExecutor(workflow.Config{Registry: store})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	ctx := context.Background()

	for _, tt := range []struct {
		pass string
		want workflow.State
	}{
		{"wonderland", workflow.StateComplete},
		{"nope", workflow.StateFailed},
	} {
		s, err := exec.Begin(ctx, workflow.BeginRequest{Kind: module.KindAuthentication, Token: InternalAlias})
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		if s.Artifacts.Page != "/login" {
			t.Fatalf("page = %q", s.Artifacts.Page)
		}
		res, err := exec.Advance(ctx, s, url.Values{ParamUsername: {"alice"}, ParamPassword: {tt.pass}})
		if err != nil || res.State != tt.want {
			t.Fatalf("password %q: Advance = %+v, %v; want %s", tt.pass, res, err, tt.want)
		}
	}
}

func TestInternalWithoutCheckerRejects(t *testing.T) {
	m := &InternalAuthentication{}
	ok, err := m.Authenticate(context.Background(), module.NewRequest("", "", url.Values{ParamUsername: {"a"}, ParamPassword: {"b"}}, nil), 1)
	if ok || err == nil {
		t.Fatalf("Authenticate = %v, %v", ok, err)
	}
}

func TestAutoConsent(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		client string
		attrs  map[string]string
		params url.Values
		want   bool
	}{
		{"trusted client", "app-1", map[string]string{AttrTrustedClients: "app-0, app-1"}, nil, true},
		{"approve all", "app-9", map[string]string{AttrApproveAll: "TRUE"}, nil, true},
		{"user allows", "app-9", nil, url.Values{ParamConsent: {"allow"}}, true},
		{"user denies", "app-9", nil, url.Values{ParamConsent: {"deny"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AutoConsent{}.Authorize(ctx, module.NewRequest("s", tt.client, tt.params, tt.attrs), 1)
			if err != nil || got != tt.want {
				t.Fatalf("Authorize = %v, %v; want %v", got, err, tt.want)
			}
		})
	}
}

func TestStaticClaims(t *testing.T) {
	ctx := context.Background()
	attrs := map[string]string{AttrRequiredClaims: "country, birthdate"}

	req := module.NewRequest("s", "c", url.Values{"country": {"NZ"}}, attrs)
	if ok, _ := (StaticClaims{}).Gather(ctx, req, 1); ok {
		t.Fatal("gathered with a missing claim")
	}
	req = module.NewRequest("s", "c", url.Values{"country": {"NZ"}, "birthdate": {"1990-01-01"}}, attrs)
	if ok, _ := (StaticClaims{}).Gather(ctx, req, 1); !ok {
		t.Fatal("rejected complete claims")
	}
	extra, _ := StaticClaims{}.ExtraParametersForStep(ctx, req, 1)
	if len(extra) != 2 || extra[0] != "country" {
		t.Fatalf("extra = %v", extra)
	}
}

func TestRegister(t *testing.T) {
	r := binder.NewRegistry()
	if err := Register(r, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	for typ, kind := range map[string]module.Kind{
		TypePassword:     module.KindAuthentication,
		TypeAutoConsent:  module.KindConsentGathering,
		TypeStaticClaims: module.KindClaimsGathering,
	} {
		src := module.Source{ID: typ, Name: typ, Kind: kind, Type: typ}
		if _, err := r.Bind(context.Background(), src); err != nil {
			t.Errorf("Bind(%s): %v", typ, err)
		}
	}
	if err := Register(r, nil); err == nil {
		t.Fatal("expected second Register to fail")
	}
}
