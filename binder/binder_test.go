package binder

import (
	"context"
	"errors"
	"testing"

	"github.com/ggoodman/policyhost/module"
	"github.com/ggoodman/policyhost/module/moduletest"
	"github.com/google/go-cmp/cmp"
)

func mockFactory(ctx context.Context, src module.Source) (any, error) {
	return moduletest.New(), nil
}

func TestRegistryBind(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("Mock", mockFactory)

	src := moduletest.Source(module.KindAuthentication, "otp", 20)
	impl, err := r.Bind(context.Background(), src)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if _, ok := impl.(module.Authenticator); !ok {
		t.Fatalf("impl %T is not an Authenticator", impl)
	}
}

func TestRegistryRejects(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("mock", mockFactory)
	r.MustRegister("plain", func(ctx context.Context, src module.Source) (any, error) { return struct{}{}, nil })
	r.MustRegister("failing", func(ctx context.Context, src module.Source) (any, error) { return nil, errors.New("syntax error") })
	r.MustRegister("panicking", func(ctx context.Context, src module.Source) (any, error) { panic("compile crashed") })

	mk := func(typ string) module.Source {
		src := moduletest.Source(module.KindConsentGathering, "c", 1)
		src.Type = typ
		return src
	}

	if _, err := r.Bind(context.Background(), mk("wasm")); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("unknown type err = %v", err)
	}
	if _, err := r.Bind(context.Background(), mk("plain")); !errors.Is(err, ErrMissingCapability) {
		t.Fatalf("capability err = %v", err)
	}
	if _, err := r.Bind(context.Background(), mk("failing")); err == nil {
		t.Fatal("expected factory error")
	}
	_, err := r.Bind(context.Background(), mk("panicking"))
	var pe *module.PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("panic err = %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("", mockFactory); err == nil {
		t.Fatal("expected error for empty type")
	}
	if err := r.Register("x", nil); err == nil {
		t.Fatal("expected error for nil factory")
	}
	if err := r.Register("mock", mockFactory); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("MOCK", mockFactory); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if diff := cmp.Diff([]string{"mock"}, r.Types()); diff != "" {
		t.Fatalf("Types (-want +got):\n%s", diff)
	}
}
