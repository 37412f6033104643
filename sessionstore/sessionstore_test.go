package sessionstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/policyhost/internal/handle"
	"github.com/ggoodman/policyhost/module"
	"github.com/ggoodman/policyhost/storage"
	"github.com/ggoodman/policyhost/storage/memory"
	redisstorage "github.com/ggoodman/policyhost/storage/redis"
	"github.com/ggoodman/policyhost/workflow"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
)

func sample() *workflow.Session {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &workflow.Session{
		ID:                 "s1",
		Kind:               module.KindAuthentication,
		ClientID:           "client-1",
		SelectedModuleID:   "authentication:otp",
		SelectedModuleName: "otp",
		CurrentStep:        2,
		TotalSteps:         3,
		StepsKnown:         true,
		State:              workflow.StatePrepareStep,
		Artifacts:          &workflow.Artifacts{Step: 2, Page: "/otp", ExtraParameters: []string{"otp_length"}},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func backends(t *testing.T) map[string]storage.Storage {
	mem, err := memory.New(100)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { _ = mem.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rs, err := redisstorage.New(redisstorage.Config{Client: client})
	if err != nil {
		t.Fatalf("redis.New: %v", err)
	}

	return map[string]storage.Storage{"memory": mem, "redis": rs}
}

func TestRoundTrip(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st, err := New(Config{Storage: backend})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			ctx := context.Background()
			want := sample()
			if err := st.Save(ctx, want); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, err := st.Load(ctx, "s1")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("session mismatch (-want +got):\n%s", diff)
			}

			if err := st.Delete(ctx, "s1"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := st.Load(ctx, "s1"); !errors.Is(err, workflow.ErrSessionNotFound) {
				t.Fatalf("Load after delete err = %v, want ErrSessionNotFound", err)
			}
			if err := st.Delete(ctx, "s1"); err != nil {
				t.Fatalf("deleting unknown session: %v", err)
			}
		})
	}
}

func TestSessionsExpire(t *testing.T) {
	mem, _ := memory.New(10)
	defer mem.Close()
	st, err := New(Config{Storage: mem, TTL: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := st.Save(ctx, sample()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := st.Load(ctx, "s1"); !errors.Is(err, workflow.ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestHandles(t *testing.T) {
	mem, _ := memory.New(10)
	defer mem.Close()
	keys, err := handle.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	st, _ := New(Config{Storage: mem, Keys: keys})

	h, err := st.Handle(sample())
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	id, err := st.Resolve(h, "authentication")
	if err != nil || id != "s1" {
		t.Fatalf("Resolve = %q, %v", id, err)
	}
	if _, err := st.Resolve(h, "consent_gathering"); !errors.Is(err, ErrHandleMismatch) {
		t.Fatalf("cross-kind err = %v, want ErrHandleMismatch", err)
	}

	other, _ := New(Config{Storage: mem})
	if _, err := other.Resolve(h, "authentication"); !errors.Is(err, handle.ErrInvalid) {
		t.Fatalf("foreign keyring err = %v, want ErrInvalid", err)
	}
}

func TestValidation(t *testing.T) {
	mem, _ := memory.New(10)
	defer mem.Close()
	st, _ := New(Config{Storage: mem})
	_, err := workflow.NewService(nil, st)
	if err == nil {
		t.Fatal("expected executor to be required")
	}
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected storage to be required")
	}
	if err := st.Save(context.Background(), &workflow.Session{}); err == nil {
		t.Fatal("expected error for session without id")
	}
}

func TestSaveRejectsStaleVersion(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st, err := New(Config{Storage: backend})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			ctx := context.Background()
			if err := st.Save(ctx, sample()); err != nil {
				t.Fatalf("Save: %v", err)
			}
			a, err := st.Load(ctx, "s1")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			b := a.Clone()

			a.State = workflow.StateFailed
			if err := st.Save(ctx, a); err != nil {
				t.Fatalf("Save failed session: %v", err)
			}
			if a.Version != 2 {
				t.Fatalf("Version = %d, want 2", a.Version)
			}

			b.CurrentStep = 3
			if err := st.Save(ctx, b); !errors.Is(err, workflow.ErrSessionConflict) {
				t.Fatalf("stale Save err = %v, want ErrSessionConflict", err)
			}
			if err := st.Save(ctx, sample()); !errors.Is(err, workflow.ErrSessionConflict) {
				t.Fatalf("Save of a new session over an existing id err = %v, want ErrSessionConflict", err)
			}

			got, err := st.Load(ctx, "s1")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got.State != workflow.StateFailed || got.CurrentStep != 2 || got.Version != 2 {
				t.Fatalf("stored = state %s step %d version %d; want failed session at version 2", got.State, got.CurrentStep, got.Version)
			}
		})
	}
}
