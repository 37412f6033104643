package selection

import (
	"slices"
	"sync"
	"testing"

	"github.com/ggoodman/policyhost/module"
	"github.com/ggoodman/policyhost/module/moduletest"
	"github.com/ggoodman/policyhost/registry"
)

func desc(kind module.Kind, name string, level int, usage module.UsageType, aliases ...string) *module.Descriptor {
	src := moduletest.Source(kind, name, level)
	src.UsageType = usage
	src.Aliases = aliases
	return module.NewDescriptor(src, moduletest.New())
}

func mustBuild(t *testing.T, kind module.Kind, descs ...*module.Descriptor) *registry.Snapshot {
	t.Helper()
	s, err := registry.Build(kind, 1, descs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return s
}

func TestDefaultPicksHighestLevel(t *testing.T) {
	snap := mustBuild(t, module.KindAuthentication,
		desc(module.KindAuthentication, "sms", 10, module.UsageInteractive),
		desc(module.KindAuthentication, "otp", 20, module.UsageInteractive),
	)
	if got := Default(snap, module.UsageInteractive); got == nil || got.Name != "otp" {
		t.Fatalf("Default = %v, want otp", got)
	}
}

func TestDefaultHonorsUsage(t *testing.T) {
	snap := mustBuild(t, module.KindAuthentication,
		desc(module.KindAuthentication, "browser", 50, module.UsageInteractive),
		desc(module.KindAuthentication, "client_credentials", 5, module.UsageService),
		desc(module.KindAuthentication, "any", 1, module.UsageBoth),
	)
	if got := Default(snap, module.UsageService); got == nil || got.Name != "client_credentials" {
		t.Fatalf("Default(service) = %v, want client_credentials", got)
	}
	if got := Default(snap, module.UsageInteractive); got == nil || got.Name != "browser" {
		t.Fatalf("Default(interactive) = %v, want browser", got)
	}
}

func TestDefaultTieBreakIsOrderIndependent(t *testing.T) {
	a := desc(module.KindAuthentication, "zeta", 7, module.UsageBoth)
	b := desc(module.KindAuthentication, "Alpha", 7, module.UsageBoth)

	forward := mustBuild(t, module.KindAuthentication, a, b)
	backward := mustBuild(t, module.KindAuthentication, b, a)

	for _, snap := range []*registry.Snapshot{forward, backward} {
		if got := Default(snap, module.UsageInteractive); got == nil || got.Name != "Alpha" {
			t.Fatalf("Default = %v, want Alpha", got)
		}
	}
}

func TestDefaultIgnoresUsageOutsideAuthentication(t *testing.T) {
	snap := mustBuild(t, module.KindConsentGathering,
		desc(module.KindConsentGathering, "svc", 3, module.UsageService),
	)
	if got := Default(snap, module.UsageInteractive); got == nil || got.Name != "svc" {
		t.Fatalf("Default = %v, want svc", got)
	}
}

func TestByToken(t *testing.T) {
	snap := mustBuild(t, module.KindAuthentication,
		desc(module.KindAuthentication, "otp", 20, module.UsageInteractive, "2fa"),
		desc(module.KindAuthentication, "sms", 10, module.UsageInteractive),
	)
	tests := []struct {
		token string
		want  string
	}{
		{"OTP", "otp"},
		{"2fa", "otp"},
		{" 2FA ", "otp"},
		{"sms", "sms"},
		{"unknown", ""},
		{"", ""},
	}
	for _, tt := range tests {
		got := ByToken(snap, tt.token)
		name := ""
		if got != nil {
			name = got.Name
		}
		if name != tt.want {
			t.Errorf("ByToken(%q) = %q, want %q", tt.token, name, tt.want)
		}
	}
}

func TestByTokensPreferenceOrder(t *testing.T) {
	snap := mustBuild(t, module.KindAuthentication,
		desc(module.KindAuthentication, "otp", 20, module.UsageInteractive),
		desc(module.KindAuthentication, "sms", 10, module.UsageInteractive),
	)
	if got := ByTokens(snap, []string{"u2f", "sms", "otp"}); got == nil || got.Name != "sms" {
		t.Fatalf("ByTokens = %v, want sms", got)
	}
	if got := ByTokens(snap, []string{"u2f"}); got != nil {
		t.Fatalf("ByTokens = %v, want nil", got)
	}
}

func TestHighestPriorityLastMaxWins(t *testing.T) {
	a := desc(module.KindClaimsGathering, "a", 5, module.UsageBoth)
	b := desc(module.KindClaimsGathering, "b", 9, module.UsageBoth)
	c := desc(module.KindClaimsGathering, "c", 9, module.UsageBoth)

	if got := HighestPriority([]*module.Descriptor{a, b, c}); got != c {
		t.Fatalf("HighestPriority = %v, want c", got)
	}
	if got := HighestPriority(nil); got != nil {
		t.Fatalf("HighestPriority(nil) = %v", got)
	}
}

func TestAtLeast(t *testing.T) {
	snap := mustBuild(t, module.KindAuthentication,
		desc(module.KindAuthentication, "pwd", 1, module.UsageInteractive),
		desc(module.KindAuthentication, "otp", 20, module.UsageInteractive),
		desc(module.KindAuthentication, "mtls", 30, module.UsageService),
	)
	got := AtLeast(snap, module.UsageInteractive, 10)
	if len(got) != 1 || got[0].Name != "otp" {
		t.Fatalf("AtLeast = %v, want [otp]", got)
	}
	if lv := Levels(snap); lv["mtls"] != 30 || len(lv) != 3 {
		t.Fatalf("Levels = %v", lv)
	}
}

func TestEmptyUsageMeansInteractive(t *testing.T) {
	snap := mustBuild(t, module.KindAuthentication,
		desc(module.KindAuthentication, "mtls", 30, module.UsageService),
		desc(module.KindAuthentication, "otp", 20, module.UsageInteractive),
		desc(module.KindAuthentication, "pwd", 1, module.UsageBoth),
	)
	for _, tc := range []struct {
		usage module.UsageType
		def   string
		above []string
	}{
		{"", "otp", []string{"otp", "pwd"}},
		{module.UsageInteractive, "otp", []string{"otp", "pwd"}},
		{module.UsageService, "mtls", []string{"mtls", "pwd"}},
	} {
		if got := Default(snap, tc.usage); got == nil || got.Name != tc.def {
			t.Fatalf("Default(%q) = %v, want %s", tc.usage, got, tc.def)
		}
		got := AtLeast(snap, tc.usage, 1)
		names := make([]string, len(got))
		for i, d := range got {
			names[i] = d.Name
		}
		if !slices.Equal(names, tc.above) {
			t.Fatalf("AtLeast(%q) = %v, want %v", tc.usage, names, tc.above)
		}
	}
}

func TestSelectionIsDeterministicUnderConcurrency(t *testing.T) {
	snap := mustBuild(t, module.KindAuthentication,
		desc(module.KindAuthentication, "sms", 10, module.UsageInteractive),
		desc(module.KindAuthentication, "otp", 20, module.UsageInteractive, "2fa"),
	)
	wantDefault := Default(snap, module.UsageInteractive)
	wantToken := ByToken(snap, "2FA")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if Default(snap, module.UsageInteractive) != wantDefault {
					t.Error("Default changed between calls")
					return
				}
				if ByToken(snap, "2FA") != wantToken {
					t.Error("ByToken changed between calls")
					return
				}
			}
		}()
	}
	wg.Wait()
}
