package module

import (
	"fmt"
	"strings"
)

// Kind names an extension point. Each kind has its own registry instance.
type Kind string

const (
	KindAuthentication   Kind = "authentication"
	KindConsentGathering Kind = "consent_gathering"
	KindClaimsGathering  Kind = "claims_gathering"
)

// WorkflowKinds lists the kinds that have a workflow domain.
var WorkflowKinds = []Kind{KindAuthentication, KindConsentGathering, KindClaimsGathering}

func (k Kind) String() string { return string(k) }

// ParseKind normalizes s into a Kind. Any non-empty identifier is accepted so
// that hosts can register extension points beyond the predefined ones.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", fmt.Errorf("empty module kind")
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return "", fmt.Errorf("invalid module kind %q", s)
		}
	}
	return Kind(s), nil
}

// UsageType tells whether an authentication module applies to browser flows,
// headless service flows, or both.
type UsageType string

const (
	UsageInteractive UsageType = "interactive"
	UsageService     UsageType = "service"
	UsageBoth        UsageType = "both"
)

// ParseUsageType parses s. The empty string maps to UsageInteractive, which is
// what modules without an explicit usage type have always defaulted to.
func ParseUsageType(s string) (UsageType, error) {
	switch UsageType(strings.ToLower(strings.TrimSpace(s))) {
	case "", UsageInteractive:
		return UsageInteractive, nil
	case UsageService:
		return UsageService, nil
	case UsageBoth:
		return UsageBoth, nil
	default:
		return "", fmt.Errorf("invalid usage type %q", s)
	}
}

// OrDefault returns u, or UsageInteractive when u is empty.
func (u UsageType) OrDefault() UsageType {
	if u == "" {
		return UsageInteractive
	}
	return u
}

// Matches reports whether a module declared with u may serve a request of
// usage want.
func (u UsageType) Matches(want UsageType) bool {
	if u == UsageBoth || want == UsageBoth {
		return true
	}
	return u == want
}
