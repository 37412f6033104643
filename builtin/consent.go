package builtin

import (
	"context"
	"slices"
	"strings"

	"github.com/ggoodman/policyhost/module"
)

// Attributes read by the consent and claims modules.
const (
	AttrTrustedClients = "trusted_clients"
	AttrApproveAll     = "approve_all"
	AttrRequiredClaims = "required_claims"
	AttrPage           = "page"
)

// ParamConsent is the form field carrying the user's decision.
const ParamConsent = "consent"

// AutoConsent grants consent without asking for clients listed in the
// trusted_clients attribute (comma separated), or for everyone when
// approve_all is "true". Other clients see one consent page and are granted
// consent when the user submits consent=allow.
type AutoConsent struct{}

func (AutoConsent) StepCount(ctx context.Context, req *module.Request) (int, error) {
	return 1, nil
}

func (AutoConsent) PrepareForStep(ctx context.Context, req *module.Request, step int) (bool, error) {
	return true, nil
}

func (AutoConsent) Authorize(ctx context.Context, req *module.Request, step int) (bool, error) {
	if strings.EqualFold(req.Attributes[AttrApproveAll], "true") {
		return true, nil
	}
	if slices.Contains(splitList(req.Attributes[AttrTrustedClients]), req.ClientID) {
		return true, nil
	}
	return req.Param(ParamConsent) == "allow", nil
}

func (AutoConsent) NextStep(ctx context.Context, req *module.Request, step int) (int, error) {
	return -1, nil
}

func (AutoConsent) PageForStep(ctx context.Context, req *module.Request, step int) (string, error) {
	if p := req.Attributes[AttrPage]; p != "" {
		return p, nil
	}
	return "/consent", nil
}

func (AutoConsent) ExtraParametersForStep(ctx context.Context, req *module.Request, step int) ([]string, error) {
	return nil, nil
}

// StaticClaims gathers the claims named in the required_claims attribute
// from request parameters, one page for all of them.
type StaticClaims struct{}

func (StaticClaims) StepCount(ctx context.Context, req *module.Request) (int, error) {
	return 1, nil
}

func (StaticClaims) PrepareForStep(ctx context.Context, req *module.Request, step int) (bool, error) {
	return true, nil
}

func (StaticClaims) Gather(ctx context.Context, req *module.Request, step int) (bool, error) {
	for _, claim := range splitList(req.Attributes[AttrRequiredClaims]) {
		if req.Param(claim) == "" {
			return false, nil
		}
	}
	return true, nil
}

func (StaticClaims) NextStep(ctx context.Context, req *module.Request, step int) (int, error) {
	return -1, nil
}

func (StaticClaims) PageForStep(ctx context.Context, req *module.Request, step int) (string, error) {
	if p := req.Attributes[AttrPage]; p != "" {
		return p, nil
	}
	return "/claims", nil
}

// ExtraParametersForStep asks the transport to carry the gathered claims.
func (StaticClaims) ExtraParametersForStep(ctx context.Context, req *module.Request, step int) ([]string, error) {
	return splitList(req.Attributes[AttrRequiredClaims]), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var (
	_ module.ConsentGatherer = AutoConsent{}
	_ module.ClaimsGatherer  = StaticClaims{}
)
