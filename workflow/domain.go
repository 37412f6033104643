package workflow

import (
	"context"

	"github.com/ggoodman/policyhost/module"
	"github.com/ggoodman/policyhost/selection"
)

// domain is what distinguishes the workflows of one kind: the name of the
// step-execution hook, whether the method is validated, and how a module is
// picked from an owner's candidate list.
type domain struct {
	kind      module.Kind
	executeOp string
	validates bool
	execute   func(ctx context.Context, impl any, req *module.Request, step int) (bool, error)
	fromOwner func(candidates []*module.Descriptor) *module.Descriptor
}

var domains = map[module.Kind]domain{
	module.KindAuthentication: {
		kind:      module.KindAuthentication,
		executeOp: "Authenticate",
		validates: true,
		execute: func(ctx context.Context, impl any, req *module.Request, step int) (bool, error) {
			return impl.(module.Authenticator).Authenticate(ctx, req, step)
		},
		fromOwner: first,
	},
	module.KindConsentGathering: {
		kind:      module.KindConsentGathering,
		executeOp: "Authorize",
		execute: func(ctx context.Context, impl any, req *module.Request, step int) (bool, error) {
			return impl.(module.ConsentGatherer).Authorize(ctx, req, step)
		},
		fromOwner: first,
	},
	module.KindClaimsGathering: {
		kind:      module.KindClaimsGathering,
		executeOp: "Gather",
		execute: func(ctx context.Context, impl any, req *module.Request, step int) (bool, error) {
			return impl.(module.ClaimsGatherer).Gather(ctx, req, step)
		},
		fromOwner: selection.HighestPriority,
	},
}

func first(candidates []*module.Descriptor) *module.Descriptor {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[0]
}

// stepper extracts the step protocol from a bound implementation.
func stepper(d *module.Descriptor) (module.Stepper, bool) {
	s, ok := d.Implementation.(module.Stepper)
	return s, ok
}

// Supported reports whether kind has a workflow.
func Supported(kind module.Kind) bool {
	_, ok := domains[kind]
	return ok
}
