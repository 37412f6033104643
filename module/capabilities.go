package module

import (
	"context"
	"fmt"
)

// API versions at which optional capabilities became available. A module
// declaring an older APIVersion is treated as if it did not implement them.
const (
	// APIVersionMethodValidation enables MethodValidator.
	APIVersionMethodValidation = 2
	// APIVersionRequestAbort enables the Request.Abort escape hatch.
	APIVersionRequestAbort = 3
)

// Stepper is the step protocol shared by every workflow module. Steps are
// 1-based.
type Stepper interface {
	// StepCount returns the total number of steps the module needs.
	StepCount(ctx context.Context, req *Request) (int, error)

	// PrepareForStep runs before a step executes. Returning false stops the
	// workflow.
	PrepareForStep(ctx context.Context, req *Request, step int) (bool, error)

	// NextStep decides which step follows step. -1 (or any value greater
	// than the step count) completes the workflow.
	NextStep(ctx context.Context, req *Request, step int) (int, error)

	// PageForStep names the page the transport should render for step. The
	// empty string lets the transport pick its default page.
	PageForStep(ctx context.Context, req *Request, step int) (string, error)

	// ExtraParametersForStep lists request parameters the transport must
	// carry over to the next request of the workflow.
	ExtraParametersForStep(ctx context.Context, req *Request, step int) ([]string, error)
}

// Authenticator is the capability of an authentication module.
type Authenticator interface {
	Stepper
	Authenticate(ctx context.Context, req *Request, step int) (bool, error)
}

// MethodValidator is an optional capability of authentication modules. It is
// only consulted for modules declaring APIVersionMethodValidation or later.
type MethodValidator interface {
	// IsValidAuthenticationMethod reports whether the method may be used for
	// this request at all (e.g. disabled for the tenant).
	IsValidAuthenticationMethod(ctx context.Context, req *Request) (bool, error)

	// AlternativeAuthenticationMethod names the module (ACR value or alias)
	// to use instead when IsValidAuthenticationMethod returned false. The
	// empty string means there is no alternative.
	AlternativeAuthenticationMethod(ctx context.Context, req *Request) (string, error)
}

// ConsentGatherer is the capability of a consent-gathering module.
type ConsentGatherer interface {
	Stepper
	Authorize(ctx context.Context, req *Request, step int) (bool, error)
}

// ClaimsGatherer is the capability of an UMA claims-gathering module.
type ClaimsGatherer interface {
	Stepper
	Gather(ctx context.Context, req *Request, step int) (bool, error)
}

// CheckCapability verifies impl provides the capability interface required
// for kind. Kinds without a workflow domain accept any non-nil handle.
func CheckCapability(kind Kind, impl any) error {
	if impl == nil {
		return fmt.Errorf("module implementation is nil")
	}
	var ok bool
	switch kind {
	case KindAuthentication:
		_, ok = impl.(Authenticator)
	case KindConsentGathering:
		_, ok = impl.(ConsentGatherer)
	case KindClaimsGathering:
		_, ok = impl.(ClaimsGatherer)
	default:
		ok = true
	}
	if !ok {
		return fmt.Errorf("implementation %T does not provide the %s capability", impl, kind)
	}
	return nil
}
