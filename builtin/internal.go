package builtin

import (
	"context"
	"errors"

	"github.com/ggoodman/policyhost/module"
)

// Identity of the host-provided fallback authentication module.
const (
	InternalID    = "internal:authentication"
	InternalName  = "internal"
	InternalLevel = -1
	InternalAlias = "simple_password_auth"
)

// Request parameters read by InternalAuthentication.
const (
	ParamUsername = "username"
	ParamPassword = "password"
)

// InternalAuthentication is a single-step username and password module. It
// is what the host falls back to when no authentication module is
// configured.
type InternalAuthentication struct {
	Checker PasswordChecker
	// Page is rendered for the login step. Defaults to "/login".
	Page string
}

func (m *InternalAuthentication) StepCount(ctx context.Context, req *module.Request) (int, error) {
	return 1, nil
}

func (m *InternalAuthentication) PrepareForStep(ctx context.Context, req *module.Request, step int) (bool, error) {
	return step == 1, nil
}

func (m *InternalAuthentication) Authenticate(ctx context.Context, req *module.Request, step int) (bool, error) {
	if m.Checker == nil {
		return false, errors.New("no password checker configured")
	}
	user, pass := req.Param(ParamUsername), req.Param(ParamPassword)
	if user == "" || pass == "" {
		return false, nil
	}
	return m.Checker.CheckPassword(ctx, user, pass)
}

func (m *InternalAuthentication) NextStep(ctx context.Context, req *module.Request, step int) (int, error) {
	return -1, nil
}

func (m *InternalAuthentication) PageForStep(ctx context.Context, req *module.Request, step int) (string, error) {
	if m.Page != "" {
		return m.Page, nil
	}
	return "/login", nil
}

func (m *InternalAuthentication) ExtraParametersForStep(ctx context.Context, req *module.Request, step int) ([]string, error) {
	return nil, nil
}

var _ module.Authenticator = (*InternalAuthentication)(nil)

// InternalDescriptor returns the internal fallback descriptor bound to
// checker.
func InternalDescriptor(checker PasswordChecker) *module.Descriptor {
	d := module.NewDescriptor(module.Source{
		ID:         InternalID,
		Name:       InternalName,
		Aliases:    []string{InternalAlias},
		Kind:       module.KindAuthentication,
		UsageType:  module.UsageBoth,
		Level:      InternalLevel,
		Enabled:    true,
		APIVersion: module.APIVersionRequestAbort,
		Type:       TypePassword,
		Revision:   "builtin",
	}, &InternalAuthentication{Checker: checker})
	d.Internal = true
	return d
}
