// Package builtin provides the modules the host ships with: the internal
// password fallback for authentication, automatic consent and static claims
// gathering.
package builtin

import (
	"context"

	"github.com/ggoodman/policyhost/binder"
	"github.com/ggoodman/policyhost/module"
)

// Module types handled by Register.
const (
	TypePassword     = "builtin.password"
	TypeAutoConsent  = "builtin.auto_consent"
	TypeStaticClaims = "builtin.static_claims"
)

// Register adds factories for the builtin module types to r. checker backs
// every builtin.password module.
func Register(r *binder.Registry, checker PasswordChecker) error {
	factories := map[string]binder.Factory{
		TypePassword: func(ctx context.Context, src module.Source) (any, error) {
			return &InternalAuthentication{Checker: checker, Page: src.Attributes[AttrPage]}, nil
		},
		TypeAutoConsent: func(ctx context.Context, src module.Source) (any, error) {
			return AutoConsent{}, nil
		},
		TypeStaticClaims: func(ctx context.Context, src module.Source) (any, error) {
			return StaticClaims{}, nil
		},
	}
	for _, typ := range []string{TypePassword, TypeAutoConsent, TypeStaticClaims} {
		if err := r.Register(typ, factories[typ]); err != nil {
			return err
		}
	}
	return nil
}
