// Package policyhost dispatches the extension points of an OAuth2/OIDC
// server to hot-reloadable modules.
//
// An authorization server delegates three decisions to modules:
// authenticating the end user, gathering consent and gathering claims. Each
// decision is a workflow of one or more steps, driven by the transport
// across several HTTP requests. A Host ties together the pieces needed to
// run them:
//
//   - a registry of immutable module snapshots per kind, rebuilt off to the
//     side and swapped atomically by a reload.Coordinator,
//   - a workflow.Executor that selects the acting module and walks it
//     through its steps, calling it only through an invoke.Invoker so that a
//     misbehaving module can never take the host down,
//   - a session store that keeps workflow state between requests and hands
//     transports an opaque, signed session handle.
//
// A minimal embedding:
//
//	host, err := policyhost.New(policyhost.Config{Source: catalog})
//	if err != nil { ... }
//	go host.Run(ctx, reload.PollTrigger{Interval: time.Minute})
//
//	flow, err := host.Begin(ctx, workflow.BeginRequest{Kind: module.KindAuthentication, Token: acr})
//	// redirect the user agent to flow.Artifacts.Page carrying flow.Handle
//	res, err := host.Advance(ctx, module.KindAuthentication, handle, r.Form)
//
// With no authentication module configured, the host falls back to a
// username and password module backed by Config.PasswordChecker, unless
// Config.ExternalAuthConfigured says authentication happens elsewhere.
package policyhost
