// Package module defines the host-side contract for policy modules: the
// immutable Descriptor of a loaded module, its persisted Source, the per-call
// Request, the capability interfaces each extension-point kind requires, and
// the error taxonomy shared by the dispatch engine.
//
// # Capabilities
//
// A module's Implementation is an opaque handle. The host only talks to it
// through the capability interface of the module's Kind:
//
//	authentication     -> Authenticator (+ optional MethodValidator)
//	consent_gathering  -> ConsentGatherer
//	claims_gathering   -> ClaimsGatherer
//
// All three embed Stepper, the numbered-step protocol driven by the workflow
// package. Optional capabilities are gated by the module's declared
// APIVersion so that older modules keep their original behavior even if the
// handle happens to implement a newer interface.
//
// How the module body runs (compiled in, plugin, subprocess, sandbox) is a
// binder concern and invisible here.
package module
