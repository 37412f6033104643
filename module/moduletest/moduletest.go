// Package moduletest provides a scriptable module implementation for tests of
// the dispatch engine. A single MockModule satisfies every workflow
// capability, so the same fake can be registered under any kind.
package moduletest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ggoodman/policyhost/module"
)

// Operation names reported by MockModule.Calls.
const (
	OpStepCount   = "StepCount"
	OpPrepare     = "PrepareForStep"
	OpExecute     = "Execute"
	OpNextStep    = "NextStep"
	OpPage        = "PageForStep"
	OpExtraParams = "ExtraParametersForStep"
	OpIsValid     = "IsValidAuthenticationMethod"
	OpAlternative = "AlternativeAuthenticationMethod"
)

// MockModule is a configurable module. Zero value behavior: one step, every
// hook succeeds, NextStep returns -1.
type MockModule struct {
	steps       int
	prepare     func(step int) (bool, error)
	execute     func(req *module.Request, step int) (bool, error)
	next        func(step int) (int, error)
	page        func(step int) string
	extra       func(step int) []string
	valid       bool
	alternative string
	panicOn     map[string]bool

	mu    sync.Mutex
	calls map[string]int
}

// Option configures MockModule.
type Option func(*MockModule)

// New returns a MockModule with the given options applied.
func New(opts ...Option) *MockModule {
	m := &MockModule{
		steps:   1,
		valid:   true,
		panicOn: map[string]bool{},
		calls:   map[string]int{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithSteps sets the step count. NextStep advances linearly and returns -1
// after the last step unless WithNext overrides it.
func WithSteps(n int) Option {
	return func(m *MockModule) { m.steps = n }
}

// WithPrepare overrides PrepareForStep.
func WithPrepare(fn func(step int) (bool, error)) Option {
	return func(m *MockModule) { m.prepare = fn }
}

// WithExecute overrides Authenticate, Authorize and Gather.
func WithExecute(fn func(req *module.Request, step int) (bool, error)) Option {
	return func(m *MockModule) { m.execute = fn }
}

// WithNext overrides NextStep.
func WithNext(fn func(step int) (int, error)) Option {
	return func(m *MockModule) { m.next = fn }
}

// WithPages makes PageForStep return the page computed by fn.
func WithPages(fn func(step int) string) Option {
	return func(m *MockModule) { m.page = fn }
}

// WithExtraParams makes ExtraParametersForStep return the list computed by fn.
func WithExtraParams(fn func(step int) []string) Option {
	return func(m *MockModule) { m.extra = fn }
}

// WithInvalidMethod makes IsValidAuthenticationMethod return false and
// AlternativeAuthenticationMethod return alternative.
func WithInvalidMethod(alternative string) Option {
	return func(m *MockModule) {
		m.valid = false
		m.alternative = alternative
	}
}

// WithPanic makes the named operation panic.
func WithPanic(op string) Option {
	return func(m *MockModule) { m.panicOn[op] = true }
}

// Calls returns how many times op was invoked.
func (m *MockModule) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MockModule) enter(op string) {
	m.mu.Lock()
	m.calls[op]++
	boom := m.panicOn[op]
	m.mu.Unlock()
	if boom {
		panic(fmt.Sprintf("moduletest: %s exploded", op))
	}
}

func (m *MockModule) StepCount(ctx context.Context, req *module.Request) (int, error) {
	m.enter(OpStepCount)
	return m.steps, nil
}

func (m *MockModule) PrepareForStep(ctx context.Context, req *module.Request, step int) (bool, error) {
	m.enter(OpPrepare)
	if m.prepare != nil {
		return m.prepare(step)
	}
	return true, nil
}

func (m *MockModule) NextStep(ctx context.Context, req *module.Request, step int) (int, error) {
	m.enter(OpNextStep)
	if m.next != nil {
		return m.next(step)
	}
	if step >= m.steps {
		return -1, nil
	}
	return step + 1, nil
}

func (m *MockModule) PageForStep(ctx context.Context, req *module.Request, step int) (string, error) {
	m.enter(OpPage)
	if m.page != nil {
		return m.page(step), nil
	}
	return "", nil
}

func (m *MockModule) ExtraParametersForStep(ctx context.Context, req *module.Request, step int) ([]string, error) {
	m.enter(OpExtraParams)
	if m.extra != nil {
		return m.extra(step), nil
	}
	return nil, nil
}

func (m *MockModule) Authenticate(ctx context.Context, req *module.Request, step int) (bool, error) {
	return m.run(req, step)
}

func (m *MockModule) Authorize(ctx context.Context, req *module.Request, step int) (bool, error) {
	return m.run(req, step)
}

func (m *MockModule) Gather(ctx context.Context, req *module.Request, step int) (bool, error) {
	return m.run(req, step)
}

func (m *MockModule) run(req *module.Request, step int) (bool, error) {
	m.enter(OpExecute)
	if m.execute != nil {
		return m.execute(req, step)
	}
	return true, nil
}

func (m *MockModule) IsValidAuthenticationMethod(ctx context.Context, req *module.Request) (bool, error) {
	m.enter(OpIsValid)
	return m.valid, nil
}

func (m *MockModule) AlternativeAuthenticationMethod(ctx context.Context, req *module.Request) (string, error) {
	m.enter(OpAlternative)
	return m.alternative, nil
}

var (
	_ module.Authenticator   = (*MockModule)(nil)
	_ module.ConsentGatherer = (*MockModule)(nil)
	_ module.ClaimsGatherer  = (*MockModule)(nil)
	_ module.MethodValidator = (*MockModule)(nil)
)

// Source returns a minimal enabled source for tests.
func Source(kind module.Kind, name string, level int) module.Source {
	return module.Source{
		ID:         kind.String() + ":" + name,
		Name:       name,
		Kind:       kind,
		UsageType:  module.UsageBoth,
		Level:      level,
		Enabled:    true,
		APIVersion: module.APIVersionRequestAbort,
		Type:       "mock",
		Revision:   "1",
	}
}

// Descriptor builds a descriptor for impl from Source(kind, name, level).
func Descriptor(kind module.Kind, name string, level int, impl any) *module.Descriptor {
	return module.NewDescriptor(Source(kind, name, level), impl)
}
