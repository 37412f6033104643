// Package workflow drives a selected module through its numbered steps:
// select, validate (authentication only), then prepare, execute and decide
// until the module completes or the session fails.
//
// The same machine serves authentication, consent gathering and claims
// gathering. Every call into a module goes through an invoke.Invoker, so a
// misbehaving module fails its session and nothing else.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/ggoodman/policyhost/internal/logctx"
	"github.com/ggoodman/policyhost/internal/metrics"
	"github.com/ggoodman/policyhost/invoke"
	"github.com/ggoodman/policyhost/module"
	"github.com/ggoodman/policyhost/registry"
	"github.com/ggoodman/policyhost/selection"
	"github.com/google/uuid"
)

var (
	// ErrUnsupportedKind is returned for kinds without a workflow.
	ErrUnsupportedKind = errors.New("workflow: kind has no workflow")
	// ErrNotAwaitingStep is the cause of a protocol violation on a session
	// that is not resting before a step.
	ErrNotAwaitingStep = errors.New("session is not awaiting a step")
)

// SnapshotSource is the read side of the module registry.
type SnapshotSource interface {
	Current(kind module.Kind) *registry.Snapshot
}

// Config configures an Executor.
type Config struct {
	// Registry supplies the current snapshot of every kind. Required.
	Registry SnapshotSource
	// Invoker isolates module calls. Nil builds one from LogHandler and
	// Metrics with no deadline.
	Invoker *invoke.Invoker
	// LogHandler receives workflow logs. Nil discards them.
	LogHandler slog.Handler
	// Metrics is optional.
	Metrics *metrics.Metrics
	// Now and NewID override the clock and session id generator.
	Now   func() time.Time
	NewID func() string
}

// Executor is the WorkflowExecutor. It holds no per-session state and is
// safe for concurrent use.
type Executor struct {
	snaps   SnapshotSource
	inv     *invoke.Invoker
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string

	// maxAlternatives bounds how many alternative methods one Begin may
	// follow.
	maxAlternatives int
}

// NewExecutor validates cfg and returns an Executor.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Registry == nil {
		return nil, errors.New("workflow: registry is required")
	}
	inv := cfg.Invoker
	if inv == nil {
		inv = invoke.New(invoke.Config{LogHandler: cfg.LogHandler, Metrics: cfg.Metrics})
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Executor{
		snaps:           cfg.Registry,
		inv:             inv,
		log:             slog.New(logctx.Wrap(cfg.LogHandler)),
		metrics:         cfg.Metrics,
		now:             now,
		newID:           newID,
		maxAlternatives: 1,
	}, nil
}

// BeginRequest describes a workflow to start.
type BeginRequest struct {
	Kind module.Kind
	// Token is an explicit module request: a name or alias, or a
	// space-separated list of them in order of preference (acr_values).
	Token string
	// Owner selects from the owner's ordered module references when no
	// Token is given.
	Owner string
	// Usage restricts authentication modules. Empty means interactive.
	Usage    module.UsageType
	ClientID string
	Params   url.Values
}

// Begin selects the acting module, validates it for authentication, learns
// its step count and returns a session resting before step 1.
//
// A selection failure returns the failed session together with a
// *module.SelectionError. A module abort returns the failed session with the
// *module.AbortError. If ctx ends, Begin returns only ctx's error.
func (e *Executor) Begin(ctx context.Context, br BeginRequest) (*Session, error) {
	d, ok := domains[br.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, br.Kind)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	usage := br.Usage.OrDefault()

	now := e.now()
	s := &Session{
		ID:        e.newID(),
		Kind:      br.Kind,
		ClientID:  br.ClientID,
		State:     StateSelect,
		CreatedAt: now,
		UpdatedAt: now,
	}
	snap := e.snaps.Current(br.Kind)

	desc, candidates, serr := e.selectModule(snap, d, br.Token, br.Owner, usage)
	if serr != nil {
		e.fail(e.phase(ctx, s, 0, StateSelect), s, &ErrorInfo{Reason: ReasonSelection, Message: serr.Error()})
		return s, serr
	}
	s.Candidates = make([]string, 0, len(candidates))
	for _, c := range candidates {
		s.Candidates = append(s.Candidates, c.ID)
	}
	s.SelectedModuleID, s.SelectedModuleName = desc.ID, desc.Name

	if d.validates {
		next, info, err := e.validate(ctx, snap, s, desc, usage, br.Params)
		if err != nil {
			return e.beginInterrupted(ctx, s, desc, err)
		}
		if info != nil {
			e.fail(e.phase(ctx, s, 0, StateFindAlternative), s, info)
			return s, nil
		}
		desc = next
		s.SelectedModuleID, s.SelectedModuleName = desc.ID, desc.Name
	}

	if err := module.CheckCapability(d.kind, desc.Implementation); err != nil {
		e.fail(ctx, s, &ErrorInfo{Reason: ReasonModuleUnavailable, Module: desc.Name, Message: err.Error()})
		return s, nil
	}
	st, _ := stepper(desc)
	req := newRequest(s, desc, br.Params)

	pctx := e.phase(ctx, s, 0, StatePrepareStep)
	total, err := invoke.Call(pctx, e.inv, desc, req, "StepCount", -1, func(ctx context.Context) (int, error) {
		return st.StepCount(ctx, req)
	})
	if err != nil {
		return e.beginInterrupted(ctx, s, desc, err)
	}
	if total < 1 {
		e.fail(pctx, s, &ErrorInfo{Reason: ReasonStepCount, Module: desc.Name, Operation: "StepCount", Message: fmt.Sprintf("step count %d", total)})
		return s, nil
	}

	arts, err := e.artifacts(pctx, desc, st, req, 1)
	if err != nil {
		return e.beginInterrupted(ctx, s, desc, err)
	}

	s.TotalSteps = total
	s.StepsKnown = true
	s.CurrentStep = 1
	s.State = StatePrepareStep
	s.Artifacts = arts
	s.UpdatedAt = e.now()
	e.log.DebugContext(e.phase(ctx, s, 1, StatePrepareStep), "workflow started",
		slog.String("module", desc.Name),
		slog.Int("total_steps", total),
	)
	return s, nil
}

func (e *Executor) beginInterrupted(ctx context.Context, s *Session, desc *module.Descriptor, err error) (*Session, error) {
	var se *module.SelectionError
	var ae *module.AbortError
	switch {
	case errors.As(err, &se):
		e.fail(ctx, s, &ErrorInfo{Reason: ReasonSelection, Module: desc.Name, Message: se.Error()})
		return s, err
	case errors.As(err, &ae):
		e.fail(ctx, s, abortInfo(desc, ae))
		return s, err
	default:
		return nil, err
	}
}

func (e *Executor) selectModule(snap *registry.Snapshot, d domain, token, owner string, usage module.UsageType) (*module.Descriptor, []*module.Descriptor, *module.SelectionError) {
	if tokens := strings.Fields(token); len(tokens) > 0 {
		desc := selection.ByTokens(snap, tokens)
		if desc == nil {
			return nil, nil, &module.SelectionError{Kind: d.kind, Token: token, Reason: "no module matches the requested value"}
		}
		if d.kind == module.KindAuthentication && !desc.UsageType.Matches(usage) {
			return nil, nil, &module.SelectionError{Kind: d.kind, Token: token, Reason: fmt.Sprintf("module %q does not support %s usage", desc.Name, usage)}
		}
		return desc, []*module.Descriptor{desc}, nil
	}

	if owner != "" {
		candidates := selection.ByOwner(snap, owner)
		if d.kind == module.KindAuthentication {
			candidates = slices.DeleteFunc(candidates, func(c *module.Descriptor) bool {
				return !c.UsageType.Matches(usage)
			})
		}
		if len(candidates) > 0 {
			return d.fromOwner(candidates), candidates, nil
		}
	}

	desc := selection.Default(snap, usage)
	if desc == nil {
		return nil, nil, &module.SelectionError{Kind: d.kind, Owner: owner, Reason: "no modules are configured"}
	}
	return desc, []*module.Descriptor{desc}, nil
}

// validate runs VALIDATE and FIND_ALTERNATIVE. It returns the module to
// proceed with, or the reason the session fails. A non-nil error is a
// selection failure, for instance an alternative that does not serve usage,
// an abort or the end of ctx.
func (e *Executor) validate(ctx context.Context, snap *registry.Snapshot, s *Session, desc *module.Descriptor, usage module.UsageType, params url.Values) (*module.Descriptor, *ErrorInfo, error) {
	followed := 0
	for {
		mv, ok := desc.Implementation.(module.MethodValidator)
		if !ok || !desc.Supports(module.APIVersionMethodValidation) {
			return desc, nil, nil
		}
		req := newRequest(s, desc, params)

		vctx := e.phase(ctx, s, 0, StateValidate)
		valid, err := invoke.Call(vctx, e.inv, desc, req, "IsValidAuthenticationMethod", false, func(ctx context.Context) (bool, error) {
			return mv.IsValidAuthenticationMethod(ctx, req)
		}, invoke.Abortable())
		if err != nil {
			return nil, nil, err
		}
		if valid {
			return desc, nil, nil
		}

		if followed >= e.maxAlternatives {
			return nil, &ErrorInfo{
				Reason:  ReasonAlternativeLimit,
				Module:  desc.Name,
				Message: fmt.Sprintf("method is not valid and %d alternative(s) were already followed", followed),
			}, nil
		}

		actx := e.phase(ctx, s, 0, StateFindAlternative)
		alt, err := invoke.Call(actx, e.inv, desc, req, "AlternativeAuthenticationMethod", "", func(ctx context.Context) (string, error) {
			return mv.AlternativeAuthenticationMethod(ctx, req)
		})
		if err != nil {
			return nil, nil, err
		}
		if strings.TrimSpace(alt) == "" {
			return nil, &ErrorInfo{Reason: ReasonNoAlternative, Module: desc.Name, Message: "method is not valid and names no alternative"}, nil
		}

		next := selection.ByToken(snap, alt)
		if next == nil {
			return nil, nil, &module.SelectionError{Kind: s.Kind, Token: alt, Reason: fmt.Sprintf("alternative named by %q is not configured", desc.Name)}
		}
		if !next.UsageType.Matches(usage) {
			return nil, nil, &module.SelectionError{Kind: s.Kind, Token: alt, Reason: fmt.Sprintf("alternative %q named by %q does not support %s usage", next.Name, desc.Name, usage)}
		}
		if next.ID == desc.ID {
			return nil, &ErrorInfo{Reason: ReasonAlternativeCycle, Module: desc.Name, Message: "module names itself as its alternative"}, nil
		}

		e.log.InfoContext(actx, "following alternative authentication method",
			slog.String("from", desc.Name),
			slog.String("to", next.Name),
		)
		followed++
		s.AlternativeTried = true
		s.SelectedModuleID, s.SelectedModuleName = next.ID, next.Name
		desc = next
	}
}

// Advance runs one PREPARE_STEP, EXECUTE_STEP, DECIDE_NEXT cycle on s.
//
// s is updated only when a transition commits. A failed step changes only
// State, LastError and UpdatedAt. When ctx ends mid-step, s is left as it
// was and ctx's error is returned. Terminal or nil sessions yield a
// *module.ProtocolViolationError without calling any module.
func (e *Executor) Advance(ctx context.Context, s *Session, params url.Values) (*StepResult, error) {
	if s == nil {
		return nil, &module.ProtocolViolationError{Cause: module.ErrUnknownSession}
	}
	if s.State.Terminal() {
		return nil, &module.ProtocolViolationError{SessionID: s.ID, State: s.State.String(), Cause: module.ErrSessionTerminal}
	}
	if s.State != StatePrepareStep {
		return nil, &module.ProtocolViolationError{SessionID: s.ID, State: s.State.String(), Cause: ErrNotAwaitingStep}
	}
	d, ok := domains[s.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, s.Kind)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	step := s.CurrentStep
	desc, info := e.resolve(d, s)
	if info != nil {
		return e.fail(e.phase(ctx, s, step, StatePrepareStep), s, info), nil
	}
	st, _ := stepper(desc)
	req := newRequest(s, desc, params)

	total := s.TotalSteps
	if !s.StepsKnown {
		n, err := invoke.Call(e.phase(ctx, s, step, StatePrepareStep), e.inv, desc, req, "StepCount", -1, func(ctx context.Context) (int, error) {
			return st.StepCount(ctx, req)
		})
		if err != nil {
			return e.interrupted(ctx, s, desc, err)
		}
		if n < 1 {
			return e.fail(ctx, s, &ErrorInfo{Reason: ReasonStepCount, Module: desc.Name, Operation: "StepCount", Message: fmt.Sprintf("step count %d", n)}), nil
		}
		total = n
	}
	if step < 1 || step > total {
		return e.fail(ctx, s, &ErrorInfo{Reason: ReasonInvalidNextStep, Module: desc.Name, Step: step, Message: fmt.Sprintf("step %d outside 1..%d", step, total)}), nil
	}

	pctx := e.phase(ctx, s, step, StatePrepareStep)
	prepared, err := invoke.Call(pctx, e.inv, desc, req, "PrepareForStep", false, func(ctx context.Context) (bool, error) {
		return st.PrepareForStep(ctx, req, step)
	}, invoke.Abortable())
	if err != nil {
		return e.interrupted(ctx, s, desc, err)
	}
	if !prepared {
		return e.fail(pctx, s, &ErrorInfo{Reason: ReasonPrepareRejected, Module: desc.Name, Operation: "PrepareForStep", Step: step}), nil
	}

	xctx := e.phase(ctx, s, step, StateExecuteStep)
	executed, err := invoke.Call(xctx, e.inv, desc, req, d.executeOp, false, func(ctx context.Context) (bool, error) {
		return d.execute(ctx, desc.Implementation, req, step)
	}, invoke.Abortable())
	if err != nil {
		return e.interrupted(ctx, s, desc, err)
	}
	if !executed {
		return e.fail(xctx, s, &ErrorInfo{Reason: ReasonExecuteRejected, Module: desc.Name, Operation: d.executeOp, Step: step}), nil
	}

	// A failed NextStep yields 0, which fails the session rather than
	// completing it.
	nctx := e.phase(ctx, s, step, StateDecideNext)
	next, err := invoke.Call(nctx, e.inv, desc, req, "NextStep", 0, func(ctx context.Context) (int, error) {
		return st.NextStep(ctx, req, step)
	})
	if err != nil {
		return e.interrupted(ctx, s, desc, err)
	}

	switch {
	case next == -1 || next > total:
		s.TotalSteps = total
		s.StepsKnown = true
		s.State = StateComplete
		s.LastError = nil
		s.UpdatedAt = e.now()
		e.metrics.ObserveWorkflow(s.Kind.String(), StateComplete.String())
		e.log.InfoContext(e.phase(ctx, s, step, StateComplete), "workflow complete", slog.String("module", desc.Name))
		return &StepResult{State: s.State, Step: s.CurrentStep, Artifacts: s.Artifacts}, nil

	case next >= 1:
		arts, err := e.artifacts(e.phase(ctx, s, next, StatePrepareStep), desc, st, req, next)
		if err != nil {
			return e.interrupted(ctx, s, desc, err)
		}
		s.TotalSteps = total
		s.StepsKnown = true
		s.CurrentStep = next
		s.State = StatePrepareStep
		s.Artifacts = arts
		s.UpdatedAt = e.now()
		return &StepResult{State: s.State, Step: next, Artifacts: arts}, nil

	default:
		return e.fail(nctx, s, &ErrorInfo{Reason: ReasonInvalidNextStep, Module: desc.Name, Operation: "NextStep", Step: step, Message: fmt.Sprintf("next step %d", next)}), nil
	}
}

// Artifacts returns the page and extra parameters of the step s is waiting
// on. Terminal sessions report the last artifact they recorded.
func (e *Executor) Artifacts(ctx context.Context, s *Session, params url.Values) (*Artifacts, error) {
	if s == nil {
		return nil, &module.ProtocolViolationError{Cause: module.ErrUnknownSession}
	}
	if s.State != StatePrepareStep {
		return s.storedArtifacts(), nil
	}
	d, ok := domains[s.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, s.Kind)
	}
	desc, info := e.resolve(d, s)
	if info != nil {
		return s.storedArtifacts(), nil
	}
	st, _ := stepper(desc)
	req := newRequest(s, desc, params)
	return e.artifacts(e.phase(ctx, s, s.CurrentStep, StatePrepareStep), desc, st, req, s.CurrentStep)
}

func (s *Session) storedArtifacts() *Artifacts {
	if s.Artifacts == nil {
		return &Artifacts{Step: s.CurrentStep}
	}
	return s.Clone().Artifacts
}

func (e *Executor) artifacts(ctx context.Context, desc *module.Descriptor, st module.Stepper, req *module.Request, step int) (*Artifacts, error) {
	page, err := invoke.Call(ctx, e.inv, desc, req, "PageForStep", "", func(ctx context.Context) (string, error) {
		return st.PageForStep(ctx, req, step)
	})
	if err != nil {
		return nil, err
	}
	extra, err := invoke.Call(ctx, e.inv, desc, req, "ExtraParametersForStep", []string(nil), func(ctx context.Context) ([]string, error) {
		return st.ExtraParametersForStep(ctx, req, step)
	})
	if err != nil {
		return nil, err
	}
	return &Artifacts{Step: step, Page: page, ExtraParameters: extra}, nil
}

// resolve finds the session's module in the current snapshot. The module
// never changes mid-workflow; if a reload removed it, the session fails.
func (e *Executor) resolve(d domain, s *Session) (*module.Descriptor, *ErrorInfo) {
	desc, ok := e.snaps.Current(s.Kind).ByID(s.SelectedModuleID)
	if !ok {
		return nil, &ErrorInfo{
			Reason:  ReasonModuleUnavailable,
			Module:  s.SelectedModuleName,
			Step:    s.CurrentStep,
			Message: "module is no longer configured",
		}
	}
	if err := module.CheckCapability(d.kind, desc.Implementation); err != nil {
		return nil, &ErrorInfo{Reason: ReasonModuleUnavailable, Module: desc.Name, Step: s.CurrentStep, Message: err.Error()}
	}
	return desc, nil
}

// interrupted handles an error escaping the invoker mid-step: an abort fails
// the session, anything else (the end of ctx) leaves it untouched.
func (e *Executor) interrupted(ctx context.Context, s *Session, desc *module.Descriptor, err error) (*StepResult, error) {
	var ae *module.AbortError
	if errors.As(err, &ae) {
		return e.fail(ctx, s, abortInfo(desc, ae)), err
	}
	e.log.DebugContext(ctx, "workflow step abandoned", slog.String("err", err.Error()))
	return nil, err
}

func (e *Executor) fail(ctx context.Context, s *Session, info *ErrorInfo) *StepResult {
	s.State = StateFailed
	s.LastError = info
	s.UpdatedAt = e.now()
	e.metrics.ObserveWorkflow(s.Kind.String(), StateFailed.String())
	e.log.WarnContext(ctx, "workflow failed",
		slog.String("reason", info.Reason),
		slog.String("module", info.Module),
		slog.String("detail", info.Message),
	)
	return &StepResult{State: s.State, Step: s.CurrentStep, Artifacts: s.Artifacts, Error: info}
}

func abortInfo(desc *module.Descriptor, ae *module.AbortError) *ErrorInfo {
	return &ErrorInfo{
		Reason:     ReasonAborted,
		Module:     desc.Name,
		Message:    ae.Description,
		Code:       ae.Code,
		StatusCode: ae.StatusCode,
	}
}

func (e *Executor) phase(ctx context.Context, s *Session, step int, state State) context.Context {
	return logctx.WithWorkflowData(ctx, &logctx.WorkflowData{
		SessionID: s.ID,
		Kind:      s.Kind.String(),
		Step:      step,
		State:     state.String(),
	})
}

func newRequest(s *Session, desc *module.Descriptor, params url.Values) *module.Request {
	return module.NewRequest(s.ID, s.ClientID, params, desc.Attributes)
}
