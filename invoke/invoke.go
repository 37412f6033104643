// Package invoke calls into untrusted module code. Every call is isolated:
// a panic, a returned error or an exceeded deadline is logged, counted and
// recorded against the module, and the caller receives the safe default it
// supplied instead of the failure.
//
// The only failures that escape are a module-requested abort (see
// module.Request.Abort) on operations declared Abortable, and cancellation
// of the caller's own context.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ggoodman/policyhost/internal/logctx"
	"github.com/ggoodman/policyhost/internal/metrics"
	"github.com/ggoodman/policyhost/module"
)

// LevelTrace is the level successful invocations are logged at.
const LevelTrace = slog.LevelDebug - 4

// ErrorRecorder persists diagnostic records of failed module calls.
type ErrorRecorder interface {
	WriteScriptError(ctx context.Context, moduleID string, rec module.ErrorRecord) error
}

// Config configures an Invoker.
type Config struct {
	// LogHandler receives invocation logs. Nil discards them.
	LogHandler slog.Handler
	// Recorder persists error records. Nil skips persistence.
	Recorder ErrorRecorder
	// Timeout bounds every call. Zero disables the deadline.
	Timeout time.Duration
	// Metrics is optional.
	Metrics *metrics.Metrics
	// Now overrides the clock used for error records.
	Now func() time.Time
}

// Invoker is the SafeInvoker. It is safe for concurrent use.
type Invoker struct {
	log     *slog.Logger
	rec     ErrorRecorder
	timeout time.Duration
	metrics *metrics.Metrics
	now     func() time.Time
}

// New returns an Invoker for cfg.
func New(cfg Config) *Invoker {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Invoker{
		log:     slog.New(logctx.Wrap(cfg.LogHandler)),
		rec:     cfg.Recorder,
		timeout: cfg.Timeout,
		metrics: cfg.Metrics,
		now:     now,
	}
}

// CallOption adjusts a single call.
type CallOption func(*callOptions)

type callOptions struct {
	abortable bool
	timeout   time.Duration
	hasTO     bool
}

// Abortable marks an operation whose module may abort the enclosing request.
// The abort is only honored for modules declaring
// module.APIVersionRequestAbort or later.
func Abortable() CallOption {
	return func(o *callOptions) { o.abortable = true }
}

// WithTimeout overrides the invoker's deadline for one call. Zero disables
// it.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
		o.hasTO = true
	}
}

type result[T any] struct {
	val      T
	err      error
	panicked bool
	recov    any
	stack    []byte
}

// Call runs fn on behalf of desc. On success the module's result is returned
// unchanged. On failure safeDefault is returned with a nil error.
//
// The returned error is non-nil only for a *module.AbortError raised by an
// abortable operation, or when ctx itself ended.
func Call[T any](ctx context.Context, inv *Invoker, desc *module.Descriptor, req *module.Request, op string, safeDefault T, fn func(ctx context.Context) (T, error), opts ...CallOption) (T, error) {
	if desc == nil {
		return safeDefault, fmt.Errorf("invoke: %s called without a module", op)
	}
	if err := ctx.Err(); err != nil {
		return safeDefault, err
	}

	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	timeout := inv.timeout
	if o.hasTO {
		timeout = o.timeout
	}
	abortable := o.abortable && desc.Supports(module.APIVersionRequestAbort)

	ctx = logctx.WithModuleData(ctx, &logctx.ModuleData{
		Name:      desc.Name,
		Kind:      desc.Kind.String(),
		Operation: op,
	})
	if req != nil {
		req.ClearAbort()
	}

	start := time.Now()
	var res result[T]
	if timeout <= 0 {
		res = run(ctx, fn)
	} else {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		done := make(chan result[T], 1)
		go func() { done <- run(callCtx, fn) }()

		select {
		case res = <-done:
		case <-callCtx.Done():
			elapsed := time.Since(start)
			if err := ctx.Err(); err != nil {
				inv.metrics.ObserveInvocation(desc.Kind.String(), desc.Name, op, metrics.OutcomeCanceled, elapsed)
				return safeDefault, err
			}
			// The goroutine is abandoned; its result lands in the buffered
			// channel and is dropped.
			inv.metrics.ObserveInvocation(desc.Kind.String(), desc.Name, op, metrics.OutcomeTimeout, elapsed)
			inv.fail(ctx, desc, op, fmt.Errorf("exceeded deadline of %s: %w", timeout, context.DeadlineExceeded))
			return safeDefault, nil
		}
	}
	elapsed := time.Since(start)

	if abortable {
		if ae := abortFrom(req, res.err); ae != nil {
			inv.metrics.ObserveInvocation(desc.Kind.String(), desc.Name, op, metrics.OutcomeAbort, elapsed)
			inv.log.WarnContext(ctx, "module aborted request",
				slog.String("code", ae.Code),
				slog.String("description", ae.Description),
			)
			return safeDefault, ae
		}
	}

	switch {
	case res.panicked:
		inv.metrics.ObserveInvocation(desc.Kind.String(), desc.Name, op, metrics.OutcomePanic, elapsed)
		inv.fail(ctx, desc, op, &module.PanicError{Value: res.recov}, slog.String("stack", string(res.stack)))
		return safeDefault, nil

	case res.err != nil:
		if err := ctx.Err(); err != nil && errors.Is(res.err, err) {
			inv.metrics.ObserveInvocation(desc.Kind.String(), desc.Name, op, metrics.OutcomeCanceled, elapsed)
			return safeDefault, err
		}
		inv.metrics.ObserveInvocation(desc.Kind.String(), desc.Name, op, metrics.OutcomeError, elapsed)
		inv.fail(ctx, desc, op, res.err)
		return safeDefault, nil
	}

	inv.metrics.ObserveInvocation(desc.Kind.String(), desc.Name, op, metrics.OutcomeOK, elapsed)
	inv.log.Log(ctx, LevelTrace, "module call succeeded", slog.Duration("elapsed", elapsed))
	return res.val, nil
}

func run[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (res result[T]) {
	defer func() {
		if r := recover(); r != nil {
			res.panicked = true
			res.recov = r
			res.stack = debug.Stack()
		}
	}()
	res.val, res.err = fn(ctx)
	return res
}

func abortFrom(req *module.Request, err error) *module.AbortError {
	if req != nil {
		if ae := req.AbortError(); ae != nil {
			return ae
		}
	}
	var ae *module.AbortError
	if errors.As(err, &ae) {
		return ae
	}
	return nil
}

// fail logs and records one failed call. The record is written even if the
// request context has already ended.
func (inv *Invoker) fail(ctx context.Context, desc *module.Descriptor, op string, cause error, attrs ...any) {
	ierr := &module.InvocationError{Module: desc.Name, Operation: op, Cause: cause}
	inv.log.ErrorContext(ctx, "module call failed", append([]any{slog.String("err", cause.Error())}, attrs...)...)

	if inv.rec == nil {
		return
	}
	rec := module.NewErrorRecord(inv.now(), op, ierr)
	if err := inv.rec.WriteScriptError(context.WithoutCancel(ctx), desc.ID, rec); err != nil {
		inv.log.WarnContext(ctx, "failed to persist module error record", slog.String("err", err.Error()))
	}
}
