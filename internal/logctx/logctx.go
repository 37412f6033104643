package logctx

import (
	"context"
	"log/slog"
)

// Handler enriches records with the workflow, module and request data
// carried by the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if wd, ok := ctx.Value(workflowDataKey{}).(*WorkflowData); ok {
		r.AddAttrs(slog.Group("wf",
			slog.String("session_id", wd.SessionID),
			slog.String("kind", wd.Kind),
			slog.Int("step", wd.Step),
			slog.String("state", wd.State),
		))
	}

	if md, ok := ctx.Value(moduleDataKey{}).(*ModuleData); ok {
		r.AddAttrs(slog.Group("mod",
			slog.String("name", md.Name),
			slog.String("kind", md.Kind),
			slog.String("operation", md.Operation),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{h.Handler.WithGroup(name)}
}

// Wrap returns h wrapped in a Handler. A nil h yields a discarding handler.
func Wrap(h slog.Handler) slog.Handler {
	if h == nil {
		h = slog.DiscardHandler
	}
	if _, ok := h.(Handler); ok {
		return h
	}
	return Handler{h}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type workflowDataKey struct{}

type WorkflowData struct {
	SessionID string
	Kind      string
	Step      int
	State     string
}

func WithWorkflowData(ctx context.Context, data *WorkflowData) context.Context {
	return context.WithValue(ctx, workflowDataKey{}, data)
}

type moduleDataKey struct{}

type ModuleData struct {
	Name      string
	Kind      string
	Operation string
}

func WithModuleData(ctx context.Context, data *ModuleData) context.Context {
	return context.WithValue(ctx, moduleDataKey{}, data)
}
