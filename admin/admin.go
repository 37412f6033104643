// Package admin serves the operator HTTP API of a policy host: explicit
// reloads and read-only views of the published module registries.
//
//	POST /reload             reload every managed kind
//	POST /reload/{kind}      reload one kind
//	GET  /modules/{kind}     list the published snapshot of kind
//	GET  /modules/{kind}/{id}/errors
//	                         recent error records of a module
//	GET  /schema/module      JSON schema of a module definition file
//
// Responses are JSON, or YAML when the client prefers application/yaml. The
// schema is always JSON.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/policyhost/internal/jwtauth"
	"github.com/ggoodman/policyhost/internal/logctx"
	"github.com/ggoodman/policyhost/module"
	"github.com/ggoodman/policyhost/registry"
	"github.com/ggoodman/policyhost/store"
	"github.com/ggoodman/policyhost/store/filestore"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

var (
	jsonMediaType  = contenttype.NewMediaType("application/json")
	yamlMediaType  = contenttype.NewMediaType("application/yaml")
	responseTypes  = []contenttype.MediaType{jsonMediaType, yamlMediaType}
	errNotAccepted = errors.New("admin: no acceptable response type")
)

// Reloader is the write path the handler drives; *reload.Coordinator
// implements it.
type Reloader interface {
	Kinds() []module.Kind
	Reload(ctx context.Context, kind module.Kind) (*registry.Snapshot, error)
	Current(kind module.Kind) *registry.Snapshot
}

// Notifier propagates an admin reload to other nodes.
type Notifier interface {
	Notify(ctx context.Context, kinds ...module.Kind) error
}

// Config configures a Handler.
type Config struct {
	Reloader Reloader
	// ErrorLog backs the errors endpoint; nil disables it.
	ErrorLog store.ErrorLog
	// Notifier, when set, is told which kinds each request reloaded
	// successfully. Kinds that failed are never broadcast.
	Notifier Notifier
	// Auth guards every route; nil leaves the API open.
	Auth jwtauth.Authenticator
	// Realm is advertised in bearer challenges.
	Realm      string
	LogHandler slog.Handler
}

// Handler is the admin http.Handler.
type Handler struct {
	reloader Reloader
	errors   store.ErrorLog
	notifier Notifier
	schema   []byte
	log      *slog.Logger
	root     http.Handler
}

// New returns a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Reloader == nil {
		return nil, errors.New("admin: reloader is required")
	}
	schema, err := json.MarshalIndent(filestore.Schema(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("admin: module schema: %w", err)
	}
	h := &Handler{
		schema:   schema,
		reloader: cfg.Reloader,
		errors:   cfg.ErrorLog,
		notifier: cfg.Notifier,
		log:      slog.New(logctx.Wrap(cfg.LogHandler)),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /reload", h.handleReloadAll)
	mux.HandleFunc("POST /reload/{kind}", h.handleReload)
	mux.HandleFunc("GET /modules/{kind}", h.handleListModules)
	mux.HandleFunc("GET /modules/{kind}/{id}/errors", h.handleModuleErrors)
	mux.HandleFunc("GET /schema/module", h.handleModuleSchema)

	h.root = jwtauth.Middleware(cfg.Auth, cfg.Realm, h.log)(mux)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	h.root.ServeHTTP(w, r.WithContext(ctx))
}

// ReloadResult reports one kind's reload.
type ReloadResult struct {
	Kind       module.Kind `json:"kind" yaml:"kind"`
	Generation uint64      `json:"generation,omitempty" yaml:"generation,omitempty"`
	Modules    int         `json:"modules" yaml:"modules"`
	Error      string      `json:"error,omitempty" yaml:"error,omitempty"`
}

// ModuleInfo is the listing form of a descriptor.
type ModuleInfo struct {
	ID        string           `json:"id" yaml:"id"`
	Name      string           `json:"name" yaml:"name"`
	Aliases   []string         `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Level     int              `json:"level" yaml:"level"`
	UsageType module.UsageType `json:"usage_type,omitempty" yaml:"usage_type,omitempty"`
	Type      string           `json:"type" yaml:"type"`
	Revision  string           `json:"revision,omitempty" yaml:"revision,omitempty"`
	Internal  bool             `json:"internal,omitempty" yaml:"internal,omitempty"`
}

// SnapshotInfo describes a published snapshot. Modules are in level order.
type SnapshotInfo struct {
	Kind       module.Kind  `json:"kind" yaml:"kind"`
	ID         string       `json:"id" yaml:"id"`
	Generation uint64       `json:"generation" yaml:"generation"`
	BuiltAt    time.Time    `json:"built_at,omitzero" yaml:"built_at,omitempty"`
	Modules    []ModuleInfo `json:"modules" yaml:"modules"`
}

func (h *Handler) kindParam(w http.ResponseWriter, r *http.Request) (module.Kind, bool) {
	kind, err := module.ParseKind(r.PathValue("kind"))
	if err == nil && slices.Contains(h.reloader.Kinds(), kind) {
		return kind, true
	}
	h.writeError(w, r, http.StatusNotFound, "unknown module kind")
	return "", false
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kindParam(w, r)
	if !ok {
		return
	}
	res := h.reload(r.Context(), kind)
	if res.Error != "" {
		h.write(w, r, http.StatusUnprocessableEntity, res)
		return
	}
	h.notify(r.Context(), kind)
	h.write(w, r, http.StatusOK, res)
}

func (h *Handler) handleReloadAll(w http.ResponseWriter, r *http.Request) {
	kinds := h.reloader.Kinds()
	results := make([]ReloadResult, 0, len(kinds))
	reloaded := make([]module.Kind, 0, len(kinds))
	status := http.StatusOK
	for _, kind := range kinds {
		res := h.reload(r.Context(), kind)
		if res.Error != "" {
			status = http.StatusUnprocessableEntity
		} else {
			reloaded = append(reloaded, kind)
		}
		results = append(results, res)
	}
	// Peers read an empty list as every kind.
	if len(reloaded) > 0 {
		h.notify(r.Context(), reloaded...)
	}
	h.write(w, r, status, results)
}

func (h *Handler) reload(ctx context.Context, kind module.Kind) ReloadResult {
	snap, err := h.reloader.Reload(ctx, kind)
	if err != nil {
		h.log.WarnContext(ctx, "admin.reload.fail", slog.String("kind", kind.String()), slog.String("err", err.Error()))
		return ReloadResult{Kind: kind, Modules: h.reloader.Current(kind).Len(), Error: err.Error()}
	}
	h.log.InfoContext(ctx, "admin.reload.ok", slog.String("kind", kind.String()), slog.Uint64("generation", snap.Generation()))
	return ReloadResult{Kind: kind, Generation: snap.Generation(), Modules: snap.Len()}
}

// notify is best effort; the local reload already happened.
func (h *Handler) notify(ctx context.Context, kinds ...module.Kind) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Notify(context.WithoutCancel(ctx), kinds...); err != nil {
		h.log.WarnContext(ctx, "admin.notify.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) handleListModules(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kindParam(w, r)
	if !ok {
		return
	}
	snap := h.reloader.Current(kind)
	info := SnapshotInfo{
		Kind:       kind,
		ID:         snap.ID(),
		Generation: snap.Generation(),
		BuiltAt:    snap.BuiltAt(),
		Modules:    []ModuleInfo{},
	}
	for _, d := range snap.ByLevel() {
		info.Modules = append(info.Modules, ModuleInfo{
			ID:        d.ID,
			Name:      d.Name,
			Aliases:   d.Aliases,
			Level:     d.Level,
			UsageType: d.UsageType,
			Type:      d.Type,
			Revision:  d.Revision,
			Internal:  d.Internal,
		})
	}
	h.write(w, r, http.StatusOK, info)
}

func (h *Handler) handleModuleErrors(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kindParam(w, r)
	if !ok {
		return
	}
	if h.errors == nil {
		h.writeError(w, r, http.StatusNotImplemented, "error log not configured")
		return
	}
	id := r.PathValue("id")
	if _, ok := h.reloader.Current(kind).ByID(id); !ok {
		h.writeError(w, r, http.StatusNotFound, "unknown module")
		return
	}
	recs, err := h.errors.ScriptErrors(r.Context(), id)
	if err != nil {
		h.log.ErrorContext(r.Context(), "admin.errors.fail", slog.String("module", id), slog.String("err", err.Error()))
		h.writeError(w, r, http.StatusInternalServerError, "failed to read error log")
		return
	}
	if recs == nil {
		recs = []module.ErrorRecord{}
	}
	h.write(w, r, http.StatusOK, recs)
}

func (h *Handler) handleModuleSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	if _, err := w.Write(h.schema); err != nil {
		h.log.WarnContext(r.Context(), "admin.write.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, status int, v any) {
	mt, err := negotiate(r)
	if err != nil {
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}
	w.Header().Set("Content-Type", mt.String())
	w.WriteHeader(status)
	if mt.Matches(yamlMediaType) {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		err = enc.Encode(v)
		if err == nil {
			err = enc.Close()
		}
	} else {
		err = json.NewEncoder(w).Encode(v)
	}
	if err != nil {
		h.log.WarnContext(r.Context(), "admin.write.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	h.write(w, r, status, map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// negotiate picks the response type; a missing Accept header means JSON.
func negotiate(r *http.Request) (contenttype.MediaType, error) {
	if r.Header.Get("Accept") == "" {
		return jsonMediaType, nil
	}
	mt, _, err := contenttype.GetAcceptableMediaType(r, responseTypes)
	if err != nil {
		return contenttype.MediaType{}, errNotAccepted
	}
	return mt, nil
}
