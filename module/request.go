package module

import (
	"net/url"
	"sync"
)

// Request is the per-call view a module receives. It carries the request
// parameters supplied by the transport and a slot a module may use to abort
// the whole authorization request with a transport-level error.
type Request struct {
	// SessionID identifies the workflow session, when one exists.
	SessionID string
	// ClientID is the OAuth client on whose behalf the workflow runs.
	ClientID string
	// Params holds the inbound request parameters.
	Params url.Values
	// Attributes is the module's configuration attribute map.
	Attributes map[string]string

	mu    sync.Mutex
	abort *AbortError
}

// NewRequest builds a Request for the given session and parameters.
func NewRequest(sessionID, clientID string, params url.Values, attrs map[string]string) *Request {
	if params == nil {
		params = url.Values{}
	}
	return &Request{SessionID: sessionID, ClientID: clientID, Params: params, Attributes: attrs}
}

// Param returns the first value of a request parameter.
func (r *Request) Param(name string) string {
	return r.Params.Get(name)
}

// Abort asks the host to terminate the enclosing request with a
// protocol-level error instead of treating the current call as a module
// failure. Only honored for abortable operations of modules declaring
// APIVersionRequestAbort or later.
func (r *Request) Abort(code, description string, status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abort = &AbortError{Code: code, Description: description, StatusCode: status}
}

// AbortError returns the abort requested by the module, if any.
func (r *Request) AbortError() *AbortError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abort
}

// ClearAbort resets the abort slot before a new call.
func (r *Request) ClearAbort() {
	r.mu.Lock()
	r.abort = nil
	r.mu.Unlock()
}
