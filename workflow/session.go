package workflow

import (
	"slices"
	"time"

	"github.com/ggoodman/policyhost/module"
)

// State is a workflow state. Sessions rest only in StatePrepareStep or in a
// terminal state; the others are transient within Begin and Advance.
type State string

const (
	StateSelect          State = "select"
	StateValidate        State = "validate"
	StateFindAlternative State = "find_alternative"
	StatePrepareStep     State = "prepare_step"
	StateExecuteStep     State = "execute_step"
	StateDecideNext      State = "decide_next"
	StateComplete        State = "complete"
	StateFailed          State = "failed"
)

// Terminal reports whether no further step may run.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

func (s State) String() string { return string(s) }

// Failure reasons reported in ErrorInfo.Reason.
const (
	ReasonSelection         = "selection_failed"
	ReasonMethodInvalid     = "method_invalid"
	ReasonNoAlternative     = "no_alternative"
	ReasonAlternativeCycle  = "alternative_cycle"
	ReasonAlternativeLimit  = "alternative_limit"
	ReasonStepCount         = "step_count_unavailable"
	ReasonPrepareRejected   = "prepare_rejected"
	ReasonExecuteRejected   = "execute_rejected"
	ReasonInvalidNextStep   = "invalid_next_step"
	ReasonModuleUnavailable = "module_unavailable"
	ReasonAborted           = "aborted"
)

// ErrorInfo is the structured reason a session failed.
type ErrorInfo struct {
	Reason    string `json:"reason"`
	Message   string `json:"message,omitempty"`
	Module    string `json:"module,omitempty"`
	Operation string `json:"operation,omitempty"`
	Step      int    `json:"step,omitempty"`
	// Code and StatusCode carry a module-requested abort.
	Code       string `json:"code,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

// Artifacts is what the transport renders for a step.
type Artifacts struct {
	Step            int      `json:"step"`
	Page            string   `json:"page,omitempty"`
	ExtraParameters []string `json:"extra_parameters,omitempty"`
}

// Session is the state of one workflow. It is owned by the caller; the
// Executor mutates it only when a transition commits.
type Session struct {
	ID       string      `json:"id"`
	Kind     module.Kind `json:"kind"`
	ClientID string      `json:"client_id,omitempty"`

	SelectedModuleID   string   `json:"selected_module_id,omitempty"`
	SelectedModuleName string   `json:"selected_module_name,omitempty"`
	Candidates         []string `json:"candidates,omitempty"`
	AlternativeTried   bool     `json:"alternative_tried,omitempty"`

	CurrentStep int  `json:"current_step"`
	TotalSteps  int  `json:"total_steps"`
	StepsKnown  bool `json:"steps_known"`

	State     State      `json:"state"`
	LastError *ErrorInfo `json:"last_error,omitempty"`
	Artifacts *Artifacts `json:"artifacts,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the stored revision s was loaded at, zero before the first
	// save. SessionStores maintain it.
	Version uint64 `json:"-"`
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Candidates = slices.Clone(s.Candidates)
	if s.LastError != nil {
		le := *s.LastError
		c.LastError = &le
	}
	if s.Artifacts != nil {
		a := *s.Artifacts
		a.ExtraParameters = slices.Clone(s.Artifacts.ExtraParameters)
		c.Artifacts = &a
	}
	return &c
}

// StepResult is what Advance reports to the transport.
type StepResult struct {
	State     State
	Step      int
	Artifacts *Artifacts
	Error     *ErrorInfo
}
