package module

import (
	"strings"
	"time"
)

// OwnerReference records that an owner (typically an OAuth client) lists the
// module at Position in its ordered module-reference list.
type OwnerReference struct {
	Owner    string `json:"owner" yaml:"owner"`
	Position int    `json:"position" yaml:"position"`
}

// Source is the persisted form of a module as returned by the configuration
// store. Body is opaque to the host; only the binder interprets it.
type Source struct {
	ID         string            `json:"id" yaml:"id"`
	Name       string            `json:"name" yaml:"name"`
	Aliases    []string          `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Kind       Kind              `json:"kind" yaml:"kind"`
	UsageType  UsageType         `json:"usage_type,omitempty" yaml:"usage_type,omitempty"`
	Level      int               `json:"level" yaml:"level"`
	Enabled    bool              `json:"enabled" yaml:"enabled"`
	APIVersion int               `json:"api_version,omitempty" yaml:"api_version,omitempty"`
	Type       string            `json:"type" yaml:"type"`
	Body       string            `json:"body,omitempty" yaml:"body,omitempty"`
	Revision   string            `json:"revision,omitempty" yaml:"revision,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Owners     []OwnerReference  `json:"owners,omitempty" yaml:"owners,omitempty"`
}

// MaxErrorMessageLen bounds ErrorRecord.Message.
const MaxErrorMessageLen = 1024

// ErrorRecord is the diagnostic entry written when a module call fails. It is
// observability only; dispatch never reads it back.
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
}

// NewErrorRecord builds a record with a truncated message.
func NewErrorRecord(now time.Time, op string, err error) ErrorRecord {
	msg := "<nil>"
	if err != nil {
		msg = err.Error()
	}
	if len(msg) > MaxErrorMessageLen {
		msg = strings.ToValidUTF8(msg[:MaxErrorMessageLen-3], "") + "..."
	}
	return ErrorRecord{Timestamp: now.UTC(), Operation: op, Message: msg}
}
