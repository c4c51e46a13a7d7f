package domain

import "time"

// TimestampFormat is the wire format for entry timestamps: ISO-8601 with
// millisecond precision, always UTC.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// AuditLevel controls how much detail an audit entry carries.
type AuditLevel string

const (
	// AuditNone suppresses the entry entirely.
	AuditNone AuditLevel = "none"
	// AuditBasic records the invocation without arguments or result data.
	AuditBasic AuditLevel = "basic"
	// AuditVerbose records redacted arguments and size-bounded result data.
	AuditVerbose AuditLevel = "verbose"
)

// ParseAuditLevel maps a level string to an AuditLevel, defaulting to basic.
func ParseAuditLevel(s string) AuditLevel {
	switch AuditLevel(s) {
	case AuditNone, AuditBasic, AuditVerbose:
		return AuditLevel(s)
	default:
		return AuditBasic
	}
}

// InvocationResult describes the outcome of a tool invocation.
// Data is only populated at verbose level and is size-bounded before dispatch.
type InvocationResult struct {
	Success     bool   `json:"success"`
	RecordCount *int64 `json:"recordCount,omitempty"`
	Error       string `json:"error,omitempty"`
	Data        any    `json:"data,omitempty"`
}

// AuditLogEntry is the canonical audit record for a single tool invocation.
// Field names are the external wire contract; entries are never mutated after
// dispatch.
type AuditLogEntry struct {
	Timestamp   string            `json:"timestamp"`
	ToolName    string            `json:"toolName"`
	Environment string            `json:"environment,omitempty"`
	Arguments   map[string]any    `json:"arguments,omitempty"`
	Result      *InvocationResult `json:"result,omitempty"`
	DurationMs  *int64            `json:"durationMs,omitempty"`
	SessionID   string            `json:"sessionId,omitempty"`
	UserID      string            `json:"userId,omitempty"`
}

// Failed reports whether the entry describes an explicitly failed invocation.
// An absent result counts as success.
func (e *AuditLogEntry) Failed() bool {
	return e.Result != nil && !e.Result.Success
}

// NewTimestamp returns the current time formatted for the wire.
func NewTimestamp() string {
	return time.Now().UTC().Format(TimestampFormat)
}
