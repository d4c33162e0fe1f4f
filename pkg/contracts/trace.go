package contracts

import (
	"encoding/json"
	"time"
)

// StepType enumerates trace step kinds.
type StepType string

const (
	StepToolCall   StepType = "tool_call"
	StepToolResult StepType = "tool_result"
	StepLLMCall    StepType = "llm_call"
	StepError      StepType = "error"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepToolCall, StepToolResult, StepLLMCall, StepError:
		return true
	}
	return false
}

// IntegrityStatus is the verification outcome for a trace bundle.
type IntegrityStatus string

const (
	IntegrityVerified    IntegrityStatus = "verified"
	IntegrityCompromised IntegrityStatus = "compromised"
	IntegrityUnsigned    IntegrityStatus = "unsigned"
)

// TraceStep is one hash-chained step inside a trace. StepHash covers the
// canonical JSON of {trace_id, step_id, prev_step_hash, type, payload}.
type TraceStep struct {
	StepID       string          `json:"step_id"`
	Type         StepType        `json:"type"`
	PrevStepHash string          `json:"prev_step_hash,omitempty"`
	StepHash     string          `json:"step_hash,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp,omitzero"`
}

// TraceBundle is an adapter-submitted execution trace.
type TraceBundle struct {
	TraceID     string          `json:"trace_id"`
	TenantID    string          `json:"tenant_id"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	AdapterID   string          `json:"adapter_id"`
	Steps       []TraceStep     `json:"steps"`
	Integrity   IntegrityStatus `json:"integrity"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TraceAnnotation is an operator-side note attached to a stored trace.
type TraceAnnotation struct {
	TraceID   string    `json:"trace_id"`
	Author    string    `json:"author,omitempty"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}
