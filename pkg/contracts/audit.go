package contracts

import "time"

// EventType is the closed taxonomy of audit events. Extension happens by
// version, not ad hoc strings; Logger rejects unknown types.
type EventType string

const (
	EventToolAuthorizationRequested EventType = "tool_authorization_requested"
	EventToolAuthorizationGranted   EventType = "tool_authorization_granted"
	EventToolAuthorizationDenied    EventType = "tool_authorization_denied"
	EventPolicyDecisionPending      EventType = "policy_decision_pending"
	EventPolicyDecisionResolved     EventType = "policy_decision_resolved"
	EventApprovalAutoAllowedInCore  EventType = "approval_auto_allowed_in_core"
	EventApprovalPendingReused      EventType = "approval_pending_reused"
	EventAdapterTraceIngested       EventType = "adapter_trace_ingested"
	EventAdapterAuditEvent          EventType = "adapter_audit_event"
	EventAdapterRegistered          EventType = "adapter_registered"
	EventOpsOverrideUsed            EventType = "ops_override_used"
	EventPolicyCreatedViaWizard     EventType = "policy_created_via_wizard"
	EventPolicyUpdated              EventType = "policy_updated"
	EventBudgetDenied               EventType = "budget_denied"
)

var knownEventTypes = map[EventType]struct{}{
	EventToolAuthorizationRequested: {},
	EventToolAuthorizationGranted:   {},
	EventToolAuthorizationDenied:    {},
	EventPolicyDecisionPending:      {},
	EventPolicyDecisionResolved:     {},
	EventApprovalAutoAllowedInCore:  {},
	EventApprovalPendingReused:      {},
	EventAdapterTraceIngested:       {},
	EventAdapterAuditEvent:          {},
	EventAdapterRegistered:          {},
	EventOpsOverrideUsed:            {},
	EventPolicyCreatedViaWizard:     {},
	EventPolicyUpdated:              {},
	EventBudgetDenied:               {},
}

// Valid reports whether t belongs to the closed event-type set.
func (t EventType) Valid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// AuditEvent is one append-only audit entry. Every entry also belongs to the
// per-tenant audit chain via (Seq, PrevEventHash, EventHash); the hash is
// computed over the canonical JSON of the core fields. The chain is
// self-attested: no external trust root signs it.
type AuditEvent struct {
	EntryID       string         `json:"entry_id"`
	TenantID      string         `json:"tenant_id"`
	WorkspaceID   string         `json:"workspace_id,omitempty"`
	ExecutionID   string         `json:"execution_id,omitempty"`
	TraceID       string         `json:"trace_id,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	EventType     EventType      `json:"event_type"`
	EventData     map[string]any `json:"event_data,omitempty"`
	Seq           uint64         `json:"seq"`
	PrevEventHash string         `json:"prev_event_hash,omitempty"`
	EventHash     string         `json:"event_hash"`
	CreatedAt     time.Time      `json:"created_at"`
}

// AuditFilter narrows audit listing for the operator console.
type AuditFilter struct {
	TenantID    string
	ExecutionID string
	TraceID     string
	EventType   EventType
	Since       *time.Time
	Until       *time.Time
	Limit       int
}

// ChainStatus summarizes an integrity verification walk.
type ChainStatus string

const (
	ChainVerified    ChainStatus = "verified"
	ChainCompromised ChainStatus = "compromised"
)
