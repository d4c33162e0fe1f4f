package contracts

import "time"

// DecisionStatus is the lifecycle state of a materialized decision record.
// Transitions are monotonic: pending moves to exactly one terminal state.
type DecisionStatus string

const (
	StatusPending  DecisionStatus = "pending"
	StatusApproved DecisionStatus = "approved"
	StatusDenied   DecisionStatus = "denied"
	StatusExpired  DecisionStatus = "expired"
)

// Terminal reports whether the status can no longer change.
func (s DecisionStatus) Terminal() bool {
	return s == StatusApproved || s == StatusDenied || s == StatusExpired
}

// GrantedScope bounds what an allowed execution may do. Residual budget is
// always >= 0.
type GrantedScope struct {
	Capabilities []string  `json:"capabilities"`
	MaxSteps     int       `json:"max_steps"`
	MaxCostCents int64     `json:"max_cost_cents"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Resolution records how a pending decision left the pending state.
type Resolution struct {
	ResolvedBy string    `json:"resolved_by,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// DecisionRecord is the durable form of a require_approval outcome.
type DecisionRecord struct {
	DecisionID          string         `json:"decision_id"`
	TenantID            string         `json:"tenant_id"`
	WorkspaceID         string         `json:"workspace_id,omitempty"`
	ExecutionID         string         `json:"execution_id"`
	AdapterID           string         `json:"adapter_id"`
	Status              DecisionStatus `json:"status"`
	RequiredRole        string         `json:"required_role,omitempty"`
	ExpiresAt           *time.Time     `json:"expires_at,omitempty"`
	RequestSnapshot     map[string]any `json:"request_snapshot,omitempty"`
	GrantedScope        *GrantedScope  `json:"granted_scope,omitempty"`
	Resolution          *Resolution    `json:"resolution,omitempty"`
	Fingerprint         string         `json:"fingerprint,omitempty"`
	DecisionToken       string         `json:"decision_token,omitempty"`
	DecisionTokenJTI    string         `json:"decision_token_jti,omitempty"`
	DecisionTokenUsedAt *time.Time     `json:"decision_token_used_at,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// ConditionTraceEntry records one field evaluation inside a policy match.
// The operator console renders these verbatim.
type ConditionTraceEntry struct {
	PolicyID string `json:"policy_id,omitempty"`
	Field    string `json:"field,omitempty"`
	Operator string `json:"operator"`
	Expected any    `json:"expected,omitempty"`
	Actual   any    `json:"actual,omitempty"`
	Result   bool   `json:"result"`
	Note     string `json:"note,omitempty"`
}

// DecisionEnvelope is the full response to an adapter's execution request.
// Status is always 200; Allowed=false carries the reason.
type DecisionEnvelope struct {
	Allowed           bool                  `json:"allowed"`
	ExecutionID       string                `json:"execution_id"`
	Decision          string                `json:"decision"`
	DecisionID        string                `json:"decision_id,omitempty"`
	GrantedScope      *GrantedScope         `json:"granted_scope,omitempty"`
	BlockedReason     string                `json:"blocked_reason,omitempty"`
	RequiresApproval  bool                  `json:"requires_approval,omitempty"`
	MatchedPolicies   []string              `json:"matched_policies"`
	DecisionTrace     []ConditionTraceEntry `json:"decision_trace"`
	Explanation       string                `json:"explanation,omitempty"`
	ApprovalMode      string                `json:"approval_mode"`
	AutoAllowedInCore bool                  `json:"auto_allowed_in_core,omitempty"`
	PolicyFallbackHit bool                  `json:"policy_fallback_hit"`
}

// ToolAuthorization records the outcome of a single tool invocation check
// under an existing execution. Keyed per (execution_id, tool, sequence).
type ToolAuthorization struct {
	ExecutionID string    `json:"execution_id"`
	Tool        string    `json:"tool"`
	Sequence    int       `json:"sequence"`
	Decision    string    `json:"decision"`
	PolicyID    string    `json:"policy_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
