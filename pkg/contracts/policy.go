// Package contracts defines the shared types exchanged between the governance
// pipeline, the persistence layer, and the adapter-facing HTTP surface.
package contracts

import (
	"encoding/json"
	"time"
)

// Effect decisions a policy can produce.
const (
	DecisionAllow           = "allow"
	DecisionDeny            = "deny"
	DecisionRequireApproval = "require_approval"
)

// SubjectType enumerates what a policy subject binds to.
type SubjectType string

const (
	SubjectTool        SubjectType = "tool"
	SubjectAdapter     SubjectType = "adapter"
	SubjectSkill       SubjectType = "skill"
	SubjectEnvironment SubjectType = "environment"
	SubjectRisk        SubjectType = "risk"
	SubjectCost        SubjectType = "cost"
)

// PolicyScope restricts where a policy applies. A nil WorkspaceID or
// Environment means the policy is global for that axis.
type PolicyScope struct {
	TenantID    string  `json:"tenant_id"`
	WorkspaceID *string `json:"workspace_id,omitempty"`
	Environment *string `json:"environment,omitempty"`
}

// PolicySubject selects the entity class a policy governs. When Name is set
// the subject only matches requests whose corresponding context field equals it.
type PolicySubject struct {
	Type SubjectType `json:"type"`
	Name string      `json:"name,omitempty"`
}

// PolicyEffect is the outcome a matching policy contributes.
type PolicyEffect struct {
	Decision string `json:"decision"`
	// MaxSteps optionally caps the granted step budget when this policy wins.
	MaxSteps int `json:"max_steps,omitempty"`
}

// WizardMeta is a provenance receipt attached by the setup wizard. It is
// self-attested display metadata only; evaluation never reads it.
type WizardMeta struct {
	Source       string    `json:"source,omitempty"`
	TemplateID   string    `json:"template_id,omitempty"`
	ContentHash  string    `json:"content_hash,omitempty"`
	GeneratedAt  time.Time `json:"generated_at,omitzero"`
	OperatorNote string    `json:"operator_note,omitempty"`
}

// Policy is a scoped governance rule. Conditions hold raw expressions keyed by
// dotted context field; they are parsed by the policy package so that a stored
// policy rehydrates to a semantically identical object.
type Policy struct {
	PolicyID    string                     `json:"policy_id"`
	Scope       PolicyScope                `json:"scope"`
	Subject     PolicySubject              `json:"subject"`
	Conditions  map[string]json.RawMessage `json:"conditions,omitempty"`
	Effect      PolicyEffect               `json:"effect"`
	Explanation string                     `json:"explanation,omitempty"`
	Precedence  int                        `json:"precedence"`
	Enabled     bool                       `json:"enabled"`
	WizardMeta  *WizardMeta                `json:"wizard_meta,omitempty"`
	CreatedAt   time.Time                  `json:"created_at,omitzero"`
	UpdatedAt   time.Time                  `json:"updated_at,omitzero"`
}

// PolicyFilter narrows a policy list query. Workspace and environment filters
// match policies whose scope equals the filter or is global (NULL).
type PolicyFilter struct {
	TenantID    string
	WorkspaceID *string
	Environment *string
	EnabledOnly bool
}
