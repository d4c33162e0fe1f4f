// Package engine fuses RBAC, risk scoring, budget enforcement and policy
// evaluation into the single pre-execution answer the gateway exists for:
// allow, deny, or require_approval, plus the granted scope.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openclaw/warden/pkg/budget"
	"github.com/openclaw/warden/pkg/contracts"
	"github.com/openclaw/warden/pkg/policy"
	"github.com/openclaw/warden/pkg/risk"
)

// Approval modes. Simulate is the default: approval-worthy requests are
// auto-allowed but loudly marked, so a fresh install never stalls on a
// missing operator.
const (
	ModeSimulate = "simulate"
	ModeEnforce  = "enforce"
)

// Blocked reasons surfaced in decision envelopes.
const (
	ReasonRBACDenied   = "rbac_denied"
	ReasonPolicyDenied = "policy_denied"
)

// Default and ceiling for granted step budgets.
const defaultMaxSteps = 100

// scopeTTL bounds how long a granted scope stays valid.
const scopeTTL = 15 * time.Minute

// PolicySource lists the enabled policies in scope. *store.Store satisfies it.
type PolicySource interface {
	ListPolicies(ctx context.Context, filter contracts.PolicyFilter) ([]*contracts.Policy, error)
}

// AuditLogger records the audit side effects of engine outcomes.
type AuditLogger interface {
	Emit(ctx context.Context, ev *contracts.AuditEvent) error
}

// Override is an operator-supplied bypass. Both fields are required; an
// override without a structured code or a justification is ignored.
type Override struct {
	Code          string `json:"code"`
	Justification string `json:"justification"`
	RequestedBy   string `json:"requested_by,omitempty"`
}

func (o *Override) valid() bool {
	return o != nil && o.Code != "" && o.Justification != ""
}

// Request is everything the engine needs to decide one execution.
type Request struct {
	TenantID    string
	WorkspaceID string
	Environment string
	ExecutionID string

	AdapterID        string
	AdapterRiskClass contracts.RiskClass
	RBACAllowed      bool

	Tool      string
	ToolGroup string
	Tools     []string

	SkillID     string
	SkillState  string
	SkillTested bool
	SkillPinned bool

	Intent          string
	Provenance      string
	Temperature     float64
	DataSensitivity string
	ContextFlags    []string
	CustomFlags     []string

	RequestedCapabilities []string
	RequestedMaxSteps     int
	RequestedMaxCostCents int64
	EstimatedCostCents    int64

	Context      map[string]any
	TemplateVars map[string]string

	Override *Override
}

// Outcome is the envelope plus the side-band data callers need: the risk
// assessment for approval records and the policy step cap.
type Outcome struct {
	Envelope contracts.DecisionEnvelope
	Risk     risk.Assessment
	Scope    *contracts.GrantedScope
}

// Engine wires the subsystems together. It holds no request state.
type Engine struct {
	policies  PolicySource
	evaluator *policy.Evaluator
	budget    *budget.Manager
	audit     AuditLogger
	mode      string
	clock     func() time.Time
	log       *slog.Logger
}

func New(policies PolicySource, evaluator *policy.Evaluator, budget *budget.Manager,
	audit AuditLogger, mode string, log *slog.Logger) *Engine {
	if mode != ModeEnforce {
		mode = ModeSimulate
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		policies:  policies,
		evaluator: evaluator,
		budget:    budget,
		audit:     audit,
		mode:      mode,
		clock:     time.Now,
		log:       log,
	}
}

// WithClock overrides the clock for tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Mode returns the configured approval mode.
func (e *Engine) Mode() string { return e.mode }

// Decide runs the full fusion. Every return path carries matched policies,
// trace, explanation, approval mode and the fallback flag.
func (e *Engine) Decide(ctx context.Context, req Request) (*Outcome, error) {
	ctx, span := otel.Tracer("warden/engine").Start(ctx, "engine.Decide")
	defer span.End()

	if req.ExecutionID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("execution id: %w", err)
		}
		req.ExecutionID = id.String()
	}
	span.SetAttributes(
		attribute.String("execution_id", req.ExecutionID),
		attribute.String("tool", req.Tool),
	)

	out := &Outcome{}
	out.Envelope = contracts.DecisionEnvelope{
		ExecutionID:     req.ExecutionID,
		ApprovalMode:    e.mode,
		MatchedPolicies: []string{},
		DecisionTrace:   []contracts.ConditionTraceEntry{},
	}

	// 1. RBAC gate. Nothing else runs for an unauthorized caller.
	if !req.RBACAllowed {
		out.Envelope.Decision = contracts.DecisionDeny
		out.Envelope.BlockedReason = ReasonRBACDenied
		out.Envelope.Explanation = "Caller is not authorized for this operation"
		return out, nil
	}

	// 2. Risk and budget.
	out.Risk = risk.Score(risk.Input{
		Tools:            toolList(req),
		SkillID:          req.SkillID,
		SkillState:       req.SkillState,
		SkillTested:      req.SkillTested,
		SkillPinned:      req.SkillPinned,
		Temperature:      req.Temperature,
		DataSensitivity:  req.DataSensitivity,
		AdapterRiskClass: req.AdapterRiskClass,
		Capabilities:     req.RequestedCapabilities,
		ContextFlags:     req.ContextFlags,
		CustomFlags:      req.CustomFlags,
		Provenance:       req.Provenance,
	})
	span.SetAttributes(attribute.String("risk_level", string(out.Risk.Level)))
	budgetDecision := e.budget.Check(ctx, req.TenantID, req.EstimatedCostCents)

	// 3. Policy evaluation with the full context, risk level included.
	policies, err := e.policies.ListPolicies(ctx, contracts.PolicyFilter{
		TenantID:    req.TenantID,
		WorkspaceID: optional(req.WorkspaceID),
		Environment: optional(req.Environment),
		EnabledOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	result, err := e.evaluator.Evaluate(ctx, deref(policies), e.policyContext(req, out.Risk))
	if err != nil {
		return nil, fmt.Errorf("evaluate policies: %w", err)
	}
	out.Envelope.MatchedPolicies = result.MatchedPolicies
	out.Envelope.DecisionTrace = result.Trace
	out.Envelope.Explanation = result.Explanation
	out.Envelope.PolicyFallbackHit = result.FallbackHit

	overridden := req.Override.valid()

	// 4. Budget denial, unless overridden.
	if !budgetDecision.Allowed && !overridden {
		out.Envelope.Decision = contracts.DecisionDeny
		out.Envelope.BlockedReason = budgetDecision.Reason
		out.Envelope.Explanation = "Blocked: estimated cost exceeds the tenant budget"
		if err := e.audit.Emit(ctx, &contracts.AuditEvent{
			TenantID:    req.TenantID,
			WorkspaceID: req.WorkspaceID,
			ExecutionID: req.ExecutionID,
			EventType:   contracts.EventBudgetDenied,
			EventData: map[string]any{
				"estimated_cost_cents": req.EstimatedCostCents,
				"remaining_cents":      budgetDecision.RemainingCents,
			},
		}); err != nil {
			return nil, err
		}
		return out, nil
	}

	// 5. Policy denial, unless overridden.
	if result.Decision == contracts.DecisionDeny && !overridden {
		out.Envelope.Decision = contracts.DecisionDeny
		out.Envelope.BlockedReason = ReasonPolicyDenied
		return out, nil
	}

	// 6 & 7. Approval forks: first keyed on policy, then on computed risk.
	if !overridden {
		if result.Decision == contracts.DecisionRequireApproval {
			return e.approvalFork(ctx, req, out, "policy", result)
		}
		if out.Risk.Level == risk.LevelHigh || out.Risk.Level == risk.LevelCritical {
			return e.approvalFork(ctx, req, out, "risk", result)
		}
	}

	// 8. A valid override is audited and continues to allow.
	if overridden {
		if err := e.audit.Emit(ctx, &contracts.AuditEvent{
			TenantID:    req.TenantID,
			WorkspaceID: req.WorkspaceID,
			ExecutionID: req.ExecutionID,
			UserID:      req.Override.RequestedBy,
			EventType:   contracts.EventOpsOverrideUsed,
			EventData: map[string]any{
				"code":          req.Override.Code,
				"justification": req.Override.Justification,
				"tool":          req.Tool,
			},
		}); err != nil {
			return nil, err
		}
	}

	// 9. Allow with granted scope.
	return e.allow(ctx, req, out, result)
}

// approvalFork applies the configured approval mode for a request that needs
// a human. `source` names what tripped it: the policy or the risk level.
func (e *Engine) approvalFork(ctx context.Context, req Request, out *Outcome, source string, result *policy.Result) (*Outcome, error) {
	if e.mode == ModeEnforce {
		out.Envelope.Decision = contracts.DecisionRequireApproval
		out.Envelope.RequiresApproval = true
		out.Scope = e.buildScope(ctx, req, result)
		if out.Envelope.Explanation == "" || source == "risk" {
			out.Envelope.Explanation = approvalExplanation(source, out)
		}
		return out, nil
	}

	// Simulate: allow, but say so everywhere.
	if err := e.audit.Emit(ctx, &contracts.AuditEvent{
		TenantID:    req.TenantID,
		WorkspaceID: req.WorkspaceID,
		ExecutionID: req.ExecutionID,
		EventType:   contracts.EventApprovalAutoAllowedInCore,
		EventData: map[string]any{
			"source":     source,
			"risk_level": string(out.Risk.Level),
			"tool":       req.Tool,
		},
	}); err != nil {
		return nil, err
	}
	out.Envelope.AutoAllowedInCore = true
	out.Envelope.DecisionTrace = append(out.Envelope.DecisionTrace, contracts.ConditionTraceEntry{
		Operator: "approval_mode",
		Result:   true,
		Note:     "simulate mode: approval requirement auto-allowed in core",
	})
	outAllowed, err := e.allow(ctx, req, out, result)
	if err != nil {
		return nil, err
	}
	outAllowed.Envelope.Explanation = approvalExplanation(source, out) + " (auto-allowed: approval mode is simulate)"
	return outAllowed, nil
}

func (e *Engine) allow(ctx context.Context, req Request, out *Outcome, result *policy.Result) (*Outcome, error) {
	out.Envelope.Decision = contracts.DecisionAllow
	out.Envelope.Allowed = true
	out.Scope = e.buildScope(ctx, req, result)
	out.Envelope.GrantedScope = out.Scope
	if out.Envelope.Explanation == "" {
		out.Envelope.Explanation = result.Explanation
	}
	return out, nil
}

// buildScope computes the granted scope: requested capabilities, step budget
// capped by policy, cost capped by residual budget, fixed validity window.
func (e *Engine) buildScope(ctx context.Context, req Request, result *policy.Result) *contracts.GrantedScope {
	steps := req.RequestedMaxSteps
	if steps <= 0 || steps > defaultMaxSteps {
		steps = defaultMaxSteps
	}
	if result.MaxSteps > 0 && result.MaxSteps < steps {
		steps = result.MaxSteps
	}

	requestedCost := req.RequestedMaxCostCents
	if requestedCost <= 0 {
		requestedCost = req.EstimatedCostCents
	}

	return &contracts.GrantedScope{
		Capabilities: req.RequestedCapabilities,
		MaxSteps:     steps,
		MaxCostCents: e.budget.Residual(ctx, req.TenantID, requestedCost),
		ExpiresAt:    e.clock().UTC().Add(scopeTTL),
	}
}

func (e *Engine) policyContext(req Request, assessment risk.Assessment) *policy.PolicyContext {
	return &policy.PolicyContext{
		TenantID:              req.TenantID,
		WorkspaceID:           req.WorkspaceID,
		Environment:           req.Environment,
		AdapterID:             req.AdapterID,
		AdapterRiskClass:      req.AdapterRiskClass,
		Tool:                  req.Tool,
		ToolGroup:             req.ToolGroup,
		SkillID:               req.SkillID,
		SkillState:            req.SkillState,
		RiskLevel:             string(assessment.Level),
		EstimatedCostCents:    req.EstimatedCostCents,
		RequestedCapabilities: req.RequestedCapabilities,
		Intent:                req.Intent,
		Provenance:            req.Provenance,
		Context:               policy.FromAny(req.Context),
		TemplateVars:          req.TemplateVars,
	}
}

func approvalExplanation(source string, out *Outcome) string {
	if source == "risk" {
		return fmt.Sprintf("Approval required: computed risk level is %s", out.Risk.Level)
	}
	if out.Envelope.Explanation != "" {
		return out.Envelope.Explanation
	}
	return "Approval required by policy"
}

func toolList(req Request) []string {
	if len(req.Tools) > 0 {
		return req.Tools
	}
	if req.Tool != "" {
		return []string{req.Tool}
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(ps []*contracts.Policy) []contracts.Policy {
	out := make([]contracts.Policy, len(ps))
	for i, p := range ps {
		out[i] = *p
	}
	return out
}
