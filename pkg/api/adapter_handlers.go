package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Masterminds/semver/v3"

	"github.com/openclaw/warden/pkg/approval"
	"github.com/openclaw/warden/pkg/contracts"
	"github.com/openclaw/warden/pkg/engine"
	"github.com/openclaw/warden/pkg/policy"
	"github.com/openclaw/warden/pkg/store"
)

// maxBodyBytes bounds adapter request bodies. Traces carry payloads; 4 MiB
// is generous for everything else.
const maxBodyBytes = 4 << 20

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteBadRequest(w, "unreadable request body")
		return nil, false
	}
	return body, true
}

type registerAdapterRequest struct {
	AdapterID    string   `json:"adapter_id"`
	DisplayName  string   `json:"display_name"`
	RiskClass    string   `json:"risk_class"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
}

func (s *Server) handleRegisterAdapter(w http.ResponseWriter, r *http.Request) {
	claims, _ := AdapterFromContext(r.Context())

	var req registerAdapterRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.AdapterID == "" || req.AdapterID != claims.AdapterID {
		WriteBadRequest(w, "adapter_id must match the authenticated adapter")
		return
	}
	riskClass := contracts.RiskClass(req.RiskClass)
	if !riskClass.Valid() {
		WriteBadRequest(w, "risk_class must be low, medium or high")
		return
	}
	if _, err := semver.NewVersion(req.Version); err != nil {
		WriteBadRequest(w, "version must be valid semver")
		return
	}

	adapter := &contracts.Adapter{
		TenantID:     claims.TenantID,
		AdapterID:    req.AdapterID,
		DisplayName:  req.DisplayName,
		RiskClass:    riskClass,
		Capabilities: req.Capabilities,
		Version:      req.Version,
		Enabled:      true,
	}
	if err := s.store.UpsertAdapter(r.Context(), adapter); err != nil {
		WriteInternal(w, err)
		return
	}
	if err := s.audit.Emit(r.Context(), &contracts.AuditEvent{
		TenantID:    claims.TenantID,
		WorkspaceID: claims.WorkspaceID,
		EventType:   contracts.EventAdapterRegistered,
		EventData: map[string]any{
			"adapter_id": req.AdapterID,
			"risk_class": req.RiskClass,
			"version":    req.Version,
		},
	}); err != nil {
		WriteInternal(w, err)
		return
	}

	stored, err := s.store.GetAdapter(r.Context(), claims.TenantID, req.AdapterID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

type executionRequest struct {
	WorkspaceID string `json:"workspace_id,omitempty"`
	Environment string `json:"environment,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`

	Tool      string   `json:"tool"`
	ToolGroup string   `json:"tool_group,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	Targets   []string `json:"targets,omitempty"`
	SessionID string   `json:"session_id,omitempty"`

	SkillID     string `json:"skill_id,omitempty"`
	SkillState  string `json:"skill_state,omitempty"`
	SkillTested bool   `json:"skill_tested,omitempty"`
	SkillPinned bool   `json:"skill_pinned,omitempty"`

	Intent          string   `json:"intent,omitempty"`
	Provenance      string   `json:"provenance,omitempty"`
	Temperature     float64  `json:"temperature,omitempty"`
	DataSensitivity string   `json:"data_sensitivity,omitempty"`
	ContextFlags    []string `json:"context_flags,omitempty"`
	CustomFlags     []string `json:"custom_flags,omitempty"`

	RequestedCapabilities []string `json:"requested_capabilities,omitempty"`
	MaxSteps              int      `json:"max_steps,omitempty"`
	MaxCostCents          int64    `json:"max_cost_cents,omitempty"`
	EstimatedCostCents    int64    `json:"estimated_cost_cents,omitempty"`

	Context      map[string]any    `json:"context,omitempty"`
	TemplateVars map[string]string `json:"template_vars,omitempty"`

	Override *engine.Override `json:"override,omitempty"`
}

func (s *Server) handleExecutionRequest(w http.ResponseWriter, r *http.Request) {
	claims, _ := AdapterFromContext(r.Context())

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req executionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.Tool == "" && len(req.Tools) == 0 {
		WriteBadRequest(w, "tool or tools is required")
		return
	}

	// Caller identity comes from the token, never the body. The registry
	// decides whether the adapter may ask at all.
	rbacAllowed := false
	riskClass := contracts.RiskClassHigh
	adapter, err := s.store.GetAdapter(r.Context(), claims.TenantID, claims.AdapterID)
	switch {
	case err == nil:
		rbacAllowed = adapter.Enabled
		riskClass = adapter.RiskClass
	case errors.Is(err, store.ErrNotFound):
		// Unregistered adapters are denied, not erred.
	default:
		WriteInternal(w, err)
		return
	}

	out, err := s.engine.Decide(r.Context(), engine.Request{
		TenantID:              claims.TenantID,
		WorkspaceID:           firstNonEmpty(req.WorkspaceID, claims.WorkspaceID),
		Environment:           req.Environment,
		ExecutionID:           req.ExecutionID,
		AdapterID:             claims.AdapterID,
		AdapterRiskClass:      riskClass,
		RBACAllowed:           rbacAllowed,
		Tool:                  req.Tool,
		ToolGroup:             req.ToolGroup,
		Tools:                 req.Tools,
		SkillID:               req.SkillID,
		SkillState:            req.SkillState,
		SkillTested:           req.SkillTested,
		SkillPinned:           req.SkillPinned,
		Intent:                req.Intent,
		Provenance:            req.Provenance,
		Temperature:           req.Temperature,
		DataSensitivity:       req.DataSensitivity,
		ContextFlags:          req.ContextFlags,
		CustomFlags:           req.CustomFlags,
		RequestedCapabilities: req.RequestedCapabilities,
		RequestedMaxSteps:     req.MaxSteps,
		RequestedMaxCostCents: req.MaxCostCents,
		EstimatedCostCents:    req.EstimatedCostCents,
		Context:               req.Context,
		TemplateVars:          req.TemplateVars,
		Override:              req.Override,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}

	// Enforce mode materializes the pending record so an operator can act
	// on it and the adapter can poll.
	if out.Envelope.RequiresApproval {
		var snapshot map[string]any
		_ = json.Unmarshal(body, &snapshot)
		record, reused, err := s.approvals.CreatePending(r.Context(), approval.PendingRequest{
			TenantID:      claims.TenantID,
			WorkspaceID:   firstNonEmpty(req.WorkspaceID, claims.WorkspaceID),
			AdapterID:     claims.AdapterID,
			ExecutionID:   out.Envelope.ExecutionID,
			Tool:          req.Tool,
			Targets:       req.Targets,
			SessionID:     req.SessionID,
			Snapshot:      snapshot,
			ProposedScope: out.Scope,
		})
		if err != nil {
			WriteInternal(w, err)
			return
		}
		out.Envelope.DecisionID = record.DecisionID
		if reused {
			// A reused pending record pins the request to the earlier
			// execution so polling converges on one decision.
			out.Envelope.ExecutionID = record.ExecutionID
		}
	}

	writeJSON(w, http.StatusOK, out.Envelope)
}

type authorizeToolRequest struct {
	ExecutionID  string            `json:"execution_id"`
	Tool         string            `json:"tool"`
	Sequence     int               `json:"sequence"`
	WorkspaceID  string            `json:"workspace_id,omitempty"`
	Environment  string            `json:"environment,omitempty"`
	Context      map[string]any    `json:"context,omitempty"`
	TemplateVars map[string]string `json:"template_vars,omitempty"`
}

type authorizeToolResponse struct {
	Decision string `json:"decision"`
	PolicyID string `json:"policy_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// handleAuthorizeTool is the mid-execution check: one tool invocation under
// an existing execution. Deny here does not revoke the execution's scope, it
// blocks this call only.
func (s *Server) handleAuthorizeTool(w http.ResponseWriter, r *http.Request) {
	claims, _ := AdapterFromContext(r.Context())

	var req authorizeToolRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.ExecutionID == "" || req.Tool == "" {
		WriteBadRequest(w, "execution_id and tool are required")
		return
	}

	if err := s.audit.Emit(r.Context(), &contracts.AuditEvent{
		TenantID:    claims.TenantID,
		WorkspaceID: firstNonEmpty(req.WorkspaceID, claims.WorkspaceID),
		ExecutionID: req.ExecutionID,
		EventType:   contracts.EventToolAuthorizationRequested,
		EventData:   map[string]any{"tool": req.Tool, "sequence": req.Sequence},
	}); err != nil {
		WriteInternal(w, err)
		return
	}

	policies, err := s.store.ListPolicies(r.Context(), contracts.PolicyFilter{
		TenantID:    claims.TenantID,
		WorkspaceID: optionalStr(firstNonEmpty(req.WorkspaceID, claims.WorkspaceID)),
		Environment: optionalStr(req.Environment),
		EnabledOnly: true,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	result, err := s.evaluator.Evaluate(r.Context(), derefPolicies(policies), &policy.PolicyContext{
		TenantID:     claims.TenantID,
		WorkspaceID:  firstNonEmpty(req.WorkspaceID, claims.WorkspaceID),
		Environment:  req.Environment,
		AdapterID:    claims.AdapterID,
		Tool:         req.Tool,
		Context:      policy.FromAny(req.Context),
		TemplateVars: req.TemplateVars,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}

	// Mid-execution there is no one to approve: require_approval resolves
	// to deny for the single call.
	decision := result.Decision
	if decision != contracts.DecisionAllow {
		decision = contracts.DecisionDeny
	}

	resp := authorizeToolResponse{Decision: decision, Reason: result.Explanation}
	if len(result.MatchedPolicies) > 0 {
		resp.PolicyID = result.MatchedPolicies[0]
	}

	outcome := contracts.EventToolAuthorizationGranted
	if decision != contracts.DecisionAllow {
		outcome = contracts.EventToolAuthorizationDenied
	}
	if err := s.audit.Emit(r.Context(), &contracts.AuditEvent{
		TenantID:    claims.TenantID,
		WorkspaceID: firstNonEmpty(req.WorkspaceID, claims.WorkspaceID),
		ExecutionID: req.ExecutionID,
		EventType:   outcome,
		EventData: map[string]any{
			"tool":      req.Tool,
			"sequence":  req.Sequence,
			"policy_id": resp.PolicyID,
		},
	}); err != nil {
		WriteInternal(w, err)
		return
	}

	if err := s.store.InsertToolAuthorization(r.Context(), &contracts.ToolAuthorization{
		ExecutionID: req.ExecutionID,
		Tool:        req.Tool,
		Sequence:    req.Sequence,
		Decision:    decision,
		PolicyID:    resp.PolicyID,
		Reason:      resp.Reason,
	}); err != nil {
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func optionalStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefPolicies(ps []*contracts.Policy) []contracts.Policy {
	out := make([]contracts.Policy, len(ps))
	for i, p := range ps {
		out[i] = *p
	}
	return out
}
