package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/openclaw/warden/pkg/approval"
	"github.com/openclaw/warden/pkg/audit"
	"github.com/openclaw/warden/pkg/budget"
	"github.com/openclaw/warden/pkg/canonical"
	"github.com/openclaw/warden/pkg/contracts"
	"github.com/openclaw/warden/pkg/policy"
	"github.com/openclaw/warden/pkg/store"
)

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := contracts.PolicyFilter{
		TenantID:    s.cfg.TenantID,
		WorkspaceID: optionalStr(q.Get("workspace_id")),
		Environment: optionalStr(q.Get("environment")),
		EnabledOnly: q.Get("enabled_only") == "true",
	}
	policies, err := s.store.ListPolicies(r.Context(), filter)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPolicy(r.Context(), s.cfg.TenantID, r.PathValue("policy_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "policy not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handlePutPolicy validates and upserts one policy document. Validation runs
// before any row is written; a policy that fails schema or condition parsing
// never reaches the store.
func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	p, ok := s.decodePolicyDocument(w, r.PathValue("policy_id"), body)
	if !ok {
		return
	}

	if err := s.store.UpsertPolicy(r.Context(), p); err != nil {
		WriteInternal(w, err)
		return
	}
	if err := s.audit.Emit(r.Context(), &contracts.AuditEvent{
		TenantID:  s.cfg.TenantID,
		EventType: contracts.EventPolicyUpdated,
		EventData: map[string]any{
			"policy_id":  p.PolicyID,
			"decision":   p.Effect.Decision,
			"precedence": p.Precedence,
			"enabled":    p.Enabled,
		},
	}); err != nil {
		WriteInternal(w, err)
		return
	}

	stored, err := s.store.GetPolicy(r.Context(), s.cfg.TenantID, p.PolicyID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	policyID := r.PathValue("policy_id")
	if err := s.store.DeletePolicy(r.Context(), s.cfg.TenantID, policyID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "policy not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	if err := s.audit.Emit(r.Context(), &contracts.AuditEvent{
		TenantID:  s.cfg.TenantID,
		EventType: contracts.EventPolicyUpdated,
		EventData: map[string]any{"policy_id": policyID, "deleted": true},
	}); err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleSetPolicyEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	policyID := r.PathValue("policy_id")
	if err := s.store.SetPolicyEnabled(r.Context(), s.cfg.TenantID, policyID, req.Enabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "policy not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	if err := s.audit.Emit(r.Context(), &contracts.AuditEvent{
		TenantID:  s.cfg.TenantID,
		EventType: contracts.EventPolicyUpdated,
		EventData: map[string]any{"policy_id": policyID, "enabled": req.Enabled},
	}); err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policy_id": policyID, "enabled": req.Enabled})
}

type wizardPolicyRequest struct {
	TemplateID   string          `json:"template_id"`
	OperatorNote string          `json:"operator_note,omitempty"`
	Policy       json.RawMessage `json:"policy"`
}

// handleWizardPolicy creates a policy from the setup wizard. The stored
// policy carries a self-attested provenance receipt: template id, content
// hash of the document as submitted, and generation time.
func (s *Server) handleWizardPolicy(w http.ResponseWriter, r *http.Request) {
	var req wizardPolicyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Policy) == 0 {
		WriteBadRequest(w, "policy document is required")
		return
	}

	p, ok := s.decodePolicyDocument(w, "", req.Policy)
	if !ok {
		return
	}
	p.WizardMeta = &contracts.WizardMeta{
		Source:       "wizard",
		TemplateID:   req.TemplateID,
		ContentHash:  canonical.HashBytes(req.Policy),
		GeneratedAt:  s.clock().UTC(),
		OperatorNote: req.OperatorNote,
	}

	if err := s.store.UpsertPolicy(r.Context(), p); err != nil {
		WriteInternal(w, err)
		return
	}
	if err := s.audit.Emit(r.Context(), &contracts.AuditEvent{
		TenantID:  s.cfg.TenantID,
		EventType: contracts.EventPolicyCreatedViaWizard,
		EventData: map[string]any{
			"policy_id":    p.PolicyID,
			"template_id":  req.TemplateID,
			"content_hash": p.WizardMeta.ContentHash,
		},
	}); err != nil {
		WriteInternal(w, err)
		return
	}

	stored, err := s.store.GetPolicy(r.Context(), s.cfg.TenantID, p.PolicyID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// decodePolicyDocument validates a raw policy document and binds it to the
// configured tenant. When pathID is non-empty the document's policy_id must
// match it.
func (s *Server) decodePolicyDocument(w http.ResponseWriter, pathID string, doc []byte) (*contracts.Policy, bool) {
	if err := policy.ValidateDocument(doc); err != nil {
		WriteBadRequest(w, err.Error())
		return nil, false
	}
	var p contracts.Policy
	if err := json.Unmarshal(doc, &p); err != nil {
		WriteBadRequest(w, "invalid policy document")
		return nil, false
	}
	if pathID != "" && p.PolicyID != pathID {
		WriteBadRequest(w, "policy_id in body must match the URL")
		return nil, false
	}
	if p.Scope.TenantID != s.cfg.TenantID {
		WriteBadRequest(w, "policy scope tenant_id must match the gateway tenant")
		return nil, false
	}
	return &p, true
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	decisions, err := s.store.ListDecisions(r.Context(), s.cfg.TenantID,
		contracts.DecisionStatus(q.Get("status")), limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

type resolveDecisionRequest struct {
	Approve    bool   `json:"approve"`
	ResolvedBy string `json:"resolved_by"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) handleResolveDecision(w http.ResponseWriter, r *http.Request) {
	var req resolveDecisionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	record, err := s.approvals.Resolve(r.Context(), r.PathValue("decision_id"), req.Approve, req.ResolvedBy, req.Reason)
	if err != nil {
		s.writeResolveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleCancelDecision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CancelledBy string `json:"cancelled_by,omitempty"`
	}
	_ = json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req)
	record, err := s.approvals.Cancel(r.Context(), r.PathValue("decision_id"), req.CancelledBy)
	if err != nil {
		s.writeResolveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) writeResolveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrNotPending):
		WriteConflict(w, "decision is no longer pending")
	case errors.Is(err, store.ErrNotFound):
		WriteNotFound(w, "decision not found")
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	filter := contracts.AuditFilter{
		TenantID:    s.cfg.TenantID,
		ExecutionID: q.Get("execution_id"),
		TraceID:     q.Get("trace_id"),
		EventType:   contracts.EventType(q.Get("event_type")),
		Limit:       limit,
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteBadRequest(w, "since must be RFC 3339")
			return
		}
		filter.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteBadRequest(w, "until must be RFC 3339")
			return
		}
		filter.Until = &t
	}

	events, err := s.store.ListAudit(r.Context(), filter)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	result, err := audit.VerifyChain(r.Context(), s.store, s.cfg.TenantID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExportAudit(w http.ResponseWriter, r *http.Request) {
	var req audit.ExportRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	req.TenantID = s.cfg.TenantID

	pack, err := s.exporter.GeneratePack(r.Context(), req)
	if err != nil {
		if errors.Is(err, audit.ErrInvalidTimeRange) {
			WriteBadRequest(w, err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pack)
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	traces, err := s.store.ListTraces(r.Context(), s.cfg.TenantID, q.Get("execution_id"), limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": traces})
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")
	bundle, err := s.store.GetTrace(r.Context(), traceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "trace not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	annotations, err := s.store.ListTraceAnnotations(r.Context(), traceID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trace": bundle, "annotations": annotations})
}

func (s *Server) handleAnnotateTrace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Author string `json:"author,omitempty"`
		Note   string `json:"note"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Note == "" {
		WriteBadRequest(w, "note is required")
		return
	}
	annotation := &contracts.TraceAnnotation{
		TraceID: r.PathValue("trace_id"),
		Author:  req.Author,
		Note:    req.Note,
	}
	if err := s.store.AnnotateTrace(r.Context(), annotation); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "trace not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, annotation)
}

func (s *Server) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.GetBudget(r.Context(), s.cfg.TenantID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if b == nil {
		writeJSON(w, http.StatusOK, map[string]any{"configured": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"configured": true, "budget": b})
}

func (s *Server) handleSetBudget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LimitCents int64 `json:"limit_cents"`
		UsedCents  int64 `json:"used_cents,omitempty"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.LimitCents < 0 {
		WriteBadRequest(w, "limit_cents must be >= 0")
		return
	}
	b := &budget.TenantBudget{
		TenantID:   s.cfg.TenantID,
		LimitCents: req.LimitCents,
		UsedCents:  req.UsedCents,
	}
	if err := s.store.SetBudget(r.Context(), b); err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
