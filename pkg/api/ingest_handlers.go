package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/openclaw/warden/pkg/approval"
	"github.com/openclaw/warden/pkg/contracts"
	"github.com/openclaw/warden/pkg/store"
	"github.com/openclaw/warden/pkg/trace"
)

// handleIngestTrace accepts a post-hoc execution trace. The gateway verifies
// the hash chain on ingest and stores the bundle with its integrity verdict;
// it never mutates steps.
func (s *Server) handleIngestTrace(w http.ResponseWriter, r *http.Request) {
	claims, _ := AdapterFromContext(r.Context())

	var bundle contracts.TraceBundle
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&bundle); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if bundle.TraceID == "" {
		WriteBadRequest(w, "trace_id is required")
		return
	}

	// Identity comes from the token, not the bundle.
	bundle.TenantID = claims.TenantID
	bundle.AdapterID = claims.AdapterID
	if bundle.WorkspaceID == "" {
		bundle.WorkspaceID = claims.WorkspaceID
	}

	if err := trace.ValidateSteps(&bundle); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	bundle.Integrity = trace.Verify(&bundle)
	bundle.CreatedAt = s.clock().UTC()

	if err := s.store.InsertTrace(r.Context(), &bundle); err != nil {
		WriteInternal(w, err)
		return
	}
	if err := s.audit.Emit(r.Context(), &contracts.AuditEvent{
		TenantID:    claims.TenantID,
		WorkspaceID: bundle.WorkspaceID,
		ExecutionID: bundle.ExecutionID,
		TraceID:     bundle.TraceID,
		EventType:   contracts.EventAdapterTraceIngested,
		EventData: map[string]any{
			"integrity":  string(bundle.Integrity),
			"step_count": len(bundle.Steps),
		},
	}); err != nil {
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stored":    true,
		"trace_id":  bundle.TraceID,
		"integrity": string(bundle.Integrity),
	})
}

type ingestAuditRequest struct {
	ExecutionID string         `json:"execution_id,omitempty"`
	TraceID     string         `json:"trace_id,omitempty"`
	EventData   map[string]any `json:"event_data"`
}

// handleIngestAudit records an adapter-side event into the tenant chain. The
// payload is wrapped, not trusted: the event type is always
// adapter_audit_event regardless of what the adapter claims.
func (s *Server) handleIngestAudit(w http.ResponseWriter, r *http.Request) {
	claims, _ := AdapterFromContext(r.Context())

	var req ingestAuditRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.EventData) == 0 {
		WriteBadRequest(w, "event_data is required")
		return
	}

	if err := s.audit.Emit(r.Context(), &contracts.AuditEvent{
		TenantID:    claims.TenantID,
		WorkspaceID: claims.WorkspaceID,
		ExecutionID: req.ExecutionID,
		TraceID:     req.TraceID,
		EventType:   contracts.EventAdapterAuditEvent,
		EventData: map[string]any{
			"adapter_id": claims.AdapterID,
			"payload":    req.EventData,
		},
	}); err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stored": true})
}

type pollDecisionResponse struct {
	DecisionID    string                  `json:"decision_id"`
	ExecutionID   string                  `json:"execution_id"`
	Status        contracts.DecisionStatus `json:"status"`
	Resolution    *contracts.Resolution   `json:"resolution,omitempty"`
	DecisionToken string                  `json:"decision_token,omitempty"`
	GrantedScope  *contracts.GrantedScope `json:"granted_scope,omitempty"`
	ExpiresAt     string                  `json:"expires_at,omitempty"`
}

// handlePollDecision reports the latest decision for an execution. Lazy
// expiry applies on read; the token is only released once approved.
func (s *Server) handlePollDecision(w http.ResponseWriter, r *http.Request) {
	claims, _ := AdapterFromContext(r.Context())
	executionID := r.PathValue("execution_id")

	record, err := s.approvals.Poll(r.Context(), claims.TenantID, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "no decision for execution")
			return
		}
		WriteInternal(w, err)
		return
	}

	resp := pollDecisionResponse{
		DecisionID:  record.DecisionID,
		ExecutionID: record.ExecutionID,
		Status:      record.Status,
		Resolution:  record.Resolution,
	}
	if record.ExpiresAt != nil {
		resp.ExpiresAt = record.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if record.Status == contracts.StatusApproved && record.DecisionTokenUsedAt == nil {
		resp.DecisionToken = record.DecisionToken
		resp.GrantedScope = record.GrantedScope
	}
	writeJSON(w, http.StatusOK, resp)
}

type consumeTokenRequest struct {
	Token string `json:"token"`
}

// handleConsumeToken burns a decision token. Exactly one consume succeeds
// per token; replays get 409.
func (s *Server) handleConsumeToken(w http.ResponseWriter, r *http.Request) {
	var req consumeTokenRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Token == "" {
		WriteBadRequest(w, "token is required")
		return
	}

	claims, err := s.approvals.ConsumeToken(r.Context(), req.Token)
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrTokenConsumed):
			WriteConflict(w, "decision token already used")
		case errors.Is(err, approval.ErrTokenMismatch):
			WriteConflict(w, "decision token does not match its decision record")
		case errors.Is(err, approval.ErrTokenExpired), errors.Is(err, approval.ErrTokenInvalid):
			WriteUnauthorized(w, "decision token invalid or expired")
		case errors.Is(err, store.ErrNotFound):
			WriteNotFound(w, "decision not found")
		default:
			WriteInternal(w, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"consumed":      true,
		"decision_id":   claims.DecisionID,
		"execution_id":  claims.ExecutionID,
		"granted_scope": claims.GrantedScope,
	})
}
