// Package approval owns the pending-decision lifecycle: materializing
// records, operator resolution, single-use decision tokens, fingerprint
// reuse, and lazy expiry.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/warden/pkg/canonical"
	"github.com/openclaw/warden/pkg/contracts"
	"github.com/openclaw/warden/pkg/store"
)

var (
	ErrNotPending    = errors.New("decision is not pending")
	ErrTokenConsumed = errors.New("decision token already used")
	ErrTokenMismatch = errors.New("decision token does not match decision record")
)

// Store is the persistence surface the lifecycle needs. *store.Store
// satisfies it.
type Store interface {
	InsertDecision(ctx context.Context, d *contracts.DecisionRecord) error
	GetDecision(ctx context.Context, decisionID string) (*contracts.DecisionRecord, error)
	GetLatestDecisionForExecution(ctx context.Context, executionID string) (*contracts.DecisionRecord, error)
	ResolveDecision(ctx context.Context, decisionID string, status contracts.DecisionStatus,
		resolution *contracts.Resolution, scope *contracts.GrantedScope, token, jti string,
		audit *contracts.AuditEvent) error
	MarkDecisionExpired(ctx context.Context, decisionID string) error
	MarkDecisionTokenUsed(ctx context.Context, decisionID string) error
	FindPendingByFingerprint(ctx context.Context, tenantID, fingerprint string, window time.Duration) (*contracts.DecisionRecord, error)
}

// AuditLogger decouples the lifecycle from the audit package for tests.
type AuditLogger interface {
	Emit(ctx context.Context, ev *contracts.AuditEvent) error
}

// Manager drives decision records through pending -> terminal.
type Manager struct {
	store       Store
	audit       AuditLogger
	issuer      *TokenIssuer
	waitTimeout time.Duration
	reuseWindow time.Duration
	clock       func() time.Time
	log         *slog.Logger
}

type Config struct {
	WaitTimeout time.Duration // how long a pending record lives
	ReuseWindow time.Duration // fingerprint dedup window
}

func NewManager(st Store, audit AuditLogger, issuer *TokenIssuer, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:       st,
		audit:       audit,
		issuer:      issuer,
		waitTimeout: cfg.WaitTimeout,
		reuseWindow: cfg.ReuseWindow,
		clock:       time.Now,
		log:         log,
	}
}

// WithClock overrides the clock for tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// PendingRequest describes the action awaiting approval.
type PendingRequest struct {
	TenantID      string
	WorkspaceID   string
	AdapterID     string
	ExecutionID   string
	Tool          string
	Targets       []string
	SessionID     string
	RequiredRole  string
	Snapshot      map[string]any
	ProposedScope *contracts.GrantedScope
}

// Fingerprint identifies the semantic action so repeated requests within the
// reuse window share one pending record. Targets keep their order: the
// adapter maps them deterministically.
func Fingerprint(adapterID, tool string, targets []string, sessionID string) string {
	h, err := canonical.Hash(map[string]any{
		"adapter": adapterID,
		"tool":    tool,
		"targets": targets,
		"session": sessionID,
	})
	if err != nil {
		// Only unmarshalable values can fail, and this input never is.
		panic(fmt.Sprintf("fingerprint hash: %v", err))
	}
	return h
}

// CreatePending materializes a decision record, reusing an existing pending
// record with the same fingerprint inside the reuse window. Reused requests
// adopt the earlier execution id.
func (m *Manager) CreatePending(ctx context.Context, req PendingRequest) (*contracts.DecisionRecord, bool, error) {
	fp := Fingerprint(req.AdapterID, req.Tool, req.Targets, req.SessionID)

	existing, err := m.store.FindPendingByFingerprint(ctx, req.TenantID, fp, m.reuseWindow)
	switch {
	case err == nil:
		// Reuse only while genuinely pending.
		if existing.ExpiresAt == nil || m.clock().UTC().Before(*existing.ExpiresAt) {
			if err := m.audit.Emit(ctx, &contracts.AuditEvent{
				TenantID:    req.TenantID,
				WorkspaceID: req.WorkspaceID,
				ExecutionID: existing.ExecutionID,
				EventType:   contracts.EventApprovalPendingReused,
				EventData: map[string]any{
					"decision_id": existing.DecisionID,
					"fingerprint": fp,
					"tool":        req.Tool,
				},
			}); err != nil {
				return nil, false, err
			}
			return existing, true, nil
		}
		// Stale pending record: expire it and fall through to a fresh one.
		if err := m.store.MarkDecisionExpired(ctx, existing.DecisionID); err != nil && !errors.Is(err, store.ErrConflict) {
			return nil, false, err
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, false, err
	}

	now := m.clock().UTC()
	expires := now.Add(m.waitTimeout)
	id, err := uuid.NewV7()
	if err != nil {
		return nil, false, fmt.Errorf("decision id: %w", err)
	}
	record := &contracts.DecisionRecord{
		DecisionID:      id.String(),
		TenantID:        req.TenantID,
		WorkspaceID:     req.WorkspaceID,
		ExecutionID:     req.ExecutionID,
		AdapterID:       req.AdapterID,
		Status:          contracts.StatusPending,
		RequiredRole:    req.RequiredRole,
		ExpiresAt:       &expires,
		RequestSnapshot: req.Snapshot,
		GrantedScope:    req.ProposedScope,
		Fingerprint:     fp,
		CreatedAt:       now,
	}
	if err := m.store.InsertDecision(ctx, record); err != nil {
		return nil, false, err
	}

	if err := m.audit.Emit(ctx, &contracts.AuditEvent{
		TenantID:    req.TenantID,
		WorkspaceID: req.WorkspaceID,
		ExecutionID: req.ExecutionID,
		EventType:   contracts.EventPolicyDecisionPending,
		EventData: map[string]any{
			"decision_id": record.DecisionID,
			"tool":        req.Tool,
			"expires_at":  expires.Format(time.RFC3339),
		},
	}); err != nil {
		return nil, false, err
	}
	return record, false, nil
}

// Resolve moves a pending decision to approved or denied. Approval mints the
// single-use decision token; the token, the status flip, and the
// policy_decision_resolved audit entry commit in one transaction.
func (m *Manager) Resolve(ctx context.Context, decisionID string, approve bool, resolvedBy, reason string) (*contracts.DecisionRecord, error) {
	record, err := m.touch(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if record.Status != contracts.StatusPending {
		return record, fmt.Errorf("decision %s: %w", decisionID, ErrNotPending)
	}

	status := contracts.StatusDenied
	var token, jti string
	var scope *contracts.GrantedScope
	if approve {
		status = contracts.StatusApproved
		scope = record.GrantedScope
		if scope != nil {
			// Scope validity starts at approval, not at request time.
			refreshed := *scope
			refreshed.ExpiresAt = m.clock().UTC().Add(m.issuer.ttl)
			scope = &refreshed
		}
		token, jti, err = m.issuer.Mint(record, scope)
		if err != nil {
			return nil, err
		}
	}

	resolution := &contracts.Resolution{
		ResolvedBy: resolvedBy,
		Reason:     reason,
		ResolvedAt: m.clock().UTC(),
	}
	auditEv := &contracts.AuditEvent{
		TenantID:    record.TenantID,
		WorkspaceID: record.WorkspaceID,
		ExecutionID: record.ExecutionID,
		UserID:      resolvedBy,
		EventType:   contracts.EventPolicyDecisionResolved,
		EventData: map[string]any{
			"decision_id": decisionID,
			"status":      string(status),
			"reason":      reason,
		},
	}
	if err := m.store.ResolveDecision(ctx, decisionID, status, resolution, scope, token, jti, auditEv); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("decision %s: %w", decisionID, ErrNotPending)
		}
		return nil, err
	}
	return m.store.GetDecision(ctx, decisionID)
}

// Cancel denies a pending decision with reason "cancelled". Either side may
// cancel.
func (m *Manager) Cancel(ctx context.Context, decisionID, cancelledBy string) (*contracts.DecisionRecord, error) {
	return m.Resolve(ctx, decisionID, false, cancelledBy, "cancelled")
}

// ConsumeToken verifies a decision token and burns it. The compare-and-set on
// decision_token_used_at guarantees a token authorizes at most one execution.
func (m *Manager) ConsumeToken(ctx context.Context, tokenString string) (*DecisionClaims, error) {
	claims, err := m.issuer.Verify(tokenString)
	if err != nil {
		return nil, err
	}

	record, err := m.store.GetDecision(ctx, claims.DecisionID)
	if err != nil {
		return nil, err
	}
	if record.Status != contracts.StatusApproved ||
		record.DecisionTokenJTI != claims.ID ||
		record.ExecutionID != claims.ExecutionID ||
		record.TenantID != claims.TenantID {
		return nil, ErrTokenMismatch
	}

	if err := m.store.MarkDecisionTokenUsed(ctx, claims.DecisionID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrTokenConsumed
		}
		return nil, err
	}
	return claims, nil
}

// Poll returns the current state of the latest decision for an execution,
// applying lazy expiry. The gateway never parks a goroutine waiting for an
// operator; adapters poll. A tenant mismatch reads as not-found and must not
// touch the record, so a foreign caller cannot trigger the expiry write.
func (m *Manager) Poll(ctx context.Context, tenantID, executionID string) (*contracts.DecisionRecord, error) {
	record, err := m.store.GetLatestDecisionForExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if record.TenantID != tenantID {
		return nil, fmt.Errorf("execution %s: %w", executionID, store.ErrNotFound)
	}
	return m.expireIfDue(ctx, record)
}

// touch loads a decision and applies lazy expiry.
func (m *Manager) touch(ctx context.Context, decisionID string) (*contracts.DecisionRecord, error) {
	record, err := m.store.GetDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	return m.expireIfDue(ctx, record)
}

func (m *Manager) expireIfDue(ctx context.Context, record *contracts.DecisionRecord) (*contracts.DecisionRecord, error) {
	if record.Status != contracts.StatusPending ||
		record.ExpiresAt == nil ||
		m.clock().UTC().Before(*record.ExpiresAt) {
		return record, nil
	}
	if err := m.store.MarkDecisionExpired(ctx, record.DecisionID); err != nil && !errors.Is(err, store.ErrConflict) {
		return nil, err
	}
	m.log.Info("pending decision expired", "decision_id", record.DecisionID, "execution_id", record.ExecutionID)
	return m.store.GetDecision(ctx, record.DecisionID)
}
