package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openclaw/warden/pkg/contracts"
)

const decisionColumns = `decision_id, tenant_id, workspace_id, execution_id, adapter_id, status,
	required_role, expires_at, request_snapshot, granted_scope, resolution, fingerprint,
	decision_token, decision_token_jti, decision_token_used_at, created_at, updated_at`

// InsertDecision persists a freshly created decision record.
func (s *Store) InsertDecision(ctx context.Context, d *contracts.DecisionRecord) error {
	now := s.clock().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	snapshot, err := json.Marshal(d.RequestSnapshot)
	if err != nil {
		return fmt.Errorf("marshal request snapshot: %w", err)
	}
	scope, err := marshalNullable(d.GrantedScope)
	if err != nil {
		return err
	}
	resolution, err := marshalNullable(d.Resolution)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions (`+decisionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DecisionID, d.TenantID, nullStr(d.WorkspaceID), d.ExecutionID, d.AdapterID,
		string(d.Status), nullStr(d.RequiredRole), nullTime(d.ExpiresAt), string(snapshot),
		scope, resolution, nullStr(d.Fingerprint), nullStr(d.DecisionToken),
		nullStr(d.DecisionTokenJTI), nullTime(d.DecisionTokenUsedAt),
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert decision %s: %w", d.DecisionID, err)
	}
	return nil
}

func (s *Store) GetDecision(ctx context.Context, decisionID string) (*contracts.DecisionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE decision_id = ?`, decisionID)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("decision %s: %w", decisionID, ErrNotFound)
	}
	return d, err
}

// GetLatestDecisionForExecution returns the most recent decision record tied
// to an execution id.
func (s *Store) GetLatestDecisionForExecution(ctx context.Context, executionID string) (*contracts.DecisionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE execution_id = ?
		 ORDER BY created_at DESC, decision_id DESC LIMIT 1`, executionID)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	return d, err
}

// ResolveDecision moves a pending record to a terminal status. The transition
// is compare-and-set on status='pending'; losing the race returns
// ErrConflict. When approving, the minted token and granted scope land in the
// same transaction, as does the resolution audit event — a decision is never
// resolved without its audit entry.
func (s *Store) ResolveDecision(ctx context.Context, decisionID string, status contracts.DecisionStatus,
	resolution *contracts.Resolution, scope *contracts.GrantedScope, token, jti string,
	audit *contracts.AuditEvent) error {

	if !status.Terminal() {
		return fmt.Errorf("resolve to non-terminal status %q", status)
	}

	mu := s.tenantChain(audit.TenantID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin resolve tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	resJSON, err := marshalNullable(resolution)
	if err != nil {
		return err
	}
	scopeJSON, err := marshalNullable(scope)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE decisions SET status = ?, resolution = ?, granted_scope = ?,
			decision_token = ?, decision_token_jti = ?, updated_at = ?
		WHERE decision_id = ? AND status = 'pending'`,
		string(status), resJSON, scopeJSON, nullStr(token), nullStr(jti),
		formatTime(s.clock()), decisionID,
	)
	if err != nil {
		return fmt.Errorf("resolve decision %s: %w", decisionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("decision %s is not pending: %w", decisionID, ErrConflict)
	}

	if err := s.appendAuditTx(ctx, tx, audit); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkDecisionExpired lazily transitions a pending record whose deadline
// passed. CAS on pending; ErrConflict when the record already left pending.
func (s *Store) MarkDecisionExpired(ctx context.Context, decisionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE decisions SET status = 'expired', updated_at = ?
		WHERE decision_id = ? AND status = 'pending'`,
		formatTime(s.clock()), decisionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("decision %s is not pending: %w", decisionID, ErrConflict)
	}
	return nil
}

// MarkDecisionTokenUsed consumes the single-use decision token. CAS on
// decision_token_used_at IS NULL; a second consume returns ErrConflict.
func (s *Store) MarkDecisionTokenUsed(ctx context.Context, decisionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE decisions SET decision_token_used_at = ?, updated_at = ?
		WHERE decision_id = ? AND decision_token IS NOT NULL AND decision_token_used_at IS NULL`,
		formatTime(s.clock()), formatTime(s.clock()), decisionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("decision token for %s already used or absent: %w", decisionID, ErrConflict)
	}
	return nil
}

// FindPendingByFingerprint returns the newest pending decision with the same
// request fingerprint created inside the reuse window, or ErrNotFound.
func (s *Store) FindPendingByFingerprint(ctx context.Context, tenantID, fingerprint string, window time.Duration) (*contracts.DecisionRecord, error) {
	cutoff := s.clock().UTC().Add(-window)
	row := s.db.QueryRowContext(ctx, `
		SELECT `+decisionColumns+` FROM decisions
		WHERE tenant_id = ? AND fingerprint = ? AND status = 'pending' AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1`,
		tenantID, fingerprint, formatTime(cutoff))
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no pending decision for fingerprint: %w", ErrNotFound)
	}
	return d, err
}

// ListDecisions returns a tenant's decisions newest-first, optionally
// filtered by status.
func (s *Store) ListDecisions(ctx context.Context, tenantID string, status contracts.DecisionStatus, limit int) ([]*contracts.DecisionRecord, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions WHERE tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.DecisionRecord
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// InsertToolAuthorization records a per-tool check outcome.
func (s *Store) InsertToolAuthorization(ctx context.Context, a *contracts.ToolAuthorization) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_authorizations (execution_id, tool, sequence, decision, policy_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ExecutionID, a.Tool, a.Sequence, a.Decision, nullStr(a.PolicyID), nullStr(a.Reason),
		formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert tool authorization: %w", err)
	}
	return nil
}

// ListToolAuthorizations returns the per-tool outcomes for an execution in
// sequence order.
func (s *Store) ListToolAuthorizations(ctx context.Context, executionID string) ([]*contracts.ToolAuthorization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, tool, sequence, decision, policy_id, reason, created_at
		FROM tool_authorizations WHERE execution_id = ? ORDER BY sequence ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ToolAuthorization
	for rows.Next() {
		var a contracts.ToolAuthorization
		var policyID, reason sql.NullString
		var createdAt string
		if err := rows.Scan(&a.ExecutionID, &a.Tool, &a.Sequence, &a.Decision, &policyID, &reason, &createdAt); err != nil {
			return nil, err
		}
		a.PolicyID = policyID.String
		a.Reason = reason.String
		a.CreatedAt = parseTime(createdAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (*contracts.DecisionRecord, error) {
	var (
		d                     contracts.DecisionRecord
		ws, role              sql.NullString
		expires               sql.NullString
		snapshot, scopeJSON   sql.NullString
		resolutionJSON        sql.NullString
		fingerprint           sql.NullString
		token, jti            sql.NullString
		usedAt                sql.NullString
		status                string
		createdAt, updatedAt  string
	)
	err := row.Scan(&d.DecisionID, &d.TenantID, &ws, &d.ExecutionID, &d.AdapterID, &status,
		&role, &expires, &snapshot, &scopeJSON, &resolutionJSON, &fingerprint,
		&token, &jti, &usedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	d.WorkspaceID = ws.String
	d.Status = contracts.DecisionStatus(status)
	d.RequiredRole = role.String
	d.ExpiresAt = timePtr(expires)
	d.Fingerprint = fingerprint.String
	d.DecisionToken = token.String
	d.DecisionTokenJTI = jti.String
	d.DecisionTokenUsedAt = timePtr(usedAt)
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)

	if snapshot.Valid && snapshot.String != "" && snapshot.String != "null" {
		if err := json.Unmarshal([]byte(snapshot.String), &d.RequestSnapshot); err != nil {
			return nil, fmt.Errorf("decode request snapshot: %w", err)
		}
	}
	if scopeJSON.Valid && scopeJSON.String != "" {
		d.GrantedScope = &contracts.GrantedScope{}
		if err := json.Unmarshal([]byte(scopeJSON.String), d.GrantedScope); err != nil {
			return nil, fmt.Errorf("decode granted scope: %w", err)
		}
	}
	if resolutionJSON.Valid && resolutionJSON.String != "" {
		d.Resolution = &contracts.Resolution{}
		if err := json.Unmarshal([]byte(resolutionJSON.String), d.Resolution); err != nil {
			return nil, fmt.Errorf("decode resolution: %w", err)
		}
	}
	return &d, nil
}

// marshalNullable turns a possibly-nil pointer into a JSON column value,
// keeping SQL NULL for nil.
func marshalNullable(v any) (any, error) {
	switch t := v.(type) {
	case *contracts.GrantedScope:
		if t == nil {
			return nil, nil
		}
	case *contracts.Resolution:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal column value: %w", err)
	}
	return string(b), nil
}
