package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/warden/pkg/canonical"
	"github.com/openclaw/warden/pkg/contracts"
)

// auditHashInput is the exact field set the chain hash covers. Keys sort
// canonically, so field order here is cosmetic.
type auditHashInput struct {
	TenantID      string              `json:"tenant_id"`
	Seq           uint64              `json:"seq"`
	PrevEventHash string              `json:"prev_event_hash"`
	EventType     contracts.EventType `json:"event_type"`
	EventData     map[string]any      `json:"event_data"`
	CreatedAt     time.Time           `json:"created_at"`
}

// EventHash computes the chain hash for an event whose Seq, PrevEventHash and
// CreatedAt are already assigned. Exported for chain verification.
func EventHash(ev *contracts.AuditEvent) (string, error) {
	return canonical.Hash(auditHashInput{
		TenantID:      ev.TenantID,
		Seq:           ev.Seq,
		PrevEventHash: ev.PrevEventHash,
		EventType:     ev.EventType,
		EventData:     ev.EventData,
		CreatedAt:     ev.CreatedAt,
	})
}

// AppendAudit assigns the event its position in the tenant chain and persists
// it. The caller fills the descriptive fields; EntryID, Seq, PrevEventHash,
// EventHash and CreatedAt are assigned here.
func (s *Store) AppendAudit(ctx context.Context, ev *contracts.AuditEvent) error {
	mu := s.tenantChain(ev.TenantID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.appendAuditTx(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

// appendAuditTx does the chained insert inside an existing transaction. The
// caller must hold the tenant chain lock.
func (s *Store) appendAuditTx(ctx context.Context, tx *sql.Tx, ev *contracts.AuditEvent) error {
	if !ev.EventType.Valid() {
		return fmt.Errorf("audit append: unknown event type %q", ev.EventType)
	}

	var seq uint64
	var prevHash string
	row := tx.QueryRowContext(ctx,
		`SELECT head_seq, head_hash FROM audit_chain WHERE tenant_id = ?`, ev.TenantID)
	switch err := row.Scan(&seq, &prevHash); err {
	case nil:
	case sql.ErrNoRows:
		seq, prevHash = 0, ""
	default:
		return fmt.Errorf("audit chain head: %w", err)
	}

	ev.EntryID = uuid.NewString()
	ev.Seq = seq + 1
	ev.PrevEventHash = prevHash
	ev.CreatedAt = s.clock().UTC()

	hash, err := EventHash(ev)
	if err != nil {
		return fmt.Errorf("audit event hash: %w", err)
	}
	ev.EventHash = hash

	dataJSON, err := json.Marshal(ev.EventData)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	createdAt := formatTime(ev.CreatedAt)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (entry_id, tenant_id, workspace_id, execution_id, trace_id, user_id,
			event_type, event_data, seq, prev_event_hash, event_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EntryID, ev.TenantID, nullStr(ev.WorkspaceID), nullStr(ev.ExecutionID),
		nullStr(ev.TraceID), nullStr(ev.UserID), string(ev.EventType), string(dataJSON),
		ev.Seq, ev.PrevEventHash, ev.EventHash, createdAt,
	); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_chain (tenant_id, head_seq, head_hash, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			head_seq = excluded.head_seq,
			head_hash = excluded.head_hash,
			updated_at = excluded.updated_at`,
		ev.TenantID, ev.Seq, ev.EventHash, createdAt,
	); err != nil {
		return fmt.Errorf("advance audit chain: %w", err)
	}
	return nil
}

// ListAudit returns events newest-first.
func (s *Store) ListAudit(ctx context.Context, filter contracts.AuditFilter) ([]*contracts.AuditEvent, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT entry_id, tenant_id, workspace_id, execution_id, trace_id, user_id,
		event_type, event_data, seq, prev_event_hash, event_hash, created_at
		FROM audit_log WHERE tenant_id = ?`)
	args := []any{filter.TenantID}

	if filter.ExecutionID != "" {
		sb.WriteString(` AND execution_id = ?`)
		args = append(args, filter.ExecutionID)
	}
	if filter.TraceID != "" {
		sb.WriteString(` AND trace_id = ?`)
		args = append(args, filter.TraceID)
	}
	if filter.EventType != "" {
		sb.WriteString(` AND event_type = ?`)
		args = append(args, string(filter.EventType))
	}
	if filter.Since != nil {
		sb.WriteString(` AND created_at >= ?`)
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		sb.WriteString(` AND created_at <= ?`)
		args = append(args, formatTime(*filter.Until))
	}
	sb.WriteString(` ORDER BY seq DESC`)
	if filter.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, filter.Limit)
	}

	return s.queryAudit(ctx, sb.String(), args...)
}

// ChainEntries returns a tenant's full chain in append order, for
// verification and export.
func (s *Store) ChainEntries(ctx context.Context, tenantID string) ([]*contracts.AuditEvent, error) {
	return s.queryAudit(ctx, `SELECT entry_id, tenant_id, workspace_id, execution_id, trace_id, user_id,
		event_type, event_data, seq, prev_event_hash, event_hash, created_at
		FROM audit_log WHERE tenant_id = ? ORDER BY seq ASC`, tenantID)
}

// ChainHead returns the recorded head of a tenant's chain, or (0, "") when
// the chain is empty.
func (s *Store) ChainHead(ctx context.Context, tenantID string) (uint64, string, error) {
	var seq uint64
	var hash string
	row := s.db.QueryRowContext(ctx,
		`SELECT head_seq, head_hash FROM audit_chain WHERE tenant_id = ?`, tenantID)
	switch err := row.Scan(&seq, &hash); err {
	case nil:
		return seq, hash, nil
	case sql.ErrNoRows:
		return 0, "", nil
	default:
		return 0, "", err
	}
}

func (s *Store) queryAudit(ctx context.Context, query string, args ...any) ([]*contracts.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.AuditEvent
	for rows.Next() {
		var (
			ev        contracts.AuditEvent
			ws, exec  sql.NullString
			trace     sql.NullString
			user      sql.NullString
			data      sql.NullString
			eventType string
			createdAt string
		)
		if err := rows.Scan(&ev.EntryID, &ev.TenantID, &ws, &exec, &trace, &user,
			&eventType, &data, &ev.Seq, &ev.PrevEventHash, &ev.EventHash, &createdAt); err != nil {
			return nil, err
		}
		ev.WorkspaceID = ws.String
		ev.ExecutionID = exec.String
		ev.TraceID = trace.String
		ev.UserID = user.String
		ev.EventType = contracts.EventType(eventType)
		ev.CreatedAt = parseTime(createdAt)
		if data.Valid && data.String != "" && data.String != "null" {
			if err := json.Unmarshal([]byte(data.String), &ev.EventData); err != nil {
				return nil, fmt.Errorf("decode event data for %s: %w", ev.EntryID, err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
