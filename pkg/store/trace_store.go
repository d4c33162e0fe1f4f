package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/openclaw/warden/pkg/contracts"
)

// InsertTrace stores an ingested trace bundle with its verified integrity
// status. Steps are stored as one JSON column; the gateway never mutates
// individual steps.
func (s *Store) InsertTrace(ctx context.Context, t *contracts.TraceBundle) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.clock().UTC()
	}
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return fmt.Errorf("marshal trace steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO traces (trace_id, tenant_id, workspace_id, execution_id, adapter_id, steps, integrity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TraceID, t.TenantID, nullStr(t.WorkspaceID), nullStr(t.ExecutionID),
		t.AdapterID, string(steps), string(t.Integrity), formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert trace %s: %w", t.TraceID, err)
	}
	return nil
}

func (s *Store) GetTrace(ctx context.Context, traceID string) (*contracts.TraceBundle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT trace_id, tenant_id, workspace_id, execution_id, adapter_id, steps, integrity, created_at
		FROM traces WHERE trace_id = ?`, traceID)
	t, err := scanTrace(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("trace %s: %w", traceID, ErrNotFound)
	}
	return t, err
}

// ListTraces returns a tenant's traces newest-first, optionally filtered by
// execution id.
func (s *Store) ListTraces(ctx context.Context, tenantID, executionID string, limit int) ([]*contracts.TraceBundle, error) {
	query := `SELECT trace_id, tenant_id, workspace_id, execution_id, adapter_id, steps, integrity, created_at
		FROM traces WHERE tenant_id = ?`
	args := []any{tenantID}
	if executionID != "" {
		query += ` AND execution_id = ?`
		args = append(args, executionID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.TraceBundle
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AnnotateTrace attaches an operator note to a stored trace.
func (s *Store) AnnotateTrace(ctx context.Context, a *contracts.TraceAnnotation) error {
	var exists int
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM traces WHERE trace_id = ?`, a.TraceID)
	if err := row.Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("trace %s: %w", a.TraceID, ErrNotFound)
		}
		return err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trace_annotations (trace_id, author, note, created_at)
		VALUES (?, ?, ?, ?)`,
		a.TraceID, nullStr(a.Author), a.Note, formatTime(a.CreatedAt))
	return err
}

func (s *Store) ListTraceAnnotations(ctx context.Context, traceID string) ([]*contracts.TraceAnnotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, author, note, created_at FROM trace_annotations
		WHERE trace_id = ? ORDER BY created_at ASC`, traceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.TraceAnnotation
	for rows.Next() {
		var a contracts.TraceAnnotation
		var author sql.NullString
		var createdAt string
		if err := rows.Scan(&a.TraceID, &author, &a.Note, &createdAt); err != nil {
			return nil, err
		}
		a.Author = author.String
		a.CreatedAt = parseTime(createdAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func scanTrace(row rowScanner) (*contracts.TraceBundle, error) {
	var (
		t         contracts.TraceBundle
		ws, exec  sql.NullString
		steps     string
		integrity string
		createdAt string
	)
	if err := row.Scan(&t.TraceID, &t.TenantID, &ws, &exec, &t.AdapterID, &steps, &integrity, &createdAt); err != nil {
		return nil, err
	}
	t.WorkspaceID = ws.String
	t.ExecutionID = exec.String
	t.Integrity = contracts.IntegrityStatus(integrity)
	t.CreatedAt = parseTime(createdAt)
	if err := json.Unmarshal([]byte(steps), &t.Steps); err != nil {
		return nil, fmt.Errorf("decode trace steps for %s: %w", t.TraceID, err)
	}
	return &t, nil
}
