package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/openclaw/warden/pkg/contracts"
)

// UpsertAdapter registers or re-registers an adapter. Re-registration mutates
// the existing row; adapters are never hard-deleted.
func (s *Store) UpsertAdapter(ctx context.Context, a *contracts.Adapter) error {
	now := s.clock().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO adapter_registry (tenant_id, adapter_id, display_name, risk_class, capabilities, version, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, adapter_id) DO UPDATE SET
			display_name = excluded.display_name,
			risk_class   = excluded.risk_class,
			capabilities = excluded.capabilities,
			version      = excluded.version,
			enabled      = excluded.enabled,
			updated_at   = excluded.updated_at`,
		a.TenantID, a.AdapterID, a.DisplayName, string(a.RiskClass), string(caps),
		a.Version, boolInt(a.Enabled), formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert adapter %s: %w", a.AdapterID, err)
	}
	return nil
}

func (s *Store) GetAdapter(ctx context.Context, tenantID, adapterID string) (*contracts.Adapter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, adapter_id, display_name, risk_class, capabilities, version, enabled, created_at, updated_at
		FROM adapter_registry WHERE tenant_id = ? AND adapter_id = ?`, tenantID, adapterID)
	a, err := scanAdapter(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("adapter %s: %w", adapterID, ErrNotFound)
	}
	return a, err
}

func (s *Store) ListAdapters(ctx context.Context, tenantID string) ([]*contracts.Adapter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, adapter_id, display_name, risk_class, capabilities, version, enabled, created_at, updated_at
		FROM adapter_registry WHERE tenant_id = ? ORDER BY adapter_id ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Adapter
	for rows.Next() {
		a, err := scanAdapter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAdapter(row rowScanner) (*contracts.Adapter, error) {
	var (
		a         contracts.Adapter
		riskClass string
		caps      string
		enabled   int
		created   string
		updated   string
	)
	if err := row.Scan(&a.TenantID, &a.AdapterID, &a.DisplayName, &riskClass, &caps,
		&a.Version, &enabled, &created, &updated); err != nil {
		return nil, err
	}
	a.RiskClass = contracts.RiskClass(riskClass)
	a.Enabled = enabled != 0
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities for %s: %w", a.AdapterID, err)
	}
	return &a, nil
}
