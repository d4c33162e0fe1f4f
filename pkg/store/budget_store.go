package store

import (
	"context"
	"database/sql"

	"github.com/openclaw/warden/pkg/budget"
)

// GetBudget returns (nil, nil) for tenants with no configured budget, which
// the budget manager reads as unlimited.
func (s *Store) GetBudget(ctx context.Context, tenantID string) (*budget.TenantBudget, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, limit_cents, used_cents, updated_at
		FROM tenant_budgets WHERE tenant_id = ?`, tenantID)

	var b budget.TenantBudget
	var updated string
	switch err := row.Scan(&b.TenantID, &b.LimitCents, &b.UsedCents, &updated); err {
	case nil:
		b.UpdatedAt = parseTime(updated)
		return &b, nil
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, err
	}
}

func (s *Store) SetBudget(ctx context.Context, b *budget.TenantBudget) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_budgets (tenant_id, limit_cents, used_cents, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			limit_cents = excluded.limit_cents,
			used_cents  = excluded.used_cents,
			updated_at  = excluded.updated_at`,
		b.TenantID, b.LimitCents, b.UsedCents, formatTime(s.clock()))
	return err
}

// RecordSpend books spend against a configured budget. Unconfigured tenants
// are unlimited, so there is nothing to book.
func (s *Store) RecordSpend(ctx context.Context, tenantID string, cents int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tenant_budgets SET used_cents = used_cents + ?, updated_at = ?
		WHERE tenant_id = ?`,
		cents, formatTime(s.clock()), tenantID)
	return err
}
