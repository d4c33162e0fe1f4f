// Package budget enforces per-tenant spend limits. All amounts are integer
// cents. A tenant with no configured budget is unlimited; every storage
// failure fails closed.
package budget

import (
	"context"
	"log/slog"
	"time"
)

// ReasonExceeded is the denial reason when the estimate does not fit the
// remaining budget.
const ReasonExceeded = "budget_exceeded"

// TenantBudget is one tenant's configured limit and accumulated spend.
type TenantBudget struct {
	TenantID   string    `json:"tenant_id"`
	LimitCents int64     `json:"limit_cents"`
	UsedCents  int64     `json:"used_cents"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Remaining never goes below zero even if spend overshot the limit.
func (b *TenantBudget) Remaining() int64 {
	r := b.LimitCents - b.UsedCents
	if r < 0 {
		return 0
	}
	return r
}

// Decision is the result of a budget check. RemainingCents is nil when the
// tenant is unlimited.
type Decision struct {
	Allowed        bool   `json:"allowed"`
	RemainingCents *int64 `json:"remaining_cents,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Store persists tenant budgets. Get returns (nil, nil) when the tenant has
// no configured budget.
type Store interface {
	GetBudget(ctx context.Context, tenantID string) (*TenantBudget, error)
	SetBudget(ctx context.Context, b *TenantBudget) error
	RecordSpend(ctx context.Context, tenantID string, cents int64) error
}

// Manager performs fail-closed budget checks against a Store.
type Manager struct {
	store Store
	log   *slog.Logger
}

func NewManager(store Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, log: log}
}

// Check decides whether an estimated spend fits the tenant's budget.
// No configured budget means unlimited. Store errors deny.
func (m *Manager) Check(ctx context.Context, tenantID string, estimatedCents int64) Decision {
	b, err := m.store.GetBudget(ctx, tenantID)
	if err != nil {
		m.log.Error("budget check failed, denying", "tenant_id", tenantID, "error", err)
		return Decision{Allowed: false, Reason: "budget check failed"}
	}
	if b == nil {
		return Decision{Allowed: true}
	}

	remaining := b.Remaining()
	if estimatedCents > remaining {
		return Decision{Allowed: false, RemainingCents: &remaining, Reason: ReasonExceeded}
	}
	return Decision{Allowed: true, RemainingCents: &remaining}
}

// Residual clamps a requested max-cost grant to what the tenant can still
// spend. Unlimited tenants keep the request as-is. Never negative.
func (m *Manager) Residual(ctx context.Context, tenantID string, requestedCents int64) int64 {
	if requestedCents < 0 {
		requestedCents = 0
	}
	b, err := m.store.GetBudget(ctx, tenantID)
	if err != nil {
		m.log.Error("budget residual lookup failed, granting zero", "tenant_id", tenantID, "error", err)
		return 0
	}
	if b == nil {
		return requestedCents
	}
	if r := b.Remaining(); r < requestedCents {
		return r
	}
	return requestedCents
}

// RecordSpend books actual spend after an execution completes.
func (m *Manager) RecordSpend(ctx context.Context, tenantID string, cents int64) error {
	if cents <= 0 {
		return nil
	}
	return m.store.RecordSpend(ctx, tenantID, cents)
}
