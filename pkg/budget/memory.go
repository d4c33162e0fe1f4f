package budget

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and by deployments that
// do not configure budgets.
type MemoryStore struct {
	mu      sync.Mutex
	budgets map[string]*TenantBudget
	clock   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		budgets: make(map[string]*TenantBudget),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) GetBudget(_ context.Context, tenantID string) (*TenantBudget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[tenantID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) SetBudget(_ context.Context, b *TenantBudget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	cp.UpdatedAt = s.clock().UTC()
	s.budgets[b.TenantID] = &cp
	return nil
}

func (s *MemoryStore) RecordSpend(_ context.Context, tenantID string, cents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[tenantID]
	if !ok {
		return nil // unlimited tenant, nothing to book against
	}
	b.UsedCents += cents
	b.UpdatedAt = s.clock().UTC()
	return nil
}
