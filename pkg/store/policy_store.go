package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openclaw/warden/pkg/contracts"
)

// policyCacheTTL bounds staleness of the evaluator's policy list. Mutations
// invalidate immediately; the TTL only covers cross-process edits.
const policyCacheTTL = time.Second

// cacheTable is a tiny TTL cache for policy list results.
type cacheTable struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	policies []*contracts.Policy
	storedAt time.Time
}

func (c *cacheTable) get(key string, now time.Time) ([]*contracts.Policy, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || now.Sub(e.storedAt) > policyCacheTTL {
		return nil, false
	}
	return e.policies, true
}

func (c *cacheTable) put(key string, policies []*contracts.Policy, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]cacheEntry)
	}
	c.entries[key] = cacheEntry{policies: policies, storedAt: now}
}

func (c *cacheTable) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
}

// UpsertPolicy inserts or replaces a policy. Timestamps are managed here:
// created_at survives updates, updated_at always moves.
func (s *Store) UpsertPolicy(ctx context.Context, p *contracts.Policy) error {
	now := s.clock().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal policy %s: %w", p.PolicyID, err)
	}

	var ws, env any
	if p.Scope.WorkspaceID != nil {
		ws = *p.Scope.WorkspaceID
	}
	if p.Scope.Environment != nil {
		env = *p.Scope.Environment
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (tenant_id, policy_id, workspace_id, environment, document, precedence, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, policy_id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			environment  = excluded.environment,
			document     = excluded.document,
			precedence   = excluded.precedence,
			enabled      = excluded.enabled,
			updated_at   = excluded.updated_at`,
		p.Scope.TenantID, p.PolicyID, ws, env, string(doc), p.Precedence, boolInt(p.Enabled),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert policy %s: %w", p.PolicyID, err)
	}
	s.policyCache.invalidate()
	return nil
}

func (s *Store) GetPolicy(ctx context.Context, tenantID, policyID string) (*contracts.Policy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT document, enabled, created_at, updated_at FROM policies WHERE tenant_id = ? AND policy_id = ?`,
		tenantID, policyID)
	var doc, created, updated string
	var enabled int
	if err := row.Scan(&doc, &enabled, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("policy %s: %w", policyID, ErrNotFound)
		}
		return nil, err
	}
	return decodePolicy(doc, enabled, created, updated)
}

// ListPolicies returns policies matching the filter ordered
// `precedence DESC, updated_at DESC`. Workspace and environment filters match
// rows whose scope equals the filter or is NULL (global).
func (s *Store) ListPolicies(ctx context.Context, filter contracts.PolicyFilter) ([]*contracts.Policy, error) {
	now := s.clock()
	key := cacheKey(filter)
	if cached, ok := s.policyCache.get(key, now); ok {
		return cached, nil
	}

	var sb strings.Builder
	sb.WriteString(`SELECT document, enabled, created_at, updated_at FROM policies WHERE tenant_id = ?`)
	args := []any{filter.TenantID}

	if filter.WorkspaceID != nil {
		sb.WriteString(` AND (workspace_id IS NULL OR workspace_id = ?)`)
		args = append(args, *filter.WorkspaceID)
	}
	if filter.Environment != nil {
		sb.WriteString(` AND (environment IS NULL OR environment = ?)`)
		args = append(args, *filter.Environment)
	}
	if filter.EnabledOnly {
		sb.WriteString(` AND enabled = 1`)
	}
	sb.WriteString(` ORDER BY precedence DESC, updated_at DESC`)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Policy
	for rows.Next() {
		var doc, created, updated string
		var enabled int
		if err := rows.Scan(&doc, &enabled, &created, &updated); err != nil {
			return nil, err
		}
		p, err := decodePolicy(doc, enabled, created, updated)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.policyCache.put(key, out, now)
	return out, nil
}

func (s *Store) SetPolicyEnabled(ctx context.Context, tenantID, policyID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE policies SET enabled = ?, updated_at = ? WHERE tenant_id = ? AND policy_id = ?`,
		boolInt(enabled), formatTime(s.clock()), tenantID, policyID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("policy %s: %w", policyID, ErrNotFound)
	}
	s.policyCache.invalidate()
	return nil
}

func (s *Store) DeletePolicy(ctx context.Context, tenantID, policyID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM policies WHERE tenant_id = ? AND policy_id = ?`, tenantID, policyID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("policy %s: %w", policyID, ErrNotFound)
	}
	s.policyCache.invalidate()
	return nil
}

func decodePolicy(doc string, enabled int, created, updated string) (*contracts.Policy, error) {
	var p contracts.Policy
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("decode stored policy: %w", err)
	}
	// Columns win over whatever the document carried: SetPolicyEnabled flips
	// only the column, so the document copy of the flag can be stale.
	p.Enabled = enabled != 0
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

func cacheKey(f contracts.PolicyFilter) string {
	ws, env := "<nil>", "<nil>"
	if f.WorkspaceID != nil {
		ws = *f.WorkspaceID
	}
	if f.Environment != nil {
		env = *f.Environment
	}
	enabled := "all"
	if f.EnabledOnly {
		enabled = "enabled"
	}
	return f.TenantID + "|" + ws + "|" + env + "|" + enabled
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
