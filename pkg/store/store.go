// Package store is the sqlite persistence layer. Everything runs through one
// database/sql handle on the pure-Go driver; `:memory:` works for tests. All
// decision status transitions are compare-and-set on the prior status, and
// audit appends are serialized per tenant so the hash chain never forks.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a compare-and-set transition lost: the row was no
	// longer in the expected prior state.
	ErrConflict = errors.New("conflicting state transition")
)

// Store owns the sqlite handle and the small in-process caches in front of it.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time

	policyCache cacheTable

	chainMu sync.Mutex
	chains  map[string]*sync.Mutex
}

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	// The driver serializes writes; a single connection avoids table-lock
	// errors on concurrent transactions.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		log:    log,
		clock:  time.Now,
		chains: make(map[string]*sync.Mutex),
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// WithClock overrides the clock for tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS policies (
			tenant_id    TEXT NOT NULL,
			policy_id    TEXT NOT NULL,
			workspace_id TEXT,
			environment  TEXT,
			document     JSON NOT NULL,
			precedence   INTEGER NOT NULL DEFAULT 0,
			enabled      INTEGER NOT NULL DEFAULT 1,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			PRIMARY KEY (tenant_id, policy_id)
		)`,
		`CREATE TABLE IF NOT EXISTS adapter_registry (
			tenant_id    TEXT NOT NULL,
			adapter_id   TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			risk_class   TEXT NOT NULL,
			capabilities JSON NOT NULL DEFAULT '[]',
			version      TEXT NOT NULL DEFAULT '',
			enabled      INTEGER NOT NULL DEFAULT 1,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			PRIMARY KEY (tenant_id, adapter_id)
		)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			decision_id            TEXT PRIMARY KEY,
			tenant_id              TEXT NOT NULL,
			workspace_id           TEXT,
			execution_id           TEXT NOT NULL,
			adapter_id             TEXT NOT NULL,
			status                 TEXT NOT NULL,
			required_role          TEXT,
			expires_at             TEXT,
			request_snapshot       JSON,
			granted_scope          JSON,
			resolution             JSON,
			fingerprint            TEXT,
			decision_token         TEXT,
			decision_token_jti     TEXT,
			decision_token_used_at TEXT,
			created_at             TEXT NOT NULL,
			updated_at             TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_execution
			ON decisions (execution_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_fingerprint
			ON decisions (tenant_id, fingerprint, status)`,
		`CREATE TABLE IF NOT EXISTS tool_authorizations (
			execution_id TEXT NOT NULL,
			tool         TEXT NOT NULL,
			sequence     INTEGER NOT NULL,
			decision     TEXT NOT NULL,
			policy_id    TEXT,
			reason       TEXT,
			created_at   TEXT NOT NULL,
			PRIMARY KEY (execution_id, tool, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			entry_id        TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			workspace_id    TEXT,
			execution_id    TEXT,
			trace_id        TEXT,
			user_id         TEXT,
			event_type      TEXT NOT NULL,
			event_data      JSON,
			seq             INTEGER NOT NULL,
			prev_event_hash TEXT NOT NULL DEFAULT '',
			event_hash      TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			UNIQUE (tenant_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_chain (
			tenant_id  TEXT PRIMARY KEY,
			head_seq   INTEGER NOT NULL,
			head_hash  TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS traces (
			trace_id     TEXT PRIMARY KEY,
			tenant_id    TEXT NOT NULL,
			workspace_id TEXT,
			execution_id TEXT,
			adapter_id   TEXT NOT NULL,
			steps        JSON NOT NULL,
			integrity    TEXT NOT NULL,
			created_at   TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trace_annotations (
			trace_id   TEXT NOT NULL,
			author     TEXT,
			note       TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tenant_budgets (
			tenant_id   TEXT PRIMARY KEY,
			limit_cents INTEGER NOT NULL,
			used_cents  INTEGER NOT NULL DEFAULT 0,
			updated_at  TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return err
		}
	}
	return nil
}

// tenantChain returns the mutex serializing audit appends for one tenant.
func (s *Store) tenantChain(tenantID string) *sync.Mutex {
	s.chainMu.Lock()
	defer s.chainMu.Unlock()
	mu, ok := s.chains[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		s.chains[tenantID] = mu
	}
	return mu
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func timePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
