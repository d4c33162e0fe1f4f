// Package audit emits, verifies, and exports the per-tenant hash-chained
// audit log. The chain is self-attested: the gateway signs nothing, it only
// makes tampering detectable after the fact.
package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openclaw/warden/pkg/contracts"
)

// Sink is where emitted events land. Satisfied by *store.Store.
type Sink interface {
	AppendAudit(ctx context.Context, ev *contracts.AuditEvent) error
}

// Logger validates and appends audit events. Event types outside the closed
// taxonomy are rejected so the log stays queryable.
type Logger struct {
	sink Sink
	log  *slog.Logger
}

func NewLogger(sink Sink, log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{sink: sink, log: log}
}

// Emit appends one event. The sink assigns chain position and hashes; a sink
// failure is returned to the caller so governance outcomes without their
// audit entry never happen silently.
func (l *Logger) Emit(ctx context.Context, ev *contracts.AuditEvent) error {
	if !ev.EventType.Valid() {
		return fmt.Errorf("audit: unknown event type %q", ev.EventType)
	}
	if ev.TenantID == "" {
		return fmt.Errorf("audit: tenant_id must not be empty")
	}
	if err := l.sink.AppendAudit(ctx, ev); err != nil {
		l.log.Error("audit append failed", "tenant_id", ev.TenantID, "event_type", ev.EventType, "error", err)
		return fmt.Errorf("audit append: %w", err)
	}
	l.log.Debug("audit event appended",
		"tenant_id", ev.TenantID, "event_type", ev.EventType, "seq", ev.Seq)
	return nil
}
