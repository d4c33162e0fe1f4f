package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/openclaw/warden/pkg/approval"
	"github.com/openclaw/warden/pkg/audit"
	"github.com/openclaw/warden/pkg/config"
	"github.com/openclaw/warden/pkg/engine"
	"github.com/openclaw/warden/pkg/policy"
	"github.com/openclaw/warden/pkg/store"
)

// Server wires the governance subsystems to HTTP. It holds no request state.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	engine    *engine.Engine
	approvals *approval.Manager
	evaluator *policy.Evaluator
	audit     *audit.Logger
	exporter  *audit.Exporter
	limiter   *GlobalRateLimiter
	clock     func() time.Time
	log       *slog.Logger
}

func NewServer(cfg *config.Config, st *store.Store, eng *engine.Engine, approvals *approval.Manager,
	evaluator *policy.Evaluator, auditLog *audit.Logger, exporter *audit.Exporter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		store:     st,
		engine:    eng,
		approvals: approvals,
		evaluator: evaluator,
		audit:     auditLog,
		exporter:  exporter,
		limiter:   NewGlobalRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		clock:     time.Now,
		log:       log,
	}
}

// WithClock overrides the clock for tests.
func (s *Server) WithClock(clock func() time.Time) *Server {
	s.clock = clock
	return s
}

// Routes builds the full handler: the adapter surface under /api and
// /adapters, the operator surface under /ops, both behind the rate limiter.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Adapter surface. Fail-closed token auth on every endpoint.
	mux.HandleFunc("POST /adapters/register", s.requireAdapter(s.handleRegisterAdapter))
	mux.HandleFunc("POST /api/execution/request", s.requireAdapter(s.handleExecutionRequest))
	mux.HandleFunc("POST /api/governance/tool/authorize", s.requireAdapter(s.handleAuthorizeTool))
	mux.HandleFunc("POST /api/ingest/trace", s.requireAdapter(s.handleIngestTrace))
	mux.HandleFunc("POST /api/ingest/audit", s.requireAdapter(s.handleIngestAudit))
	mux.HandleFunc("GET /api/decisions/{execution_id}/latest", s.requireAdapter(s.handlePollDecision))
	mux.HandleFunc("POST /api/decisions/token/consume", s.requireAdapter(s.handleConsumeToken))

	// Operator surface.
	mux.HandleFunc("GET /ops/policies", s.requireOps(s.handleListPolicies))
	mux.HandleFunc("GET /ops/policies/{policy_id}", s.requireOps(s.handleGetPolicy))
	mux.HandleFunc("PUT /ops/policies/{policy_id}", s.requireOps(s.handlePutPolicy))
	mux.HandleFunc("DELETE /ops/policies/{policy_id}", s.requireOps(s.handleDeletePolicy))
	mux.HandleFunc("POST /ops/policies/{policy_id}/enabled", s.requireOps(s.handleSetPolicyEnabled))
	mux.HandleFunc("POST /ops/policies/wizard", s.requireOps(s.handleWizardPolicy))
	mux.HandleFunc("GET /ops/decisions", s.requireOps(s.handleListDecisions))
	mux.HandleFunc("POST /ops/decisions/{decision_id}/resolve", s.requireOps(s.handleResolveDecision))
	mux.HandleFunc("POST /ops/decisions/{decision_id}/cancel", s.requireOps(s.handleCancelDecision))
	mux.HandleFunc("GET /ops/audit", s.requireOps(s.handleListAudit))
	mux.HandleFunc("GET /ops/audit/verify", s.requireOps(s.handleVerifyChain))
	mux.HandleFunc("POST /ops/audit/export", s.requireOps(s.handleExportAudit))
	mux.HandleFunc("GET /ops/traces", s.requireOps(s.handleListTraces))
	mux.HandleFunc("GET /ops/traces/{trace_id}", s.requireOps(s.handleGetTrace))
	mux.HandleFunc("POST /ops/traces/{trace_id}/annotations", s.requireOps(s.handleAnnotateTrace))
	mux.HandleFunc("GET /ops/budget", s.requireOps(s.handleGetBudget))
	mux.HandleFunc("PUT /ops/budget", s.requireOps(s.handleSetBudget))

	return s.limiter.Middleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":        "ok",
		"approval_mode": s.engine.Mode(),
	})
}
