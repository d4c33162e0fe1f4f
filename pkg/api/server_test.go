package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openclaw/warden/pkg/approval"
	"github.com/openclaw/warden/pkg/audit"
	"github.com/openclaw/warden/pkg/budget"
	"github.com/openclaw/warden/pkg/config"
	"github.com/openclaw/warden/pkg/contracts"
	"github.com/openclaw/warden/pkg/engine"
	"github.com/openclaw/warden/pkg/policy"
	"github.com/openclaw/warden/pkg/store"
	"github.com/openclaw/warden/pkg/trace"
)

type apiFixture struct {
	ts           *httptest.Server
	store        *store.Store
	adapterToken string
}

func newAPIFixture(t *testing.T, mode string) *apiFixture {
	t.Helper()

	cfg := &config.Config{
		TenantID:            "local",
		ApprovalMode:        mode,
		AdapterTokenSecret:  "adapter-secret",
		DecisionTokenSecret: "decision-secret",
		DecisionTokenTTL:    15 * time.Minute,
		ReuseWindow:         10 * time.Minute,
		ApprovalWaitTimeout: 5 * time.Minute,
		RateLimitRPS:        1000,
		RateLimitBurst:      1000,
	}

	st, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	auditLog := audit.NewLogger(st, nil)
	evaluator := policy.NewEvaluator(true)
	eng := engine.New(st, evaluator, budget.NewManager(st, nil), auditLog, mode, nil)
	issuer := approval.NewTokenIssuer([]byte(cfg.DecisionTokenSecret), cfg.DecisionTokenTTL)
	approvals := approval.NewManager(st, auditLog, issuer, approval.Config{
		WaitTimeout: cfg.ApprovalWaitTimeout,
		ReuseWindow: cfg.ReuseWindow,
	}, nil)

	srv := NewServer(cfg, st, eng, approvals, evaluator, auditLog, audit.NewExporter(st, nil), nil)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	token, err := MintAdapterToken([]byte(cfg.AdapterTokenSecret), "local", "", "openclaw", time.Hour)
	require.NoError(t, err)

	return &apiFixture{ts: ts, store: st, adapterToken: token}
}

// do sends a JSON request and decodes the JSON response into a map.
func (f *apiFixture) do(t *testing.T, method, path string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func (f *apiFixture) asAdapter(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	return f.do(t, method, path, body, map[string]string{"X-Adapter-Token": f.adapterToken})
}

func (f *apiFixture) asOps(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	return f.do(t, method, path, body, nil)
}

func (f *apiFixture) registerAdapter(t *testing.T) {
	t.Helper()
	status, _ := f.asAdapter(t, http.MethodPost, "/adapters/register", map[string]any{
		"adapter_id":   "openclaw",
		"display_name": "OpenClaw",
		"risk_class":   "low",
		"capabilities": []string{"read_only", "filesystem_write"},
		"version":      "1.2.3",
	})
	require.Equal(t, http.StatusOK, status)
}

func (f *apiFixture) putPolicy(t *testing.T, doc map[string]any) {
	t.Helper()
	status, body := f.asOps(t, http.MethodPut, fmt.Sprintf("/ops/policies/%s", doc["policy_id"]), doc)
	require.Equal(t, http.StatusOK, status, "put policy: %v", body)
}

func approvalPolicy(id, tool string) map[string]any {
	return map[string]any{
		"policy_id":  id,
		"scope":      map[string]any{"tenant_id": "local"},
		"subject":    map[string]any{"type": "tool", "name": tool},
		"effect":     map[string]any{"decision": "require_approval", "max_steps": 20},
		"precedence": 100,
		"enabled":    true,
	}
}

func TestAdapterAuth_FailsClosed(t *testing.T) {
	f := newAPIFixture(t, engine.ModeSimulate)

	status, _ := f.do(t, http.MethodPost, "/api/execution/request", map[string]any{"tool": "x"}, nil)
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.do(t, http.MethodPost, "/api/execution/request", map[string]any{"tool": "x"},
		map[string]string{"X-Adapter-Token": "garbage"})
	require.Equal(t, http.StatusUnauthorized, status)

	// A token for another tenant is rejected even with a valid signature.
	other, err := MintAdapterToken([]byte("adapter-secret"), "someone-else", "", "openclaw", time.Hour)
	require.NoError(t, err)
	status, _ = f.do(t, http.MethodPost, "/api/execution/request", map[string]any{"tool": "x"},
		map[string]string{"X-Adapter-Token": other})
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestRegisterAdapter_RejectsInvalidInput(t *testing.T) {
	f := newAPIFixture(t, engine.ModeSimulate)

	status, _ := f.asAdapter(t, http.MethodPost, "/adapters/register", map[string]any{
		"adapter_id": "openclaw", "risk_class": "low", "version": "not-semver",
	})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = f.asAdapter(t, http.MethodPost, "/adapters/register", map[string]any{
		"adapter_id": "openclaw", "risk_class": "extreme", "version": "1.0.0",
	})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = f.asAdapter(t, http.MethodPost, "/adapters/register", map[string]any{
		"adapter_id": "someone-else", "risk_class": "low", "version": "1.0.0",
	})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestExecutionRequest_UnregisteredAdapterIsDenied(t *testing.T) {
	f := newAPIFixture(t, engine.ModeSimulate)

	status, body := f.asAdapter(t, http.MethodPost, "/api/execution/request", map[string]any{"tool": "read_file"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, false, body["allowed"])
	require.Equal(t, engine.ReasonRBACDenied, body["blocked_reason"])
}

func TestExecutionRequest_FallbackAllow(t *testing.T) {
	f := newAPIFixture(t, engine.ModeSimulate)
	f.registerAdapter(t)

	status, body := f.asAdapter(t, http.MethodPost, "/api/execution/request", map[string]any{
		"tool": "read_file", "requested_capabilities": []string{"read_only"},
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["allowed"])
	require.Equal(t, true, body["policy_fallback_hit"])
	require.NotEmpty(t, body["execution_id"])
	require.NotNil(t, body["granted_scope"])
}

// Full enforce-mode approval round trip: require_approval, operator approves,
// adapter polls the token and burns it exactly once.
func TestApprovalRoundTrip(t *testing.T) {
	f := newAPIFixture(t, engine.ModeEnforce)
	f.registerAdapter(t)
	f.putPolicy(t, approvalPolicy("guard_deploy", "deploy"))

	request := map[string]any{
		"tool":       "deploy",
		"targets":    []string{"prod"},
		"session_id": "sess-1",
	}
	status, body := f.asAdapter(t, http.MethodPost, "/api/execution/request", request)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, false, body["allowed"])
	require.Equal(t, true, body["requires_approval"])
	decisionID, _ := body["decision_id"].(string)
	executionID, _ := body["execution_id"].(string)
	require.NotEmpty(t, decisionID)
	require.NotEmpty(t, executionID)

	// The same semantic request inside the reuse window shares the record.
	status, body = f.asAdapter(t, http.MethodPost, "/api/execution/request", request)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, decisionID, body["decision_id"])
	require.Equal(t, executionID, body["execution_id"])

	// Pending shows up on the operator surface.
	status, body = f.asOps(t, http.MethodGet, "/ops/decisions?status=pending", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["decisions"], 1)

	status, _ = f.asOps(t, http.MethodPost, "/ops/decisions/"+decisionID+"/resolve",
		map[string]any{"approve": true, "resolved_by": "ops@local", "reason": "reviewed"})
	require.Equal(t, http.StatusOK, status)

	// Double resolution conflicts.
	status, _ = f.asOps(t, http.MethodPost, "/ops/decisions/"+decisionID+"/resolve",
		map[string]any{"approve": false, "resolved_by": "ops@local"})
	require.Equal(t, http.StatusConflict, status)

	status, body = f.asAdapter(t, http.MethodGet, "/api/decisions/"+executionID+"/latest", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, string(contracts.StatusApproved), body["status"])
	token, _ := body["decision_token"].(string)
	require.NotEmpty(t, token)
	require.NotNil(t, body["granted_scope"])

	status, body = f.asAdapter(t, http.MethodPost, "/api/decisions/token/consume", map[string]any{"token": token})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["consumed"])
	require.Equal(t, decisionID, body["decision_id"])

	// The token is single use.
	status, _ = f.asAdapter(t, http.MethodPost, "/api/decisions/token/consume", map[string]any{"token": token})
	require.Equal(t, http.StatusConflict, status)

	// A consumed token is no longer offered on poll.
	status, body = f.asAdapter(t, http.MethodGet, "/api/decisions/"+executionID+"/latest", nil)
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, body["decision_token"])
}

func TestToolAuthorize_DeniedAndGranted(t *testing.T) {
	f := newAPIFixture(t, engine.ModeSimulate)
	f.registerAdapter(t)
	f.putPolicy(t, map[string]any{
		"policy_id":  "deny_drop_table",
		"scope":      map[string]any{"tenant_id": "local"},
		"subject":    map[string]any{"type": "tool", "name": "drop_table"},
		"effect":     map[string]any{"decision": "deny"},
		"precedence": 100,
		"enabled":    true,
	})

	status, body := f.asAdapter(t, http.MethodPost, "/api/governance/tool/authorize", map[string]any{
		"execution_id": "exec-1", "tool": "drop_table", "sequence": 1,
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, contracts.DecisionDeny, body["decision"])
	require.Equal(t, "deny_drop_table", body["policy_id"])

	status, body = f.asAdapter(t, http.MethodPost, "/api/governance/tool/authorize", map[string]any{
		"execution_id": "exec-1", "tool": "select_rows", "sequence": 2,
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, contracts.DecisionAllow, body["decision"])

	status, body = f.asOps(t, http.MethodGet, "/ops/audit?event_type=tool_authorization_denied", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["events"], 1)
}

func TestTraceIngest_VerifiedAndTampered(t *testing.T) {
	f := newAPIFixture(t, engine.ModeSimulate)
	f.registerAdapter(t)

	steps, err := trace.Chain("trace-1", []contracts.TraceStep{
		{StepID: "s1", Type: contracts.StepToolCall, Payload: json.RawMessage(`{"tool":"read_file"}`)},
		{StepID: "s2", Type: contracts.StepToolResult, Payload: json.RawMessage(`{"bytes":42}`)},
	})
	require.NoError(t, err)

	status, body := f.asAdapter(t, http.MethodPost, "/api/ingest/trace", map[string]any{
		"trace_id": "trace-1", "execution_id": "exec-1", "steps": steps,
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["stored"])
	require.Equal(t, string(contracts.IntegrityVerified), body["integrity"])

	// Tampering with a payload after hashing marks the bundle compromised,
	// but it is still stored.
	tampered, err := trace.Chain("trace-2", []contracts.TraceStep{
		{StepID: "s1", Type: contracts.StepToolCall, Payload: json.RawMessage(`{"tool":"read_file"}`)},
	})
	require.NoError(t, err)
	tampered[0].Payload = json.RawMessage(`{"tool":"delete_file"}`)

	status, body = f.asAdapter(t, http.MethodPost, "/api/ingest/trace", map[string]any{
		"trace_id": "trace-2", "steps": tampered,
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, string(contracts.IntegrityCompromised), body["integrity"])

	// Structural problems are rejected outright.
	status, _ = f.asAdapter(t, http.MethodPost, "/api/ingest/trace", map[string]any{
		"trace_id": "trace-3",
		"steps":    []map[string]any{{"type": "tool_call"}},
	})
	require.Equal(t, http.StatusBadRequest, status)

	status, body = f.asOps(t, http.MethodGet, "/ops/traces/trace-1", nil)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, body["trace"])

	status, _ = f.asOps(t, http.MethodPost, "/ops/traces/trace-1/annotations",
		map[string]any{"author": "ops@local", "note": "looks fine"})
	require.Equal(t, http.StatusCreated, status)

	status, _ = f.asOps(t, http.MethodPost, "/ops/traces/missing/annotations",
		map[string]any{"note": "x"})
	require.Equal(t, http.StatusNotFound, status)
}

func TestAuditVerifyAndExport(t *testing.T) {
	f := newAPIFixture(t, engine.ModeSimulate)
	f.registerAdapter(t)

	status, _ := f.asAdapter(t, http.MethodPost, "/api/ingest/audit", map[string]any{
		"execution_id": "exec-1",
		"event_data":   map[string]any{"kind": "sandbox_violation", "path": "/etc/passwd"},
	})
	require.Equal(t, http.StatusOK, status)

	status, body := f.asOps(t, http.MethodGet, "/ops/audit/verify", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, string(contracts.ChainVerified), body["status"])

	status, body = f.asOps(t, http.MethodPost, "/ops/audit/export", map[string]any{})
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, body["checksum"])
	require.Greater(t, body["event_count"], float64(0))
}

func TestOpsPolicyValidation(t *testing.T) {
	f := newAPIFixture(t, engine.ModeSimulate)

	// Unknown effect decision fails schema validation.
	status, _ := f.asOps(t, http.MethodPut, "/ops/policies/bad", map[string]any{
		"policy_id": "bad",
		"scope":     map[string]any{"tenant_id": "local"},
		"subject":   map[string]any{"type": "tool"},
		"effect":    map[string]any{"decision": "maybe"},
	})
	require.Equal(t, http.StatusBadRequest, status)

	// Body id must match the URL.
	status, _ = f.asOps(t, http.MethodPut, "/ops/policies/other", map[string]any{
		"policy_id": "mismatch",
		"scope":     map[string]any{"tenant_id": "local"},
		"subject":   map[string]any{"type": "tool"},
		"effect":    map[string]any{"decision": "allow"},
	})
	require.Equal(t, http.StatusBadRequest, status)

	// Foreign tenant scopes are rejected.
	status, _ = f.asOps(t, http.MethodPut, "/ops/policies/foreign", map[string]any{
		"policy_id": "foreign",
		"scope":     map[string]any{"tenant_id": "acme"},
		"subject":   map[string]any{"type": "tool"},
		"effect":    map[string]any{"decision": "allow"},
	})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = f.asOps(t, http.MethodGet, "/ops/policies/nope", nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestWizardPolicyCarriesProvenance(t *testing.T) {
	f := newAPIFixture(t, engine.ModeSimulate)

	status, body := f.asOps(t, http.MethodPost, "/ops/policies/wizard", map[string]any{
		"template_id":   "block-prod-deploys",
		"operator_note": "initial setup",
		"policy": map[string]any{
			"policy_id":  "wizard_deploy_guard",
			"scope":      map[string]any{"tenant_id": "local"},
			"subject":    map[string]any{"type": "tool", "name": "deploy"},
			"effect":     map[string]any{"decision": "require_approval"},
			"precedence": 50,
			"enabled":    true,
		},
	})
	require.Equal(t, http.StatusCreated, status)
	meta, _ := body["wizard_meta"].(map[string]any)
	require.NotNil(t, meta)
	require.Equal(t, "wizard", meta["source"])
	require.Equal(t, "block-prod-deploys", meta["template_id"])
	require.NotEmpty(t, meta["content_hash"])

	status, body = f.asOps(t, http.MethodGet, "/ops/audit?event_type=policy_created_via_wizard", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["events"], 1)
}

func TestBudgetEndpointGatesRequests(t *testing.T) {
	f := newAPIFixture(t, engine.ModeSimulate)
	f.registerAdapter(t)

	status, _ := f.asOps(t, http.MethodPut, "/ops/budget", map[string]any{"limit_cents": 100})
	require.Equal(t, http.StatusOK, status)

	status, body := f.asAdapter(t, http.MethodPost, "/api/execution/request", map[string]any{
		"tool": "read_file", "estimated_cost_cents": 500,
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, false, body["allowed"])
	require.Equal(t, budget.ReasonExceeded, body["blocked_reason"])

	status, body = f.asOps(t, http.MethodGet, "/ops/budget", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["configured"])
}
