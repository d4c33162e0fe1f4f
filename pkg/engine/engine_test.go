package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openclaw/warden/pkg/audit"
	"github.com/openclaw/warden/pkg/budget"
	"github.com/openclaw/warden/pkg/contracts"
	"github.com/openclaw/warden/pkg/policy"
	"github.com/openclaw/warden/pkg/store"
)

type fixture struct {
	store  *store.Store
	budget *budget.MemoryStore
	engine *Engine
}

func newFixture(t *testing.T, mode string) *fixture {
	t.Helper()
	s, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	bs := budget.NewMemoryStore()
	f := &fixture{store: s, budget: bs}
	f.engine = New(s, policy.NewEvaluator(true), budget.NewManager(bs, nil),
		audit.NewLogger(s, nil), mode, nil)
	return f
}

func (f *fixture) addPolicy(t *testing.T, p *contracts.Policy) {
	t.Helper()
	require.NoError(t, f.store.UpsertPolicy(context.Background(), p))
}

func denyPolicy(id, tool string) *contracts.Policy {
	return &contracts.Policy{
		PolicyID:   id,
		Scope:      contracts.PolicyScope{TenantID: "local"},
		Subject:    contracts.PolicySubject{Type: contracts.SubjectTool, Name: tool},
		Effect:     contracts.PolicyEffect{Decision: contracts.DecisionDeny},
		Precedence: 100,
		Enabled:    true,
	}
}

func baseRequest() Request {
	return Request{
		TenantID:         "local",
		AdapterID:        "openclaw",
		AdapterRiskClass: contracts.RiskClassLow,
		RBACAllowed:      true,
		Tool:             "read_file",
		SkillTested:      true,
		SkillPinned:      true,
	}
}

func (f *fixture) auditEvents(t *testing.T, et contracts.EventType) []*contracts.AuditEvent {
	t.Helper()
	events, err := f.store.ListAudit(context.Background(), contracts.AuditFilter{TenantID: "local", EventType: et})
	require.NoError(t, err)
	return events
}

func TestDecide_RBACDeniedShortCircuits(t *testing.T) {
	f := newFixture(t, ModeSimulate)
	req := baseRequest()
	req.RBACAllowed = false

	out, err := f.engine.Decide(context.Background(), req)
	require.NoError(t, err)
	require.False(t, out.Envelope.Allowed)
	require.Equal(t, contracts.DecisionDeny, out.Envelope.Decision)
	require.Equal(t, ReasonRBACDenied, out.Envelope.BlockedReason)
	require.NotEmpty(t, out.Envelope.ExecutionID)
}

func TestDecide_FallbackAllow(t *testing.T) {
	f := newFixture(t, ModeSimulate)

	out, err := f.engine.Decide(context.Background(), baseRequest())
	require.NoError(t, err)
	require.True(t, out.Envelope.Allowed)
	require.True(t, out.Envelope.PolicyFallbackHit)
	require.Empty(t, out.Envelope.MatchedPolicies)
	require.Equal(t, "No matching policy", out.Envelope.Explanation)
	require.NotNil(t, out.Envelope.GrantedScope)
	require.Equal(t, defaultMaxSteps, out.Envelope.GrantedScope.MaxSteps)
}

func TestDecide_PolicyDeny(t *testing.T) {
	f := newFixture(t, ModeSimulate)
	f.addPolicy(t, denyPolicy("deny_delete_file", "delete_file"))

	req := baseRequest()
	req.Tool = "delete_file"
	out, err := f.engine.Decide(context.Background(), req)
	require.NoError(t, err)
	require.False(t, out.Envelope.Allowed)
	require.Equal(t, ReasonPolicyDenied, out.Envelope.BlockedReason)
	require.Equal(t, []string{"deny_delete_file"}, out.Envelope.MatchedPolicies)
	require.False(t, out.Envelope.PolicyFallbackHit)
}

func TestDecide_BudgetDenyBeforePolicyDeny(t *testing.T) {
	f := newFixture(t, ModeSimulate)
	ctx := context.Background()
	require.NoError(t, f.budget.SetBudget(ctx, &budget.TenantBudget{TenantID: "local", LimitCents: 100}))
	f.addPolicy(t, denyPolicy("deny_deploy", "deploy"))

	req := baseRequest()
	req.Tool = "deploy"
	req.EstimatedCostCents = 500

	out, err := f.engine.Decide(ctx, req)
	require.NoError(t, err)
	require.False(t, out.Envelope.Allowed)
	require.Equal(t, budget.ReasonExceeded, out.Envelope.BlockedReason)
	// Policy trace is carried even on budget denials.
	require.Equal(t, []string{"deny_deploy"}, out.Envelope.MatchedPolicies)
	require.Len(t, f.auditEvents(t, contracts.EventBudgetDenied), 1)
}

func TestDecide_ApprovalFork_Enforce(t *testing.T) {
	f := newFixture(t, ModeEnforce)
	p := denyPolicy("guard_deploy", "deploy")
	p.Effect.Decision = contracts.DecisionRequireApproval
	p.Effect.MaxSteps = 20
	f.addPolicy(t, p)

	req := baseRequest()
	req.Tool = "deploy"
	out, err := f.engine.Decide(context.Background(), req)
	require.NoError(t, err)
	require.False(t, out.Envelope.Allowed)
	require.True(t, out.Envelope.RequiresApproval)
	require.Equal(t, contracts.DecisionRequireApproval, out.Envelope.Decision)
	require.Equal(t, ModeEnforce, out.Envelope.ApprovalMode)
	// Scope is proposed for the eventual approval, capped by the policy.
	require.NotNil(t, out.Scope)
	require.Equal(t, 20, out.Scope.MaxSteps)
	require.Empty(t, f.auditEvents(t, contracts.EventApprovalAutoAllowedInCore))
}

func TestDecide_ApprovalFork_SimulateAutoAllows(t *testing.T) {
	f := newFixture(t, ModeSimulate)
	p := denyPolicy("guard_deploy", "deploy")
	p.Effect.Decision = contracts.DecisionRequireApproval
	f.addPolicy(t, p)

	req := baseRequest()
	req.Tool = "deploy"
	out, err := f.engine.Decide(context.Background(), req)
	require.NoError(t, err)
	require.True(t, out.Envelope.Allowed)
	require.True(t, out.Envelope.AutoAllowedInCore)
	require.Contains(t, out.Envelope.Explanation, "auto-allowed")
	require.Len(t, f.auditEvents(t, contracts.EventApprovalAutoAllowedInCore), 1)

	// The simulate fork is visible in the trace.
	var marked bool
	for _, e := range out.Envelope.DecisionTrace {
		if e.Operator == "approval_mode" {
			marked = true
		}
	}
	require.True(t, marked)
}

func TestDecide_HighRiskTripsApprovalFork(t *testing.T) {
	f := newFixture(t, ModeEnforce)

	req := baseRequest()
	req.AdapterRiskClass = contracts.RiskClassHigh
	req.Tools = []string{"exec", "http_fetch", "write_file"}
	req.Tool = "exec"
	req.RequestedCapabilities = []string{"external_network", "filesystem_write"}

	out, err := f.engine.Decide(context.Background(), req)
	require.NoError(t, err)
	require.True(t, out.Envelope.RequiresApproval)
	require.Contains(t, out.Envelope.Explanation, "risk level")
	require.True(t, out.Risk.Level == "high" || out.Risk.Level == "critical")
}

func TestDecide_CustomFlagsRaiseRisk(t *testing.T) {
	f := newFixture(t, ModeEnforce)

	req := baseRequest()
	req.CustomFlags = []string{"experimental", "unreviewed_prompt", "bulk_delete", "external_repo", "shared_creds"}

	out, err := f.engine.Decide(context.Background(), req)
	require.NoError(t, err)
	require.True(t, out.Envelope.RequiresApproval)
	require.Contains(t, out.Risk.Factors, "flag: experimental")
	require.True(t, out.Risk.Level == "high" || out.Risk.Level == "critical")

	// The same request without flags stays low risk and is allowed outright.
	out, err = f.engine.Decide(context.Background(), baseRequest())
	require.NoError(t, err)
	require.True(t, out.Envelope.Allowed)
	require.Equal(t, "low", string(out.Risk.Level))
}

func TestDecide_OverrideContinuesToAllow(t *testing.T) {
	f := newFixture(t, ModeEnforce)
	f.addPolicy(t, denyPolicy("deny_deploy", "deploy"))

	req := baseRequest()
	req.Tool = "deploy"
	req.Override = &Override{Code: "incident_response", Justification: "sev1 rollback", RequestedBy: "ops@local"}

	out, err := f.engine.Decide(context.Background(), req)
	require.NoError(t, err)
	require.True(t, out.Envelope.Allowed)
	require.Len(t, f.auditEvents(t, contracts.EventOpsOverrideUsed), 1)
}

func TestDecide_MalformedOverrideIsIgnored(t *testing.T) {
	f := newFixture(t, ModeEnforce)
	f.addPolicy(t, denyPolicy("deny_deploy", "deploy"))

	req := baseRequest()
	req.Tool = "deploy"
	req.Override = &Override{Code: "incident_response"} // no justification

	out, err := f.engine.Decide(context.Background(), req)
	require.NoError(t, err)
	require.False(t, out.Envelope.Allowed)
	require.Empty(t, f.auditEvents(t, contracts.EventOpsOverrideUsed))
}

func TestDecide_GrantedScopeCaps(t *testing.T) {
	f := newFixture(t, ModeSimulate)
	ctx := context.Background()
	require.NoError(t, f.budget.SetBudget(ctx, &budget.TenantBudget{TenantID: "local", LimitCents: 300, UsedCents: 100}))

	req := baseRequest()
	req.RequestedMaxSteps = 500 // above the ceiling
	req.RequestedMaxCostCents = 1000
	req.RequestedCapabilities = []string{"read_only"}

	out, err := f.engine.Decide(ctx, req)
	require.NoError(t, err)
	scope := out.Envelope.GrantedScope
	require.Equal(t, defaultMaxSteps, scope.MaxSteps)
	require.EqualValues(t, 200, scope.MaxCostCents) // clamped to residual
	require.Equal(t, []string{"read_only"}, scope.Capabilities)
	require.False(t, scope.ExpiresAt.IsZero())
}

func TestDecide_ConditionedAllowBeatsApproval(t *testing.T) {
	f := newFixture(t, ModeEnforce)

	approval := denyPolicy("exec_approval", "exec")
	approval.Effect.Decision = contracts.DecisionRequireApproval
	approval.Precedence = 10
	f.addPolicy(t, approval)

	allow := &contracts.Policy{
		PolicyID: "exec_allow_ls",
		Scope:    contracts.PolicyScope{TenantID: "local"},
		Subject:  contracts.PolicySubject{Type: contracts.SubjectTool, Name: "exec"},
		Conditions: map[string]json.RawMessage{
			"context.exec.argv0": json.RawMessage(`{"in": ["ls", "cat"]}`),
		},
		Effect:     contracts.PolicyEffect{Decision: contracts.DecisionAllow},
		Precedence: 50,
		Enabled:    true,
	}
	f.addPolicy(t, allow)

	req := baseRequest()
	req.Tool = "exec"
	req.Context = map[string]any{"exec": map[string]any{"argv0": "ls"}}

	out, err := f.engine.Decide(context.Background(), req)
	require.NoError(t, err)
	require.True(t, out.Envelope.Allowed)
	require.Equal(t, "exec_allow_ls", out.Envelope.MatchedPolicies[0])
	require.False(t, out.Envelope.RequiresApproval)
}

func TestDecide_ScopeExpiryUsesClock(t *testing.T) {
	f := newFixture(t, ModeSimulate)
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	f.engine.WithClock(func() time.Time { return now })

	out, err := f.engine.Decide(context.Background(), baseRequest())
	require.NoError(t, err)
	require.True(t, out.Envelope.GrantedScope.ExpiresAt.Equal(now.Add(15*time.Minute)))
}
