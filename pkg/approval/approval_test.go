package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openclaw/warden/pkg/audit"
	"github.com/openclaw/warden/pkg/contracts"
	"github.com/openclaw/warden/pkg/store"
)

var testSecret = []byte("unit-test-secret")

type fixture struct {
	store   *store.Store
	manager *Manager
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{store: s, now: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	s.WithClock(clock)

	issuer := NewTokenIssuer(testSecret, 15*time.Minute).WithClock(clock)
	f.manager = NewManager(s, audit.NewLogger(s, nil), issuer, Config{
		WaitTimeout: 5 * time.Minute,
		ReuseWindow: 10 * time.Minute,
	}, nil).WithClock(clock)
	return f
}

func pendingReq(execution string) PendingRequest {
	return PendingRequest{
		TenantID:    "local",
		AdapterID:   "openclaw",
		ExecutionID: execution,
		Tool:        "deploy",
		Targets:     []string{"/workspace/app"},
		SessionID:   "sess-1",
		Snapshot:    map[string]any{"tool": "deploy"},
		ProposedScope: &contracts.GrantedScope{
			Capabilities: []string{"deploy"},
			MaxSteps:     10,
			MaxCostCents: 500,
		},
	}
}

func TestTokenIssuer_RoundTrip(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, time.Minute)
	record := &contracts.DecisionRecord{
		DecisionID: "d1", TenantID: "local", AdapterID: "openclaw", ExecutionID: "exec-1",
	}

	token, jti, err := issuer.Mint(record, &contracts.GrantedScope{MaxSteps: 5})
	require.NoError(t, err)
	require.NotEmpty(t, jti)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	require.Equal(t, jti, claims.ID)
	require.Equal(t, "exec-1", claims.ExecutionID)
	require.Equal(t, 5, claims.GrantedScope.MaxSteps)

	// Wrong secret never verifies.
	_, err = NewTokenIssuer([]byte("other"), time.Minute).Verify(token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTokenIssuer_Expiry(t *testing.T) {
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	issuer := NewTokenIssuer(testSecret, time.Minute).WithClock(func() time.Time { return now })

	token, _, err := issuer.Mint(&contracts.DecisionRecord{DecisionID: "d1", ExecutionID: "e1"}, nil)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = issuer.Verify(token)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestCreatePending_FingerprintReuse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, reused, err := f.manager.CreatePending(ctx, pendingReq("exec-1"))
	require.NoError(t, err)
	require.False(t, reused)
	require.Equal(t, contracts.StatusPending, first.Status)

	// Same semantic action two minutes later reuses the pending record and
	// the original execution id.
	f.now = f.now.Add(2 * time.Minute)
	second, reused, err := f.manager.CreatePending(ctx, pendingReq("exec-2"))
	require.NoError(t, err)
	require.True(t, reused)
	require.Equal(t, first.DecisionID, second.DecisionID)
	require.Equal(t, "exec-1", second.ExecutionID)

	events, err := f.store.ListAudit(ctx, contracts.AuditFilter{
		TenantID: "local", EventType: contracts.EventApprovalPendingReused,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)

	// A different tool is a different fingerprint.
	other := pendingReq("exec-3")
	other.Tool = "delete_file"
	third, reused, err := f.manager.CreatePending(ctx, other)
	require.NoError(t, err)
	require.False(t, reused)
	require.NotEqual(t, first.DecisionID, third.DecisionID)
}

func TestCreatePending_ReuseClearedOnTerminalStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _, err := f.manager.CreatePending(ctx, pendingReq("exec-1"))
	require.NoError(t, err)
	_, err = f.manager.Resolve(ctx, first.DecisionID, false, "ops", "not today")
	require.NoError(t, err)

	second, reused, err := f.manager.CreatePending(ctx, pendingReq("exec-2"))
	require.NoError(t, err)
	require.False(t, reused)
	require.NotEqual(t, first.DecisionID, second.DecisionID)
}

func TestResolve_ApproveMintsSingleUseToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, _, err := f.manager.CreatePending(ctx, pendingReq("exec-1"))
	require.NoError(t, err)

	resolved, err := f.manager.Resolve(ctx, record.DecisionID, true, "ops@local", "looks fine")
	require.NoError(t, err)
	require.Equal(t, contracts.StatusApproved, resolved.Status)
	require.NotEmpty(t, resolved.DecisionToken)
	require.NotEmpty(t, resolved.DecisionTokenJTI)
	require.Equal(t, "ops@local", resolved.Resolution.ResolvedBy)
	// Scope validity restarts at approval.
	require.True(t, resolved.GrantedScope.ExpiresAt.Equal(f.now.Add(15*time.Minute)))

	// Double resolution fails.
	_, err = f.manager.Resolve(ctx, record.DecisionID, false, "ops@local", "changed my mind")
	require.ErrorIs(t, err, ErrNotPending)

	// First consume succeeds, second fails.
	claims, err := f.manager.ConsumeToken(ctx, resolved.DecisionToken)
	require.NoError(t, err)
	require.Equal(t, "exec-1", claims.ExecutionID)

	_, err = f.manager.ConsumeToken(ctx, resolved.DecisionToken)
	require.ErrorIs(t, err, ErrTokenConsumed)
}

func TestResolve_DenyMintsNoToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, _, err := f.manager.CreatePending(ctx, pendingReq("exec-1"))
	require.NoError(t, err)

	resolved, err := f.manager.Resolve(ctx, record.DecisionID, false, "ops", "too risky")
	require.NoError(t, err)
	require.Equal(t, contracts.StatusDenied, resolved.Status)
	require.Empty(t, resolved.DecisionToken)
}

func TestCancel_IsDenyWithCancelledReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, _, err := f.manager.CreatePending(ctx, pendingReq("exec-1"))
	require.NoError(t, err)

	resolved, err := f.manager.Cancel(ctx, record.DecisionID, "adapter")
	require.NoError(t, err)
	require.Equal(t, contracts.StatusDenied, resolved.Status)
	require.Equal(t, "cancelled", resolved.Resolution.Reason)
}

func TestPoll_LazyExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, _, err := f.manager.CreatePending(ctx, pendingReq("exec-1"))
	require.NoError(t, err)

	got, err := f.manager.Poll(ctx, "local", "exec-1")
	require.NoError(t, err)
	require.Equal(t, contracts.StatusPending, got.Status)

	// Past the wait timeout, the next touch flips the record to expired.
	f.now = f.now.Add(6 * time.Minute)
	got, err = f.manager.Poll(ctx, "local", "exec-1")
	require.NoError(t, err)
	require.Equal(t, contracts.StatusExpired, got.Status)

	// Resolution after expiry fails.
	_, err = f.manager.Resolve(ctx, record.DecisionID, true, "ops", "")
	require.ErrorIs(t, err, ErrNotPending)
}

func TestPoll_ForeignTenantSeesNothingAndExpiresNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, _, err := f.manager.CreatePending(ctx, pendingReq("exec-1"))
	require.NoError(t, err)

	// A foreign tenant gets not-found even once the record is overdue, and
	// the miss must not apply the lazy-expiry write.
	f.now = f.now.Add(6 * time.Minute)
	_, err = f.manager.Poll(ctx, "other", "exec-1")
	require.ErrorIs(t, err, store.ErrNotFound)

	stored, err := f.store.GetDecision(ctx, record.DecisionID)
	require.NoError(t, err)
	require.Equal(t, contracts.StatusPending, stored.Status)

	// The owner's next poll still expires it as usual.
	got, err := f.manager.Poll(ctx, "local", "exec-1")
	require.NoError(t, err)
	require.Equal(t, contracts.StatusExpired, got.Status)
}

func TestConsumeToken_RejectsMismatchedRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, _, err := f.manager.CreatePending(ctx, pendingReq("exec-1"))
	require.NoError(t, err)
	resolved, err := f.manager.Resolve(ctx, record.DecisionID, true, "ops", "")
	require.NoError(t, err)

	// A token minted outside the resolution path doesn't match the stored JTI.
	forged, _, err := f.manager.issuer.Mint(resolved, nil)
	require.NoError(t, err)
	_, err = f.manager.ConsumeToken(ctx, forged)
	require.ErrorIs(t, err, ErrTokenMismatch)
}
