package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openclaw/warden/pkg/contracts"
)

func testClient(url string) *Client {
	return NewClient(Config{
		BaseURL:      url,
		AdapterToken: "token",
		PollInterval: time.Millisecond, // floored
		WaitTimeout:  time.Second,
	})
}

func TestNewClient_FloorsPollInterval(t *testing.T) {
	c := testClient("http://localhost:0")
	require.Equal(t, minPollInterval, c.pollInterval)
}

func TestIntercept_FailsClosedWhenGatewayUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close() // connection refused from here on

	envelope := testClient(ts.URL).Intercept(context.Background(), ExecutionRequest{Tool: "deploy"})
	require.False(t, envelope.Allowed)
	require.Equal(t, contracts.DecisionDeny, envelope.Decision)
	require.Equal(t, BlockedReasonUnreachable, envelope.BlockedReason)
}

func TestIntercept_FailsClosedOnGatewayError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"title":"Internal Server Error","detail":"boom","status":500}`))
	}))
	defer ts.Close()

	envelope := testClient(ts.URL).Intercept(context.Background(), ExecutionRequest{Tool: "deploy"})
	require.False(t, envelope.Allowed)
	require.Equal(t, BlockedReasonUnreachable, envelope.BlockedReason)
}

func TestIntercept_PassesEnvelopeThrough(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "token", r.Header.Get("X-Adapter-Token"))
		_ = json.NewEncoder(w).Encode(contracts.DecisionEnvelope{
			Allowed:     true,
			ExecutionID: "exec-1",
			Decision:    contracts.DecisionAllow,
		})
	}))
	defer ts.Close()

	envelope := testClient(ts.URL).Intercept(context.Background(), ExecutionRequest{Tool: "read_file"})
	require.True(t, envelope.Allowed)
	require.Equal(t, "exec-1", envelope.ExecutionID)
}

func TestAuthorizeTool_FailsClosed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	decision := testClient(ts.URL).AuthorizeTool(context.Background(), AuthorizeToolRequest{
		ExecutionID: "exec-1", Tool: "drop_table",
	})
	require.Equal(t, contracts.DecisionDeny, decision.Decision)
}

func TestWaitForDecision_ReturnsOnResolution(t *testing.T) {
	var polls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/decisions/exec-1/latest", r.URL.Path)
		state := DecisionState{DecisionID: "d1", ExecutionID: "exec-1", Status: contracts.StatusPending}
		if polls.Add(1) >= 2 {
			state.Status = contracts.StatusApproved
			state.DecisionToken = "jwt"
		}
		_ = json.NewEncoder(w).Encode(state)
	}))
	defer ts.Close()

	state, err := testClient(ts.URL).WaitForDecision(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Equal(t, contracts.StatusApproved, state.Status)
	require.Equal(t, "jwt", state.DecisionToken)
	require.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestWaitForDecision_TimesOutWithLastState(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(DecisionState{DecisionID: "d1", Status: contracts.StatusPending})
	}))
	defer ts.Close()

	c := NewClient(Config{
		BaseURL:      ts.URL,
		AdapterToken: "token",
		WaitTimeout:  50 * time.Millisecond,
	})
	state, err := c.WaitForDecision(context.Background(), "exec-1")
	require.ErrorIs(t, err, ErrWaitTimeout)
	require.NotNil(t, state)
	require.Equal(t, contracts.StatusPending, state.Status)
}

func TestSubmitTrace_ChainsStepsBeforeSending(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var bundle contracts.TraceBundle
		require.NoError(t, json.NewDecoder(r.Body).Decode(&bundle))
		require.Len(t, bundle.Steps, 2)
		require.NotEmpty(t, bundle.Steps[0].StepHash)
		require.Equal(t, bundle.Steps[0].StepHash, bundle.Steps[1].PrevStepHash)
		_ = json.NewEncoder(w).Encode(map[string]any{"stored": true, "integrity": "verified"})
	}))
	defer ts.Close()

	integrity, err := testClient(ts.URL).SubmitTrace(context.Background(), "trace-1", "exec-1", []contracts.TraceStep{
		{StepID: "s1", Type: contracts.StepToolCall, Payload: json.RawMessage(`{"tool":"read_file"}`)},
		{StepID: "s2", Type: contracts.StepToolResult, Payload: json.RawMessage(`{"bytes":10}`)},
	})
	require.NoError(t, err)
	require.Equal(t, contracts.IntegrityVerified, integrity)
}
