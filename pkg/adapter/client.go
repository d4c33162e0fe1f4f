// Package adapter is the client SDK an execution runtime embeds to delegate
// pre-execution authority to the gateway. The cardinal rule is fail-closed:
// if the gateway cannot be reached or answers with anything unexpected, the
// runtime treats the action as denied.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/openclaw/warden/pkg/contracts"
	"github.com/openclaw/warden/pkg/engine"
	"github.com/openclaw/warden/pkg/trace"
)

// minPollInterval is the floor for decision polling. Tighter loops hammer
// the gateway without making operators any faster.
const minPollInterval = 250 * time.Millisecond

const (
	defaultPollInterval = time.Second
	defaultWaitTimeout  = 5 * time.Minute
)

// BlockedReasonUnreachable marks synthetic denials produced by the SDK when
// the gateway did not answer.
const BlockedReasonUnreachable = "gateway_unreachable"

// ErrWaitTimeout is returned when a pending decision outlives the configured
// wait window without resolution.
var ErrWaitTimeout = errors.New("adapter: timed out waiting for decision")

// Config configures a gateway client.
type Config struct {
	BaseURL      string
	AdapterToken string
	PollInterval time.Duration // floored at 250ms
	WaitTimeout  time.Duration // how long WaitForDecision blocks
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Client talks to one gateway on behalf of one adapter.
type Client struct {
	baseURL      string
	token        string
	http         *http.Client
	pollInterval time.Duration
	waitTimeout  time.Duration
	log          *slog.Logger
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if pollInterval < minPollInterval {
		pollInterval = minPollInterval
	}
	waitTimeout := cfg.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = defaultWaitTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL:      cfg.BaseURL,
		token:        cfg.AdapterToken,
		http:         httpClient,
		pollInterval: pollInterval,
		waitTimeout:  waitTimeout,
		log:          log,
	}
}

// RegisterRequest announces the adapter to the gateway registry.
type RegisterRequest struct {
	AdapterID    string   `json:"adapter_id"`
	DisplayName  string   `json:"display_name,omitempty"`
	RiskClass    string   `json:"risk_class"`
	Capabilities []string `json:"capabilities,omitempty"`
	Version      string   `json:"version"`
}

// Register creates or refreshes the adapter's registry entry.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*contracts.Adapter, error) {
	var adapter contracts.Adapter
	if err := c.post(ctx, "/adapters/register", req, &adapter); err != nil {
		return nil, err
	}
	return &adapter, nil
}

// ExecutionRequest mirrors the gateway's pre-execution check body.
type ExecutionRequest struct {
	WorkspaceID string `json:"workspace_id,omitempty"`
	Environment string `json:"environment,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`

	Tool      string   `json:"tool"`
	ToolGroup string   `json:"tool_group,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	Targets   []string `json:"targets,omitempty"`
	SessionID string   `json:"session_id,omitempty"`

	SkillID     string `json:"skill_id,omitempty"`
	SkillState  string `json:"skill_state,omitempty"`
	SkillTested bool   `json:"skill_tested,omitempty"`
	SkillPinned bool   `json:"skill_pinned,omitempty"`

	Intent          string   `json:"intent,omitempty"`
	Provenance      string   `json:"provenance,omitempty"`
	Temperature     float64  `json:"temperature,omitempty"`
	DataSensitivity string   `json:"data_sensitivity,omitempty"`
	ContextFlags    []string `json:"context_flags,omitempty"`
	CustomFlags     []string `json:"custom_flags,omitempty"`

	RequestedCapabilities []string `json:"requested_capabilities,omitempty"`
	MaxSteps              int      `json:"max_steps,omitempty"`
	MaxCostCents          int64    `json:"max_cost_cents,omitempty"`
	EstimatedCostCents    int64    `json:"estimated_cost_cents,omitempty"`

	Context      map[string]any    `json:"context,omitempty"`
	TemplateVars map[string]string `json:"template_vars,omitempty"`

	Override *engine.Override `json:"override,omitempty"`
}

// RequestExecution runs the pre-execution check and returns the envelope.
// Transport and protocol failures surface as errors; use Intercept for the
// fail-closed form.
func (c *Client) RequestExecution(ctx context.Context, req ExecutionRequest) (*contracts.DecisionEnvelope, error) {
	var envelope contracts.DecisionEnvelope
	if err := c.post(ctx, "/api/execution/request", req, &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}

// Intercept is the fail-closed pre-execution check. Any failure to obtain a
// real envelope produces a synthetic denial; the runtime never proceeds on
// ambiguity.
func (c *Client) Intercept(ctx context.Context, req ExecutionRequest) *contracts.DecisionEnvelope {
	envelope, err := c.RequestExecution(ctx, req)
	if err != nil {
		c.log.Warn("gateway check failed, denying", "tool", req.Tool, "error", err)
		return &contracts.DecisionEnvelope{
			Allowed:         false,
			ExecutionID:     req.ExecutionID,
			Decision:        contracts.DecisionDeny,
			BlockedReason:   BlockedReasonUnreachable,
			Explanation:     "Gateway unreachable or returned an error; failing closed",
			MatchedPolicies: []string{},
		}
	}
	return envelope
}

// AuthorizeToolRequest is the mid-execution per-tool check body.
type AuthorizeToolRequest struct {
	ExecutionID  string            `json:"execution_id"`
	Tool         string            `json:"tool"`
	Sequence     int               `json:"sequence"`
	WorkspaceID  string            `json:"workspace_id,omitempty"`
	Environment  string            `json:"environment,omitempty"`
	Context      map[string]any    `json:"context,omitempty"`
	TemplateVars map[string]string `json:"template_vars,omitempty"`
}

// ToolDecision is the gateway's answer to a per-tool check.
type ToolDecision struct {
	Decision string `json:"decision"`
	PolicyID string `json:"policy_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// AuthorizeTool checks one tool invocation under an existing execution,
// fail-closed: errors come back as a denial.
func (c *Client) AuthorizeTool(ctx context.Context, req AuthorizeToolRequest) *ToolDecision {
	var decision ToolDecision
	if err := c.post(ctx, "/api/governance/tool/authorize", req, &decision); err != nil {
		c.log.Warn("tool authorization failed, denying", "tool", req.Tool, "error", err)
		return &ToolDecision{Decision: contracts.DecisionDeny, Reason: BlockedReasonUnreachable}
	}
	return &decision
}

// DecisionState is one poll result for a pending decision.
type DecisionState struct {
	DecisionID    string                   `json:"decision_id"`
	ExecutionID   string                   `json:"execution_id"`
	Status        contracts.DecisionStatus `json:"status"`
	Resolution    *contracts.Resolution    `json:"resolution,omitempty"`
	DecisionToken string                   `json:"decision_token,omitempty"`
	GrantedScope  *contracts.GrantedScope  `json:"granted_scope,omitempty"`
}

// PollDecision fetches the latest decision state for an execution once.
func (c *Client) PollDecision(ctx context.Context, executionID string) (*DecisionState, error) {
	var state DecisionState
	if err := c.get(ctx, "/api/decisions/"+executionID+"/latest", &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// WaitForDecision polls until the decision leaves pending or the wait window
// closes. On timeout the last observed state is returned alongside
// ErrWaitTimeout so callers can still render it.
func (c *Client) WaitForDecision(ctx context.Context, executionID string) (*DecisionState, error) {
	deadline := time.NewTimer(c.waitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var last *DecisionState
	for {
		state, err := c.PollDecision(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if state.Status.Terminal() {
			return state, nil
		}
		last = state

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			return last, ErrWaitTimeout
		case <-ticker.C:
		}
	}
}

// ConsumeToken burns a decision token before acting on the approval.
func (c *Client) ConsumeToken(ctx context.Context, token string) (*contracts.GrantedScope, error) {
	var resp struct {
		Consumed     bool                    `json:"consumed"`
		GrantedScope *contracts.GrantedScope `json:"granted_scope,omitempty"`
	}
	if err := c.post(ctx, "/api/decisions/token/consume", map[string]string{"token": token}, &resp); err != nil {
		return nil, err
	}
	return resp.GrantedScope, nil
}

// SubmitTrace hash-chains the steps and ships the bundle. The chaining
// happens client-side so the gateway can verify what the adapter attests.
func (c *Client) SubmitTrace(ctx context.Context, traceID, executionID string, steps []contracts.TraceStep) (contracts.IntegrityStatus, error) {
	chained, err := trace.Chain(traceID, steps)
	if err != nil {
		return "", fmt.Errorf("adapter: chain trace: %w", err)
	}
	var resp struct {
		Stored    bool   `json:"stored"`
		Integrity string `json:"integrity"`
	}
	err = c.post(ctx, "/api/ingest/trace", map[string]any{
		"trace_id":     traceID,
		"execution_id": executionID,
		"steps":        chained,
	}, &resp)
	if err != nil {
		return "", err
	}
	return contracts.IntegrityStatus(resp.Integrity), nil
}

// SubmitAuditEvent records an adapter-side event in the gateway audit chain.
func (c *Client) SubmitAuditEvent(ctx context.Context, executionID, traceID string, data map[string]any) error {
	var resp struct {
		Stored bool `json:"stored"`
	}
	return c.post(ctx, "/api/ingest/audit", map[string]any{
		"execution_id": executionID,
		"trace_id":     traceID,
		"event_data":   data,
	}, &resp)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("adapter: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	req.Header.Set("X-Adapter-Token", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("adapter: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return decodeProblem(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("adapter: decode response: %w", err)
	}
	return nil
}

// decodeProblem turns an RFC 7807 body into an error, falling back to the
// bare status when the body is not a problem document.
func decodeProblem(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &problem); err == nil && problem.Title != "" {
		return fmt.Errorf("adapter: gateway returned %d: %s: %s", resp.StatusCode, problem.Title, problem.Detail)
	}
	return fmt.Errorf("adapter: gateway returned %d", resp.StatusCode)
}
