package policy

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"

	"github.com/openclaw/warden/pkg/contracts"
)

// Result is the evaluator's verdict for one request.
type Result struct {
	Decision        string
	MatchedPolicies []string
	Trace           []contracts.ConditionTraceEntry
	Explanation     string
	// FallbackHit is true when no policy matched and the terminal fallback
	// allow applied.
	FallbackHit bool
	// MaxSteps is the winning policy's step cap, 0 when uncapped.
	MaxSteps int
}

// Evaluator matches enabled policies against a request context. When
// operatorsEnabled is false the legacy eq-only matcher is used instead of the
// extended condition grammar.
type Evaluator struct {
	operatorsEnabled bool
}

// NewEvaluator returns an evaluator. operatorsEnabled gates the extended
// condition operators; the legacy path only understands scalar equality.
func NewEvaluator(operatorsEnabled bool) *Evaluator {
	return &Evaluator{operatorsEnabled: operatorsEnabled}
}

type matched struct {
	policy      contracts.Policy
	specificity int
	trace       []contracts.ConditionTraceEntry
}

// Evaluate runs scope, subject, and condition matching over the candidate
// policies (already filtered by tenant/workspace/environment by the store) and
// resolves the winner by precedence, specificity, then decision severity.
func (ev *Evaluator) Evaluate(ctx context.Context, policies []contracts.Policy, pc *PolicyContext) (*Result, error) {
	_, span := otel.Tracer("warden/policy").Start(ctx, "policy.Evaluate")
	defer span.End()

	res := &Result{MatchedPolicies: []string{}, Trace: []contracts.ConditionTraceEntry{}}

	var hits []matched
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		if !scopeMatches(p.Scope, pc) {
			continue
		}
		if !subjectMatches(p.Subject, pc) {
			continue
		}
		trace, ok := ev.conditionsMatch(p, pc)
		res.Trace = append(res.Trace, trace...)
		if !ok {
			continue
		}
		hits = append(hits, matched{policy: p, specificity: specificity(p.Scope), trace: trace})
	}

	if len(hits) == 0 {
		res.Decision = contracts.DecisionAllow
		res.Explanation = "No matching policy"
		res.FallbackHit = true
		res.Trace = append(res.Trace, contracts.ConditionTraceEntry{
			Operator: "fallback",
			Result:   true,
			Note:     "No matching policy",
		})
		return res, nil
	}

	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.policy.Precedence != b.policy.Precedence {
			return a.policy.Precedence > b.policy.Precedence
		}
		if a.specificity != b.specificity {
			return a.specificity > b.specificity
		}
		return severity(a.policy.Effect.Decision) > severity(b.policy.Effect.Decision)
	})

	winner := hits[0]
	res.Decision = winner.policy.Effect.Decision
	res.MaxSteps = winner.policy.Effect.MaxSteps
	for _, h := range hits {
		res.MatchedPolicies = append(res.MatchedPolicies, h.policy.PolicyID)
	}
	res.Explanation = explain(winner)
	return res, nil
}

// scopeMatches requires every present scope field to equal the request's.
func scopeMatches(s contracts.PolicyScope, pc *PolicyContext) bool {
	if s.TenantID != "" && s.TenantID != pc.TenantID {
		return false
	}
	if s.WorkspaceID != nil && *s.WorkspaceID != pc.WorkspaceID {
		return false
	}
	if s.Environment != nil && *s.Environment != pc.Environment {
		return false
	}
	return true
}

// subjectMatches checks the type-keyed name equality when a name is present.
func subjectMatches(s contracts.PolicySubject, pc *PolicyContext) bool {
	if s.Name == "" {
		return true
	}
	return pc.subjectActual(s.Type) == s.Name
}

// specificity orders scopes: workspace+environment > environment > other.
func specificity(s contracts.PolicyScope) int {
	switch {
	case s.WorkspaceID != nil && s.Environment != nil:
		return 2
	case s.Environment != nil:
		return 1
	default:
		return 0
	}
}

func severity(decision string) int {
	switch decision {
	case contracts.DecisionDeny:
		return 3
	case contracts.DecisionRequireApproval:
		return 2
	case contracts.DecisionAllow:
		return 1
	}
	return 0
}

// conditionsMatch evaluates every condition field; the first non-match
// short-circuits. A policy without conditions matches unconditionally.
func (ev *Evaluator) conditionsMatch(p contracts.Policy, pc *PolicyContext) ([]contracts.ConditionTraceEntry, bool) {
	if len(p.Conditions) == 0 {
		return nil, true
	}
	if !ev.operatorsEnabled {
		return legacyMatch(p, pc)
	}

	// Deterministic field order keeps traces stable.
	fields := make([]string, 0, len(p.Conditions))
	for f := range p.Conditions {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var trace []contracts.ConditionTraceEntry
	for _, field := range fields {
		entry := contracts.ConditionTraceEntry{PolicyID: p.PolicyID, Field: field}

		if !SafePath(field) {
			entry.Operator = "reject"
			entry.Note = "unsafe path segment"
			trace = append(trace, entry)
			return trace, false
		}

		expr, err := ParseExpr(p.Conditions[field])
		if err != nil {
			entry.Operator = "parse"
			entry.Note = err.Error()
			trace = append(trace, entry)
			return trace, false
		}
		entry.Operator = string(expr.Op)
		entry.Expected = expectedDisplay(expr)

		actual, ok := pc.Field(field)
		entry.Actual = actual.Display()
		// exists is the one operator that inspects absence itself.
		if !ok && expr.Op != OpExists {
			entry.Note = "field unresolved"
			trace = append(trace, entry)
			return trace, false
		}

		matched, note := ev.evalExpr(expr, actual, ok, pc.TemplateVars)
		entry.Result = matched
		entry.Note = note
		trace = append(trace, entry)
		if !matched {
			return trace, false
		}
	}
	return trace, true
}

func expectedDisplay(e Expr) any {
	switch e.Op {
	case OpEq:
		return e.Value
	case OpIn:
		return e.Values
	case OpPrefix:
		return e.Prefix
	case OpAllUnder, OpAnyUnder:
		return e.Roots
	case OpExists:
		return true
	}
	return nil
}

// evalExpr applies one operator. Any ambiguity — template failure, unresolved
// path, type mismatch — is a non-match.
func (ev *Evaluator) evalExpr(e Expr, actual Value, resolved bool, vars map[string]string) (bool, string) {
	switch e.Op {
	case OpExists:
		return resolved && !actual.IsNull(), ""

	case OpEq:
		expected, ok := expandScalar(e.Value, vars)
		if !ok {
			return false, "template variable unresolved"
		}
		return scalarEq(actual, expected), ""

	case OpIn:
		for _, cand := range e.Values {
			expected, ok := expandScalar(cand, vars)
			if !ok {
				return false, "template variable unresolved"
			}
			if scalarEq(actual, expected) {
				return true, ""
			}
		}
		return false, ""

	case OpPrefix:
		prefix, ok := expandTemplate(e.Prefix, vars)
		if !ok {
			return false, "template variable unresolved"
		}
		s, ok := actual.Scalar()
		if !ok {
			return false, "prefix requires a string value"
		}
		str, ok := s.(string)
		if !ok {
			return false, "prefix requires a string value"
		}
		return len(str) >= len(prefix) && str[:len(prefix)] == prefix, ""

	case OpAllUnder, OpAnyUnder:
		paths, ok := actual.Strings()
		if !ok {
			return false, "path containment requires string paths"
		}
		roots, ok := normalizeRoots(e.Roots, vars)
		if !ok {
			return false, "root unresolved"
		}
		if e.Op == OpAllUnder {
			return allUnder(paths, roots)
		}
		return anyUnder(paths, roots)
	}
	return false, fmt.Sprintf("unknown operator %q", e.Op)
}

// expandScalar runs template expansion on string candidates.
func expandScalar(v any, vars map[string]string) (any, bool) {
	s, isString := v.(string)
	if !isString {
		return v, true
	}
	return expandTemplate(s, vars)
}

// scalarEq compares a context value to an expected scalar. List values match
// when any element equals the expected scalar (set membership semantics, used
// by the capability field).
func scalarEq(actual Value, expected any) bool {
	if actual.kind == KindList {
		for _, e := range actual.list {
			if scalarEq(e, expected) {
				return true
			}
		}
		return false
	}
	got, ok := actual.Scalar()
	if !ok {
		return false
	}
	return got == expected
}

// allUnder is true iff every path normalizes and sits under some root.
// Unresolvable paths fail closed.
func allUnder(paths, roots []string) (bool, string) {
	if len(paths) == 0 {
		return false, "no paths to check"
	}
	for _, p := range paths {
		norm, ok := normalizePath(p)
		if !ok {
			return false, fmt.Sprintf("path %q cannot be resolved", p)
		}
		if !underAny(norm, roots) {
			return false, fmt.Sprintf("path %q outside allowed scope", p)
		}
	}
	return true, ""
}

// anyUnder is true iff at least one path normalizes and sits under some root.
func anyUnder(paths, roots []string) (bool, string) {
	for _, p := range paths {
		norm, ok := normalizePath(p)
		if !ok {
			continue
		}
		if underAny(norm, roots) {
			return true, ""
		}
	}
	return false, "no path under allowed roots"
}

func underAny(path string, roots []string) bool {
	for _, r := range roots {
		if pathUnder(path, r) {
			return true
		}
	}
	return false
}

func normalizeRoots(roots []string, vars map[string]string) ([]string, bool) {
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		expanded, ok := expandTemplate(r, vars)
		if !ok {
			return nil, false
		}
		norm, ok := normalizePath(expanded)
		if !ok {
			return nil, false
		}
		out = append(out, norm)
	}
	return out, true
}

// explain derives the human explanation for the winning policy.
func explain(w matched) string {
	if w.policy.Explanation != "" {
		return w.policy.Explanation
	}
	// Derive from the last passing condition, else from the subject.
	var last *contracts.ConditionTraceEntry
	for i := range w.trace {
		if w.trace[i].Result {
			last = &w.trace[i]
		}
	}
	switch w.policy.Effect.Decision {
	case contracts.DecisionAllow:
		if last != nil {
			return fmt.Sprintf("Allowed: %s matched allowlist (%v)", last.Field, last.Actual)
		}
		return fmt.Sprintf("Allowed by policy %s", w.policy.PolicyID)
	case contracts.DecisionDeny:
		if last != nil {
			return fmt.Sprintf("Blocked: %s matched %s rule", last.Field, w.policy.PolicyID)
		}
		return fmt.Sprintf("Blocked by policy %s", w.policy.PolicyID)
	case contracts.DecisionRequireApproval:
		return fmt.Sprintf("Approval required by policy %s", w.policy.PolicyID)
	}
	return w.policy.PolicyID
}
