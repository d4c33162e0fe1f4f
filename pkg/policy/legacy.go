package policy

import (
	"encoding/json"
	"sort"

	"github.com/openclaw/warden/pkg/contracts"
)

// legacyMatch is the eq-only matcher used when policy_operators_enabled is
// false. Every condition value must be a bare scalar compared for strict
// equality; operator objects, templates, and path containment are not
// understood and fail closed. Conditions are checked in field order so the
// trace is stable across evaluations.
func legacyMatch(p contracts.Policy, pc *PolicyContext) ([]contracts.ConditionTraceEntry, bool) {
	fields := make([]string, 0, len(p.Conditions))
	for field := range p.Conditions {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var trace []contracts.ConditionTraceEntry
	for _, field := range fields {
		raw := p.Conditions[field]
		entry := contracts.ConditionTraceEntry{
			PolicyID: p.PolicyID,
			Field:    field,
			Operator: "legacy_eq",
		}

		if !SafePath(field) {
			entry.Note = "unsafe path segment"
			trace = append(trace, entry)
			return trace, false
		}

		var scalar any
		if err := json.Unmarshal(raw, &scalar); err != nil {
			entry.Note = "unparseable condition"
			trace = append(trace, entry)
			return trace, false
		}
		switch scalar.(type) {
		case string, float64, bool:
		default:
			entry.Note = "legacy matcher only supports scalar equality"
			trace = append(trace, entry)
			return trace, false
		}
		entry.Expected = scalar

		actual, ok := pc.Field(field)
		entry.Actual = actual.Display()
		if !ok {
			entry.Note = "field unresolved"
			trace = append(trace, entry)
			return trace, false
		}

		entry.Result = scalarEq(actual, scalar)
		trace = append(trace, entry)
		if !entry.Result {
			return trace, false
		}
	}
	return trace, true
}
