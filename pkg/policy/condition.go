// Package policy implements the scoped policy evaluator: a typed condition
// language with path safety, subject and scope matching, and ordered
// precedence resolution.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Op identifies a condition operator.
type Op string

const (
	OpEq       Op = "eq"
	OpIn       Op = "in"
	OpPrefix   Op = "prefix"
	OpAllUnder Op = "all_under"
	OpAnyUnder Op = "any_under"
	OpExists   Op = "exists"
)

// ErrBadExpr is returned for condition expressions outside the grammar.
var ErrBadExpr = errors.New("policy: invalid condition expression")

// Expr is a condition expression as a tagged variant:
//
//	Eq(v) | In(vs) | Prefix(s) | AllUnder(roots) | AnyUnder(roots) | Exists
//
// Scalar shorthand ("value", 42, true) is normalized to Eq at parse time.
type Expr struct {
	Op     Op
	Value  any      // OpEq
	Values []any    // OpIn
	Prefix string   // OpPrefix
	Roots  []string // OpAllUnder, OpAnyUnder
}

// ParseExpr decodes a raw condition expression, normalizing scalar shorthand.
func ParseExpr(raw json.RawMessage) (Expr, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Expr{}, fmt.Errorf("%w: %v", ErrBadExpr, err)
	}

	switch v := generic.(type) {
	case string, float64, bool:
		return Expr{Op: OpEq, Value: v}, nil
	case map[string]any:
		return parseOperatorForm(v)
	default:
		return Expr{}, fmt.Errorf("%w: unsupported literal %T", ErrBadExpr, generic)
	}
}

func parseOperatorForm(m map[string]any) (Expr, error) {
	if len(m) != 1 {
		return Expr{}, fmt.Errorf("%w: expected exactly one operator, got %d", ErrBadExpr, len(m))
	}
	for k, v := range m {
		switch Op(k) {
		case OpEq:
			switch v.(type) {
			case string, float64, bool, nil:
				return Expr{Op: OpEq, Value: v}, nil
			}
			return Expr{}, fmt.Errorf("%w: eq requires a scalar", ErrBadExpr)
		case OpIn:
			vs, ok := v.([]any)
			if !ok {
				return Expr{}, fmt.Errorf("%w: in requires an array", ErrBadExpr)
			}
			return Expr{Op: OpIn, Values: vs}, nil
		case OpPrefix:
			s, ok := v.(string)
			if !ok {
				return Expr{}, fmt.Errorf("%w: prefix requires a string", ErrBadExpr)
			}
			return Expr{Op: OpPrefix, Prefix: s}, nil
		case OpAllUnder, OpAnyUnder:
			roots, err := stringSlice(v)
			if err != nil {
				return Expr{}, fmt.Errorf("%w: %s requires an array of strings", ErrBadExpr, k)
			}
			return Expr{Op: Op(k), Roots: roots}, nil
		case OpExists:
			b, ok := v.(bool)
			if !ok || !b {
				return Expr{}, fmt.Errorf("%w: exists requires true", ErrBadExpr)
			}
			return Expr{Op: OpExists}, nil
		default:
			return Expr{}, fmt.Errorf("%w: unknown operator %q", ErrBadExpr, k)
		}
	}
	return Expr{}, ErrBadExpr
}

func stringSlice(v any) ([]string, error) {
	raw, ok := v.([]any)
	if !ok {
		return nil, ErrBadExpr
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, ErrBadExpr
		}
		out = append(out, s)
	}
	return out, nil
}

// MarshalJSON emits the normalized operator form, so a parsed policy
// serializes back to a semantically identical document.
func (e Expr) MarshalJSON() ([]byte, error) {
	switch e.Op {
	case OpEq:
		return json.Marshal(map[string]any{"eq": e.Value})
	case OpIn:
		return json.Marshal(map[string]any{"in": e.Values})
	case OpPrefix:
		return json.Marshal(map[string]any{"prefix": e.Prefix})
	case OpAllUnder:
		return json.Marshal(map[string]any{"all_under": e.Roots})
	case OpAnyUnder:
		return json.Marshal(map[string]any{"any_under": e.Roots})
	case OpExists:
		return json.Marshal(map[string]any{"exists": true})
	default:
		return nil, fmt.Errorf("%w: op %q", ErrBadExpr, e.Op)
	}
}

// UnmarshalJSON parses via ParseExpr so shorthand normalization applies
// wherever an Expr is decoded.
func (e *Expr) UnmarshalJSON(data []byte) error {
	parsed, err := ParseExpr(data)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
