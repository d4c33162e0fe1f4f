package policy

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/openclaw/warden/pkg/contracts"
)

// Kind discriminates Value variants.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindObject
)

// Value is a typed view over untrusted request context. Dotted-path lookups go
// through Resolve, never through reflection over raw maps.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []Value
	obj  map[string]Value
}

// Null is the absent value.
var Null = Value{kind: KindNull}

// String constructs a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number constructs a numeric Value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Bool constructs a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// List constructs a list Value.
func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }

// Object constructs an object Value.
func Object(m map[string]Value) Value { return Value{kind: KindObject, obj: m} }

// FromAny converts decoded JSON (maps, slices, scalars) into a Value.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case []any:
		list := make([]Value, 0, len(t))
		for _, e := range t {
			list = append(list, FromAny(e))
		}
		return Value{kind: KindList, list: list}
	case []string:
		list := make([]Value, 0, len(t))
		for _, e := range t {
			list = append(list, String(e))
		}
		return Value{kind: KindList, list: list}
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, e := range t {
			obj[k] = FromAny(e)
		}
		return Value{kind: KindObject, obj: obj}
	default:
		return Null
	}
}

// IsNull reports whether the value is absent.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Scalar returns the Go scalar form for trace rendering and equality.
func (v Value) Scalar() (any, bool) {
	switch v.kind {
	case KindString:
		return v.str, true
	case KindNumber:
		return v.num, true
	case KindBool:
		return v.b, true
	}
	return nil, false
}

// Strings flattens a list-of-strings value; a scalar string becomes a
// one-element slice. Anything else fails.
func (v Value) Strings() ([]string, bool) {
	switch v.kind {
	case KindString:
		return []string{v.str}, true
	case KindList:
		out := make([]string, 0, len(v.list))
		for _, e := range v.list {
			if e.kind != KindString {
				return nil, false
			}
			out = append(out, e.str)
		}
		return out, true
	}
	return nil, false
}

// Display renders the value for condition traces.
func (v Value) Display() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, 0, len(v.list))
		for _, e := range v.list {
			out = append(out, e.Display())
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, e := range v.obj {
			out[k] = e.Display()
		}
		return out
	}
	return nil
}

// Segments that reach metaproperties in dynamic languages. Conditions using
// them fail closed; the source system was bitten by exactly this.
var forbiddenSegments = map[string]struct{}{
	"__proto__":   {},
	"prototype":   {},
	"constructor": {},
}

// SafePath reports whether every dotted segment of path is a plain key.
func SafePath(path string) bool {
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return false
		}
		if _, bad := forbiddenSegments[seg]; bad {
			return false
		}
	}
	return true
}

// Resolve walks a dotted path. Unsafe or unresolvable paths return (Null, false).
func (v Value) Resolve(path string) (Value, bool) {
	if !SafePath(path) {
		return Null, false
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		if cur.kind != KindObject {
			return Null, false
		}
		next, ok := cur.obj[seg]
		if !ok {
			return Null, false
		}
		cur = next
	}
	return cur, true
}

var templateToken = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Template variable names a condition string may reference. Anything else
// fails closed.
var allowedTemplateVars = map[string]struct{}{
	"workspace.root": {},
	"tenant.id":      {},
	"workspace.id":   {},
}

// expandTemplate substitutes {{name}} tokens from vars. Unknown or missing
// names fail the whole expansion (and therefore the condition).
func expandTemplate(s string, vars map[string]string) (string, bool) {
	ok := true
	out := templateToken.ReplaceAllStringFunc(s, func(tok string) string {
		name := templateToken.FindStringSubmatch(tok)[1]
		if _, allowed := allowedTemplateVars[name]; !allowed {
			ok = false
			return tok
		}
		val, present := vars[name]
		if !present {
			ok = false
			return tok
		}
		return val
	})
	if !ok {
		return "", false
	}
	return out, true
}

// normalizePath canonicalizes a filesystem path for containment checks.
// Relative or empty paths cannot be resolved and fail closed.
func normalizePath(p string) (string, bool) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", false
	}
	clean := filepath.Clean(p)
	if !filepath.IsAbs(clean) {
		return "", false
	}
	return clean, true
}

// pathUnder reports whether path equals root or sits below it.
func pathUnder(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// PolicyContext carries everything the evaluator may inspect for one request.
type PolicyContext struct {
	TenantID    string
	WorkspaceID string
	Environment string

	AdapterID        string
	AdapterRiskClass contracts.RiskClass

	Tool      string
	ToolGroup string

	SkillID    string
	SkillState string

	RiskLevel          string
	EstimatedCostCents int64

	RequestedCapabilities []string
	Intent                string
	Provenance            string

	// Context is the structured request context (exec, targets, side_effects).
	Context Value

	// TemplateVars feeds {{name}} resolution; only the allowlisted names are
	// ever read.
	TemplateVars map[string]string
}

// Field resolves a condition field name against the request. Dotted fields
// under "context." descend into the structured context; bare names map to the
// top-level request attributes.
func (pc *PolicyContext) Field(field string) (Value, bool) {
	if !SafePath(field) {
		return Null, false
	}
	if rest, ok := strings.CutPrefix(field, "context."); ok {
		return pc.Context.Resolve(rest)
	}
	switch field {
	case "tool":
		return String(pc.Tool), true
	case "tool_group":
		return String(pc.ToolGroup), true
	case "adapter":
		return String(pc.AdapterID), true
	case "adapter_risk_class":
		return String(string(pc.AdapterRiskClass)), true
	case "environment":
		return String(pc.Environment), true
	case "workspace":
		return String(pc.WorkspaceID), true
	case "skill":
		return String(pc.SkillID), true
	case "skill_state":
		return String(pc.SkillState), true
	case "risk", "risk_level":
		return String(pc.RiskLevel), true
	case "intent":
		return String(pc.Intent), true
	case "provenance":
		return String(pc.Provenance), true
	case "capability", "capabilities":
		return FromAny(pc.RequestedCapabilities), true
	case "estimated_cost":
		return Number(float64(pc.EstimatedCostCents)), true
	}
	return Null, false
}

// subjectActual returns the context value a policy subject name is compared
// against.
func (pc *PolicyContext) subjectActual(t contracts.SubjectType) string {
	switch t {
	case contracts.SubjectTool:
		return pc.Tool
	case contracts.SubjectAdapter:
		return pc.AdapterID
	case contracts.SubjectSkill:
		return pc.SkillID
	case contracts.SubjectEnvironment:
		return pc.Environment
	case contracts.SubjectRisk:
		return pc.RiskLevel
	case contracts.SubjectCost:
		return strconv.FormatInt(pc.EstimatedCostCents, 10)
	}
	return ""
}
