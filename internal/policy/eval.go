package policy

import (
	"fmt"
	"reflect"
	"time"
)

// Decision is the outcome of evaluating a policy against an input.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Evaluation bounds. Depth counts expression tree nesting; the timeout is
// wall clock over a whole policy.
const (
	DefaultMaxDepth = 100
	DefaultTimeout  = 100 * time.Millisecond
)

// Input carries the four namespaces conditions can address. Values follow
// JSON decoding conventions: maps of string to any, float64 numbers.
type Input struct {
	Context     map[string]any `json:"context"`
	Resource    map[string]any `json:"resource"`
	Action      any            `json:"action"`
	Environment map[string]any `json:"environment"`
}

// Evaluator runs policies deterministically under a depth bound and a
// wall-clock deadline. Evaluation has no side effects; the same policy and
// input always produce the same decision.
type Evaluator struct {
	MaxDepth int
	Timeout  time.Duration
}

// NewEvaluator returns an evaluator with the default bounds.
func NewEvaluator() *Evaluator {
	return &Evaluator{MaxDepth: DefaultMaxDepth, Timeout: DefaultTimeout}
}

// Evaluate runs every rule in order. A failed require denies, a matched
// allow or deny short-circuits, and exhausting the list denies. Errors
// (recursion limit, timeout) fail closed: the decision is deny and the
// error is surfaced.
func (ev *Evaluator) Evaluate(p *Policy, in *Input) (Decision, error) {
	return ev.EvaluateRules(p.Rules, in)
}

// EvaluateRules is Evaluate over a bare rule list.
func (ev *Evaluator) EvaluateRules(rules []Rule, in *Input) (Decision, error) {
	run := &evalRun{
		in:       in,
		deadline: time.Now().Add(ev.Timeout),
		maxDepth: ev.MaxDepth,
	}

	for i := range rules {
		r := &rules[i]

		matched := true
		if r.Cond != nil {
			var err error
			matched, err = run.eval(r.Cond, 1)
			if err != nil {
				return DecisionDeny, fmt.Errorf("rule at line %d: %w", r.Line, err)
			}
		}

		switch r.Verb {
		case VerbRequire:
			if !matched {
				return DecisionDeny, nil
			}
		case VerbAllow:
			if matched {
				return DecisionAllow, nil
			}
		case VerbDeny:
			if matched {
				return DecisionDeny, nil
			}
		}
	}
	return DecisionDeny, nil
}

type evalRun struct {
	in       *Input
	deadline time.Time
	maxDepth int
}

func (r *evalRun) eval(e Expr, depth int) (bool, error) {
	if depth > r.maxDepth {
		return false, fmt.Errorf("%w: expression depth %d", ErrRecursionLimit, depth)
	}
	if time.Now().After(r.deadline) {
		return false, ErrEvaluationTimeout
	}

	switch n := e.(type) {
	case *BinaryExpr:
		left, err := r.eval(n.Left, depth+1)
		if err != nil {
			return false, err
		}
		if n.Op == OpAnd {
			if !left {
				return false, nil
			}
			return r.eval(n.Right, depth+1)
		}
		if left {
			return true, nil
		}
		return r.eval(n.Right, depth+1)

	case *NotExpr:
		v, err := r.eval(n.X, depth+1)
		if err != nil {
			return false, err
		}
		return !v, nil

	case *FlagExpr:
		return truthy(r.resolve(Path{Root: "context", Segs: []string{n.Name}})), nil

	case *RoleExpr:
		return r.hasRole(n.Name), nil

	case *CheckExpr:
		v := r.resolve(n.Path)
		if n.Fn == CheckPresent {
			return v != nil, nil
		}
		return isBlank(v), nil

	case *CompareExpr:
		return compare(r.resolve(n.Path), n.Op, r.literalValue(n.Right)), nil

	case *InExpr:
		lv := r.resolve(n.Path)
		for _, lit := range n.List {
			if looseEqual(lv, r.literalValue(lit)) {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, fmt.Errorf("%w: unknown expression node %T", ErrValidation, e)
	}
}

// resolve walks a path through the input. Missing segments resolve to nil;
// nil containers normalize to nil so presence checks behave.
func (r *evalRun) resolve(p Path) any {
	var v any
	switch p.Root {
	case "context":
		v = r.in.Context
	case "resource":
		v = r.in.Resource
	case "action":
		v = r.in.Action
	case "environment":
		v = r.in.Environment
	}

	for _, seg := range p.Segs {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = m[seg]
	}
	return normalize(v)
}

func (r *evalRun) literalValue(lit Literal) any {
	switch lit.Kind {
	case LitString:
		return lit.Str
	case LitNumber:
		return lit.Num
	case LitBool:
		return lit.Bool
	case LitPath:
		return r.resolve(lit.Path)
	default:
		return nil
	}
}

func (r *evalRun) hasRole(name string) bool {
	switch roles := r.resolve(Path{Root: "context", Segs: []string{"roles"}}).(type) {
	case []any:
		for _, v := range roles {
			if s, ok := v.(string); ok && s == name {
				return true
			}
		}
	case []string:
		for _, s := range roles {
			if s == name {
				return true
			}
		}
	}
	return false
}

// normalize collapses typed nil containers to untyped nil.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return nil
		}
	case []any:
		if t == nil {
			return nil
		}
	case []string:
		if t == nil {
			return nil
		}
	}
	return v
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	default:
		return true
	}
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

func compare(lv any, op CompareOp, rv any) bool {
	switch op {
	case CmpEq:
		return looseEqual(lv, rv)
	case CmpNeq:
		return !looseEqual(lv, rv)
	}

	// Ordering: numbers first, then strings; mixed types never match
	lf, lok := toFloat(lv)
	rf, rok := toFloat(rv)
	if lok && rok {
		switch op {
		case CmpGt:
			return lf > rf
		case CmpGte:
			return lf >= rf
		case CmpLt:
			return lf < rf
		case CmpLte:
			return lf <= rf
		}
	}

	ls, lok := lv.(string)
	rs, rok := rv.(string)
	if lok && rok {
		switch op {
		case CmpGt:
			return ls > rs
		case CmpGte:
			return ls >= rs
		case CmpLt:
			return ls < rs
		case CmpLte:
			return ls <= rs
		}
	}
	return false
}

// looseEqual compares with numeric widening so int 5 equals float64 5.
func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}
