// Package policy implements the S5 policy pipeline: a small rule DSL, a
// deterministic bounded evaluator, and a versioned registry with hot
// rollback.
//
// A policy is an ordered list of rules, one per line:
//
//	# analysts may read anything, writes need ownership
//	require :authenticated
//	deny environment.lockdown == true
//	allow role:analyst and action == "read"
//	allow context.user_id == resource.owner_id
//
// Rules run top to bottom: a failed require denies immediately, a matched
// allow or deny short-circuits, and falling off the end denies.
package policy

import "errors"

// Errors surfaced by parsing, validation and evaluation.
var (
	ErrParse             = errors.New("parse error")
	ErrValidation        = errors.New("validation failed")
	ErrRecursionLimit    = errors.New("recursion limit")
	ErrEvaluationTimeout = errors.New("evaluation timeout")
	ErrUnknownPolicy     = errors.New("unknown policy")
	ErrUnknownVersion    = errors.New("unknown version")
)

// Verb is the action a rule takes when its condition holds.
type Verb int

const (
	VerbRequire Verb = iota
	VerbAllow
	VerbDeny
)

func (v Verb) String() string {
	switch v {
	case VerbRequire:
		return "require"
	case VerbAllow:
		return "allow"
	case VerbDeny:
		return "deny"
	default:
		return "unknown"
	}
}

// Rule is one line of a policy. A nil Cond is unconditional.
type Rule struct {
	Verb Verb
	Cond Expr
	Line int
}

// Policy is a parsed, registered unit.
type Policy struct {
	ID      string
	Version int
	Rules   []Rule
	Source  string
}

// Expr is a node of a condition tree.
type Expr interface {
	exprNode()
}

// BinaryOp joins two subexpressions.
type BinaryOp int

const (
	OpAnd BinaryOp = iota
	OpOr
)

// BinaryExpr is "left and right" or "left or right".
type BinaryExpr struct {
	Op    BinaryOp
	Left  Expr
	Right Expr
}

// NotExpr negates its operand.
type NotExpr struct {
	X Expr
}

// FlagExpr is ":name", truthy lookup of context[name].
type FlagExpr struct {
	Name string
}

// RoleExpr is "role:name", membership of name in context.roles.
type RoleExpr struct {
	Name string
}

// CheckFn selects the built-in check applied to a path.
type CheckFn int

const (
	CheckPresent CheckFn = iota
	CheckBlank
)

// CheckExpr is "present(path)" or "blank(path)".
type CheckExpr struct {
	Fn   CheckFn
	Path Path
}

// CompareOp is a relational operator.
type CompareOp int

const (
	CmpEq CompareOp = iota
	CmpNeq
	CmpGt
	CmpGte
	CmpLt
	CmpLte
)

// CompareExpr is "path OP literal".
type CompareExpr struct {
	Path  Path
	Op    CompareOp
	Right Literal
}

// InExpr is "path in [literal, ...]".
type InExpr struct {
	Path Path
	List []Literal
}

func (*BinaryExpr) exprNode()  {}
func (*NotExpr) exprNode()     {}
func (*FlagExpr) exprNode()    {}
func (*RoleExpr) exprNode()    {}
func (*CheckExpr) exprNode()   {}
func (*CompareExpr) exprNode() {}
func (*InExpr) exprNode()      {}

// Path addresses a value in the evaluation input, e.g. resource.owner_id.
type Path struct {
	Root string // context | resource | action | environment
	Segs []string
}

func (p Path) String() string {
	s := p.Root
	for _, seg := range p.Segs {
		s += "." + seg
	}
	return s
}

// LiteralKind discriminates Literal payloads.
type LiteralKind int

const (
	LitString LiteralKind = iota
	LitNumber
	LitBool
	LitPath
)

// Literal is a comparison operand: a constant or another path.
type Literal struct {
	Kind LiteralKind
	Str  string
	Num  float64
	Bool bool
	Path Path
}
