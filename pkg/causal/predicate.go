package causal

import "strings"

// ComparisonOperator enumerates the WHERE-clause comparison operators of
// spec.md §6.4.
type ComparisonOperator int

const (
	OpEqual ComparisonOperator = iota
	OpNotEqual
	OpLessThan
	OpLessOrEqual
	OpGreaterThan
	OpGreaterOrEqual
	OpIn
	OpBetween
)

// PathExpr is a non-empty sequence of path steps. A single-step path names
// a column; a multi-step path addresses a nested value inside a structured
// (JSON-like) property.
type PathExpr struct {
	Steps []string
}

func NewPath(steps ...string) PathExpr { return PathExpr{Steps: steps} }

func (p PathExpr) IsSimple() bool  { return len(p.Steps) == 1 }
func (p PathExpr) First() string   { return p.Steps[0] }
func (p PathExpr) String() string  { return strings.Join(p.Steps, ".") }
func (p PathExpr) Rest() []string  { return p.Steps[1:] }

// ExprKind tags the Expr sum type.
type ExprKind int

const (
	ExprLiteral ExprKind = iota
	ExprPath
	ExprList
	ExprPlaceholder
)

// Expr is an operand of a Comparison predicate: a literal, a path, a list
// of sub-expressions (for IN), or an unsubstituted placeholder.
type Expr struct {
	Kind    ExprKind
	Literal Value
	Path    PathExpr
	List    []Expr
}

func LiteralExpr(v Value) Expr  { return Expr{Kind: ExprLiteral, Literal: v} }
func PathExprOf(p PathExpr) Expr { return Expr{Kind: ExprPath, Path: p} }
func ListExpr(items ...Expr) Expr { return Expr{Kind: ExprList, List: items} }
func PlaceholderExpr() Expr      { return Expr{Kind: ExprPlaceholder} }

// PredicateKind tags the Predicate sum type of spec.md §3.
type PredicateKind int

const (
	PredComparison PredicateKind = iota
	PredAnd
	PredOr
	PredNot
	PredIsNull
	PredTrue
	PredFalse
	PredPlaceholder
)

// Predicate is a sum type over comparisons and boolean composition,
// matching spec.md's {Comparison, And, Or, Not, IsNull, True, False,
// Placeholder}. Represented as a tagged struct (not an interface per
// variant) so the filter engine and planner can exhaustively switch on
// Kind without type assertions.
type Predicate struct {
	Kind PredicateKind

	// Comparison fields.
	Left     Expr
	Operator ComparisonOperator
	Right    Expr

	// Boolean composition fields.
	Sub  *Predicate // Not (IsNull keeps its operand in Left instead)
	A, B *Predicate // And, Or
}

func True() Predicate  { return Predicate{Kind: PredTrue} }
func False() Predicate { return Predicate{Kind: PredFalse} }

func Comparison(left Expr, op ComparisonOperator, right Expr) Predicate {
	return Predicate{Kind: PredComparison, Left: left, Operator: op, Right: right}
}

func And(a, b Predicate) Predicate { return Predicate{Kind: PredAnd, A: &a, B: &b} }
func Or(a, b Predicate) Predicate  { return Predicate{Kind: PredOr, A: &a, B: &b} }
func Not(p Predicate) Predicate    { return Predicate{Kind: PredNot, Sub: &p} }
func IsNull(e Expr) Predicate      { return Predicate{Kind: PredIsNull, Left: e} }

// FlattenAnd returns the top-level conjuncts of a (possibly nested) AND
// chain; a non-And predicate flattens to itself.
func FlattenAnd(p Predicate) []Predicate {
	if p.Kind != PredAnd {
		return []Predicate{p}
	}
	out := FlattenAnd(*p.A)
	out = append(out, FlattenAnd(*p.B)...)
	return out
}

// OrderDirection is ASC or DESC.
type OrderDirection int

const (
	Asc OrderDirection = iota
	Desc
)

// OrderByItem is one ORDER BY clause entry.
type OrderByItem struct {
	Path      PathExpr
	Direction OrderDirection
}

// Selection is a parsed WHERE/ORDER BY/LIMIT clause.
type Selection struct {
	Predicate Predicate
	OrderBy   []OrderByItem
	Limit     *int
}
