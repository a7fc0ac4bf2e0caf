package filter

import (
	"encoding/json"
	"fmt"

	"causalstore/pkg/causal"
)

// Filterable is the capability an item must offer to be evaluated against a
// predicate: its collection name (for collection-qualified paths like
// "tracks.licensing.territory") and a lookup from top-level property name to
// typed value.
type Filterable interface {
	Collection() causal.CollectionId
	Value(name string) (causal.Value, bool)
}

// exprOutput mirrors the shape evaluateExpr can produce: a single value, a
// list of values (for the right-hand side of IN), or nothing (a null/absent
// path, for IS NULL).
type exprOutput struct {
	isList bool
	isNone bool
	value  causal.Value
	list   []exprOutput
}

func valueOutput(v causal.Value) exprOutput { return exprOutput{value: v} }

// isNone is never produced by evaluateExpr below (no expression shape
// yields it today), but IsNull and comparison operands still check it,
// leaving room for a future expression kind that legitimately resolves to
// nothing without erroring.

func evaluateExpr(item Filterable, expr causal.Expr) (exprOutput, error) {
	switch expr.Kind {
	case causal.ExprLiteral:
		return valueOutput(expr.Literal), nil
	case causal.ExprPath:
		return evaluatePath(item, expr.Path)
	case causal.ExprList:
		out := make([]exprOutput, 0, len(expr.List))
		for _, sub := range expr.List {
			v, err := evaluateExpr(item, sub)
			if err != nil {
				return exprOutput{}, err
			}
			out = append(out, v)
		}
		return exprOutput{isList: true, list: out}, nil
	case causal.ExprPlaceholder:
		return exprOutput{}, newPropertyNotFound("filter.evaluateExpr", "<placeholder values must be replaced before filtering>")
	default:
		return exprOutput{}, &UnsupportedExpressionError{BaseError: causal.BaseError{
			Op:  "filter.evaluateExpr",
			Err: fmt.Errorf("only literal, path, and list expressions are supported"),
		}}
	}
}

// evaluatePath resolves a path expression. A single-step path is a plain
// property name. A multi-step path is either collection-qualified
// (collection.property[.nested...]) or a direct property.nested JSON
// traversal; both forms end in the same JSON-path walk once the leading
// collection step, if present, is stripped.
func evaluatePath(item Filterable, path causal.PathExpr) (exprOutput, error) {
	if path.IsSimple() {
		name := path.First()
		v, ok := item.Value(name)
		if !ok {
			return exprOutput{}, newPropertyNotFound("filter.evaluatePath", name)
		}
		return valueOutput(v), nil
	}

	steps := path.Steps
	if steps[0] == item.Collection().String() {
		steps = steps[1:]
	}
	if len(steps) == 1 {
		name := steps[0]
		v, ok := item.Value(name)
		if !ok {
			return exprOutput{}, newPropertyNotFound("filter.evaluatePath", name)
		}
		return valueOutput(v), nil
	}
	return evaluateJSONPath(item, steps[0], steps[1:])
}

// evaluateJSONPath fetches propertyName's value, requires it to be a JSON
// or Binary (serialized JSON) property, and walks jsonPath through it.
func evaluateJSONPath(item Filterable, propertyName string, jsonPath []string) (exprOutput, error) {
	property, ok := item.Value(propertyName)
	if !ok {
		return exprOutput{}, newPropertyNotFound("filter.evaluateJSONPath", propertyName)
	}
	if property.Kind != causal.ValueTypeJSON && property.Kind != causal.ValueTypeBinary {
		return exprOutput{}, newPropertyNotFound("filter.evaluateJSONPath",
			fmt.Sprintf("cannot traverse into non-JSON property %q", propertyName))
	}

	var decoded any
	if err := json.Unmarshal(property.Bytes, &decoded); err != nil {
		return exprOutput{}, newPropertyNotFound("filter.evaluateJSONPath",
			fmt.Sprintf("failed to parse JSON in property %q: %v", propertyName, err))
	}

	current := decoded
	for _, step := range jsonPath {
		obj, ok := current.(map[string]any)
		if !ok {
			return exprOutput{}, newPropertyNotFound("filter.evaluateJSONPath",
				fmt.Sprintf("JSON path %q not found in property %q", pathString(jsonPath), propertyName))
		}
		next, ok := obj[step]
		if !ok {
			return exprOutput{}, newPropertyNotFound("filter.evaluateJSONPath",
				fmt.Sprintf("JSON path %q not found in property %q", pathString(jsonPath), propertyName))
		}
		current = next
	}
	return valueOutput(jsonToValue(current)), nil
}

func pathString(steps []string) string {
	out := steps[0]
	for _, s := range steps[1:] {
		out += "." + s
	}
	return out
}

// jsonToValue widens a decoded JSON scalar/structure into a causal.Value.
// Nulls render as the literal string "null"; arrays and objects round-trip
// back to JSON bytes so nested IN/comparison predicates can re-traverse
// them if needed.
func jsonToValue(v any) causal.Value {
	switch x := v.(type) {
	case nil:
		return causal.StringValue("null")
	case bool:
		return causal.BoolValue(x)
	case float64:
		if x == float64(int64(x)) {
			return causal.I64Value(int64(x))
		}
		return causal.F64Value(x)
	case string:
		return causal.StringValue(x)
	default:
		encoded, err := json.Marshal(x)
		if err != nil {
			return causal.StringValue(fmt.Sprintf("%v", x))
		}
		return causal.JSONValue(encoded)
	}
}

// valueOp compares two values already known to be (or have been cast to)
// the same kind.
type valueOp func(a, b causal.Value) bool

func opEqual(a, b causal.Value) bool    { return a.Equal(b) }
func opNotEqual(a, b causal.Value) bool { return !a.Equal(b) }

func opOrdered(want int) valueOp {
	return func(a, b causal.Value) bool {
		cmp, err := a.Compare(b)
		if err != nil {
			return false
		}
		switch want {
		case -2: // less than
			return cmp < 0
		case -1: // less or equal
			return cmp <= 0
		case 1: // greater or equal
			return cmp >= 0
		case 2: // greater than
			return cmp > 0
		default:
			return cmp == 0
		}
	}
}

// compareValuesWithCast compares two values for a regular (schema-typed)
// field: if types don't match, it tries casting right to left's type, then
// left to right's, before giving up.
func compareValuesWithCast(left, right causal.Value, op valueOp) bool {
	if left.Kind == right.Kind {
		return op(left, right)
	}
	if casted, err := right.CastTo(left.Kind); err == nil {
		return op(left, casted)
	}
	if casted, err := left.CastTo(right.Kind); err == nil {
		return op(casted, right)
	}
	return false
}

// compareJSONValues compares two values pulled from (or alongside) a JSON
// path traversal: only casting within the numeric family is allowed, since
// a JSON property's per-entity type is never schema-guaranteed and
// cross-family coercion (e.g. string to number) would silently paper over
// real type mismatches.
func compareJSONValues(left, right causal.Value, op valueOp) bool {
	if left.Kind == right.Kind {
		return op(left, right)
	}
	if left.Kind.IsNumeric() && right.Kind.IsNumeric() {
		if casted, err := right.CastTo(left.Kind); err == nil {
			return op(left, casted)
		}
		if casted, err := left.CastTo(right.Kind); err == nil {
			return op(casted, right)
		}
	}
	return false
}

// isJSONPathExpr reports whether expr is a multi-step path, the heuristic
// this package uses to decide a comparison is traversing into a JSON
// property and should use compareJSONValues's stricter casting rules.
func isJSONPathExpr(expr causal.Expr) bool {
	return expr.Kind == causal.ExprPath && !expr.Path.IsSimple()
}

// EvaluatePredicate evaluates predicate against item, resolving paths
// through item.Value and JSON traversal as needed.
func EvaluatePredicate(item Filterable, predicate causal.Predicate) (bool, error) {
	switch predicate.Kind {
	case causal.PredComparison:
		return evaluateComparison(item, predicate)
	case causal.PredAnd:
		left, err := EvaluatePredicate(item, *predicate.A)
		if err != nil {
			return false, err
		}
		if !left {
			return false, nil
		}
		return EvaluatePredicate(item, *predicate.B)
	case causal.PredOr:
		left, err := EvaluatePredicate(item, *predicate.A)
		if err != nil {
			return false, err
		}
		if left {
			return true, nil
		}
		return EvaluatePredicate(item, *predicate.B)
	case causal.PredNot:
		sub, err := EvaluatePredicate(item, *predicate.Sub)
		if err != nil {
			return false, err
		}
		return !sub, nil
	case causal.PredIsNull:
		out, err := evaluateExpr(item, predicate.Left)
		if err != nil {
			return false, err
		}
		return out.isNone, nil
	case causal.PredTrue:
		return true, nil
	case causal.PredFalse:
		return false, nil
	case causal.PredPlaceholder:
		return false, newPropertyNotFound("filter.EvaluatePredicate", "<placeholder must be transformed before filtering>")
	default:
		return false, &UnsupportedExpressionError{BaseError: causal.BaseError{
			Op:  "filter.EvaluatePredicate",
			Err: fmt.Errorf("unknown predicate kind %d", predicate.Kind),
		}}
	}
}

func evaluateComparison(item Filterable, predicate causal.Predicate) (bool, error) {
	left, err := evaluateExpr(item, predicate.Left)
	if err != nil {
		return false, err
	}
	right, err := evaluateExpr(item, predicate.Right)
	if err != nil {
		return false, err
	}

	compare := compareValuesWithCast
	if isJSONPathExpr(predicate.Left) || isJSONPathExpr(predicate.Right) {
		compare = compareJSONValues
	}

	switch predicate.Operator {
	case causal.OpEqual:
		return compareSingle(left, right, compare, opEqual), nil
	case causal.OpNotEqual:
		return compareSingle(left, right, compare, opNotEqual), nil
	case causal.OpGreaterThan:
		return compareSingle(left, right, compare, opOrdered(2)), nil
	case causal.OpGreaterOrEqual:
		return compareSingle(left, right, compare, opOrdered(1)), nil
	case causal.OpLessThan:
		return compareSingle(left, right, compare, opOrdered(-2)), nil
	case causal.OpLessOrEqual:
		return compareSingle(left, right, compare, opOrdered(-1)), nil
	case causal.OpIn:
		if left.isList || left.isNone || !right.isList {
			return false, nil
		}
		for _, candidate := range right.list {
			if candidate.isNone || candidate.isList {
				continue
			}
			if compare(left.value, candidate.value, opEqual) {
				return true, nil
			}
		}
		return false, nil
	case causal.OpBetween:
		return false, &UnsupportedOperatorError{BaseError: causal.BaseError{
			Op:  "filter.evaluateComparison",
			Err: fmt.Errorf("BETWEEN operator not yet supported"),
		}}
	default:
		return false, &UnsupportedOperatorError{BaseError: causal.BaseError{
			Op:  "filter.evaluateComparison",
			Err: fmt.Errorf("unknown comparison operator %d", predicate.Operator),
		}}
	}
}

func compareSingle(left, right exprOutput, compare func(causal.Value, causal.Value, valueOp) bool, op valueOp) bool {
	if left.isList || left.isNone || right.isList || right.isNone {
		return false
	}
	return compare(left.value, right.value, op)
}

// ResultKind tags a Result as passing, skipped, or errored during
// evaluation.
type ResultKind int

const (
	Pass ResultKind = iota
	Skip
	Errored
)

// Result pairs an item with the outcome of evaluating a predicate against
// it, so a caller scanning a batch can separate passing items from ones
// that failed evaluation (rather than aborting the whole scan).
type Result[R Filterable] struct {
	Kind ResultKind
	Item R
	Err  error
}

// Apply evaluates predicate against every item, in order, returning one
// Result per item.
func Apply[R Filterable](items []R, predicate causal.Predicate) []Result[R] {
	out := make([]Result[R], len(items))
	for i, item := range items {
		ok, err := EvaluatePredicate(item, predicate)
		switch {
		case err != nil:
			out[i] = Result[R]{Kind: Errored, Item: item, Err: err}
		case ok:
			out[i] = Result[R]{Kind: Pass, Item: item}
		default:
			out[i] = Result[R]{Kind: Skip, Item: item}
		}
	}
	return out
}
