package filter

import (
	"encoding/json"
	"strings"
	"testing"

	"causalstore/pkg/causal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func path(dotted string) causal.PathExpr { return causal.NewPath(strings.Split(dotted, ".")...) }

// testItem is a plain struct Filterable, mirroring a simple two-column
// scanned row with no JSON properties.
type testItem struct {
	name string
	age  string
}

func (t testItem) Collection() causal.CollectionId { return "users" }

func (t testItem) Value(name string) (causal.Value, bool) {
	switch name {
	case "name":
		return causal.StringValue(t.name), true
	case "age":
		return causal.StringValue(t.age), true
	default:
		return causal.Value{}, false
	}
}

func eq(dottedPath string, v causal.Value) causal.Predicate {
	return causal.Comparison(causal.PathExprOf(path(dottedPath)), causal.OpEqual, causal.LiteralExpr(v))
}

func between(dottedPath string, op causal.ComparisonOperator, v causal.Value) causal.Predicate {
	return causal.Comparison(causal.PathExprOf(path(dottedPath)), op, causal.LiteralExpr(v))
}

func in(dottedPath string, values ...causal.Value) causal.Predicate {
	items := make([]causal.Expr, len(values))
	for i, v := range values {
		items[i] = causal.LiteralExpr(v)
	}
	return causal.Comparison(causal.PathExprOf(path(dottedPath)), causal.OpIn, causal.ListExpr(items...))
}

func TestSimpleEquality(t *testing.T) {
	items := []testItem{{"Alice", "30"}, {"Bob", "25"}, {"Charlie", "35"}}
	results := Apply(items, eq("name", causal.StringValue("Alice")))

	require.Len(t, results, 3)
	assert.Equal(t, Pass, results[0].Kind)
	assert.Equal(t, Skip, results[1].Kind)
	assert.Equal(t, Skip, results[2].Kind)
}

func TestAndCondition(t *testing.T) {
	items := []testItem{{"Alice", "30"}, {"Bob", "30"}, {"Charlie", "35"}}
	predicate := causal.And(eq("name", causal.StringValue("Alice")), eq("age", causal.StringValue("30")))
	results := Apply(items, predicate)

	assert.Equal(t, Pass, results[0].Kind)
	assert.Equal(t, Skip, results[1].Kind)
	assert.Equal(t, Skip, results[2].Kind)
}

func TestComplexCondition(t *testing.T) {
	items := []testItem{
		{"Alice", "20"}, {"Bob", "25"}, {"Charlie", "30"}, {"David", "35"}, {"Eve", "40"},
	}
	// (name = 'Alice' OR name = 'Charlie') AND age >= '30' AND age <= '40'
	predicate := causal.And(
		causal.And(
			causal.Or(eq("name", causal.StringValue("Alice")), eq("name", causal.StringValue("Charlie"))),
			between("age", causal.OpGreaterOrEqual, causal.StringValue("30")),
		),
		between("age", causal.OpLessOrEqual, causal.StringValue("40")),
	)
	results := Apply(items, predicate)

	assert.Equal(t, Skip, results[0].Kind)
	assert.Equal(t, Skip, results[1].Kind)
	assert.Equal(t, Pass, results[2].Kind)
	assert.Equal(t, Skip, results[3].Kind)
	assert.Equal(t, Skip, results[4].Kind)
}

func TestInOperatorOnStrings(t *testing.T) {
	items := []testItem{
		{"Alice", "20"}, {"Bob", "25"}, {"Charlie", "30"}, {"David", "35"}, {"Eve", "40"},
	}
	predicate := in("name", causal.StringValue("Alice"), causal.StringValue("Charlie"), causal.StringValue("Eve"))
	results := Apply(items, predicate)

	assert.Equal(t, Pass, results[0].Kind)
	assert.Equal(t, Skip, results[1].Kind)
	assert.Equal(t, Pass, results[2].Kind)
	assert.Equal(t, Skip, results[3].Kind)
	assert.Equal(t, Pass, results[4].Kind)
}

func TestInOperatorOnAges(t *testing.T) {
	items := []testItem{
		{"Alice", "20"}, {"Bob", "25"}, {"Charlie", "30"}, {"David", "35"}, {"Eve", "40"},
	}
	predicate := in("age", causal.StringValue("20"), causal.StringValue("30"), causal.StringValue("40"))
	results := Apply(items, predicate)

	assert.Equal(t, Pass, results[0].Kind)
	assert.Equal(t, Skip, results[1].Kind)
	assert.Equal(t, Pass, results[2].Kind)
	assert.Equal(t, Skip, results[3].Kind)
	assert.Equal(t, Pass, results[4].Kind)
}

// trackItem carries a JSON property ("licensing"), exercising JSON path
// traversal.
type trackItem struct {
	name      string
	licensing any
}

func newTrack(name string, licensing any) trackItem {
	return trackItem{name: name, licensing: licensing}
}

func (t trackItem) Collection() causal.CollectionId { return "tracks" }

func (t trackItem) Value(name string) (causal.Value, bool) {
	switch name {
	case "name":
		return causal.StringValue(t.name), true
	case "licensing":
		encoded, err := json.Marshal(t.licensing)
		if err != nil {
			return causal.Value{}, false
		}
		return causal.JSONValue(encoded), true
	default:
		return causal.Value{}, false
	}
}

func TestSimpleJSONPath(t *testing.T) {
	items := []trackItem{
		newTrack("Track A", map[string]any{"territory": "US", "rights": "exclusive"}),
		newTrack("Track B", map[string]any{"territory": "UK", "rights": "non-exclusive"}),
		newTrack("Track C", map[string]any{"territory": "US", "rights": "non-exclusive"}),
	}
	predicate := eq("licensing.territory", causal.StringValue("US"))
	results := Apply(items, predicate)

	assert.Equal(t, Pass, results[0].Kind)
	assert.Equal(t, Skip, results[1].Kind)
	assert.Equal(t, Pass, results[2].Kind)
}

func TestNestedJSONPath(t *testing.T) {
	items := []trackItem{
		newTrack("Track A", map[string]any{"rights": map[string]any{"holder": "Label A", "type": "exclusive"}}),
		newTrack("Track B", map[string]any{"rights": map[string]any{"holder": "Label B", "type": "non-exclusive"}}),
	}
	predicate := eq("licensing.rights.holder", causal.StringValue("Label A"))
	results := Apply(items, predicate)

	assert.Equal(t, Pass, results[0].Kind)
	assert.Equal(t, Skip, results[1].Kind)
}

func TestJSONPathWithNumericValue(t *testing.T) {
	items := []trackItem{
		newTrack("Track A", map[string]any{"duration": 180, "bpm": 120}),
		newTrack("Track B", map[string]any{"duration": 240, "bpm": 140}),
	}
	predicate := between("licensing.duration", causal.OpGreaterThan, causal.I64Value(200))
	results := Apply(items, predicate)

	assert.Equal(t, Skip, results[0].Kind)
	assert.Equal(t, Pass, results[1].Kind)
}

func TestJSONPathWithBoolean(t *testing.T) {
	items := []trackItem{
		newTrack("Track A", map[string]any{"active": true}),
		newTrack("Track B", map[string]any{"active": false}),
	}
	predicate := eq("licensing.active", causal.BoolValue(true))
	results := Apply(items, predicate)

	assert.Equal(t, Pass, results[0].Kind)
	assert.Equal(t, Skip, results[1].Kind)
}

func TestJSONPathNotFound(t *testing.T) {
	items := []trackItem{newTrack("Track A", map[string]any{"territory": "US"})}
	predicate := eq("licensing.nonexistent", causal.StringValue("value"))
	results := Apply(items, predicate)

	assert.Equal(t, Errored, results[0].Kind)
	var notFound *PropertyNotFoundError
	assert.ErrorAs(t, results[0].Err, &notFound)
}

func TestJSONPathCombinedWithRegularField(t *testing.T) {
	items := []trackItem{
		newTrack("Track A", map[string]any{"territory": "US"}),
		newTrack("Track B", map[string]any{"territory": "US"}),
		newTrack("Track C", map[string]any{"territory": "UK"}),
	}
	predicate := causal.And(eq("name", causal.StringValue("Track A")), eq("licensing.territory", causal.StringValue("US")))
	results := Apply(items, predicate)

	assert.Equal(t, Pass, results[0].Kind)
	assert.Equal(t, Skip, results[1].Kind)
	assert.Equal(t, Skip, results[2].Kind)
}

func TestTraverseIntoNonJSONPropertyErrors(t *testing.T) {
	items := []testItem{{"Alice", "30"}}
	predicate := eq("name.nested", causal.StringValue("value"))
	results := Apply(items, predicate)

	assert.Equal(t, Errored, results[0].Kind)
	var notFound *PropertyNotFoundError
	assert.ErrorAs(t, results[0].Err, &notFound)
}

func TestJSONPathWithOr(t *testing.T) {
	items := []trackItem{
		newTrack("Track A", map[string]any{"status": "active", "region": "US"}),
		newTrack("Track B", map[string]any{"status": "pending", "region": "UK"}),
		newTrack("Track C", map[string]any{"status": "archived", "region": "US"}),
	}
	predicate := causal.Or(eq("licensing.status", causal.StringValue("active")), eq("licensing.region", causal.StringValue("UK")))
	results := Apply(items, predicate)

	assert.Equal(t, Pass, results[0].Kind)
	assert.Equal(t, Pass, results[1].Kind)
	assert.Equal(t, Skip, results[2].Kind)
}

func TestJSONPathWithInOperator(t *testing.T) {
	items := []trackItem{
		newTrack("Track A", map[string]any{"status": "active"}),
		newTrack("Track B", map[string]any{"status": "pending"}),
		newTrack("Track C", map[string]any{"status": "archived"}),
	}
	predicate := in("licensing.status", causal.StringValue("active"), causal.StringValue("pending"))
	results := Apply(items, predicate)

	assert.Equal(t, Pass, results[0].Kind)
	assert.Equal(t, Pass, results[1].Kind)
	assert.Equal(t, Skip, results[2].Kind)
}

func TestCollectionQualifiedJSONPath(t *testing.T) {
	items := []trackItem{
		newTrack("Track A", map[string]any{"territory": "US"}),
		newTrack("Track B", map[string]any{"territory": "UK"}),
	}
	predicate := eq("tracks.licensing.territory", causal.StringValue("US"))
	results := Apply(items, predicate)

	assert.Equal(t, Pass, results[0].Kind)
	assert.Equal(t, Skip, results[1].Kind)
}

func TestJSONNumericCastingSameType(t *testing.T) {
	items := []trackItem{newTrack("Track A", map[string]any{"count": 42})}
	predicate := eq("licensing.count", causal.I64Value(42))
	results := Apply(items, predicate)
	assert.Equal(t, Pass, results[0].Kind)
}

func TestJSONNumericCastingFloatToInt(t *testing.T) {
	items := []trackItem{newTrack("Track A", map[string]any{"count": 42.5})}
	predicate := between("licensing.count", causal.OpGreaterThan, causal.I64Value(42))
	results := Apply(items, predicate)
	assert.Equal(t, Pass, results[0].Kind) // 42.5 > 42
}

func TestJSONStringToNumberNoCast(t *testing.T) {
	items := []trackItem{newTrack("Track A", map[string]any{"count": "42"})}
	predicate := eq("licensing.count", causal.I64Value(42))
	results := Apply(items, predicate)
	assert.Equal(t, Skip, results[0].Kind)
}

func TestJSONNumberToStringNoCast(t *testing.T) {
	items := []trackItem{newTrack("Track A", map[string]any{"count": 42})}
	predicate := eq("licensing.count", causal.StringValue("42"))
	results := Apply(items, predicate)
	assert.Equal(t, Skip, results[0].Kind)
}

func TestJSONStringEqualityWorks(t *testing.T) {
	items := []trackItem{newTrack("Track A", map[string]any{"status": "active"})}
	predicate := eq("licensing.status", causal.StringValue("active"))
	results := Apply(items, predicate)
	assert.Equal(t, Pass, results[0].Kind)
}

func TestJSONComparisonOperators(t *testing.T) {
	items := []trackItem{
		newTrack("A", map[string]any{"score": 50}),
		newTrack("B", map[string]any{"score": 100}),
		newTrack("C", map[string]any{"score": 150}),
	}

	gt := Apply(items, between("licensing.score", causal.OpGreaterThan, causal.I64Value(100)))
	assert.Equal(t, []ResultKind{Skip, Skip, Pass}, kinds(gt))

	gte := Apply(items, between("licensing.score", causal.OpGreaterOrEqual, causal.I64Value(100)))
	assert.Equal(t, []ResultKind{Skip, Pass, Pass}, kinds(gte))

	lt := Apply(items, between("licensing.score", causal.OpLessThan, causal.I64Value(100)))
	assert.Equal(t, []ResultKind{Pass, Skip, Skip}, kinds(lt))
}

func TestRegularFieldStillCastsStringToNumber(t *testing.T) {
	// age is stored as a string but queried with a number literal; the
	// non-JSON cast path allows string<->number coercion.
	items := []testItem{{"Alice", "30"}}
	predicate := eq("age", causal.I64Value(30))
	results := Apply(items, predicate)
	assert.Equal(t, Pass, results[0].Kind)
}

func kinds(results []Result[trackItem]) []ResultKind {
	out := make([]ResultKind, len(results))
	for i, r := range results {
		out[i] = r.Kind
	}
	return out
}
