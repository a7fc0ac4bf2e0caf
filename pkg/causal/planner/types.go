// Package planner turns a causal.Selection into one or more candidate scan
// plans over a collection's primary-key-ordered storage, each either an
// index-bound range scan or a full table scan, so a storage backend can
// pick the cheapest viable plan and the filter engine can evaluate whatever
// predicate the plan doesn't fully satisfy (spec.md §4.4).
package planner

import "causalstore/pkg/causal"

// ScanDirection is the direction a plan walks its bounded range in.
type ScanDirection int

const (
	Forward ScanDirection = iota
	Reverse
)

// IndexKeyPart is one column of a candidate composite index: the property
// path it indexes, the value type it's typed over, and the direction it's
// sorted in.
type IndexKeyPart struct {
	Path      string
	ValueType causal.ValueType
	Direction ScanDirection
}

// AscPath builds an ascending IndexKeyPart over a (possibly dotted) path.
func AscPath(path string, valueType causal.ValueType) IndexKeyPart {
	return IndexKeyPart{Path: path, ValueType: valueType, Direction: Forward}
}

func Asc(name string, valueType causal.ValueType) IndexKeyPart {
	return IndexKeyPart{Path: name, ValueType: valueType, Direction: Forward}
}

func Desc(name string, valueType causal.ValueType) IndexKeyPart {
	return IndexKeyPart{Path: name, ValueType: valueType, Direction: Reverse}
}

func (k IndexKeyPart) FullPath() string { return k.Path }

// KeySpec is an ordered composite index definition.
type KeySpec struct {
	Keyparts []IndexKeyPart
}

func NewKeySpec(keyparts []IndexKeyPart) KeySpec { return KeySpec{Keyparts: keyparts} }

// endpointKind tags the Endpoint sum type.
type endpointKind int

const (
	endpointUnboundedLow endpointKind = iota
	endpointUnboundedHigh
	endpointValue
)

// KeyDatum wraps the concrete value carried by a bound Endpoint.
type KeyDatum struct {
	Value causal.Value
}

// Endpoint is one side of a KeyBoundComponent's range: unbounded (tagged
// with the column's value type, so the storage layer can still encode the
// correct sentinel), or a concrete value with an inclusive/exclusive flag.
type Endpoint struct {
	kind      endpointKind
	valueType causal.ValueType
	datum     KeyDatum
	inclusive bool
}

func UnboundedLow(t causal.ValueType) Endpoint  { return Endpoint{kind: endpointUnboundedLow, valueType: t} }
func UnboundedHigh(t causal.ValueType) Endpoint { return Endpoint{kind: endpointUnboundedHigh, valueType: t} }

func InclEndpoint(v causal.Value) Endpoint {
	return Endpoint{kind: endpointValue, datum: KeyDatum{Value: v}, inclusive: true}
}

func ExclEndpoint(v causal.Value) Endpoint {
	return Endpoint{kind: endpointValue, datum: KeyDatum{Value: v}, inclusive: false}
}

func (e Endpoint) IsUnboundedLow() bool  { return e.kind == endpointUnboundedLow }
func (e Endpoint) IsUnboundedHigh() bool { return e.kind == endpointUnboundedHigh }
func (e Endpoint) IsValue() bool         { return e.kind == endpointValue }
func (e Endpoint) Value() causal.Value   { return e.datum.Value }
func (e Endpoint) Inclusive() bool       { return e.inclusive }

// KeyBoundComponent is the per-column range a plan narrows a scan to.
type KeyBoundComponent struct {
	Column string
	Low    Endpoint
	High   Endpoint
}

// KeyBounds is the ordered sequence of per-column bounds a plan applies,
// column 0 being the most significant (matching the index's own column
// order).
type KeyBounds struct {
	Keyparts []KeyBoundComponent
}

func NewKeyBounds(keyparts []KeyBoundComponent) KeyBounds { return KeyBounds{Keyparts: keyparts} }
func EmptyKeyBounds() KeyBounds                           { return KeyBounds{} }

// planKind tags the Plan sum type.
type planKind int

const (
	PlanIndex planKind = iota
	PlanTableScan
	PlanEmptyScan
)

// Plan is one candidate execution strategy for a Selection: a bounded scan
// over a candidate composite index, a full table scan (optionally bounded
// by a primary-key range), or a proven-empty result requiring no scan at
// all.
type Plan struct {
	Kind planKind

	// Index fields.
	IndexSpec KeySpec

	// Shared by Index and TableScan.
	ScanDirection      ScanDirection
	Bounds             KeyBounds
	RemainingPredicate causal.Predicate
	OrderBySpill       []causal.OrderByItem
}

func IndexPlan(spec KeySpec, direction ScanDirection, bounds KeyBounds, remaining causal.Predicate, spill []causal.OrderByItem) Plan {
	return Plan{
		Kind: PlanIndex, IndexSpec: spec, ScanDirection: direction,
		Bounds: bounds, RemainingPredicate: remaining, OrderBySpill: spill,
	}
}

func TableScanPlan(bounds KeyBounds, direction ScanDirection, remaining causal.Predicate, spill []causal.OrderByItem) Plan {
	return Plan{
		Kind: PlanTableScan, ScanDirection: direction,
		Bounds: bounds, RemainingPredicate: remaining, OrderBySpill: spill,
	}
}

func EmptyScanPlan() Plan { return Plan{Kind: PlanEmptyScan} }
