package planner

import "causalstore/pkg/causal"

// Config tunes plan generation for a storage backend's capabilities.
type Config struct {
	// SupportsDescIndexes is false for storage engines without real
	// descending indexes (only a longest common-direction ORDER BY prefix
	// can be folded into the index in that case); true for engines (like
	// Postgres) that can index either direction per column.
	SupportsDescIndexes bool
}

func NewConfig(supportsDescIndexes bool) Config { return Config{SupportsDescIndexes: supportsDescIndexes} }

// NoDescIndexConfig matches a storage engine with ascending-only indexes.
func NoDescIndexConfig() Config { return NewConfig(false) }

// FullSupportConfig matches a storage engine with full bidirectional index
// support (e.g. Postgres).
func FullSupportConfig() Config { return NewConfig(true) }

// Planner generates candidate scan plans for a Selection.
type Planner struct {
	config Config
}

func NewPlanner(config Config) *Planner { return &Planner{config: config} }

type equality struct {
	field string
	value causal.Value
}

type inequalityConstraint struct {
	op    causal.ComparisonOperator
	value causal.Value
}

// inequalityGroup preserves the field's first-seen order, mirroring the
// teacher's insertion-ordered conjunct categorization so plan generation
// (and therefore dedup-relevant index ordering) is deterministic.
type inequalityGroup struct {
	field       string
	constraints []inequalityConstraint
}

func findInequality(groups []inequalityGroup, field string) *inequalityGroup {
	for i := range groups {
		if groups[i].field == field {
			return &groups[i]
		}
	}
	return nil
}

// Plan generates every viable candidate plan for selection: index-bound
// plans per distinguishable strategy, deduplicated, with a table-scan
// fallback appended unless an EmptyScan already proves no bounded plan
// can match anything.
func (p *Planner) Plan(selection causal.Selection, primaryKey string) []Plan {
	conjuncts := causal.FlattenAnd(selection.Predicate)

	equalities, inequalities := p.categorizeConjunctsExcludingPrimaryKey(conjuncts, primaryKey)

	hasPrimaryKeyRanges := p.hasPrimaryKeyRangePredicates(conjuncts, primaryKey)
	hasPrimaryKeyOrderBy := p.hasPrimaryKeyOrderBy(selection.OrderBy, primaryKey)
	hasNonPrimaryPredicates := false
	for _, pred := range conjuncts {
		if pred.Kind != causal.PredTrue && !p.isPrimaryKeyPredicate(pred, primaryKey) {
			hasNonPrimaryPredicates = true
			break
		}
	}

	if (hasPrimaryKeyRanges || hasPrimaryKeyOrderBy) && !hasNonPrimaryPredicates {
		return []Plan{p.buildTableScanPlan(conjuncts, primaryKey, selection.OrderBy)}
	}

	var plans []Plan

	if len(selection.OrderBy) > 0 {
		if plan, ok := p.buildOrderFirstPlan(equalities, inequalities, selection.OrderBy, conjuncts); ok {
			plans = append(plans, plan)
		}
		coveredIneq := false
		for _, item := range selection.OrderBy {
			if item.Path.IsSimple() && findInequality(inequalities, item.Path.First()) != nil {
				coveredIneq = true
				break
			}
		}
		if !coveredIneq && len(inequalities) > 0 {
			if plan, ok := p.buildIneqFirstPlan(equalities, inequalities, selection.OrderBy, conjuncts); ok {
				plans = append(plans, plan)
			}
		}
		deduped := p.deduplicatePlans(plans)
		if !hasEmptyScan(deduped) {
			deduped = append(deduped, p.buildTableScanPlan(conjuncts, primaryKey, selection.OrderBy))
		}
		return deduped
	}

	switch {
	case len(inequalities) > 0:
		for _, group := range inequalities {
			if plan, ok := p.generateInequalityPlanWithOrderBy(equalities, group.field, inequalities, conjuncts, selection.OrderBy); ok {
				plans = append(plans, plan)
			}
		}
	case len(equalities) > 0:
		if plan, ok := p.generateEqualityPlan(equalities, conjuncts); ok {
			plans = append(plans, plan)
		}
	}

	deduped := p.deduplicatePlans(plans)
	if !hasEmptyScan(deduped) {
		deduped = append(deduped, p.buildTableScanPlan(conjuncts, primaryKey, selection.OrderBy))
	}
	return deduped
}

func hasEmptyScan(plans []Plan) bool {
	for _, plan := range plans {
		if plan.Kind == PlanEmptyScan {
			return true
		}
	}
	return false
}

// buildOrderFirstPlan: [EQ ...] + maximal ORDER BY prefix (capability-aware).
// Bounds come from equalities plus, optionally, the first ORDER BY field
// that also carries an inequality.
func (p *Planner) buildOrderFirstPlan(
	equalities []equality,
	inequalities []inequalityGroup,
	orderBy []causal.OrderByItem,
	conjuncts []causal.Predicate,
) (Plan, bool) {
	if len(orderBy) == 0 {
		return Plan{}, false
	}

	keyparts := make([]IndexKeyPart, 0, len(equalities)+len(orderBy))
	for _, eq := range equalities {
		keyparts = append(keyparts, AscPath(eq.field, eq.value.Kind))
	}

	if p.config.SupportsDescIndexes {
		for _, item := range orderBy {
			if !item.Path.IsSimple() {
				continue
			}
			name := item.Path.First()
			if item.Direction == causal.Desc {
				keyparts = append(keyparts, Desc(name, causal.ValueTypeString))
			} else {
				keyparts = append(keyparts, Asc(name, causal.ValueTypeString))
			}
		}
	} else {
		firstDir := orderBy[0].Direction
		broke := false
		for _, item := range orderBy {
			if !item.Path.IsSimple() {
				continue
			}
			if !broke && item.Direction == firstDir {
				keyparts = append(keyparts, Asc(item.Path.First(), causal.ValueTypeString))
			} else {
				broke = true
			}
		}
	}

	var appliedField string
	var appliedConstraints []inequalityConstraint
	for _, item := range orderBy {
		if !item.Path.IsSimple() {
			continue
		}
		if group := findInequality(inequalities, item.Path.First()); group != nil {
			appliedField, appliedConstraints = group.field, group.constraints
			break
		}
	}

	bounds := p.buildBounds(equalities, appliedField, appliedConstraints, keyparts)
	if isEmptyBounds(bounds) {
		return EmptyScanPlan(), true
	}

	// The inequality's conjuncts leave the remaining predicate only if
	// buildBounds actually reached that column.
	excludeField := ""
	for _, bound := range bounds.Keyparts {
		if appliedField != "" && bound.Column == appliedField {
			excludeField = appliedField
		}
	}
	remaining := p.calculateRemainingPredicate(conjuncts, equalities, excludeField)

	scanDirection := Forward
	if !p.config.SupportsDescIndexes && orderBy[0].Direction == causal.Desc {
		scanDirection = Reverse
	}

	var spill []causal.OrderByItem
	if !p.config.SupportsDescIndexes {
		firstDir := orderBy[0].Direction
		broke := false
		for _, item := range orderBy {
			if !item.Path.IsSimple() {
				continue
			}
			if !broke && item.Direction == firstDir {
				continue
			}
			broke = true
			spill = append(spill, item)
		}
	}

	return IndexPlan(NewKeySpec(keyparts), scanDirection, bounds, remaining, spill), true
}

// buildIneqFirstPlan: [EQ ...] + one bounded inequality column. ORDER BY
// columns are never appended to the index here (a range column breaks
// global order), so every ORDER BY field spills to an in-memory sort.
func (p *Planner) buildIneqFirstPlan(
	equalities []equality,
	inequalities []inequalityGroup,
	orderBy []causal.OrderByItem,
	conjuncts []causal.Predicate,
) (Plan, bool) {
	var primaryField string
	var primaryConstraints []inequalityConstraint
	for _, item := range orderBy {
		if !item.Path.IsSimple() {
			continue
		}
		if group := findInequality(inequalities, item.Path.First()); group != nil {
			primaryField, primaryConstraints = group.field, group.constraints
			break
		}
	}
	if primaryField == "" {
		if len(inequalities) == 0 {
			return Plan{}, false
		}
		primaryField, primaryConstraints = inequalities[0].field, inequalities[0].constraints
	}

	keyparts := make([]IndexKeyPart, 0, len(equalities)+1)
	for _, eq := range equalities {
		keyparts = append(keyparts, AscPath(eq.field, eq.value.Kind))
	}
	keyparts = append(keyparts, AscPath(primaryField, primaryConstraints[0].value.Kind))

	bounds := p.buildBounds(equalities, primaryField, primaryConstraints, keyparts)
	if isEmptyBounds(bounds) {
		return EmptyScanPlan(), true
	}

	remaining := p.calculateRemainingPredicate(conjuncts, equalities, primaryField)

	scanDirection := Forward
	if !p.config.SupportsDescIndexes && len(orderBy) > 0 && orderBy[0].Direction == causal.Desc {
		scanDirection = Reverse
	}

	covered := make(map[string]bool, len(equalities)+1)
	for _, eq := range equalities {
		covered[eq.field] = true
	}
	covered[primaryField] = true
	var spill []causal.OrderByItem
	for _, item := range orderBy {
		if item.Path.IsSimple() && !covered[item.Path.First()] {
			spill = append(spill, item)
		}
	}

	return IndexPlan(NewKeySpec(keyparts), scanDirection, bounds, remaining, spill), true
}

func (p *Planner) categorizeConjunctsExcludingPrimaryKey(
	conjuncts []causal.Predicate,
	primaryKey string,
) ([]equality, []inequalityGroup) {
	var equalities []equality
	var inequalities []inequalityGroup

	for _, conjunct := range conjuncts {
		field, op, value, ok := extractComparison(conjunct)
		if !ok || field == primaryKey {
			continue
		}
		switch op {
		case causal.OpEqual:
			equalities = append(equalities, equality{field: field, value: value})
		case causal.OpGreaterThan, causal.OpGreaterOrEqual, causal.OpLessThan, causal.OpLessOrEqual:
			group := findInequality(inequalities, field)
			if group == nil {
				inequalities = append(inequalities, inequalityGroup{field: field})
				group = &inequalities[len(inequalities)-1]
			}
			group.constraints = append(group.constraints, inequalityConstraint{op: op, value: value})
		default:
			// NotEqual, In, Between: not index-rangeable; stay in the
			// remaining predicate for the filter engine to evaluate.
		}
	}
	return equalities, inequalities
}

// extractComparison pulls a dotted field path, operator, and literal value
// out of a simple `path OP literal` comparison predicate.
func extractComparison(predicate causal.Predicate) (field string, op causal.ComparisonOperator, value causal.Value, ok bool) {
	if predicate.Kind != causal.PredComparison {
		return "", 0, causal.Value{}, false
	}
	if predicate.Left.Kind != causal.ExprPath || predicate.Right.Kind != causal.ExprLiteral {
		return "", 0, causal.Value{}, false
	}
	return predicate.Left.Path.String(), predicate.Operator, predicate.Right.Literal, true
}

func (p *Planner) generateInequalityPlanWithOrderBy(
	equalities []equality,
	inequalityField string,
	inequalities []inequalityGroup,
	conjuncts []causal.Predicate,
	orderBy []causal.OrderByItem,
) (Plan, bool) {
	group := findInequality(inequalities, inequalityField)
	if group == nil {
		return Plan{}, false
	}

	keyparts := make([]IndexKeyPart, 0, len(equalities)+1)
	for _, eq := range equalities {
		keyparts = append(keyparts, AscPath(eq.field, eq.value.Kind))
	}
	keyparts = append(keyparts, AscPath(inequalityField, group.constraints[0].value.Kind))

	bounds := p.buildBounds(equalities, inequalityField, group.constraints, keyparts)
	if isEmptyBounds(bounds) {
		return EmptyScanPlan(), true
	}

	remaining := p.calculateRemainingPredicate(conjuncts, equalities, inequalityField)

	covered := make(map[string]bool, len(equalities)+1)
	for _, eq := range equalities {
		covered[eq.field] = true
	}
	covered[inequalityField] = true
	var spill []causal.OrderByItem
	for _, item := range orderBy {
		if item.Path.IsSimple() && !covered[item.Path.First()] {
			spill = append(spill, item)
		}
	}

	return IndexPlan(NewKeySpec(keyparts), Forward, bounds, remaining, spill), true
}

func (p *Planner) generateEqualityPlan(equalities []equality, conjuncts []causal.Predicate) (Plan, bool) {
	keyparts := make([]IndexKeyPart, 0, len(equalities))
	for _, eq := range equalities {
		keyparts = append(keyparts, AscPath(eq.field, eq.value.Kind))
	}

	bounds := p.buildBounds(equalities, "", nil, keyparts)
	if isEmptyBounds(bounds) {
		return EmptyScanPlan(), true
	}

	remaining := p.calculateRemainingPredicate(conjuncts, equalities, "")
	return IndexPlan(NewKeySpec(keyparts), Forward, bounds, remaining, nil), true
}

// buildBounds builds one KeyBoundComponent per leading index column that
// has a constraint, stopping at the first column with none: an index can
// only narrow a contiguous prefix of its columns.
func (p *Planner) buildBounds(
	equalities []equality,
	inequalityField string,
	inequalityConstraints []inequalityConstraint,
	keyparts []IndexKeyPart,
) KeyBounds {
	var bounds []KeyBoundComponent

	for _, keypart := range keyparts {
		fullPath := keypart.FullPath()

		var equalityValue *causal.Value
		for _, eq := range equalities {
			if eq.field == fullPath {
				v := eq.value
				equalityValue = &v
				break
			}
		}

		switch {
		case equalityValue != nil:
			bounds = append(bounds, KeyBoundComponent{
				Column: fullPath,
				Low:    InclEndpoint(*equalityValue),
				High:   InclEndpoint(*equalityValue),
			})
		case inequalityField != "" && inequalityField == fullPath:
			low := UnboundedLow(inequalityConstraints[0].value.Kind)
			high := UnboundedHigh(inequalityConstraints[0].value.Kind)
			for _, c := range inequalityConstraints {
				switch c.op {
				case causal.OpGreaterThan:
					if candidate := ExclEndpoint(c.value); isMoreRestrictiveLower(candidate, low) {
						low = candidate
					}
				case causal.OpGreaterOrEqual:
					if candidate := InclEndpoint(c.value); isMoreRestrictiveLower(candidate, low) {
						low = candidate
					}
				case causal.OpLessThan:
					if candidate := ExclEndpoint(c.value); isMoreRestrictiveUpper(candidate, high) {
						high = candidate
					}
				case causal.OpLessOrEqual:
					if candidate := InclEndpoint(c.value); isMoreRestrictiveUpper(candidate, high) {
						high = candidate
					}
				}
			}
			bounds = append(bounds, KeyBoundComponent{Column: fullPath, Low: low, High: high})
			return NewKeyBounds(bounds) // stop at the first inequality column
		default:
			return NewKeyBounds(bounds) // no constraint on this column: stop
		}
	}
	return NewKeyBounds(bounds)
}

func isMoreRestrictiveLower(candidate, current Endpoint) bool {
	if candidate.IsValue() && current.IsUnboundedLow() {
		return true
	}
	if candidate.IsUnboundedLow() && current.IsValue() {
		return false
	}
	if candidate.IsValue() && current.IsValue() {
		cmp, err := candidate.Value().Compare(current.Value())
		if err != nil {
			return false
		}
		if cmp > 0 {
			return true
		}
		if cmp == 0 {
			return !candidate.Inclusive() && current.Inclusive()
		}
	}
	return false
}

func isMoreRestrictiveUpper(candidate, current Endpoint) bool {
	if candidate.IsValue() && current.IsUnboundedHigh() {
		return true
	}
	if candidate.IsUnboundedHigh() && current.IsValue() {
		return false
	}
	if candidate.IsValue() && current.IsValue() {
		cmp, err := candidate.Value().Compare(current.Value())
		if err != nil {
			return false
		}
		if cmp < 0 {
			return true
		}
		if cmp == 0 {
			return !candidate.Inclusive() && current.Inclusive()
		}
	}
	return false
}

// isEmptyBounds reports whether any column's bounds prove the range can
// never match anything (low strictly above high, or an exclusive-exclusive
// pinch on the same value).
func isEmptyBounds(bounds KeyBounds) bool {
	for _, bound := range bounds.Keyparts {
		if !bound.Low.IsValue() || !bound.High.IsValue() {
			continue
		}
		cmp, err := bound.Low.Value().Compare(bound.High.Value())
		if err != nil {
			continue
		}
		if cmp > 0 {
			return true
		}
		if cmp == 0 && !bound.Low.Inclusive() && !bound.High.Inclusive() {
			return true
		}
	}
	return false
}

// calculateRemainingPredicate rebuilds an AND-chain of every conjunct not
// consumed by the bounds the chosen plan already applies, for the filter
// engine to evaluate post-scan.
func (p *Planner) calculateRemainingPredicate(
	conjuncts []causal.Predicate,
	consumedEqualities []equality,
	consumedInequalityField string,
) causal.Predicate {
	var remaining []causal.Predicate

	for _, conjunct := range conjuncts {
		field, _, _, ok := extractComparison(conjunct)
		consumed := false
		if ok {
			for _, eq := range consumedEqualities {
				if eq.field == field {
					consumed = true
					break
				}
			}
			if !consumed && consumedInequalityField != "" && field == consumedInequalityField {
				consumed = true
			}
		}
		if !consumed {
			remaining = append(remaining, conjunct)
		}
	}

	if len(remaining) == 0 {
		return causal.True()
	}
	result := remaining[0]
	for _, conjunct := range remaining[1:] {
		result = causal.And(result, conjunct)
	}
	return result
}

// deduplicatePlans drops Index plans that repeat an already-seen
// (key columns, scan direction) pair; TableScan and EmptyScan plans are
// always kept since they're rare and each carries distinct meaning.
func (p *Planner) deduplicatePlans(plans []Plan) []Plan {
	var unique []Plan
	seen := make(map[string]bool)

	for _, plan := range plans {
		if plan.Kind != PlanIndex {
			unique = append(unique, plan)
			continue
		}
		key := indexPlanKey(plan)
		if !seen[key] {
			seen[key] = true
			unique = append(unique, plan)
		}
	}
	return unique
}

func indexPlanKey(plan Plan) string {
	key := make([]byte, 0, 64)
	for _, kp := range plan.IndexSpec.Keyparts {
		key = append(key, kp.Path...)
		key = append(key, 0, byte(kp.Direction), 0)
	}
	key = append(key, byte(plan.ScanDirection))
	return string(key)
}

// buildTableScanPlan builds the always-available fallback plan: a scan
// bounded only by whatever the predicate constrains on the primary key
// (possibly unbounded), with every conjunct left in the remaining
// predicate since no index narrows any of them.
func (p *Planner) buildTableScanPlan(conjuncts []causal.Predicate, primaryKey string, orderBy []causal.OrderByItem) Plan {
	bounds := p.extractEntityIdRange(conjuncts, primaryKey)

	remaining := causal.True()
	for _, conjunct := range conjuncts {
		if remaining.Kind == causal.PredTrue {
			remaining = conjunct
		} else {
			remaining = causal.And(remaining, conjunct)
		}
	}

	scanDirection := Forward
	var spill []causal.OrderByItem
	if len(orderBy) > 0 {
		first := orderBy[0]
		if first.Path.IsSimple() && first.Path.First() == primaryKey {
			if first.Direction == causal.Desc {
				scanDirection = Reverse
			}
			spill = append(spill, orderBy[1:]...)
		} else {
			spill = append(spill, orderBy...)
		}
	}

	return TableScanPlan(bounds, scanDirection, remaining, spill)
}

func (p *Planner) extractEntityIdRange(conjuncts []causal.Predicate, primaryKey string) KeyBounds {
	var bounds []KeyBoundComponent
	for _, predicate := range conjuncts {
		if bound, ok := p.extractPrimaryKeyBound(predicate, primaryKey); ok {
			bounds = append(bounds, bound)
		}
	}
	switch len(bounds) {
	case 0:
		return EmptyKeyBounds()
	case 1:
		return NewKeyBounds(bounds)
	default:
		return NewKeyBounds([]KeyBoundComponent{p.intersectPrimaryKeyBounds(bounds, primaryKey)})
	}
}

func (p *Planner) extractPrimaryKeyBound(predicate causal.Predicate, primaryKey string) (KeyBoundComponent, bool) {
	if predicate.Kind != causal.PredComparison {
		return KeyBoundComponent{}, false
	}
	var value causal.Value
	switch {
	case predicate.Left.Kind == causal.ExprPath && predicate.Left.Path.IsSimple() && predicate.Left.Path.First() == primaryKey &&
		predicate.Right.Kind == causal.ExprLiteral:
		value = predicate.Right.Literal
	case predicate.Right.Kind == causal.ExprPath && predicate.Right.Path.IsSimple() && predicate.Right.Path.First() == primaryKey &&
		predicate.Left.Kind == causal.ExprLiteral:
		value = predicate.Left.Literal
	default:
		return KeyBoundComponent{}, false
	}

	var low, high Endpoint
	switch predicate.Operator {
	case causal.OpEqual:
		low, high = InclEndpoint(value), InclEndpoint(value)
	case causal.OpGreaterThan:
		low, high = ExclEndpoint(value), UnboundedHigh(value.Kind)
	case causal.OpGreaterOrEqual:
		low, high = InclEndpoint(value), UnboundedHigh(value.Kind)
	case causal.OpLessThan:
		low, high = UnboundedLow(value.Kind), ExclEndpoint(value)
	case causal.OpLessOrEqual:
		low, high = UnboundedLow(value.Kind), InclEndpoint(value)
	default:
		return KeyBoundComponent{}, false
	}
	return KeyBoundComponent{Column: primaryKey, Low: low, High: high}, true
}

func (p *Planner) intersectPrimaryKeyBounds(bounds []KeyBoundComponent, primaryKey string) KeyBoundComponent {
	low := UnboundedLow(causal.ValueTypeString)
	high := UnboundedHigh(causal.ValueTypeString)
	for _, bound := range bounds {
		low = intersectLowerBounds(low, bound.Low)
		high = intersectUpperBounds(high, bound.High)
	}
	return KeyBoundComponent{Column: primaryKey, Low: low, High: high}
}

func intersectLowerBounds(left, right Endpoint) Endpoint {
	if left.IsUnboundedLow() {
		return right
	}
	if right.IsUnboundedLow() {
		return left
	}
	cmp, err := left.Value().Compare(right.Value())
	if err != nil {
		return left
	}
	switch {
	case cmp > 0:
		return left
	case cmp < 0:
		return right
	default:
		return Endpoint{kind: endpointValue, datum: KeyDatum{Value: left.Value()}, inclusive: left.Inclusive() && right.Inclusive()}
	}
}

func intersectUpperBounds(left, right Endpoint) Endpoint {
	if left.IsUnboundedHigh() {
		return right
	}
	if right.IsUnboundedHigh() {
		return left
	}
	cmp, err := left.Value().Compare(right.Value())
	if err != nil {
		return left
	}
	switch {
	case cmp < 0:
		return left
	case cmp > 0:
		return right
	default:
		return Endpoint{kind: endpointValue, datum: KeyDatum{Value: left.Value()}, inclusive: left.Inclusive() && right.Inclusive()}
	}
}

func (p *Planner) isPrimaryKeyPredicate(predicate causal.Predicate, primaryKey string) bool {
	if predicate.Kind != causal.PredComparison {
		return false
	}
	return predicate.Left.Kind == causal.ExprPath && predicate.Left.Path.IsSimple() && predicate.Left.Path.First() == primaryKey
}

func (p *Planner) hasPrimaryKeyOrderBy(orderBy []causal.OrderByItem, primaryKey string) bool {
	if len(orderBy) == 0 {
		return false
	}
	first := orderBy[0]
	return first.Path.IsSimple() && first.Path.First() == primaryKey
}

func (p *Planner) hasPrimaryKeyRangePredicates(conjuncts []causal.Predicate, primaryKey string) bool {
	for _, predicate := range conjuncts {
		if predicate.Kind != causal.PredComparison {
			continue
		}
		if predicate.Left.Kind != causal.ExprPath || !predicate.Left.Path.IsSimple() || predicate.Left.Path.First() != primaryKey {
			continue
		}
		switch predicate.Operator {
		case causal.OpEqual, causal.OpGreaterThan, causal.OpGreaterOrEqual, causal.OpLessThan, causal.OpLessOrEqual:
			return true
		}
	}
	return false
}
