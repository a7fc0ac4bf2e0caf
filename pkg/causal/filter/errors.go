// Package filter evaluates a causal.Predicate against an entity's
// materialized property values (spec.md §4.4), for scanning over data that
// an index search couldn't fully narrow, or to cross-check an index
// search's results.
package filter

import (
	"fmt"

	"causalstore/pkg/causal"
)

// PropertyNotFoundError is returned when a predicate references a property
// or JSON path that doesn't exist on the item being evaluated.
type PropertyNotFoundError struct {
	causal.BaseError
	Property string
}

func newPropertyNotFound(op, property string) error {
	return &PropertyNotFoundError{
		BaseError: causal.BaseError{Op: op, Err: fmt.Errorf("property not found: %s", property)},
		Property:  property,
	}
}

// UnsupportedExpressionError is returned for predicate shapes the filter
// engine doesn't evaluate (anything beyond literal, path, and list).
type UnsupportedExpressionError struct{ causal.BaseError }

// UnsupportedOperatorError is returned for comparison operators the filter
// engine doesn't evaluate: BETWEEN, which the planner leaves in the
// remaining predicate, is rejected with this error when evaluated.
type UnsupportedOperatorError struct{ causal.BaseError }
