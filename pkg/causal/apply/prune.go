package apply

import "causalstore/pkg/causal"

// PruneHeads folds a newly-applied event into a Clock of tips (spec.md
// §4.2.3): every member of superseded is removed from head, and the event's
// own id becomes a new tip. For a linear append (StrictDescends) superseded
// is the event's own parent clock; for a concurrent append (DivergedSince)
// it is only the part of the existing head that the event's history passes
// through, often empty, in which case the new event simply joins the head
// as an additional concurrent tip.
func PruneHeads(head causal.Clock, newEventId causal.EventId, superseded causal.Clock) causal.Clock {
	out := head
	for _, id := range superseded.Members() {
		out = out.Without(id)
	}
	return out.With(newEventId)
}
