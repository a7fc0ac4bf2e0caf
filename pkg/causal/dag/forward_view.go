package dag

import (
	"sort"

	"causalstore/pkg/causal"
)

// Branch tags an event within a ReadySet: Primary if it is reachable from
// subject_head without passing through other_head (or from both sides),
// Concurrency if it is reachable only via other_head.
type Branch int

const (
	Primary Branch = iota
	Concurrency
)

// TaggedEvent pairs an event with its Branch tag within a ReadySet.
// Attestations are a storage-layer concern handled when the apply package
// re-fetches events for actual backend application; the comparator's
// EventSource only needs the bare Event to walk parent links.
type TaggedEvent struct {
	Id     causal.EventId
	Event  causal.Event
	Branch Branch
}

// ReadySet is one topological layer: every event in it has all of its
// parents in earlier ReadySets (or at the meet).
type ReadySet []TaggedEvent

// ForwardView partitions the closed set of events between meet and
// {subject_head, other_head} into ordered ReadySets, per spec.md §4.1.5.
// Consumers iterate ReadySets to apply events in causal order while
// distinguishing the local (Primary) from remote (Concurrency) branch for
// per-backend merge decisions.
type ForwardView struct {
	Meet       []causal.EventId
	SubjectHead []causal.EventId
	OtherHead  []causal.EventId
	ReadySets  []ReadySet
}

// BuildForwardView constructs a ForwardView from the event/parent caches
// accumulated during a comparison. events must contain every event in the
// closed set between meet and {subjectHead, otherHead}.
func BuildForwardView(
	meet, subjectHead, otherHead []causal.EventId,
	events map[causal.EventId]causal.Event,
) ForwardView {
	parentsOf := func(id causal.EventId) []causal.EventId {
		if e, ok := events[id]; ok {
			return e.Parent.Members()
		}
		return nil
	}

	meetSet := toSet(meet)

	closed := make(map[causal.EventId]struct{})
	stack := append(append([]causal.EventId(nil), subjectHead...), otherHead...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, isMeet := meetSet[id]; isMeet {
			continue
		}
		if _, done := closed[id]; done {
			continue
		}
		if _, known := events[id]; !known {
			continue
		}
		closed[id] = struct{}{}
		stack = append(stack, parentsOf(id)...)
	}

	primaryReach := reachableWithinClosed(closed, meetSet, subjectHead, parentsOf)

	// Topological layering via repeated frontier extraction: a ReadySet is
	// every closed-set event whose parents are all in the meet or an
	// earlier ReadySet.
	placed := make(map[causal.EventId]struct{}, len(meet))
	for _, id := range meet {
		placed[id] = struct{}{}
	}
	remaining := make(map[causal.EventId]struct{}, len(closed))
	for id := range closed {
		remaining[id] = struct{}{}
	}

	var readySets []ReadySet
	for len(remaining) > 0 {
		var layer []causal.EventId
		for id := range remaining {
			ready := true
			for _, p := range parentsOf(id) {
				if _, isPlaced := placed[p]; !isPlaced {
					if _, inClosed := closed[p]; inClosed {
						ready = false
						break
					}
				}
			}
			if ready {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			// Cycle or missing data; bail rather than loop forever.
			break
		}
		sort.Slice(layer, func(i, j int) bool { return layer[i].Less(layer[j]) })

		rs := make(ReadySet, 0, len(layer))
		for _, id := range layer {
			branch := Concurrency
			if _, isPrimary := primaryReach[id]; isPrimary {
				branch = Primary
			}
			rs = append(rs, TaggedEvent{Id: id, Event: events[id], Branch: branch})
			delete(remaining, id)
			placed[id] = struct{}{}
		}
		readySets = append(readySets, rs)
	}

	return ForwardView{Meet: meet, SubjectHead: subjectHead, OtherHead: otherHead, ReadySets: readySets}
}

// reachableWithinClosed returns the subset of the closed set reachable from
// subjectHead without crossing the meet boundary — the Primary branch.
func reachableWithinClosed(
	closed map[causal.EventId]struct{},
	meet map[causal.EventId]struct{},
	subjectHead []causal.EventId,
	parentsOf func(causal.EventId) []causal.EventId,
) map[causal.EventId]struct{} {
	reach := make(map[causal.EventId]struct{})
	stack := append([]causal.EventId(nil), subjectHead...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, isMeet := meet[id]; isMeet {
			continue
		}
		if _, done := reach[id]; done {
			continue
		}
		if _, inClosed := closed[id]; !inClosed {
			continue
		}
		reach[id] = struct{}{}
		stack = append(stack, parentsOf(id)...)
	}
	return reach
}

func toSet(ids []causal.EventId) map[causal.EventId]struct{} {
	out := make(map[causal.EventId]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
