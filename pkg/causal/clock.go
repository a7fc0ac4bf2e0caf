package causal

import "sort"

// Clock is an unordered set of EventIds representing the current "tips" of
// an entity's causal DAG. An empty Clock represents "nothing observed yet".
type Clock struct {
	members map[EventId]struct{}
}

// NewClock builds a Clock from a set of event ids, deduplicating.
func NewClock(ids ...EventId) Clock {
	c := Clock{members: make(map[EventId]struct{}, len(ids))}
	for _, id := range ids {
		c.members[id] = struct{}{}
	}
	return c
}

// Empty reports whether the clock has no members.
func (c Clock) Empty() bool { return len(c.members) == 0 }

// Len returns the number of tips in the clock.
func (c Clock) Len() int { return len(c.members) }

// Contains reports whether id is a member of the clock.
func (c Clock) Contains(id EventId) bool {
	_, ok := c.members[id]
	return ok
}

// Members returns the clock's tips sorted ascending by EventId, for
// deterministic iteration and test comparisons.
func (c Clock) Members() []EventId {
	out := make([]EventId, 0, len(c.members))
	for id := range c.members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Equal reports whether two clocks contain exactly the same set of ids.
func (c Clock) Equal(other Clock) bool {
	if len(c.members) != len(other.members) {
		return false
	}
	for id := range c.members {
		if _, ok := other.members[id]; !ok {
			return false
		}
	}
	return true
}

// With returns a new Clock with id added (non-mutating).
func (c Clock) With(id EventId) Clock {
	out := make(map[EventId]struct{}, len(c.members)+1)
	for k := range c.members {
		out[k] = struct{}{}
	}
	out[id] = struct{}{}
	return Clock{members: out}
}

// Without returns a new Clock with id removed (non-mutating).
func (c Clock) Without(id EventId) Clock {
	out := make(map[EventId]struct{}, len(c.members))
	for k := range c.members {
		if k != id {
			out[k] = struct{}{}
		}
	}
	return Clock{members: out}
}

// Union returns the set union of two clocks. The caller is responsible for
// pruning any resulting non-minimal tips (see apply.PruneHeads).
func (c Clock) Union(other Clock) Clock {
	out := make(map[EventId]struct{}, len(c.members)+len(other.members))
	for k := range c.members {
		out[k] = struct{}{}
	}
	for k := range other.members {
		out[k] = struct{}{}
	}
	return Clock{members: out}
}

// Intersect returns the set intersection of two clocks.
func (c Clock) Intersect(other Clock) Clock {
	out := make(map[EventId]struct{}, len(c.members))
	for k := range c.members {
		if _, ok := other.members[k]; ok {
			out[k] = struct{}{}
		}
	}
	return Clock{members: out}
}

// Minus returns the set difference c - other.
func (c Clock) Minus(other Clock) Clock {
	out := make(map[EventId]struct{}, len(c.members))
	for k := range c.members {
		if _, ok := other.members[k]; !ok {
			out[k] = struct{}{}
		}
	}
	return Clock{members: out}
}
