package dag

import (
	"context"
	"sort"

	"causalstore/pkg/causal"
)

// DefaultBudget is the traversal budget Compare starts with when the caller
// does not already know how deep the DAGs being compared run.
const DefaultBudget = 64

// maxBudgetMultiplier bounds the budget-escalation retries of spec.md
// §4.1.4: on BudgetExceeded, compare() is retried once more with up to 4x
// the originally requested budget.
const maxBudgetMultiplier = 4

type nodeState struct {
	seenFromSubject  bool
	seenFromOther    bool
	commonChildCount int
	origins          []causal.EventId
}

func (s *nodeState) isCommon() bool { return s.seenFromSubject && s.seenFromOther }

func (s *nodeState) markSeenFrom(fromSubject, fromOther bool) {
	if fromSubject {
		s.seenFromSubject = true
	}
	if fromOther {
		s.seenFromOther = true
	}
}

func addOrigin(origins []causal.EventId, id causal.EventId) []causal.EventId {
	for _, o := range origins {
		if o == id {
			return origins
		}
	}
	return append(origins, id)
}

func augmentOrigins(origins []causal.EventId, other []causal.EventId) []causal.EventId {
	for _, o := range other {
		origins = addOrigin(origins, o)
	}
	return origins
}

// comparison holds the mutable state of one backward simultaneous BFS walk,
// per spec.md §4.1.2.
type comparison struct {
	source causal.EventSource

	originalOtherHeads map[causal.EventId]struct{}
	outstandingHeads   map[causal.EventId]struct{}

	subjectFrontier map[causal.EventId]struct{}
	otherFrontier   map[causal.EventId]struct{}

	initialSubjectHeads []causal.EventId
	initialOtherHeads   []causal.EventId
	initialHeadsEqual   bool
	headOverlap         bool
	anyCommon           bool
	unseenOtherHeads    int
	unseenSubjectHeads  int

	subjectRoot    causal.EventId
	subjectRootSet bool
	otherRoot      causal.EventId
	otherRootSet   bool

	states        map[causal.EventId]*nodeState
	meetCandidates map[causal.EventId]struct{}

	eventsByID  map[causal.EventId]causal.Event
	parentsByID map[causal.EventId][]causal.EventId

	remainingBudget int
}

func newComparison(source causal.EventSource, subject, other causal.Clock, budget int) *comparison {
	subjectHeads := subject.Members()
	otherHeads := other.Members()

	subjectFrontier := make(map[causal.EventId]struct{}, len(subjectHeads))
	for _, id := range subjectHeads {
		subjectFrontier[id] = struct{}{}
	}
	otherFrontier := make(map[causal.EventId]struct{}, len(otherHeads))
	originalOtherHeads := make(map[causal.EventId]struct{}, len(otherHeads))
	outstandingHeads := make(map[causal.EventId]struct{}, len(otherHeads))
	for _, id := range otherHeads {
		otherFrontier[id] = struct{}{}
		originalOtherHeads[id] = struct{}{}
		outstandingHeads[id] = struct{}{}
	}

	return &comparison{
		source:              source,
		originalOtherHeads:  originalOtherHeads,
		outstandingHeads:    outstandingHeads,
		subjectFrontier:     subjectFrontier,
		otherFrontier:       otherFrontier,
		initialSubjectHeads: subjectHeads,
		initialOtherHeads:   otherHeads,
		initialHeadsEqual:   subject.Equal(other),
		headOverlap:         subject.Equal(other),
		unseenOtherHeads:    len(otherHeads),
		unseenSubjectHeads:  len(subjectHeads),
		states:              make(map[causal.EventId]*nodeState),
		meetCandidates:      make(map[causal.EventId]struct{}),
		eventsByID:          make(map[causal.EventId]causal.Event),
		parentsByID:         make(map[causal.EventId][]causal.EventId),
		remainingBudget:     budget,
	}
}

func (c *comparison) state(id causal.EventId) *nodeState {
	s, ok := c.states[id]
	if !ok {
		s = &nodeState{}
		c.states[id] = s
	}
	return s
}

// step fetches the union of both frontiers and folds the results into the
// traversal state, returning a conclusive Relation if one can already be
// determined.
func (c *comparison) step(ctx context.Context) (*Relation, error) {
	if c.initialHeadsEqual {
		r := equalRelation()
		return &r, nil
	}

	ids := make([]causal.EventId, 0, len(c.subjectFrontier)+len(c.otherFrontier))
	seen := make(map[causal.EventId]struct{})
	for id := range c.subjectFrontier {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for id := range c.otherFrontier {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	for _, id := range ids {
		event, err := c.source.RetrieveEvent(ctx, id)
		if err != nil {
			return nil, err
		}
		c.remainingBudget--
		c.processEvent(id, event)
	}

	return c.checkResult(), nil
}

func (c *comparison) processEvent(id causal.EventId, event causal.Event) {
	_, fromSubject := c.subjectFrontier[id]
	_, fromOther := c.otherFrontier[id]
	delete(c.subjectFrontier, id)
	delete(c.otherFrontier, id)

	c.eventsByID[id] = event
	parents := event.Parent.Members()
	c.parentsByID[id] = parents

	if len(parents) == 0 {
		if fromSubject && !c.subjectRootSet {
			c.subjectRoot, c.subjectRootSet = id, true
		}
		if fromOther && !c.otherRootSet {
			c.otherRoot, c.otherRootSet = id, true
		}
	}

	st := c.state(id)
	st.markSeenFrom(fromSubject, fromOther)

	if fromOther {
		if _, isOriginal := c.originalOtherHeads[id]; isOriginal {
			st.origins = addOrigin(st.origins, id)
		}
	}

	isCommon := st.isCommon()
	origins := st.origins

	if isCommon {
		if _, already := c.meetCandidates[id]; !already {
			c.meetCandidates[id] = struct{}{}
			c.anyCommon = true
			for _, h := range origins {
				delete(c.outstandingHeads, h)
			}
			for _, p := range parents {
				ps := c.state(p)
				if fromOther {
					ps.origins = augmentOrigins(ps.origins, origins)
				}
				ps.commonChildCount++
			}
		}
	} else if fromOther {
		for _, p := range parents {
			ps := c.state(p)
			ps.origins = augmentOrigins(ps.origins, origins)
		}
	}

	if fromSubject {
		for _, p := range parents {
			c.subjectFrontier[p] = struct{}{}
		}
		if _, isOriginal := c.originalOtherHeads[id]; isOriginal {
			c.unseenOtherHeads--
		}
	}
	if fromOther {
		for _, p := range parents {
			c.otherFrontier[p] = struct{}{}
		}
		if isOriginalSubjectHead(c.initialSubjectHeads, id) {
			c.unseenSubjectHeads--
		}
		c.headOverlap = true
	}
}

func isOriginalSubjectHead(heads []causal.EventId, id causal.EventId) bool {
	for _, h := range heads {
		if h == id {
			return true
		}
	}
	return false
}

// checkResult applies the decision order of spec.md §4.1.2: unseen-heads
// short-circuits first, then frontier exhaustion, then the early-common
// determination, and only then budget exhaustion (a BudgetExceeded is only
// reported once none of the definite outcomes already apply).
func (c *comparison) checkResult() *Relation {
	if c.unseenOtherHeads == 0 {
		var r Relation
		if c.initialHeadsEqual {
			r = equalRelation()
		} else {
			r = strictDescendsRelation(c.buildChain())
		}
		return &r
	}

	if c.unseenSubjectHeads == 0 {
		r := strictAscendsRelation()
		return &r
	}

	if len(c.subjectFrontier) == 0 && len(c.otherFrontier) == 0 {
		r := c.determineFinalOrdering()
		return &r
	}

	if c.anyCommon && len(c.outstandingHeads) == 0 && c.unseenOtherHeads > 0 {
		r := c.computeDivergedOrDisjoint()
		return &r
	}

	if c.remainingBudget <= 0 {
		r := budgetExceededRelation(sortedKeys(c.subjectFrontier), sortedKeys(c.otherFrontier))
		return &r
	}

	return nil
}

func (c *comparison) determineFinalOrdering() Relation {
	if len(c.initialSubjectHeads) == 0 {
		return strictAscendsRelation()
	}
	if len(c.initialOtherHeads) == 0 {
		return strictDescendsRelation(nil)
	}
	return c.computeDivergedOrDisjoint()
}

func (c *comparison) computeDivergedOrDisjoint() Relation {
	meet := make([]causal.EventId, 0)
	for id := range c.meetCandidates {
		if c.state(id).commonChildCount == 0 {
			meet = append(meet, id)
		}
	}
	sort.Slice(meet, func(i, j int) bool { return meet[i].Less(meet[j]) })

	if len(meet) == 0 {
		subjectRoot := c.subjectRoot
		otherRoot := c.otherRoot
		return disjointRelation(c.anyCommon, nil, subjectRoot, otherRoot)
	}

	subjectImm, subjectChain := c.buildImmediateAndChain(meet, c.initialSubjectHeads)
	otherImm, otherChain := c.buildImmediateAndChain(meet, c.initialOtherHeads)

	return divergedSinceRelation(meet, subjectImm, otherImm, subjectChain, otherChain)
}

// buildChain constructs the forward (older->newer) topological replay from
// other's current members (the meet, in the StrictDescends case) to
// subject's original heads.
func (c *comparison) buildChain() []causal.EventId {
	meetSet := make(map[causal.EventId]struct{})
	for id := range c.originalOtherHeads {
		meetSet[id] = struct{}{}
	}
	return c.topoSortReachable(meetSet, c.initialSubjectHeads)
}

func (c *comparison) buildImmediateAndChain(meet, heads []causal.EventId) ([]causal.EventId, []causal.EventId) {
	meetSet := make(map[causal.EventId]struct{}, len(meet))
	for _, id := range meet {
		meetSet[id] = struct{}{}
	}
	chain := c.topoSortReachable(meetSet, heads)

	imm := make([]causal.EventId, 0)
	for _, id := range chain {
		for _, p := range c.parentsByID[id] {
			if _, ok := meetSet[p]; ok {
				imm = addOrigin(imm, id)
			}
		}
	}
	sort.Slice(imm, func(i, j int) bool { return imm[i].Less(imm[j]) })
	return imm, chain
}

// topoSortReachable returns, in causal order (parent before child), every
// cached event reachable from heads without passing through boundary.
func (c *comparison) topoSortReachable(boundary map[causal.EventId]struct{}, heads []causal.EventId) []causal.EventId {
	reachable := make(map[causal.EventId]struct{})
	stack := append([]causal.EventId(nil), heads...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, isBoundary := boundary[id]; isBoundary {
			continue
		}
		if _, already := reachable[id]; already {
			continue
		}
		if _, known := c.eventsByID[id]; !known {
			continue
		}
		reachable[id] = struct{}{}
		for _, p := range c.parentsByID[id] {
			stack = append(stack, p)
		}
	}

	inDegree := make(map[causal.EventId]int, len(reachable))
	children := make(map[causal.EventId][]causal.EventId, len(reachable))
	for id := range reachable {
		inDegree[id] = 0
	}
	for id := range reachable {
		for _, p := range c.parentsByID[id] {
			if _, ok := reachable[p]; ok {
				inDegree[id]++
				children[p] = append(children[p], id)
			}
		}
	}

	queue := make([]causal.EventId, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i].Less(queue[j]) })

	result := make([]causal.EventId, 0, len(reachable))
	for len(queue) > 0 {
		sort.Slice(queue, func(i, j int) bool { return queue[i].Less(queue[j]) })
		id := queue[0]
		queue = queue[1:]
		result = append(result, id)
		for _, child := range children[id] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	return result
}

func sortedKeys(m map[causal.EventId]struct{}) []causal.EventId {
	out := make([]causal.EventId, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Result bundles a Relation with the event cache and original head sets
// accumulated while reaching it, so callers that need a ForwardView
// (StrictDescends, DivergedSince) don't have to re-fetch events already in
// hand.
type Result struct {
	Relation     Relation
	Events       map[causal.EventId]causal.Event
	SubjectHeads []causal.EventId
	OtherHeads   []causal.EventId
}

// ForwardView builds the ReadySet-layered replay for this result's
// relation. Only meaningful for StrictDescends and DivergedSince; other
// relation kinds yield an empty ForwardView.
func (r Result) ForwardView() ForwardView {
	switch r.Relation.Kind {
	case StrictDescends:
		return BuildForwardView(r.OtherHeads, r.SubjectHeads, r.OtherHeads, r.Events)
	case DivergedSince:
		return BuildForwardView(r.Relation.Meet, r.SubjectHeads, r.OtherHeads, r.Events)
	default:
		return ForwardView{}
	}
}

// runToConclusion drives a single comparison to a definite Relation (which
// may itself be BudgetExceeded).
func runToConclusion(ctx context.Context, c *comparison) (Result, error) {
	for {
		rel, err := c.step(ctx)
		if err != nil {
			return Result{}, err
		}
		if rel != nil {
			return Result{
				Relation:     *rel,
				Events:       c.eventsByID,
				SubjectHeads: c.initialSubjectHeads,
				OtherHeads:   c.initialOtherHeads,
			}, nil
		}
	}
}

// Compare classifies (subject, other) per spec.md §4.1.2. On BudgetExceeded
// it retries once at 4x the originally requested budget (§4.1.4); terminal
// failure propagates the frontiers from that escalated attempt unchanged.
func Compare(ctx context.Context, source causal.EventSource, subject, other causal.Clock, budget int) (Result, error) {
	if subject.Equal(other) {
		return Result{Relation: equalRelation()}, nil
	}

	result, err := runToConclusion(ctx, newComparison(source, subject, other, budget))
	if err != nil {
		return Result{}, err
	}
	if result.Relation.Kind != BudgetExceeded {
		return result, nil
	}

	return runToConclusion(ctx, newComparison(source, subject, other, budget*maxBudgetMultiplier))
}

// CompareUnstoredEvent compares an event not yet in storage against other,
// per spec.md §4.1.3, by comparing the event's parent clock and remapping
// the result to account for the event itself.
func CompareUnstoredEvent(ctx context.Context, source causal.EventSource, event causal.Event, other causal.Clock, budget int) (Result, error) {
	id := event.Id()
	if other.Contains(id) {
		return Result{Relation: equalRelation()}, nil
	}

	result, err := Compare(ctx, source, event.Parent, other, budget)
	if err != nil {
		return Result{}, err
	}
	// The event itself was not fetched through the comparator (it may not
	// be stored yet); fold it into the cache so ForwardView() can place it.
	events := result.Events
	if events == nil {
		events = make(map[causal.EventId]causal.Event)
	}
	events[id] = event

	subjectHeads := []causal.EventId{id}
	otherHeads := other.Members()

	switch result.Relation.Kind {
	case Equal:
		return Result{Relation: strictDescendsRelation([]causal.EventId{id}), Events: events, SubjectHeads: subjectHeads, OtherHeads: otherHeads}, nil
	case StrictDescends:
		chain := append(append([]causal.EventId(nil), result.Relation.Chain...), id)
		return Result{Relation: strictDescendsRelation(chain), Events: events, SubjectHeads: subjectHeads, OtherHeads: otherHeads}, nil
	case StrictAscends:
		// The incoming event extends from an older branch point; existing
		// tips in other must be treated as concurrent, not as successors.
		rel := divergedSinceRelation(
			event.Parent.Members(),
			[]causal.EventId{id},
			nil,
			[]causal.EventId{id},
			nil,
		)
		return Result{Relation: rel, Events: events, SubjectHeads: subjectHeads, OtherHeads: otherHeads}, nil
	case DivergedSince:
		subjectChain := append(append([]causal.EventId(nil), result.Relation.SubjectChain...), id)
		rel := divergedSinceRelation(
			result.Relation.Meet,
			result.Relation.SubjectImmediate,
			result.Relation.OtherImmediate,
			subjectChain,
			result.Relation.OtherChain,
		)
		return Result{Relation: rel, Events: events, SubjectHeads: subjectHeads, OtherHeads: otherHeads}, nil
	default:
		return result, nil
	}
}
