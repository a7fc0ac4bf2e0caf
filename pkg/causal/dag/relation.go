// Package dag implements the causal comparator: classifying the
// relationship between two Clocks by walking an entity's event DAG
// backward from both sides simultaneously.
package dag

import "causalstore/pkg/causal"

// RelationKind tags the Relation sum type of spec.md §4.1.1.
type RelationKind int

const (
	Equal RelationKind = iota
	StrictDescends
	StrictAscends
	DivergedSince
	Disjoint
	BudgetExceeded
)

func (k RelationKind) String() string {
	switch k {
	case Equal:
		return "Equal"
	case StrictDescends:
		return "StrictDescends"
	case StrictAscends:
		return "StrictAscends"
	case DivergedSince:
		return "DivergedSince"
	case Disjoint:
		return "Disjoint"
	case BudgetExceeded:
		return "BudgetExceeded"
	default:
		return "Unknown"
	}
}

// Relation is the comparator's verdict on (subject, other). Represented as
// a tagged struct rather than one type per variant; only the fields
// relevant to Kind are populated.
type Relation struct {
	Kind RelationKind

	// StrictDescends: forward (older->newer) replay of events needed to
	// advance other to subject.
	Chain []causal.EventId

	// DivergedSince: minimal common ancestors and the immediate children
	// of the meet on each side, plus forward replays from meet to each
	// side's tips.
	Meet             []causal.EventId
	SubjectImmediate []causal.EventId
	OtherImmediate   []causal.EventId
	SubjectChain     []causal.EventId
	OtherChain       []causal.EventId

	// Disjoint: proven-different genesis roots. HasGCA distinguishes "no
	// common ancestor at all" (false) from "a GCA was found but the
	// traversal still concluded Disjoint" (true, GCA populated).
	HasGCA      bool
	GCA         []causal.EventId
	SubjectRoot causal.EventId
	OtherRoot   causal.EventId

	// BudgetExceeded: the partially-explored frontiers, so the caller can
	// resume with a larger budget.
	SubjectFrontier []causal.EventId
	OtherFrontier   []causal.EventId
}

func equalRelation() Relation { return Relation{Kind: Equal} }

func strictDescendsRelation(chain []causal.EventId) Relation {
	return Relation{Kind: StrictDescends, Chain: chain}
}

func strictAscendsRelation() Relation { return Relation{Kind: StrictAscends} }

func divergedSinceRelation(meet, subjectImm, otherImm, subjectChain, otherChain []causal.EventId) Relation {
	return Relation{
		Kind:             DivergedSince,
		Meet:             meet,
		SubjectImmediate: subjectImm,
		OtherImmediate:   otherImm,
		SubjectChain:     subjectChain,
		OtherChain:       otherChain,
	}
}

func disjointRelation(hasGCA bool, gca []causal.EventId, subjectRoot, otherRoot causal.EventId) Relation {
	return Relation{Kind: Disjoint, HasGCA: hasGCA, GCA: gca, SubjectRoot: subjectRoot, OtherRoot: otherRoot}
}

func budgetExceededRelation(subjectFrontier, otherFrontier []causal.EventId) Relation {
	return Relation{Kind: BudgetExceeded, SubjectFrontier: subjectFrontier, OtherFrontier: otherFrontier}
}
