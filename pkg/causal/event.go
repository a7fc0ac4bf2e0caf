package causal

import (
	"bytes"
	"encoding/gob"
	"sort"
)

// OperationSet is a map from backend name to an ordered list of opaque
// operation blobs. Order matters only within a single backend's list.
type OperationSet map[string][][]byte

// Event is an immutable operation bag with a parent Clock. EventId is
// derived deterministically from its canonical encoding (Id()), so
// redelivery is detected by id equality rather than by deep comparison.
type Event struct {
	Collection CollectionId
	EntityId   EntityId
	Operations OperationSet
	Parent     Clock
}

// canonicalEncode produces a deterministic byte encoding of the event for
// content hashing: backend names sorted, operations in their given order,
// parent members sorted ascending.
func (e Event) canonicalEncode() []byte {
	var buf bytes.Buffer
	buf.WriteString(string(e.Collection))
	buf.Write(e.EntityId[:])

	names := make([]string, 0, len(e.Operations))
	for name := range e.Operations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		buf.WriteString(name)
		for _, op := range e.Operations[name] {
			buf.Write(op)
		}
	}
	for _, id := range e.Parent.Members() {
		buf.Write(id[:])
	}
	return buf.Bytes()
}

// Id computes this event's content-derived EventId.
func (e Event) Id() EventId { return DeriveEventId(e.canonicalEncode()) }

// IsGenesis reports whether this event has no parent (the root of an
// entity's DAG).
func (e Event) IsGenesis() bool { return e.Parent.Empty() }

func init() {
	// Register concrete types used behind interface{} in generic Attested
	// envelopes elsewhere in the module, so gob-based test fixtures and
	// in-memory storage adapters can round-trip them without per-call
	// registration.
	gob.Register(Event{})
}
