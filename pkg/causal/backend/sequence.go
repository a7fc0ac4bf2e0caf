package backend

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"

	"causalstore/pkg/causal"
)

// SequenceName is the backend name used for ordered-list properties
// resolved by a replicated-growable-array (RGA) style sequence CRDT.
const SequenceName = "sequence"

// ElementID identifies one sequence element by the event that inserted it,
// which also serves as its RGA tiebreak key.
type ElementID = causal.EventId

type seqElement struct {
	ID        ElementID
	After     ElementID // zero value means "at the head"
	Value     causal.Value
	Tombstone bool
}

type seqInsertOp struct {
	ID    ElementID
	After ElementID
	Value causal.Value
}

type seqDeleteOp struct {
	ID ElementID
}

// seqOp is a tagged envelope so ApplyOps can distinguish insert from
// delete without a second operation-set channel.
type seqOp struct {
	IsDelete bool
	Insert   seqInsertOp
	Delete   seqDeleteOp
}

func init() {
	gob.Register(seqOp{})
	gob.Register(seqElement{})
}

// EncodeSequenceInsert builds a raw operation blob inserting value
// immediately after the element identified by after (the zero EventId
// means "insert at the head").
func EncodeSequenceInsert(id ElementID, after ElementID, value causal.Value) ([]byte, error) {
	op := seqOp{Insert: seqInsertOp{ID: id, After: after, Value: value}}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(op); err != nil {
		return nil, fmt.Errorf("sequence: encode insert: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeSequenceDelete builds a raw operation blob tombstoning id.
func EncodeSequenceDelete(id ElementID) ([]byte, error) {
	op := seqOp{IsDelete: true, Delete: seqDeleteOp{ID: id}}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(op); err != nil {
		return nil, fmt.Errorf("sequence: encode delete: %w", err)
	}
	return buf.Bytes(), nil
}

// Sequence is an RGA-style ordered list: each element is anchored after a
// predecessor (or the head), and concurrent insertions at the same anchor
// are ordered deterministically by descending ElementID.
type Sequence struct {
	elements map[ElementID]*seqElement
	children map[ElementID][]ElementID // After -> inserted-after-it, in ElementID-descending order
}

func NewSequence() *Sequence {
	return &Sequence{
		elements: make(map[ElementID]*seqElement),
		children: make(map[ElementID][]ElementID),
	}
}

func (s *Sequence) insertChild(after, id ElementID) {
	siblings := s.children[after]
	idx := 0
	for idx < len(siblings) && id.Less(siblings[idx]) {
		idx++
	}
	siblings = append(siblings, ElementID{})
	copy(siblings[idx+1:], siblings[idx:])
	siblings[idx] = id
	s.children[after] = siblings
}

func (s *Sequence) applyInsert(op seqInsertOp) {
	if _, exists := s.elements[op.ID]; exists {
		return
	}
	s.elements[op.ID] = &seqElement{ID: op.ID, After: op.After, Value: op.Value}
	s.insertChild(op.After, op.ID)
}

func (s *Sequence) applyDelete(op seqDeleteOp) {
	if el, ok := s.elements[op.ID]; ok {
		el.Tombstone = true
	}
}

func (s *Sequence) ApplyOps(ops [][]byte) error {
	for _, raw := range ops {
		var op seqOp
		dec := gob.NewDecoder(bytes.NewReader(raw))
		if err := dec.Decode(&op); err != nil {
			return fmt.Errorf("sequence: decode op: %w", err)
		}
		if op.IsDelete {
			s.applyDelete(op.Delete)
		} else {
			s.applyInsert(op.Insert)
		}
	}
	return nil
}

type sequenceState struct {
	Elements []seqElement
}

// MergeState folds another Sequence instance's serialized elements into
// this one: new elements are inserted via the same RGA anchor rule;
// existing elements' tombstone status is OR'd (a delete observed by either
// side wins).
func (s *Sequence) MergeState(buf []byte) error {
	var state sequenceState
	dec := gob.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(&state); err != nil {
		return fmt.Errorf("sequence: decode state: %w", err)
	}
	for _, incoming := range state.Elements {
		existing, ok := s.elements[incoming.ID]
		if !ok {
			s.elements[incoming.ID] = &seqElement{ID: incoming.ID, After: incoming.After, Value: incoming.Value, Tombstone: incoming.Tombstone}
			s.insertChild(incoming.After, incoming.ID)
			continue
		}
		if incoming.Tombstone {
			existing.Tombstone = true
		}
	}
	return nil
}

func (s *Sequence) EmitState() ([]byte, error) {
	elements := make([]seqElement, 0, len(s.elements))
	for _, el := range s.elements {
		elements = append(elements, *el)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(sequenceState{Elements: elements}); err != nil {
		return nil, fmt.Errorf("sequence: encode state: %w", err)
	}
	return buf.Bytes(), nil
}

// Values returns the live (non-tombstoned) elements in sequence order via
// a depth-first walk of the anchor tree rooted at the head.
func (s *Sequence) Values() []causal.Value {
	var out []causal.Value
	var walk func(anchor ElementID)
	walk = func(anchor ElementID) {
		for _, id := range s.children[anchor] {
			if el := s.elements[id]; el != nil && !el.Tombstone {
				out = append(out, el.Value)
			}
			walk(id)
		}
	}
	walk(ElementID{})
	return out
}

// PropertyValues exposes the materialized sequence as a single JSON-typed
// property under the conventional name "items", so the filter engine's
// JSON-path evaluator can index into it like any other JSON property;
// callers that need the individual typed elements should use Values
// directly instead.
func (s *Sequence) PropertyValues() map[string]causal.Value {
	encoded, err := encodeValuesAsJSON(s.Values())
	if err != nil {
		// Every Value kind this backend can store (set via EncodeSequenceInsert)
		// is JSON-representable; a marshal failure here would mean a caller
		// stored an unsupported Value kind, which ApplyOps cannot detect
		// ahead of time. Fall back to an empty list rather than panicking.
		encoded = []byte("[]")
	}
	return map[string]causal.Value{"items": causal.JSONValue(encoded)}
}

// encodeValuesAsJSON renders a value list as a JSON array, widening each
// causal.Value to its natural JSON representation.
func encodeValuesAsJSON(values []causal.Value) ([]byte, error) {
	rendered := make([]any, len(values))
	for i, v := range values {
		switch v.Kind {
		case causal.ValueTypeString:
			rendered[i] = v.Str
		case causal.ValueTypeI16, causal.ValueTypeI32, causal.ValueTypeI64:
			rendered[i] = v.I
		case causal.ValueTypeF64:
			rendered[i] = v.F
		case causal.ValueTypeBool:
			rendered[i] = v.B
		case causal.ValueTypeEntityId:
			rendered[i] = v.EntityId.String()
		case causal.ValueTypeJSON:
			var decoded any
			if err := json.Unmarshal(v.Bytes, &decoded); err != nil {
				return nil, fmt.Errorf("sequence: element %d: %w", i, err)
			}
			rendered[i] = decoded
		default:
			rendered[i] = string(v.Bytes)
		}
	}
	return json.Marshal(rendered)
}
