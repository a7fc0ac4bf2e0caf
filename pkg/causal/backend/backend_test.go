package backend

import (
	"testing"

	"causalstore/pkg/causal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryKnownNames(t *testing.T) {
	reg := NewRegistry()

	lww, err := reg.New(LWWName)
	require.NoError(t, err)
	assert.IsType(t, &LWW{}, lww)

	seq, err := reg.New(SequenceName)
	require.NoError(t, err)
	assert.IsType(t, &Sequence{}, seq)
}

func TestRegistryUnknownName(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.New("no-such-backend")
	require.Error(t, err)
	assert.True(t, causal.IsStorageError(err))
}

func eventID(b byte) causal.EventId {
	var id causal.EventId
	id[len(id)-1] = b
	return id
}

func TestLWWApplyOpsWithinBatchGreaterEventIdWins(t *testing.T) {
	l := NewLWW()
	op1, err := EncodeLWWSet("name", causal.StringValue("alice"), eventID(1))
	require.NoError(t, err)
	op2, err := EncodeLWWSet("name", causal.StringValue("bob"), eventID(2))
	require.NoError(t, err)

	require.NoError(t, l.ApplyOps([][]byte{op1, op2}))
	assert.Equal(t, causal.StringValue("bob"), l.PropertyValues()["name"])
}

func TestLWWApplyOpsOutOfOrderGreaterEventIdWins(t *testing.T) {
	l := NewLWW()
	op2, err := EncodeLWWSet("name", causal.StringValue("bob"), eventID(2))
	require.NoError(t, err)
	op1, err := EncodeLWWSet("name", causal.StringValue("alice"), eventID(1))
	require.NoError(t, err)

	// Apply the higher EventId first; the lower one must not overwrite it.
	require.NoError(t, l.ApplyOps([][]byte{op2}))
	require.NoError(t, l.ApplyOps([][]byte{op1}))
	assert.Equal(t, causal.StringValue("bob"), l.PropertyValues()["name"])
}

func TestLWWMergeStateConvergesRegardlessOfOrder(t *testing.T) {
	a := NewLWW()
	b := NewLWW()

	opA, err := EncodeLWWSet("color", causal.StringValue("red"), eventID(1))
	require.NoError(t, err)
	opB, err := EncodeLWWSet("color", causal.StringValue("blue"), eventID(2))
	require.NoError(t, err)

	require.NoError(t, a.ApplyOps([][]byte{opA}))
	require.NoError(t, b.ApplyOps([][]byte{opB}))

	stateB, err := b.EmitState()
	require.NoError(t, err)
	stateA, err := a.EmitState()
	require.NoError(t, err)

	require.NoError(t, a.MergeState(stateB))
	require.NoError(t, b.MergeState(stateA))

	assert.Equal(t, a.PropertyValues()["color"], b.PropertyValues()["color"])
	assert.Equal(t, causal.StringValue("blue"), a.PropertyValues()["color"])
}

func TestLWWEmitStateRoundTrip(t *testing.T) {
	a := NewLWW()
	op, err := EncodeLWWSet("title", causal.StringValue("widget"), eventID(1))
	require.NoError(t, err)
	require.NoError(t, a.ApplyOps([][]byte{op}))

	buf, err := a.EmitState()
	require.NoError(t, err)

	b := NewLWW()
	require.NoError(t, b.MergeState(buf))
	assert.Equal(t, a.PropertyValues(), b.PropertyValues())
}

func TestSequenceInsertOrderAtHead(t *testing.T) {
	s := NewSequence()

	insFirst, err := EncodeSequenceInsert(eventID(1), causal.EventId{}, causal.StringValue("first"))
	require.NoError(t, err)
	require.NoError(t, s.ApplyOps([][]byte{insFirst}))

	insSecond, err := EncodeSequenceInsert(eventID(2), eventID(1), causal.StringValue("second"))
	require.NoError(t, err)
	require.NoError(t, s.ApplyOps([][]byte{insSecond}))

	values := s.Values()
	require.Len(t, values, 2)
	assert.Equal(t, causal.StringValue("first"), values[0])
	assert.Equal(t, causal.StringValue("second"), values[1])
}

func TestSequenceConcurrentInsertsAtSameAnchorDeterministicOrder(t *testing.T) {
	s1 := NewSequence()
	s2 := NewSequence()

	root, err := EncodeSequenceInsert(eventID(1), causal.EventId{}, causal.StringValue("root"))
	require.NoError(t, err)
	concurrentA, err := EncodeSequenceInsert(eventID(2), eventID(1), causal.StringValue("a"))
	require.NoError(t, err)
	concurrentB, err := EncodeSequenceInsert(eventID(3), eventID(1), causal.StringValue("b"))
	require.NoError(t, err)

	// s1 sees a before b; s2 sees b before a. Both must converge to the
	// same final order (descending ElementID at a shared anchor).
	require.NoError(t, s1.ApplyOps([][]byte{root, concurrentA, concurrentB}))
	require.NoError(t, s2.ApplyOps([][]byte{root, concurrentB, concurrentA}))

	assert.Equal(t, s1.Values(), s2.Values())
	require.Len(t, s1.Values(), 3)
	assert.Equal(t, causal.StringValue("root"), s1.Values()[0])
}

func TestSequenceDeleteTombstonesWithoutRemovingOrder(t *testing.T) {
	s := NewSequence()

	insA, err := EncodeSequenceInsert(eventID(1), causal.EventId{}, causal.StringValue("a"))
	require.NoError(t, err)
	insB, err := EncodeSequenceInsert(eventID(2), eventID(1), causal.StringValue("b"))
	require.NoError(t, err)
	del, err := EncodeSequenceDelete(eventID(1))
	require.NoError(t, err)

	require.NoError(t, s.ApplyOps([][]byte{insA, insB, del}))

	values := s.Values()
	require.Len(t, values, 1)
	assert.Equal(t, causal.StringValue("b"), values[0])
}

func TestSequenceMergeStateFoldsTombstones(t *testing.T) {
	a := NewSequence()
	b := NewSequence()

	insA, err := EncodeSequenceInsert(eventID(1), causal.EventId{}, causal.StringValue("a"))
	require.NoError(t, err)
	require.NoError(t, a.ApplyOps([][]byte{insA}))
	require.NoError(t, b.ApplyOps([][]byte{insA}))

	del, err := EncodeSequenceDelete(eventID(1))
	require.NoError(t, err)
	require.NoError(t, a.ApplyOps([][]byte{del}))

	stateA, err := a.EmitState()
	require.NoError(t, err)
	require.NoError(t, b.MergeState(stateA))

	assert.Empty(t, b.Values())
}
