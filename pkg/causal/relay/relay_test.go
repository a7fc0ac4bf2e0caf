package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"causalstore/pkg/causal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeSender is a MessageSender[string] whose PeerSubscribe behavior is
// controlled per-test via mode, and whose calls are counted for
// assertions about retry/no-retry behavior.
type fakeSender struct {
	mu             sync.Mutex
	mode           func(attempt int) error
	subscribeCalls int32
	unsubCalls     int32
}

func (f *fakeSender) PeerSubscribe(ctx context.Context, peer causal.EntityId, queryID causal.QueryId, collection causal.CollectionId, selection causal.Selection, contextData string) error {
	attempt := int(atomic.AddInt32(&f.subscribeCalls, 1))
	f.mu.Lock()
	mode := f.mode
	f.mu.Unlock()
	if mode == nil {
		return nil
	}
	return mode(attempt)
}

func (f *fakeSender) PeerUnsubscribe(ctx context.Context, peer causal.EntityId, queryID causal.QueryId) error {
	atomic.AddInt32(&f.unsubCalls, 1)
	return nil
}

func (f *fakeSender) setMode(mode func(attempt int) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = mode
}

func newTestRelay(t *testing.T) (*Relay[string], *fakeSender) {
	t.Helper()
	r := New[string]()
	sender := &fakeSender{}
	require.NoError(t, r.SetMessageSender(sender))
	return r, sender
}

func stateOf(t *testing.T, r *Relay[string], queryID causal.QueryId) State {
	t.Helper()
	s, ok := r.Status(queryID)
	require.True(t, ok)
	return s
}

func TestSetMessageSenderRejectsSecondCall(t *testing.T) {
	r := New[string]()
	require.NoError(t, r.SetMessageSender(&fakeSender{}))
	assert.Error(t, r.SetMessageSender(&fakeSender{}))
}

func TestSubscribeWithNoPeerStaysPendingRemote(t *testing.T) {
	r, _ := newTestRelay(t)
	queryID := causal.NewQueryId()

	r.SubscribeQuery(queryID, "album", causal.Selection{Predicate: causal.True()}, "ctx-a", 1)

	state := stateOf(t, r, queryID)
	assert.True(t, state.IsPendingRemote())
	assert.Equal(t, 1, state.Version)
}

func TestPeerConnectEstablishesPendingSubscription(t *testing.T) {
	r, sender := newTestRelay(t)
	sender.setMode(func(attempt int) error { return nil })

	queryID := causal.NewQueryId()
	r.SubscribeQuery(queryID, "album", causal.Selection{Predicate: causal.True()}, "ctx-a", 1)

	peer := causal.NewEntityId()
	r.NotifyPeerConnected(peer)

	assert.Eventually(t, func() bool {
		return stateOf(t, r, queryID).IsEstablished()
	}, waitFor, tick)

	state := stateOf(t, r, queryID)
	assert.Equal(t, peer, state.Peer)
	assert.Equal(t, 1, state.Version)
}

func TestPeerDisconnectOrphansEstablishedSubscription(t *testing.T) {
	r, sender := newTestRelay(t)
	sender.setMode(func(attempt int) error { return nil })

	queryID := causal.NewQueryId()
	r.SubscribeQuery(queryID, "album", causal.Selection{Predicate: causal.True()}, "ctx-a", 1)

	peer := causal.NewEntityId()
	r.NotifyPeerConnected(peer)
	require.Eventually(t, func() bool { return stateOf(t, r, queryID).IsEstablished() }, waitFor, tick)

	r.NotifyPeerDisconnected(peer)

	state := stateOf(t, r, queryID)
	assert.True(t, state.IsPendingRemote())
}

func TestRetryableErrorReturnsToPendingRemote(t *testing.T) {
	r, sender := newTestRelay(t)
	sender.setMode(func(attempt int) error {
		return &causal.ConnectionLostError{BaseError: causal.BaseError{Op: "test", Err: fmt.Errorf("connection lost")}}
	})

	queryID := causal.NewQueryId()
	r.SubscribeQuery(queryID, "album", causal.Selection{Predicate: causal.True()}, "ctx-a", 1)
	r.NotifyPeerConnected(causal.NewEntityId())

	assert.Eventually(t, func() bool {
		return stateOf(t, r, queryID).IsPendingRemote()
	}, waitFor, tick)
}

func TestTerminalErrorGoesToFailedAndDoesNotAutoRetry(t *testing.T) {
	r, sender := newTestRelay(t)
	sender.setMode(func(attempt int) error {
		return &causal.ServerError{BaseError: causal.BaseError{Op: "test", Err: fmt.Errorf("rejected")}, Payload: "bad predicate"}
	})

	queryID := causal.NewQueryId()
	r.SubscribeQuery(queryID, "album", causal.Selection{Predicate: causal.True()}, "ctx-a", 1)
	r.NotifyPeerConnected(causal.NewEntityId())

	assert.Eventually(t, func() bool {
		return stateOf(t, r, queryID).IsFailed()
	}, waitFor, tick)

	callsAfterFailure := atomic.LoadInt32(&sender.subscribeCalls)

	// A further peer-connect setup pass must not retry a Failed record.
	r.NotifyPeerConnected(causal.NewEntityId())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, callsAfterFailure, atomic.LoadInt32(&sender.subscribeCalls))
	assert.True(t, stateOf(t, r, queryID).IsFailed())
}

func TestUpdateQueryOnEstablishedCyclesThroughPendingUpdate(t *testing.T) {
	r, sender := newTestRelay(t)
	sender.setMode(func(attempt int) error { return nil })

	queryID := causal.NewQueryId()
	r.SubscribeQuery(queryID, "album", causal.Selection{Predicate: causal.True()}, "ctx-a", 1)
	peer := causal.NewEntityId()
	r.NotifyPeerConnected(peer)
	require.Eventually(t, func() bool { return stateOf(t, r, queryID).IsEstablished() }, waitFor, tick)

	newSelection := causal.Selection{Predicate: causal.True(), Limit: intPtr(10)}
	r.UpdateQuery(queryID, newSelection, 2)

	assert.Eventually(t, func() bool {
		s := stateOf(t, r, queryID)
		return s.IsEstablished() && s.Version == 2
	}, waitFor, tick)

	state := stateOf(t, r, queryID)
	assert.Equal(t, peer, state.Peer, "update re-targets the already-established peer, not a newly chosen one")
}

func TestUnsubscribeFiresBestEffortUnsubscribeAndRemovesRecord(t *testing.T) {
	r, sender := newTestRelay(t)
	sender.setMode(func(attempt int) error { return nil })

	queryID := causal.NewQueryId()
	r.SubscribeQuery(queryID, "album", causal.Selection{Predicate: causal.True()}, "ctx-a", 1)
	r.NotifyPeerConnected(causal.NewEntityId())
	require.Eventually(t, func() bool { return stateOf(t, r, queryID).IsEstablished() }, waitFor, tick)

	r.Unsubscribe(queryID)

	_, ok := r.Status(queryID)
	assert.False(t, ok)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&sender.unsubCalls) == 1 }, waitFor, tick)
}

func TestContextsForPeerDedupesByContextValue(t *testing.T) {
	r, sender := newTestRelay(t)
	sender.setMode(func(attempt int) error { return nil })

	peer := causal.NewEntityId()
	q1, q2 := causal.NewQueryId(), causal.NewQueryId()
	r.SubscribeQuery(q1, "album", causal.Selection{Predicate: causal.True()}, "shared-ctx", 1)
	r.SubscribeQuery(q2, "track", causal.Selection{Predicate: causal.True()}, "shared-ctx", 1)
	r.NotifyPeerConnected(peer)

	require.Eventually(t, func() bool {
		return stateOf(t, r, q1).IsEstablished() && stateOf(t, r, q2).IsEstablished()
	}, waitFor, tick)

	contexts := r.ContextsForPeer(peer)
	assert.Equal(t, []string{"shared-ctx"}, contexts)
}

func intPtr(v int) *int { return &v }
