package replication

import (
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/host/eventbus"
	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-collab/log/logtest"
	"github.com/spacemeshos/go-collab/vclock"
)

type localClock struct {
	mu    sync.Mutex
	clock vclock.Clock
}

func (l *localClock) get() vclock.Clock {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clock.Clone()
}

func (l *localClock) set(c vclock.Clock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = c
}

func setup(tb testing.TB, evts ...any) (*Tracker, *localClock, event.Subscription) {
	tb.Helper()
	bus := eventbus.NewBus()
	sub, err := bus.Subscribe(evts, eventbus.BufSize(16))
	require.NoError(tb, err)
	tb.Cleanup(func() { sub.Close() })
	local := &localClock{clock: vclock.New()}
	tracker, err := New(bus, "doc", local.get, WithLogger(logtest.New(tb)))
	require.NoError(tb, err)
	tb.Cleanup(tracker.Close)
	return tracker, local, sub
}

func next(tb testing.TB, sub event.Subscription) any {
	tb.Helper()
	select {
	case evt := <-sub.Out():
		return evt
	case <-time.After(time.Second):
		require.FailNow(tb, "timed out waiting for event")
	}
	return nil
}

func empty(tb testing.TB, sub event.Subscription) {
	tb.Helper()
	select {
	case evt := <-sub.Out():
		require.FailNow(tb, "unexpected event", "%v", evt)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestReplicated(t *testing.T) {
	tracker, local, sub := setup(t, new(EvtReplicated), new(EvtPinned))
	id := peer.ID("remote")

	tracker.Sent(id, vclock.Clock{"a": 1}, false)
	empty(t, sub)

	local.set(vclock.Clock{"self": 2})
	tracker.Sent(id, vclock.Clock{"self": 1}, false)
	empty(t, sub)

	tracker.Sent(id, vclock.Clock{"self": 2, "remote": 5}, false)
	require.Equal(t, EvtReplicated{Collaboration: "doc", Peer: id, Clock: vclock.Clock{"self": 2}}, next(t, sub))

	tracker.Sent(id, vclock.Clock{"self": 2, "remote": 6}, false)
	empty(t, sub)

	local.set(vclock.Clock{"self": 3})
	tracker.Sent(id, vclock.Clock{"self": 3}, true)
	require.Equal(t, EvtPinned{Collaboration: "doc", Peer: id, Clock: vclock.Clock{"self": 3}}, next(t, sub))
}

func TestReceived(t *testing.T) {
	tracker, local, sub := setup(t, new(EvtReceived), new(EvtReceiving))
	id := peer.ID("remote")

	tracker.Receiving(id, vclock.Clock{})
	empty(t, sub)

	tracker.Receiving(id, vclock.Clock{"remote": 1})
	require.Equal(t, EvtReceiving{Collaboration: "doc", Peer: id, Clock: vclock.Clock{"remote": 1}}, next(t, sub))
	tracker.Receiving(id, vclock.Clock{"remote": 1})
	empty(t, sub)

	local.set(vclock.Clock{"remote": 1})
	tracker.Received(id, vclock.Clock{"remote": 1})
	require.Equal(t, EvtReceived{Collaboration: "doc", Peer: id, Clock: vclock.Clock{"remote": 1}}, next(t, sub))
	tracker.Received(id, vclock.Clock{"remote": 1})
	empty(t, sub)

	tracker.Forget(id)
	tracker.Received(id, vclock.Clock{"remote": 1})
	require.IsType(t, EvtReceived{}, next(t, sub))
}

func TestSending(t *testing.T) {
	tracker, _, sub := setup(t, new(EvtSending))
	id := peer.ID("remote")
	tracker.Sending(id, vclock.Clock{"self": 1})
	require.Equal(t, EvtSending{Collaboration: "doc", Peer: id, Clock: vclock.Clock{"self": 1}}, next(t, sub))
	tracker.Sending(id, vclock.Clock{"self": 1})
	empty(t, sub)
	tracker.Sending(peer.ID("other"), vclock.Clock{"self": 1})
	require.Equal(t, peer.ID("other"), next(t, sub).(EvtSending).Peer)
}
