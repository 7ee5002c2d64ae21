package membership

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/host/eventbus"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-collab/codec"
	"github.com/spacemeshos/go-collab/log/logtest"
	"github.com/spacemeshos/go-collab/overlay"
	"github.com/spacemeshos/go-collab/ring"
)

func genPeers(tb testing.TB, n int) []peer.ID {
	tb.Helper()
	ids := make([]peer.ID, 0, n)
	for range n {
		_, pub, err := crypto.GenerateEd25519Key(nil)
		require.NoError(tb, err)
		id, err := peer.IDFromPublicKey(pub)
		require.NoError(tb, err)
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// network delivers published messages to every other member synchronously.
type network struct {
	mu      sync.Mutex
	members map[peer.ID]*Membership
	sent    []Kind
}

func (n *network) publisher(from peer.ID) Publisher {
	return PublisherFunc(func(_ context.Context, msg *Message) error {
		buf, err := codec.Encode(msg)
		if err != nil {
			return err
		}
		n.mu.Lock()
		n.sent = append(n.sent, msg.Kind)
		members := make([]*Membership, 0, len(n.members))
		for id, m := range n.members {
			if id != from {
				members = append(members, m)
			}
		}
		n.mu.Unlock()
		for _, m := range members {
			var received Message
			if err := codec.Decode(buf, &received); err != nil {
				return err
			}
			if err := m.HandleGossip(from, &received); err != nil {
				return err
			}
		}
		return nil
	})
}

func (n *network) kinds() []Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.sent)
}

type member struct {
	*Membership
	id    peer.ID
	addrs []ma.Multiaddr
	ring  *overlay.Ring
	bus   event.Bus
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FullRate = 0
	return cfg
}

func newMember(tb testing.TB, net *network, id peer.ID, port int, opts ...Opt) *member {
	tb.Helper()
	m := &member{
		id:    id,
		addrs: []ma.Multiaddr{ma.StringCast(fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", port))},
		ring:  ring.New[peer.AddrInfo](),
		bus:   eventbus.NewBus(),
	}
	opts = append([]Opt{
		WithLogger(logtest.New(tb)),
		WithConfig(testConfig()),
		WithClock(clockwork.NewFakeClock()),
	}, opts...)
	var err error
	m.Membership, err = New("doc", id, func() []ma.Multiaddr { return m.addrs }, m.ring, m.bus, net.publisher(id), opts...)
	require.NoError(tb, err)
	tb.Cleanup(m.Close)
	net.mu.Lock()
	if net.members == nil {
		net.members = map[peer.ID]*Membership{}
	}
	net.members[id] = m.Membership
	net.mu.Unlock()
	return m
}

func newCluster(tb testing.TB, n int) (*network, []*member) {
	net := &network{}
	members := make([]*member, 0, n)
	for i, id := range genPeers(tb, n) {
		members = append(members, newMember(tb, net, id, 7000+i))
	}
	return net, members
}

func converged(members []*member) bool {
	for _, m := range members[1:] {
		if m.Hash() != members[0].Hash() || m.NeedsUrgentBroadcast() {
			return false
		}
	}
	return len(members[0].Peers()) == len(members) && !members[0].NeedsUrgentBroadcast()
}

func gossipUntilConverged(tb testing.TB, members []*member, rounds int) {
	tb.Helper()
	for range rounds {
		for _, m := range members {
			require.NoError(tb, m.GossipNow(context.Background()))
		}
		if converged(members) {
			return
		}
	}
	require.FailNow(tb, "membership didn't converge", "after %d rounds", rounds)
}

func subscribe(tb testing.TB, bus event.Bus, evts ...any) event.Subscription {
	tb.Helper()
	sub, err := bus.Subscribe(evts, eventbus.BufSize(64))
	require.NoError(tb, err)
	tb.Cleanup(func() { sub.Close() })
	return sub
}

func next(tb testing.TB, sub event.Subscription) any {
	tb.Helper()
	select {
	case evt := <-sub.Out():
		return evt
	case <-time.After(time.Second):
		require.FailNow(tb, "timed out waiting for event")
		return nil
	}
}

func TestConvergence(t *testing.T) {
	_, members := newCluster(t, 5)
	for _, m := range members {
		m.Announce()
		require.True(t, m.NeedsUrgentBroadcast())
	}
	gossipUntilConverged(t, members, 5)

	ids := make([]peer.ID, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.id)
	}
	for _, m := range members {
		require.Equal(t, ids, m.Peers())
		require.Equal(t, len(members), m.ring.Len())
		for _, other := range members {
			addrs, ok := m.Addrs(other.id)
			require.True(t, ok)
			require.Equal(t, other.addrs[0].String(), addrs[0].String())
		}
		for id, e := range m.State() {
			require.Equal(t, uint64(1), e.Version, "version of %s", id)
		}
	}
}

func TestSummaryOnlyWhenConverged(t *testing.T) {
	net, members := newCluster(t, 3)
	for _, m := range members {
		m.Announce()
	}
	gossipUntilConverged(t, members, 5)
	sent := len(net.kinds())
	for _, m := range members {
		require.NoError(t, m.GossipNow(context.Background()))
	}
	require.Equal(t, []Kind{Summary, Summary, Summary}, net.kinds()[sent:])
	require.True(t, converged(members))
}

func TestSummaryMismatch(t *testing.T) {
	net, members := newCluster(t, 2)
	a, b := members[0], members[1]
	b.Announce()
	gossipUntilConverged(t, members, 5)

	a.addrs = append(a.addrs, ma.StringCast("/ip4/10.0.0.1/tcp/7000"))
	require.True(t, a.NeedsUrgentBroadcast(), "stale own record")

	// a third party reports a hash that nobody has
	require.NoError(t, b.HandleGossip(genPeers(t, 1)[0], summaryMessage("doc", [32]byte{1})))
	require.True(t, b.NeedsUrgentBroadcast())

	sent := len(net.kinds())
	require.NoError(t, a.GossipNow(context.Background()))
	require.NoError(t, b.GossipNow(context.Background()))
	require.Equal(t, []Kind{Full, Full}, net.kinds()[sent:])
	require.True(t, converged(members))
	addrs, _ := b.Addrs(a.id)
	require.Len(t, addrs, 2)
	require.Equal(t, uint64(2), b.State()[a.id.String()].Version)
}

func TestMembershipEvents(t *testing.T) {
	_, members := newCluster(t, 2)
	a, b := members[0], members[1]
	sub := subscribe(t, a.bus, new(EvtPeerJoined), new(EvtPeerLeft), new(EvtAddressesChanged), new(EvtChanged))

	a.Announce()
	require.Equal(t, EvtPeerJoined{Collaboration: "doc", Peer: a.id, Addrs: a.addrs}, next(t, sub))
	require.Equal(t, EvtChanged{Collaboration: "doc", Members: 1}, next(t, sub))

	b.Announce()
	require.NoError(t, b.GossipNow(context.Background()))
	joined := next(t, sub).(EvtPeerJoined)
	require.Equal(t, b.id, joined.Peer)
	require.Equal(t, EvtChanged{Collaboration: "doc", Members: 2}, next(t, sub))
	require.True(t, a.ring.Has(overlay.Point(b.id)))

	b.addrs = []ma.Multiaddr{ma.StringCast("/ip4/10.0.0.2/tcp/7000")}
	require.NoError(t, b.GossipNow(context.Background()))
	changed := next(t, sub).(EvtAddressesChanged)
	require.Equal(t, b.id, changed.Peer)
	require.Equal(t, "/ip4/10.0.0.2/tcp/7000", changed.Addrs[0].String())
	require.Equal(t, EvtChanged{Collaboration: "doc", Members: 2}, next(t, sub))
	info, ok := a.ring.Get(overlay.Point(b.id))
	require.True(t, ok)
	require.Equal(t, b.addrs, info.Addrs)

	a.Evict(b.id)
	require.Equal(t, EvtPeerLeft{Collaboration: "doc", Peer: b.id}, next(t, sub))
	require.Equal(t, EvtChanged{Collaboration: "doc", Members: 1}, next(t, sub))
	require.False(t, a.ring.Has(overlay.Point(b.id)))
	require.Equal(t, []peer.ID{a.id}, a.Peers())

	a.Evict(b.id)
	a.Evict(a.id)
	select {
	case evt := <-sub.Out():
		require.FailNow(t, "unexpected event", "%v", evt)
	default:
	}
}

func TestEvictedPeerRestoresItself(t *testing.T) {
	_, members := newCluster(t, 2)
	a, b := members[0], members[1]
	for _, m := range members {
		m.Announce()
	}
	gossipUntilConverged(t, members, 5)

	a.Evict(b.id)
	require.True(t, a.NeedsUrgentBroadcast())
	require.NoError(t, a.GossipNow(context.Background()))
	require.True(t, b.NeedsUrgentBroadcast(), "b must correct the stale removal")
	require.Equal(t, uint64(3), b.State()[b.id.String()].Version)

	require.NoError(t, b.GossipNow(context.Background()))
	require.Equal(t, []peer.ID{a.id, b.id}, a.Peers())
	gossipUntilConverged(t, members, 3)
}

func TestEvictionsChannel(t *testing.T) {
	evicted := make(chan peer.ID)
	ids := genPeers(t, 2)
	self, other := ids[0], ids[1]
	m := newMember(t, &network{}, self, 7100, WithEvictions(evicted))
	require.NoError(t, m.HandleGossip(other, &Message{
		Collaboration: "doc",
		Kind:          Full,
		Type:          TypeName,
		Payload:       codec.MustEncode(State{other.String(): {Version: 1}}),
	}))
	require.Contains(t, m.Peers(), other)

	ctx, cancel := context.WithCancel(context.Background())
	var eg errgroup.Group
	eg.Go(func() error { return m.Run(ctx) })
	evicted <- other
	require.Eventually(t, func() bool {
		return !slices.Contains(m.Peers(), other)
	}, time.Second, time.Millisecond)
	require.Equal(t, []peer.ID{self}, m.Peers())
	cancel()
	require.NoError(t, eg.Wait())
}

func TestHandleGossipErrors(t *testing.T) {
	_, members := newCluster(t, 2)
	a, b := members[0], members[1]
	require.ErrorIs(t, a.HandleGossip(b.id, &Message{Type: "orset", Kind: Summary}), ErrUnexpectedType)
	require.ErrorIs(t, a.HandleGossip(b.id, &Message{Type: TypeName, Kind: Summary, Payload: []byte{1}}), ErrMalformedSummary)
	require.ErrorIs(t, a.HandleGossip(b.id, &Message{Type: TypeName, Kind: 7}), ErrUnknownKind)
	require.Error(t, a.HandleGossip(b.id, &Message{Type: TypeName, Kind: Full, Payload: []byte{0xff}}))

	// own messages are ignored
	require.NoError(t, a.HandleGossip(a.id, summaryMessage("doc", [32]byte{1})))
	require.False(t, a.someoneWrong)
}

func TestFullRateLimit(t *testing.T) {
	net := &network{}
	cfg := testConfig()
	cfg.FullRate = 0.001
	cfg.FullBurst = 1
	m := newMember(t, net, genPeers(t, 1)[0], 7000, WithConfig(cfg))
	m.Announce()
	require.NoError(t, m.GossipNow(context.Background()))
	require.NoError(t, m.HandleGossip(genPeers(t, 1)[0], summaryMessage("doc", [32]byte{1})))
	require.NoError(t, m.GossipNow(context.Background()))
	require.Equal(t, []Kind{Full, Summary}, net.kinds())
	require.True(t, m.NeedsUrgentBroadcast(), "urgency is kept until full table is sent")
}

func TestGossipPublishError(t *testing.T) {
	errPublish := errors.New("no peers")
	m, err := New("doc", genPeers(t, 1)[0],
		func() []ma.Multiaddr { return nil },
		ring.New[peer.AddrInfo](),
		eventbus.NewBus(),
		PublisherFunc(func(context.Context, *Message) error { return errPublish }),
	)
	require.NoError(t, err)
	defer m.Close()
	m.Announce()
	require.ErrorIs(t, m.GossipNow(context.Background()), errPublish)
	require.True(t, m.NeedsUrgentBroadcast())
}
