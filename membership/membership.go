// Package membership keeps the table of peers participating in a
// collaboration, gossips it and feeds the overlay ring.
//
// Most of the time only a hash of the table is gossiped. A peer that receives
// a hash different from its own, or that changed its own record, broadcasts
// the full table next. Tables are merged as a crdt, so every peer ends up with
// the same set of members.
package membership

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/spacemeshos/go-collab/codec"
	"github.com/spacemeshos/go-collab/hash"
	"github.com/spacemeshos/go-collab/log"
	"github.com/spacemeshos/go-collab/overlay"
)

var (
	// ErrUnexpectedType is returned for gossip of other crdt types.
	ErrUnexpectedType = errors.New("membership: unexpected crdt type")
	// ErrUnknownKind is returned for gossip with unknown payload kind.
	ErrUnknownKind = errors.New("membership: unknown payload kind")
	// ErrMalformedSummary is returned when a summary is not a hash.
	ErrMalformedSummary = errors.New("membership: malformed summary")
)

// EvtPeerJoined is emitted when a peer becomes a member.
type EvtPeerJoined struct {
	Collaboration string
	Peer          peer.ID
	Addrs         []ma.Multiaddr
}

// EvtPeerLeft is emitted when a peer is no longer a member.
type EvtPeerLeft struct {
	Collaboration string
	Peer          peer.ID
}

// EvtAddressesChanged is emitted when member addresses changed.
type EvtAddressesChanged struct {
	Collaboration string
	Peer          peer.ID
	Addrs         []ma.Multiaddr
}

// EvtChanged is emitted once per update that changed the set of members or
// their addresses.
type EvtChanged struct {
	Collaboration string
	Members       int
}

// Publisher broadcasts gossip to every peer of the app.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg *Message) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Config for Membership.
type Config struct {
	Frequency FrequencyConfig `mapstructure:"frequency"`
	// FullRate limits full table broadcasts per second. A summary is sent
	// instead when the limit is exceeded. Zero disables the limit.
	FullRate float64 `mapstructure:"full-rate"`
	// FullBurst is the number of full broadcasts allowed at once.
	FullBurst int `mapstructure:"full-burst"`
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{
		Frequency: DefaultFrequencyConfig(),
		FullRate:  2,
		FullBurst: 4,
	}
}

// Opt modifies Membership.
type Opt func(*Membership)

// WithLogger sets logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(m *Membership) {
		m.logger = logger
	}
}

// WithConfig sets Config.
func WithConfig(cfg Config) Opt {
	return func(m *Membership) {
		m.cfg = cfg
	}
}

// WithClock sets clock for the gossip heuristic.
func WithClock(clock clockwork.Clock) Opt {
	return func(m *Membership) {
		m.clock = clock
	}
}

// WithInterested sets the source of the number of connected peers
// subscribed to gossip. Gossip is not sped up while it is zero.
func WithInterested(f func() int) Opt {
	return func(m *Membership) {
		m.interested = f
	}
}

// WithEvictions sets the channel of peers that must be removed from membership.
func WithEvictions(evicted <-chan peer.ID) Opt {
	return func(m *Membership) {
		m.evicted = evicted
	}
}

type emitters struct {
	joined, left, addrs, changed event.Emitter
}

func (e *emitters) close() {
	for _, em := range []event.Emitter{e.joined, e.left, e.addrs, e.changed} {
		if em != nil {
			em.Close()
		}
	}
}

// Membership of one collaboration.
type Membership struct {
	logger     *zap.Logger
	cfg        Config
	clock      clockwork.Clock
	name       string
	self       peer.ID
	addrs      func() []ma.Multiaddr
	ring       *overlay.Ring
	publisher  Publisher
	interested func() int
	evicted    <-chan peer.ID
	emitters   emitters
	freq       *frequency
	limiter    *rate.Limiter

	// publishing serializes gossip so that urgency is cleared by the
	// broadcast that carried the full table.
	publishing sync.Mutex

	mu           sync.Mutex
	state        State
	members      map[peer.ID][]ma.Multiaddr
	someoneWrong bool
	wrongSeq     uint64
}

// New creates Membership for the collaboration name. Members are kept in r.
// Events are emitted on bus.
func New(
	name string,
	self peer.ID,
	addrs func() []ma.Multiaddr,
	r *overlay.Ring,
	bus event.Bus,
	publisher Publisher,
	opts ...Opt,
) (*Membership, error) {
	m := &Membership{
		logger:     zap.NewNop(),
		cfg:        DefaultConfig(),
		clock:      clockwork.NewRealClock(),
		name:       name,
		self:       self,
		addrs:      addrs,
		ring:       r,
		publisher:  publisher,
		interested: func() int { return 1 },
		state:      State{},
		members:    map[peer.ID][]ma.Multiaddr{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("collab", name))
	m.limiter = rate.NewLimiter(rate.Inf, 0)
	if m.cfg.FullRate > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(m.cfg.FullRate), max(m.cfg.FullBurst, 1))
	}
	var err error
	for _, e := range []struct {
		evt any
		dst *event.Emitter
	}{
		{new(EvtPeerJoined), &m.emitters.joined},
		{new(EvtPeerLeft), &m.emitters.left},
		{new(EvtAddressesChanged), &m.emitters.addrs},
		{new(EvtChanged), &m.emitters.changed},
	} {
		*e.dst, err = bus.Emitter(e.evt)
		if err != nil {
			m.emitters.close()
			return nil, fmt.Errorf("emitter %T: %w", e.evt, err)
		}
	}
	m.freq = newFrequency(m.logger, m.cfg.Frequency, m.clock,
		m.swarmSize,
		m.NeedsUrgentBroadcast,
		m.interested,
		func(ctx context.Context) {
			if err := m.GossipNow(ctx); err != nil && ctx.Err() == nil {
				m.logger.Debug("failed to gossip", zap.Error(err))
			}
		},
	)
	return m, nil
}

func (m *Membership) swarmSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.members)
}

// Peers returns the sorted members including self.
func (m *Membership) Peers() []peer.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.members))
}

// Addrs returns the addresses of a member.
func (m *Membership) Addrs(id peer.ID) ([]ma.Multiaddr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs, ok := m.members[id]
	return slices.Clone(addrs), ok
}

// State returns a copy of the membership table.
func (m *Membership) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Hash of the membership table.
func (m *Membership) Hash() hash.Hash32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Hash()
}

// NeedsUrgentBroadcast is true if some peer was seen with a different table
// or the own record doesn't match own addresses.
func (m *Membership) NeedsUrgentBroadcast() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.someoneWrong || m.selfStale()
}

func (m *Membership) ownAddrs() []string {
	addrs := m.addrs()
	rst := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		rst = append(rst, addr.String())
	}
	slices.Sort(rst)
	return slices.Compact(rst)
}

// setWrong must be called with mu held.
func (m *Membership) setWrong() {
	m.someoneWrong = true
	m.wrongSeq++
}

// selfStale must be called with mu held.
func (m *Membership) selfStale() bool {
	e, exist := m.state[m.self.String()]
	return !exist || e.Left || !slices.Equal(e.Addrs, m.ownAddrs())
}

// Announce writes the own record if it is missing or stale.
func (m *Membership) Announce() {
	m.mu.Lock()
	if !m.selfStale() {
		m.mu.Unlock()
		return
	}
	m.writeSelf()
	diff := m.refresh()
	m.mu.Unlock()
	m.emit(diff)
}

// writeSelf must be called with mu held.
func (m *Membership) writeSelf() {
	delta := announce(m.state, m.self.String(), m.ownAddrs())
	m.state = m.state.Join(delta)
	m.setWrong()
	m.logger.Debug("announced self",
		zap.Uint64("version", delta[m.self.String()].Version),
		zap.Strings("addrs", delta[m.self.String()].Addrs),
	)
}

// GossipNow publishes the full table if broadcast is urgent and its hash otherwise.
func (m *Membership) GossipNow(ctx context.Context) error {
	m.publishing.Lock()
	defer m.publishing.Unlock()
	m.mu.Lock()
	if m.selfStale() {
		m.writeSelf()
	}
	urgent := m.someoneWrong && m.limiter.Allow()
	seq := m.wrongSeq
	var msg *Message
	if urgent {
		buf, err := codec.Encode(m.state)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("encode membership: %w", err)
		}
		msg = &Message{Collaboration: m.name, Kind: Full, Payload: buf, Type: TypeName}
	} else {
		msg = summaryMessage(m.name, m.state.Hash())
	}
	m.mu.Unlock()

	if err := m.publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Kind, err)
	}
	gossipSent.WithLabelValues(msg.Kind.String()).Inc()
	if urgent {
		m.mu.Lock()
		if m.wrongSeq == seq {
			m.someoneWrong = false
		}
		m.mu.Unlock()
	}
	return nil
}

// HandleGossip processes gossip received from a peer.
func (m *Membership) HandleGossip(from peer.ID, msg *Message) error {
	if msg.Type != TypeName {
		return fmt.Errorf("%w: %q", ErrUnexpectedType, msg.Type)
	}
	if from == m.self {
		return nil
	}
	switch msg.Kind {
	case Summary:
		if len(msg.Payload) != hash.Size {
			return fmt.Errorf("%w: %d bytes", ErrMalformedSummary, len(msg.Payload))
		}
		var remote hash.Hash32
		copy(remote[:], msg.Payload)
		gossipReceived.WithLabelValues(Summary.String()).Inc()
		if remote == m.Hash() {
			return nil
		}
		m.logger.Debug("membership summary mismatch",
			zap.Stringer("from", from),
			log.ZShortBytes("hash", remote[:]),
		)
		m.markWrong()
		return nil
	case Full:
		var remote State
		if err := codec.Decode(msg.Payload, &remote); err != nil {
			return fmt.Errorf("decode membership: %w", err)
		}
		gossipReceived.WithLabelValues(Full.String()).Inc()
		m.merge(from, remote)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownKind, msg.Kind)
}

func (m *Membership) markWrong() {
	m.mu.Lock()
	m.setWrong()
	m.mu.Unlock()
	m.freq.onWrong()
}

func (m *Membership) merge(from peer.ID, remote State) {
	m.mu.Lock()
	m.state = m.state.Join(remote)
	healed := false
	if m.selfStale() {
		// a peer removed or rewrote our record
		m.writeSelf()
		healed = true
	}
	wrong := healed || m.state.Hash() != remote.Hash()
	if wrong {
		m.setWrong()
	}
	diff := m.refresh()
	m.mu.Unlock()
	if healed {
		m.logger.Info("restored own membership record", zap.Stringer("from", from))
	}
	if wrong {
		m.freq.onWrong()
	}
	m.emit(diff)
}

// Evict removes a peer from membership.
func (m *Membership) Evict(id peer.ID) {
	if id == m.self {
		return
	}
	m.mu.Lock()
	delta := remove(m.state, id.String())
	if len(delta) == 0 {
		m.mu.Unlock()
		return
	}
	m.state = m.state.Join(delta)
	m.setWrong()
	diff := m.refresh()
	m.mu.Unlock()
	m.logger.Info("evicted member", zap.Stringer("peer", id))
	m.emit(diff)
}

type change struct {
	joined  map[peer.ID][]ma.Multiaddr
	left    []peer.ID
	changed map[peer.ID][]ma.Multiaddr
	total   int
}

func (c *change) empty() bool {
	return len(c.joined) == 0 && len(c.left) == 0 && len(c.changed) == 0
}

func equalAddrs(a, b []ma.Multiaddr) bool {
	return slices.EqualFunc(a, b, func(x, y ma.Multiaddr) bool { return x.Equal(y) })
}

// refresh recomputes members, updates the ring and returns what changed.
// Must be called with mu held.
func (m *Membership) refresh() *change {
	members := m.state.Members()
	diff := &change{
		joined:  map[peer.ID][]ma.Multiaddr{},
		changed: map[peer.ID][]ma.Multiaddr{},
		total:   len(members),
	}
	for id, addrs := range members {
		prev, exist := m.members[id]
		switch {
		case !exist:
			diff.joined[id] = addrs
			m.ring.Add(overlay.Point(id), peer.AddrInfo{ID: id, Addrs: addrs})
		case !equalAddrs(prev, addrs):
			diff.changed[id] = addrs
			m.ring.Update(overlay.Point(id), peer.AddrInfo{ID: id, Addrs: addrs})
		}
	}
	for id := range m.members {
		if _, exist := members[id]; !exist {
			diff.left = append(diff.left, id)
			m.ring.Remove(overlay.Point(id))
		}
	}
	m.members = members
	membersGauge.Set(float64(len(members)))
	return diff
}

// emit must be called without mu held.
func (m *Membership) emit(diff *change) {
	if diff.empty() {
		return
	}
	for id, addrs := range diff.joined {
		if id != m.self {
			m.logger.Debug("peer joined", zap.Stringer("peer", id))
		}
		m.emitters.joined.Emit(EvtPeerJoined{Collaboration: m.name, Peer: id, Addrs: addrs})
	}
	for _, id := range diff.left {
		m.logger.Debug("peer left", zap.Stringer("peer", id))
		m.emitters.left.Emit(EvtPeerLeft{Collaboration: m.name, Peer: id})
	}
	for id, addrs := range diff.changed {
		m.emitters.addrs.Emit(EvtAddressesChanged{Collaboration: m.name, Peer: id, Addrs: addrs})
	}
	m.emitters.changed.Emit(EvtChanged{Collaboration: m.name, Members: diff.total})
}

// Run announces self and gossips until ctx is canceled.
func (m *Membership) Run(ctx context.Context) error {
	m.Announce()
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return m.freq.run(ctx)
	})
	if m.evicted != nil {
		eg.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-m.evicted:
					m.Evict(id)
				}
			}
		})
	}
	return eg.Wait()
}

// Close releases event emitters.
func (m *Membership) Close() {
	m.emitters.close()
}
