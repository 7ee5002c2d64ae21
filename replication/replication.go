// Package replication tracks how far local state has travelled to remote
// peers and how much remote state was received, and reports progress as
// events on the libp2p event bus.
package replication

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-collab/log"
	"github.com/spacemeshos/go-collab/vclock"
)

// EvtReceiving is emitted when a remote advertised a clock that has data we don't have.
type EvtReceiving struct {
	Collaboration string
	Peer          peer.ID
	Clock         vclock.Clock
}

// EvtReceived is emitted when data from remote advanced the local clock.
type EvtReceived struct {
	Collaboration string
	Peer          peer.ID
	Clock         vclock.Clock
}

// EvtSending is emitted when local data is pushed to remote.
type EvtSending struct {
	Collaboration string
	Peer          peer.ID
	Clock         vclock.Clock
}

// EvtReplicated is emitted when remote is known to contain the local clock.
type EvtReplicated struct {
	Collaboration string
	Peer          peer.ID
	Clock         vclock.Clock
}

// EvtPinned is emitted instead of EvtReplicated if the remote is a pinner.
type EvtPinned struct {
	Collaboration string
	Peer          peer.ID
	Clock         vclock.Clock
}

// Config for Tracker.
type Config struct {
	// Peers bounds the number of remembered peers per progress kind.
	Peers int `mapstructure:"peers"`
}

// DefaultConfig for Tracker.
func DefaultConfig() Config {
	return Config{Peers: 1024}
}

// Opt modifies Tracker.
type Opt func(*Tracker)

// WithLogger sets logger for Tracker.
func WithLogger(logger *zap.Logger) Opt {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithConfig sets Config for Tracker.
func WithConfig(cfg Config) Opt {
	return func(t *Tracker) {
		t.cfg = cfg
	}
}

type emitters struct {
	receiving  event.Emitter
	received   event.Emitter
	sending    event.Emitter
	replicated event.Emitter
	pinned     event.Emitter
}

// Tracker aggregates replication progress of one collaboration.
// Repeated reports of an identical clock for the same peer are emitted once.
type Tracker struct {
	logger *zap.Logger
	cfg    Config
	name   string
	local  func() vclock.Clock

	receiving  *lru.Cache[peer.ID, vclock.Clock]
	received   *lru.Cache[peer.ID, vclock.Clock]
	sending    *lru.Cache[peer.ID, vclock.Clock]
	replicated *lru.Cache[peer.ID, vclock.Clock]

	emitters emitters
}

// New creates a Tracker. local returns the current local clock.
func New(bus event.Bus, name string, local func() vclock.Clock, opts ...Opt) (*Tracker, error) {
	t := &Tracker{
		logger: zap.NewNop(),
		cfg:    DefaultConfig(),
		name:   name,
		local:  local,
	}
	for _, opt := range opts {
		opt(t)
	}
	for _, c := range []**lru.Cache[peer.ID, vclock.Clock]{&t.receiving, &t.received, &t.sending, &t.replicated} {
		cache, err := lru.New[peer.ID, vclock.Clock](t.cfg.Peers)
		if err != nil {
			return nil, fmt.Errorf("create cache: %w", err)
		}
		*c = cache
	}
	var err error
	for _, e := range []struct {
		dst *event.Emitter
		evt any
	}{
		{&t.emitters.receiving, new(EvtReceiving)},
		{&t.emitters.received, new(EvtReceived)},
		{&t.emitters.sending, new(EvtSending)},
		{&t.emitters.replicated, new(EvtReplicated)},
		{&t.emitters.pinned, new(EvtPinned)},
	} {
		*e.dst, err = bus.Emitter(e.evt)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("create emitter %T: %w", e.evt, err)
		}
	}
	return t, nil
}

// Close releases emitters.
func (t *Tracker) Close() {
	for _, e := range []event.Emitter{
		t.emitters.receiving, t.emitters.received, t.emitters.sending,
		t.emitters.replicated, t.emitters.pinned,
	} {
		if e != nil {
			e.Close()
		}
	}
}

func (t *Tracker) emit(e event.Emitter, evt any) {
	if err := e.Emit(evt); err != nil {
		t.logger.Debug("failed to emit replication event", zap.Error(err))
	}
}

// dedup stores clock for the peer and returns true if it differs from the stored one.
func dedup(cache *lru.Cache[peer.ID, vclock.Clock], id peer.ID, clock vclock.Clock) bool {
	if prev, ok := cache.Get(id); ok && vclock.IsIdentical(prev, clock) {
		return false
	}
	cache.Add(id, clock.Clone())
	return true
}

// Receiving is called when remote advertised a clock.
func (t *Tracker) Receiving(id peer.ID, remote vclock.Clock) {
	if vclock.DoesSecondHaveFirst(remote, t.local()) {
		return
	}
	if dedup(t.receiving, id, remote) {
		t.emit(t.emitters.receiving, EvtReceiving{Collaboration: t.name, Peer: id, Clock: remote.Clone()})
	}
}

// Received is called after deltas or state from remote advanced the local clock.
func (t *Tracker) Received(id peer.ID, local vclock.Clock) {
	if dedup(t.received, id, local) {
		t.logger.Debug("received from peer",
			zap.String("collab", t.name),
			zap.Stringer("peer", id),
			log.ZClock("clock", local),
		)
		t.emit(t.emitters.received, EvtReceived{Collaboration: t.name, Peer: id, Clock: local.Clone()})
	}
}

// Sending is called when local data is pushed to remote.
func (t *Tracker) Sending(id peer.ID, local vclock.Clock) {
	if dedup(t.sending, id, local) {
		t.emit(t.emitters.sending, EvtSending{Collaboration: t.name, Peer: id, Clock: local.Clone()})
	}
}

// Sent is called whenever the remote clock is learned. An event is emitted
// only if remote contains the local clock.
func (t *Tracker) Sent(id peer.ID, remote vclock.Clock, pinner bool) {
	local := t.local()
	if len(local) == 0 || !vclock.DoesSecondHaveFirst(local, remote) {
		return
	}
	if !dedup(t.replicated, id, local) {
		return
	}
	if pinner {
		t.emit(t.emitters.pinned, EvtPinned{Collaboration: t.name, Peer: id, Clock: local.Clone()})
	} else {
		t.emit(t.emitters.replicated, EvtReplicated{Collaboration: t.name, Peer: id, Clock: local.Clone()})
	}
}

// Forget drops remembered progress of the peer.
func (t *Tracker) Forget(id peer.ID) {
	t.receiving.Remove(id)
	t.received.Remove(id)
	t.sending.Remove(id)
	t.replicated.Remove(id)
}
