package collab

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/host/eventbus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-collab/crdt"
	"github.com/spacemeshos/go-collab/membership"
	"github.com/spacemeshos/go-collab/overlay"
	"github.com/spacemeshos/go-collab/protocol"
	"github.com/spacemeshos/go-collab/replication"
	"github.com/spacemeshos/go-collab/ring"
	"github.com/spacemeshos/go-collab/signing"
	"github.com/spacemeshos/go-collab/vclock"
)

// Config for collaborations.
type Config struct {
	Replica     ReplicaConfig      `mapstructure:"replica"`
	Membership  membership.Config  `mapstructure:"membership"`
	Overlay     overlay.Config     `mapstructure:"overlay"`
	Protocol    protocol.Config    `mapstructure:"protocol"`
	Replication replication.Config `mapstructure:"replication"`
	// FlushTimeout bounds waiting for outbound peers to receive local
	// changes when a collaboration stops.
	FlushTimeout time.Duration `mapstructure:"flush-timeout"`
	// StopTimeout bounds the final gossip broadcast.
	StopTimeout time.Duration `mapstructure:"stop-timeout"`
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{
		Replica:      DefaultReplicaConfig(),
		Membership:   membership.DefaultConfig(),
		Overlay:      overlay.DefaultConfig(),
		Protocol:     protocol.DefaultConfig(),
		Replication:  replication.DefaultConfig(),
		FlushTimeout: 2 * time.Second,
		StopTimeout:  5 * time.Second,
	}
}

// CollaborationOpt modifies a Collaboration.
type CollaborationOpt func(*collabOptions)

type collabOptions struct {
	sealer signing.Sealer
}

// WithKeychain protects replicated payloads of the collaboration.
func WithKeychain(sealer signing.Sealer) CollaborationOpt {
	return func(o *collabOptions) {
		o.sealer = sealer
	}
}

// Shared is a view of one sub-collaboration.
type Shared struct {
	name    string
	replica *Replica
}

// Name of the sub-collaboration. The root is the empty name.
func (s *Shared) Name() string {
	return s.name
}

// Value returns the current crdt value.
func (s *Shared) Value() (any, error) {
	return s.replica.Value(s.name)
}

// Mutate applies a local change.
func (s *Shared) Mutate(ctx context.Context, mutator string, args ...any) error {
	return s.replica.Mutate(ctx, s.name, mutator, args...)
}

// Clock of the collaboration. It is shared by all sub-collaborations.
func (s *Shared) Clock() vclock.Clock {
	return s.replica.Clock()
}

// Subscribe returns a channel notified after the collaboration clock changed.
func (s *Shared) Subscribe() (<-chan struct{}, func()) {
	return s.replica.Subscribe()
}

// Collaboration runs replication of one named crdt with the peers that
// joined the same collaboration.
type Collaboration struct {
	logger *zap.Logger
	cfg    Config
	clock  clockwork.Clock
	name   string
	bus    event.Bus

	replica    *Replica
	ring       *overlay.Ring
	membership *membership.Membership
	overlay    *overlay.ConnectionManager
	handler    *protocol.Handler
	connector  *protocol.Connector
	tracker    *replication.Tracker

	gossipCancel  context.CancelFunc
	gossipEG      errgroup.Group
	overlayCancel context.CancelFunc
	overlayEG     errgroup.Group

	mu       sync.Mutex
	sessions map[*protocol.PushSession]struct{}

	stopOnce sync.Once
	stopErr  error
}

func newCollaboration(a *App, name string, typ crdt.Type, opts ...CollaborationOpt) (*Collaboration, error) {
	var o collabOptions
	for _, opt := range opts {
		opt(&o)
	}
	self := a.host.ID()
	c := &Collaboration{
		logger:   a.logger.With(zap.String("collab", name)),
		cfg:      a.cfg,
		clock:    a.clock,
		name:     name,
		bus:      a.bus,
		ring:     ring.New[peer.AddrInfo](),
		sessions: map[*protocol.PushSession]struct{}{},
	}
	ropts := []ReplicaOpt{
		WithReplicaLogger(c.logger),
		WithReplicaConfig(c.cfg.Replica),
		WithReplicaClock(c.clock),
		WithStore(a.db.Collaboration(name)),
	}
	if o.sealer != nil {
		ropts = append(ropts, WithSealer(o.sealer))
	}
	c.replica = NewReplica(name, self.String(), typ, ropts...)

	var err error
	c.tracker, err = replication.New(a.bus, name, c.replica.Clock,
		replication.WithLogger(c.logger),
		replication.WithConfig(c.cfg.Replication),
	)
	if err != nil {
		c.replica.Close()
		return nil, err
	}
	popts := []protocol.Opt{
		protocol.WithLogger(c.logger),
		protocol.WithConfig(c.cfg.Protocol),
		protocol.WithClock(c.clock),
		protocol.WithTracker(c.tracker),
	}
	id := protocol.ID(a.name, name)
	c.handler = protocol.NewHandler(a.host, id, c.replica, popts...)
	c.connector = protocol.NewConnector(a.host, id, c.replica, popts...)

	c.overlay = overlay.New(self, c.ring, overlay.DialerFunc(c.dial),
		overlay.WithLogger(c.logger),
		overlay.WithConfig(c.cfg.Overlay),
		overlay.WithClock(c.clock),
	)
	c.handler.OnInbound(c.overlay.OnInbound)

	c.membership, err = membership.New(name, self, a.host.Addrs, c.ring, a.bus, a.publisher(),
		membership.WithLogger(c.logger),
		membership.WithConfig(c.cfg.Membership),
		membership.WithClock(c.clock),
		membership.WithInterested(a.interested),
		membership.WithEvictions(c.overlay.Evicted()),
	)
	if err != nil {
		c.tracker.Close()
		c.replica.Close()
		return nil, err
	}
	return c, nil
}

// dial runs a push session until the connection manager closes it.
func (c *Collaboration) dial(ctx context.Context, info peer.AddrInfo) (overlay.Session, error) {
	session, err := c.connector.Dial(ctx, context.Background(), info)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.sessions[session] = struct{}{}
	c.mu.Unlock()
	go func() {
		<-session.Done()
		c.mu.Lock()
		delete(c.sessions, session)
		c.mu.Unlock()
	}()
	return session, nil
}

func (c *Collaboration) start(ctx context.Context) error {
	if err := c.replica.Start(ctx); err != nil {
		return fmt.Errorf("start replica %s: %w", c.name, err)
	}
	sub, err := c.bus.Subscribe(new(membership.EvtPeerLeft), eventbus.BufSize(16))
	if err != nil {
		return fmt.Errorf("subscribe to membership of %s: %w", c.name, err)
	}
	c.handler.Start(context.Background())

	var overlayCtx, gossipCtx context.Context
	overlayCtx, c.overlayCancel = context.WithCancel(context.Background())
	gossipCtx, c.gossipCancel = context.WithCancel(context.Background())
	c.overlayEG.Go(func() error {
		return c.overlay.Run(overlayCtx)
	})
	c.overlayEG.Go(func() error {
		defer sub.Close()
		for {
			select {
			case <-overlayCtx.Done():
				return nil
			case evt, ok := <-sub.Out():
				if !ok {
					return nil
				}
				if left := evt.(membership.EvtPeerLeft); left.Collaboration == c.name {
					c.tracker.Forget(left.Peer)
				}
			}
		}
	})
	c.gossipEG.Go(func() error {
		return c.membership.Run(gossipCtx)
	})
	c.logger.Info("started collaboration", zap.String("type", c.replica.Type()))
	return nil
}

// abort releases resources of a collaboration that failed to start.
func (c *Collaboration) abort() {
	if c.overlayCancel != nil {
		c.overlayCancel()
		c.gossipCancel()
		c.overlayEG.Wait()
		c.gossipEG.Wait()
	}
	c.handler.Stop()
	c.replica.Stop(context.Background())
	c.tracker.Close()
	c.membership.Close()
	c.replica.Close()
}

// Name of the collaboration.
func (c *Collaboration) Name() string {
	return c.name
}

// Type is the crdt type name of the root.
func (c *Collaboration) Type() string {
	return c.replica.Type()
}

// Shared returns the root sub-collaboration.
func (c *Collaboration) Shared() *Shared {
	return &Shared{replica: c.replica}
}

// Sub creates or returns a named sub-collaboration. It shares clock and
// connections with the root.
func (c *Collaboration) Sub(name string, typ crdt.Type) (*Shared, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: sub-collaboration name is empty", crdt.ErrInvalidArgs)
	}
	if err := c.replica.AddSub(name, typ); err != nil {
		return nil, err
	}
	return &Shared{name: name, replica: c.replica}, nil
}

// Lookup returns an existing sub-collaboration.
func (c *Collaboration) Lookup(name string) (*Shared, error) {
	if name != "" && !slices.Contains(c.replica.Subs(), name) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSub, name)
	}
	return &Shared{name: name, replica: c.replica}, nil
}

// Subs returns sorted names of sub-collaborations, the root included.
func (c *Collaboration) Subs() []string {
	return c.replica.Subs()
}

// Peers returns members of the collaboration including self.
func (c *Collaboration) Peers() []peer.ID {
	return c.membership.Peers()
}

// Membership exposes membership diagnostics.
func (c *Collaboration) Membership() *membership.Membership {
	return c.membership
}

// Overlay exposes connection diagnostics.
func (c *Collaboration) Overlay() *overlay.ConnectionManager {
	return c.overlay
}

// flushInterval is how often flush checks outbound peers.
const flushInterval = 10 * time.Millisecond

// flush waits until outbound peers received the local clock.
func (c *Collaboration) flush(ctx context.Context) {
	ticker := c.clock.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		local := c.replica.Clock()
		pending := 0
		c.mu.Lock()
		for s := range c.sessions {
			if !vclock.DoesSecondHaveFirst(local, s.RemoteClock()) {
				pending++
			}
		}
		c.mu.Unlock()
		if pending == 0 {
			return
		}
		select {
		case <-ctx.Done():
			c.logger.Debug("stopping before local changes reached peers", zap.Int("pending", pending))
			return
		case <-ticker.Chan():
		}
	}
}

// Stop leaves the collaboration. Local changes are drained and advertised
// before connections are closed.
func (c *Collaboration) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.stopErr = c.stop(ctx)
	})
	return c.stopErr
}

func (c *Collaboration) stop(ctx context.Context) error {
	var errs []error
	if c.gossipCancel != nil {
		c.gossipCancel()
		errs = append(errs, c.gossipEG.Wait())
	}
	if err := c.replica.Drain(ctx); err != nil && !errors.Is(err, ErrStopped) {
		errs = append(errs, fmt.Errorf("drain: %w", err))
	}
	flushCtx, cancel := context.WithTimeout(ctx, c.cfg.FlushTimeout)
	c.flush(flushCtx)
	cancel()

	gossipCtx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout)
	if err := c.membership.GossipNow(gossipCtx); err != nil {
		c.logger.Debug("failed final gossip", zap.Error(err))
	}
	cancel()

	if c.overlayCancel != nil {
		c.overlayCancel()
		errs = append(errs, c.overlayEG.Wait())
	}
	c.handler.Stop()
	if err := c.replica.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop replica: %w", err))
	}
	c.tracker.Close()
	c.membership.Close()
	if err := c.replica.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	c.logger.Info("stopped collaboration")
	return errors.Join(errs...)
}
