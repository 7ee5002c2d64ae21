// Package collab runs collaborations: named crdts replicated between the
// peers of an app over the overlay chosen by membership gossip.
package collab

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/host/eventbus"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-collab/codec"
	"github.com/spacemeshos/go-collab/crdt"
	"github.com/spacemeshos/go-collab/membership"
	"github.com/spacemeshos/go-collab/p2p/pubsub"
	"github.com/spacemeshos/go-collab/signing"
	"github.com/spacemeshos/go-collab/store"
)

var (
	// ErrAppStopped is returned for collaborations requested after Stop.
	ErrAppStopped = errors.New("collab: app stopped")
	// ErrCollaborationExists is returned when a collaboration is created twice
	// with different crdt types.
	ErrCollaborationExists = errors.New("collab: collaboration exists")
)

// Gossip is the app-wide broadcast channel.
type Gossip interface {
	Register(topic string, handler pubsub.GossipHandler) error
	Publish(ctx context.Context, topic string, msg []byte) error
	ProtocolPeers(topic string) []peer.ID
}

// AppOpt modifies App.
type AppOpt func(*App)

// WithLogger sets logger.
func WithLogger(logger *zap.Logger) AppOpt {
	return func(a *App) {
		a.logger = logger
	}
}

// WithConfig sets the config used by every collaboration of the app.
func WithConfig(cfg Config) AppOpt {
	return func(a *App) {
		a.cfg = cfg
	}
}

// WithBus sets the bus for membership and replication events.
func WithBus(bus event.Bus) AppOpt {
	return func(a *App) {
		a.bus = bus
	}
}

// WithClock sets the clock of every timer in the app collaborations.
func WithClock(clock clockwork.Clock) AppOpt {
	return func(a *App) {
		a.clock = clock
	}
}

// WithKeyring looks up payload protection for every new collaboration.
// A nil sealer leaves payloads unprotected.
func WithKeyring(keyring func(name string) (signing.Sealer, error)) AppOpt {
	return func(a *App) {
		a.keyring = keyring
	}
}

// App groups collaborations that share a host, a gossip topic and a database.
type App struct {
	logger *zap.Logger
	cfg    Config
	clock  clockwork.Clock
	name   string
	topic  string
	host   host.Host
	gossip Gossip
	bus    event.Bus
	db     *store.DB

	keyring func(name string) (signing.Sealer, error)

	mu      sync.Mutex
	stopped bool
	collabs map[string]*Collaboration
}

// Topic returns the gossip topic of an app.
func Topic(app string) string {
	return fmt.Sprintf("/%s/gossip", app)
}

// NewApp registers the app gossip topic.
func NewApp(name string, h host.Host, gossip Gossip, db *store.DB, opts ...AppOpt) (*App, error) {
	a := &App{
		logger:  zap.NewNop(),
		cfg:     DefaultConfig(),
		clock:   clockwork.NewRealClock(),
		name:    name,
		topic:   Topic(name),
		host:    h,
		gossip:  gossip,
		db:      db,
		collabs: map[string]*Collaboration{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.bus == nil {
		a.bus = eventbus.NewBus()
	}
	a.logger = a.logger.With(zap.String("app", name))
	if err := gossip.Register(a.topic, a.gossipReceived); err != nil {
		return nil, err
	}
	return a, nil
}

// Bus delivers membership and replication events of all collaborations.
func (a *App) Bus() event.Bus {
	return a.bus
}

// Name of the app.
func (a *App) Name() string {
	return a.name
}

func (a *App) publisher() membership.Publisher {
	return membership.PublisherFunc(func(ctx context.Context, msg *membership.Message) error {
		buf, err := codec.Encode(msg)
		if err != nil {
			return err
		}
		return a.gossip.Publish(ctx, a.topic, buf)
	})
}

// interested is the number of connected peers subscribed to app gossip.
func (a *App) interested() int {
	return len(a.gossip.ProtocolPeers(a.topic))
}

func (a *App) get(name string) *Collaboration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.collabs[name]
}

// Lookup returns a joined collaboration.
func (a *App) Lookup(name string) (*Collaboration, bool) {
	c := a.get(name)
	return c, c != nil
}

// gossipReceived decodes gossip once and routes it to the named collaboration.
func (a *App) gossipReceived(_ context.Context, from peer.ID, buf []byte) error {
	var msg membership.Message
	if err := codec.Decode(buf, &msg); err != nil {
		gossipReceived.WithLabelValues("malformed").Inc()
		return fmt.Errorf("%w: decode gossip: %w", pubsub.ErrValidationReject, err)
	}
	c := a.get(msg.Collaboration)
	if c == nil {
		// relayed for peers that joined it
		gossipReceived.WithLabelValues("unknown").Inc()
		return nil
	}
	if err := c.membership.HandleGossip(from, &msg); err != nil {
		gossipReceived.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: %w", pubsub.ErrValidationReject, err)
	}
	gossipReceived.WithLabelValues("ok").Inc()
	return nil
}

// Collaboration joins the named collaboration with a crdt of the given type.
// Joining an already joined collaboration returns it.
func (a *App) Collaboration(ctx context.Context, name, typeName string, opts ...CollaborationOpt) (*Collaboration, error) {
	typ, err := crdt.Lookup(typeName)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil, ErrAppStopped
	}
	if c, exist := a.collabs[name]; exist {
		if c.replica.Type() != typeName {
			return nil, fmt.Errorf("%w: %s is %s", ErrCollaborationExists, name, c.replica.Type())
		}
		return c, nil
	}
	if a.keyring != nil {
		sealer, err := a.keyring(name)
		if err != nil {
			return nil, fmt.Errorf("keychain of %s: %w", name, err)
		}
		if sealer != nil {
			opts = append([]CollaborationOpt{WithKeychain(sealer)}, opts...)
		}
	}
	c, err := newCollaboration(a, name, typ, opts...)
	if err != nil {
		return nil, fmt.Errorf("create collaboration %s: %w", name, err)
	}
	if err := c.start(ctx); err != nil {
		c.abort()
		return nil, err
	}
	a.collabs[name] = c
	return c, nil
}

// Leave stops a collaboration and forgets it.
func (a *App) Leave(ctx context.Context, name string) error {
	a.mu.Lock()
	c, exist := a.collabs[name]
	delete(a.collabs, name)
	a.mu.Unlock()
	if !exist {
		return nil
	}
	return c.Stop(ctx)
}

// Collaborations returns sorted names of joined collaborations.
func (a *App) Collaborations() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Sorted(maps.Keys(a.collabs))
}

// Stop stops every collaboration. The host, gossip and database are owned
// by the caller.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.stopped = true
	collabs := slices.Collect(maps.Values(a.collabs))
	a.collabs = map[string]*Collaboration{}
	a.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, c := range collabs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop %s: %w", c.Name(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
