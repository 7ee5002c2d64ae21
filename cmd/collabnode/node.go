package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/p2p/host/eventbus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-collab/api"
	"github.com/spacemeshos/go-collab/collab"
	"github.com/spacemeshos/go-collab/config"
	"github.com/spacemeshos/go-collab/log"
	"github.com/spacemeshos/go-collab/membership"
	"github.com/spacemeshos/go-collab/metrics"
	"github.com/spacemeshos/go-collab/p2p"
	"github.com/spacemeshos/go-collab/p2p/pubsub"
	"github.com/spacemeshos/go-collab/replication"
	"github.com/spacemeshos/go-collab/signing"
	"github.com/spacemeshos/go-collab/store"
)

const (
	stopTimeout = 30 * time.Second
	lockFile    = "node.lock"
)

// ErrLocked is returned if another node runs with the same data directory.
var ErrLocked = errors.New("data directory is used by another node")

// Node owns the process wide resources shared by collaborations.
type Node struct {
	cfg    *config.Config
	logger *zap.Logger
	lock   *flock.Flock

	host   *p2p.Host
	gossip *pubsub.GossipPubSub
	db     *store.DB
	app    *collab.App

	cancel context.CancelFunc
	eg     errgroup.Group
}

// NewNode creates the host, the gossip and the database. Nothing runs
// until Start.
func NewNode(ctx context.Context, logger *zap.Logger, cfg *config.Config) (*Node, error) {
	if _, err := cfg.Collaborations(); err != nil {
		return nil, err
	}
	n := &Node{cfg: cfg, logger: logger}
	if err := n.lockDir(); err != nil {
		return nil, err
	}
	var err error
	n.host, err = p2p.New(ctx, logger.Named("p2p"), cfg.P2P, []byte(cfg.App))
	if err != nil {
		n.cleanup()
		return nil, err
	}
	// gossip lives until the node is stopped
	gossipCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.gossip, err = pubsub.New(gossipCtx, logger.Named("pubsub"), n.host, cfg.PubSub)
	if err != nil {
		n.cleanup()
		return nil, err
	}
	n.db, err = store.Open(cfg.Store, store.WithLogger(logger.Named("store")))
	if err != nil {
		n.cleanup()
		return nil, err
	}
	opts := []collab.AppOpt{
		collab.WithLogger(logger),
		collab.WithConfig(cfg.Collab),
		collab.WithBus(n.host.EventBus()),
	}
	if cfg.KeysDir != "" {
		opts = append(opts, collab.WithKeyring(signing.NewKeyring(cfg.KeysDir).Sealer))
	}
	n.app, err = collab.NewApp(cfg.App, n.host, n.gossip, n.db, opts...)
	if err != nil {
		n.cleanup()
		return nil, err
	}
	return n, nil
}

func (n *Node) lockDir() error {
	if n.cfg.DataDir == "" {
		return nil
	}
	if err := os.MkdirAll(n.cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir %s: %w", n.cfg.DataDir, err)
	}
	fl := flock.New(filepath.Join(n.cfg.DataDir, lockFile))
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("flock %s: %w", fl.Path(), err)
	} else if !locked {
		return fmt.Errorf("%w: locking file %s", ErrLocked, fl.Path())
	}
	n.lock = fl
	return nil
}

// App returns the collaborations of the node.
func (n *Node) App() *collab.App {
	return n.app
}

// Start connects to bootnodes and joins configured collaborations.
func (n *Node) Start(ctx context.Context) error {
	collabs, err := n.cfg.Collaborations()
	if err != nil {
		return err
	}
	if err := n.host.Bootstrap(ctx); err != nil {
		return err
	}
	sub, err := n.app.Bus().Subscribe([]any{
		new(membership.EvtPeerJoined),
		new(membership.EvtPeerLeft),
		new(replication.EvtReplicated),
		new(replication.EvtPinned),
	}, eventbus.BufSize(64))
	if err != nil {
		return fmt.Errorf("subscribe to collaboration events: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	prev := n.cancel
	n.cancel = func() {
		cancel()
		prev()
	}
	n.eg.Go(func() error {
		n.logEvents(runCtx, sub)
		return nil
	})
	if m := n.cfg.Metrics; m.Enabled {
		srv := metrics.NewServer(n.logger.Named("metrics"), m.Port)
		n.eg.Go(func() error {
			return srv.Run(runCtx)
		})
		if m.PushURL != "" {
			n.eg.Go(func() error {
				metrics.PushMetrics(runCtx, n.logger.Named("metrics"), clockwork.NewRealClock(),
					m.PushURL, m.PushHeaders, m.PushPeriod, n.host.ID().String(), n.cfg.App)
				return nil
			})
		}
	}
	if n.cfg.API.Enabled {
		srv := api.New(n.app, api.WithLogger(n.logger.Named("api")), api.WithConfig(n.cfg.API))
		n.eg.Go(func() error {
			return srv.Run(runCtx)
		})
	}
	for _, c := range collabs {
		if _, err := n.app.Collaboration(ctx, c.Name, c.Type); err != nil {
			return fmt.Errorf("join %s: %w", c.Name, err)
		}
	}
	n.logger.Info("node started",
		zap.Stringer("identity", n.host.ID()),
		zap.Stringers("addrs", n.host.Addrs()),
		zap.Strings("collaborations", n.app.Collaborations()),
	)
	return nil
}

func (n *Node) logEvents(ctx context.Context, sub event.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Out():
			if !ok {
				return
			}
			switch evt := evt.(type) {
			case membership.EvtPeerJoined:
				n.logger.Info("peer joined",
					zap.String("collab", evt.Collaboration),
					log.ZShortStringer("peer", evt.Peer),
				)
			case membership.EvtPeerLeft:
				n.logger.Info("peer left",
					zap.String("collab", evt.Collaboration),
					log.ZShortStringer("peer", evt.Peer),
				)
			case replication.EvtReplicated:
				n.logger.Debug("replicated",
					zap.String("collab", evt.Collaboration),
					log.ZShortStringer("peer", evt.Peer),
				)
			case replication.EvtPinned:
				n.logger.Debug("pinned",
					zap.String("collab", evt.Collaboration),
					log.ZShortStringer("peer", evt.Peer),
				)
			}
		}
	}
}

// Stop leaves collaborations before the host and the database are closed.
func (n *Node) Stop(ctx context.Context) error {
	var errs []error
	if n.app != nil {
		errs = append(errs, n.app.Stop(ctx))
	}
	n.cancel()
	errs = append(errs, n.eg.Wait())
	errs = append(errs, n.cleanup())
	return errors.Join(errs...)
}

func (n *Node) cleanup() error {
	var errs []error
	if n.cancel != nil {
		n.cancel()
	}
	if n.db != nil {
		errs = append(errs, n.db.Close())
	}
	if n.host != nil {
		errs = append(errs, n.host.Stop())
	}
	if n.lock != nil {
		if err := n.lock.Unlock(); err != nil {
			n.logger.Error("failed to unlock file", zap.String("path", n.lock.Path()), zap.Error(err))
		}
	}
	return errors.Join(errs...)
}
