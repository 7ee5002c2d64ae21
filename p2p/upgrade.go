package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNoBootnodes is returned when none of the bootnodes could be reached.
var ErrNoBootnodes = errors.New("p2p: no bootnode is reachable")

// Opt is for configuring Host.
type Opt func(fh *Host)

// WithLogger configures logger for Host.
func WithLogger(logger *zap.Logger) Opt {
	return func(fh *Host) {
		fh.logger = logger
	}
}

// WithConfig sets Config for Host.
func WithConfig(cfg Config) Opt {
	return func(fh *Host) {
		fh.cfg = cfg
	}
}

// Host is a convenience wrapper around libp2p host with bootstrap and
// connection accounting.
type Host struct {
	cfg    Config
	logger *zap.Logger

	host.Host
	bootnodes []peer.AddrInfo
	notifiee  *network.NotifyBundle
	stopped   atomic.Bool
}

// Upgrade creates Host instance from host.Host.
func Upgrade(h host.Host, opts ...Opt) (*Host, error) {
	fh := &Host{
		cfg:    DefaultConfig(),
		logger: zap.NewNop(),
		Host:   h,
	}
	for _, opt := range opts {
		opt(fh)
	}
	var err error
	fh.bootnodes, err = parseBootnodes(fh.cfg.Bootnodes)
	if err != nil {
		return nil, err
	}
	fh.notifiee = &network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			connections.WithLabelValues(direction(c)).Inc()
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			connections.WithLabelValues(direction(c)).Dec()
		},
	}
	h.Network().Notify(fh.notifiee)
	return fh, nil
}

func direction(c network.Conn) string {
	if c.Stat().Direction == network.DirInbound {
		return "inbound"
	}
	return "outbound"
}

// Bootstrap connects to every configured bootnode and fails only if none
// of them were reachable.
func (fh *Host) Bootstrap(ctx context.Context) error {
	if len(fh.bootnodes) == 0 {
		return nil
	}
	var (
		eg        errgroup.Group
		connected atomic.Int64
	)
	for _, info := range fh.bootnodes {
		if info.ID == fh.ID() {
			connected.Add(1)
			continue
		}
		eg.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, fh.cfg.BootstrapTimeout)
			defer cancel()
			if err := fh.Connect(ctx, info); err != nil {
				fh.logger.Warn("failed to connect to bootnode",
					zap.Stringer("bootnode", info.ID),
					zap.Error(err),
				)
				return nil
			}
			connected.Add(1)
			return nil
		})
	}
	eg.Wait()
	if connected.Load() == 0 {
		return ErrNoBootnodes
	}
	fh.logger.Info("connected to bootnodes", zap.Int64("count", connected.Load()))
	return nil
}

// Stop closes the libp2p host. It is safe to call more than once.
func (fh *Host) Stop() error {
	if !fh.stopped.CompareAndSwap(false, true) {
		return nil
	}
	fh.Network().StopNotify(fh.notifiee)
	if err := fh.Host.Close(); err != nil {
		return fmt.Errorf("failed to close libp2p host: %w", err)
	}
	return nil
}
