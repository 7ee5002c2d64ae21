// Package p2p builds the libp2p host that carries replication streams and
// gossip of a collaboration app.
package p2p

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/transport"
	"github.com/libp2p/go-libp2p/p2p/host/peerstore/pstoremem"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	tptu "github.com/libp2p/go-libp2p/p2p/net/upgrader"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

const userAgent = "go-collab"

// Config of the host.
type Config struct {
	// DataDir keeps the host identity. Empty runs with an ephemeral identity.
	DataDir string `mapstructure:"data-dir"`
	Listen  []string `mapstructure:"listen"`
	// Advertise replaces listen addresses in membership announcements and
	// identify, for nodes behind a static nat.
	Advertise        []string      `mapstructure:"advertise"`
	Bootnodes        []string      `mapstructure:"bootnodes"`
	BootstrapTimeout time.Duration `mapstructure:"bootstrap-timeout"`

	// see https://lwn.net/Articles/542629/ for reuseport explanation
	DisableReusePort bool `mapstructure:"disable-reuseport"`
	DisableNatPort   bool `mapstructure:"disable-natport"`

	LowPeers           int           `mapstructure:"low-peers"`
	HighPeers          int           `mapstructure:"high-peers"`
	GracePeersShutdown time.Duration `mapstructure:"grace-peers-shutdown"`
}

func DefaultConfig() Config {
	return Config{
		Listen:             []string{"/ip4/0.0.0.0/tcp/7513"},
		LowPeers:           40,
		HighPeers:          100,
		GracePeersShutdown: 30 * time.Second,
		BootstrapTimeout:   10 * time.Second,
	}
}

// New initializes libp2p host. Hosts with different prologues can't
// establish connections with each other.
func New(_ context.Context, logger *zap.Logger, cfg Config, prologue []byte, opts ...Opt) (*Host, error) {
	logger.Info("starting libp2p host", zap.Strings("listen", cfg.Listen), zap.Strings("bootnodes", cfg.Bootnodes))
	key, err := EnsureIdentity(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	lopts, err := hostOptions(cfg, key, prologue)
	if err != nil {
		return nil, err
	}
	h, err := libp2p.New(lopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize libp2p host: %w", err)
	}
	logger.Info("local node identity", zap.Stringer("identity", h.ID()))
	opts = append([]Opt{WithConfig(cfg), WithLogger(logger)}, opts...)
	fh, err := Upgrade(h, opts...)
	if err != nil {
		h.Close()
		return nil, err
	}
	return fh, nil
}

func hostOptions(cfg Config, key crypto.PrivKey, prologue []byte) ([]libp2p.Option, error) {
	cm, err := connmgr.NewConnManager(cfg.LowPeers, cfg.HighPeers, connmgr.WithGracePeriod(cfg.GracePeersShutdown))
	if err != nil {
		return nil, fmt.Errorf("p2p create conn mgr: %w", err)
	}
	ps, err := pstoremem.NewPeerstore()
	if err != nil {
		return nil, fmt.Errorf("can't create peer store: %w", err)
	}
	streamer := *yamux.DefaultTransport
	lopts := []libp2p.Option{
		libp2p.Identity(key),
		libp2p.ListenAddrStrings(cfg.Listen...),
		libp2p.UserAgent(userAgent),
		libp2p.Transport(func(upgrader transport.Upgrader, rcmgr network.ResourceManager) (transport.Transport, error) {
			var opts []tcp.Option
			if cfg.DisableReusePort {
				opts = append(opts, tcp.DisableReuseport())
			}
			return tcp.NewTCPTransport(upgrader, rcmgr, opts...)
		}),
		libp2p.Security(noise.ID, func(id protocol.ID, privkey crypto.PrivKey, muxers []tptu.StreamMuxer) (*noise.SessionTransport, error) {
			tp, err := noise.New(id, privkey, muxers)
			if err != nil {
				return nil, err
			}
			return tp.WithSessionOptions(noise.Prologue(prologue))
		}),
		libp2p.Muxer(yamux.ID, &streamer),
		libp2p.ConnectionManager(cm),
		libp2p.Peerstore(ps),
	}
	if len(cfg.Advertise) > 0 {
		advertised, err := parseAddrs(cfg.Advertise)
		if err != nil {
			return nil, err
		}
		lopts = append(lopts, libp2p.AddrsFactory(func([]ma.Multiaddr) []ma.Multiaddr {
			return advertised
		}))
	}
	if !cfg.DisableNatPort {
		lopts = append(lopts, libp2p.NATPortMap())
	}
	return lopts, nil
}

func parseAddrs(addrs []string) ([]ma.Multiaddr, error) {
	rst := make([]ma.Multiaddr, 0, len(addrs))
	for _, addr := range addrs {
		parsed, err := ma.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("parse multiaddr %s: %w", addr, err)
		}
		rst = append(rst, parsed)
	}
	return rst, nil
}

func parseBootnodes(bootnodes []string) ([]peer.AddrInfo, error) {
	rst := make([]peer.AddrInfo, 0, len(bootnodes))
	for _, bootnode := range bootnodes {
		info, err := peer.AddrInfoFromString(bootnode)
		if err != nil {
			return nil, fmt.Errorf("parse into peer.AddrInfo %s: %w", bootnode, err)
		}
		rst = append(rst, *info)
	}
	return rst, nil
}
