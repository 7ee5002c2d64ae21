package p2p

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-collab/log/logtest"
)

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Listen = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.DisableNatPort = true
	cfg.BootstrapTimeout = 5 * time.Second
	return cfg
}

func TestEnsureIdentity(t *testing.T) {
	dir := t.TempDir()
	first, err := EnsureIdentity(dir)
	require.NoError(t, err)
	second, err := EnsureIdentity(dir)
	require.NoError(t, err)
	require.True(t, first.Equals(second))

	id, err := IdentityInfoFromDir(dir)
	require.NoError(t, err)
	expected, err := peer.IDFromPrivateKey(first)
	require.NoError(t, err)
	require.Equal(t, expected, id)

	require.NoError(t, os.WriteFile(filepath.Join(dir, IdentityFile), []byte("zz"), 0o600))
	_, err = EnsureIdentity(dir)
	require.Error(t, err)

	ephemeral, err := EnsureIdentity("")
	require.NoError(t, err)
	require.False(t, ephemeral.Equals(first))
}

func TestPrologue(t *testing.T) {
	h1, err := New(context.Background(), logtest.New(t), testConfig(t), []byte("red"))
	require.NoError(t, err)
	t.Cleanup(func() { h1.Stop() })
	h2, err := New(context.Background(), logtest.New(t), testConfig(t), []byte("blue"))
	require.NoError(t, err)
	t.Cleanup(func() { h2.Stop() })
	h3, err := New(context.Background(), logtest.New(t), testConfig(t), []byte("red"))
	require.NoError(t, err)
	t.Cleanup(func() { h3.Stop() })

	require.Error(t, h1.Connect(context.Background(), peer.AddrInfo{ID: h2.ID(), Addrs: h2.Addrs()}))
	require.NoError(t, h1.Connect(context.Background(), peer.AddrInfo{ID: h3.ID(), Addrs: h3.Addrs()}))
}

func TestBootstrap(t *testing.T) {
	boot, err := New(context.Background(), logtest.New(t), testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { boot.Stop() })

	cfg := testConfig(t)
	for _, addr := range boot.Addrs() {
		cfg.Bootnodes = append(cfg.Bootnodes, addr.String()+"/p2p/"+boot.ID().String())
	}
	h, err := New(context.Background(), logtest.New(t), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { h.Stop() })
	require.NoError(t, h.Bootstrap(context.Background()))
	require.Equal(t, network.Connected, h.Network().Connectedness(boot.ID()))

	require.NoError(t, boot.Stop())
	require.NoError(t, boot.Stop())
	require.Eventually(t, func() bool {
		return h.Network().Connectedness(boot.ID()) != network.Connected
	}, 5*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, h.Bootstrap(context.Background()), ErrNoBootnodes)

	cfg.Bootnodes = []string{"garbage"}
	_, err = New(context.Background(), logtest.New(t), cfg, nil)
	require.Error(t, err)
}

func TestAdvertise(t *testing.T) {
	cfg := testConfig(t)
	cfg.Advertise = []string{"/ip4/203.0.113.7/tcp/7513"}
	h, err := New(context.Background(), logtest.New(t), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { h.Stop() })
	require.Len(t, h.Addrs(), 1)
	require.Equal(t, cfg.Advertise[0], h.Addrs()[0].String())

	cfg.Advertise = []string{"203.0.113.7:7513"}
	_, err = New(context.Background(), logtest.New(t), cfg, nil)
	require.ErrorContains(t, err, "parse multiaddr")
}
