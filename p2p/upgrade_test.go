package p2p

import (
	"context"
	"testing"
	"time"

	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-collab/log/logtest"
)

func TestConnectionsNotifier(t *testing.T) {
	const n = 3
	mesh, err := mocknet.FullMeshLinked(n)
	require.NoError(t, err)
	t.Cleanup(func() { mesh.Close() })

	outbound := testutil.ToFloat64(connections.WithLabelValues("outbound"))
	inbound := testutil.ToFloat64(connections.WithLabelValues("inbound"))
	var hosts []*Host
	for _, h := range mesh.Hosts() {
		fh, err := Upgrade(h, WithLogger(logtest.New(t)))
		require.NoError(t, err)
		hosts = append(hosts, fh)
	}

	_, err = mesh.ConnectPeers(hosts[0].ID(), hosts[1].ID())
	require.NoError(t, err)
	_, err = mesh.ConnectPeers(hosts[2].ID(), hosts[0].ID())
	require.NoError(t, err)
	// every connection is counted on both ends
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(connections.WithLabelValues("outbound")) == outbound+2 &&
			testutil.ToFloat64(connections.WithLabelValues("inbound")) == inbound+2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, mesh.DisconnectPeers(hosts[0].ID(), hosts[1].ID()))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(connections.WithLabelValues("outbound")) == outbound+1 &&
			testutil.ToFloat64(connections.WithLabelValues("inbound")) == inbound+1
	}, time.Second, 10*time.Millisecond)

	for _, h := range hosts {
		require.NoError(t, h.Stop())
		require.NoError(t, h.Stop())
	}
}

func TestBootstrapWithoutBootnodes(t *testing.T) {
	mesh, err := mocknet.FullMeshLinked(1)
	require.NoError(t, err)
	t.Cleanup(func() { mesh.Close() })
	h, err := Upgrade(mesh.Hosts()[0])
	require.NoError(t, err)
	require.NoError(t, h.Bootstrap(context.Background()))
}
