package presets

import (
	"github.com/spacemeshos/go-collab/config"
)

func init() {
	register("standalone", standalone())
}

// standalone runs a single node on loopback without bootnodes.
func standalone() config.Config {
	conf := config.DefaultConfig()
	conf.P2P.Listen = []string{"/ip4/127.0.0.1/tcp/0"}
	conf.P2P.DisableNatPort = true
	conf.P2P.Bootnodes = nil
	conf.P2P.LowPeers = 1
	conf.P2P.HighPeers = 10
	conf.Metrics.Enabled = false
	return conf
}
