// Package cmd is the base package for executables built from go-collab.
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/spacemeshos/go-collab/config"
	"github.com/spacemeshos/go-collab/config/presets"
)

var (
	// Version is the app's semantic version. Designed to be overwritten by make.
	Version string

	// Branch is the git branch used to build the App. Designed to be overwritten by make.
	Branch string

	// Commit is the git commit used to build the app. Designed to be overwritten by make.
	Commit string
)

// flag name to config key.
var keys = map[string]string{}

func register(key, flag string) string {
	keys[flag] = key
	return flag
}

// AddFlags registers node flags. Defaults are taken from cfg.
func AddFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.StringP("config", "c", "", "load configuration from file")
	fs.StringP(register("main.preset", "preset"), "p", "",
		fmt.Sprintf("preset overwrites default values of the config. options %+s", presets.Options()))

	/** ======================== BaseConfig Flags ========================== **/
	fs.StringP(register("main.data-dir", "data-dir"), "d", cfg.DataDir,
		"directory for the identity and database. empty runs an ephemeral in-memory node")
	fs.String(register("main.app", "app"), cfg.App,
		"app name. nodes of different apps don't connect to each other")
	fs.StringSlice(register("main.join", "join"), cfg.Join,
		"collaborations to join as name:type, for example notes:rga")
	fs.String(register("main.keys-dir", "keys-dir"), cfg.KeysDir,
		"directory with collaboration keys. defaults to keys in the data dir")

	/** ======================== Logging Flags ========================== **/
	fs.String(register("logging.level", "log-level"), cfg.Logging.Level, "log level")
	fs.String(register("logging.encoder", "log-encoder"), cfg.Logging.Encoder, "log encoder (console, json)")
	fs.String(register("logging.p2p-level", "log-p2p-level"), cfg.Logging.P2PLevel, "log level for libp2p")

	/** ======================== P2P Flags ========================== **/
	fs.StringSlice(register("p2p.listen", "listen"), cfg.P2P.Listen, "addresses for listening")
	fs.StringSlice(register("p2p.advertise", "advertise"), cfg.P2P.Advertise, "addresses announced to other peers instead of listen addresses")
	fs.StringSlice(register("p2p.bootnodes", "bootnodes"), cfg.P2P.Bootnodes, "entrypoints into the network")
	fs.Bool(register("p2p.disable-natport", "disable-natport"), cfg.P2P.DisableNatPort,
		"disable nat port-mapping (if enabled upnp protocol is used to negotiate external port with router)")
	fs.Bool(register("p2p.disable-reuseport", "disable-reuseport"), cfg.P2P.DisableReusePort,
		"disables SO_REUSEPORT for tcp sockets")
	fs.Int(register("p2p.low-peers", "low-peers"), cfg.P2P.LowPeers, "low watermark for the number of connections")
	fs.Int(register("p2p.high-peers", "high-peers"), cfg.P2P.HighPeers,
		"high watermark for the number of connections; once reached, connections are pruned until low watermark remains")
	fs.Bool(register("pubsub.flood", "flood"), cfg.PubSub.Flood,
		"flood created messages to all peers")

	/** ======================== Collab Flags ========================== **/
	fs.Bool(register("collab.protocol.pinner", "pinner"), cfg.Collab.Protocol.Pinner,
		"pin every collaboration. pinners push with a longer delay")
	fs.Duration(register("collab.protocol.pull-wait", "pull-wait"), cfg.Collab.Protocol.PullWait,
		"wait for a push before pulling from a peer")
	fs.Duration(register("collab.membership.frequency.target-global-frequency", "gossip-frequency"),
		cfg.Collab.Membership.Frequency.TargetGlobalFrequency,
		"target interval between membership gossips across the swarm")
	fs.Int(register("collab.overlay.max-unreachable", "max-unreachable"), cfg.Collab.Overlay.MaxUnreachable,
		"failed dials before a member is evicted")

	/** ======================== Metrics Flags ========================== **/
	fs.Bool(register("metrics.enabled", "metrics"), cfg.Metrics.Enabled, "collect node metrics")
	fs.Int(register("metrics.port", "metrics-port"), cfg.Metrics.Port, "metric server port")
	fs.String(register("metrics.push-url", "metrics-push"), cfg.Metrics.PushURL, "push metrics to url")
	fs.Duration(register("metrics.push-period", "metrics-push-period"), cfg.Metrics.PushPeriod, "push period")

	/** ======================== API Flags ========================== **/
	fs.Bool(register("api.enabled", "api"), cfg.API.Enabled, "serve collaborations over http")
	fs.String(register("api.listen", "api-listen"), cfg.API.Listen, "address of the api server")
}

// BindFlags binds flags that were set on the command line. Unchanged flags
// don't override presets or the config file.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	var errs []error
	fs.Visit(func(f *pflag.Flag) {
		if key, exist := keys[f.Name]; exist {
			errs = append(errs, v.BindPFlag(key, f))
		}
	})
	return errors.Join(errs...)
}

// LoadConfig loads the preset, the config file and changed flags, in this order.
func LoadConfig(fs *pflag.FlagSet) (*config.Config, error) {
	v := viper.New()
	path, err := fs.GetString("config")
	if err != nil {
		return nil, err
	}
	if err := config.LoadFile(path, v); err != nil {
		return nil, err
	}
	preset, err := fs.GetString("preset")
	if err != nil {
		return nil, err
	}
	if len(preset) == 0 && v.IsSet("main.preset") {
		preset = v.GetString("main.preset")
	}
	conf := config.DefaultConfig()
	if len(preset) > 0 {
		conf, err = presets.Get(preset)
		if err != nil {
			return nil, err
		}
	}
	if err := BindFlags(fs, v); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	if err := config.Load(v, &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}
