// Package config contains collaboration node configuration definitions.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/spacemeshos/go-collab/api"
	"github.com/spacemeshos/go-collab/collab"
	"github.com/spacemeshos/go-collab/crdt"
	"github.com/spacemeshos/go-collab/log"
	"github.com/spacemeshos/go-collab/metrics"
	"github.com/spacemeshos/go-collab/p2p"
	"github.com/spacemeshos/go-collab/p2p/pubsub"
	"github.com/spacemeshos/go-collab/store"
)

// ErrInvalidJoin is returned for a malformed collaboration in the join list.
var ErrInvalidJoin = errors.New("config: invalid collaboration")

// Config defines the top level configuration for a collaboration node.
type Config struct {
	BaseConfig `mapstructure:"main"`
	Logging    log.Config     `mapstructure:"logging"`
	P2P        p2p.Config     `mapstructure:"p2p"`
	PubSub     pubsub.Config  `mapstructure:"pubsub"`
	Store      store.Config   `mapstructure:"store"`
	Collab     collab.Config  `mapstructure:"collab"`
	Metrics    metrics.Config `mapstructure:"metrics"`
	API        api.Config     `mapstructure:"api"`
}

// BaseConfig defines the process wide options.
type BaseConfig struct {
	// DataDir keeps the identity and the database. Empty runs the node
	// with an ephemeral identity and an in-memory database.
	DataDir string `mapstructure:"data-dir"`
	// App scopes gossip topics and stream protocols. Nodes of different
	// apps can't connect to each other.
	App string `mapstructure:"app"`
	// Join lists collaborations as name:type pairs.
	Join []string `mapstructure:"join"`
	// Preset is applied before the config file.
	Preset string `mapstructure:"preset"`
	// KeysDir holds <collaboration>.key files. Collaborations with a key
	// seal replicated payloads.
	KeysDir string `mapstructure:"keys-dir"`
}

// DefaultConfig returns the default configuration for a node.
func DefaultConfig() Config {
	return Config{
		BaseConfig: BaseConfig{
			App: "collab",
		},
		Logging: log.DefaultConfig(),
		P2P:     p2p.DefaultConfig(),
		PubSub:  pubsub.DefaultConfig(),
		Store:   store.DefaultConfig(),
		Collab:  collab.DefaultConfig(),
		Metrics: metrics.DefaultConfig(),
		API:     api.DefaultConfig(),
	}
}

// Collaboration to join on startup.
type Collaboration struct {
	Name string
	Type string
}

// Collaborations parses the join list.
func (cfg *Config) Collaborations() ([]Collaboration, error) {
	rst := make([]Collaboration, 0, len(cfg.Join))
	for _, join := range cfg.Join {
		name, typ, ok := strings.Cut(join, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: %q is not name:type", ErrInvalidJoin, join)
		}
		if _, err := crdt.Lookup(typ); err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidJoin, join, err)
		}
		rst = append(rst, Collaboration{Name: name, Type: typ})
	}
	return rst, nil
}

// Adjust derives paths that were left empty from the data directory.
func (cfg *Config) Adjust() {
	if cfg.DataDir == "" {
		return
	}
	if cfg.P2P.DataDir == "" {
		cfg.P2P.DataDir = filepath.Join(cfg.DataDir, "p2p")
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.DataDir, "state")
	}
	if cfg.KeysDir == "" {
		cfg.KeysDir = filepath.Join(cfg.DataDir, "keys")
	}
}

// Load decodes everything viper knows into the config. Keys that don't
// match a config field are an error.
func Load(v *viper.Viper, cfg *Config) error {
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)
	opts := []viper.DecoderConfigOption{
		viper.DecodeHook(hook),
		WithZeroFields(),
		WithIgnoreUntagged(),
		WithErrorUnused(),
	}
	if err := v.Unmarshal(cfg, opts...); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Adjust()
	return nil
}

// LoadFile reads the file into viper. Empty path is a no-op.
func LoadFile(path string, v *viper.Viper) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return nil
}

func WithZeroFields() viper.DecoderConfigOption {
	return func(cfg *mapstructure.DecoderConfig) {
		cfg.ZeroFields = true
	}
}

func WithIgnoreUntagged() viper.DecoderConfigOption {
	return func(cfg *mapstructure.DecoderConfig) {
		cfg.IgnoreUntaggedFields = true
	}
}

func WithErrorUnused() viper.DecoderConfigOption {
	return func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
	}
}
