package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-collab/config"
	"github.com/spacemeshos/go-collab/config/presets"
)

func flagSet(tb testing.TB, args ...string) *pflag.FlagSet {
	tb.Helper()
	conf := config.DefaultConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs, &conf)
	require.NoError(tb, fs.Parse(args))
	return fs
}

func TestLoadConfigDefaults(t *testing.T) {
	conf, err := LoadConfig(flagSet(t))
	require.NoError(t, err)
	require.Equal(t, config.DefaultConfig(), *conf)
}

func TestLoadConfigFlags(t *testing.T) {
	conf, err := LoadConfig(flagSet(t,
		"--app", "notes",
		"--join", "doc:rga,tags:orset",
		"--listen", "/ip4/127.0.0.1/tcp/0",
		"--pull-wait", "700ms",
		"--pinner",
		"--data-dir", "/tmp/node",
		"--api",
		"--api-listen", "127.0.0.1:0",
	))
	require.NoError(t, err)
	require.Equal(t, "notes", conf.App)
	require.Equal(t, []string{"doc:rga", "tags:orset"}, conf.Join)
	require.Equal(t, []string{"/ip4/127.0.0.1/tcp/0"}, conf.P2P.Listen)
	require.Equal(t, 700*time.Millisecond, conf.Collab.Protocol.PullWait)
	require.True(t, conf.Collab.Protocol.Pinner)
	require.Equal(t, filepath.Join("/tmp/node", "state"), conf.Store.Path)
	require.True(t, conf.API.Enabled)
	require.Equal(t, "127.0.0.1:0", conf.API.Listen)
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[main]
preset = "fastnet"
app = "fromfile"

[collab.protocol]
pull-wait = "2s"
`), 0o600))

	fast, err := presets.Get("fastnet")
	require.NoError(t, err)

	conf, err := LoadConfig(flagSet(t, "--config", path))
	require.NoError(t, err)
	require.Equal(t, "fromfile", conf.App)
	require.Equal(t, 2*time.Second, conf.Collab.Protocol.PullWait, "file overrides preset")
	require.Equal(t, fast.Collab.Overlay, conf.Collab.Overlay, "preset overrides defaults")

	conf, err = LoadConfig(flagSet(t, "--config", path, "--app", "fromflag", "--preset", "standalone"))
	require.NoError(t, err)
	require.Equal(t, "fromflag", conf.App, "flag overrides file")
	standalone, err := presets.Get("standalone")
	require.NoError(t, err)
	require.Equal(t, standalone.Collab.Overlay, conf.Collab.Overlay, "flag selects preset")

	_, err = LoadConfig(flagSet(t, "--preset", "mainnet"))
	require.Error(t, err)
}
