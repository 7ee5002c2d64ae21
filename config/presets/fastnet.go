package presets

import (
	"time"

	"github.com/spacemeshos/go-collab/config"
)

func init() {
	register("fastnet", fastnet())
}

// fastnet shortens every timer for clusters on one machine.
func fastnet() config.Config {
	conf := standalone()
	conf.Logging.Level = "debug"

	conf.Collab.Membership.Frequency.SampleInterval = time.Second
	conf.Collab.Membership.Frequency.TargetGlobalFrequency = 100 * time.Millisecond
	conf.Collab.Membership.Frequency.MinInterval = 10 * time.Millisecond
	conf.Collab.Membership.Frequency.WrongDebounce = 50 * time.Millisecond

	conf.Collab.Overlay.ResetDebounce = 100 * time.Millisecond
	conf.Collab.Overlay.ReconcileInterval = time.Second
	conf.Collab.Overlay.MinBackoff = 10 * time.Millisecond
	conf.Collab.Overlay.MaxBackoff = time.Second

	conf.Collab.Protocol.PushDebounce = 20 * time.Millisecond
	conf.Collab.Protocol.PinnerPushDebounce = 500 * time.Millisecond
	conf.Collab.Protocol.PullWait = 300 * time.Millisecond
	conf.Collab.Replica.SaveInterval = 100 * time.Millisecond
	return conf
}
