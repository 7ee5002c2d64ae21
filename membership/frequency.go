package membership

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// FrequencyConfig for the gossip frequency heuristic.
type FrequencyConfig struct {
	// SampleInterval is the period of recomputing the gossip interval.
	SampleInterval time.Duration `mapstructure:"sample-interval"`
	// TargetGlobalFrequency is the desired interval between gossip messages
	// of the whole swarm.
	TargetGlobalFrequency time.Duration `mapstructure:"target-global-frequency"`
	// UrgencyMultiplier shortens the interval while a broadcast is urgent.
	UrgencyMultiplier int `mapstructure:"urgency-multiplier"`
	// SmallSwarm is the largest swarm that reacts immediately to wrong membership.
	SmallSwarm int `mapstructure:"small-swarm"`
	// WrongDebounce coalesces reactions to wrong membership.
	WrongDebounce time.Duration `mapstructure:"wrong-debounce"`
	// MinInterval is the lower bound of the gossip interval.
	MinInterval time.Duration `mapstructure:"min-interval"`
}

// DefaultFrequencyConfig returns defaults.
func DefaultFrequencyConfig() FrequencyConfig {
	return FrequencyConfig{
		SampleInterval:        10 * time.Second,
		TargetGlobalFrequency: time.Second,
		UrgencyMultiplier:     10,
		SmallSwarm:            32,
		WrongDebounce:         500 * time.Millisecond,
		MinInterval:           50 * time.Millisecond,
	}
}

// frequency decides when to gossip. Every peer picks a random interval
// proportional to the guessed swarm size, so that the swarm as a whole gossips
// about once per TargetGlobalFrequency.
type frequency struct {
	logger *zap.Logger
	cfg    FrequencyConfig
	clock  clockwork.Clock
	random func(n int64) int64

	swarm      func() int
	urgent     func() bool
	interested func() int
	gossip     func(context.Context)

	wrong chan struct{}
}

func newFrequency(
	logger *zap.Logger,
	cfg FrequencyConfig,
	clock clockwork.Clock,
	swarm func() int,
	urgent func() bool,
	interested func() int,
	gossip func(context.Context),
) *frequency {
	return &frequency{
		logger:     logger,
		cfg:        cfg,
		clock:      clock,
		random:     rand.Int64N,
		swarm:      swarm,
		urgent:     urgent,
		interested: interested,
		gossip:     gossip,
		wrong:      make(chan struct{}, 1),
	}
}

// onWrong is called when a received message shows that some peer has a
// different membership table.
func (f *frequency) onWrong() {
	select {
	case f.wrong <- struct{}{}:
	default:
	}
}

func (f *frequency) interval() time.Duration {
	swarm := max(f.swarm(), 1)
	upper := 2 * int64(swarm) * int64(f.cfg.TargetGlobalFrequency)
	if f.urgent() && f.cfg.UrgencyMultiplier > 1 {
		upper /= int64(f.cfg.UrgencyMultiplier)
	}
	if upper <= 0 {
		return f.cfg.MinInterval
	}
	return max(time.Duration(f.random(upper)), f.cfg.MinInterval)
}

func (f *frequency) run(ctx context.Context) error {
	sample := f.clock.NewTicker(f.cfg.SampleInterval)
	defer sample.Stop()
	interval := f.interval()
	deadline := f.clock.Now().Add(interval)
	next := f.clock.NewTimer(interval)
	defer next.Stop()
	var (
		debounce clockwork.Timer
		fire     <-chan time.Time
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	reschedule := func() {
		interval := f.interval()
		deadline = f.clock.Now().Add(interval)
		next.Reset(interval)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sample.Chan():
			interval := f.interval()
			if f.clock.Now().Add(interval).Before(deadline) {
				next.Stop()
				deadline = f.clock.Now().Add(interval)
				next.Reset(interval)
			}
		case <-next.Chan():
			f.gossip(ctx)
			reschedule()
		case <-f.wrong:
			if fire != nil || f.swarm() > f.cfg.SmallSwarm || f.interested() == 0 {
				continue
			}
			debounce = f.clock.NewTimer(f.cfg.WrongDebounce)
			fire = debounce.Chan()
		case <-fire:
			fire = nil
			f.logger.Debug("gossiping early to fix membership")
			f.gossip(ctx)
			next.Stop()
			reschedule()
		}
	}
}
