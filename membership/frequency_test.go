package membership

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-collab/log/logtest"
)

type freqTester struct {
	*frequency
	clock      clockwork.FakeClock
	swarm      atomic.Int64
	urgent     atomic.Bool
	interested atomic.Int64
	gossiped   atomic.Int64
}

func newFreqTester(tb testing.TB, cfg FrequencyConfig) *freqTester {
	ft := &freqTester{clock: clockwork.NewFakeClock()}
	ft.swarm.Store(1)
	ft.interested.Store(1)
	ft.frequency = newFrequency(logtest.New(tb), cfg, ft.clock,
		func() int { return int(ft.swarm.Load()) },
		ft.urgent.Load,
		func() int { return int(ft.interested.Load()) },
		func(context.Context) { ft.gossiped.Add(1) },
	)
	// upper bound of the range
	ft.random = func(n int64) int64 { return n - 1 }
	return ft
}

func (ft *freqTester) start(tb testing.TB) {
	ctx, cancel := context.WithCancel(context.Background())
	var eg errgroup.Group
	eg.Go(func() error { return ft.run(ctx) })
	tb.Cleanup(func() {
		cancel()
		require.NoError(tb, eg.Wait())
	})
	// sample ticker and gossip timer
	ft.clock.BlockUntil(2)
}

func TestFrequencyInterval(t *testing.T) {
	cfg := DefaultFrequencyConfig()
	ft := newFreqTester(t, cfg)

	ft.swarm.Store(5)
	require.Equal(t, 10*cfg.TargetGlobalFrequency-1, ft.interval())

	ft.urgent.Store(true)
	require.Equal(t, cfg.TargetGlobalFrequency-1, ft.interval())

	ft.swarm.Store(0)
	require.Equal(t, 2*cfg.TargetGlobalFrequency/10-1, ft.interval(), "swarm includes self")

	ft.random = func(int64) int64 { return 0 }
	require.Equal(t, cfg.MinInterval, ft.interval())

	var upper int64
	ft.random = func(n int64) int64 {
		upper = n
		return n / 2
	}
	ft.urgent.Store(false)
	ft.swarm.Store(100)
	ft.interval()
	require.Equal(t, int64(200*cfg.TargetGlobalFrequency), upper)
}

func TestFrequencyGossipsPeriodically(t *testing.T) {
	cfg := DefaultFrequencyConfig()
	cfg.SampleInterval = time.Hour
	ft := newFreqTester(t, cfg)
	ft.swarm.Store(2)
	ft.start(t)

	interval := 4*cfg.TargetGlobalFrequency - 1
	for i := range 3 {
		ft.clock.Advance(interval)
		require.Eventually(t, func() bool {
			return ft.gossiped.Load() == int64(i+1)
		}, time.Second, time.Millisecond)
		ft.clock.BlockUntil(2)
	}
}

func TestFrequencySampleShortensInterval(t *testing.T) {
	cfg := DefaultFrequencyConfig()
	cfg.SampleInterval = time.Second
	ft := newFreqTester(t, cfg)
	ft.swarm.Store(100)
	ft.start(t)

	start := ft.clock.Now()
	ft.urgent.Store(true)
	require.Eventually(t, func() bool {
		ft.clock.Advance(cfg.SampleInterval)
		return ft.gossiped.Load() >= 1
	}, 5*time.Second, time.Millisecond)
	// urgent interval is 20s from the first sample
	require.Less(t, ft.clock.Since(start), 100*time.Second)
}

func TestFrequencyReactsToWrongMembership(t *testing.T) {
	cfg := DefaultFrequencyConfig()
	ft := newFreqTester(t, cfg)
	ft.swarm.Store(3)
	ft.start(t)

	ft.onWrong()
	ft.onWrong()
	// sample ticker, gossip timer and debounce
	ft.clock.BlockUntil(3)
	ft.clock.Advance(cfg.WrongDebounce)
	require.Eventually(t, func() bool {
		return ft.gossiped.Load() == 1
	}, time.Second, time.Millisecond)
	ft.clock.BlockUntil(2)
}

func TestFrequencyIgnoresWrongMembership(t *testing.T) {
	for _, tc := range []struct {
		desc              string
		swarm, interested int64
	}{
		{desc: "large swarm", swarm: 100, interested: 1},
		{desc: "no interested peers", swarm: 3, interested: 0},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := DefaultFrequencyConfig()
			cfg.TargetGlobalFrequency = time.Minute
			ft := newFreqTester(t, cfg)
			ft.swarm.Store(tc.swarm)
			ft.interested.Store(tc.interested)
			ft.start(t)

			ft.onWrong()
			require.Never(t, func() bool {
				ft.clock.Advance(cfg.WrongDebounce)
				return ft.gossiped.Load() > 0
			}, 50*time.Millisecond, 5*time.Millisecond)
		})
	}
}
