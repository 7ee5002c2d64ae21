package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-collab/log"
	"github.com/spacemeshos/go-collab/vclock"
)

// PushSession sends local data to the remote puller.
type PushSession struct {
	*session
	cfg     Config
	clock   clockwork.Clock
	tracker Tracker
	shared  Shared
	// key of the remote in vector clocks
	remoteKey string

	trigger chan struct{}

	mu          sync.Mutex
	// presented is set once the puller sent its first message
	presented   bool
	eager       bool
	pinner      PinnerStatus
	resets      uint64
	sentClock   vclock.Clock
	remoteClock vclock.Clock
}

// NewPushSession starts pushing shared to the remote over stream. The session
// owns the stream and closes it when it exits.
func NewPushSession(
	ctx context.Context,
	remote peer.ID,
	stream io.ReadWriteCloser,
	shared Shared,
	opts ...Opt,
) *PushSession {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return startPushSession(ctx, remote, newConn("push", stream, o.cfg.MaxMessageSize), shared, nil, o)
}

// startPushSession runs a push session on c. A non-nil first is the message
// the puller already sent on c.
func startPushSession(
	ctx context.Context,
	remote peer.ID,
	c *conn,
	shared Shared,
	first *PullMessage,
	o options,
) *PushSession {
	p := &PushSession{
		session:     newSession(o.logger, remote, c),
		cfg:         o.cfg,
		clock:       o.clock,
		tracker:     o.tracker,
		shared:      shared,
		remoteKey:   remote.String(),
		trigger:     make(chan struct{}, 1),
		eager:       true,
		remoteClock: vclock.New(),
	}
	pushSessions.Inc()
	if first != nil {
		p.onPull(first)
	}
	p.start(ctx, p.run)
	go func() {
		<-p.Done()
		pushSessions.Dec()
	}()
	return p
}

// Eager is true if the session pushes data rather than clocks.
func (p *PushSession) Eager() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eager
}

// Established is true once the puller sent its first message.
func (p *PushSession) Established() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.presented
}

// Pinner returns what the remote announced about itself.
func (p *PushSession) Pinner() PinnerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pinner
}

// RemoteClock is the best known clock of the remote.
func (p *PushSession) RemoteClock() vclock.Clock {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteClock.Clone()
}

func (p *PushSession) run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return p.closeOnCancel(ctx)
	})
	eg.Go(func() error {
		for {
			var msg PullMessage
			if err := p.conn.recv(&msg); err != nil {
				return err
			}
			messages.WithLabelValues("push", "in", pullKind(&msg)).Inc()
			p.onPull(&msg)
		}
	})
	eg.Go(func() error {
		return p.writeLoop(ctx)
	})
	return eg.Wait()
}

func (p *PushSession) notify() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *PushSession) onPull(msg *PullMessage) {
	p.mu.Lock()
	if msg.Pinner != PinnerUnknown && msg.Pinner != p.pinner {
		p.pinner = msg.Pinner
		p.resetSent()
	}
	if msg.Clock != nil {
		if p.pinner == PinnerYes || msg.StartEager || msg.StartLazy {
			p.remoteClock = msg.Clock.Clone()
		} else {
			p.remoteClock = vclock.Merge(p.remoteClock, msg.Clock)
		}
	}
	switch {
	case msg.StartEager:
		p.eager = true
		p.resetSent()
	case msg.StartLazy:
		p.eager = false
	}
	p.presented = true
	remote := p.remoteClock
	pinner := p.pinner == PinnerYes
	p.mu.Unlock()

	p.logger.Debug("received pull message",
		log.ZClock("clock", msg.Clock),
		zap.Bool("start_eager", msg.StartEager),
		zap.Bool("start_lazy", msg.StartLazy),
		zap.Stringer("pinner", msg.Pinner),
	)
	p.tracker.Sent(p.remote, remote, pinner)
	p.notify()
}

// resetSent forces the next push. Must be called with mu held.
func (p *PushSession) resetSent() {
	p.sentClock = nil
	p.resets++
}

func (p *PushSession) debounce() time.Duration {
	if p.Pinner() == PinnerYes {
		return p.cfg.PinnerPushDebounce
	}
	return p.cfg.PushDebounce
}

func (p *PushSession) writeLoop(ctx context.Context) error {
	changes, unsubscribe := p.shared.Subscribe()
	defer unsubscribe()
	var (
		timer clockwork.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	arm := func() {
		if fire != nil {
			return
		}
		timer = p.clock.NewTimer(p.debounce())
		fire = timer.Chan()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changes:
			arm()
		case <-p.trigger:
			arm()
		case <-fire:
			fire = nil
			if err := p.reduceEntropy(); err != nil {
				return err
			}
		}
	}
}

func (p *PushSession) reduceEntropy() error {
	p.mu.Lock()
	presented, eager, pinner := p.presented, p.eager, p.pinner == PinnerYes
	remote, sent, resets := p.remoteClock, p.sentClock, p.resets
	p.mu.Unlock()
	if !presented {
		return nil
	}
	local := p.shared.Clock()
	if sent != nil && vclock.IsIdentical(local, sent) {
		return nil
	}
	msg := PushMessage{Clock: local}
	if eager {
		if !remoteNeedsUpdate(local, remote, p.remoteKey) {
			return nil
		}
		if !pinner {
			deltas, err := p.shared.DeltaBatch(remote)
			switch {
			case errors.Is(err, ErrDeltasTrimmed):
				p.logger.Debug("deltas trimmed, pushing full state", log.ZClock("remote", remote))
			case err != nil:
				return fmt.Errorf("delta batch: %w", err)
			}
			msg.Deltas = deltas
		}
		if len(msg.Deltas) == 0 {
			state, err := p.shared.FullState()
			if err != nil {
				p.logger.Warn("can't push full state", zap.Error(err))
				return nil
			}
			msg.State = state
		}
	}
	kind := pushKind(&msg)
	if err := p.conn.send(&msg, kind); err != nil {
		return err
	}
	p.logger.Debug("pushed", zap.String("kind", kind), log.ZClock("clock", local), zap.Int("deltas", len(msg.Deltas)))

	p.mu.Lock()
	if resets == p.resets {
		p.sentClock = local
	}
	if eager {
		p.remoteClock = vclock.Merge(p.remoteClock, local)
	}
	p.mu.Unlock()
	if eager {
		p.tracker.Sending(p.remote, local)
	}
	return nil
}
