package protocol

import (
	"context"
	"io"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-collab/codec"
	"github.com/spacemeshos/go-collab/log"
	"github.com/spacemeshos/go-collab/vclock"
)

type wait struct {
	clock vclock.Clock
	timer clockwork.Timer
}

// PullSession receives data from the remote pusher and applies it to shared.
type PullSession struct {
	*session
	cfg     Config
	clock   clockwork.Clock
	tracker Tracker
	shared  Shared

	expired chan string

	mu            sync.Mutex
	waits         map[string]wait
	lazyRequested bool
}

// NewPullSession starts pulling from the remote over stream. The session owns
// the stream and closes it when it exits.
func NewPullSession(
	ctx context.Context,
	remote peer.ID,
	stream io.ReadWriteCloser,
	shared Shared,
	opts ...Opt,
) *PullSession {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	p := &PullSession{
		session: newSession(o.logger, remote, newConn("pull", stream, o.cfg.MaxMessageSize)),
		cfg:     o.cfg,
		clock:   o.clock,
		tracker: o.tracker,
		shared:  shared,
		expired: make(chan string),
		waits:   map[string]wait{},
	}
	pullSessions.Inc()
	p.start(ctx, p.run)
	go func() {
		<-p.Done()
		pullSessions.Dec()
	}()
	return p
}

// Waiting returns the number of advertised clocks the session waits on.
func (p *PullSession) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waits)
}

func (p *PullSession) pinnerStatus() PinnerStatus {
	if p.cfg.Pinner {
		return PinnerYes
	}
	return PinnerNo
}

func (p *PullSession) send(msg *PullMessage) error {
	return p.conn.send(msg, pullKind(msg))
}

func (p *PullSession) run(ctx context.Context) error {
	defer p.stopWaits()
	changes, unsubscribe := p.shared.Subscribe()
	defer unsubscribe()
	if err := p.send(&PullMessage{Clock: p.shared.Clock(), Pinner: p.pinnerStatus()}); err != nil {
		return err
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return p.closeOnCancel(ctx)
	})
	eg.Go(func() error {
		for {
			var msg PushMessage
			if err := p.conn.recv(&msg); err != nil {
				return err
			}
			messages.WithLabelValues("pull", "in", pushKind(&msg)).Inc()
			if err := p.onPush(ctx, &msg); err != nil {
				return err
			}
		}
	})
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changes:
				local := p.shared.Clock()
				p.clearSatisfied(local)
				if err := p.send(&PullMessage{Clock: local}); err != nil {
					return err
				}
			case key := <-p.expired:
				if err := p.onExpired(key); err != nil {
					return err
				}
			}
		}
	})
	return eg.Wait()
}

func (p *PullSession) onPush(ctx context.Context, msg *PushMessage) error {
	if msg.ClockOnly() {
		p.tracker.Receiving(p.remote, msg.Clock)
		if vclock.DoesSecondHaveFirst(msg.Clock, p.shared.Clock()) {
			return nil
		}
		p.startWait(msg.Clock)
		return nil
	}
	newInfo := false
	if len(msg.Deltas) > 0 {
		ok, err := p.shared.ApplyDeltas(ctx, msg.Deltas)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Debug("failed to apply deltas", zap.Int("deltas", len(msg.Deltas)), zap.Error(err))
		}
		newInfo = newInfo || ok
	}
	if msg.State != nil {
		ok, err := p.shared.ApplyState(ctx, msg.State)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Debug("failed to apply state", log.ZClock("clock", msg.State.Clock), zap.Error(err))
		}
		newInfo = newInfo || ok
	}
	local := p.shared.Clock()
	p.clearSatisfied(local)
	p.mu.Lock()
	if newInfo {
		p.lazyRequested = false
		p.mu.Unlock()
		p.tracker.Received(p.remote, local)
		return nil
	}
	if p.lazyRequested {
		p.mu.Unlock()
		return nil
	}
	p.lazyRequested = true
	p.mu.Unlock()
	p.logger.Debug("no new information, asking pusher to become lazy", log.ZClock("clock", local))
	return p.send(&PullMessage{Clock: local, StartLazy: true})
}

func waitKey(clock vclock.Clock) string {
	return string(codec.MustEncode(clock))
}

func (p *PullSession) startWait(clock vclock.Clock) {
	key := waitKey(clock)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exist := p.waits[key]; exist || len(p.waits) >= p.cfg.MaxPendingWaits {
		return
	}
	p.waits[key] = wait{
		clock: clock.Clone(),
		timer: p.clock.AfterFunc(p.cfg.PullWait, func() {
			select {
			case p.expired <- key:
			case <-p.Done():
			}
		}),
	}
}

func (p *PullSession) onExpired(key string) error {
	p.mu.Lock()
	w, exist := p.waits[key]
	if !exist {
		p.mu.Unlock()
		return nil
	}
	delete(p.waits, key)
	p.mu.Unlock()
	local := p.shared.Clock()
	if vclock.DoesSecondHaveFirst(w.clock, local) {
		return nil
	}
	p.mu.Lock()
	p.lazyRequested = false
	p.mu.Unlock()
	p.logger.Debug("advertised clock didn't arrive, asking pusher to become eager",
		log.ZClock("advertised", w.clock),
		log.ZClock("clock", local),
	)
	return p.send(&PullMessage{Clock: local, StartEager: true})
}

func (p *PullSession) clearSatisfied(local vclock.Clock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, w := range p.waits {
		if vclock.DoesSecondHaveFirst(w.clock, local) {
			w.timer.Stop()
			delete(p.waits, key)
		}
	}
}

func (p *PullSession) stopWaits() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, w := range p.waits {
		w.timer.Stop()
		delete(p.waits, key)
	}
}
