package protocol

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-msgio"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-collab/codec"
)

// Opt modifies sessions, Handler and Connector.
type Opt func(*options)

type options struct {
	logger  *zap.Logger
	clock   clockwork.Clock
	cfg     Config
	tracker Tracker
}

func defaultOptions() options {
	return options{
		logger:  zap.NewNop(),
		clock:   clockwork.NewRealClock(),
		cfg:     DefaultConfig(),
		tracker: nopTracker{},
	}
}

// WithLogger sets logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock sets clock for debounce and wait timers.
func WithClock(clock clockwork.Clock) Opt {
	return func(o *options) {
		o.clock = clock
	}
}

// WithConfig sets Config.
func WithConfig(cfg Config) Opt {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithTracker sets replication progress tracker.
func WithTracker(tracker Tracker) Opt {
	return func(o *options) {
		o.tracker = tracker
	}
}

// conn frames scale encoded messages with uvarint length prefixes.
type conn struct {
	side   string
	stream io.ReadWriteCloser
	r      msgio.ReadCloser

	mu sync.Mutex
	w  msgio.WriteCloser

	closeOnce sync.Once
}

func newConn(side string, stream io.ReadWriteCloser, maxSize int) *conn {
	return &conn{
		side:   side,
		stream: stream,
		r:      msgio.NewVarintReaderSize(stream, maxSize),
		w:      msgio.NewVarintWriter(stream),
	}
}

func (c *conn) send(msg codec.Encodable, kind string) error {
	buf, err := codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.w.WriteMsg(buf); err != nil {
		return err
	}
	messages.WithLabelValues(c.side, "out", kind).Inc()
	bytesTotal.WithLabelValues(c.side, "out").Add(float64(len(buf)))
	return nil
}

func (c *conn) recv(msg codec.Decodable) error {
	buf, err := c.r.ReadMsg()
	if err != nil {
		return err
	}
	defer c.r.ReleaseMsg(buf)
	bytesTotal.WithLabelValues(c.side, "in").Add(float64(len(buf)))
	if err := codec.Decode(buf, msg); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.stream.Close()
	})
}

// session is the lifecycle shared by push and pull sessions.
type session struct {
	logger *zap.Logger
	remote peer.ID
	conn   *conn

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func newSession(logger *zap.Logger, remote peer.ID, c *conn) *session {
	return &session{
		logger: logger.With(zap.Stringer("peer", remote), zap.String("side", c.side)),
		remote: remote,
		conn:   c,
		cancel: func() {},
		done:   make(chan struct{}),
	}
}

func (s *session) start(ctx context.Context, run func(context.Context) error) {
	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		s.finish(run(ctx))
	}()
}

func (s *session) finish(err error) {
	s.once.Do(func() {
		s.cancel()
		s.conn.close()
		if IsExpectedNetworkError(err) {
			s.logger.Debug("session closed", zap.Error(err))
		} else {
			s.err = err
			s.logger.Info("session failed", zap.Error(err))
		}
		close(s.done)
	})
}

// Remote returns the remote peer.
func (s *session) Remote() peer.ID {
	return s.remote
}

// Done is closed when the session ended.
func (s *session) Done() <-chan struct{} {
	return s.done
}

// Err returns an unexpected error the session ended with. Valid after Done is closed.
func (s *session) Err() error {
	<-s.done
	return s.err
}

// Close stops the session and waits for it to exit. Safe to call multiple times.
func (s *session) Close() error {
	s.cancel()
	s.conn.close()
	<-s.done
	return nil
}

// closeOnCancel unblocks readers when the context is canceled.
func (s *session) closeOnCancel(ctx context.Context) error {
	<-ctx.Done()
	s.conn.close()
	return ctx.Err()
}
