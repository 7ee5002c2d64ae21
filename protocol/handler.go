package protocol

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	lp2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ID returns the stream protocol of a collaboration.
func ID(app, collaboration string) lp2pprotocol.ID {
	return lp2pprotocol.ID(fmt.Sprintf("/%s/collab/%s/1.0.0", app, collaboration))
}

// Handler accepts inbound streams and runs a pull session on each.
type Handler struct {
	opts     []Opt
	logger   *zap.Logger
	host     host.Host
	protocol lp2pprotocol.ID
	shared   Shared
	limiter  *rate.Limiter
	// inbound is notified about started sessions and returns a func called when the session ends
	inbound func(peer.ID) func()

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[*PullSession]struct{}
	wg       sync.WaitGroup
}

// NewHandler creates a Handler. Call Start to register it on the host.
func NewHandler(h host.Host, id lp2pprotocol.ID, shared Shared, opts ...Opt) *Handler {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Handler{
		opts:     opts,
		logger:   o.logger.With(zap.String("protocol", string(id))),
		host:     h,
		protocol: id,
		shared:   shared,
		limiter:  rate.NewLimiter(rate.Limit(o.cfg.InboundRate), o.cfg.InboundBurst),
		inbound:  func(peer.ID) func() { return func() {} },
		sessions: map[*PullSession]struct{}{},
	}
}

// OnInbound sets the hook notified about inbound sessions. Must be called before Start.
func (h *Handler) OnInbound(f func(peer.ID) func()) {
	h.inbound = f
}

// Start registers the stream handler.
func (h *Handler) Start(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.host.SetStreamHandler(h.protocol, h.handle)
}

func (h *Handler) handle(stream network.Stream) {
	remote := stream.Conn().RemotePeer()
	if !h.limiter.Allow() {
		rejectedInbound.Inc()
		h.logger.Debug("rejecting inbound session", zap.Stringer("peer", remote))
		stream.Reset()
		return
	}
	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		stream.Reset()
		return
	}
	session := NewPullSession(h.ctx, remote, stream, h.shared, h.opts...)
	h.sessions[session] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()
	done := h.inbound(remote)
	go func() {
		defer h.wg.Done()
		<-session.Done()
		done()
		h.mu.Lock()
		delete(h.sessions, session)
		h.mu.Unlock()
	}()
}

// Sessions returns the number of running inbound sessions.
func (h *Handler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Stop unregisters the handler and closes inbound sessions.
func (h *Handler) Stop() {
	h.host.RemoveStreamHandler(h.protocol)
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	sessions := make([]*PullSession, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
	h.wg.Wait()
}

// Connector opens outbound streams and runs a push session on each.
type Connector struct {
	o        options
	logger   *zap.Logger
	host     host.Host
	protocol lp2pprotocol.ID
	shared   Shared
	tag      string
}

// NewConnector creates a Connector.
func NewConnector(h host.Host, id lp2pprotocol.ID, shared Shared, opts ...Opt) *Connector {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Connector{
		o:        o,
		logger:   o.logger.With(zap.String("protocol", string(id))),
		host:     h,
		protocol: id,
		shared:   shared,
		tag:      string(id),
	}
}

// Dial connects to the peer and starts a push session once the remote puller
// sent its first message. A peer that doesn't serve the collaboration fails
// the dial. The connection is protected from the host connection manager
// while the session runs. The session is bound to sessionCtx.
func (c *Connector) Dial(ctx, sessionCtx context.Context, info peer.AddrInfo) (*PushSession, error) {
	if len(info.Addrs) > 0 {
		c.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)
	}
	stream, err := c.host.NewStream(ctx, info.ID, c.protocol)
	if err != nil {
		return nil, fmt.Errorf("open stream to %s: %w", info.ID, err)
	}
	framed := newConn("push", stream, c.o.cfg.MaxMessageSize)
	first, err := receiveFirst(ctx, stream, framed)
	if err != nil {
		stream.Reset()
		return nil, fmt.Errorf("negotiate %s with %s: %w", c.protocol, info.ID, err)
	}
	c.host.ConnManager().Protect(info.ID, c.tag)
	session := startPushSession(sessionCtx, info.ID, framed, c.shared, first, c.o)
	go func() {
		<-session.Done()
		c.host.ConnManager().Unprotect(info.ID, c.tag)
	}()
	return session, nil
}

// receiveFirst reads the message every puller sends when it starts. Stream
// protocols are negotiated lazily, so this is where an unsupported protocol
// surfaces.
func receiveFirst(ctx context.Context, stream network.Stream, c *conn) (*PullMessage, error) {
	stop := context.AfterFunc(ctx, func() {
		stream.Reset()
	})
	defer stop()
	var msg PullMessage
	if err := c.recv(&msg); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	messages.WithLabelValues("push", "in", pullKind(&msg)).Inc()
	return &msg, nil
}
