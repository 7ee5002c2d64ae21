// Package overlay keeps outbound replication connections equal to the Dias
// peer set of the membership ring.
package overlay

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jonboulle/clockwork"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-collab/hash"
	"github.com/spacemeshos/go-collab/ring"
)

// Ring is the overlay ring. Metadata is the peer address info.
type Ring = ring.Ring[peer.AddrInfo]

// Point returns the position of a peer on the ring.
func Point(id peer.ID) ring.ID {
	h := hash.Sum([]byte(id))
	return ring.ID(h[:])
}

// Config for ConnectionManager.
type Config struct {
	// MaxUnreachable is the number of failed attempts after which a peer is
	// removed from the ring.
	MaxUnreachable int `mapstructure:"max-unreachable"`
	// ResetDebounce coalesces ring changes before reconciling.
	ResetDebounce time.Duration `mapstructure:"reset-debounce"`
	// ReconcileInterval is the period of reconciliation without ring changes.
	ReconcileInterval time.Duration `mapstructure:"reconcile-interval"`
	DialTimeout       time.Duration `mapstructure:"dial-timeout"`
	MinBackoff        time.Duration `mapstructure:"min-backoff"`
	MaxBackoff        time.Duration `mapstructure:"max-backoff"`
	// EvictQueue is the capacity of the eviction channel.
	EvictQueue int `mapstructure:"evict-queue"`
}

// DefaultConfig for ConnectionManager.
func DefaultConfig() Config {
	return Config{
		MaxUnreachable:    10,
		ResetDebounce:     time.Second,
		ReconcileInterval: 30 * time.Second,
		DialTimeout:       10 * time.Second,
		MinBackoff:        100 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		EvictQueue:        64,
	}
}

// Opt modifies ConnectionManager.
type Opt func(*ConnectionManager)

// WithLogger sets logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(m *ConnectionManager) {
		m.logger = logger
	}
}

// WithConfig sets Config.
func WithConfig(cfg Config) Opt {
	return func(m *ConnectionManager) {
		m.cfg = cfg
	}
}

// WithClock sets clock.
func WithClock(clock clockwork.Clock) Opt {
	return func(m *ConnectionManager) {
		m.clock = clock
	}
}

type outbound struct {
	info    peer.AddrInfo
	cancel  context.CancelFunc
	session Session
	// closing is set when the session was closed locally
	closing bool
}

type reachability struct {
	unreachable int
	backoff     *backoff.ExponentialBackOff
	next        time.Time
}

type dialResult struct {
	conn    *outbound
	session Session
	err     error
}

// ConnectionManager opens sessions to peers in the Dias set of the ring and
// closes sessions to peers that left it. Peers that can't be reached more than
// MaxUnreachable times in a row are removed from the ring and reported on
// Evicted. A session that ends before the remote answered on it counts as a
// failed attempt.
//
// Connection state is owned by the Run goroutine.
type ConnectionManager struct {
	logger *zap.Logger
	cfg    Config
	clock  clockwork.Clock
	self   peer.ID
	dias   *ring.Dias
	ring   *Ring
	dialer Dialer

	evicted chan peer.ID
	results chan dialResult
	ended   chan *outbound
	wake    chan struct{}
	wg      sync.WaitGroup

	peers map[peer.ID]*reachability

	mu       sync.Mutex
	outbound map[peer.ID]*outbound
	inbound  map[peer.ID]int
}

// New creates a ConnectionManager for self over r.
func New(self peer.ID, r *Ring, dialer Dialer, opts ...Opt) *ConnectionManager {
	m := &ConnectionManager{
		logger:   zap.NewNop(),
		cfg:      DefaultConfig(),
		clock:    clockwork.NewRealClock(),
		self:     self,
		dias:     ring.NewDias(Point(self)),
		ring:     r,
		dialer:   dialer,
		results:  make(chan dialResult),
		ended:    make(chan *outbound),
		wake:     make(chan struct{}, 1),
		peers:    map[peer.ID]*reachability{},
		outbound: map[peer.ID]*outbound{},
		inbound:  map[peer.ID]int{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.evicted = make(chan peer.ID, m.cfg.EvictQueue)
	return m
}

// Evicted delivers peers removed from the ring after being unreachable.
func (m *ConnectionManager) Evicted() <-chan peer.ID {
	return m.evicted
}

// OnInbound records an inbound session and returns a func to call when it ends.
func (m *ConnectionManager) OnInbound(id peer.ID) func() {
	m.mu.Lock()
	m.inbound[id]++
	m.mu.Unlock()
	inboundConnections.Inc()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.inbound[id]--; m.inbound[id] <= 0 {
				delete(m.inbound, id)
			}
			m.mu.Unlock()
			inboundConnections.Dec()
		})
	}
}

// InboundCount returns the number of inbound sessions.
func (m *ConnectionManager) InboundCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.inbound {
		total += n
	}
	return total
}

// OutboundCount returns the number of established outbound sessions.
func (m *ConnectionManager) OutboundCount() int {
	return len(m.OutboundPeers())
}

// OutboundPeers returns peers with established outbound sessions.
func (m *ConnectionManager) OutboundPeers() []peer.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rst []peer.ID
	for id, c := range m.outbound {
		if c.session != nil && !c.closing {
			rst = append(rst, id)
		}
	}
	slices.Sort(rst)
	return rst
}

// Run reconciles connections until ctx is canceled. All sessions are closed
// before it returns.
func (m *ConnectionManager) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()
	var (
		debounce clockwork.Timer
		fire     <-chan time.Time
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
		m.closeAll()
	}()
	arm := func() {
		if fire != nil {
			return
		}
		debounce = m.clock.NewTimer(m.cfg.ResetDebounce)
		fire = debounce.Chan()
	}
	m.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.ring.Changed():
			arm()
		case <-fire:
			fire = nil
			m.reconcile(ctx)
		case <-ticker.Chan():
			m.reconcile(ctx)
		case <-m.wake:
			m.reconcile(ctx)
		case res := <-m.results:
			m.onDialed(ctx, res)
		case c := <-m.ended:
			m.onEnded(c)
			arm()
		}
	}
}

// target returns the Dias set of the ring as peers.
func (m *ConnectionManager) target() map[peer.ID]peer.AddrInfo {
	set := m.dias.PeerSet(m.ring.Snapshot())
	rst := make(map[peer.ID]peer.AddrInfo, len(set))
	for point := range set {
		if info, ok := m.ring.Get(point); ok && info.ID != m.self {
			rst[info.ID] = info
		}
	}
	return rst
}

func (m *ConnectionManager) reconcile(ctx context.Context) {
	target := m.target()
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, info := range target {
		if _, exist := m.outbound[id]; exist {
			continue
		}
		if r, exist := m.peers[id]; exist && now.Before(r.next) {
			continue
		}
		m.dial(ctx, info)
	}
	for id, c := range m.outbound {
		if _, wanted := target[id]; wanted {
			continue
		}
		if c.session == nil {
			m.logger.Debug("canceling unwanted dial", zap.Stringer("peer", id))
			c.cancel()
			delete(m.outbound, id)
			continue
		}
		if c.closing {
			continue
		}
		m.logger.Debug("closing unwanted session", zap.Stringer("peer", id))
		c.closing = true
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			c.session.Close()
		}()
	}
	for id := range m.peers {
		if !m.ring.Has(Point(id)) {
			delete(m.peers, id)
		}
	}
}

// dial must be called with mu held.
func (m *ConnectionManager) dial(ctx context.Context, info peer.AddrInfo) {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	c := &outbound{info: info, cancel: cancel}
	m.outbound[info.ID] = c
	m.logger.Debug("dialing", zap.Stringer("peer", info.ID))
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		session, err := m.dialer.Dial(dctx, info)
		cancel()
		select {
		case m.results <- dialResult{conn: c, session: session, err: err}:
		case <-ctx.Done():
			if session != nil {
				session.Close()
			}
		}
	}()
}

func (m *ConnectionManager) onDialed(ctx context.Context, res dialResult) {
	id := res.conn.info.ID
	m.mu.Lock()
	current := m.outbound[id]
	if current != res.conn {
		m.mu.Unlock()
		dialCanceled.Inc()
		if res.session != nil {
			m.logger.Debug("closing session that is no longer wanted", zap.Stringer("peer", id))
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				res.session.Close()
			}()
		}
		return
	}
	if res.err != nil {
		delete(m.outbound, id)
		m.mu.Unlock()
		dialFailed.Inc()
		m.logger.Debug("dial failed", zap.Stringer("peer", id), zap.Error(res.err))
		m.failed(id)
		return
	}
	current.session = res.session
	m.mu.Unlock()
	dialSucceeded.Inc()
	outboundConnections.Inc()
	m.logger.Debug("connected", zap.Stringer("peer", id))
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-res.session.Done():
		case <-ctx.Done():
			return
		}
		select {
		case m.ended <- current:
		case <-ctx.Done():
		}
	}()
}

func (m *ConnectionManager) onEnded(c *outbound) {
	id := c.info.ID
	m.mu.Lock()
	if m.outbound[id] != c {
		m.mu.Unlock()
		return
	}
	delete(m.outbound, id)
	closing := c.closing
	m.mu.Unlock()
	outboundConnections.Dec()
	// attempts are forgiven only after the remote answered
	established := c.session.Established()
	if r, exist := m.peers[id]; exist && established {
		r.unreachable = 0
		r.backoff.Reset()
		r.next = time.Time{}
	}
	if closing {
		return
	}
	if !established {
		m.logger.Debug("session ended before the remote answered",
			zap.Stringer("peer", id),
			zap.NamedError("session", c.session.Err()),
		)
		m.failed(id)
		return
	}
	if err := c.session.Err(); err != nil {
		m.logger.Info("session failed", zap.Stringer("peer", id), zap.Error(err))
		m.failed(id)
		return
	}
	// remote closed the session, retry after backoff without counting it
	r := m.reachability(id)
	delay := r.backoff.NextBackOff()
	r.next = m.clock.Now().Add(delay)
	m.retryLater(delay)
}

func (m *ConnectionManager) reachability(id peer.ID) *reachability {
	r, exist := m.peers[id]
	if !exist {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = m.cfg.MinBackoff
		b.MaxInterval = m.cfg.MaxBackoff
		b.MaxElapsedTime = 0
		b.Clock = m.clock
		b.Reset()
		r = &reachability{backoff: b}
		m.peers[id] = r
	}
	return r
}

func (m *ConnectionManager) failed(id peer.ID) {
	r := m.reachability(id)
	r.unreachable++
	if r.unreachable > m.cfg.MaxUnreachable {
		delete(m.peers, id)
		m.evict(id)
		return
	}
	delay := r.backoff.NextBackOff()
	r.next = m.clock.Now().Add(delay)
	m.logger.Debug("peer unreachable",
		zap.Stringer("peer", id),
		zap.Int("attempts", r.unreachable),
		zap.Duration("retry", delay),
	)
	m.retryLater(delay)
}

func (m *ConnectionManager) retryLater(delay time.Duration) {
	m.clock.AfterFunc(delay, func() {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	})
}

func (m *ConnectionManager) evict(id peer.ID) {
	if !m.ring.Remove(Point(id)) {
		return
	}
	evictions.Inc()
	m.logger.Info("evicting unreachable peer", zap.Stringer("peer", id))
	select {
	case m.evicted <- id:
	default:
		m.logger.Warn("eviction queue is full", zap.Stringer("peer", id))
	}
}

func (m *ConnectionManager) closeAll() {
	m.mu.Lock()
	for id, c := range m.outbound {
		if c.session == nil {
			c.cancel()
		} else {
			outboundConnections.Dec()
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				c.session.Close()
			}()
		}
		delete(m.outbound, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
