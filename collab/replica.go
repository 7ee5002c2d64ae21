package collab

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-collab/common/types"
	"github.com/spacemeshos/go-collab/crdt"
	"github.com/spacemeshos/go-collab/log"
	"github.com/spacemeshos/go-collab/protocol"
	"github.com/spacemeshos/go-collab/signing"
	"github.com/spacemeshos/go-collab/store"
	"github.com/spacemeshos/go-collab/vclock"
)

var (
	// ErrCausalGap is returned when a delta was produced on top of state the replica doesn't have.
	ErrCausalGap = errors.New("collab: causal gap")
	// ErrUnknownSub is returned for operations on a sub-collaboration that was never created.
	ErrUnknownSub = errors.New("collab: unknown sub-collaboration")
	// ErrTypeMismatch is returned when remote data names another crdt type for a sub-collaboration.
	ErrTypeMismatch = errors.New("collab: crdt type mismatch")
	// ErrStopped is returned after the replica was stopped.
	ErrStopped = errors.New("collab: replica stopped")
)

// ReplicaConfig for Replica.
type ReplicaConfig struct {
	// MaxDeltaRetention bounds the in-memory delta log.
	MaxDeltaRetention int `mapstructure:"max-delta-retention"`
	// SaveInterval delays saving a snapshot after remote data was applied.
	SaveInterval time.Duration `mapstructure:"save-interval"`
	// QueueSize is the capacity of the apply queue.
	QueueSize int `mapstructure:"queue-size"`
}

// DefaultReplicaConfig returns default ReplicaConfig.
func DefaultReplicaConfig() ReplicaConfig {
	return ReplicaConfig{
		MaxDeltaRetention: 1000,
		SaveInterval:      time.Second,
		QueueSize:         256,
	}
}

// ReplicaOpt modifies Replica.
type ReplicaOpt func(*Replica)

// WithReplicaLogger sets logger.
func WithReplicaLogger(logger *zap.Logger) ReplicaOpt {
	return func(r *Replica) {
		r.logger = logger
	}
}

// WithReplicaConfig sets config.
func WithReplicaConfig(cfg ReplicaConfig) ReplicaOpt {
	return func(r *Replica) {
		r.cfg = cfg
	}
}

// WithSealer sets payload protection. Defaults to signing.NopKeychain.
func WithSealer(sealer signing.Sealer) ReplicaOpt {
	return func(r *Replica) {
		r.sealer = sealer
	}
}

// WithStore sets persistence. Defaults to a store.MemStore.
func WithStore(s store.Store) ReplicaOpt {
	return func(r *Replica) {
		r.store = s
	}
}

// WithReplicaClock sets clock for the snapshot timer.
func WithReplicaClock(clock clockwork.Clock) ReplicaOpt {
	return func(r *Replica) {
		r.clock = clock
	}
}

type sub struct {
	typ   crdt.Type
	state crdt.State
}

type job struct {
	fn   func(context.Context) error
	done chan error
}

// Replica is the local copy of a collaboration. It holds a single vector
// clock shared by all sub-collaborations, a state per sub-collaboration and a
// bounded log of deltas for forwarding.
//
// All writes are executed in order by a single goroutine.
type Replica struct {
	logger *zap.Logger
	cfg    ReplicaConfig
	clock  clockwork.Clock
	name   string
	id     string
	sealer signing.Sealer
	store  store.Store

	queue chan job
	quit  chan struct{}
	wg    sync.WaitGroup

	mu     sync.RWMutex
	vclock vclock.Clock
	subs   map[string]*sub
	deltas []types.DeltaRecord

	subsMu      sync.Mutex
	listeners   map[int]chan struct{}
	listenerSeq int

	saveMu    sync.Mutex
	saveTimer clockwork.Timer

	startOnce sync.Once
	started   atomic.Bool
	stopOnce  sync.Once
}

var _ protocol.Shared = (*Replica)(nil)

// NewReplica creates a replica with the root state of type typ. The id is
// this replica's key in vector clocks.
func NewReplica(name, id string, typ crdt.Type, opts ...ReplicaOpt) *Replica {
	r := &Replica{
		logger:    zap.NewNop(),
		cfg:       DefaultReplicaConfig(),
		clock:     clockwork.NewRealClock(),
		name:      name,
		id:        id,
		sealer:    signing.NopKeychain{},
		quit:      make(chan struct{}),
		vclock:    vclock.New(),
		subs:      map[string]*sub{"": {typ: typ, state: typ.Initial()}},
		listeners: map[int]chan struct{}{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store == nil {
		r.store = store.NewMemStore()
	}
	r.queue = make(chan job, r.cfg.QueueSize)
	r.logger = r.logger.With(zap.String("collab", name))
	return r
}

// Name of the collaboration.
func (r *Replica) Name() string {
	return r.name
}

// Type is the crdt type name of the root.
func (r *Replica) Type() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subs[""].typ.Name()
}

// ID of the replica in vector clocks.
func (r *Replica) ID() string {
	return r.id
}

// Start loads persisted state and starts the apply loop.
func (r *Replica) Start(ctx context.Context) error {
	var err error
	r.startOnce.Do(func() {
		if err = r.load(ctx); err != nil {
			return
		}
		r.started.Store(true)
		r.wg.Add(1)
		go r.run()
	})
	return err
}

func (r *Replica) load(ctx context.Context) error {
	state, err := r.store.LoadState(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load state: %w", err)
	default:
		// snapshots are stored unsealed
		if _, err := r.applyState(state, signing.NopKeychain{}); err != nil {
			return fmt.Errorf("restore state: %w", err)
		}
	}
	deltas, err := r.store.LoadDeltas(ctx)
	if err != nil {
		return fmt.Errorf("load deltas: %w", err)
	}
	for i := range deltas {
		if _, err := r.applyDelta(&deltas[i]); err != nil && !errors.Is(err, ErrCausalGap) {
			return fmt.Errorf("replay delta: %w", err)
		}
	}
	r.logger.Debug("loaded replica", log.ZClock("clock", r.vclock), zap.Int("deltas", len(deltas)))
	return nil
}

func (r *Replica) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.quit:
			return
		case j := <-r.queue:
			j.done <- j.fn(context.Background())
		}
	}
}

func (r *Replica) submit(ctx context.Context, fn func(context.Context) error) error {
	j := job{fn: fn, done: make(chan error, 1)}
	select {
	case r.queue <- j:
	case <-r.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.done:
		return err
	case <-r.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain waits until all previously submitted work was applied.
func (r *Replica) Drain(ctx context.Context) error {
	return r.submit(ctx, func(context.Context) error { return nil })
}

// Stop drains the queue, saves a snapshot and stops the apply loop.
func (r *Replica) Stop(ctx context.Context) error {
	var err error
	r.stopOnce.Do(func() {
		if !r.started.Load() {
			close(r.quit)
			return
		}
		err = r.submit(ctx, func(ctx context.Context) error {
			r.saveMu.Lock()
			if r.saveTimer != nil {
				r.saveTimer.Stop()
				r.saveTimer = nil
			}
			r.saveMu.Unlock()
			return r.save(ctx)
		})
		close(r.quit)
		r.wg.Wait()
	})
	return err
}

// Close releases the store.
func (r *Replica) Close() error {
	return r.store.Close()
}

// Clock returns a copy of the current clock.
func (r *Replica) Clock() vclock.Clock {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.vclock.Clone()
}

// Subscribe returns a channel notified after the clock changed. Notifications
// are coalesced.
func (r *Replica) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	r.subsMu.Lock()
	id := r.listenerSeq
	r.listenerSeq++
	r.listeners[id] = ch
	r.subsMu.Unlock()
	return ch, func() {
		r.subsMu.Lock()
		delete(r.listeners, id)
		r.subsMu.Unlock()
	}
}

func (r *Replica) notify() {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// AddSub creates a sub-collaboration if it doesn't exist.
func (r *Replica) AddSub(name string, typ crdt.Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, exist := r.subs[name]; exist {
		if s.typ.Name() != typ.Name() {
			return fmt.Errorf("%w: %q is %s", ErrTypeMismatch, name, s.typ.Name())
		}
		return nil
	}
	r.subs[name] = &sub{typ: typ, state: typ.Initial()}
	return nil
}

// Subs returns sorted names of sub-collaborations. The root is the empty name.
func (r *Replica) Subs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.subs))
	for name := range r.subs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Value returns the value of a sub-collaboration.
func (r *Replica) Value(name string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, exist := r.subs[name]
	if !exist {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSub, name)
	}
	return s.typ.Value(s.state), nil
}

// Mutate runs a mutator on a sub-collaboration and records the delta.
func (r *Replica) Mutate(ctx context.Context, name, mutator string, args ...any) error {
	return r.submit(ctx, func(ctx context.Context) error {
		r.mu.RLock()
		s, exist := r.subs[name]
		r.mu.RUnlock()
		if !exist {
			return fmt.Errorf("%w: %q", ErrUnknownSub, name)
		}
		delta, err := crdt.Mutate(s.typ, mutator, r.id, s.state, args...)
		if err != nil {
			return err
		}
		data, err := s.typ.Encode(delta)
		if err != nil {
			return fmt.Errorf("encode delta: %w", err)
		}
		payload, err := r.sealer.Seal(signing.DELTA, data)
		if err != nil {
			return fmt.Errorf("seal delta: %w", err)
		}
		r.mu.Lock()
		record := types.DeltaRecord{
			Previous: r.vclock,
			Author:   vclock.Clock{r.id: 1},
			Name:     name,
			Type:     s.typ.Name(),
			Payload:  payload,
		}
		s.state = s.typ.Join(s.state, delta)
		r.vclock = vclock.Increment(r.vclock, r.id)
		r.appendDelta(record)
		r.mu.Unlock()
		deltasApplied.WithLabelValues("local").Inc()
		if err := r.store.AppendDelta(ctx, &record); err != nil {
			r.logger.Error("failed to persist delta", zap.Stringer("delta", &record), zap.Error(err))
		}
		r.notify()
		return nil
	})
}

// appendDelta must be called with mu held.
func (r *Replica) appendDelta(record types.DeltaRecord) {
	r.deltas = append(r.deltas, record)
	if excess := len(r.deltas) - r.cfg.MaxDeltaRetention; r.cfg.MaxDeltaRetention > 0 && excess > 0 {
		r.deltas = slices.Delete(r.deltas, 0, excess)
	}
}

// ApplyDelta applies a single remote delta. It returns ErrCausalGap if the
// delta depends on state the replica doesn't have, and false without error if
// the delta is already known.
func (r *Replica) ApplyDelta(ctx context.Context, record *types.DeltaRecord) (bool, error) {
	var newInfo bool
	err := r.submit(ctx, func(context.Context) error {
		var err error
		newInfo, err = r.applyDelta(record)
		if newInfo {
			r.applied()
		}
		return err
	})
	return newInfo, err
}

// ApplyDeltas applies a batch of remote deltas in order. Deltas that can't be
// applied are logged and skipped.
func (r *Replica) ApplyDeltas(ctx context.Context, records []types.DeltaRecord) (bool, error) {
	var newInfo bool
	err := r.submit(ctx, func(context.Context) error {
		gaps := 0
		for i := range records {
			ok, err := r.applyDelta(&records[i])
			switch {
			case errors.Is(err, ErrCausalGap):
				gaps++
			case err != nil:
				r.logger.Debug("dropped delta", zap.Stringer("delta", &records[i]), zap.Error(err))
				deltasApplied.WithLabelValues("invalid").Inc()
			}
			newInfo = newInfo || ok
		}
		if gaps > 0 {
			r.logger.Debug("skipped deltas with causal gap", zap.Int("gaps", gaps), log.ZClock("clock", r.vclock))
		}
		if newInfo {
			r.applied()
		}
		return nil
	})
	return newInfo, err
}

func (r *Replica) applyDelta(record *types.DeltaRecord) (bool, error) {
	local := r.vclock
	if !vclock.DoesSecondHaveFirst(record.Previous, local) {
		deltasApplied.WithLabelValues("gap").Inc()
		return false, ErrCausalGap
	}
	result := record.Clock()
	if vclock.DoesSecondHaveFirst(result, local) {
		deltasApplied.WithLabelValues("known").Inc()
		return false, nil
	}
	s, err := r.subFor(record.Name, record.Type)
	if err != nil {
		return false, err
	}
	data, err := r.sealer.Open(signing.DELTA, record.Payload)
	if err != nil {
		return false, fmt.Errorf("open delta: %w", err)
	}
	delta, err := s.typ.Decode(data)
	if err != nil {
		return false, fmt.Errorf("decode delta: %w", err)
	}
	r.mu.Lock()
	if _, exist := r.subs[record.Name]; !exist {
		r.subs[record.Name] = s
	}
	s.state = s.typ.Join(s.state, delta)
	r.vclock = vclock.Merge(local, result)
	r.appendDelta(*record)
	r.mu.Unlock()
	deltasApplied.WithLabelValues("remote").Inc()
	return true, nil
}

// subFor returns the existing sub or a new one that is not yet registered.
func (r *Replica) subFor(name, typeName string) (*sub, error) {
	r.mu.RLock()
	s, exist := r.subs[name]
	r.mu.RUnlock()
	if exist {
		if s.typ.Name() != typeName {
			return nil, fmt.Errorf("%w: %q is %s, got %s", ErrTypeMismatch, name, s.typ.Name(), typeName)
		}
		return s, nil
	}
	typ, err := crdt.Lookup(typeName)
	if err != nil {
		return nil, err
	}
	return &sub{typ: typ, state: typ.Initial()}, nil
}

// ApplyState joins a remote snapshot.
func (r *Replica) ApplyState(ctx context.Context, state *types.FullState) (bool, error) {
	var newInfo bool
	err := r.submit(ctx, func(context.Context) error {
		var err error
		newInfo, err = r.applyState(state, r.sealer)
		if newInfo {
			r.applied()
		}
		return err
	})
	return newInfo, err
}

func (r *Replica) applyState(state *types.FullState, opener signing.Sealer) (bool, error) {
	if vclock.DoesSecondHaveFirst(state.Clock, r.vclock) {
		return false, nil
	}
	joined := make(map[string]*sub, len(state.States))
	for _, named := range state.States {
		s, err := r.subFor(named.Name, named.Type)
		if err != nil {
			return false, err
		}
		data, err := opener.Open(signing.STATE, named.Data)
		if err != nil {
			return false, fmt.Errorf("open state %q: %w", named.Name, err)
		}
		remote, err := s.typ.Decode(data)
		if err != nil {
			return false, fmt.Errorf("decode state %q: %w", named.Name, err)
		}
		joined[named.Name] = &sub{typ: s.typ, state: s.typ.Join(s.state, remote)}
	}
	r.mu.Lock()
	for name, s := range joined {
		r.subs[name] = s
	}
	r.vclock = vclock.Merge(r.vclock, state.Clock)
	r.mu.Unlock()
	statesApplied.Inc()
	return true, nil
}

// applied is called by the apply loop after remote data advanced the clock.
func (r *Replica) applied() {
	r.notify()
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	if r.saveTimer != nil {
		return
	}
	r.saveTimer = r.clock.AfterFunc(r.cfg.SaveInterval, func() {
		r.saveMu.Lock()
		r.saveTimer = nil
		r.saveMu.Unlock()
		err := r.submit(context.Background(), r.save)
		if err != nil && !errors.Is(err, ErrStopped) {
			r.logger.Error("failed to save snapshot", zap.Error(err))
		}
	})
}

func (r *Replica) save(ctx context.Context) error {
	state, err := r.fullState(signing.NopKeychain{})
	if err != nil {
		return err
	}
	return r.store.SaveState(ctx, state)
}

// DeltaBatch returns retained deltas that are not contained in since in the
// order they were applied. ErrDeltasTrimmed is returned if they don't cover
// everything since lacks.
func (r *Replica) DeltaBatch(since vclock.Clock) ([]types.DeltaRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		batch   []types.DeltaRecord
		covered = since.Clone()
	)
	for i := range r.deltas {
		record := &r.deltas[i]
		result := record.Clock()
		if vclock.DoesSecondHaveFirst(result, since) {
			continue
		}
		if !vclock.DoesSecondHaveFirst(record.Previous, covered) {
			return nil, protocol.ErrDeltasTrimmed
		}
		batch = append(batch, *record)
		covered = vclock.Merge(covered, result)
	}
	if !vclock.DoesSecondHaveFirst(r.vclock, covered) {
		return nil, protocol.ErrDeltasTrimmed
	}
	return batch, nil
}

// FullState returns a sealed snapshot of all sub-collaborations.
func (r *Replica) FullState() (*types.FullState, error) {
	return r.fullState(r.sealer)
}

func (r *Replica) fullState(sealer signing.Sealer) (*types.FullState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state := &types.FullState{Clock: r.vclock.Clone()}
	for name, s := range r.subs {
		data, err := s.typ.Encode(s.state)
		if err != nil {
			return nil, fmt.Errorf("encode state %q: %w", name, err)
		}
		sealed, err := sealer.Seal(signing.STATE, data)
		if err != nil {
			return nil, fmt.Errorf("seal state %q: %w", name, err)
		}
		state.States = append(state.States, types.NamedState{Name: name, Type: s.typ.Name(), Data: sealed})
	}
	state.Sort()
	return state, nil
}
