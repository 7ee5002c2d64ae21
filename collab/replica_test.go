package collab

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-collab/common/types"
	"github.com/spacemeshos/go-collab/crdt"
	"github.com/spacemeshos/go-collab/log/logtest"
	"github.com/spacemeshos/go-collab/protocol"
	"github.com/spacemeshos/go-collab/signing"
	"github.com/spacemeshos/go-collab/store"
	"github.com/spacemeshos/go-collab/vclock"
)

func newTestReplica(tb testing.TB, id string, opts ...ReplicaOpt) *Replica {
	tb.Helper()
	opts = append([]ReplicaOpt{WithReplicaLogger(logtest.New(tb))}, opts...)
	r := NewReplica("doc", id, crdt.RGA{}, opts...)
	require.NoError(tb, r.Start(context.Background()))
	tb.Cleanup(func() {
		require.NoError(tb, r.Stop(context.Background()))
		require.NoError(tb, r.Close())
	})
	return r
}

func text(tb testing.TB, r *Replica, name string) string {
	tb.Helper()
	value, err := r.Value(name)
	require.NoError(tb, err)
	return strings.Join(value.([]string), "")
}

func push(tb testing.TB, r *Replica, values ...string) {
	tb.Helper()
	for _, v := range values {
		require.NoError(tb, r.Mutate(context.Background(), "", "push", v))
	}
}

func TestReplicaMutate(t *testing.T) {
	r := newTestReplica(t, "a")
	changes, unsubscribe := r.Subscribe()
	defer unsubscribe()

	push(t, r, "x", "y")
	require.Equal(t, "xy", text(t, r, ""))
	require.Equal(t, vclock.Clock{"a": 2}, r.Clock())
	select {
	case <-changes:
	default:
		require.FailNow(t, "no clock change notification")
	}

	require.ErrorIs(t, r.Mutate(context.Background(), "missing", "push", "x"), ErrUnknownSub)
	require.ErrorIs(t, r.Mutate(context.Background(), "", "pop"), crdt.ErrUnknownMutator)
	_, err := r.Value("missing")
	require.ErrorIs(t, err, ErrUnknownSub)
}

func TestReplicaApplyDelta(t *testing.T) {
	a := newTestReplica(t, "a")
	b := newTestReplica(t, "b")
	push(t, a, "x", "y")

	deltas, err := a.DeltaBatch(vclock.New())
	require.NoError(t, err)
	require.Len(t, deltas, 2)

	// second delta depends on the first one
	_, err = b.ApplyDelta(context.Background(), &deltas[1])
	require.ErrorIs(t, err, ErrCausalGap)

	ok, err := b.ApplyDelta(context.Background(), &deltas[0])
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.ApplyDelta(context.Background(), &deltas[0])
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = b.ApplyDeltas(context.Background(), deltas)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "xy", text(t, b, ""))
	require.Equal(t, a.Clock(), b.Clock())

	// b forwards a's deltas
	forwarded, err := b.DeltaBatch(vclock.Clock{"a": 1})
	require.NoError(t, err)
	require.Equal(t, deltas[1:], forwarded)
}

func TestReplicaConcurrent(t *testing.T) {
	a := newTestReplica(t, "a")
	b := newTestReplica(t, "b")
	push(t, a, "a")
	push(t, b, "b")

	da, err := a.DeltaBatch(vclock.New())
	require.NoError(t, err)
	db, err := b.DeltaBatch(vclock.New())
	require.NoError(t, err)
	_, err = a.ApplyDeltas(context.Background(), db)
	require.NoError(t, err)
	_, err = b.ApplyDeltas(context.Background(), da)
	require.NoError(t, err)

	require.Equal(t, text(t, a, ""), text(t, b, ""))
	require.Equal(t, vclock.Clock{"a": 1, "b": 1}, a.Clock())
	require.Equal(t, a.Clock(), b.Clock())
}

func TestReplicaDeltaBatchTrimmed(t *testing.T) {
	cfg := DefaultReplicaConfig()
	cfg.MaxDeltaRetention = 2
	a := newTestReplica(t, "a", WithReplicaConfig(cfg))
	push(t, a, "1", "2", "3")

	_, err := a.DeltaBatch(vclock.New())
	require.ErrorIs(t, err, protocol.ErrDeltasTrimmed)

	deltas, err := a.DeltaBatch(vclock.Clock{"a": 1})
	require.NoError(t, err)
	require.Len(t, deltas, 2)

	deltas, err = a.DeltaBatch(vclock.Clock{"a": 3})
	require.NoError(t, err)
	require.Empty(t, deltas)
}

func TestReplicaDeltaBatchAfterState(t *testing.T) {
	a := newTestReplica(t, "a")
	b := newTestReplica(t, "b")
	push(t, a, "x")
	state, err := a.FullState()
	require.NoError(t, err)

	ok, err := b.ApplyState(context.Background(), state)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.ApplyState(context.Background(), state)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "x", text(t, b, ""))

	// b never saw the delta that produced a's entry
	_, err = b.DeltaBatch(vclock.New())
	require.ErrorIs(t, err, protocol.ErrDeltasTrimmed)
	deltas, err := b.DeltaBatch(vclock.Clock{"a": 1})
	require.NoError(t, err)
	require.Empty(t, deltas)
}

func TestReplicaSubCollaborations(t *testing.T) {
	a := newTestReplica(t, "a")
	b := newTestReplica(t, "b")
	require.NoError(t, a.AddSub("tags", crdt.ORSet{}))
	require.NoError(t, a.AddSub("tags", crdt.ORSet{}))
	require.ErrorIs(t, a.AddSub("tags", crdt.RGA{}), ErrTypeMismatch)

	push(t, a, "x")
	require.NoError(t, a.Mutate(context.Background(), "tags", "add", "draft"))
	require.Equal(t, vclock.Clock{"a": 2}, a.Clock())

	deltas, err := a.DeltaBatch(vclock.New())
	require.NoError(t, err)
	ok, err := b.ApplyDeltas(context.Background(), deltas)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"", "tags"}, b.Subs())
	tags, err := b.Value("tags")
	require.NoError(t, err)
	require.Equal(t, []string{"draft"}, tags)

	require.NoError(t, b.AddSub("other", crdt.GCounter{}))
	require.NoError(t, b.Mutate(context.Background(), "other", "inc", uint64(5)))
	state, err := b.FullState()
	require.NoError(t, err)
	require.Len(t, state.States, 3)
	_, err = a.ApplyState(context.Background(), state)
	require.NoError(t, err)
	other, err := a.Value("other")
	require.NoError(t, err)
	require.Equal(t, uint64(5), other)
}

func TestReplicaTypeMismatch(t *testing.T) {
	a := newTestReplica(t, "a")
	record := types.DeltaRecord{
		Previous: vclock.New(),
		Author:   vclock.Clock{"b": 1},
		Name:     "",
		Type:     "gcounter",
		Payload:  []byte{0},
	}
	_, err := a.ApplyDelta(context.Background(), &record)
	require.ErrorIs(t, err, ErrTypeMismatch)
	require.Empty(t, a.Clock())
}

func TestReplicaSealed(t *testing.T) {
	signer, err := signing.NewEdSigner()
	require.NoError(t, err)
	kc, err := signing.NewKeychain(signer)
	require.NoError(t, err)

	other, err := signing.NewEdSigner()
	require.NoError(t, err)
	foreign, err := signing.NewKeychain(other)
	require.NoError(t, err)

	a := newTestReplica(t, "a", WithSealer(kc))
	reader := newTestReplica(t, "r", WithSealer(kc.ReadOnly()))
	stranger := newTestReplica(t, "s", WithSealer(foreign))

	push(t, a, "secret")
	deltas, err := a.DeltaBatch(vclock.New())
	require.NoError(t, err)

	ok, err := reader.ApplyDeltas(context.Background(), deltas)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "secret", text(t, reader, ""))
	require.ErrorIs(t, reader.Mutate(context.Background(), "", "push", "x"), signing.ErrReadOnly)

	ok, err = stranger.ApplyDeltas(context.Background(), deltas)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, stranger.Clock())
}

func TestReplicaPersistence(t *testing.T) {
	db := store.OpenMemory()
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	clock := clockwork.NewFakeClock()

	a := NewReplica("doc", "a", crdt.RGA{}, WithStore(db.Collaboration("doc")), WithReplicaClock(clock))
	require.NoError(t, a.Start(context.Background()))
	push(t, a, "x", "y")

	remote := newTestReplica(t, "b")
	push(t, remote, "z")
	deltas, err := remote.DeltaBatch(vclock.New())
	require.NoError(t, err)
	_, err = a.ApplyDeltas(context.Background(), deltas)
	require.NoError(t, err)
	expected := text(t, a, "")
	require.NoError(t, a.Stop(context.Background()))
	require.NoError(t, a.Close())

	restored := NewReplica("doc", "a", crdt.RGA{}, WithStore(db.Collaboration("doc")))
	require.NoError(t, restored.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, restored.Stop(context.Background())) })
	require.Equal(t, vclock.Clock{"a": 2, "b": 1}, restored.Clock())
	require.Equal(t, expected, text(t, restored, ""))
}

func TestReplicaSnapshotTimer(t *testing.T) {
	s := store.NewMemStore()
	clock := clockwork.NewFakeClock()
	a := NewReplica("doc", "a", crdt.RGA{}, WithStore(s), WithReplicaClock(clock))
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, a.Stop(context.Background()))
		require.NoError(t, a.Close())
	})

	remote := newTestReplica(t, "b")
	push(t, remote, "z")
	deltas, err := remote.DeltaBatch(vclock.New())
	require.NoError(t, err)
	_, err = a.ApplyDeltas(context.Background(), deltas)
	require.NoError(t, err)

	clock.BlockUntil(1)
	clock.Advance(DefaultReplicaConfig().SaveInterval)
	require.Eventually(t, func() bool {
		saved, err := s.LoadLatestClock(context.Background())
		return err == nil && vclock.IsIdentical(saved, vclock.Clock{"b": 1})
	}, time.Second, 10*time.Millisecond)
}
