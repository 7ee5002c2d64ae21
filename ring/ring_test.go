package ring

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomID(rng *rand.Rand, width int) ID {
	b := make([]byte, width)
	for i := range b {
		b[i] = byte(rng.UintN(256))
	}
	return ID(b)
}

func TestCompare(t *testing.T) {
	require.Equal(t, 0, Compare("\x01", "\x01\x00"))
	require.Equal(t, -1, Compare("\x01", "\x01\x01"))
	require.Equal(t, 1, Compare("\x02", "\x01\xff"))
	require.Equal(t, -1, Compare("", "\x01"))
}

func TestAddRemove(t *testing.T) {
	r := New[string]()
	require.True(t, r.Add("\x05", "five"))
	<-r.Changed()
	require.False(t, r.Add("\x05", "other"), "duplicate")
	select {
	case <-r.Changed():
		require.Fail(t, "duplicate add must not notify")
	default:
	}
	r.Add("\x01", "one")
	r.Add("\x09", "nine")
	require.Equal(t, Sorted{"\x01", "\x05", "\x09"}, r.Snapshot())
	meta, ok := r.Get("\x05")
	require.True(t, ok)
	require.Equal(t, "five", meta)

	snapshot := r.Snapshot()
	require.True(t, r.Remove("\x05"))
	require.False(t, r.Remove("\x05"))
	require.False(t, r.Has("\x05"))
	require.Equal(t, Sorted{"\x01", "\x05", "\x09"}, snapshot, "snapshots are immutable")
	require.Equal(t, 2, r.Len())
	<-r.Changed()
}

func TestSuccessorOf(t *testing.T) {
	s := Sorted{"\x10", "\x20", "\x30"}
	for _, tc := range []struct {
		id, expect ID
	}{
		{"\x05", "\x10"},
		{"\x10", "\x20"},
		{"\x15", "\x20"},
		{"\x30", "\x10"},
		{"\x40", "\x10"},
	} {
		got, ok := s.SuccessorOf(tc.id)
		require.True(t, ok)
		require.Equal(t, tc.expect, got, "successor of %x", tc.id)
	}
	only := Sorted{"\x10"}
	got, _ := only.SuccessorOf("\x10")
	require.Equal(t, ID("\x10"), got)
	_, ok := Sorted{}.SuccessorOf("\x10")
	require.False(t, ok)
}

func TestAt(t *testing.T) {
	s := Sorted{"\x10", "\x20", "\x30"}
	for _, tc := range []struct {
		id, expect ID
	}{
		{"\x05", "\x30"},
		{"\x10", "\x10"},
		{"\x15", "\x10"},
		{"\x30", "\x30"},
		{"\x40", "\x30"},
	} {
		got, ok := s.At(tc.id)
		require.True(t, ok)
		require.Equal(t, tc.expect, got, "at %x", tc.id)
	}
}

func TestSuccessorCycle(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	r := New[struct{}]()
	for range 40 {
		r.Add(randomID(rng, 32), struct{}{})
	}
	s := r.Snapshot()
	for _, x := range s {
		at, _ := s.At(x)
		require.Equal(t, x, at)
		cur := x
		seen := map[ID]struct{}{}
		for range s.Len() {
			seen[cur] = struct{}{}
			cur, _ = s.SuccessorOf(cur)
		}
		require.Equal(t, x, cur)
		require.Len(t, seen, s.Len())
	}
}
