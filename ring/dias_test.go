package ring

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiasPositions(t *testing.T) {
	var s Sorted
	for i := range 15 {
		s = append(s, ID([]byte{byte(i)}))
	}
	require.Equal(t, map[ID]struct{}{
		"\x01": {}, "\x02": {}, "\x03": {}, "\x04": {}, "\x05": {}, "\x08": {},
	}, NewDias("\x00").PeerSet(s))
	require.Equal(t, map[ID]struct{}{
		"\x0d": {}, "\x0e": {}, "\x00": {}, "\x01": {}, "\x02": {}, "\x05": {},
	}, NewDias("\x0c").PeerSet(s), "positions wrap around the ring")
	require.Equal(t, NewDias("\x00").PeerSet(s), NewDias("\x00").PeerSet(s[1:]),
		"self is not required to be a member")

	collide := Sorted{"\x00", "\x01", "\x02", "\x03", "\x04", "\x05"}
	require.Len(t, NewDias("\x00").PeerSet(collide), 5, "collisions take the next successor")
}

func TestDiasSmallRings(t *testing.T) {
	self := ID("\x80")
	d := NewDias(self)
	require.Empty(t, d.PeerSet(Sorted{}))
	require.Empty(t, d.PeerSet(Sorted{self}))
	require.Equal(t, map[ID]struct{}{"\x10": {}}, d.PeerSet(Sorted{"\x10"}))
	require.Equal(t, map[ID]struct{}{"\x10": {}, "\x90": {}}, d.PeerSet(Sorted{"\x10", self, "\x90"}))

	rng := rand.New(rand.NewPCG(3, 4))
	for n := 1; n <= 8; n++ {
		var s Sorted
		r := New[struct{}]()
		for range n {
			r.Add(randomID(rng, 1), struct{}{})
		}
		s = r.Snapshot()
		set := d.PeerSet(s)
		require.LessOrEqual(t, len(set), min(n, 6))
		_, hasSelf := set[self]
		require.False(t, hasSelf)
	}
}

func TestDiasBoundedSize(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	r := New[struct{}]()
	for range 200 {
		r.Add(randomID(rng, 32), struct{}{})
	}
	s := r.Snapshot()
	for _, id := range s {
		set := NewDias(id).PeerSet(s)
		require.Len(t, set, 6)
		succ, _ := s.SuccessorOf(id)
		require.Contains(t, set, succ)
	}
}

func fanIn(all Sorted) map[ID]int {
	inbound := map[ID]int{}
	for _, id := range all {
		others := make(Sorted, 0, len(all)-1)
		for _, other := range all {
			if other != id {
				others = append(others, other)
			}
		}
		for peer := range NewDias(id).PeerSet(others) {
			inbound[peer]++
		}
	}
	return inbound
}

func TestDiasFanIn(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	for _, n := range []int{15, 20, 40, 100} {
		for range 20 {
			r := New[struct{}]()
			for r.Len() < n {
				r.Add(randomID(rng, 32), struct{}{})
			}
			inbound := fanIn(r.Snapshot())
			require.Len(t, inbound, n)
			for id, count := range inbound {
				require.Less(t, float64(count), 0.75*float64(n), "ring of %d", n)
				require.Equal(t, 6, count, "peer %s in ring of %d", id.ShortString(), n)
			}
		}
	}
}

func TestDiasFanInClustered(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 10))
	r := New[struct{}]()
	// most of the ring is packed into the first 1/16 of the space
	for r.Len() < 12 {
		id := []byte(randomID(rng, 32))
		id[0] &= 0x0f
		r.Add(ID(id), struct{}{})
	}
	for r.Len() < 15 {
		r.Add(randomID(rng, 32), struct{}{})
	}
	for _, count := range fanIn(r.Snapshot()) {
		require.Less(t, float64(count), 0.75*15)
	}
}
