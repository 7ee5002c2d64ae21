package vclock

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-collab/codec"
)

func clockFuzzer(seed int64) *fuzz.Fuzzer {
	return fuzz.NewWithSeed(seed).NilChance(0).NumElements(0, 5).Funcs(
		func(s *string, c fuzz.Continue) {
			*s = string(rune('a' + c.Intn(5)))
		},
		func(v *uint64, c fuzz.Continue) {
			*v = uint64(c.Intn(8))
		},
	)
}

func TestLaws(t *testing.T) {
	f := clockFuzzer(101)
	for range 500 {
		var a, b, c Clock
		f.Fuzz(&a)
		f.Fuzz(&b)
		f.Fuzz(&c)

		require.True(t, IsIdentical(Merge(a, b), Merge(b, a)), "commutative")
		require.True(t, IsIdentical(Merge(a, a), a), "idempotent")
		require.True(t, IsIdentical(Merge(Merge(a, b), c), Merge(a, Merge(b, c))), "associative")
		require.True(t, DoesSecondHaveFirst(a, Merge(a, b)))
		require.True(t, DoesSecondHaveFirst(b, Merge(a, b)))
		require.Equal(t, Identical, Compare(a, a))

		inc := Increment(a, "p")
		require.Equal(t, a["p"]+1, inc["p"])
		for k, v := range a {
			if k != "p" {
				require.Equal(t, v, inc[k])
			}
		}
		require.Equal(t, After, Compare(inc, a))
		require.Equal(t, Before, Compare(a, inc))

		require.True(t, IsIdentical(SumAll(Minimum(a, b), Subtract(a, b)), a))
	}
}

func TestIncrementCopyOnWrite(t *testing.T) {
	a := Clock{"a": 1}
	b := Increment(a, "a")
	require.Equal(t, uint64(1), a["a"])
	require.Equal(t, uint64(2), b["a"])
}

func TestCompare(t *testing.T) {
	for _, tc := range []struct {
		desc string
		a, b Clock
		rst  Ordering
	}{
		{"empty", Clock{}, nil, Identical},
		{"zero entries ignored", Clock{"a": 0}, Clock{}, Identical},
		{"before", Clock{"a": 1}, Clock{"a": 1, "b": 1}, Before},
		{"after", Clock{"a": 2, "b": 1}, Clock{"a": 1}, After},
		{"concurrent", Clock{"a": 2}, Clock{"b": 1}, Concurrent},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.rst, Compare(tc.a, tc.b))
		})
	}
}

func TestDiff(t *testing.T) {
	require.Equal(t,
		Clock{"b": 3, "c": 0},
		Diff(Clock{"a": 1, "b": 2, "c": 1}, Clock{"a": 1, "b": 3}))
}

func TestSumAll(t *testing.T) {
	require.Equal(t, Clock{"a": 2, "b": 1}, SumAll(Clock{"a": 1, "b": 1}, Clock{"a": 1}))
}

func TestSubtract(t *testing.T) {
	require.Equal(t, Clock{"a": 2}, Subtract(Clock{"a": 3, "b": 1}, Clock{"a": 1, "b": 4}))
}

func TestCodec(t *testing.T) {
	f := clockFuzzer(7)
	for range 50 {
		var c Clock
		f.Fuzz(&c)
		buf, err := codec.Encode(c)
		require.NoError(t, err)
		var decoded Clock
		require.NoError(t, codec.Decode(buf, &decoded))
		require.True(t, IsIdentical(c, decoded))

		again, err := codec.Encode(decoded)
		require.NoError(t, err)
		require.Equal(t, buf, again, "encoding is deterministic")
	}
}
