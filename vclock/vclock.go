// Package vclock implements vector clock algebra over per-replica counters.
//
// All functions are pure: inputs are never modified and absent entries
// count as zero.
package vclock

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Ordering is the result of comparing two clocks.
type Ordering int

const (
	// Before means the first clock happened before the second.
	Before Ordering = -1
	// Identical clocks have the same non-zero entries.
	Identical Ordering = 0
	// After means the first clock happened after the second.
	After Ordering = 1
	// Concurrent clocks are not causally related.
	Concurrent Ordering = 2
)

func (o Ordering) String() string {
	switch o {
	case Before:
		return "before"
	case Identical:
		return "identical"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	}
	return fmt.Sprintf("ordering(%d)", int(o))
}

// Clock maps replica ids to counters.
type Clock map[string]uint64

// New returns an empty clock.
func New() Clock {
	return Clock{}
}

// Get returns the counter for id.
func (c Clock) Get(id string) uint64 {
	return c[id]
}

// Clone returns a copy without zero entries.
func (c Clock) Clone() Clock {
	rst := make(Clock, len(c))
	for k, v := range c {
		if v != 0 {
			rst[k] = v
		}
	}
	return rst
}

// Keys returns the ids with non-zero counters in sorted order.
func (c Clock) Keys() []string {
	keys := make([]string, 0, len(c))
	for k, v := range c {
		if v != 0 {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// ShortString renders the clock with abbreviated ids.
func (c Clock) ShortString() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range c.Keys() {
		if i > 0 {
			b.WriteByte(' ')
		}
		id := []byte(k)
		if len(id) > 4 {
			id = id[len(id)-4:]
		}
		fmt.Fprintf(&b, "%x:%d", id, c[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Increment returns a copy of clock with the entry for id increased by one.
func Increment(clock Clock, id string) Clock {
	rst := clock.Clone()
	rst[id]++
	return rst
}

// Merge returns the pointwise maximum of a and b.
func Merge(a, b Clock) Clock {
	rst := a.Clone()
	for k, v := range b {
		if v > rst[k] {
			rst[k] = v
		}
	}
	return rst
}

// Compare returns Before if a happened before b, After if a happened after b,
// Identical if they are equal and Concurrent otherwise.
func Compare(a, b Clock) Ordering {
	var less, greater bool
	for _, k := range union(a, b) {
		switch av, bv := a[k], b[k]; {
		case av < bv:
			less = true
		case av > bv:
			greater = true
		}
		if less && greater {
			return Concurrent
		}
	}
	switch {
	case less:
		return Before
	case greater:
		return After
	}
	return Identical
}

// IsIdentical is true if a and b have the same non-zero entries.
func IsIdentical(a, b Clock) bool {
	return Compare(a, b) == Identical
}

// Diff returns the entries where a and b differ, with values taken from b.
func Diff(a, b Clock) Clock {
	rst := Clock{}
	for _, k := range union(a, b) {
		if a[k] != b[k] {
			rst[k] = b[k]
		}
	}
	return rst
}

// DoesSecondHaveFirst is true if every entry of first is less or equal
// to the corresponding entry of second.
func DoesSecondHaveFirst(first, second Clock) bool {
	for k, v := range first {
		if v > second[k] {
			return false
		}
	}
	return true
}

// SumAll adds entries of previous and author. It reconstructs the clock that
// results from applying a delta record.
func SumAll(previous, author Clock) Clock {
	rst := previous.Clone()
	for k, v := range author {
		if v != 0 {
			rst[k] += v
		}
	}
	return rst
}

// Minimum returns the pointwise minimum of a and b.
func Minimum(a, b Clock) Clock {
	rst := Clock{}
	for k, av := range a {
		if v := min(av, b[k]); v != 0 {
			rst[k] = v
		}
	}
	return rst
}

// Subtract returns by how much a is ahead of b, per entry.
// Entries where a is not ahead are omitted.
func Subtract(a, b Clock) Clock {
	rst := Clock{}
	for k, av := range a {
		if bv := b[k]; av > bv {
			rst[k] = av - bv
		}
	}
	return rst
}

func union(a, b Clock) []string {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	return slices.Collect(maps.Keys(keys))
}
