// Package ring keeps the overlay as points on a circular identifier space
// and selects the small-world neighbours of a point.
package ring

import (
	"encoding/hex"
	"slices"
	"sync"
)

// ID is a point on the ring. IDs are compared byte-wise as big-endian
// unsigned integers, the shorter one padded with zeros on the right.
type ID string

// ShortString returns the first bytes of the id as hex.
func (id ID) ShortString() string {
	b := []byte(id)
	if len(b) > 5 {
		b = b[:5]
	}
	return hex.EncodeToString(b)
}

// Compare returns -1, 0 or 1.
func Compare(a, b ID) int {
	n := max(len(a), len(b))
	for i := range n {
		var x, y byte
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Sorted is an immutable sorted and duplicate free sequence of ids.
type Sorted []ID

// Len returns the number of ids.
func (s Sorted) Len() int {
	return len(s)
}

func (s Sorted) search(id ID) (int, bool) {
	return slices.BinarySearchFunc(s, id, Compare)
}

// Has reports whether id is present.
func (s Sorted) Has(id ID) bool {
	_, found := s.search(id)
	return found
}

// SuccessorOf returns the first id strictly greater than id, wrapping to the
// smallest id. False only if s is empty.
func (s Sorted) SuccessorOf(id ID) (ID, bool) {
	if len(s) == 0 {
		return "", false
	}
	i, found := s.search(id)
	if found {
		i++
	}
	if i == len(s) {
		i = 0
	}
	return s[i], true
}

// At returns the largest id that is less or equal to id, wrapping to the
// largest id. False only if s is empty.
func (s Sorted) At(id ID) (ID, bool) {
	if len(s) == 0 {
		return "", false
	}
	i, found := s.search(id)
	if found {
		return s[i], true
	}
	if i == 0 {
		return s[len(s)-1], true
	}
	return s[i-1], true
}

// Ring is a concurrent sorted set of ids with metadata per id.
type Ring[T any] struct {
	mu      sync.RWMutex
	ids     Sorted
	meta    map[ID]T
	changed chan struct{}
}

// New creates an empty ring.
func New[T any]() *Ring[T] {
	return &Ring[T]{
		meta:    map[ID]T{},
		changed: make(chan struct{}, 1),
	}
}

// Changed delivers a notification after one or more mutations.
// Notifications are coalesced, so a single consumer must re-read the ring.
func (r *Ring[T]) Changed() <-chan struct{} {
	return r.changed
}

func (r *Ring[T]) notify() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

// Add inserts id with metadata. It is a no-op returning false if id is present.
func (r *Ring[T]) Add(id ID, meta T) bool {
	r.mu.Lock()
	i, found := r.ids.search(id)
	if found {
		r.mu.Unlock()
		return false
	}
	ids := make(Sorted, 0, len(r.ids)+1)
	ids = append(ids, r.ids[:i]...)
	ids = append(ids, id)
	ids = append(ids, r.ids[i:]...)
	r.ids = ids
	r.meta[id] = meta
	r.mu.Unlock()
	r.notify()
	return true
}

// Update replaces metadata of a present id without firing a notification.
func (r *Ring[T]) Update(id ID, meta T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.meta[id]; !ok {
		return false
	}
	r.meta[id] = meta
	return true
}

// Remove deletes id. Returns false if it was not present.
func (r *Ring[T]) Remove(id ID) bool {
	r.mu.Lock()
	i, found := r.ids.search(id)
	if !found {
		r.mu.Unlock()
		return false
	}
	r.ids = slices.Concat(r.ids[:i], r.ids[i+1:])
	delete(r.meta, id)
	r.mu.Unlock()
	r.notify()
	return true
}

// Has reports whether id is present.
func (r *Ring[T]) Has(id ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ids.Has(id)
}

// Get returns metadata for id.
func (r *Ring[T]) Get(id ID) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.meta[id]
	return meta, ok
}

// Len returns the number of ids.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}

// SuccessorOf see Sorted.SuccessorOf.
func (r *Ring[T]) SuccessorOf(id ID) (ID, bool) {
	return r.Snapshot().SuccessorOf(id)
}

// At see Sorted.At.
func (r *Ring[T]) At(id ID) (ID, bool) {
	return r.Snapshot().At(id)
}

// Snapshot returns the current ids. The returned value is never modified.
func (r *Ring[T]) Snapshot() Sorted {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ids
}
