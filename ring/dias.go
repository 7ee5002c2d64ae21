package ring

import "slices"

// fractions of the ring that complement the two successors, in the order
// they are selected.
var fractions = [...]int{5, 4, 3, 2}

// Dias selects the neighbours of one point: its two successors and the
// points a fifth, a quarter, a third and a half of the ring away from it.
// Distances are counted in ring positions, so every member is selected by
// the same number of others however the ids are spread over the space.
type Dias struct {
	self ID
}

// NewDias creates the selection for self.
func NewDias(self ID) *Dias {
	return &Dias{self: self}
}

// Self returns the point the set is computed for.
func (d *Dias) Self() ID {
	return d.self
}

// PeerSet returns the neighbours of self in ring s. Self is never included.
// When two selections land on the same id the next successor not yet chosen
// is taken instead. Rings that are too small yield fewer neighbours.
func (d *Dias) PeerSet(s Sorted) map[ID]struct{} {
	others := s
	if i, found := s.search(d.self); found {
		others = slices.Delete(slices.Clone(s), i, i+1)
	}
	set := map[ID]struct{}{}
	if len(others) == 0 {
		return set
	}
	// with self absent the search position is the index of its successor
	successor, _ := others.search(d.self)
	size := len(others) + 1
	addOrSuccessor(others, set, successor)
	addOrSuccessor(others, set, successor+1)
	for _, fraction := range fractions {
		distance := (size + fraction - 1) / fraction
		addOrSuccessor(others, set, successor+distance-1)
	}
	return set
}

// addOrSuccessor walks at most one loop over others starting at index i.
func addOrSuccessor(others Sorted, set map[ID]struct{}, i int) {
	for range others.Len() {
		id := others[i%len(others)]
		if _, taken := set[id]; !taken {
			set[id] = struct{}{}
			return
		}
		i++
	}
}
