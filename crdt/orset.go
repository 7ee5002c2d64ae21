package crdt

import (
	"maps"
	"slices"

	"github.com/google/uuid"

	"github.com/spacemeshos/go-collab/codec"
)

// ORSetState tags every add with a unique id. An element is present while
// at least one of its tags has not been removed.
type ORSetState struct {
	Adds    map[string]string
	Removed map[string]struct{}
}

func newORSetState() ORSetState {
	return ORSetState{Adds: map[string]string{}, Removed: map[string]struct{}{}}
}

// ORSet is an add-wins observed-remove set of strings. A concurrent add and
// remove of the same element keeps the element, because the remove only
// covers the tags it observed.
type ORSet struct{}

var _ Type = ORSet{}

func (ORSet) Name() string { return "orset" }

func (ORSet) Initial() State { return newORSetState() }

func (ORSet) Join(state, delta State) State {
	s, d := state.(ORSetState), delta.(ORSetState)
	rst := ORSetState{Adds: maps.Clone(s.Adds), Removed: maps.Clone(s.Removed)}
	if rst.Adds == nil {
		rst.Adds = map[string]string{}
	}
	if rst.Removed == nil {
		rst.Removed = map[string]struct{}{}
	}
	maps.Copy(rst.Adds, d.Adds)
	maps.Copy(rst.Removed, d.Removed)
	return rst
}

func (ORSet) Value(state State) any {
	s := state.(ORSetState)
	present := map[string]struct{}{}
	for tag, elem := range s.Adds {
		if _, removed := s.Removed[tag]; !removed {
			present[elem] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(present))
}

func (o ORSet) Mutators() map[string]Mutator {
	return map[string]Mutator{
		"add": func(_ string, state State, args ...any) (State, error) {
			if _, ok := state.(ORSetState); !ok {
				return nil, invalidState(o, state)
			}
			elem, err := stringArg(args, 0)
			if err != nil {
				return nil, err
			}
			delta := newORSetState()
			delta.Adds[uuid.NewString()] = elem
			return delta, nil
		},
		"remove": func(_ string, state State, args ...any) (State, error) {
			s, ok := state.(ORSetState)
			if !ok {
				return nil, invalidState(o, state)
			}
			elem, err := stringArg(args, 0)
			if err != nil {
				return nil, err
			}
			delta := newORSetState()
			for tag, e := range s.Adds {
				if e == elem {
					delta.Removed[tag] = struct{}{}
				}
			}
			return delta, nil
		},
	}
}

func (o ORSet) Encode(state State) ([]byte, error) {
	s, ok := state.(ORSetState)
	if !ok {
		return nil, invalidState(o, state)
	}
	return codec.Encode(&s)
}

func (ORSet) Decode(buf []byte) (State, error) {
	var s ORSetState
	if err := codec.Decode(buf, &s); err != nil {
		return nil, err
	}
	return s, nil
}
