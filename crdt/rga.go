package crdt

import (
	"cmp"
	"maps"
	"slices"

	"github.com/spacemeshos/go-collab/codec"
)

// NodeID identifies an inserted element. Seq is a lamport counter, the
// zero NodeID is the head of the sequence.
type NodeID struct {
	Seq     uint64
	Replica string
}

func compareNodeID(a, b NodeID) int {
	if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
		return c
	}
	return cmp.Compare(a.Replica, b.Replica)
}

// RGANode is an element inserted after another element.
type RGANode struct {
	After NodeID
	Value string
}

// RGAState is the set of inserted nodes and the set of removed ones.
type RGAState struct {
	Nodes   map[NodeID]RGANode
	Removed map[NodeID]struct{}
}

func newRGAState() RGAState {
	return RGAState{Nodes: map[NodeID]RGANode{}, Removed: map[NodeID]struct{}{}}
}

// RGA is a replicated growable array of strings. Siblings inserted after the
// same node are ordered by descending id, so the most recent insert comes first.
type RGA struct{}

var _ Type = RGA{}

func (RGA) Name() string { return "rga" }

func (RGA) Initial() State { return newRGAState() }

func (RGA) Join(state, delta State) State {
	s, d := state.(RGAState), delta.(RGAState)
	rst := RGAState{Nodes: maps.Clone(s.Nodes), Removed: maps.Clone(s.Removed)}
	if rst.Nodes == nil {
		rst.Nodes = map[NodeID]RGANode{}
	}
	if rst.Removed == nil {
		rst.Removed = map[NodeID]struct{}{}
	}
	maps.Copy(rst.Nodes, d.Nodes)
	maps.Copy(rst.Removed, d.Removed)
	return rst
}

// linearize returns all reachable node ids in sequence order, removed included.
func (s RGAState) linearize() []NodeID {
	children := map[NodeID][]NodeID{}
	for id, node := range s.Nodes {
		children[node.After] = append(children[node.After], id)
	}
	for _, ids := range children {
		slices.SortFunc(ids, func(a, b NodeID) int { return compareNodeID(b, a) })
	}
	order := make([]NodeID, 0, len(s.Nodes))
	stack := slices.Clone(children[NodeID{}])
	slices.Reverse(stack)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, id)
		next := slices.Clone(children[id])
		slices.Reverse(next)
		stack = append(stack, next...)
	}
	return order
}

func (s RGAState) visible() []NodeID {
	var rst []NodeID
	for _, id := range s.linearize() {
		if _, removed := s.Removed[id]; !removed {
			rst = append(rst, id)
		}
	}
	return rst
}

func (s RGAState) maxSeq() uint64 {
	var seq uint64
	for id := range s.Nodes {
		seq = max(seq, id.Seq)
	}
	return seq
}

func (RGA) Value(state State) any {
	s := state.(RGAState)
	ids := s.visible()
	rst := make([]string, 0, len(ids))
	for _, id := range ids {
		rst = append(rst, s.Nodes[id].Value)
	}
	return rst
}

func (r RGA) Mutators() map[string]Mutator {
	insert := func(replica string, s RGAState, after NodeID, value string) State {
		delta := newRGAState()
		delta.Nodes[NodeID{Seq: s.maxSeq() + 1, Replica: replica}] = RGANode{After: after, Value: value}
		return delta
	}
	return map[string]Mutator{
		"push": func(replica string, state State, args ...any) (State, error) {
			s, ok := state.(RGAState)
			if !ok {
				return nil, invalidState(r, state)
			}
			value, err := stringArg(args, 0)
			if err != nil {
				return nil, err
			}
			var last NodeID
			if order := s.linearize(); len(order) > 0 {
				last = order[len(order)-1]
			}
			return insert(replica, s, last, value), nil
		},
		"insertAt": func(replica string, state State, args ...any) (State, error) {
			s, ok := state.(RGAState)
			if !ok {
				return nil, invalidState(r, state)
			}
			pos, err := intArg(args, 0)
			if err != nil {
				return nil, err
			}
			value, err := stringArg(args, 1)
			if err != nil {
				return nil, err
			}
			ids := s.visible()
			if pos < 0 || pos > len(ids) {
				return nil, ErrInvalidArgs
			}
			var after NodeID
			if pos > 0 {
				after = ids[pos-1]
			}
			return insert(replica, s, after, value), nil
		},
		"removeAt": func(_ string, state State, args ...any) (State, error) {
			s, ok := state.(RGAState)
			if !ok {
				return nil, invalidState(r, state)
			}
			pos, err := intArg(args, 0)
			if err != nil {
				return nil, err
			}
			ids := s.visible()
			if pos < 0 || pos >= len(ids) {
				return nil, ErrInvalidArgs
			}
			delta := newRGAState()
			delta.Removed[ids[pos]] = struct{}{}
			return delta, nil
		},
	}
}

func (r RGA) Encode(state State) ([]byte, error) {
	s, ok := state.(RGAState)
	if !ok {
		return nil, invalidState(r, state)
	}
	return codec.Encode(&s)
}

func (RGA) Decode(buf []byte) (State, error) {
	var s RGAState
	if err := codec.Decode(buf, &s); err != nil {
		return nil, err
	}
	return s, nil
}
