package crdt

import (
	"github.com/spacemeshos/go-collab/codec"
	"github.com/spacemeshos/go-collab/vclock"
)

// GCounter is a grow-only counter. Its state has the same algebra as a
// vector clock: join is the pointwise maximum and the value is the sum.
type GCounter struct{}

var _ Type = GCounter{}

func (GCounter) Name() string { return "gcounter" }

func (GCounter) Initial() State { return vclock.New() }

func (g GCounter) Join(state, delta State) State {
	return vclock.Merge(state.(vclock.Clock), delta.(vclock.Clock))
}

func (GCounter) Value(state State) any {
	var sum uint64
	for _, v := range state.(vclock.Clock) {
		sum += v
	}
	return sum
}

func (g GCounter) Mutators() map[string]Mutator {
	return map[string]Mutator{
		"inc": func(replica string, state State, args ...any) (State, error) {
			s, ok := state.(vclock.Clock)
			if !ok {
				return nil, invalidState(g, state)
			}
			n, err := uintArg(args, 1)
			if err != nil {
				return nil, err
			}
			return vclock.Clock{replica: s[replica] + n}, nil
		},
	}
}

func (g GCounter) Encode(state State) ([]byte, error) {
	s, ok := state.(vclock.Clock)
	if !ok {
		return nil, invalidState(g, state)
	}
	return codec.Encode(s)
}

func (GCounter) Decode(buf []byte) (State, error) {
	var s vclock.Clock
	if err := codec.Decode(buf, &s); err != nil {
		return nil, err
	}
	return s, nil
}

// PNCounterState is a pair of grow-only counters.
type PNCounterState struct {
	P, N vclock.Clock
}

// PNCounter supports increments and decrements.
type PNCounter struct{}

var _ Type = PNCounter{}

func (PNCounter) Name() string { return "pncounter" }

func (PNCounter) Initial() State {
	return PNCounterState{P: vclock.New(), N: vclock.New()}
}

func (PNCounter) Join(state, delta State) State {
	s, d := state.(PNCounterState), delta.(PNCounterState)
	return PNCounterState{P: vclock.Merge(s.P, d.P), N: vclock.Merge(s.N, d.N)}
}

func (PNCounter) Value(state State) any {
	s := state.(PNCounterState)
	var sum int64
	for _, v := range s.P {
		sum += int64(v)
	}
	for _, v := range s.N {
		sum -= int64(v)
	}
	return sum
}

func (p PNCounter) Mutators() map[string]Mutator {
	mutator := func(negative bool) Mutator {
		return func(replica string, state State, args ...any) (State, error) {
			s, ok := state.(PNCounterState)
			if !ok {
				return nil, invalidState(p, state)
			}
			n, err := uintArg(args, 1)
			if err != nil {
				return nil, err
			}
			if negative {
				return PNCounterState{P: vclock.New(), N: vclock.Clock{replica: s.N[replica] + n}}, nil
			}
			return PNCounterState{P: vclock.Clock{replica: s.P[replica] + n}, N: vclock.New()}, nil
		}
	}
	return map[string]Mutator{
		"inc": mutator(false),
		"dec": mutator(true),
	}
}

func (p PNCounter) Encode(state State) ([]byte, error) {
	s, ok := state.(PNCounterState)
	if !ok {
		return nil, invalidState(p, state)
	}
	return codec.Encode(&s)
}

func (PNCounter) Decode(buf []byte) (State, error) {
	var s PNCounterState
	if err := codec.Decode(buf, &s); err != nil {
		return nil, err
	}
	return s, nil
}
