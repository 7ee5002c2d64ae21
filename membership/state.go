package membership

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/spacemeshos/go-scale"

	"github.com/spacemeshos/go-collab/codec"
	"github.com/spacemeshos/go-collab/crdt"
	"github.com/spacemeshos/go-collab/hash"
)

// TypeName is the crdt type of membership gossip.
const TypeName = "membership"

const (
	maxMembers  = 1 << 16
	maxAddrs    = 64
	maxIDSize   = 128
	maxAddrSize = 256
)

var errTooManyMembers = errors.New("membership: too many members")

// Entry is the record of one peer. Only the record with the highest version
// is kept. Records with equal versions are merged by union.
type Entry struct {
	Version uint64
	// Addrs are sorted multiaddr strings.
	Addrs []string
	// Left marks a removed peer.
	Left bool
}

func (e Entry) equal(o Entry) bool {
	return e.Version == o.Version && e.Left == o.Left && slices.Equal(e.Addrs, o.Addrs)
}

func joinEntry(a, b Entry) Entry {
	switch {
	case a.Version > b.Version:
		return a
	case b.Version > a.Version:
		return b
	}
	addrs := slices.Concat(a.Addrs, b.Addrs)
	slices.Sort(addrs)
	return Entry{Version: a.Version, Addrs: slices.Compact(addrs), Left: a.Left || b.Left}
}

// EncodeScale implements scale.Encodable.
func (e *Entry) EncodeScale(enc *scale.Encoder) (total int, err error) {
	n, err := scale.EncodeCompact64(enc, e.Version)
	total += n
	if err != nil {
		return total, err
	}
	n, err = scale.EncodeCompact32(enc, uint32(len(e.Addrs)))
	total += n
	if err != nil {
		return total, err
	}
	for _, addr := range e.Addrs {
		n, err = scale.EncodeStringWithLimit(enc, addr, maxAddrSize)
		total += n
		if err != nil {
			return total, err
		}
	}
	n, err = scale.EncodeBool(enc, e.Left)
	total += n
	return total, err
}

// DecodeScale implements scale.Decodable.
func (e *Entry) DecodeScale(dec *scale.Decoder) (total int, err error) {
	v, n, err := scale.DecodeCompact64(dec)
	total += n
	if err != nil {
		return total, err
	}
	e.Version = v
	size, n, err := scale.DecodeCompact32(dec)
	total += n
	if err != nil {
		return total, err
	}
	if size > maxAddrs {
		return total, fmt.Errorf("membership: %d addresses exceed limit", size)
	}
	e.Addrs = make([]string, 0, size)
	for range size {
		addr, n, err := scale.DecodeStringWithLimit(dec, maxAddrSize)
		total += n
		if err != nil {
			return total, err
		}
		e.Addrs = append(e.Addrs, addr)
	}
	left, n, err := scale.DecodeBool(dec)
	total += n
	e.Left = left
	return total, err
}

// State is the membership table keyed by peer id string.
type State map[string]Entry

// Clone returns a copy that can be modified independently.
func (s State) Clone() State {
	rst := make(State, len(s))
	for id, e := range s {
		rst[id] = Entry{Version: e.Version, Addrs: slices.Clone(e.Addrs), Left: e.Left}
	}
	return rst
}

// Join returns the merge of s and o.
func (s State) Join(o State) State {
	rst := s.Clone()
	for id, e := range o {
		if cur, exist := rst[id]; exist {
			rst[id] = joinEntry(cur, e)
		} else {
			rst[id] = Entry{Version: e.Version, Addrs: slices.Clone(e.Addrs), Left: e.Left}
		}
	}
	return rst
}

// Members returns peers that have not left, with parsed addresses.
// Unparsable addresses are skipped.
func (s State) Members() map[peer.ID][]ma.Multiaddr {
	rst := map[peer.ID][]ma.Multiaddr{}
	for key, e := range s {
		if e.Left {
			continue
		}
		id, err := peer.Decode(key)
		if err != nil {
			continue
		}
		addrs := make([]ma.Multiaddr, 0, len(e.Addrs))
		for _, addr := range e.Addrs {
			if parsed, err := ma.NewMultiaddr(addr); err == nil {
				addrs = append(addrs, parsed)
			}
		}
		rst[id] = addrs
	}
	return rst
}

// Hash is independent of map iteration order. Only present members and
// their addresses are hashed.
func (s State) Hash() hash.Hash32 {
	b := hash.NewBuilder()
	for _, key := range slices.Sorted(maps.Keys(s)) {
		e := s[key]
		if e.Left {
			continue
		}
		b.Chunk([]byte(key))
		addrs := slices.Clone(e.Addrs)
		slices.Sort(addrs)
		for _, addr := range addrs {
			b.Chunk([]byte(addr))
		}
	}
	return b.Sum()
}

// EncodeScale implements scale.Encodable. Entries are written in key order.
func (s State) EncodeScale(enc *scale.Encoder) (total int, err error) {
	keys := slices.Sorted(maps.Keys(s))
	n, err := scale.EncodeCompact32(enc, uint32(len(keys)))
	total += n
	if err != nil {
		return total, err
	}
	for _, key := range keys {
		n, err = scale.EncodeStringWithLimit(enc, key, maxIDSize)
		total += n
		if err != nil {
			return total, err
		}
		e := s[key]
		n, err = e.EncodeScale(enc)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// DecodeScale implements scale.Decodable.
func (s *State) DecodeScale(dec *scale.Decoder) (total int, err error) {
	size, n, err := scale.DecodeCompact32(dec)
	total += n
	if err != nil {
		return total, err
	}
	if size > maxMembers {
		return total, errTooManyMembers
	}
	rst := make(State, size)
	for range size {
		key, n, err := scale.DecodeStringWithLimit(dec, maxIDSize)
		total += n
		if err != nil {
			return total, err
		}
		var e Entry
		n, err = e.DecodeScale(dec)
		total += n
		if err != nil {
			return total, err
		}
		rst[key] = e
	}
	*s = rst
	return total, nil
}

// Type exposes the membership table as a crdt type. Its mutators are
// "announce" with the replica addresses and "remove" with the peer id.
type Type struct{}

var _ crdt.Type = Type{}

func init() {
	crdt.Register(Type{})
}

func (Type) Name() string { return TypeName }

func (Type) Initial() crdt.State { return State{} }

func (Type) Join(state, delta crdt.State) crdt.State {
	return state.(State).Join(delta.(State))
}

func (Type) Value(state crdt.State) any {
	return state.(State).Members()
}

func (t Type) Mutators() map[string]crdt.Mutator {
	return map[string]crdt.Mutator{
		"announce": func(replica string, state crdt.State, args ...any) (crdt.State, error) {
			s, ok := state.(State)
			if !ok {
				return nil, fmt.Errorf("%w: %s got %T", crdt.ErrInvalidState, t.Name(), state)
			}
			addrs := make([]string, 0, len(args))
			for i, arg := range args {
				addr, ok := arg.(string)
				if !ok {
					return nil, fmt.Errorf("%w: address %d must be a string, got %T", crdt.ErrInvalidArgs, i, arg)
				}
				addrs = append(addrs, addr)
			}
			return announce(s, replica, addrs), nil
		},
		"remove": func(_ string, state crdt.State, args ...any) (crdt.State, error) {
			s, ok := state.(State)
			if !ok {
				return nil, fmt.Errorf("%w: %s got %T", crdt.ErrInvalidState, t.Name(), state)
			}
			if len(args) != 1 {
				return nil, fmt.Errorf("%w: expected peer id", crdt.ErrInvalidArgs)
			}
			id, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("%w: peer id must be a string, got %T", crdt.ErrInvalidArgs, args[0])
			}
			return remove(s, id), nil
		},
	}
}

func (Type) Encode(state crdt.State) ([]byte, error) {
	s, ok := state.(State)
	if !ok {
		return nil, fmt.Errorf("%w: %s got %T", crdt.ErrInvalidState, TypeName, state)
	}
	return codec.Encode(s)
}

func (Type) Decode(buf []byte) (crdt.State, error) {
	var s State
	if err := codec.Decode(buf, &s); err != nil {
		return nil, err
	}
	return s, nil
}

// announce returns the delta that sets addrs for id above the current version.
func announce(s State, id string, addrs []string) State {
	addrs = slices.Clone(addrs)
	slices.Sort(addrs)
	return State{id: {Version: s[id].Version + 1, Addrs: slices.Compact(addrs)}}
}

// remove returns the delta that marks id as left. Unknown ids yield an empty delta.
func remove(s State, id string) State {
	cur, exist := s[id]
	if !exist || cur.Left {
		return State{}
	}
	return State{id: {Version: cur.Version + 1, Left: true}}
}
