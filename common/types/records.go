// Package types holds the records that are exchanged between replicas and
// persisted by the store.
package types

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spacemeshos/go-scale"

	"github.com/spacemeshos/go-collab/vclock"
)

const (
	// MaxNameSize bounds collaboration, sub-collaboration and crdt type names.
	MaxNameSize = 256
	// MaxPayloadSize bounds a single encrypted delta or state.
	MaxPayloadSize = 16 << 20
	// MaxStates bounds the number of named states in a full state.
	MaxStates = 1 << 10
)

// DeltaRecord is a delta produced by one replica together with the clock it
// was produced on top of.
type DeltaRecord struct {
	// Previous is the clock of the author before the delta was produced.
	Previous vclock.Clock
	// Author is the increment applied by the author.
	Author vclock.Clock
	// Name of the sub-collaboration the delta targets.
	Name string
	// Type is the crdt type name.
	Type string
	// Payload is the sealed delta.
	Payload []byte
}

// Clock returns the clock that results from applying the record.
func (d *DeltaRecord) Clock() vclock.Clock {
	return vclock.SumAll(d.Previous, d.Author)
}

func (d *DeltaRecord) String() string {
	return fmt.Sprintf("delta %s/%s prev=%s author=%s", d.Name, d.Type, d.Previous.ShortString(), d.Author.ShortString())
}

// EncodeScale implements scale.Encodable.
func (d *DeltaRecord) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := d.Previous.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := d.Author.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeStringWithLimit(enc, d.Name, MaxNameSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeStringWithLimit(enc, d.Type, MaxNameSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeByteSliceWithLimit(enc, d.Payload, MaxPayloadSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale.Decodable.
func (d *DeltaRecord) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		n, err := d.Previous.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := d.Author.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		field, n, err := scale.DecodeStringWithLimit(dec, MaxNameSize)
		if err != nil {
			return total, err
		}
		total += n
		d.Name = field
	}
	{
		field, n, err := scale.DecodeStringWithLimit(dec, MaxNameSize)
		if err != nil {
			return total, err
		}
		total += n
		d.Type = field
	}
	{
		field, n, err := scale.DecodeByteSliceWithLimit(dec, MaxPayloadSize)
		if err != nil {
			return total, err
		}
		total += n
		d.Payload = field
	}
	return total, nil
}

// NamedState is the sealed state of one sub-collaboration.
type NamedState struct {
	Name string
	Type string
	Data []byte
}

// EncodeScale implements scale.Encodable.
func (s *NamedState) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := scale.EncodeStringWithLimit(enc, s.Name, MaxNameSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeStringWithLimit(enc, s.Type, MaxNameSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeByteSliceWithLimit(enc, s.Data, MaxPayloadSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale.Decodable.
func (s *NamedState) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		field, n, err := scale.DecodeStringWithLimit(dec, MaxNameSize)
		if err != nil {
			return total, err
		}
		total += n
		s.Name = field
	}
	{
		field, n, err := scale.DecodeStringWithLimit(dec, MaxNameSize)
		if err != nil {
			return total, err
		}
		total += n
		s.Type = field
	}
	{
		field, n, err := scale.DecodeByteSliceWithLimit(dec, MaxPayloadSize)
		if err != nil {
			return total, err
		}
		total += n
		s.Data = field
	}
	return total, nil
}

// FullState is a snapshot of every sub-collaboration together with the
// clock it corresponds to.
type FullState struct {
	Clock  vclock.Clock
	States []NamedState
}

// Sort orders states by name.
func (f *FullState) Sort() {
	slices.SortFunc(f.States, func(a, b NamedState) int {
		return strings.Compare(a.Name, b.Name)
	})
}

// Get returns the state with the given name.
func (f *FullState) Get(name string) (NamedState, bool) {
	for _, s := range f.States {
		if s.Name == name {
			return s, true
		}
	}
	return NamedState{}, false
}

// EncodeScale implements scale.Encodable.
func (f *FullState) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := f.Clock.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeStructSliceWithLimit(enc, f.States, MaxStates)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale.Decodable.
func (f *FullState) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		n, err := f.Clock.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		field, n, err := scale.DecodeStructSliceWithLimit[NamedState](dec, MaxStates)
		if err != nil {
			return total, err
		}
		total += n
		f.States = field
	}
	return total, nil
}
