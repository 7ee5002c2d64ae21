package protocol

import (
	"github.com/spacemeshos/go-scale"

	"github.com/spacemeshos/go-collab/common/types"
	"github.com/spacemeshos/go-collab/vclock"
)

// MaxBatch bounds the number of deltas in one push message.
const MaxBatch = 1 << 14

// PinnerStatus is announced by the puller.
type PinnerStatus byte

const (
	PinnerUnknown PinnerStatus = iota
	PinnerNo
	PinnerYes
)

func (p PinnerStatus) String() string {
	switch p {
	case PinnerNo:
		return "regular"
	case PinnerYes:
		return "pinner"
	default:
		return "unknown"
	}
}

// PullMessage is sent by the puller to the pusher.
type PullMessage struct {
	// Clock is the puller's clock. Nil if not included.
	Clock      vclock.Clock
	StartLazy  bool
	StartEager bool
	Pinner     PinnerStatus
}

// EncodeScale implements scale.Encodable.
func (m *PullMessage) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := scale.EncodeBool(enc, m.Clock != nil)
		if err != nil {
			return total, err
		}
		total += n
	}
	if m.Clock != nil {
		n, err := m.Clock.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeBool(enc, m.StartLazy)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeBool(enc, m.StartEager)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact8(enc, uint8(m.Pinner))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale.Decodable.
func (m *PullMessage) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		present, n, err := scale.DecodeBool(dec)
		if err != nil {
			return total, err
		}
		total += n
		if present {
			n, err := m.Clock.DecodeScale(dec)
			if err != nil {
				return total, err
			}
			total += n
		}
	}
	{
		field, n, err := scale.DecodeBool(dec)
		if err != nil {
			return total, err
		}
		total += n
		m.StartLazy = field
	}
	{
		field, n, err := scale.DecodeBool(dec)
		if err != nil {
			return total, err
		}
		total += n
		m.StartEager = field
	}
	{
		field, n, err := scale.DecodeCompact8(dec)
		if err != nil {
			return total, err
		}
		total += n
		m.Pinner = PinnerStatus(field)
	}
	return total, nil
}

// PushMessage is sent by the pusher to the puller. A message without deltas
// and state advertises the pusher's clock only.
type PushMessage struct {
	Clock  vclock.Clock
	Deltas []types.DeltaRecord
	State  *types.FullState
}

// ClockOnly is true if the message carries no data.
func (m *PushMessage) ClockOnly() bool {
	return len(m.Deltas) == 0 && m.State == nil
}

// EncodeScale implements scale.Encodable.
func (m *PushMessage) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := m.Clock.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeStructSliceWithLimit(enc, m.Deltas, MaxBatch)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeBool(enc, m.State != nil)
		if err != nil {
			return total, err
		}
		total += n
	}
	if m.State != nil {
		n, err := m.State.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale.Decodable.
func (m *PushMessage) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		n, err := m.Clock.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		field, n, err := scale.DecodeStructSliceWithLimit[types.DeltaRecord](dec, MaxBatch)
		if err != nil {
			return total, err
		}
		total += n
		m.Deltas = field
	}
	{
		present, n, err := scale.DecodeBool(dec)
		if err != nil {
			return total, err
		}
		total += n
		if present {
			m.State = &types.FullState{}
			n, err := m.State.DecodeScale(dec)
			if err != nil {
				return total, err
			}
			total += n
		}
	}
	return total, nil
}
