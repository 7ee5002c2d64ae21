package vclock

import (
	"errors"

	"github.com/spacemeshos/go-scale"
)

// ErrTooManyEntries is returned when a decoded clock exceeds MaxEntries.
var ErrTooManyEntries = errors.New("vclock: too many entries")

const (
	// MaxEntries bounds the number of replicas in a decoded clock.
	MaxEntries = 1 << 16
	// MaxIDSize bounds a replica id.
	MaxIDSize = 128
)

// EncodeScale implements scale.Encodable. Entries are written in key order
// so that equal clocks always have equal encodings.
func (c Clock) EncodeScale(enc *scale.Encoder) (int, error) {
	keys := c.Keys()
	total := 0
	n, err := scale.EncodeCompact32(enc, uint32(len(keys)))
	if err != nil {
		return total, err
	}
	total += n
	for _, k := range keys {
		n, err := scale.EncodeStringWithLimit(enc, k, MaxIDSize)
		if err != nil {
			return total, err
		}
		total += n
		n, err = scale.EncodeCompact64(enc, c[k])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale.Decodable.
func (c *Clock) DecodeScale(dec *scale.Decoder) (int, error) {
	total := 0
	size, n, err := scale.DecodeCompact32(dec)
	if err != nil {
		return total, err
	}
	total += n
	if size > MaxEntries {
		return total, ErrTooManyEntries
	}
	rst := make(Clock, size)
	for range size {
		k, n, err := scale.DecodeStringWithLimit(dec, MaxIDSize)
		if err != nil {
			return total, err
		}
		total += n
		v, n, err := scale.DecodeCompact64(dec)
		if err != nil {
			return total, err
		}
		total += n
		if v != 0 {
			rst[k] = v
		}
	}
	*c = rst
	return total, nil
}
