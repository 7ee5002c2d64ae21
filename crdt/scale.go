package crdt

import (
	"errors"
	"maps"
	"slices"

	"github.com/spacemeshos/go-scale"
)

const (
	maxElements  = 1 << 20
	maxValueSize = 1 << 20
	maxTagSize   = 256
)

var errTooManyElements = errors.New("crdt: too many elements")

func encodeLen(enc *scale.Encoder, n int, total *int) error {
	c, err := scale.EncodeCompact32(enc, uint32(n))
	*total += c
	return err
}

func decodeLen(dec *scale.Decoder, total *int) (uint32, error) {
	n, c, err := scale.DecodeCompact32(dec)
	*total += c
	if err != nil {
		return 0, err
	}
	if n > maxElements {
		return 0, errTooManyElements
	}
	return n, nil
}

func encodeString(enc *scale.Encoder, s string, limit uint32, total *int) error {
	c, err := scale.EncodeStringWithLimit(enc, s, limit)
	*total += c
	return err
}

func decodeString(dec *scale.Decoder, limit uint32, total *int) (string, error) {
	s, c, err := scale.DecodeStringWithLimit(dec, limit)
	*total += c
	return s, err
}

func encodeUint(enc *scale.Encoder, v uint64, total *int) error {
	c, err := scale.EncodeCompact64(enc, v)
	*total += c
	return err
}

func decodeUint(dec *scale.Decoder, total *int) (uint64, error) {
	v, c, err := scale.DecodeCompact64(dec)
	*total += c
	return v, err
}

func (s *PNCounterState) EncodeScale(enc *scale.Encoder) (int, error) {
	total := 0
	n, err := s.P.EncodeScale(enc)
	total += n
	if err != nil {
		return total, err
	}
	n, err = s.N.EncodeScale(enc)
	total += n
	return total, err
}

func (s *PNCounterState) DecodeScale(dec *scale.Decoder) (int, error) {
	total := 0
	n, err := s.P.DecodeScale(dec)
	total += n
	if err != nil {
		return total, err
	}
	n, err = s.N.DecodeScale(dec)
	total += n
	return total, err
}

func (s *ORSetState) EncodeScale(enc *scale.Encoder) (int, error) {
	total := 0
	tags := slices.Sorted(maps.Keys(s.Adds))
	if err := encodeLen(enc, len(tags), &total); err != nil {
		return total, err
	}
	for _, tag := range tags {
		if err := encodeString(enc, tag, maxTagSize, &total); err != nil {
			return total, err
		}
		if err := encodeString(enc, s.Adds[tag], maxValueSize, &total); err != nil {
			return total, err
		}
	}
	removed := slices.Sorted(maps.Keys(s.Removed))
	if err := encodeLen(enc, len(removed), &total); err != nil {
		return total, err
	}
	for _, tag := range removed {
		if err := encodeString(enc, tag, maxTagSize, &total); err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *ORSetState) DecodeScale(dec *scale.Decoder) (int, error) {
	total := 0
	rst := newORSetState()
	n, err := decodeLen(dec, &total)
	if err != nil {
		return total, err
	}
	for range n {
		tag, err := decodeString(dec, maxTagSize, &total)
		if err != nil {
			return total, err
		}
		elem, err := decodeString(dec, maxValueSize, &total)
		if err != nil {
			return total, err
		}
		rst.Adds[tag] = elem
	}
	n, err = decodeLen(dec, &total)
	if err != nil {
		return total, err
	}
	for range n {
		tag, err := decodeString(dec, maxTagSize, &total)
		if err != nil {
			return total, err
		}
		rst.Removed[tag] = struct{}{}
	}
	*s = rst
	return total, nil
}

func encodeNodeID(enc *scale.Encoder, id NodeID, total *int) error {
	if err := encodeUint(enc, id.Seq, total); err != nil {
		return err
	}
	return encodeString(enc, id.Replica, maxTagSize, total)
}

func decodeNodeID(dec *scale.Decoder, total *int) (NodeID, error) {
	seq, err := decodeUint(dec, total)
	if err != nil {
		return NodeID{}, err
	}
	replica, err := decodeString(dec, maxTagSize, total)
	return NodeID{Seq: seq, Replica: replica}, err
}

func (s *RGAState) EncodeScale(enc *scale.Encoder) (int, error) {
	total := 0
	ids := slices.SortedFunc(maps.Keys(s.Nodes), compareNodeID)
	if err := encodeLen(enc, len(ids), &total); err != nil {
		return total, err
	}
	for _, id := range ids {
		node := s.Nodes[id]
		if err := encodeNodeID(enc, id, &total); err != nil {
			return total, err
		}
		if err := encodeNodeID(enc, node.After, &total); err != nil {
			return total, err
		}
		if err := encodeString(enc, node.Value, maxValueSize, &total); err != nil {
			return total, err
		}
	}
	removed := slices.SortedFunc(maps.Keys(s.Removed), compareNodeID)
	if err := encodeLen(enc, len(removed), &total); err != nil {
		return total, err
	}
	for _, id := range removed {
		if err := encodeNodeID(enc, id, &total); err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *RGAState) DecodeScale(dec *scale.Decoder) (int, error) {
	total := 0
	rst := newRGAState()
	n, err := decodeLen(dec, &total)
	if err != nil {
		return total, err
	}
	for range n {
		id, err := decodeNodeID(dec, &total)
		if err != nil {
			return total, err
		}
		after, err := decodeNodeID(dec, &total)
		if err != nil {
			return total, err
		}
		value, err := decodeString(dec, maxValueSize, &total)
		if err != nil {
			return total, err
		}
		rst.Nodes[id] = RGANode{After: after, Value: value}
	}
	n, err = decodeLen(dec, &total)
	if err != nil {
		return total, err
	}
	for range n {
		id, err := decodeNodeID(dec, &total)
		if err != nil {
			return total, err
		}
		rst.Removed[id] = struct{}{}
	}
	*s = rst
	return total, nil
}
