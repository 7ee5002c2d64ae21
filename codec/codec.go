// Package codec encodes wire and storage records with go-scale.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/spacemeshos/go-scale"
)

type (
	Encodable = scale.Encodable
	Decodable = scale.Decodable
)

// ErrTrailingBytes is returned when a buffer holds more than one value.
var ErrTrailingBytes = errors.New("codec: trailing bytes")

var buffers = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 256))
	},
}

// Encode returns a copy of the encoding. The scratch buffer is pooled.
func Encode(value Encodable) ([]byte, error) {
	b := buffers.Get().(*bytes.Buffer)
	defer func() {
		b.Reset()
		buffers.Put(b)
	}()
	if _, err := value.EncodeScale(scale.NewEncoder(b)); err != nil {
		return nil, fmt.Errorf("encode %T: %w", value, err)
	}
	return bytes.Clone(b.Bytes()), nil
}

// MustEncode is for values whose encoding can't fail.
func MustEncode(value Encodable) []byte {
	buf, err := Encode(value)
	if err != nil {
		panic(err)
	}
	return buf
}

// Decode expects buf to hold exactly one value.
func Decode(buf []byte, value Decodable) error {
	n, err := value.DecodeScale(scale.NewDecoder(bytes.NewReader(buf)))
	if err != nil {
		return fmt.Errorf("decode %T: %w", value, err)
	}
	if n != len(buf) {
		return fmt.Errorf("decode %T: %w: %d", value, ErrTrailingBytes, len(buf)-n)
	}
	return nil
}
