package log

import (
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ShortString is implemented by types that have a compact log representation.
type ShortString interface {
	ShortString() string
}

type shortStringer struct {
	ShortString
}

func (s shortStringer) String() string {
	return s.ShortString.ShortString()
}

// ZShortStringer logs the short form of a value.
func ZShortStringer(name string, val ShortString) zap.Field {
	return zap.Stringer(name, shortStringer{val})
}

// ZShortBytes logs the first 5 bytes of a byte sequence as hex.
func ZShortBytes(name string, val []byte) zap.Field {
	if len(val) > 5 {
		val = val[:5]
	}
	return zap.String(name, hex.EncodeToString(val))
}

// ZClock logs a counter map in a stable order.
func ZClock(name string, clock map[string]uint64) zap.Field {
	return zap.Object(name, clockMarshaler(clock))
}

type clockMarshaler map[string]uint64

func (c clockMarshaler) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	for k, v := range c {
		enc.AddUint64(shortKey(k), v)
	}
	return nil
}

func shortKey(k string) string {
	b := []byte(k)
	if len(b) > 6 {
		b = b[len(b)-6:]
	}
	return fmt.Sprintf("%x", b)
}
