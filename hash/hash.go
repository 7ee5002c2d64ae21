// Package hash is the single place that picks the hash function used for
// membership summaries and ring positions.
package hash

import (
	"encoding/binary"
	"sync"

	"github.com/zeebo/blake3"
)

// Size of the digest in bytes.
const Size = 32

// Hash32 is a blake3 digest.
type Hash32 [Size]byte

var hashers = sync.Pool{
	New: func() any {
		return blake3.New()
	},
}

func get() *blake3.Hasher {
	h := hashers.Get().(*blake3.Hasher)
	h.Reset()
	return h
}

// Sum hashes the concatenation of chunks.
func Sum(chunks ...[]byte) Hash32 {
	h := get()
	defer hashers.Put(h)
	for _, chunk := range chunks {
		h.Write(chunk)
	}
	var rst Hash32
	h.Sum(rst[:0])
	return rst
}

// Builder hashes chunks prefixed with their length, so that adjacent chunks
// can't be confused.
type Builder struct {
	h   *blake3.Hasher
	buf [8]byte
}

// NewBuilder takes a hasher from the pool. Sum returns it.
func NewBuilder() *Builder {
	return &Builder{h: get()}
}

func (b *Builder) Chunk(chunk []byte) {
	binary.LittleEndian.PutUint64(b.buf[:], uint64(len(chunk)))
	b.h.Write(b.buf[:])
	b.h.Write(chunk)
}

// Sum must be called once. The builder is unusable afterwards.
func (b *Builder) Sum() Hash32 {
	var rst Hash32
	b.h.Sum(rst[:0])
	hashers.Put(b.h)
	b.h = nil
	return rst
}
