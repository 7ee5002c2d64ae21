package membership

import (
	"fmt"

	"github.com/spacemeshos/go-scale"

	"github.com/spacemeshos/go-collab/hash"
)

const (
	maxNameSize    = 256
	maxTypeSize    = 64
	maxPayloadSize = 8 << 20
)

// Kind of a gossip payload.
type Kind byte

const (
	// Summary payload is the hash of the membership table.
	Summary Kind = iota + 1
	// Full payload is the encoded membership table.
	Full
)

func (k Kind) String() string {
	switch k {
	case Summary:
		return "summary"
	case Full:
		return "full"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Message is published on the app gossip topic.
type Message struct {
	Collaboration string
	Kind          Kind
	Payload       []byte
	Type          string
}

func summaryMessage(name string, h hash.Hash32) *Message {
	return &Message{Collaboration: name, Kind: Summary, Payload: h[:], Type: TypeName}
}

// EncodeScale implements scale.Encodable.
func (m *Message) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := scale.EncodeStringWithLimit(enc, m.Collaboration, maxNameSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact8(enc, uint8(m.Kind))
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeByteSliceWithLimit(enc, m.Payload, maxPayloadSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeStringWithLimit(enc, m.Type, maxTypeSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale.Decodable.
func (m *Message) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		field, n, err := scale.DecodeStringWithLimit(dec, maxNameSize)
		if err != nil {
			return total, err
		}
		total += n
		m.Collaboration = field
	}
	{
		field, n, err := scale.DecodeCompact8(dec)
		if err != nil {
			return total, err
		}
		total += n
		m.Kind = Kind(field)
	}
	{
		field, n, err := scale.DecodeByteSliceWithLimit(dec, maxPayloadSize)
		if err != nil {
			return total, err
		}
		total += n
		m.Payload = field
	}
	{
		field, n, err := scale.DecodeStringWithLimit(dec, maxTypeSize)
		if err != nil {
			return total, err
		}
		total += n
		m.Type = field
	}
	return total, nil
}
