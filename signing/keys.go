package signing

import (
	"encoding/hex"
	"fmt"

	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
)

type PrivateKey = ed25519.PrivateKey

const (
	PrivateKeySize = ed25519.PrivateKeySize
	SignatureSize  = ed25519.SignatureSize
)

// PublicKey identifies the writer of a collaboration.
type PublicKey struct {
	ed25519.PublicKey
}

func NewPublicKey(pub []byte) *PublicKey {
	return &PublicKey{pub}
}

// ParsePublicKey decodes the hex form returned by String.
func ParsePublicKey(s string) (*PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("signing: invalid public key length %d", len(raw))
	}
	return NewPublicKey(raw), nil
}

// Bytes is nil for a nil key.
func (p *PublicKey) Bytes() []byte {
	if p == nil {
		return nil
	}
	return p.PublicKey
}

func (p *PublicKey) String() string {
	return hex.EncodeToString(p.Bytes())
}

// ShortString returns up to 5 hex characters.
func (p *PublicKey) ShortString() string {
	s := p.String()
	return s[:min(len(s), 5)]
}
