package signing

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
)

// Domain separates signatures of different payload kinds.
type Domain byte

const (
	DELTA      Domain = 1
	STATE      Domain = 2
	MEMBERSHIP Domain = 3
)

func (d Domain) String() string {
	switch d {
	case DELTA:
		return "DELTA"
	case STATE:
		return "STATE"
	case MEMBERSHIP:
		return "MEMBERSHIP"
	}
	return "UNKNOWN"
}

// ErrKeyMismatch is returned for a private key whose public half doesn't
// match its seed.
var ErrKeyMismatch = errors.New("signing: private and public do not match")

// SignerOpt modifies EdSigner.
type SignerOpt func(*EdSigner) error

// WithPrefix sets the prefix of signed messages. Usually the collaboration name.
func WithPrefix(prefix []byte) SignerOpt {
	return func(es *EdSigner) error {
		es.prefix = prefix
		return nil
	}
}

// WithPrivateKey uses an existing key.
func WithPrivateKey(priv PrivateKey) SignerOpt {
	return func(es *EdSigner) error {
		if err := checkKey(priv); err != nil {
			return err
		}
		es.priv = priv
		return nil
	}
}

// WithKeyFromRand generates the key from the reader.
func WithKeyFromRand(rand io.Reader) SignerOpt {
	return func(es *EdSigner) error {
		_, priv, err := ed25519.GenerateKey(rand)
		if err != nil {
			return fmt.Errorf("generate key pair: %w", err)
		}
		es.priv = priv
		return nil
	}
}

func checkKey(priv PrivateKey) error {
	if len(priv) != PrivateKeySize {
		return fmt.Errorf("signing: invalid key length %d", len(priv))
	}
	pair := ed25519.NewKeyFromSeed(priv.Seed())
	if !bytes.Equal(pair[32:], priv[32:]) {
		return ErrKeyMismatch
	}
	return nil
}

// EdSigner signs payloads of one collaboration.
type EdSigner struct {
	priv   PrivateKey
	prefix []byte
}

// NewEdSigner generates a key unless an option sets it.
func NewEdSigner(opts ...SignerOpt) (*EdSigner, error) {
	es := &EdSigner{}
	for _, opt := range opts {
		if err := opt(es); err != nil {
			return nil, err
		}
	}
	if es.priv == nil {
		_, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, fmt.Errorf("generate key pair: %w", err)
		}
		es.priv = priv
	}
	return es, nil
}

// LoadEdSigner reads a hex encoded key written by Save.
func LoadEdSigner(path string, opts ...SignerOpt) (*EdSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	priv, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key %s: %w", path, err)
	}
	return NewEdSigner(append([]SignerOpt{WithPrivateKey(priv)}, opts...)...)
}

// Save writes the key hex encoded. An existing file is never overwritten.
func (es *EdSigner) Save(path string) error {
	_, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("stat key %s: %w", path, err)
	default:
		return fmt.Errorf("save key %s: %w", path, fs.ErrExist)
	}
	if err := atomic.WriteFile(path, strings.NewReader(hex.EncodeToString(es.priv))); err != nil {
		return fmt.Errorf("write key %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}

// Sign signs the message within a domain.
func (es *EdSigner) Sign(d Domain, m []byte) []byte {
	return ed25519.Sign(es.priv, signedMessage(es.prefix, d, m))
}

// PublicKey of the signer.
func (es *EdSigner) PublicKey() *PublicKey {
	return NewPublicKey(es.priv.Public().(ed25519.PublicKey))
}

// PrivateKey of the signer.
func (es *EdSigner) PrivateKey() PrivateKey {
	return es.priv
}

func (es *EdSigner) Prefix() []byte {
	return es.prefix
}

func (es *EdSigner) String() string {
	return es.PublicKey().ShortString()
}

func signedMessage(prefix []byte, d Domain, m []byte) []byte {
	msg := make([]byte, 0, len(prefix)+1+len(m))
	msg = append(msg, prefix...)
	msg = append(msg, byte(d))
	return append(msg, m...)
}
