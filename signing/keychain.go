package signing

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrReadOnly is returned when sealing without a signing key.
	ErrReadOnly = errors.New("signing: keychain is read only")
	// ErrInvalidSignature is returned when an opened payload fails verification.
	ErrInvalidSignature = errors.New("signing: invalid signature")
	// ErrMalformed is returned when a sealed payload can't be decrypted.
	ErrMalformed = errors.New("signing: malformed payload")
)

const encryptionContext = "go-collab 2024 payload encryption key"

// Sealer protects payloads that leave the replica.
type Sealer interface {
	Seal(d Domain, plaintext []byte) ([]byte, error)
	Open(d Domain, sealed []byte) ([]byte, error)
}

// Keychain holds the keys of one collaboration. Writers hold the signing key,
// readers only the public and encryption keys.
type Keychain struct {
	signer   *EdSigner
	verifier *EdVerifier
	pub      *PublicKey
	key      [chacha20poly1305.KeySize]byte
}

var _ Sealer = (*Keychain)(nil)

// NewKeychain derives the encryption key from the signer's seed.
func NewKeychain(signer *EdSigner) (*Keychain, error) {
	kc := &Keychain{
		signer:   signer,
		verifier: NewEdVerifier(signer.Prefix()),
		pub:      signer.PublicKey(),
	}
	blake3.DeriveKey(encryptionContext, signer.PrivateKey().Seed(), kc.key[:])
	return kc, nil
}

// NewReadOnlyKeychain builds a keychain that can open but not seal payloads.
func NewReadOnlyKeychain(pub *PublicKey, key []byte, prefix []byte) (*Keychain, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("invalid encryption key size %d", len(key))
	}
	kc := &Keychain{verifier: NewEdVerifier(prefix), pub: pub}
	copy(kc.key[:], key)
	return kc, nil
}

// ReadOnly returns a copy of the keychain without the signing key.
func (kc *Keychain) ReadOnly() *Keychain {
	return &Keychain{verifier: kc.verifier, pub: kc.pub, key: kc.key}
}

// CanWrite is true if the keychain holds the signing key.
func (kc *Keychain) CanWrite() bool {
	return kc.signer != nil
}

// PublicKey of the collaboration.
func (kc *Keychain) PublicKey() *PublicKey {
	return kc.pub
}

// EncryptionKey returns the symmetric key shared by all readers.
func (kc *Keychain) EncryptionKey() []byte {
	return kc.key[:]
}

// Sign signs the message with the collaboration key.
func (kc *Keychain) Sign(d Domain, msg []byte) ([]byte, error) {
	if kc.signer == nil {
		return nil, ErrReadOnly
	}
	return kc.signer.Sign(d, msg), nil
}

// Verify checks a signature against the collaboration public key.
func (kc *Keychain) Verify(d Domain, msg, sig []byte) bool {
	return kc.verifier.Verify(d, kc.pub, msg, sig)
}

// Encrypt returns nonce || ciphertext.
func (kc *Keychain) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(kc.key[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return aead.Seal(out, out, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func (kc *Keychain) Decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(kc.key[:])
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrMalformed
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return plaintext, nil
}

// Seal signs the plaintext and encrypts plaintext || signature.
func (kc *Keychain) Seal(d Domain, plaintext []byte) ([]byte, error) {
	sig, err := kc.Sign(d, plaintext)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(plaintext)+len(sig))
	buf = append(buf, plaintext...)
	buf = append(buf, sig...)
	return kc.Encrypt(buf)
}

// Open decrypts a sealed payload and verifies its signature.
func (kc *Keychain) Open(d Domain, sealed []byte) ([]byte, error) {
	buf, err := kc.Decrypt(sealed)
	if err != nil {
		return nil, err
	}
	if len(buf) < SignatureSize {
		return nil, ErrMalformed
	}
	msg, sig := buf[:len(buf)-SignatureSize], buf[len(buf)-SignatureSize:]
	if !kc.Verify(d, msg, sig) {
		return nil, ErrInvalidSignature
	}
	return msg, nil
}

// NopKeychain passes payloads through unchanged.
type NopKeychain struct{}

var _ Sealer = NopKeychain{}

// Seal implements Sealer.
func (NopKeychain) Seal(_ Domain, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

// Open implements Sealer.
func (NopKeychain) Open(_ Domain, sealed []byte) ([]byte, error) {
	return sealed, nil
}
