package signing

import "github.com/oasisprotocol/curve25519-voi/primitives/ed25519"

// EdVerifier checks signatures made by an EdSigner with the same prefix.
type EdVerifier struct {
	prefix []byte
}

func NewEdVerifier(prefix []byte) *EdVerifier {
	return &EdVerifier{prefix: prefix}
}

// Verify is false for malformed keys or signatures.
func (ev *EdVerifier) Verify(d Domain, pub *PublicKey, m, sig []byte) bool {
	if len(pub.Bytes()) != ed25519.PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(pub.PublicKey, signedMessage(ev.prefix, d, m), sig)
}
