package signing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeychainSealOpen(t *testing.T) {
	signer, err := NewEdSigner(WithPrefix([]byte("notes")))
	require.NoError(t, err)
	kc, err := NewKeychain(signer)
	require.NoError(t, err)
	require.True(t, kc.CanWrite())

	msg := []byte("delta payload")
	sealed, err := kc.Seal(DELTA, msg)
	require.NoError(t, err)
	require.NotContains(t, string(sealed), string(msg))

	opened, err := kc.Open(DELTA, sealed)
	require.NoError(t, err)
	require.Equal(t, msg, opened)

	_, err = kc.Open(STATE, sealed)
	require.ErrorIs(t, err, ErrInvalidSignature)

	sealed[len(sealed)-1] ^= 0xff
	_, err = kc.Open(DELTA, sealed)
	require.ErrorIs(t, err, ErrMalformed)

	_, err = kc.Open(DELTA, []byte{1, 2})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestKeychainDeterministicKey(t *testing.T) {
	signer, err := NewEdSigner()
	require.NoError(t, err)
	a, err := NewKeychain(signer)
	require.NoError(t, err)
	b, err := NewKeychain(signer)
	require.NoError(t, err)
	require.Equal(t, a.EncryptionKey(), b.EncryptionKey())

	other, err := NewEdSigner()
	require.NoError(t, err)
	c, err := NewKeychain(other)
	require.NoError(t, err)
	require.NotEqual(t, a.EncryptionKey(), c.EncryptionKey())
}

func TestKeychainReadOnly(t *testing.T) {
	signer, err := NewEdSigner()
	require.NoError(t, err)
	kc, err := NewKeychain(signer)
	require.NoError(t, err)

	sealed, err := kc.Seal(STATE, []byte("state"))
	require.NoError(t, err)

	ro := kc.ReadOnly()
	require.False(t, ro.CanWrite())
	opened, err := ro.Open(STATE, sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("state"), opened)
	_, err = ro.Seal(STATE, []byte("state"))
	require.ErrorIs(t, err, ErrReadOnly)

	rebuilt, err := NewReadOnlyKeychain(kc.PublicKey(), kc.EncryptionKey(), nil)
	require.NoError(t, err)
	opened, err = rebuilt.Open(STATE, sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("state"), opened)

	_, err = NewReadOnlyKeychain(kc.PublicKey(), []byte{1}, nil)
	require.Error(t, err)
}

func TestNopKeychain(t *testing.T) {
	var kc Sealer = NopKeychain{}
	sealed, err := kc.Seal(DELTA, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("x"), sealed)
	opened, err := kc.Open(DELTA, sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("x"), opened)
}
