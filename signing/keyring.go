package signing

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const keySuffix = ".key"

// Keyring keeps collaboration keys in a directory, one <name>.key file per
// collaboration.
type Keyring struct {
	dir string
}

func NewKeyring(dir string) *Keyring {
	return &Keyring{dir: dir}
}

func (k *Keyring) path(name string) (string, error) {
	if name == "" || filepath.Base(name) != name {
		return "", fmt.Errorf("signing: invalid collaboration name %q for a key file", name)
	}
	return filepath.Join(k.dir, name+keySuffix), nil
}

// Sealer returns the keychain of a collaboration, or nil if the keyring has
// no key for it.
func (k *Keyring) Sealer(name string) (Sealer, error) {
	path, err := k.path(name)
	if err != nil {
		return nil, err
	}
	signer, err := LoadEdSigner(path, WithPrefix([]byte(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return NewKeychain(signer)
}

// Generate creates a key for the collaboration. An existing key is an error.
func (k *Keyring) Generate(name string) (*EdSigner, error) {
	path, err := k.path(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(k.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keys dir: %w", err)
	}
	signer, err := NewEdSigner(WithPrefix([]byte(name)))
	if err != nil {
		return nil, err
	}
	if err := signer.Save(path); err != nil {
		return nil, err
	}
	return signer, nil
}
