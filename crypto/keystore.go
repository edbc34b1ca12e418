package crypto

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

// SaveToKeystore writes the sender's key to an Ethereum v3 keystore file at
// path, creating the parent directory with 0700 permissions. Light scrypt
// parameters keep operator tooling and tests fast; the file format is the
// same.
func SaveToKeystore(path string, sender *Sender, passphrase string) error {
	if sender == nil {
		return errors.New("crypto: nil sender")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	key := &keystore.Key{
		Address:    sender.address,
		PrivateKey: sender.key,
	}
	keyJSON, err := keystore.EncryptKey(key, passphrase, keystore.LightScryptN, keystore.LightScryptP)
	if err != nil {
		return err
	}
	return os.WriteFile(path, keyJSON, 0o600)
}

// LoadFromKeystore decrypts an Ethereum v3 keystore file using the supplied passphrase.
func LoadFromKeystore(path, passphrase string) (*Sender, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}

	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, err
	}

	return NewSender(decrypted.PrivateKey)
}
