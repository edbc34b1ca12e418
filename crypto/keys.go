package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidCredential reports a sender credential that cannot yield a key.
var ErrInvalidCredential = errors.New("crypto: invalid credential")

// --- Sender identity ---

// Sender is an account able to authorise transfers. Its lower-cased address is
// the ledger key for everything it sends.
type Sender struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSender wraps an ECDSA key.
func NewSender(key *ecdsa.PrivateKey) (*Sender, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: nil private key", ErrInvalidCredential)
	}
	return &Sender{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// GenerateSender creates a sender with a fresh random key.
func GenerateSender() (*Sender, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewSender(key)
}

// Address returns the checksummed account address.
func (s *Sender) Address() common.Address { return s.address }

// LedgerKey returns the lower-cased hex address.
func (s *Sender) LedgerKey() string { return strings.ToLower(s.address.Hex()) }

// SignTx signs tx for the supplied chain.
func (s *Sender) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// ParsePrivateKey decodes a hex-encoded secp256k1 key, with or without a 0x
// prefix.
func ParsePrivateKey(raw string) (*Sender, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty private key", ErrInvalidCredential)
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return NewSender(key)
}

// --- Key custody ---

// KeystorePrefix marks a credential that names a v3 keystore file.
const KeystorePrefix = "keystore:"

// PassphraseFunc resolves the passphrase protecting the keystore at path.
type PassphraseFunc func(path string) (string, error)

// Custody turns configured credentials into senders.
type Custody struct {
	passphrase PassphraseFunc
}

// NewCustody constructs a custody. passphrase may be nil when only raw keys
// are configured.
func NewCustody(passphrase PassphraseFunc) *Custody {
	return &Custody{passphrase: passphrase}
}

// Open accepts either a hex private key or "keystore:<path>". Failures wrap
// ErrInvalidCredential.
func (c *Custody) Open(credential string) (*Sender, error) {
	trimmed := strings.TrimSpace(credential)
	path, isKeystore := strings.CutPrefix(trimmed, KeystorePrefix)
	if !isKeystore {
		return ParsePrivateKey(trimmed)
	}
	path = strings.TrimSpace(path)
	if c == nil || c.passphrase == nil {
		return nil, fmt.Errorf("%w: no passphrase source for keystore %s", ErrInvalidCredential, path)
	}
	pass, err := c.passphrase(path)
	if err != nil {
		return nil, fmt.Errorf("%w: keystore %s: %v", ErrInvalidCredential, path, err)
	}
	sender, err := LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("%w: keystore %s: %v", ErrInvalidCredential, path, err)
	}
	return sender, nil
}

// Describe renders a credential for logs without exposing key material.
func Describe(credential string) string {
	trimmed := strings.TrimSpace(credential)
	if path, ok := strings.CutPrefix(trimmed, KeystorePrefix); ok {
		return KeystorePrefix + strings.TrimSpace(path)
	}
	return "hex-key"
}
