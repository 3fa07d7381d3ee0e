// Package identity derives the ordered set of signing identities used by a
// bootstrap run. Index 0 is the deployer and registry owner; higher indices
// take secondary roles such as funding.
//
// A secret is one of:
//   - a 0x-prefixed hex private key (shorter keys are left-padded to 32 bytes)
//   - a BIP-39 mnemonic, expanded into Options.MnemonicAccounts identities
//   - any other string of at most 32 bytes, used as a left-padded raw key
package identity

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/artpar/ledgerboot/internal/core/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

// DefaultMnemonicAccounts is the number of identities expanded from each
// mnemonic secret when Options.MnemonicAccounts is zero.
const DefaultMnemonicAccounts = 10

const hkdfInfoAccount = "ledgerboot/identity/account/v1/"

// Identity is one signing identity.
type Identity struct {
	Index      int
	Address    common.Address
	PrivateKey *ecdsa.PrivateKey
}

func (i Identity) String() string {
	return fmt.Sprintf("#%d %s", i.Index, i.Address.Hex())
}

// Set is the ordered identity list of one run.
type Set []Identity

// Deployer returns identity 0.
func (s Set) Deployer() Identity {
	return s[0]
}

// At returns identity i or a configuration error when too few secrets were
// supplied for the requested role.
func (s Set) At(i int) (Identity, error) {
	if i < 0 || i >= len(s) {
		return Identity{}, fmt.Errorf("%w: identity %d requested but only %d provisioned", domain.ErrConfiguration, i, len(s))
	}
	return s[i], nil
}

// Addresses returns the identity addresses in order.
func (s Set) Addresses() []common.Address {
	out := make([]common.Address, len(s))
	for i, id := range s {
		out[i] = id.Address
	}
	return out
}

// Options controls secret expansion.
type Options struct {
	MnemonicAccounts int
	// MnemonicPassphrase is the optional BIP-39 passphrase.
	MnemonicPassphrase string
}

// Derive turns secrets into an ordered identity set. The result is
// deterministic: the same secrets always produce the same addresses in the
// same order.
func Derive(secrets []string, opts Options) (Set, error) {
	if len(secrets) == 0 {
		return nil, fmt.Errorf("%w: no account secrets supplied", domain.ErrInvalidSecret)
	}
	if opts.MnemonicAccounts <= 0 {
		opts.MnemonicAccounts = DefaultMnemonicAccounts
	}

	var keys []*ecdsa.PrivateKey
	for pos, secret := range secrets {
		derived, err := keysFromSecret(secret, opts)
		if err != nil {
			return nil, fmt.Errorf("secret %d: %w", pos, err)
		}
		keys = append(keys, derived...)
	}

	set := make(Set, 0, len(keys))
	seen := make(map[common.Address]int, len(keys))
	for i, key := range keys {
		addr := crypto.PubkeyToAddress(key.PublicKey)
		if prev, dup := seen[addr]; dup {
			return nil, fmt.Errorf("%w: identities %d and %d share address %s", domain.ErrInvalidSecret, prev, i, addr.Hex())
		}
		seen[addr] = i
		set = append(set, Identity{Index: i, Address: addr, PrivateKey: key})
	}
	return set, nil
}

func keysFromSecret(secret string, opts Options) ([]*ecdsa.PrivateKey, error) {
	secret = strings.TrimSpace(secret)
	switch {
	case secret == "":
		return nil, fmt.Errorf("%w: empty secret", domain.ErrInvalidSecret)
	case strings.HasPrefix(secret, "0x"):
		raw, err := hex.DecodeString(secret[2:])
		if err != nil {
			return nil, fmt.Errorf("%w: malformed hex key", domain.ErrInvalidSecret)
		}
		key, err := keyFromBytes(raw)
		if err != nil {
			return nil, err
		}
		return []*ecdsa.PrivateKey{key}, nil
	case strings.Contains(secret, " ") && bip39.IsMnemonicValid(secret):
		return keysFromMnemonic(secret, opts)
	default:
		key, err := keyFromBytes([]byte(secret))
		if err != nil {
			return nil, err
		}
		return []*ecdsa.PrivateKey{key}, nil
	}
}

// keyFromBytes left-pads raw to 32 bytes and interprets it as a secp256k1
// scalar.
func keyFromBytes(raw []byte) (*ecdsa.PrivateKey, error) {
	if len(raw) > 32 {
		return nil, fmt.Errorf("%w: key longer than 32 bytes", domain.ErrInvalidSecret)
	}
	padded := common.LeftPadBytes(raw, 32)
	key, err := crypto.ToECDSA(padded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSecret, err)
	}
	return key, nil
}

func keysFromMnemonic(mnemonic string, opts Options) ([]*ecdsa.PrivateKey, error) {
	seed := bip39.NewSeed(mnemonic, opts.MnemonicPassphrase)
	keys := make([]*ecdsa.PrivateKey, 0, opts.MnemonicAccounts)
	for i := 0; i < opts.MnemonicAccounts; i++ {
		reader := hkdf.New(sha256.New, seed, nil, []byte(fmt.Sprintf("%s%d", hkdfInfoAccount, i)))
		raw := make([]byte, 32)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, fmt.Errorf("%w: expand mnemonic account %d: %v", domain.ErrInvalidSecret, i, err)
		}
		key, err := keyFromBytes(raw)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}
