// Package registry defines how logical contract names map onto the
// registry's fixed-width keys.
//
// Keys are the ASCII bytes of the name right-padded with zeros to 32 bytes,
// which is also the encoding of on-chain type tags.
package registry

import (
	"fmt"

	"github.com/artpar/ledgerboot/internal/core/domain"
)

// TargetSuffix is appended to a delegated contract's name to form the
// registry name of its implementation.
const TargetSuffix = "Target"

// Key is a registry key or type tag.
type Key [32]byte

// NewKey encodes name as a right-padded 32-byte key.
func NewKey(name string) (Key, error) {
	var k Key
	if name == "" {
		return k, fmt.Errorf("%w: empty registry name", domain.ErrConfiguration)
	}
	if len(name) > len(k) {
		return k, fmt.Errorf("%w: %q", domain.ErrNameTooLong, name)
	}
	copy(k[:], name)
	return k, nil
}

// MustKey is NewKey for compile-time constant names.
func MustKey(name string) Key {
	k, err := NewKey(name)
	if err != nil {
		panic(err)
	}
	return k
}

// String returns the key's name with trailing zero padding removed.
func (k Key) String() string {
	end := len(k)
	for end > 0 && k[end-1] == 0 {
		end--
	}
	return string(k[:end])
}

// TargetName returns the registry name of a delegated contract's
// implementation.
func TargetName(name string) string {
	return name + TargetSuffix
}

// TypeTag returns the expected type tag for a contract type name.
func TypeTag(typeName string) Key {
	return MustKey(typeName)
}
