// Package crypto seals and opens account secrets so they can sit in config
// files and environment variables without exposing signing keys.
// This is part of the Functional Core - all functions are pure with no I/O
// apart from nonce generation.
//
// Sealed secrets are AES-256-GCM ciphertexts, base64 encoded and prefixed
// with SealedPrefix. The AES key is expanded from an operator passphrase
// with HKDF-SHA256.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// SealedPrefix marks a secret value as sealed.
const SealedPrefix = "sealed:"

const hkdfInfoSecrets = "ledgerboot/secrets/v1"

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrKeyTooShort is returned when the encryption key is too short.
	ErrKeyTooShort = errors.New("encryption key must be at least 32 bytes")

	// ErrInvalidCiphertext is returned when decryption fails due to invalid ciphertext.
	ErrInvalidCiphertext = errors.New("invalid ciphertext: too short")

	// ErrDecryptionFailed is returned when decryption fails (wrong key or corrupted data).
	ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")

	// ErrNoPassphrase is returned when a sealed secret is opened without a passphrase.
	ErrNoPassphrase = errors.New("sealed secret requires a passphrase")
)

// =============================================================================
// Key Derivation
// =============================================================================

// DeriveKey expands a passphrase into a 32-byte AES-256 key.
//
// Note: This function is deterministic - same input always produces same output.
func DeriveKey(passphrase string) []byte {
	reader := hkdf.New(sha256.New, []byte(passphrase), nil, []byte(hkdfInfoSecrets))
	key := make([]byte, 32)
	// hkdf cannot fail for outputs shorter than 255 hash lengths
	_, _ = io.ReadFull(reader, key)
	return key
}

// =============================================================================
// AES-256-GCM
// =============================================================================

// Encrypt encrypts plaintext using AES-256-GCM.
// The ciphertext format is: nonce (12 bytes) || encrypted data || auth tag (16 bytes)
func Encrypt(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts ciphertext that was encrypted with Encrypt.
func Decrypt(ciphertext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) < 32 {
		return nil, ErrKeyTooShort
	}
	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// =============================================================================
// Sealed Secrets
// =============================================================================

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// Seal encrypts a secret under passphrase and returns its sealed form.
//
// Example:
//
//	sealed, _ := crypto.Seal("0x4c0883a6...", os.Getenv("LEDGERBOOT_ACCOUNTS_PASSPHRASE"))
//	// sealed == "sealed:Zm9v..."
func Seal(secret, passphrase string) (string, error) {
	if passphrase == "" {
		return "", ErrNoPassphrase
	}
	ciphertext, err := Encrypt([]byte(secret), DeriveKey(passphrase))
	if err != nil {
		return "", err
	}
	return SealedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open returns the plaintext of a sealed secret. Values without the sealed
// prefix are returned unchanged.
func Open(value, passphrase string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if passphrase == "" {
		return "", ErrNoPassphrase
	}
	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", err
	}
	plaintext, err := Decrypt(ciphertext, DeriveKey(passphrase))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// OpenAll opens every value in order, failing on the first error.
func OpenAll(values []string, passphrase string) ([]string, error) {
	out := make([]string, 0, len(values))
	for _, v := range values {
		plain, err := Open(v, passphrase)
		if err != nil {
			return nil, err
		}
		out = append(out, plain)
	}
	return out, nil
}
