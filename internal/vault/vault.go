// Package vault seals master seed material at rest with a process-wide key.
//
// Sealed blobs are self-describing: version byte, 12-byte nonce, then the
// AES-256-GCM ciphertext with its 16-byte tag appended.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// MinKeyLength is the minimum accepted length of the process secret.
	MinKeyLength = 32

	formatVersion byte = 1
	nonceSize          = 12
	tagSize            = 16
)

var (
	// ErrKeyTooShort is returned when the process secret is missing or shorter than MinKeyLength.
	ErrKeyTooShort = fmt.Errorf("vault key must be at least %d bytes", MinKeyLength)
	// ErrCorruptedSecret is returned when a sealed blob is truncated, tampered or sealed under another key.
	ErrCorruptedSecret = errors.New("corrupted secret")
)

var hkdfInfo = []byte("pecunia/vault/v1")

// Vault encrypts and decrypts secrets. It is safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
	rand io.Reader
}

// New builds a vault from the process secret. The secret is stretched
// through HKDF-SHA256 so its encoding (hex, base64, raw) does not matter as
// long as it carries at least MinKeyLength bytes.
func New(secret []byte) (*Vault, error) {
	if len(secret) < MinKeyLength {
		return nil, ErrKeyTooShort
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("failed to derive vault key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init gcm: %w", err)
	}
	return &Vault{aead: aead, rand: rand.Reader}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	out := make([]byte, 1+nonceSize, 1+nonceSize+len(plaintext)+tagSize)
	out[0] = formatVersion
	if _, err := io.ReadFull(v.rand, out[1:]); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}
	return v.aead.Seal(out, out[1:], plaintext, out[:1]), nil
}

// Decrypt opens a blob produced by Encrypt. Any malformed or
// unauthenticated input yields ErrCorruptedSecret.
func (v *Vault) Decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) < 1+nonceSize+tagSize || sealed[0] != formatVersion {
		return nil, ErrCorruptedSecret
	}
	nonce := sealed[1 : 1+nonceSize]
	plaintext, err := v.aead.Open(nil, nonce, sealed[1+nonceSize:], sealed[:1])
	if err != nil {
		return nil, ErrCorruptedSecret
	}
	return plaintext, nil
}
