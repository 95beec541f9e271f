// Package secretbox encrypts MFA shared secrets at rest. Each principal
// gets a distinct AES-256-GCM key derived from the deployment master key
// with HKDF, and every encryption uses a fresh random nonce.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keySize = 32

// ErrInvalidCiphertext is returned when a stored blob cannot be opened.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// Box seals and opens per-principal secrets.
type Box struct {
	masterKey []byte
}

// New creates a Box. The master key must be at least 32 bytes.
func New(masterKey []byte) (*Box, error) {
	if len(masterKey) < keySize {
		return nil, errors.New("master key must be at least 32 bytes")
	}
	key := make([]byte, len(masterKey))
	copy(key, masterKey)
	return &Box{masterKey: key}, nil
}

func (b *Box) gcm(principalID string) (cipher.AEAD, error) {
	kd := hkdf.New(sha256.New, b.masterKey, nil, []byte("kestrel/mfa-secret/"+principalID))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(kd, key); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext under the principal's derived key. The random
// nonce is prepended to the returned blob.
func (b *Box) Seal(principalID string, plaintext []byte) ([]byte, error) {
	aead, err := b.gcm(principalID)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal for the same principal.
func (b *Box) Open(principalID string, blob []byte) ([]byte, error) {
	aead, err := b.gcm(principalID)
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize() {
		return nil, ErrInvalidCiphertext
	}

	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}
