// Package tokencrypt encrypts OAuth refresh tokens at rest with AES-256-GCM.
package tokencrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// aad binds ciphertexts to their purpose so a sealed refresh token cannot be
// replayed as some other secret.
var aad = []byte("calendar-refresh-token")

// ErrCiphertextTooShort is returned when the input cannot contain a nonce.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Box seals and opens refresh tokens with a fixed 32-byte key.
type Box struct {
	gcm cipher.AEAD
}

// New returns a Box for a 32-byte key.
func New(key []byte) (*Box, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("token encryption key must be 32 bytes, got %d", len(key))
	}
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(blk)
	if err != nil {
		return nil, err
	}
	return &Box{gcm: gcm}, nil
}

// NewFromBase64 decodes a standard base64 key and returns a Box for it.
func NewFromBase64(encoded string) (*Box, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding token encryption key: %w", err)
	}
	return New(key)
}

// GenerateKey returns a fresh random key, base64-encoded for configuration.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt returns base64(nonce||ciphertext).
func (b *Box) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := b.gcm.Seal(nonce, nonce, []byte(plaintext), aad)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (b *Box) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	if len(raw) < b.gcm.NonceSize() {
		return "", ErrCiphertextTooShort
	}
	nonce, ct := raw[:b.gcm.NonceSize()], raw[b.gcm.NonceSize():]
	pt, err := b.gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return "", fmt.Errorf("opening ciphertext: %w", err)
	}
	return string(pt), nil
}
