// Package secrets seals and opens credential blobs at rest.
//
// The master key from config (≥ 32 bytes) is stretched through HKDF-SHA256
// into a cipher key, and payloads are sealed with ChaCha20-Poly1305. The
// sealed form is base64(nonce ‖ ciphertext), safe to store in a TEXT column.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/nulpointcorp/llm-relay/internal/model"
)

// MinKeyLen is the minimum accepted master key length in bytes.
const MinKeyLen = 32

// hkdfInfo domain-separates the derived key from any other use of the master key.
const hkdfInfo = "llm-relay/credentials/v1"

// Box seals and opens byte payloads with a key derived from the master key.
type Box struct {
	aeadKey []byte
}

// New derives the cipher key and returns a ready Box.
// The master key must be at least MinKeyLen bytes.
func New(masterKey []byte) (*Box, error) {
	if len(masterKey) < MinKeyLen {
		return nil, fmt.Errorf("secrets: master key must be at least %d bytes, got %d", MinKeyLen, len(masterKey))
	}

	kdf := hkdf.New(sha256.New, masterKey, nil, []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("secrets: derive key: %w", err)
	}

	return &Box{aeadKey: key}, nil
}

// Seal encrypts plaintext and returns the base64 storage form.
func (b *Box) Seal(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(b.aeadKey)
	if err != nil {
		return "", fmt.Errorf("secrets: aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (b *Box) Open(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("secrets: decode: %w", err)
	}

	aead, err := chacha20poly1305.NewX(b.aeadKey)
	if err != nil {
		return nil, fmt.Errorf("secrets: aead: %w", err)
	}

	if len(raw) < aead.NonceSize() {
		return nil, fmt.Errorf("secrets: sealed value too short")
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: open: %w", err)
	}

	return plaintext, nil
}

// SealCredentials marshals and seals a credential payload.
func (b *Box) SealCredentials(creds *model.Credentials) (string, error) {
	data, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("secrets: marshal credentials: %w", err)
	}
	return b.Seal(data)
}

// OpenCredentials opens and unmarshals a sealed credential payload.
func (b *Box) OpenCredentials(encoded string) (*model.Credentials, error) {
	data, err := b.Open(encoded)
	if err != nil {
		return nil, err
	}
	var creds model.Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("secrets: unmarshal credentials: %w", err)
	}
	return &creds, nil
}
