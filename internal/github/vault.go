// Package github integrates the analysis service with GitHub: OAuth sign-in,
// repository browsing, and webhook-driven repository tracking.
package github

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Vault encrypts OAuth tokens at rest. The AES-256 key is derived from the
// configured master secret with HKDF-SHA256, so rotating the secret in config
// invalidates every stored token at once.
type Vault struct {
	aead cipher.AEAD
}

var ErrVaultSealed = errors.New("vault cannot decrypt value")

const vaultKeyInfo = "codealign github token vault v1"

// NewVault derives the sealing key from the master secret.
func NewVault(masterSecret string) (*Vault, error) {
	if masterSecret == "" {
		return nil, errors.New("vault master secret is empty")
	}

	kdf := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte(vaultKeyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("build vault cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("build vault aead: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Seal encrypts a token for storage. Output is base64(nonce || ciphertext).
func (v *Vault) Seal(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a stored token. Tampered or foreign values return
// ErrVaultSealed without detail.
func (v *Vault) Open(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrVaultSealed
	}

	nonceSize := v.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", ErrVaultSealed
	}

	plaintext, err := v.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", ErrVaultSealed
	}
	return string(plaintext), nil
}
