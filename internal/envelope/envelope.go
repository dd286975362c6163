// Package envelope opens client-side encrypted credential envelopes.
//
// A caller wraps a one-time AES-256 data key with the server's RSA public
// key, encrypts the credential with AES-GCM under that data key, and sends
// all three parts base64 encoded. Unwrap reverses the process server side.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// Failed is returned for every envelope that cannot be opened, whatever the
// reason. Callers compare against it instead of inspecting an error; the
// unit deliberately gives a client no way to tell bad base64 from a failed
// GCM tag. A credential whose real value is the string "error" is
// indistinguishable from a failure, which we accept.
const Failed = "error"

// Unwrap decrypts a credential envelope and returns the plaintext
// credential. wrappedKey is the RSA-OAEP (SHA-256) encrypted data key, iv
// the 12-byte GCM nonce and ciphertext the AES-GCM sealed credential, all
// standard base64. It never panics and never returns a Go error: any
// malformed or unauthentic input yields Failed.
func (k *Keypair) Unwrap(wrappedKey, iv, ciphertext string) string {
	rawKey, err := base64.StdEncoding.DecodeString(wrappedKey)
	if err != nil {
		log.Debug().Msg("envelope: wrapped key is not valid base64")
		return Failed
	}
	rawIV, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		log.Debug().Msg("envelope: iv is not valid base64")
		return Failed
	}
	rawCiphertext, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		log.Debug().Msg("envelope: ciphertext is not valid base64")
		return Failed
	}

	dek, err := rsa.DecryptOAEP(sha256.New(), nil, k.private, rawKey, nil)
	if err != nil {
		log.Debug().Msg("envelope: data key unwrap failed")
		return Failed
	}

	block, err := aes.NewCipher(dek)
	if err != nil {
		log.Debug().Msg("envelope: unwrapped data key has invalid length")
		return Failed
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Failed
	}
	// Open panics on a wrong-size nonce, so gate it here.
	if len(rawIV) != gcm.NonceSize() {
		log.Debug().Msg("envelope: iv has invalid length")
		return Failed
	}

	plain, err := gcm.Open(nil, rawIV, rawCiphertext, nil)
	if err != nil {
		log.Debug().Msg("envelope: ciphertext authentication failed")
		return Failed
	}
	if !utf8.Valid(plain) {
		log.Debug().Msg("envelope: plaintext is not valid utf-8")
		return Failed
	}
	return string(plain)
}
