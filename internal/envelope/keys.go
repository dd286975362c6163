package envelope

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// Keypair holds the server's RSA key used to unwrap credential envelopes.
type Keypair struct {
	private *rsa.PrivateKey
}

// Generate creates a fresh 2048-bit keypair.
func Generate() (*Keypair, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return &Keypair{private: key}, nil
}

// Load reads a PEM encoded private key from disk.
func Load(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}
	kp, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return kp, nil
}

// Parse decodes a PKCS#8 or PKCS#1 PEM private key.
func Parse(pemBytes []byte) (*Keypair, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	switch block.Type {
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs8: %w", err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not RSA")
		}
		return &Keypair{private: key}, nil
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs1: %w", err)
		}
		return &Keypair{private: key}, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

// PrivatePEM renders the key as an unencrypted PKCS#8 PEM block.
func (k *Keypair) PrivatePEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.private)
	if err != nil {
		return nil, fmt.Errorf("marshal pkcs8: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// PublicPEM renders the public half as an SPKI PEM block. This is what
// clients fetch to wrap their data keys.
func (k *Keypair) PublicPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&k.private.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// WriteFiles stores both PEM halves on disk. The private key file is
// created owner-readable only.
func (k *Keypair) WriteFiles(privatePath, publicPath string) error {
	privPEM, err := k.PrivatePEM()
	if err != nil {
		return err
	}
	pubPEM, err := k.PublicPEM()
	if err != nil {
		return err
	}
	if err := os.WriteFile(privatePath, privPEM, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", privatePath, err)
	}
	if err := os.WriteFile(publicPath, pubPEM, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", publicPath, err)
	}
	return nil
}
