// Package secrets encrypts per-source credentials at rest.
//
// The core only needs the narrow Cipher contract; the AES-GCM implementation
// here is the default. Plaintext credentials are materialized per-dispatch and
// never stored on shared state.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	// ErrCiphertextTooShort is returned when the ciphertext is shorter than the nonce.
	ErrCiphertextTooShort = errors.New("ciphertext is too short")

	// ErrSecretKeyRequired is returned when no secret key was configured.
	ErrSecretKeyRequired = errors.New("secret key is required")
)

// Cipher encrypts and decrypts opaque strings.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AESGCM is a Cipher backed by AES-256-GCM with a random nonce per message.
type AESGCM struct {
	aead cipher.AEAD
}

var _ Cipher = (*AESGCM)(nil)

// NewAESGCM derives a 256-bit key from the given secret and returns the cipher.
func NewAESGCM(secret string) (*AESGCM, error) {
	if secret == "" {
		return nil, ErrSecretKeyRequired
	}

	key := sha256.Sum256([]byte(secret))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("error creating the AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("error creating the GCM mode: %w", err)
	}

	return &AESGCM{aead: aead}, nil
}

// Encrypt returns the base64-encoded nonce||ciphertext for the given plaintext.
func (c *AESGCM) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("error generating the nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *AESGCM) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("error decoding the ciphertext: %w", err)
	}

	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrCiphertextTooShort
	}

	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("error decrypting the ciphertext: %w", err)
	}

	return string(plain), nil
}
