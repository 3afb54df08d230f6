// Package cipher encrypts provider credentials at rest. Sessions and refresh
// credentials never hit the database in plaintext.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

const keyLen = 32

// Cipher performs symmetric encryption keyed from a process-wide secret.
// The secret is padded or truncated to the AES-256 key length, so any
// non-empty secret works.
type Cipher struct {
	aead cipher.AEAD
}

// New creates a Cipher from the given secret.
func New(secret string) (*Cipher, error) {
	key := make([]byte, keyLen)
	copy(key, []byte(secret))
	for i := len(secret); i < keyLen; i++ {
		key[i] = '0'
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher.New: creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.New: creating GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt encrypts plaintext for database storage. The random nonce is
// prepended to the ciphertext and the whole value is base64url-encoded so it
// fits a TEXT column. Empty input maps to empty output.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("Encrypt: reading nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Empty input maps to empty output, so absent
// credentials never fail decryption.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("Decrypt: decoding: %w", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", fmt.Errorf("Decrypt: ciphertext shorter than nonce")
	}

	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("Decrypt: opening ciphertext: %w", err)
	}
	return string(plaintext), nil
}
