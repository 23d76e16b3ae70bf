package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var (
	ErrEmptyKey          = errors.New("encryption key is empty")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// KeyCipher seals upstream provider keys for storage. Each sealed value is
// bound to its (product, provider) pair, so a ciphertext copied onto another
// row fails to open.
type KeyCipher struct {
	aead cipher.AEAD
}

// NewKeyCipher derives an AES-256 key from passphrase with SHA-256.
func NewKeyCipher(passphrase string) (*KeyCipher, error) {
	if passphrase == "" {
		return nil, ErrEmptyKey
	}
	key := sha256.Sum256([]byte(passphrase))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &KeyCipher{aead: aead}, nil
}

func additionalData(productID, provider string) []byte {
	return []byte(productID + "\x00" + provider)
}

// Seal encrypts apiKey and returns base64(nonce || ciphertext).
func (c *KeyCipher) Seal(productID, provider, apiKey string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(apiKey), additionalData(productID, provider))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *KeyCipher) Open(productID, provider, sealed string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	plaintext, err := c.aead.Open(nil, data[:nonceSize], data[nonceSize:], additionalData(productID, provider))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return string(plaintext), nil
}

// Fingerprint identifies a secret in logs without revealing it.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:4])
}
