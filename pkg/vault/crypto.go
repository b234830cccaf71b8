package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// ErrCiphertextTooShort indicates a stored value shorter than the GCM
// nonce, which can only mean corruption.
var ErrCiphertextTooShort = errors.New("ciphertext shorter than nonce")

// cryptor encrypts and decrypts PII originals with AES-256-GCM. The key
// is derived once from the configured secret and held only in memory.
type cryptor struct {
	aead cipher.AEAD
}

func newCryptor(secret string) (*cryptor, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &cryptor{aead: aead}, nil
}

// encrypt seals plaintext and prepends the random nonce.
func (c *cryptor) encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// decrypt opens a value produced by encrypt.
func (c *cryptor) decrypt(ciphertext []byte) (string, error) {
	ns := c.aead.NonceSize()
	if len(ciphertext) < ns {
		return "", ErrCiphertextTooShort
	}
	plaintext, err := c.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypting value: %w", err)
	}
	return string(plaintext), nil
}
