package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12
	saltSize  = 32

	DefaultScryptN = 32768
	scryptR        = 8
	scryptP        = 1
)

var ErrDecrypt = errors.New("secret decryption failed")

// Cipher seals secret values with AES-256-GCM under a key derived from a
// passphrase with scrypt. Every value gets its own salt and nonce; the
// stored form is base64(salt || nonce || ciphertext).
type Cipher struct {
	passphrase []byte
	n          int
}

func NewCipher(passphrase string) (*Cipher, error) {
	return NewCipherWithCost(passphrase, DefaultScryptN)
}

// NewCipherWithCost sets the scrypt N parameter. Values sealed with one cost
// can only be opened with the same cost.
func NewCipherWithCost(passphrase string, n int) (*Cipher, error) {
	if passphrase == "" {
		return nil, errors.New("secrets passphrase is required")
	}
	if n < 2 || n&(n-1) != 0 {
		return nil, fmt.Errorf("scrypt N must be a power of two > 1, got %d", n)
	}
	return &Cipher{passphrase: []byte(passphrase), n: n}, nil
}

func (c *Cipher) Seal(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := c.gcm(salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, saltSize+nonceSize+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (c *Cipher) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding", ErrDecrypt)
	}
	if len(raw) < saltSize+nonceSize {
		return "", fmt.Errorf("%w: value too short", ErrDecrypt)
	}
	salt, nonce, ct := raw[:saltSize], raw[saltSize:saltSize+nonceSize], raw[saltSize+nonceSize:]
	gcm, err := c.gcm(salt)
	if err != nil {
		return "", err
	}
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(pt), nil
}

func (c *Cipher) gcm(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(c.passphrase, salt, c.n, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
