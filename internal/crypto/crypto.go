// Package crypto encrypts configuration secrets (API keys, notification tokens)
// so they can be stored in .env files without exposing them in plain text.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// EncryptedPrefix is prepended to encrypted values to identify them
	EncryptedPrefix = "enc:v1:"

	hkdfInfo = "stallarr secrets v1"
)

var (
	ErrNoEncryptionKey = errors.New("no encryption key configured")
	ErrDecryptFailed   = errors.New("decryption failed: invalid ciphertext")
)

// KeyManager holds the derived AES-256 key.
type KeyManager struct {
	key []byte
}

// NewKeyManager derives a 32-byte key from passphrase with HKDF-SHA256.
// An empty passphrase yields a manager without a key: Encrypt fails and Decrypt
// only accepts plain values.
func NewKeyManager(passphrase string) (*KeyManager, error) {
	km := &KeyManager{}
	if passphrase == "" {
		return km, nil
	}

	km.key = make([]byte, 32)
	reader := hkdf.New(sha256.New, []byte(passphrase), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(reader, km.key); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	return km, nil
}

// HasKey returns true if an encryption key is configured
func (km *KeyManager) HasKey() bool {
	return km != nil && km.key != nil
}

// Encrypt encrypts plaintext using AES-GCM and returns it with EncryptedPrefix.
func (km *KeyManager) Encrypt(plaintext string) (string, error) {
	if !km.HasKey() {
		return "", ErrNoEncryptionKey
	}

	aesGCM, err := km.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := aesGCM.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Values without EncryptedPrefix are returned unchanged.
func (km *KeyManager) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	if !km.HasKey() {
		return "", ErrNoEncryptionKey
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", ErrDecryptFailed
	}

	aesGCM, err := km.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := aesGCM.NonceSize()
	if len(data) < nonceSize {
		return "", ErrDecryptFailed
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

func (km *KeyManager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(km.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// IsEncrypted checks if a value appears to be encrypted
func IsEncrypted(value string) bool {
	return len(value) > len(EncryptedPrefix) && strings.HasPrefix(value, EncryptedPrefix)
}
