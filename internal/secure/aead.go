package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// ErrDecrypt is returned when ciphertext cannot be authenticated or decoded.
var ErrDecrypt = errors.New("secure: decryption failed")

const (
	nonceSize = 12
	tagSize   = 16
)

// Seal encrypts plaintext with AES-256-GCM and returns nonce||ciphertext||tag.
func Seal(key *Key, plaintext []byte) ([]byte, error) {
	var out []byte
	err := key.Use(func(b []byte) error {
		gcm, err := newGCM(b)
		if err != nil {
			return err
		}
		nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+tagSize)
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("secure: nonce: %w", err)
		}
		out = gcm.Seal(nonce, nonce, plaintext, nil)
		return nil
	})
	return out, err
}

// Open reverses Seal.
func Open(key *Key, data []byte) ([]byte, error) {
	if len(data) < nonceSize+tagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	var out []byte
	err := key.Use(func(b []byte) error {
		gcm, err := newGCM(b)
		if err != nil {
			return err
		}
		pt, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
		if err != nil {
			return ErrDecrypt
		}
		out = pt
		return nil
	})
	return out, err
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secure: cipher: %w", err)
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}
