package secure

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// SealLegacy encrypts plaintext in the pre-GCM format (AES-256-CBC, PKCS#7,
// IV prefix). New data is never written this way; it exists so migration
// can be exercised.
func SealLegacy(key *Key, plaintext []byte) ([]byte, error) {
	var out []byte
	err := key.Use(func(b []byte) error {
		block, err := aes.NewCipher(b)
		if err != nil {
			return fmt.Errorf("secure: cipher: %w", err)
		}
		padded := pad(plaintext, aes.BlockSize)
		out = make([]byte, aes.BlockSize+len(padded))
		iv := out[:aes.BlockSize]
		if _, err := rand.Read(iv); err != nil {
			return fmt.Errorf("secure: iv: %w", err)
		}
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
		return nil
	})
	return out, err
}

// OpenLegacy decrypts data written by SealLegacy. Without authentication a
// wrong key usually surfaces as a padding error, reported as ErrDecrypt.
func OpenLegacy(key *Key, data []byte) ([]byte, error) {
	if len(data) < 2*aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: bad legacy ciphertext length %d", ErrDecrypt, len(data))
	}
	var out []byte
	err := key.Use(func(b []byte) error {
		block, err := aes.NewCipher(b)
		if err != nil {
			return fmt.Errorf("secure: cipher: %w", err)
		}
		buf := make([]byte, len(data)-aes.BlockSize)
		cipher.NewCBCDecrypter(block, data[:aes.BlockSize]).CryptBlocks(buf, data[aes.BlockSize:])
		pt, ok := unpad(buf, aes.BlockSize)
		if !ok {
			return ErrDecrypt
		}
		out = pt
		return nil
	})
	return out, err
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append([]byte(nil), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, bool) {
	if len(b) == 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, false
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}
