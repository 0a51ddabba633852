package secure

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

// KeySize is the size in bytes of every symmetric key handled here.
const KeySize = 32

var (
	// ErrInvalidKeySize is returned when key material is not KeySize bytes.
	ErrInvalidKeySize = errors.New("secure: invalid key size")
	// ErrKeyDestroyed is returned when a destroyed key is used.
	ErrKeyDestroyed = errors.New("secure: key destroyed")
)

// Key is a symmetric key kept encrypted in memory.
// A Key is safe for concurrent use.
type Key struct {
	mu        sync.RWMutex
	enclave   *memguard.Enclave
	destroyed bool
}

// NewKey moves material into a protected enclave. The material slice is
// wiped before NewKey returns, whether or not it succeeds.
func NewKey(material []byte) (*Key, error) {
	if len(material) != KeySize {
		memguard.WipeBytes(material)
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeySize, len(material), KeySize)
	}
	return &Key{enclave: memguard.NewEnclave(material)}, nil
}

// GenerateKey returns a fresh random key.
func GenerateKey() (*Key, error) {
	return &Key{enclave: memguard.NewEnclaveRandom(KeySize)}, nil
}

// Use opens the key and calls fn with the plaintext bytes. The slice passed
// to fn is wiped when fn returns and must not be retained.
func (k *Key) Use(fn func(b []byte) error) error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.destroyed || k.enclave == nil {
		return ErrKeyDestroyed
	}

	locked, err := k.enclave.Open()
	if err != nil {
		return fmt.Errorf("secure: open enclave: %w", err)
	}
	defer locked.Destroy()

	return fn(locked.Bytes())
}

// Export returns a copy of the key bytes. The caller owns the copy and
// should wipe it with Wipe once persisted.
func (k *Key) Export() ([]byte, error) {
	var out []byte
	err := k.Use(func(b []byte) error {
		out = make([]byte, len(b))
		copy(out, b)
		return nil
	})
	return out, err
}

// Equal reports whether both keys hold the same bytes.
func (k *Key) Equal(other *Key) bool {
	if k == other {
		return true
	}
	if k == nil || other == nil {
		return false
	}
	equal := false
	_ = k.Use(func(a []byte) error {
		return other.Use(func(b []byte) error {
			equal = subtle.ConstantTimeCompare(a, b) == 1
			return nil
		})
	})
	return equal
}

// Destroy drops the enclave. Later calls to Use fail with ErrKeyDestroyed.
// Destroy is idempotent.
func (k *Key) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.enclave = nil
	k.destroyed = true
}

// Wipe zeroes b.
func Wipe(b []byte) {
	memguard.WipeBytes(b)
}
