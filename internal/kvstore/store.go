package kvstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/systmms/securestore/internal/keygen"
	"github.com/systmms/securestore/internal/logging"
	"github.com/systmms/securestore/internal/metrics"
	"github.com/systmms/securestore/internal/secure"
)

const (
	// VersionFile holds the ASCII schema version of a store directory.
	VersionFile = "version"
	// CurrentVersion is the version given to every new store.
	CurrentVersion = 2

	valueSuffix = "_value"
	keySuffix   = "_key"
)

// ErrEmptyKey is returned when saving under an empty key.
var ErrEmptyKey = errors.New("kvstore: key must not be empty")

func reserved(name string) bool {
	return name == VersionFile || name == keygen.SentinelFile || strings.HasPrefix(name, ".")
}

// hashKey returns the lowercase hex SHA-256 of key.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Store is one named, encrypted key-value directory.
//
// Store does no locking of its own. Concurrent saves of the same key race
// at the filesystem level, and on version 2 stores the value and key files
// may briefly disagree. Callers needing stronger guarantees serialize
// access themselves.
type Store struct {
	name    string
	dir     string
	version int
	key     *secure.Key
	log     *logging.Logger
	metrics *metrics.Metrics
}

// Name returns the store name.
func (s *Store) Name() string { return s.name }

// Directory returns the on-disk directory.
func (s *Store) Directory() string { return s.dir }

// Version returns the schema version fixed at creation.
func (s *Store) Version() int { return s.version }

func (s *Store) valuePath(key string) string {
	if s.version >= 2 {
		return filepath.Join(s.dir, hashKey(key)+valueSuffix)
	}
	return filepath.Join(s.dir, hashKey(key))
}

func (s *Store) keyPath(key string) string {
	return filepath.Join(s.dir, hashKey(key)+keySuffix)
}

func (s *Store) seal(plain []byte) ([]byte, error) {
	return secure.Seal(s.key, plain)
}

// Save encrypts value under key. On version 2 stores a failure to write
// the key file is logged and the save still succeeds; the entry stays
// readable by key but is missing from AllKeys.
func (s *Store) Save(key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}

	ct, err := s.seal(value)
	if err != nil {
		s.metrics.StoreOp("save", false)
		return fmt.Errorf("kvstore %s: encrypt: %w", s.name, err)
	}
	if err := keygen.WriteFile(s.valuePath(key), ct); err != nil {
		s.metrics.StoreOp("save", false)
		return fmt.Errorf("kvstore %s: write value: %w", s.name, err)
	}

	if s.version >= 2 {
		if err := s.saveKey(key); err != nil {
			s.log.Warn("kvstore %s: value saved but key file failed: %v", s.name, err)
			s.metrics.PartialWrite()
		}
	}
	s.metrics.StoreOp("save", true)
	return nil
}

func (s *Store) saveKey(key string) error {
	ct, err := s.seal([]byte(key))
	if err != nil {
		return err
	}
	return keygen.WriteFile(s.keyPath(key), ct)
}

// SaveString stores a UTF-8 string value.
func (s *Store) SaveString(key, value string) error {
	return s.Save(key, []byte(value))
}

// Get returns the value for key. Missing, unreadable and undecryptable
// entries all report false.
func (s *Store) Get(key string) ([]byte, bool) {
	if key == "" {
		return nil, false
	}
	data, err := os.ReadFile(s.valuePath(key))
	if errors.Is(err, os.ErrNotExist) {
		s.metrics.StoreOp("get", true)
		return nil, false
	}
	if err != nil {
		s.log.Warn("kvstore %s: read: %v", s.name, err)
		s.metrics.StoreOp("get", false)
		return nil, false
	}
	plain, err := secure.Open(s.key, data)
	if err != nil {
		s.log.Warn("kvstore %s: decrypt %s: %v", s.name, filepath.Base(s.valuePath(key)), err)
		s.metrics.StoreOp("get", false)
		return nil, false
	}
	s.metrics.StoreOp("get", true)
	return plain, true
}

// GetString returns the value for key as a string.
func (s *Store) GetString(key string) (string, bool) {
	b, ok := s.Get(key)
	if !ok {
		return "", false
	}
	return string(b), true
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Remove deletes key. Removing a missing key succeeds. On version 2
// stores the value and key files are removed independently.
func (s *Store) Remove(key string) error {
	if key == "" {
		return nil
	}
	valueErr := removeIfExists(s.valuePath(key))
	var keyErr error
	if s.version >= 2 {
		keyErr = removeIfExists(s.keyPath(key))
	}
	err := errors.Join(valueErr, keyErr)
	s.metrics.StoreOp("remove", err == nil)
	if err != nil {
		return fmt.Errorf("kvstore %s: remove: %w", s.name, err)
	}
	return nil
}

func (s *Store) entries() ([]os.DirEntry, error) {
	all, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if reserved(e.Name()) || !e.Type().IsRegular() {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// RemoveAll deletes every entry and keeps the store itself.
func (s *Store) RemoveAll() error {
	entries, err := s.entries()
	if err != nil {
		s.metrics.StoreOp("remove_all", false)
		return fmt.Errorf("kvstore %s: %w", s.name, err)
	}
	var errs []error
	for _, e := range entries {
		if err := removeIfExists(filepath.Join(s.dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	err = errors.Join(errs...)
	s.metrics.StoreOp("remove_all", err == nil)
	if err != nil {
		return fmt.Errorf("kvstore %s: remove all: %w", s.name, err)
	}
	return nil
}

// AllKeys decrypts every key file. It reports false on version 1 stores,
// which do not record keys.
func (s *Store) AllKeys() ([]string, bool) {
	if s.version < 2 {
		return nil, false
	}
	entries, err := s.entries()
	if err != nil {
		s.log.Warn("kvstore %s: list: %v", s.name, err)
		return []string{}, true
	}

	keys := []string{}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), keySuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.log.Warn("kvstore %s: read %s: %v", s.name, e.Name(), err)
			continue
		}
		plain, err := secure.Open(s.key, data)
		if err != nil {
			s.log.Warn("kvstore %s: decrypt %s: %v", s.name, e.Name(), err)
			continue
		}
		keys = append(keys, string(plain))
	}
	sort.Strings(keys)
	return keys, true
}

// Count returns the number of entries. Version 1 counts files; version 2
// counts key files.
func (s *Store) Count() int {
	entries, err := s.entries()
	if err != nil {
		s.log.Warn("kvstore %s: list: %v", s.name, err)
		return 0
	}
	if s.version < 2 {
		return len(entries)
	}
	n := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), keySuffix) {
			n++
		}
	}
	return n
}

// IsEmpty reports whether the store has no entries.
func (s *Store) IsEmpty() bool {
	return s.Count() == 0
}

// DiskUsage returns the total size of entry files in bytes.
func (s *Store) DiskUsage() int64 {
	entries, err := s.entries()
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		if info, err := e.Info(); err == nil {
			total += info.Size()
		}
	}
	return total
}
