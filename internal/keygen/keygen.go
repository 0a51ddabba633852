// Package keygen produces one symmetric key per purpose label and persists
// it through the credential cache so the same key survives restarts.
//
// A key-store key is stored once. Each label key is stored wrapped with
// AES-GCM under a key derived from the key-store key with HKDF-SHA256,
// using the label as info.
package keygen

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/sync/singleflight"

	"github.com/systmms/securestore/internal/credential"
	"github.com/systmms/securestore/internal/logging"
	"github.com/systmms/securestore/internal/metrics"
	"github.com/systmms/securestore/internal/secure"
)

const (
	// KeyStoreKeyService holds the key-store key.
	KeyStoreKeyService = "keystore.keyStoreKey"
	// LabelServicePrefix prefixes the service of each wrapped label key.
	LabelServicePrefix = "keystore.keyStore."
	// LegacyServicePrefix prefixes untagged keys written by older releases.
	LegacyServicePrefix = "keystore.legacy."
	// KeyAccount is the account used for every key record.
	KeyAccount = "key"
)

// ErrKeyUnavailable is returned when a key can be neither read nor created.
var ErrKeyUnavailable = errors.New("encryption key unavailable")

// CredentialStore is the subset of credential.Manager used here.
type CredentialStore interface {
	Read(service, account string, opts ...credential.CallOption) credential.Result
	Write(service, account string, data []byte, opts ...credential.CallOption) credential.Result
}

// Generator hands out per-label keys and keeps them in memory.
type Generator struct {
	creds   CredentialStore
	legacy  credential.Primitive
	log     *logging.Logger
	metrics *metrics.Metrics

	group singleflight.Group

	// masterMu serializes read-or-create of the key-store key across
	// labels.
	masterMu sync.Mutex

	mu   sync.RWMutex
	keys map[string]*secure.Key
}

// New returns a Generator. legacy is the unscoped primitive used to find
// keys from older releases; it may be nil.
func New(creds CredentialStore, legacy credential.Primitive, log *logging.Logger) *Generator {
	return &Generator{
		creds:  creds,
		legacy: legacy,
		log:    logging.OrNop(log),
		keys:   make(map[string]*secure.Key),
	}
}

// WithMetrics attaches a metrics sink and returns g.
func (g *Generator) WithMetrics(m *metrics.Metrics) *Generator {
	g.metrics = m
	return g
}

// EncryptionKey returns the key for label, creating and persisting it on
// first use.
func (g *Generator) EncryptionKey(label string) (*secure.Key, error) {
	if label == "" {
		return nil, fmt.Errorf("%w: empty label", ErrKeyUnavailable)
	}

	g.mu.RLock()
	k, ok := g.keys[label]
	g.mu.RUnlock()
	if ok {
		return k, nil
	}

	v, err, _ := g.group.Do(label, func() (interface{}, error) {
		g.mu.RLock()
		k, ok := g.keys[label]
		g.mu.RUnlock()
		if ok {
			return k, nil
		}

		k, err := g.loadLabelKey(label)
		if err != nil {
			return nil, err
		}

		g.mu.Lock()
		g.keys[label] = k
		g.mu.Unlock()
		return k, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*secure.Key), nil
}

// ClearCache forgets every in-memory key. Persisted keys are untouched and
// handles already given out stay usable.
func (g *Generator) ClearCache() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keys = make(map[string]*secure.Key)
}

// keyStoreKey reads or creates the raw key-store key. The caller wipes the
// returned bytes.
func (g *Generator) keyStoreKey() ([]byte, error) {
	g.masterMu.Lock()
	defer g.masterMu.Unlock()

	r := g.creds.Read(KeyStoreKeyService, KeyAccount)
	if r.Err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, r.Err)
	}
	if r.Success && len(r.Data) > 0 {
		if len(r.Data) != secure.KeySize {
			return nil, fmt.Errorf("%w: key-store key has %d bytes", ErrKeyUnavailable, len(r.Data))
		}
		return r.Data, nil
	}

	k, err := secure.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	defer k.Destroy()
	raw, err := k.Export()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	if w := g.creds.Write(KeyStoreKeyService, KeyAccount, raw); !w.Success {
		secure.Wipe(raw)
		return nil, fmt.Errorf("%w: storing key-store key: %v", ErrKeyUnavailable, w.Err)
	}
	g.metrics.KeyGenerated()
	g.log.Debug("generated key-store key")
	return raw, nil
}

func wrappingKey(master []byte, label string) (*secure.Key, error) {
	out := make([]byte, secure.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(label)), out); err != nil {
		return nil, err
	}
	return secure.NewKey(out)
}

func (g *Generator) loadLabelKey(label string) (*secure.Key, error) {
	master, err := g.keyStoreKey()
	if err != nil {
		return nil, err
	}
	wrap, err := wrappingKey(master, label)
	secure.Wipe(master)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	defer wrap.Destroy()

	service := LabelServicePrefix + label
	r := g.creds.Read(service, KeyAccount)
	if r.Err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, r.Err)
	}
	if r.Success && len(r.Data) > 0 {
		raw, err := secure.Open(wrap, r.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: unwrapping %q: %v", ErrKeyUnavailable, label, err)
		}
		return secure.NewKey(raw)
	}

	k, err := secure.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	raw, err := k.Export()
	if err != nil {
		k.Destroy()
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	wrapped, err := secure.Seal(wrap, raw)
	secure.Wipe(raw)
	if err != nil {
		k.Destroy()
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	if w := g.creds.Write(service, KeyAccount, wrapped); !w.Success {
		k.Destroy()
		return nil, fmt.Errorf("%w: storing %q: %v", ErrKeyUnavailable, label, w.Err)
	}
	g.metrics.KeyGenerated()
	g.log.Debug("generated encryption key %q", label)
	return k, nil
}

// LegacyKey returns the untagged key an older release stored for label.
// Records carrying a creator tag are not legacy and are ignored.
func (g *Generator) LegacyKey(label string) (*secure.Key, bool) {
	if g.legacy == nil {
		return nil, false
	}
	st, items := g.legacy.Find(credential.Query{Attributes: credential.Attributes{
		credential.AttrService: LegacyServicePrefix + label,
		credential.AttrAccount: KeyAccount,
	}})
	if st != credential.StatusSuccess || len(items) == 0 {
		return nil, false
	}
	item := items[0]
	if item.Attributes[credential.AttrCreator] != "" || len(item.Data) != secure.KeySize {
		return nil, false
	}
	k, err := secure.NewKey(item.Data)
	if err != nil {
		return nil, false
	}
	return k, true
}

// PrepareDirectory makes sure dir is encrypted under current. When a
// legacy key exists for label its files are migrated; otherwise only the
// sentinel is written.
func (g *Generator) PrepareDirectory(dir, label string, current *secure.Key, reserved ...string) error {
	legacy, ok := g.LegacyKey(label)
	if !ok {
		return WriteSentinel(dir)
	}
	defer legacy.Destroy()

	report, err := Migrate(dir, legacy, current, reserved...)
	if err != nil {
		return err
	}
	for _, name := range report.Failed {
		g.log.Warn("could not migrate %s in %s", name, dir)
		g.metrics.MigratedFile("failed")
	}
	for i := 0; i < report.Migrated; i++ {
		g.metrics.MigratedFile("migrated")
	}
	for i := 0; i < report.Current; i++ {
		g.metrics.MigratedFile("current")
	}
	if !report.Skipped {
		g.log.Debug("migrated %d files in %s (%d already current, %d failed)",
			report.Migrated, dir, report.Current, len(report.Failed))
	}
	return nil
}
