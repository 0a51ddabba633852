// Package kvstore implements named, versioned, encrypted key-value stores
// kept on disk, scoped either globally or to one user.
//
// Each store is a directory holding a version marker, an encryption
// sentinel and one or two encrypted files per entry. Entry files are named
// by the SHA-256 of the entry key. Version 1 stores write a single file
// per entry; version 2 stores add a second file holding the encrypted key
// so the store can be enumerated.
package kvstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/systmms/securestore/internal/keygen"
	"github.com/systmms/securestore/internal/logging"
	"github.com/systmms/securestore/internal/metrics"
	"github.com/systmms/securestore/internal/secure"
	"github.com/systmms/securestore/pkg/account"
)

const (
	// StoresDir is the directory under each scope that holds stores.
	StoresDir = "key_value_stores"
	// GlobalDir is the scope directory for global stores.
	GlobalDir = "global"
	// DefaultKeyLabel is the key label shared by all stores.
	DefaultKeyLabel = "com.systmms.securestore.kvstores"
)

// tempDirPrefix marks half-built store directories. Names starting with
// '.' never pass ValidName, so listings skip them.
const tempDirPrefix = ".tmp-"

var nameRE = regexp.MustCompile(`^[a-zA-Z0-9_]{1,96}$`)

var (
	ErrInvalidName      = errors.New("kvstore: invalid store name")
	ErrNoCurrentUser    = errors.New("kvstore: no current user")
	ErrStoreUnavailable = errors.New("kvstore: store unavailable")
)

// ValidName reports whether name is a legal store name.
func ValidName(name string) bool {
	return nameRE.MatchString(name)
}

// KeyProvider supplies store encryption keys. *keygen.Generator
// satisfies it.
type KeyProvider interface {
	EncryptionKey(label string) (*secure.Key, error)
	PrepareDirectory(dir, label string, current *secure.Key, reserved ...string) error
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Root     string
	Keys     KeyProvider
	Users    account.Provider
	KeyLabel string
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
}

// Registry owns every live Store. Repeated lookups for one (scope, name)
// return the same instance until it is removed.
//
// mu guards the maps and the removal bookkeeping and is never held across
// filesystem or crypto work. Construction runs outside it, merged per
// directory and generation. Removals bump gen before and after deleting,
// and a construction that saw gen change is discarded and retried, so a
// lookup that starts after a removal returns never sees the old instance.
type Registry struct {
	root    string
	keys    KeyProvider
	users   account.Provider
	label   string
	log     *logging.Logger
	metrics *metrics.Metrics

	building singleflight.Group

	mu       sync.Mutex
	idle     *sync.Cond
	removing int
	gen      uint64
	global   map[string]*Store
	byUser   map[string]map[string]*Store
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Root == "" {
		return nil, errors.New("kvstore: root directory is required")
	}
	if opts.Keys == nil {
		return nil, errors.New("kvstore: key provider is required")
	}
	users := opts.Users
	if users == nil {
		users = account.Static{}
	}
	label := opts.KeyLabel
	if label == "" {
		label = DefaultKeyLabel
	}
	r := &Registry{
		root:    opts.Root,
		keys:    opts.Keys,
		users:   users,
		label:   label,
		log:     logging.OrNop(opts.Logger),
		metrics: opts.Metrics,
		global:  make(map[string]*Store),
		byUser:  make(map[string]map[string]*Store),
	}
	r.idle = sync.NewCond(&r.mu)
	return r, nil
}

// scope is either global or one user.
type scope struct {
	user *account.User
}

func (r *Registry) scopeDir(sc scope) string {
	if sc.user == nil {
		return filepath.Join(r.root, GlobalDir, StoresDir)
	}
	return filepath.Join(append([]string{r.root}, append(sc.user.PathSegments(), StoresDir)...)...)
}

func (r *Registry) currentUser() (scope, error) {
	u, ok := r.users.CurrentUser()
	if !ok {
		return scope{}, ErrNoCurrentUser
	}
	return userScope(u)
}

func userScope(u account.User) (scope, error) {
	if err := u.Validate(); err != nil {
		return scope{}, err
	}
	return scope{user: &u}, nil
}

// storesFor returns the map for sc, creating it when create is set.
// Callers hold r.mu.
func (r *Registry) storesFor(sc scope, create bool) map[string]*Store {
	if sc.user == nil {
		return r.global
	}
	key := sc.user.ScopeKey()
	m, ok := r.byUser[key]
	if !ok && create {
		m = make(map[string]*Store)
		r.byUser[key] = m
	}
	return m
}

// Shared returns the named store of the current user.
func (r *Registry) Shared(name string) (*Store, error) {
	sc, err := r.currentUser()
	if err != nil {
		return nil, err
	}
	return r.open(sc, name)
}

// SharedForUser returns the named store of user.
func (r *Registry) SharedForUser(name string, user account.User) (*Store, error) {
	sc, err := userScope(user)
	if err != nil {
		return nil, err
	}
	return r.open(sc, name)
}

// SharedGlobal returns the named global store.
func (r *Registry) SharedGlobal(name string) (*Store, error) {
	return r.open(scope{}, name)
}

func (r *Registry) open(sc scope, name string) (*Store, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	dir := filepath.Join(r.scopeDir(sc), name)
	for {
		r.mu.Lock()
		for r.removing > 0 {
			r.idle.Wait()
		}
		if s, ok := r.storesFor(sc, false)[name]; ok {
			r.mu.Unlock()
			return s, nil
		}
		gen := r.gen
		r.mu.Unlock()

		v, err, _ := r.building.Do(dir+"@"+strconv.FormatUint(gen, 10), func() (interface{}, error) {
			return r.construct(dir, name)
		})

		r.mu.Lock()
		if r.gen != gen {
			r.mu.Unlock()
			r.log.Debug("kvstore %s: removed during construction, retrying", name)
			continue
		}
		if err != nil {
			r.mu.Unlock()
			r.log.Error("kvstore %s: %v", name, err)
			return nil, err
		}
		stores := r.storesFor(sc, true)
		if existing, ok := stores[name]; ok {
			r.mu.Unlock()
			return existing, nil
		}
		s := v.(*Store)
		stores[name] = s
		r.metrics.StoreOpened()
		r.mu.Unlock()
		return s, nil
	}
}

func (r *Registry) construct(dir, name string) (*Store, error) {
	key, err := r.keys.EncryptionKey(r.label)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	version, err := r.prepare(dir, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return &Store{
		name:    name,
		dir:     dir,
		version: version,
		key:     key,
		log:     r.log,
		metrics: r.metrics,
	}, nil
}

// prepare creates dir as a current-version store, or reads the version of
// an existing one and migrates it to the current encryption when needed.
func (r *Registry) prepare(dir string, key *secure.Key) (int, error) {
	created, err := r.create(dir)
	if err != nil {
		return 0, err
	}
	if created {
		return CurrentVersion, nil
	}

	version, err := readVersion(dir)
	if err != nil {
		return 0, err
	}

	done, err := keygen.HasSentinel(dir)
	if err != nil {
		return 0, err
	}
	if !done {
		if err := r.keys.PrepareDirectory(dir, r.label, key, VersionFile); err != nil {
			return 0, fmt.Errorf("migrating %s: %w", dir, err)
		}
	}
	return version, nil
}

// create lays out a new store in a temporary sibling and renames it to
// dir, so dir never exists without its version marker and sentinel. It
// reports false when dir already exists, including when another creator
// won the rename.
func (r *Registry) create(dir string) (bool, error) {
	_, err := os.Stat(dir)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, os.ErrNotExist):
		return false, err
	}

	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o700); err != nil {
		return false, err
	}
	tmp, err := os.MkdirTemp(parent, tempDirPrefix+filepath.Base(dir)+"-")
	if err != nil {
		return false, fmt.Errorf("creating %s: %w", dir, err)
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	err = keygen.WriteFile(filepath.Join(tmp, VersionFile), []byte(strconv.Itoa(CurrentVersion)))
	if err == nil {
		err = keygen.WriteSentinel(tmp)
	}
	if err != nil {
		return false, fmt.Errorf("creating %s: %w", dir, err)
	}

	if err := os.Rename(tmp, dir); err != nil {
		if _, serr := os.Stat(dir); serr == nil {
			return false, nil
		}
		return false, fmt.Errorf("creating %s: %w", dir, err)
	}
	r.log.Debug("created store %s", dir)
	return true, nil
}

func readVersion(dir string) (int, error) {
	raw, err := os.ReadFile(filepath.Join(dir, VersionFile))
	if errors.Is(err, os.ErrNotExist) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || v < 1 || v > CurrentVersion {
		return 0, fmt.Errorf("unsupported version %q in %s", strings.TrimSpace(string(raw)), dir)
	}
	return v, nil
}

// AllNames lists the current user's stores on disk.
func (r *Registry) AllNames() ([]string, error) {
	sc, err := r.currentUser()
	if err != nil {
		return nil, err
	}
	return r.names(sc)
}

// AllNamesForUser lists user's stores on disk.
func (r *Registry) AllNamesForUser(user account.User) ([]string, error) {
	sc, err := userScope(user)
	if err != nil {
		return nil, err
	}
	return r.names(sc)
}

// AllGlobalNames lists global stores on disk.
func (r *Registry) AllGlobalNames() ([]string, error) {
	return r.names(scope{})
}

func (r *Registry) names(sc scope) ([]string, error) {
	entries, err := os.ReadDir(r.scopeDir(sc))
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() && ValidName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// RemoveShared deletes the current user's named store.
func (r *Registry) RemoveShared(name string) error {
	sc, err := r.currentUser()
	if err != nil {
		return err
	}
	return r.remove(sc, name)
}

// RemoveSharedForUser deletes user's named store.
func (r *Registry) RemoveSharedForUser(name string, user account.User) error {
	sc, err := userScope(user)
	if err != nil {
		return err
	}
	return r.remove(sc, name)
}

// RemoveSharedGlobal deletes the named global store.
func (r *Registry) RemoveSharedGlobal(name string) error {
	return r.remove(scope{}, name)
}

func (r *Registry) remove(sc scope, name string) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	r.beginRemoval(func() {
		stores := r.storesFor(sc, false)
		if _, ok := stores[name]; ok {
			delete(stores, name)
			r.metrics.StoresClosed(1)
		}
	})
	defer r.endRemoval()

	if err := os.RemoveAll(filepath.Join(r.scopeDir(sc), name)); err != nil {
		return fmt.Errorf("kvstore: removing %s: %w", name, err)
	}
	return nil
}

// beginRemoval evicts under mu and holds off new lookups until
// endRemoval. In-flight constructions finish but are discarded.
func (r *Registry) beginRemoval(evict func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removing++
	r.gen++
	evict()
}

func (r *Registry) endRemoval() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removing--
	r.gen++
	r.idle.Broadcast()
}

// RemoveAllForCurrentUser deletes every store of the current user.
func (r *Registry) RemoveAllForCurrentUser() error {
	sc, err := r.currentUser()
	if err != nil {
		return err
	}
	return r.removeScope(sc)
}

// RemoveAllForUser deletes every store of user.
func (r *Registry) RemoveAllForUser(user account.User) error {
	sc, err := userScope(user)
	if err != nil {
		return err
	}
	return r.removeScope(sc)
}

// RemoveAllGlobal deletes every global store.
func (r *Registry) RemoveAllGlobal() error {
	return r.removeScope(scope{})
}

func (r *Registry) removeScope(sc scope) error {
	r.beginRemoval(func() {
		if sc.user == nil {
			r.metrics.StoresClosed(len(r.global))
			r.global = make(map[string]*Store)
			return
		}
		key := sc.user.ScopeKey()
		r.metrics.StoresClosed(len(r.byUser[key]))
		delete(r.byUser, key)
	})
	defer r.endRemoval()

	if err := os.RemoveAll(r.scopeDir(sc)); err != nil {
		return fmt.Errorf("kvstore: removing stores: %w", err)
	}
	return nil
}

// Clear evicts every live store without touching the disk.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++

	n := len(r.global)
	for _, m := range r.byUser {
		n += len(m)
	}
	r.metrics.StoresClosed(n)
	r.global = make(map[string]*Store)
	r.byUser = make(map[string]map[string]*Store)
}
