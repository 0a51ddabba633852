package credential

import (
	"sync"
	"sync/atomic"

	"github.com/systmms/securestore/internal/logging"
	"github.com/systmms/securestore/internal/metrics"
)

// CacheMode overrides the manager's default caching for one call.
type CacheMode int

const (
	CacheUnspecified CacheMode = iota
	CacheEnabled
	CacheDisabled
)

func (c CacheMode) String() string {
	switch c {
	case CacheEnabled:
		return "enabled"
	case CacheDisabled:
		return "disabled"
	default:
		return "unspecified"
	}
}

// CallOption adjusts a single Manager call.
type CallOption func(*callOptions)

type callOptions struct {
	mode        CacheMode
	accessGroup string
	groupSet    bool
}

// WithCacheMode overrides the default cache flag for one call.
func WithCacheMode(mode CacheMode) CallOption {
	return func(o *callOptions) { o.mode = mode }
}

// WithAccessGroup overrides the manager's access group for one call.
func WithAccessGroup(group string) CallOption {
	return func(o *callOptions) {
		o.accessGroup = group
		o.groupSet = true
	}
}

// Result is the uniform outcome of a Manager call. Err is set only when
// the platform reported something other than success or not-found.
type Result struct {
	Success bool
	Status  Status
	Data    []byte
	Err     error
}

// NotFound reports whether the record did not exist.
func (r Result) NotFound() bool {
	return r.Status == StatusItemNotFound
}

func (r Result) clone() Result {
	if r.Data != nil {
		r.Data = append([]byte(nil), r.Data...)
	}
	return r
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// AccessGroup is attached to every record unless a call overrides it.
	AccessGroup string
	// Accessibility is applied to new records. Defaults to
	// AccessibleAfterFirstUnlockThisDeviceOnly.
	Accessibility Accessibility
	// CacheEnabled is the default for calls without a CacheMode.
	CacheEnabled bool
	Logger       *logging.Logger
	Metrics      *metrics.Metrics
	// ManagedServices lists services whose untagged records are adopted
	// on first use.
	ManagedServices []string
}

// Manager is a read-through, write-through cache over a Primitive keyed by
// (service, account). Reads share the lock; every mutation holds it
// exclusively and invalidates before touching the store. Calls that run
// with caching disabled neither read nor modify the cache.
type Manager struct {
	primitive Primitive
	group     string
	services  []string
	log       *logging.Logger
	metrics   *metrics.Metrics

	cacheDefault atomic.Bool
	accessible   atomic.Value

	mu    sync.RWMutex
	cache map[string]Result

	upgradeOnce sync.Once
	upgradeErr  error
}

// NewManager returns a Manager over p.
func NewManager(p Primitive, opts ManagerOptions) *Manager {
	m := &Manager{
		primitive: p,
		group:     opts.AccessGroup,
		services:  append([]string(nil), opts.ManagedServices...),
		log:       logging.OrNop(opts.Logger),
		metrics:   opts.Metrics,
		cache:     make(map[string]Result),
	}
	a := opts.Accessibility
	if a == "" {
		a = AccessibleAfterFirstUnlockThisDeviceOnly
	}
	m.accessible.Store(a)
	m.cacheDefault.Store(opts.CacheEnabled)
	return m
}

// CacheEnabled reports the default cache flag.
func (m *Manager) CacheEnabled() bool {
	return m.cacheDefault.Load()
}

// SetCacheEnabled changes the default cache flag. Cached entries are kept.
func (m *Manager) SetCacheEnabled(enabled bool) {
	m.cacheDefault.Store(enabled)
}

// Accessibility returns the policy applied to new records.
func (m *Manager) Accessibility() Accessibility {
	return m.accessible.Load().(Accessibility)
}

func (m *Manager) options(opts []CallOption) (callOptions, bool) {
	o := callOptions{accessGroup: m.group}
	for _, opt := range opts {
		opt(&o)
	}
	switch o.mode {
	case CacheEnabled:
		return o, true
	case CacheDisabled:
		return o, false
	default:
		return o, m.cacheDefault.Load()
	}
}

func cacheKey(service, account, group string) string {
	key := service + "_" + account
	if group != "" {
		key += "_" + group
	}
	return key
}

func identity(service, account, group string) Attributes {
	a := Attributes{AttrService: service, AttrAccount: account}
	if group != "" {
		a[AttrAccessGroup] = group
	}
	return a
}

func (m *Manager) find(q Query) (Status, []Item) {
	st, items := m.primitive.Find(q)
	m.metrics.CredentialOp("find", int32(st))
	return st, items
}

func (m *Manager) add(item Item) Status {
	st := m.primitive.Add(item)
	m.metrics.CredentialOp("add", int32(st))
	return st
}

func (m *Manager) update(q Query, u Update) Status {
	st := m.primitive.Update(q, u)
	m.metrics.CredentialOp("update", int32(st))
	return st
}

func (m *Manager) delete(q Query) Status {
	st := m.primitive.Delete(q)
	m.metrics.CredentialOp("delete", int32(st))
	return st
}

func (m *Manager) failure(op, service, account string, st Status) Result {
	err := statusError(op, service, account, st)
	m.log.Warn("%v", err)
	return Result{Status: st, Err: err}
}

func (m *Manager) fetch(service, account, group string) Result {
	st, items := m.find(Query{Attributes: identity(service, account, group)})
	switch st {
	case StatusSuccess:
		var data []byte
		if len(items) > 0 {
			data = items[0].Data
		}
		return Result{Success: true, Status: st, Data: data}
	case StatusItemNotFound:
		return Result{Status: st}
	default:
		return m.failure("find", service, account, st)
	}
}

// Read returns the record for (service, account). Only successful
// lookups are cached.
func (m *Manager) Read(service, account string, opts ...CallOption) Result {
	m.upgrade()
	o, cached := m.options(opts)
	if !cached {
		return m.fetch(service, account, o.accessGroup)
	}

	key := cacheKey(service, account, o.accessGroup)

	m.mu.RLock()
	r, ok := m.cache[key]
	m.mu.RUnlock()
	if ok {
		m.metrics.CacheHit()
		return r.clone()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.cache[key]; ok {
		m.metrics.CacheHit()
		return r.clone()
	}
	m.metrics.CacheMiss()

	r = m.fetch(service, account, o.accessGroup)
	if r.Success {
		m.cache[key] = r.clone()
	}
	return r
}

// lock takes the exclusive section when the call is cached and returns
// the matching unlock.
func (m *Manager) lock(cached bool) func() {
	if !cached {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// CreateIfNotPresent returns the existing record or adds an empty one and
// returns the stored state.
func (m *Manager) CreateIfNotPresent(service, account string, opts ...CallOption) Result {
	r := m.Read(service, account, opts...)
	if !r.NotFound() {
		return r
	}

	o, cached := m.options(opts)
	unlock := m.lock(cached)
	defer unlock()

	key := cacheKey(service, account, o.accessGroup)
	if cached {
		delete(m.cache, key)
	}

	attrs := identity(service, account, o.accessGroup)
	attrs[AttrAccessible] = string(m.Accessibility())
	st := m.add(Item{Attributes: attrs, Data: []byte{}})
	if st != StatusSuccess && st != StatusDuplicateItem {
		return m.failure("add", service, account, st)
	}

	r = m.fetch(service, account, o.accessGroup)
	if cached && r.Success {
		m.cache[key] = r.clone()
	}
	return r
}

func (m *Manager) set(service, account, group string, data []byte) Status {
	q := Query{Attributes: identity(service, account, group)}
	st := m.update(q, Update{Data: data, ReplaceData: true})
	if st != StatusItemNotFound {
		return st
	}
	attrs := identity(service, account, group)
	attrs[AttrAccessible] = string(m.Accessibility())
	return m.add(Item{Attributes: attrs, Data: data})
}

// Write stores data for (service, account), creating the record if needed.
func (m *Manager) Write(service, account string, data []byte, opts ...CallOption) Result {
	m.upgrade()
	o, cached := m.options(opts)
	unlock := m.lock(cached)
	defer unlock()

	key := cacheKey(service, account, o.accessGroup)
	if cached {
		delete(m.cache, key)
	}

	if st := m.set(service, account, o.accessGroup, data); st != StatusSuccess {
		return m.failure("write", service, account, st)
	}

	r := Result{Success: true, Status: StatusSuccess, Data: append([]byte{}, data...)}
	if cached {
		m.cache[key] = r.clone()
	}
	return r
}

// Reset replaces an existing record with an empty one. A missing record
// is reported as not found and left missing.
func (m *Manager) Reset(service, account string, opts ...CallOption) Result {
	m.upgrade()
	o, cached := m.options(opts)
	unlock := m.lock(cached)
	defer unlock()

	key := cacheKey(service, account, o.accessGroup)
	if cached {
		delete(m.cache, key)
	}

	attrs := identity(service, account, o.accessGroup)
	switch st := m.delete(Query{Attributes: attrs}); st {
	case StatusSuccess:
	case StatusItemNotFound:
		return Result{Status: st}
	default:
		return m.failure("delete", service, account, st)
	}

	attrs[AttrAccessible] = string(m.Accessibility())
	if st := m.add(Item{Attributes: attrs, Data: []byte{}}); st != StatusSuccess {
		return m.failure("add", service, account, st)
	}

	r := Result{Success: true, Status: StatusSuccess, Data: []byte{}}
	if cached {
		m.cache[key] = r.clone()
	}
	return r
}

// Remove deletes the record. A missing record yields a not-found result
// with no error.
func (m *Manager) Remove(service, account string, opts ...CallOption) Result {
	m.upgrade()
	o, cached := m.options(opts)
	unlock := m.lock(cached)
	defer unlock()

	if cached {
		delete(m.cache, cacheKey(service, account, o.accessGroup))
	}

	switch st := m.delete(Query{Attributes: identity(service, account, o.accessGroup)}); st {
	case StatusSuccess:
		return Result{Success: true, Status: st}
	case StatusItemNotFound:
		return Result{Status: st}
	default:
		return m.failure("delete", service, account, st)
	}
}

// RemoveAll clears the cache and deletes every record carrying this
// module's tag.
func (m *Manager) RemoveAll() Result {
	m.upgrade()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache = make(map[string]Result)

	switch st := m.delete(Query{Attributes: Attributes{}, All: true}); st {
	case StatusSuccess, StatusItemNotFound:
		return Result{Success: true, Status: StatusSuccess}
	default:
		return m.failure("delete", "*", "*", st)
	}
}

// SetAccessibility changes the policy for new records and rewrites every
// tagged record whose policy differs.
func (m *Manager) SetAccessibility(a Accessibility) error {
	if !a.Valid() {
		return statusError("update", "*", "*", StatusParam)
	}

	m.upgrade()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache = make(map[string]Result)
	current := m.Accessibility()
	m.accessible.Store(a)

	st, items := m.find(Query{Attributes: Attributes{}, All: true})
	switch st {
	case StatusSuccess:
	case StatusItemNotFound:
		return nil
	default:
		m.accessible.Store(current)
		return statusError("find", "*", "*", st)
	}

	updated := 0
	for _, item := range items {
		if item.Attributes[AttrAccessible] == string(a) {
			continue
		}
		service, account, group := item.Attributes.Identity()
		q := Query{Attributes: identity(service, account, group)}
		if st := m.update(q, Update{Attributes: Attributes{AttrAccessible: string(a)}}); st != StatusSuccess {
			return statusError("update", service, account, st)
		}
		updated++
	}
	m.log.Debug("accessibility set to %s on %d of %d records", a, updated, len(items))
	return nil
}

// ClearCaches drops every cached result.
func (m *Manager) ClearCaches() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]Result)
}

func (m *Manager) upgrade() {
	_ = m.UpgradeManagedItems()
}

// UpgradeManagedItems tags untagged records whose service is managed by
// this Manager so broad operations see them. It runs once per Manager;
// later calls return the first outcome.
func (m *Manager) UpgradeManagedItems() error {
	m.upgradeOnce.Do(func() {
		m.upgradeErr = m.upgradeManaged()
		if m.upgradeErr != nil {
			m.log.Warn("upgrading managed credentials: %v", m.upgradeErr)
		}
	})
	return m.upgradeErr
}

func (m *Manager) upgradeManaged() error {
	scoped, ok := m.primitive.(*Scoped)
	if !ok || len(m.services) == 0 {
		return nil
	}
	base := scoped.Base()

	for _, service := range m.services {
		st, items := base.Find(Query{Attributes: Attributes{AttrService: service}, All: true})
		m.metrics.CredentialOp("find", int32(st))
		if st == StatusItemNotFound {
			continue
		}
		if st != StatusSuccess {
			return statusError("find", service, "*", st)
		}
		for _, item := range items {
			if item.Attributes[AttrCreator] != "" {
				continue
			}
			svc, account, group := item.Attributes.Identity()
			u := Update{Attributes: Attributes{
				AttrCreator:    scoped.Tag(),
				AttrAccessible: string(m.Accessibility()),
			}}
			st := base.Update(Query{Attributes: identity(svc, account, group)}, u)
			m.metrics.CredentialOp("update", int32(st))
			if st != StatusSuccess {
				return statusError("update", svc, account, st)
			}
			m.log.Debug("adopted credential %s/%s", svc, account)
		}
	}
	return nil
}
