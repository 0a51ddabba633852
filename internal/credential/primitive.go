// Package credential wraps the platform secure credential store behind a
// narrow attribute-map interface and caches reads on top of it.
package credential

import "sync"

// Attribute names understood by every Primitive.
const (
	AttrService     = "service"
	AttrAccount     = "account"
	AttrAccessGroup = "accessGroup"
	AttrAccessible  = "accessible"
	AttrCreator     = "creator"
	AttrLabel       = "label"
)

// Accessibility is the protection policy that controls when a record is readable.
type Accessibility string

const (
	AccessibleWhenUnlocked                   Accessibility = "whenUnlocked"
	AccessibleWhenUnlockedThisDeviceOnly     Accessibility = "whenUnlockedThisDeviceOnly"
	AccessibleAfterFirstUnlock               Accessibility = "afterFirstUnlock"
	AccessibleAfterFirstUnlockThisDeviceOnly Accessibility = "afterFirstUnlockThisDeviceOnly"
	AccessibleWhenPasscodeSetThisDeviceOnly  Accessibility = "whenPasscodeSetThisDeviceOnly"
)

// Valid reports whether a is a known policy.
func (a Accessibility) Valid() bool {
	switch a {
	case AccessibleWhenUnlocked, AccessibleWhenUnlockedThisDeviceOnly,
		AccessibleAfterFirstUnlock, AccessibleAfterFirstUnlockThisDeviceOnly,
		AccessibleWhenPasscodeSetThisDeviceOnly:
		return true
	}
	return false
}

// Attributes is an attribute map describing or selecting records.
type Attributes map[string]string

// Clone returns a copy that is safe to modify.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a)+1)
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Matches reports whether every attribute in query is present in a with the same value.
func (a Attributes) Matches(query Attributes) bool {
	for k, v := range query {
		if a[k] != v {
			return false
		}
	}
	return true
}

// Identity returns the (service, account, accessGroup) triple.
func (a Attributes) Identity() (service, account, group string) {
	return a[AttrService], a[AttrAccount], a[AttrAccessGroup]
}

// Query selects records. All marks a broad query that may return many
// records; otherwise the first match is returned.
type Query struct {
	Attributes Attributes
	All        bool
}

// Item is one stored record.
type Item struct {
	Attributes Attributes
	Data       []byte
}

// Update holds new attributes for matching records. Data replaces the
// secret only when ReplaceData is set.
type Update struct {
	Attributes  Attributes
	Data        []byte
	ReplaceData bool
}

// Primitive is the platform secure-store capability. Implementations
// return StatusItemNotFound when nothing matches.
type Primitive interface {
	Find(q Query) (Status, []Item)
	Add(item Item) Status
	Update(q Query, u Update) Status
	Delete(q Query) Status
}

// DefaultTag marks records created by this module.
const DefaultTag = "com.systmms.securestore"

// Scoped injects a creator tag into every mutation and every broad find so
// that records created by other tenants of the same store stay invisible
// and untouched. Exact-identity finds pass through unchanged, which keeps
// untagged records from older releases readable.
type Scoped struct {
	base Primitive
	tag  string
}

// NewScoped wraps base with tag. An empty tag uses DefaultTag.
func NewScoped(base Primitive, tag string) *Scoped {
	if tag == "" {
		tag = DefaultTag
	}
	return &Scoped{base: base, tag: tag}
}

// Tag returns the creator tag.
func (s *Scoped) Tag() string { return s.tag }

// Base returns the unscoped primitive.
func (s *Scoped) Base() Primitive { return s.base }

func (s *Scoped) tagged(a Attributes) Attributes {
	out := a.Clone()
	out[AttrCreator] = s.tag
	return out
}

// Find implements Primitive.
func (s *Scoped) Find(q Query) (Status, []Item) {
	if q.All {
		q.Attributes = s.tagged(q.Attributes)
	}
	return s.base.Find(q)
}

// Add implements Primitive.
func (s *Scoped) Add(item Item) Status {
	item.Attributes = s.tagged(item.Attributes)
	return s.base.Add(item)
}

// Update implements Primitive.
func (s *Scoped) Update(q Query, u Update) Status {
	q.Attributes = s.tagged(q.Attributes)
	return s.base.Update(q, u)
}

// Delete implements Primitive.
func (s *Scoped) Delete(q Query) Status {
	q.Attributes = s.tagged(q.Attributes)
	return s.base.Delete(q)
}

// MemoryBackend is an in-process Primitive. It is used by tests and by the
// CLI when no system keyring is available.
type MemoryBackend struct {
	mu      sync.Mutex
	records []Item
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func copyItem(it Item) Item {
	out := Item{Attributes: it.Attributes.Clone()}
	if it.Data != nil {
		out.Data = append([]byte(nil), it.Data...)
	}
	return out
}

func sameIdentity(a, b Attributes) bool {
	as, aa, ag := a.Identity()
	bs, ba, bg := b.Identity()
	return as == bs && aa == ba && ag == bg
}

// Find implements Primitive.
func (m *MemoryBackend) Find(q Query) (Status, []Item) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Item
	for _, r := range m.records {
		if !r.Attributes.Matches(q.Attributes) {
			continue
		}
		out = append(out, copyItem(r))
		if !q.All {
			break
		}
	}
	if len(out) == 0 {
		return StatusItemNotFound, nil
	}
	return StatusSuccess, out
}

// Add implements Primitive.
func (m *MemoryBackend) Add(item Item) Status {
	if item.Attributes[AttrService] == "" {
		return StatusParam
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.records {
		if sameIdentity(r.Attributes, item.Attributes) {
			return StatusDuplicateItem
		}
	}
	m.records = append(m.records, copyItem(item))
	return StatusSuccess
}

// Update implements Primitive.
func (m *MemoryBackend) Update(q Query, u Update) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	var idx []int
	for i, r := range m.records {
		if r.Attributes.Matches(q.Attributes) {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return StatusItemNotFound
	}

	for _, i := range idx {
		next := m.records[i].Attributes.Clone()
		for k, v := range u.Attributes {
			next[k] = v
		}
		for j, r := range m.records {
			if j != i && sameIdentity(r.Attributes, next) {
				return StatusDuplicateItem
			}
		}
		m.records[i].Attributes = next
		if u.ReplaceData {
			m.records[i].Data = append([]byte(nil), u.Data...)
		}
	}
	return StatusSuccess
}

// Delete implements Primitive.
func (m *MemoryBackend) Delete(q Query) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.records[:0]
	removed := 0
	for _, r := range m.records {
		if r.Attributes.Matches(q.Attributes) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	if removed == 0 {
		return StatusItemNotFound
	}
	return StatusSuccess
}

// Len returns the number of stored records.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

var (
	_ Primitive = (*Scoped)(nil)
	_ Primitive = (*MemoryBackend)(nil)
)
