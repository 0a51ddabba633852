package credential

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/zalando/go-keyring"
)

const (
	indexUser        = "records"
	defaultNamespace = "securestore"
)

// KeyringBackend stores records in the operating system keyring (macOS
// Keychain, Secret Service or Windows Credential Manager) via go-keyring.
//
// go-keyring addresses secrets by (service, user) only, so each record is
// encoded as one JSON secret carrying its attributes and data. A separate
// index secret lists every stored identity so broad queries can enumerate.
type KeyringBackend struct {
	mu        sync.Mutex
	namespace string
}

// NewKeyringBackend returns a backend whose keyring entries are prefixed
// with namespace.
func NewKeyringBackend(namespace string) *KeyringBackend {
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &KeyringBackend{namespace: namespace}
}

type keyringRecord struct {
	Attributes Attributes `json:"attributes"`
	Data       []byte     `json:"data,omitempty"`
}

type keyringRef struct {
	Service string `json:"service"`
	User    string `json:"user"`
}

func (k *KeyringBackend) refFor(a Attributes) keyringRef {
	service, account, group := a.Identity()
	user := account
	if group != "" {
		user = group + "/" + account
	}
	return keyringRef{Service: k.namespace + ":" + service, User: user}
}

func (k *KeyringBackend) indexService() string {
	return k.namespace + ".index"
}

func keyringStatus(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, keyring.ErrNotFound):
		return StatusItemNotFound
	case errors.Is(err, keyring.ErrSetDataTooBig):
		return StatusParam
	default:
		return StatusIO
	}
}

func (k *KeyringBackend) get(ref keyringRef) (Item, Status) {
	raw, err := keyring.Get(ref.Service, ref.User)
	if err != nil {
		return Item{}, keyringStatus(err)
	}
	var rec keyringRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Item{}, StatusDecode
	}
	if rec.Attributes == nil {
		rec.Attributes = Attributes{}
	}
	return Item{Attributes: rec.Attributes, Data: rec.Data}, StatusSuccess
}

func (k *KeyringBackend) put(item Item) Status {
	raw, err := json.Marshal(keyringRecord{Attributes: item.Attributes, Data: item.Data})
	if err != nil {
		return StatusParam
	}
	ref := k.refFor(item.Attributes)
	return keyringStatus(keyring.Set(ref.Service, ref.User, string(raw)))
}

func (k *KeyringBackend) loadIndex() ([]keyringRef, Status) {
	raw, err := keyring.Get(k.indexService(), indexUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, StatusSuccess
	}
	if err != nil {
		return nil, keyringStatus(err)
	}
	var refs []keyringRef
	if err := json.Unmarshal([]byte(raw), &refs); err != nil {
		return nil, StatusDecode
	}
	return refs, StatusSuccess
}

func (k *KeyringBackend) saveIndex(refs []keyringRef) Status {
	if len(refs) == 0 {
		err := keyring.Delete(k.indexService(), indexUser)
		if errors.Is(err, keyring.ErrNotFound) {
			return StatusSuccess
		}
		return keyringStatus(err)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Service != refs[j].Service {
			return refs[i].Service < refs[j].Service
		}
		return refs[i].User < refs[j].User
	})
	raw, err := json.Marshal(refs)
	if err != nil {
		return StatusParam
	}
	return keyringStatus(keyring.Set(k.indexService(), indexUser, string(raw)))
}

func (k *KeyringBackend) indexAdd(ref keyringRef) Status {
	refs, st := k.loadIndex()
	if st != StatusSuccess {
		return st
	}
	for _, r := range refs {
		if r == ref {
			return StatusSuccess
		}
	}
	return k.saveIndex(append(refs, ref))
}

func (k *KeyringBackend) indexRemove(gone map[keyringRef]bool) Status {
	refs, st := k.loadIndex()
	if st != StatusSuccess {
		return st
	}
	kept := refs[:0]
	for _, r := range refs {
		if !gone[r] {
			kept = append(kept, r)
		}
	}
	return k.saveIndex(kept)
}

func exactQuery(a Attributes) bool {
	_, hasAccount := a[AttrAccount]
	return a[AttrService] != "" && hasAccount
}

// match returns every record satisfying q. Exact queries read one secret;
// everything else walks the index.
func (k *KeyringBackend) match(q Query) ([]Item, Status) {
	if exactQuery(q.Attributes) {
		item, st := k.get(k.refFor(q.Attributes))
		switch {
		case st == StatusSuccess && item.Attributes.Matches(q.Attributes):
			return []Item{item}, StatusSuccess
		case st != StatusSuccess && st != StatusItemNotFound:
			return nil, st
		}
		// Without an access group the record may live under a grouped name.
		if _, grouped := q.Attributes[AttrAccessGroup]; grouped {
			return nil, StatusItemNotFound
		}
	}

	refs, st := k.loadIndex()
	if st != StatusSuccess {
		return nil, st
	}
	var out []Item
	for _, ref := range refs {
		item, st := k.get(ref)
		if st == StatusItemNotFound {
			continue
		}
		if st != StatusSuccess {
			return nil, st
		}
		if item.Attributes.Matches(q.Attributes) {
			out = append(out, item)
			if !q.All {
				break
			}
		}
	}
	if len(out) == 0 {
		return nil, StatusItemNotFound
	}
	return out, StatusSuccess
}

// Find implements Primitive.
func (k *KeyringBackend) Find(q Query) (Status, []Item) {
	k.mu.Lock()
	defer k.mu.Unlock()

	items, st := k.match(q)
	if st != StatusSuccess {
		return st, nil
	}
	if !q.All && len(items) > 1 {
		items = items[:1]
	}
	return StatusSuccess, items
}

// Add implements Primitive.
func (k *KeyringBackend) Add(item Item) Status {
	if item.Attributes[AttrService] == "" {
		return StatusParam
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	ref := k.refFor(item.Attributes)
	if _, st := k.get(ref); st != StatusItemNotFound {
		if st == StatusSuccess {
			return StatusDuplicateItem
		}
		return st
	}
	if st := k.put(Item{Attributes: item.Attributes.Clone(), Data: item.Data}); st != StatusSuccess {
		return st
	}
	return k.indexAdd(ref)
}

// Update implements Primitive.
func (k *KeyringBackend) Update(q Query, u Update) Status {
	k.mu.Lock()
	defer k.mu.Unlock()

	q.All = true
	items, st := k.match(q)
	if st != StatusSuccess {
		return st
	}

	for _, item := range items {
		oldRef := k.refFor(item.Attributes)
		next := item.Attributes.Clone()
		for key, v := range u.Attributes {
			next[key] = v
		}
		data := item.Data
		if u.ReplaceData {
			data = u.Data
		}

		newRef := k.refFor(next)
		if newRef != oldRef {
			if _, st := k.get(newRef); st == StatusSuccess {
				return StatusDuplicateItem
			}
			if st := keyringStatus(keyring.Delete(oldRef.Service, oldRef.User)); st != StatusSuccess {
				return st
			}
			if st := k.indexRemove(map[keyringRef]bool{oldRef: true}); st != StatusSuccess {
				return st
			}
		}
		if st := k.put(Item{Attributes: next, Data: data}); st != StatusSuccess {
			return st
		}
		if newRef != oldRef {
			if st := k.indexAdd(newRef); st != StatusSuccess {
				return st
			}
		}
	}
	return StatusSuccess
}

// Delete implements Primitive.
func (k *KeyringBackend) Delete(q Query) Status {
	k.mu.Lock()
	defer k.mu.Unlock()

	q.All = true
	items, st := k.match(q)
	if st != StatusSuccess {
		return st
	}

	gone := make(map[keyringRef]bool, len(items))
	for _, item := range items {
		ref := k.refFor(item.Attributes)
		if st := keyringStatus(keyring.Delete(ref.Service, ref.User)); st != StatusSuccess && st != StatusItemNotFound {
			return st
		}
		gone[ref] = true
	}
	return k.indexRemove(gone)
}

var _ Primitive = (*KeyringBackend)(nil)
