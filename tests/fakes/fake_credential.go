package fakes

import (
	"sync"

	"github.com/systmms/securestore/internal/credential"
)

// FakePrimitive is a test double for credential.Primitive. It stores
// records in a credential.MemoryBackend and can be told to fail any
// operation with a chosen status.
type FakePrimitive struct {
	backend *credential.MemoryBackend

	mu    sync.Mutex
	fail  map[string]credential.Status
	calls map[string]int
}

// NewFakePrimitive creates an empty fake.
func NewFakePrimitive() *FakePrimitive {
	return &FakePrimitive{
		backend: credential.NewMemoryBackend(),
		fail:    make(map[string]credential.Status),
		calls:   make(map[string]int),
	}
}

// FailWith makes every later call to op ("find", "add", "update",
// "delete") return status. StatusSuccess clears the fault.
func (f *FakePrimitive) FailWith(op string, status credential.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status == credential.StatusSuccess {
		delete(f.fail, op)
		return
	}
	f.fail[op] = status
}

// Calls returns how many times op was invoked.
func (f *FakePrimitive) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Len returns the number of stored records.
func (f *FakePrimitive) Len() int {
	return f.backend.Len()
}

// Seed stores a record directly, bypassing faults and call counting.
func (f *FakePrimitive) Seed(attrs credential.Attributes, data []byte) credential.Status {
	return f.backend.Add(credential.Item{Attributes: attrs, Data: data})
}

func (f *FakePrimitive) enter(op string) (credential.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	st, ok := f.fail[op]
	return st, ok
}

// Find implements credential.Primitive.
func (f *FakePrimitive) Find(q credential.Query) (credential.Status, []credential.Item) {
	if st, ok := f.enter("find"); ok {
		return st, nil
	}
	return f.backend.Find(q)
}

// Add implements credential.Primitive.
func (f *FakePrimitive) Add(item credential.Item) credential.Status {
	if st, ok := f.enter("add"); ok {
		return st
	}
	return f.backend.Add(item)
}

// Update implements credential.Primitive.
func (f *FakePrimitive) Update(q credential.Query, u credential.Update) credential.Status {
	if st, ok := f.enter("update"); ok {
		return st
	}
	return f.backend.Update(q, u)
}

// Delete implements credential.Primitive.
func (f *FakePrimitive) Delete(q credential.Query) credential.Status {
	if st, ok := f.enter("delete"); ok {
		return st
	}
	return f.backend.Delete(q)
}

// Ensure FakePrimitive implements credential.Primitive.
var _ credential.Primitive = (*FakePrimitive)(nil)
