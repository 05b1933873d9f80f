// Package handles provides a thread-safe table that hands out numeric
// handles for registered resources, typically used as poll tokens.
package handles

import (
	"sync"
)

// Table is a generic handle table. Handles start at 1 and are never reused,
// so a stale handle from a removed resource cannot resolve to a new one.
type Table[T any] struct {
	mu      sync.RWMutex
	entries map[uint64]T
	nextID  uint64
	onClose func(T)
}

// New creates a table. onClose, if set, is called by Remove and Close for
// each resource leaving the table.
func New[T any](onClose func(T)) *Table[T] {
	return &Table[T]{
		entries: make(map[uint64]T),
		onClose: onClose,
	}
}

// Add stores resource and returns its handle.
func (t *Table[T]) Add(resource T) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.entries[t.nextID] = resource
	return t.nextID
}

// Get looks up a resource.
func (t *Table[T]) Get(handle uint64) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	res, ok := t.entries[handle]
	return res, ok
}

// Remove deletes a resource, running onClose for it.
func (t *Table[T]) Remove(handle uint64) bool {
	t.mu.Lock()
	res, ok := t.entries[handle]
	delete(t.entries, handle)
	t.mu.Unlock()

	if ok && t.onClose != nil {
		t.onClose(res)
	}
	return ok
}

// Len returns the number of live resources.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Range calls f for every resource until f returns false. f must not call
// back into the table.
func (t *Table[T]) Range(f func(handle uint64, resource T) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for handle, resource := range t.entries {
		if !f(handle, resource) {
			break
		}
	}
}

// Close empties the table, running onClose for every resource.
func (t *Table[T]) Close() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[uint64]T)
	t.mu.Unlock()

	if t.onClose == nil {
		return
	}
	for _, res := range entries {
		t.onClose(res)
	}
}
