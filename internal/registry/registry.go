// Package registry holds the process-wide table of attached devices.
package registry

import (
	"sync"

	"github.com/samber/lo"
)

// Registry maps a key to the single value attached under it.
type Registry[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

func New[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{items: make(map[K]V)}
}

// TryAdd stores v under k unless k is already present.
func (r *Registry[K, V]) TryAdd(k K, v V) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[k]; ok {
		return false
	}
	r.items[k] = v
	return true
}

// Remove deletes k and returns the removed value.
func (r *Registry[K, V]) Remove(k K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[k]
	if ok {
		delete(r.items, k)
	}
	return v, ok
}

// RemoveIf deletes k only while it still maps to a value for which match returns true.
func (r *Registry[K, V]) RemoveIf(k K, match func(V) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[k]
	if !ok || !match(v) {
		return false
	}
	delete(r.items, k)
	return true
}

func (r *Registry[K, V]) Get(k K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[k]
	return v, ok
}

func (r *Registry[K, V]) Contains(k K) bool {
	_, ok := r.Get(k)
	return ok
}

func (r *Registry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Keys returns a snapshot of the keys.
func (r *Registry[K, V]) Keys() []K {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.items)
}

// Values returns a snapshot of the values.
func (r *Registry[K, V]) Values() []V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.items)
}
