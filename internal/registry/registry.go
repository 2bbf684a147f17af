// Package registry provides the server's routing tables: client keys to
// control channels and user ids to user channels. A Registry is a mutex map
// whose Remove hands back the prior value, so teardown paths can close
// exactly the channel they displaced.
package registry

import "sync"

// Registry is a thread-safe string-keyed map.
type Registry[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

// New creates an empty registry.
func New[V any]() *Registry[V] {
	return &Registry[V]{m: make(map[string]V)}
}

// Get retrieves the value for key.
func (r *Registry[V]) Get(key string) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.m[key]
	return v, ok
}

// Put stores value under key, replacing any prior entry.
func (r *Registry[V]) Put(key string, value V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[key] = value
}

// PutIfAbsent stores value under key unless one is already present. It
// returns the winning value and whether the store happened.
func (r *Registry[V]) PutIfAbsent(key string, value V) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prior, ok := r.m[key]; ok {
		return prior, false
	}
	r.m[key] = value
	return value, true
}

// Remove deletes key and returns the prior value, if any.
func (r *Registry[V]) Remove(key string) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.m[key]
	if ok {
		delete(r.m, key)
	}
	return v, ok
}

// Count returns the number of entries.
func (r *Registry[V]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

// Range calls fn for each entry until fn returns false. The snapshot is
// taken under the read lock; fn runs without it.
func (r *Registry[V]) Range(fn func(key string, value V) bool) {
	r.mu.RLock()
	snapshot := make(map[string]V, len(r.m))
	for k, v := range r.m {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

// Clear removes every entry and returns the removed values.
func (r *Registry[V]) Clear() []V {
	r.mu.Lock()
	defer r.mu.Unlock()
	values := make([]V, 0, len(r.m))
	for _, v := range r.m {
		values = append(values, v)
	}
	r.m = make(map[string]V)
	return values
}
