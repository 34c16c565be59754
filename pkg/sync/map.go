// Package sync provides small typed wrappers over the standard
// library's concurrency primitives.
package sync

import "sync"

// TypedSyncMap wraps sync.Map with type parameters so callers do not
// need to assert on every load. A zero value is ready to use.
type TypedSyncMap[K comparable, V any] struct {
	m sync.Map
}

func (m *TypedSyncMap[K, V]) Store(key K, value V) { m.m.Store(key, value) }
func (m *TypedSyncMap[K, V]) Delete(key K)         { m.m.Delete(key) }

func (m *TypedSyncMap[K, V]) Load(key K) (V, bool) {
	return assertValue[V](m.m.Load(key))
}

func (m *TypedSyncMap[K, V]) LoadAndDelete(key K) (V, bool) {
	return assertValue[V](m.m.LoadAndDelete(key))
}

// LoadOrStore stores the given value if the key is not already present,
// returning the value left in the map and whether it was already there.
func (m *TypedSyncMap[K, V]) LoadOrStore(key K, value V) (V, bool) {
	existing, loaded := m.m.LoadOrStore(key, value)
	if !loaded {
		return value, false
	}

	v, _ := assertValue[V](existing, true)
	return v, true
}

// Range calls f for each entry until f returns false.
func (m *TypedSyncMap[K, V]) Range(f func(K, V) bool) {
	m.m.Range(func(key, value any) bool {
		k, ok := key.(K)
		if !ok {
			return true
		}

		v, ok := assertValue[V](value, true)
		if !ok {
			return true
		}

		return f(k, v)
	})
}

func assertValue[V any](value any, present bool) (V, bool) {
	if !present {
		return *new(V), false
	}

	v, ok := value.(V)
	if !ok {
		return *new(V), false
	}

	return v, true
}
