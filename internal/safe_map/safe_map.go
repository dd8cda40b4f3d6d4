package safe_map

import "sync"

// SafeMap is a map guarded by a RWMutex.
type SafeMap[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{m: make(map[K]V)}
}

func (s *SafeMap[K, V]) Load(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *SafeMap[K, V]) Store(key K, value V) {
	s.mu.Lock()
	s.m[key] = value
	s.mu.Unlock()
}

func (s *SafeMap[K, V]) Delete(key K) {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}

// Clear removes every entry
func (s *SafeMap[K, V]) Clear() {
	s.mu.Lock()
	s.m = make(map[K]V)
	s.mu.Unlock()
}

func (s *SafeMap[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Values returns a snapshot of all values in no particular order
func (s *SafeMap[K, V]) Values() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]V, 0, len(s.m))
	for _, v := range s.m {
		result = append(result, v)
	}
	return result
}

// LoadOrStore returns the existing value for key, or stores and returns the
// result of create. loaded reports whether the value was already present.
func (s *SafeMap[K, V]) LoadOrStore(key K, create func() V) (value V, loaded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[key]; ok {
		return v, true
	}
	v := create()
	s.m[key] = v
	return v, false
}

// DeleteFunc removes every entry for which del returns true and returns the
// removed keys
func (s *SafeMap[K, V]) DeleteFunc(del func(K, V) bool) []K {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []K
	for k, v := range s.m {
		if del(k, v) {
			delete(s.m, k)
			removed = append(removed, k)
		}
	}
	return removed
}
