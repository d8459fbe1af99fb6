package circuitbreaker

import (
	"sync"
)

// Registry hands out one breaker per key, created lazily.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	threshold int
}

// NewRegistry creates a registry whose breakers open after threshold failures.
func NewRegistry(threshold int) *Registry {
	return &Registry{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
	}
}

// Get returns the breaker for key, creating one if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, exists := r.breakers[key]
	r.mu.RUnlock()

	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists = r.breakers[key]; exists {
		return b
	}

	b = New(r.threshold)
	r.breakers[key] = b
	return b
}

// OpenKeys returns the keys whose breakers are open.
func (r *Registry) OpenKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []string
	for k, b := range r.breakers {
		if b.State() == Open {
			keys = append(keys, k)
		}
	}
	return keys
}
