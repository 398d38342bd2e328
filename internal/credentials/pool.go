// Package credentials holds the per-backend API key pools and the weighted
// round-robin rotation that spreads traffic evenly across individual keys,
// not just across backends.
package credentials

import (
	"errors"
	"sync"

	"github.com/jkaninda/sanduku/internal/backend"
)

// ErrNoCredentials is returned when no backend has any configured key.
var ErrNoCredentials = errors.New("no backend credentials configured")

// KeyEntry is one selected credential: which backend, which key, and the
// key's position within that backend's list.
type KeyEntry struct {
	Backend backend.Type
	Key     string
	Index   int
}

// Prefix returns a short non-secret identifier for the key, used for
// driver-cache keys and log fields.
func (k KeyEntry) Prefix() string {
	const n = 8
	if len(k.Key) <= n {
		return k.Key
	}
	return k.Key[:n]
}

// Pool is the immutable set of configured keys per backend, in backend
// declaration order. Built once at startup from configuration; replaced
// wholesale on explicit reload, never mutated in place.
type Pool struct {
	mu        sync.RWMutex
	order     []backend.Type
	byBackend map[backend.Type][]string
}

// NewPool builds a pool. Backends with empty key lists are dropped; order
// preserves the first-seen position of each backend.
func NewPool(keys map[backend.Type][]string, order []backend.Type) *Pool {
	p := &Pool{byBackend: make(map[backend.Type][]string)}
	for _, t := range order {
		ks := keys[t]
		if len(ks) == 0 {
			continue
		}
		p.order = append(p.order, t)
		p.byBackend[t] = append([]string(nil), ks...)
	}
	return p
}

// Reload swaps the pool contents atomically. Rotators built on this pool
// must be Reset afterwards; cursors are not migrated.
func (p *Pool) Reload(keys map[backend.Type][]string, order []backend.Type) {
	fresh := NewPool(keys, order)
	p.mu.Lock()
	p.order = fresh.order
	p.byBackend = fresh.byBackend
	p.mu.Unlock()
}

// Backends returns the backends that have at least one key, in order.
func (p *Pool) Backends() []backend.Type {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]backend.Type(nil), p.order...)
}

// Keys returns the key list for a backend.
func (p *Pool) Keys(t backend.Type) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.byBackend[t]...)
}

// KeyCount returns the number of keys for a backend.
func (p *Pool) KeyCount(t backend.Type) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byBackend[t])
}

// Total returns the total key count across all backends.
func (p *Pool) Total() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, ks := range p.byBackend {
		n += len(ks)
	}
	return n
}

// KeyAt returns the key at index i for a backend, or false when out of range.
func (p *Pool) KeyAt(t backend.Type, i int) (KeyEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ks := p.byBackend[t]
	if i < 0 || i >= len(ks) {
		return KeyEntry{}, false
	}
	return KeyEntry{Backend: t, Key: ks[i], Index: i}, true
}
