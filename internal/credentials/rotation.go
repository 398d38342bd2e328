package credentials

import (
	"sort"
	"sync"

	"github.com/jkaninda/sanduku/internal/backend"
)

// ProviderStats is a read-only snapshot of one backend's rotation state.
type ProviderStats struct {
	Backend  backend.Type
	KeyCount int
	Cursor   int // Next key index within the backend.
	Selected int // Total selections since construction/reset.
}

// Rotator hands out credentials in weighted round-robin order. Fairness is
// per key: over any window of Total() consecutive calls, every configured
// key is selected exactly once. The slot schedule interleaves backends
// deterministically, spacing the minority backend's turns as evenly as
// possible among the majority's; no randomness anywhere.
//
// Safe for concurrent use; cursor advancement is mutex-guarded.
type Rotator struct {
	mu       sync.Mutex
	pool     *Pool
	schedule []backend.Type
	slot     int
	cursors  map[backend.Type]int
	selected map[backend.Type]int
}

// NewRotator builds a rotator over the pool's current contents.
func NewRotator(pool *Pool) *Rotator {
	r := &Rotator{pool: pool}
	r.rebuildLocked()
	return r
}

// slotPosition orders schedule slots. Each backend's j-th occurrence sits
// at fractional position (j+0.5)/count, so a backend with twice the keys
// gets twice the slots, spread evenly rather than clumped.
type slotPosition struct {
	backend  backend.Type
	order    int // Backend declaration index, breaks position ties.
	position float64
}

func (r *Rotator) rebuildLocked() {
	backends := r.pool.Backends()
	var slots []slotPosition
	for bi, t := range backends {
		count := r.pool.KeyCount(t)
		for j := 0; j < count; j++ {
			slots = append(slots, slotPosition{
				backend:  t,
				order:    bi,
				position: (float64(j) + 0.5) / float64(count),
			})
		}
	}
	sort.SliceStable(slots, func(i, j int) bool {
		if slots[i].position != slots[j].position {
			return slots[i].position < slots[j].position
		}
		return slots[i].order < slots[j].order
	})

	r.schedule = r.schedule[:0]
	for _, s := range slots {
		r.schedule = append(r.schedule, s.backend)
	}
	r.slot = 0
	r.cursors = make(map[backend.Type]int)
	r.selected = make(map[backend.Type]int)
}

// Next advances the global slot cursor and the chosen backend's key cursor,
// both wrapping, and returns the selected key.
func (r *Rotator) Next() (KeyEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.schedule) == 0 {
		return KeyEntry{}, ErrNoCredentials
	}

	t := r.schedule[r.slot]
	r.slot = (r.slot + 1) % len(r.schedule)

	idx := r.cursors[t]
	entry, ok := r.pool.KeyAt(t, idx)
	if !ok {
		// Pool shrank under us (reload without reset); start over.
		r.rebuildLocked()
		if len(r.schedule) == 0 {
			return KeyEntry{}, ErrNoCredentials
		}
		t = r.schedule[r.slot]
		r.slot = (r.slot + 1) % len(r.schedule)
		idx = r.cursors[t]
		entry, _ = r.pool.KeyAt(t, idx)
	}

	r.cursors[t] = (idx + 1) % r.pool.KeyCount(t)
	r.selected[t]++
	return entry, nil
}

// KeyAt returns a specific key without advancing any cursor.
func (r *Rotator) KeyAt(t backend.Type, index int) (KeyEntry, bool) {
	return r.pool.KeyAt(t, index)
}

// Total returns the total configured key count.
func (r *Rotator) Total() int { return r.pool.Total() }

// Backends returns the configured backends in declaration order.
func (r *Rotator) Backends() []backend.Type { return r.pool.Backends() }

// Stats returns a per-backend snapshot of rotation state.
func (r *Rotator) Stats() []ProviderStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	backends := r.pool.Backends()
	stats := make([]ProviderStats, 0, len(backends))
	for _, t := range backends {
		stats = append(stats, ProviderStats{
			Backend:  t,
			KeyCount: r.pool.KeyCount(t),
			Cursor:   r.cursors[t],
			Selected: r.selected[t],
		})
	}
	return stats
}

// Reset rebuilds the schedule and zeroes all cursors. Test hook, and the
// required follow-up after Pool.Reload.
func (r *Rotator) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebuildLocked()
}
