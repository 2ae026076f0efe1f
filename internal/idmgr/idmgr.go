// Package idmgr hands out stable, log-distinguishable handles for the
// Tuner/Channel/Graph entities, built on github.com/google/uuid for entity
// identifiers plus a generation-indexed slot map so handles are cheap
// integers at the hot path and only carry a uuid salt at creation time for
// cross-restart log correlation.
package idmgr

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Handle identifies one slot-map entry: an index plus a generation counter
// that changes every time the slot is reused, so a stale handle from a
// deleted entity is detectable rather than silently aliasing a new one.
type Handle struct {
	Index      uint32
	Generation uint32
}

func (h Handle) String() string {
	return fmt.Sprintf("%08x.%d", h.Index, h.Generation)
}

// Zero is the never-valid handle, returned by lookups that fail.
var Zero = Handle{}

type slot struct {
	generation uint32
	occupied   bool
	salt       uuid.UUID
	value      any
}

// Manager is a generation-indexed slot map keyed by Handle. Safe for
// concurrent use.
type Manager struct {
	mu    sync.RWMutex
	slots []slot
	free  []uint32
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{}
}

// Alloc inserts value and returns a fresh Handle for it. The handle's salt
// (visible via Salt) is a fresh uuid so that log lines referencing the
// handle remain distinguishable across process restarts, when the index
// space restarts from zero.
func (m *Manager) Alloc(value any) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	var idx uint32
	if n := len(m.free); n > 0 {
		idx = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		idx = uint32(len(m.slots))
		m.slots = append(m.slots, slot{})
	}
	s := &m.slots[idx]
	s.occupied = true
	s.generation++
	s.salt = uuid.New()
	s.value = value
	return Handle{Index: idx, Generation: s.generation}
}

// Get returns the value stored under h and whether h is still live.
func (m *Manager) Get(h Handle) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if int(h.Index) >= len(m.slots) {
		return nil, false
	}
	s := &m.slots[h.Index]
	if !s.occupied || s.generation != h.Generation {
		return nil, false
	}
	return s.value, true
}

// Salt returns the uuid assigned to h at allocation time, or the nil uuid
// if h is not live.
func (m *Manager) Salt(h Handle) uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if int(h.Index) >= len(m.slots) {
		return uuid.Nil
	}
	s := &m.slots[h.Index]
	if !s.occupied || s.generation != h.Generation {
		return uuid.Nil
	}
	return s.salt
}

// Free releases h's slot for reuse. Returns false if h was already free or
// stale.
func (m *Manager) Free(h Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(h.Index) >= len(m.slots) {
		return false
	}
	s := &m.slots[h.Index]
	if !s.occupied || s.generation != h.Generation {
		return false
	}
	s.occupied = false
	s.value = nil
	m.free = append(m.free, h.Index)
	return true
}

// Len returns the number of live handles.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for i := range m.slots {
		if m.slots[i].occupied {
			n++
		}
	}
	return n
}
