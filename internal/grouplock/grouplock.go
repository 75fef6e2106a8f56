package grouplock

import (
	"sync"

	"github.com/google/uuid"
)

// Locks hands out one mutex per group so vote and selection mutations
// for the same group never interleave. Different groups proceed in
// parallel. In-process only: a multi-instance deployment needs the
// store's row locks (which the groups repository takes) to serialize.
type Locks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// New creates an empty lock table
func New() *Locks {
	return &Locks{
		locks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// Lock acquires the mutex for a group, creating it on first use
func (l *Locks) Lock(groupID uuid.UUID) {
	l.forGroup(groupID).Lock()
}

// Unlock releases the mutex for a group
func (l *Locks) Unlock(groupID uuid.UUID) {
	l.forGroup(groupID).Unlock()
}

func (l *Locks) forGroup(groupID uuid.UUID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[groupID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[groupID] = m
	}
	return m
}
