package triage

import (
	"sync"

	"github.com/google/uuid"
)

// hospitalLocks serialises queue mutations per hospital inside one process.
// Entries are dropped once nobody holds or waits for them.
type hospitalLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newHospitalLocks() *hospitalLocks {
	return &hospitalLocks{locks: make(map[uuid.UUID]*refLock)}
}

// Lock blocks until the hospital's lock is held and returns its release func.
func (l *hospitalLocks) Lock(hospitalID uuid.UUID) func() {
	l.mu.Lock()
	rl, ok := l.locks[hospitalID]
	if !ok {
		rl = &refLock{}
		l.locks[hospitalID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, hospitalID)
		}
		l.mu.Unlock()
	}
}

func (l *hospitalLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
