package service

import "sync"

// instanceLocks serializes lifecycle operations per instance, so a webhook
// handler and the reconciler never mutate the same instance concurrently.
// Entries are never evicted; the population is bounded by the number of
// instances ever touched in one process lifetime.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the lock for one instance id and returns its unlock func.
func (l *instanceLocks) Lock(id string) func() {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
