package sync

import gosync "sync"

// lockTable maps userID to a held flag, enforcing single-flight cycle
// execution per user. It guards against overlapping cycles racing on
// watermark advancement; users never contend with each other.
type lockTable struct {
	mu   gosync.Mutex
	held map[string]bool
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]bool)}
}

// TryAcquire takes the user's lock if free and reports whether it did.
func (l *lockTable) TryAcquire(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[userID] {
		return false
	}
	l.held[userID] = true
	return true
}

// Release frees the user's lock.
func (l *lockTable) Release(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, userID)
}
