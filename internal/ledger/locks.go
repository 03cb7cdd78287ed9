package ledger

import "sync"

// userLocks serializes trade execution, voluntary closes and liquidation
// for one user while letting different users proceed without contention.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire locks the user's mutex and returns the unlock func.
func (u *userLocks) acquire(userID string) func() {
	u.mu.Lock()
	lock, ok := u.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		u.locks[userID] = lock
	}
	u.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
