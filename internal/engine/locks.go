package engine

import "sync"

// userLocks serializes mutating sync operations per user. Different users
// proceed independently; a webhook pull and a user push for the same user
// never interleave.
type userLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[int64]*sync.Mutex)}
}

// acquire blocks until the user's lock is held and returns the release func.
func (l *userLocks) acquire(userID int64) func() {
	l.mu.Lock()
	m, ok := l.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
