package replaylite

import (
	"github.com/sasha-s/go-deadlock"
)

// keyedLock serializes work per instance inside the process. Entries are
// dropped once nobody holds or waits for them.
type keyedLock struct {
	mu    deadlock.Mutex
	locks map[string]*keyedLockEntry
}

type keyedLockEntry struct {
	mu   deadlock.Mutex
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{locks: make(map[string]*keyedLockEntry)}
}

// Lock returns the matching unlock function.
func (k *keyedLock) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedLockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
