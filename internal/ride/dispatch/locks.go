package dispatch

import (
	"sync"

	"github.com/google/uuid"
)

// KeyedMutex serializes work per ride. Acceptance, rejection, offer expiry,
// fare repricing and cancellation for the same ride all run under the same
// key, so exactly one of a racing accept and a racing reprice observes the
// other's outcome.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex constructs the mutex set.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[uuid.UUID]*keyedLock)}
}

// Lock acquires the lock for key and returns its unlock function.
func (k *KeyedMutex) Lock(key uuid.UUID) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedLock{}
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
