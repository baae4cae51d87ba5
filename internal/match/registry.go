// internal/match/registry.go
package match

import (
	"sync"

	"github.com/google/uuid"
)

// lockRegistry hands out one mutex per match id so that guess ingestion and
// timer-fired transitions for the same match serialize, while unrelated
// matches never contend.
type lockRegistry struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: make(map[uuid.UUID]*sync.Mutex)}
}

// Get returns the mutex for a match, creating it on first use.
func (r *lockRegistry) Get(matchID uuid.UUID) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[matchID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[matchID] = l
	}
	return l
}

// Forget drops the mutex for a finished match. A caller still holding the
// old mutex keeps it; new lookups get a fresh one, which is safe because a
// finished match accepts no further mutation.
func (r *lockRegistry) Forget(matchID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, matchID)
}
