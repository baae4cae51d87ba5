// internal/match/scheduler.go
package match

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scheduler keeps at most one pending phase timer per match id. Arming a new
// timer always cancels and replaces the previous one. A timer that fires
// after a logical cancellation is tolerated; the phase-advance idempotency
// guard makes the duplicate a no-op.
type Scheduler struct {
	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
}

func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[uuid.UUID]*time.Timer)}
}

// Arm schedules fn to run after d, replacing any pending timer for the match.
// A non-positive d fires fn almost immediately (used when restoring an
// already-expired deadline after a restart).
func (s *Scheduler) Arm(matchID uuid.UUID, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[matchID]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		// Only clear the entry if it still refers to this firing timer;
		// a replacement armed meanwhile must not be dropped.
		if cur, ok := s.timers[matchID]; ok && cur == timer {
			delete(s.timers, matchID)
		}
		s.mu.Unlock()
		fn()
	})
	s.timers[matchID] = timer
}

// Cancel stops and forgets the pending timer for a match, if any.
func (s *Scheduler) Cancel(matchID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[matchID]; ok {
		t.Stop()
		delete(s.timers, matchID)
	}
}

// CancelAll stops every pending timer. Called at process shutdown.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Pending reports whether a timer is currently armed for the match.
func (s *Scheduler) Pending(matchID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[matchID]
	return ok
}
