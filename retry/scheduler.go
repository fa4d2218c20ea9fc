package retry

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler owns at most one pending timer per tempId. Scheduling a key that
// already has a timer replaces it. Cancel stops the timer and removes the
// entry; a callback that already started removes its own entry before
// running, so a given key never fires twice.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	logger *zap.Logger
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		timers: make(map[string]*time.Timer),
		logger: logger,
	}
}

// Schedule runs fn after delay, keyed by tempID. No-op after Close.
func (s *Scheduler) Schedule(tempID string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if old, ok := s.timers[tempID]; ok {
		old.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		current, ok := s.timers[tempID]
		if !ok || current != t || s.closed {
			s.mu.Unlock()
			return
		}
		delete(s.timers, tempID)
		s.mu.Unlock()
		fn()
	})
	s.timers[tempID] = t
	s.logger.Debug("retry scheduled",
		zap.String("temp_id", tempID),
		zap.Duration("delay", delay))
}

// Cancel stops and removes the timer for tempID, if any.
func (s *Scheduler) Cancel(tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[tempID]; ok {
		t.Stop()
		delete(s.timers, tempID)
	}
}

// CancelAll stops every pending timer.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Pending reports how many timers are outstanding.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close cancels everything and rejects further scheduling.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
