package robot

import (
	"sync"
	"time"
)

// SpinTimer holds the single pending stop of a timed rotation. Scheduling a
// new stop, or calling Cancel, abandons the wait of the previous one; a stop
// that has already started running is never retracted.
type SpinTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// Schedule arranges for stop to run d after now, replacing any pending stop.
func (s *SpinTimer) Schedule(d time.Duration, stop func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()
		stop()
	})
}

// Cancel abandons the pending stop, if any. It reports whether one was pending.
func (s *SpinTimer) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.timer == nil {
		return false
	}
	s.timer.Stop()
	s.timer = nil
	return true
}

// Pending reports whether a stop is waiting to fire.
func (s *SpinTimer) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}
