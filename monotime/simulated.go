package monotime

import (
	"sync"
	"time"
)

// Simulated implements Clock with a manually advanced time value. It is
// intended for deterministic scheduler tests.
type Simulated struct {
	mu  sync.RWMutex
	now Time
}

// NewSimulated creates a simulated clock starting at the given time.
func NewSimulated(start Time) *Simulated {
	return &Simulated{now: start}
}

// Now returns the current simulated time.
func (s *Simulated) Now() Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now
}

// Set moves the simulated time to t. Moving backwards is allowed; callers
// that care about monotonicity should use Advance.
func (s *Simulated) Set(t Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = t
}

// Advance moves the simulated time forward by d.
func (s *Simulated) Advance(d time.Duration) Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
	return s.now
}
