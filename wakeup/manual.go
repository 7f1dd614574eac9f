package wakeup

import (
	"sync"

	"github.com/NaveLIL/erez-frameclock/monotime"
)

// Manual implements Source without any timer. Tests arm it like a real
// source, inspect the armed time and deliver fires by hand.
type Manual struct {
	mu       sync.Mutex
	armed    bool
	armedAt  monotime.Time
	armCount int
	fires    chan monotime.Time
	armErr   error
}

// NewManual creates a manually driven wakeup source.
func NewManual() *Manual {
	return &Manual{fires: make(chan monotime.Time, 1)}
}

// Arm records the requested wakeup time.
func (m *Manual) Arm(t monotime.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.armErr != nil {
		return m.armErr
	}
	m.armed = true
	m.armedAt = t
	m.armCount++
	return nil
}

// Disarm clears the armed state.
func (m *Manual) Disarm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = false
}

// Fires returns the fire delivery channel; tests push to it via Fire.
func (m *Manual) Fires() <-chan monotime.Time {
	return m.fires
}

// Close is a no-op.
func (m *Manual) Close() error {
	return nil
}

// Fire delivers a fire at time t, as the kernel timer would.
func (m *Manual) Fire(t monotime.Time) {
	m.mu.Lock()
	m.armed = false
	m.mu.Unlock()

	select {
	case m.fires <- t:
	default:
	}
}

// Armed reports whether a wakeup is pending and at what time.
func (m *Manual) Armed() (monotime.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armedAt, m.armed
}

// ArmCount returns how many times Arm has been called.
func (m *Manual) ArmCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armCount
}

// FailArms makes subsequent Arm calls return err, for exercising fatal
// wakeup failures.
func (m *Manual) FailArms(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armErr = err
}
