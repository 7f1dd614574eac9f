// Package storage provides thread-safe storage for frame timing history.
package storage

import (
	"time"

	"sync"

	"github.com/NaveLIL/erez-frameclock/models"
)

// RingBuffer is a thread-safe circular buffer of frame timing records. One
// record is stored per resolved frame; when the buffer is full the oldest
// record is overwritten.
type RingBuffer struct {
	mu       sync.RWMutex
	data     []models.FrameTiming
	head     int // Index where the next record will be written
	count    int // Number of records in the buffer
	capacity int
}

// NewRingBuffer creates a new RingBuffer with the specified capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 600 // Default: ~10 seconds of history at 60 Hz
	}
	return &RingBuffer{
		data:     make([]models.FrameTiming, capacity),
		capacity: capacity,
	}
}

// Add adds a frame timing record to the buffer.
func (rb *RingBuffer) Add(timing models.FrameTiming) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.data[rb.head] = timing
	rb.head = (rb.head + 1) % rb.capacity
	if rb.count < rb.capacity {
		rb.count++
	}
}

// GetLast returns the last n records in chronological order. If n exceeds
// the number of stored records, all records are returned.
func (rb *RingBuffer) GetLast(n int) []models.FrameTiming {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}

	if n > rb.count {
		n = rb.count
	}

	result := make([]models.FrameTiming, n)
	start := (rb.head - n + rb.capacity) % rb.capacity

	for i := 0; i < n; i++ {
		idx := (start + i) % rb.capacity
		result[i] = rb.data[idx]
	}

	return result
}

// GetLatest returns the most recent record and whether one exists.
func (rb *RingBuffer) GetLatest() (models.FrameTiming, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return models.FrameTiming{}, false
	}
	idx := (rb.head - 1 + rb.capacity) % rb.capacity
	return rb.data[idx], true
}

// Capacity returns the buffer capacity.
func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}

// Size returns the number of stored records.
func (rb *RingBuffer) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// IsEmpty reports whether the buffer holds no records.
func (rb *RingBuffer) IsEmpty() bool {
	return rb.Size() == 0
}

// Clear removes all records from the buffer.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.head = 0
	rb.count = 0
}

// Summary aggregates the stored records for diagnostics.
type Summary struct {
	// Frames is the number of records in the window.
	Frames int
	// Presented is the number of frames resolved with presentation data.
	Presented int
	// Missed is the number of frames flagged as missed.
	Missed int
	// MissedStreak is the number of consecutive missed frames at the end
	// of the window.
	MissedStreak int
	// MaxLatenessUs is the largest dispatch lateness in the window.
	MaxLatenessUs int64
	// MeanRenderUs is the mean measured render duration over presented
	// frames.
	MeanRenderUs int64
	// Window is the wall-clock span of the records.
	Window time.Duration
}

// Summarize aggregates the whole buffer.
func (rb *RingBuffer) Summarize() Summary {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var s Summary
	if rb.count == 0 {
		return s
	}

	var renderTotal int64
	var oldest, newest time.Time
	streakBroken := false

	for i := rb.count - 1; i >= 0; i-- {
		idx := (rb.head - rb.count + i + rb.capacity) % rb.capacity
		t := &rb.data[idx]

		s.Frames++
		if t.Presented {
			s.Presented++
			renderTotal += t.RenderDurationUs()
		}
		if t.Missed {
			s.Missed++
			if !streakBroken {
				s.MissedStreak++
			}
		} else {
			streakBroken = true
		}
		if t.LatenessUs > s.MaxLatenessUs {
			s.MaxLatenessUs = t.LatenessUs
		}

		if newest.IsZero() {
			newest = t.Timestamp
		}
		oldest = t.Timestamp
	}

	if s.Presented > 0 {
		s.MeanRenderUs = renderTotal / int64(s.Presented)
	}
	if !oldest.IsZero() {
		s.Window = newest.Sub(oldest)
	}
	return s
}
