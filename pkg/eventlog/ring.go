package eventlog

import (
	"sync"
	"time"
)

// DefaultErrorRingCapacity bounds how many append failures are retained
// for status reporting.
const DefaultErrorRingCapacity = 20

// FailureRecord is one retained append failure.
type FailureRecord struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Message   string    `json:"message"`
}

// ErrorRing is a bounded newest-wins buffer of append failures. The log
// observes but never governs: a failed append lands here instead of
// aborting the business operation, and status queries expose the tally.
type ErrorRing struct {
	mu       sync.Mutex
	capacity int
	clock    func() time.Time
	records  []FailureRecord
	total    int
}

// NewErrorRing returns a ring with the given capacity; zero or negative
// falls back to DefaultErrorRingCapacity.
func NewErrorRing(capacity int) *ErrorRing {
	return NewErrorRingWithClock(capacity, time.Now)
}

// NewErrorRingWithClock injects the time source. Tests use this to pin
// timestamps.
func NewErrorRingWithClock(capacity int, clock func() time.Time) *ErrorRing {
	if capacity <= 0 {
		capacity = DefaultErrorRingCapacity
	}
	return &ErrorRing{capacity: capacity, clock: clock}
}

// Record retains one failure, evicting the oldest when full.
func (r *ErrorRing) Record(eventType, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total++
	r.records = append(r.records, FailureRecord{
		Timestamp: r.clock().UTC(),
		EventType: eventType,
		Message:   message,
	})
	if len(r.records) > r.capacity {
		r.records = r.records[len(r.records)-r.capacity:]
	}
}

// Records returns the retained failures, oldest first.
func (r *ErrorRing) Records() []FailureRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FailureRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Total counts every failure since boot, including evicted ones.
func (r *ErrorRing) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Degraded reports whether any failure has been recorded since boot.
func (r *ErrorRing) Degraded() bool {
	return r.Total() > 0
}
