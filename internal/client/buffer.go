package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/afroash/telemetry-receiver/internal/models"
)

// ReadingBuffer holds readings the device could not deliver yet.
// It is bounded; when full it either evicts the oldest reading or refuses the new one.
type ReadingBuffer struct {
	readings   []*models.Reading
	capacity   int
	dropOldest bool
	mutex      sync.RWMutex
	stats      BufferStats
}

// BufferStats tracks buffer usage
type BufferStats struct {
	TotalPushed   int64     `json:"total_pushed"`
	TotalDropped  int64     `json:"total_dropped"`
	TotalRequeued int64     `json:"total_requeued"`
	HighWaterMark int       `json:"high_water_mark"`
	LastPushTime  time.Time `json:"last_push_time"`
	LastDropTime  time.Time `json:"last_drop_time"`
}

// NewReadingBuffer creates a buffer holding at most capacity readings
func NewReadingBuffer(capacity int, dropOldest bool) *ReadingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ReadingBuffer{
		readings:   make([]*models.Reading, 0, capacity),
		capacity:   capacity,
		dropOldest: dropOldest,
	}
}

// Push appends a reading.
// Returns false if the reading was refused because the buffer is full in drop-newest mode.
func (rb *ReadingBuffer) Push(reading *models.Reading) bool {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	if len(rb.readings) >= rb.capacity {
		rb.stats.TotalDropped++
		rb.stats.LastDropTime = time.Now()
		if !rb.dropOldest {
			return false
		}
		rb.readings = rb.readings[1:]
	}

	rb.readings = append(rb.readings, reading)
	rb.stats.TotalPushed++
	rb.stats.LastPushTime = time.Now()
	rb.stats.HighWaterMark = max(rb.stats.HighWaterMark, len(rb.readings))
	return true
}

// Requeue puts readings that failed to send back at the front, keeping their order.
// Readings that no longer fit are dropped, newest first.
// Returns the number of readings put back.
func (rb *ReadingBuffer) Requeue(readings []*models.Reading) int {
	if len(readings) == 0 {
		return 0
	}

	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	room := rb.capacity - len(rb.readings)
	keep := min(room, len(readings))
	if dropped := len(readings) - keep; dropped > 0 {
		rb.stats.TotalDropped += int64(dropped)
		rb.stats.LastDropTime = time.Now()
	}
	if keep <= 0 {
		return 0
	}

	merged := make([]*models.Reading, 0, rb.capacity)
	merged = append(merged, readings[:keep]...)
	merged = append(merged, rb.readings...)
	rb.readings = merged
	rb.stats.TotalRequeued += int64(keep)
	rb.stats.HighWaterMark = max(rb.stats.HighWaterMark, len(rb.readings))
	return keep
}

// PopBatch removes and returns up to n readings, oldest first
func (rb *ReadingBuffer) PopBatch(n int) []*models.Reading {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	count := min(n, len(rb.readings))
	if count <= 0 {
		return nil
	}
	result := make([]*models.Reading, count)
	copy(result, rb.readings[:count])
	rb.readings = rb.readings[count:]
	return result
}

// Size returns the number of buffered readings
func (rb *ReadingBuffer) Size() int {
	rb.mutex.RLock()
	defer rb.mutex.RUnlock()
	return len(rb.readings)
}

// IsEmpty reports whether the buffer has no readings
func (rb *ReadingBuffer) IsEmpty() bool {
	rb.mutex.RLock()
	defer rb.mutex.RUnlock()
	return len(rb.readings) == 0
}

// Stats returns a snapshot of the counters
func (rb *ReadingBuffer) Stats() BufferStats {
	rb.mutex.RLock()
	defer rb.mutex.RUnlock()
	return rb.stats
}

func (rb *ReadingBuffer) String() string {
	rb.mutex.RLock()
	defer rb.mutex.RUnlock()

	mode := "drop-newest"
	if rb.dropOldest {
		mode = "drop-oldest"
	}
	return fmt.Sprintf("Buffer[%d/%d, dropped: %d, mode: %s]",
		len(rb.readings), rb.capacity, rb.stats.TotalDropped, mode)
}
