package ingest

import (
	"sync"
	"time"

	"github.com/afroash/telemetry-receiver/internal/models"
)

// Clock supplies receipt times. Tests inject a fixed or stepping clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns a Clock backed by time.Now in UTC
func SystemClock() Clock { return systemClock{} }

// RecordStore is an append-only, in-memory log of accepted records.
// It lives for the process lifetime and grows without bound.
type RecordStore struct {
	mutex    sync.RWMutex
	records  []*models.Record
	ids      *Allocator
	clock    Clock
	lastTime time.Time
}

// NewRecordStore creates an empty store. A nil clock means SystemClock.
func NewRecordStore(ids *Allocator, clock Clock) *RecordStore {
	if ids == nil {
		ids = NewAllocator(DefaultIDPrefix)
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &RecordStore{
		records: make([]*models.Record, 0),
		ids:     ids,
		clock:   clock,
	}
}

// Append copies reading into a new record, stamps it with the next id and
// the receipt time, and adds it as the last element. The id and time are
// taken under the write lock so both follow insertion order. It returns a
// copy of the stored record.
func (s *RecordStore) Append(reading *models.Reading) *models.Record {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	receivedAt := s.clock.Now()
	// Wall clocks can step backwards; receipt times must not.
	if receivedAt.Before(s.lastTime) {
		receivedAt = s.lastTime
	}
	s.lastTime = receivedAt

	record := &models.Record{
		Reading:    *reading.Copy(),
		ReceivedAt: receivedAt,
		DataID:     s.ids.Next(),
	}
	s.records = append(s.records, record)

	return record.Copy()
}

// All returns copies of every record in insertion order
func (s *RecordStore) All() []*models.Record {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.copyLocked()
}

// Count returns the number of stored records
func (s *RecordStore) Count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.records)
}

// Snapshot returns the record count and copies of every record, taken
// under a single read lock so the two always agree.
func (s *RecordStore) Snapshot() (int, []*models.Record) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.records), s.copyLocked()
}

func (s *RecordStore) copyLocked() []*models.Record {
	result := make([]*models.Record, len(s.records))
	for i, record := range s.records {
		result[i] = record.Copy()
	}
	return result
}
