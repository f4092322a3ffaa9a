package ingest

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/afroash/telemetry-receiver/internal/models"
)

// AckMessage is the human-readable message sent with every acknowledgement
const AckMessage = "data received successfully"

// RecordSink receives a copy of every stored record, e.g. an archive
// writer. Write must not block; it reports whether the record was taken.
type RecordSink interface {
	Write(record *models.Record) bool
}

// Service ties validation, id assignment, storage and aggregation
// together. Transports hand it decoded payloads and forward its results.
type Service struct {
	store  *RecordStore
	logger zerolog.Logger

	sinksMu sync.RWMutex
	sinks   []RecordSink
}

// NewService creates a service over store
func NewService(store *RecordStore, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
	}
}

// AddSink registers a sink that is fed every accepted record
func (s *Service) AddSink(sink RecordSink) {
	s.sinksMu.Lock()
	defer s.sinksMu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Receive validates raw and stores it. A *ValidationError is returned
// for a rejected payload, in which case nothing is stored.
func (s *Service) Receive(raw map[string]any) (*models.Acknowledgement, error) {
	reading, err := Validate(raw)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Reading rejected")
		return nil, err
	}

	record := s.store.Append(reading)

	s.logger.Debug().
		Str("data_id", record.DataID).
		Str("device_id", record.DeviceID).
		Str("sensor_type", record.SensorType).
		Float64("value", record.Value).
		Msg("Reading stored")

	s.publish(record)

	return &models.Acknowledgement{
		Status:     models.AckStatusSuccess,
		Message:    AckMessage,
		DataID:     record.DataID,
		ReceivedAt: record.ReceivedAt,
	}, nil
}

func (s *Service) publish(record *models.Record) {
	s.sinksMu.RLock()
	defer s.sinksMu.RUnlock()

	for _, sink := range s.sinks {
		if !sink.Write(record.Copy()) {
			s.logger.Warn().Str("data_id", record.DataID).Msg("Record sink rejected record")
		}
	}
}

// Dump returns every stored record with the total count
func (s *Service) Dump() models.Dump {
	count, records := s.store.Snapshot()
	return models.Dump{
		TotalCount: count,
		Data:       records,
	}
}

// Stats returns the total record count and per-device counts
func (s *Service) Stats() models.Statistics {
	count, records := s.store.Snapshot()
	return models.Statistics{
		TotalDataCount:   count,
		DeviceStatistics: Statistics(records),
	}
}
