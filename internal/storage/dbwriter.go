package storage

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/telemetry-receiver/internal/models"
)

// batchInserter is the part of the archive the writer needs
type batchInserter interface {
	InsertBatch(records []*models.Record) error
}

// ArchiveWriter copies accepted records into the archive in batches.
// It is registered as a sink on the ingest service, so Write must never block.
type ArchiveWriter struct {
	archive     batchInserter
	logger      zerolog.Logger
	queue       chan *models.Record
	batchSize   int
	flushPeriod time.Duration
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	mu            sync.RWMutex
	totalWritten  int64
	totalBatches  int64
	totalErrors   int64
	totalDropped  int64
	lastWriteTime time.Time
}

// ArchiveWriterConfig holds configuration for the async writer
type ArchiveWriterConfig struct {
	BatchSize   int           // records per insert transaction
	FlushPeriod time.Duration // max time a partial batch waits
	ChannelSize int           // queued records before Write starts dropping
}

// DefaultArchiveWriterConfig returns the defaults used by the server config
func DefaultArchiveWriterConfig() ArchiveWriterConfig {
	return ArchiveWriterConfig{
		BatchSize:   100,
		FlushPeriod: 5 * time.Second,
		ChannelSize: 1000,
	}
}

// ArchiveWriterStats contains statistics about the writer
type ArchiveWriterStats struct {
	TotalWritten  int64     `json:"total_written"`
	TotalBatches  int64     `json:"total_batches"`
	TotalErrors   int64     `json:"total_errors"`
	TotalDropped  int64     `json:"total_dropped"`
	LastWriteTime time.Time `json:"last_write_time,omitzero"`
	QueueLength   int       `json:"queue_length"`
}

// NewArchiveWriter creates a writer and starts its background loop
func NewArchiveWriter(archive batchInserter, config ArchiveWriterConfig, logger zerolog.Logger) *ArchiveWriter {
	defaults := DefaultArchiveWriterConfig()
	if config.BatchSize < 1 {
		config.BatchSize = defaults.BatchSize
	}
	if config.FlushPeriod <= 0 {
		config.FlushPeriod = defaults.FlushPeriod
	}
	if config.ChannelSize < 1 {
		config.ChannelSize = defaults.ChannelSize
	}

	w := &ArchiveWriter{
		archive:     archive,
		logger:      logger,
		queue:       make(chan *models.Record, config.ChannelSize),
		batchSize:   config.BatchSize,
		flushPeriod: config.FlushPeriod,
		stopChan:    make(chan struct{}),
	}

	w.wg.Add(1)
	go w.writerLoop()

	logger.Info().
		Int("batch_size", config.BatchSize).
		Dur("flush_period", config.FlushPeriod).
		Int("channel_size", config.ChannelSize).
		Msg("ArchiveWriter started")

	return w
}

// Write queues a record for archiving.
// Returns false if the record was dropped because the queue is full or the writer stopped.
func (w *ArchiveWriter) Write(record *models.Record) bool {
	select {
	case <-w.stopChan:
		w.countDrop()
		return false
	default:
	}

	select {
	case w.queue <- record:
		return true
	default:
		w.countDrop()
		w.logger.Warn().Str("data_id", record.DataID).Msg("Archive queue full, dropping record")
		return false
	}
}

func (w *ArchiveWriter) countDrop() {
	w.mu.Lock()
	w.totalDropped++
	w.mu.Unlock()
}

func (w *ArchiveWriter) writerLoop() {
	defer w.wg.Done()

	batch := make([]*models.Record, 0, w.batchSize)
	ticker := time.NewTicker(w.flushPeriod)
	defer ticker.Stop()

	for {
		select {
		case record := <-w.queue:
			batch = append(batch, record)
			if len(batch) >= w.batchSize {
				w.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}

		case <-w.stopChan:
		drain:
			for {
				select {
				case record := <-w.queue:
					batch = append(batch, record)
				default:
					break drain
				}
			}
			w.flush(batch)
			w.logger.Info().Msg("ArchiveWriter stopped")
			return
		}
	}
}

func (w *ArchiveWriter) flush(batch []*models.Record) {
	if len(batch) == 0 {
		return
	}

	err := w.archive.InsertBatch(batch)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.totalErrors++
		w.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to archive batch")
		return
	}
	w.totalWritten += int64(len(batch))
	w.totalBatches++
	w.lastWriteTime = time.Now()
	w.logger.Debug().Int("count", len(batch)).Msg("Archived batch")
}

// Stop flushes queued records and stops the writer. Safe to call more than once.
func (w *ArchiveWriter) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.wg.Wait()
	})
}

// Stats returns current writer statistics
func (w *ArchiveWriter) Stats() ArchiveWriterStats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return ArchiveWriterStats{
		TotalWritten:  w.totalWritten,
		TotalBatches:  w.totalBatches,
		TotalErrors:   w.totalErrors,
		TotalDropped:  w.totalDropped,
		LastWriteTime: w.lastWriteTime,
		QueueLength:   len(w.queue),
	}
}
