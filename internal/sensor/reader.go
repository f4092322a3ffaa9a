package sensor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/telemetry-receiver/internal/models"
)

// Reader orchestrates periodic sensor readings
type Reader struct {
	source   Source
	device   *models.DeviceInfo
	interval time.Duration
	logger   zerolog.Logger
	readings chan *models.Reading

	mu      sync.Mutex
	battery float64
	drain   float64
}

// NewReader creates a new sensor reader. The simulated battery starts full.
func NewReader(source Source, device *models.DeviceInfo, interval time.Duration, logger zerolog.Logger) *Reader {
	return &Reader{
		source:   source,
		device:   device,
		interval: interval,
		logger:   logger,
		readings: make(chan *models.Reading, 10),
		battery:  100,
	}
}

// SetBatteryDrain sets the percentage points lost per reading
func (r *Reader) SetBatteryDrain(drain float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drain = math.Max(drain, 0)
}

// Start reads every interval until ctx is cancelled
func (r *Reader) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.readAndPublish(ctx)
		}
	}
}

// ReadOnce performs a single reading
func (r *Reader) ReadOnce() (*models.Reading, error) {
	value, err := r.source.Read()
	if err != nil {
		return nil, err
	}

	reading := models.NewReading(r.device.ID, r.device.SensorType, value)
	if r.device.Location != "" {
		reading.WithLocation(r.device.Location)
	}
	reading.WithBatteryLevel(r.nextBatteryLevel())
	return reading, nil
}

func (r *Reader) nextBatteryLevel() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	level := math.Round(r.battery*100) / 100
	r.battery = math.Max(r.battery-r.drain, 0)
	return level
}

func (r *Reader) readAndPublish(ctx context.Context) {
	reading, err := r.ReadOnce()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to read from sensor")
		return
	}

	select {
	case r.readings <- reading:
		r.logger.Debug().Msgf("read from sensor: %s", reading.String())
	case <-ctx.Done():
	}
}

// Readings returns the channel where readings are published
func (r *Reader) Readings() <-chan *models.Reading {
	return r.readings
}

// Close stops the reader and cleans up resources
func (r *Reader) Close() error {
	return r.source.Close()
}
