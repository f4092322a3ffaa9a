package sensor

import (
	"errors"
	"math"
	"math/rand/v2"
	"sync"
)

// ErrSourceClosed is returned by Read after Close
var ErrSourceClosed = errors.New("sensor source closed")

// Source produces raw measurements for one sensor
type Source interface {
	// Read returns a single measurement
	Read() (float64, error)

	// Close releases the source
	Close() error
}

// SimulatedSource is a bounded random walk around a baseline value.
// Each step moves by at most jitter and is pulled back toward the baseline.
type SimulatedSource struct {
	mu       sync.Mutex
	rng      *rand.Rand
	baseline float64
	jitter   float64
	current  float64
	closed   bool
}

// reversion is the fraction of the distance to the baseline recovered each step
const reversion = 0.1

// NewSimulatedSource creates a source starting at baseline. The same seed yields the same sequence.
func NewSimulatedSource(baseline, jitter float64, seed uint64) *SimulatedSource {
	return &SimulatedSource{
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		baseline: baseline,
		jitter:   math.Abs(jitter),
		current:  baseline,
	}
}

// Read advances the walk one step and returns the value rounded to two decimals
func (s *SimulatedSource) Read() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSourceClosed
	}

	step := (s.rng.Float64()*2 - 1) * s.jitter
	s.current += step + (s.baseline-s.current)*reversion
	return math.Round(s.current*100) / 100, nil
}

// Close marks the source closed
func (s *SimulatedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
