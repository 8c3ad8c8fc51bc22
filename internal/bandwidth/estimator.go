// Package bandwidth keeps a rolling throughput estimate from completed
// segment downloads.
package bandwidth

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultAlpha is the weight of the newest sample in the moving average.
	DefaultAlpha = 0.3

	// DefaultInitial is the estimate (bits/s) reported before any sample.
	DefaultInitial = 1_500_000

	// DefaultMinBytes is the smallest transfer that counts as a sample.
	// Tiny bodies are dominated by latency and would drag the estimate down.
	DefaultMinBytes = 16 * 1024
)

// Sample is one observed transfer.
type Sample struct {
	Bytes    int64
	Duration time.Duration
}

// bitsPerSecond returns the throughput of s, or 0 when it cannot be measured.
func (s Sample) bitsPerSecond() float64 {
	if s.Bytes <= 0 || s.Duration <= 0 {
		return 0
	}
	return float64(s.Bytes) * 8 / s.Duration.Seconds()
}

// Config configures an Estimator. Zero fields take the defaults.
type Config struct {
	Alpha    float64
	Initial  float64
	MinBytes int64
}

// Estimator is an exponentially weighted moving average of observed
// throughput. It is safe for concurrent use: workers observe, the control
// goroutine reads.
type Estimator struct {
	mu       sync.RWMutex
	alpha    float64
	estimate float64
	samples  int

	minBytes   int64
	totalBytes atomic.Int64
}

// New returns an Estimator seeded with cfg.Initial.
func New(cfg Config) *Estimator {
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = DefaultAlpha
	}
	if cfg.Initial <= 0 {
		cfg.Initial = DefaultInitial
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = DefaultMinBytes
	}
	return &Estimator{
		alpha:    cfg.Alpha,
		estimate: cfg.Initial,
		minBytes: cfg.MinBytes,
	}
}

// Observe folds s into the estimate. It reports whether the sample was used.
func (e *Estimator) Observe(s Sample) bool {
	if s.Bytes > 0 {
		e.totalBytes.Add(s.Bytes)
	}
	if s.Bytes < e.minBytes {
		return false
	}
	bps := s.bitsPerSecond()
	if bps == 0 {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.samples == 0 {
		// First real measurement replaces the seed outright.
		e.estimate = bps
	} else {
		e.estimate = e.alpha*bps + (1-e.alpha)*e.estimate
	}
	e.samples++
	return true
}

// Estimate returns the current estimate in bits per second.
func (e *Estimator) Estimate() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.estimate
}

// Samples returns how many samples have been folded in.
func (e *Estimator) Samples() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.samples
}

// TotalBytes returns every byte reported to Observe, including ignored samples.
func (e *Estimator) TotalBytes() int64 {
	return e.totalBytes.Load()
}
