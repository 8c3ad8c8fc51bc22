package bandwidth

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEstimator_initial(t *testing.T) {
	e := New(Config{})
	assert.Equal(t, float64(DefaultInitial), e.Estimate())
	assert.Equal(t, 0, e.Samples())

	e = New(Config{Initial: 4_000_000})
	assert.Equal(t, 4_000_000.0, e.Estimate())
}

func TestEstimator_first_sample_replaces_seed(t *testing.T) {
	e := New(Config{Alpha: 0.5, MinBytes: 1})
	// 250 KB in 1s = 2 Mbit/s
	assert.True(t, e.Observe(Sample{Bytes: 250_000, Duration: time.Second}))
	assert.InDelta(t, 2_000_000, e.Estimate(), 1)
}

func TestEstimator_ewma(t *testing.T) {
	e := New(Config{Alpha: 0.5, MinBytes: 1})
	e.Observe(Sample{Bytes: 250_000, Duration: time.Second}) // 2 Mbit/s
	e.Observe(Sample{Bytes: 500_000, Duration: time.Second}) // 4 Mbit/s
	assert.InDelta(t, 3_000_000, e.Estimate(), 1)
	assert.Equal(t, 2, e.Samples())
}

func TestEstimator_ignores_unusable_samples(t *testing.T) {
	e := New(Config{MinBytes: 1024})
	tests := []struct {
		name string
		s    Sample
	}{
		{"too_small", Sample{Bytes: 100, Duration: time.Millisecond}},
		{"zero_duration", Sample{Bytes: 1 << 20}},
		{"negative", Sample{Bytes: -5, Duration: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, e.Observe(tt.s))
		})
	}
	assert.Equal(t, float64(DefaultInitial), e.Estimate())
	assert.Equal(t, int64(100+1<<20), e.TotalBytes())
}

func TestEstimator_concurrent(t *testing.T) {
	e := New(Config{MinBytes: 1})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.Observe(Sample{Bytes: 125_000, Duration: time.Second})
				_ = e.Estimate()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, e.Samples())
	assert.InDelta(t, 1_000_000, e.Estimate(), 1)
}
