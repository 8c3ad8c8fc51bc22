package feed

import (
	"errors"
	"fmt"
	"time"

	"feed-engine/internal/domain"
	"feed-engine/internal/session"
)

const (
	DefaultLookBehind         = 1
	DefaultLookahead          = 2
	DefaultPoolCapacity       = 5
	DefaultPrefetchBuffer     = 2 * time.Second
	DefaultMaxBuffer          = 7 * time.Second
	DefaultPrepareTimeout     = 10 * time.Second
	DefaultReleaseTimeout     = 2 * time.Second
	DefaultFetchMoreThreshold = 3
	DefaultTickInterval       = 50 * time.Millisecond
)

// ErrInvalidConfig is returned by Validate for out-of-range values other
// than capacity.
var ErrInvalidConfig = errors.New("invalid feed config")

// Config holds the controller thresholds.
type Config struct {
	LookBehind   int
	Lookahead    int
	PoolCapacity int

	// MinBuffer makes a session Ready. PrefetchBuffer is how far non-active
	// sessions buffer ahead; MaxBuffer is the active session's target.
	MinBuffer      time.Duration
	PrefetchBuffer time.Duration
	MaxBuffer      time.Duration
	ABRSafety      float64

	PrepareTimeout time.Duration
	ReleaseTimeout time.Duration

	// FetchMoreThreshold asks the source for more items when the active
	// index is this close to the end of the known list.
	FetchMoreThreshold int
	AutoAdvance        bool
	TickInterval       time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		LookBehind:         DefaultLookBehind,
		Lookahead:          DefaultLookahead,
		PoolCapacity:       DefaultPoolCapacity,
		MinBuffer:          session.DefaultMinBuffer,
		PrefetchBuffer:     DefaultPrefetchBuffer,
		MaxBuffer:          DefaultMaxBuffer,
		ABRSafety:          session.DefaultABRSafety,
		PrepareTimeout:     DefaultPrepareTimeout,
		ReleaseTimeout:     DefaultReleaseTimeout,
		FetchMoreThreshold: DefaultFetchMoreThreshold,
		TickInterval:       DefaultTickInterval,
	}
}

// WindowSize is the number of items retained around the active one.
func (c Config) WindowSize() int {
	return c.LookBehind + c.Lookahead + 1
}

// Validate reports configuration errors. A pool too small for the window
// wraps domain.ErrCapacity.
func (c Config) Validate() error {
	if c.LookBehind < 0 || c.Lookahead < 0 {
		return fmt.Errorf("%w: negative window (behind %d, ahead %d)", ErrInvalidConfig, c.LookBehind, c.Lookahead)
	}
	if c.PoolCapacity < c.WindowSize() {
		return fmt.Errorf("%w: pool capacity %d < window %d", domain.ErrCapacity, c.PoolCapacity, c.WindowSize())
	}
	if c.MinBuffer <= 0 || c.PrefetchBuffer <= 0 || c.MaxBuffer <= 0 {
		return fmt.Errorf("%w: buffer thresholds must be positive", ErrInvalidConfig)
	}
	if c.MaxBuffer < c.MinBuffer {
		return fmt.Errorf("%w: max buffer %s < min buffer %s", ErrInvalidConfig, c.MaxBuffer, c.MinBuffer)
	}
	// Lookahead sessions stop at PrefetchBuffer; below MinBuffer they never
	// become Ready before they are scrolled to.
	if c.PrefetchBuffer < c.MinBuffer {
		return fmt.Errorf("%w: prefetch buffer %s < min buffer %s", ErrInvalidConfig, c.PrefetchBuffer, c.MinBuffer)
	}
	if c.ABRSafety <= 0 || c.ABRSafety > 1 {
		return fmt.Errorf("%w: abr safety %.2f not in (0, 1]", ErrInvalidConfig, c.ABRSafety)
	}
	if c.PrepareTimeout <= 0 || c.ReleaseTimeout <= 0 || c.TickInterval <= 0 {
		return fmt.Errorf("%w: timeouts and tick interval must be positive", ErrInvalidConfig)
	}
	if c.FetchMoreThreshold < 0 {
		return fmt.Errorf("%w: fetch-more threshold %d", ErrInvalidConfig, c.FetchMoreThreshold)
	}
	return nil
}
