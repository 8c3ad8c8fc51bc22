package prefetch

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/ratelimit"
)

const (
	// paceQuantum is the number of body bytes one limiter token pays for.
	paceQuantum = 16 * 1024

	// paceRebuildRatio is how far the target rate may drift before the
	// limiter is rebuilt.
	paceRebuildRatio = 0.25
)

// pacer throttles prefetch traffic for non-active items to a share of the
// bandwidth estimate. It is shared by every paced transfer so the cap is
// aggregate.
type pacer struct {
	share    float64
	estimate func() float64

	mu      sync.Mutex
	pending int
	rate    int // tokens per minute
	limiter ratelimit.Limiter
}

func newPacer(share float64, estimate func() float64) *pacer {
	return &pacer{share: share, estimate: estimate}
}

// enabled reports whether pacing applies at all.
func (p *pacer) enabled() bool {
	return p != nil && p.share > 0 && p.estimate != nil
}

// pace accounts n received bytes and waits for every full quantum. It
// returns ctx's error as soon as ctx is done, so a cancelled or timed out
// transfer gives up its worker without waiting for the limiter.
func (p *pacer) pace(ctx context.Context, n int) error {
	p.mu.Lock()
	p.pending += n
	tokens := p.pending / paceQuantum
	p.pending %= paceQuantum
	lim := p.limiterLocked()
	p.mu.Unlock()

	for ; tokens > 0; tokens-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := take(ctx, lim); err != nil {
			return err
		}
	}
	return nil
}

// take waits for one limiter token or for ctx. An abandoned Take finishes in
// the background and its token is lost.
func take(ctx context.Context, lim ratelimit.Limiter) error {
	done := make(chan struct{})
	go func() {
		lim.Take()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// limiterLocked returns a limiter matching the current estimate, rebuilding
// it when the target moved by more than paceRebuildRatio.
func (p *pacer) limiterLocked() ratelimit.Limiter {
	want := p.tokensPerMinute()
	if p.limiter != nil {
		drift := math.Abs(float64(want-p.rate)) / float64(p.rate)
		if drift <= paceRebuildRatio {
			return p.limiter
		}
	}
	p.rate = want
	p.limiter = ratelimit.New(want, ratelimit.Per(time.Minute))
	return p.limiter
}

func (p *pacer) tokensPerMinute() int {
	bytesPerSecond := p.share * p.estimate() / 8
	n := int(bytesPerSecond * 60 / paceQuantum)
	if n < 1 {
		n = 1
	}
	return n
}
