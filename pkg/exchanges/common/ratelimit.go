package common

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces outbound requests so that at most ratePerMinute calls reach
// one exchange per minute. Burst of 1 serializes callers regardless of
// concurrency, which is the backpressure model for a single venue account.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer creates a pacer for the configured per-minute request budget.
func NewPacer(ratePerMinute int) *Pacer {
	if ratePerMinute <= 0 {
		ratePerMinute = 60
	}
	interval := time.Minute / time.Duration(ratePerMinute)
	return &Pacer{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until the next request slot or until ctx is cancelled.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
