package ratelimit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

// Airtable allows 5 requests per second per base.
const (
	RequestsPerSecond = 5

	// DefaultPageDelay keeps a single paginated read below 5 req/s even with scheduling jitter.
	DefaultPageDelay = 210 * time.Millisecond
)

var pacerWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "airtable_pacer_wait_seconds",
	Help:    "Time spent waiting between paginated requests",
	Buckets: []float64{0.05, 0.1, 0.2, 0.25, 0.5, 1, 2},
})

// FixedDelay pauses for a constant duration on every Wait.
// Each instance is independent; concurrent queries do not coordinate.
type FixedDelay struct {
	delay time.Duration
}

// NewFixedDelay returns a pacer sleeping d per Wait. d <= 0 disables waiting.
func NewFixedDelay(d time.Duration) *FixedDelay {
	return &FixedDelay{delay: d}
}

// Delay returns the configured pause.
func (f *FixedDelay) Delay() time.Duration {
	return f.delay
}

// Wait sleeps for the delay or until ctx is done.
func (f *FixedDelay) Wait(ctx context.Context) error {
	if f.delay <= 0 {
		return ctx.Err()
	}

	start := time.Now()
	timer := time.NewTimer(f.delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		pacerWaitSeconds.Observe(time.Since(start).Seconds())
		return nil
	}
}

// LimiterPacer waits on a token bucket that may be shared by many queries,
// for callers that want one ceiling across concurrent reads of the same base.
type LimiterPacer struct {
	limiter *rate.Limiter
}

// NewLimiterPacer wraps an existing limiter.
func NewLimiterPacer(limiter *rate.Limiter) *LimiterPacer {
	return &LimiterPacer{limiter: limiter}
}

// NewSharedLimiter returns a limiter matching Airtable's per-base ceiling.
func NewSharedLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(RequestsPerSecond), 1)
}

// Wait blocks until the limiter grants a token.
func (l *LimiterPacer) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	pacerWaitSeconds.Observe(time.Since(start).Seconds())
	return nil
}
