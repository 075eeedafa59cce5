package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/airtable-client/pkg/credential"
	"github.com/Sternrassler/airtable-client/pkg/query"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airtable_retries_total",
		Help: "Total number of whole-query retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "airtable_retry_backoff_seconds",
		Help:    "Backoff duration before a query retry by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airtable_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// BackoffConfig is the exponential backoff for one error class.
type BackoffConfig struct {
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// RetryConfig holds the configuration for whole-query retries.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// Backoff per error class; classes not listed use DefaultBackoff.
	Backoff map[ErrorClass]BackoffConfig
}

// DefaultBackoff applies to classes without a dedicated entry.
var DefaultBackoff = BackoffConfig{
	InitialBackoff:    1 * time.Second,
	MaxBackoff:        30 * time.Second,
	BackoffMultiplier: 2.0,
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Backoff: map[ErrorClass]BackoffConfig{
			ErrorClassServer:    RetryConfigForErrorClass(ErrorClassServer),
			ErrorClassRateLimit: RetryConfigForErrorClass(ErrorClassRateLimit),
			ErrorClassNetwork:   RetryConfigForErrorClass(ErrorClassNetwork),
		},
	}
}

// RetryConfigForErrorClass returns the recommended backoff for an error class.
func RetryConfigForErrorClass(class ErrorClass) BackoffConfig {
	switch class {
	case ErrorClassServer:
		return BackoffConfig{InitialBackoff: 1 * time.Second, MaxBackoff: 10 * time.Second, BackoffMultiplier: 2.0}
	case ErrorClassRateLimit:
		// Airtable refuses all requests for 30s after a 429.
		return BackoffConfig{InitialBackoff: 30 * time.Second, MaxBackoff: 60 * time.Second, BackoffMultiplier: 2.0}
	case ErrorClassNetwork:
		return BackoffConfig{InitialBackoff: 2 * time.Second, MaxBackoff: 30 * time.Second, BackoffMultiplier: 2.0}
	default:
		return DefaultBackoff
	}
}

// QueryWithRetry re-runs Query from the first page when it fails with a
// retryable error. Pages are never retried individually.
func (c *Client) QueryWithRetry(ctx context.Context, rc RetryConfig, cred credential.Credential, baseID, table string, params *query.Params) ([]Record, error) {
	var records []Record
	err := retryWithBackoff(ctx, rc, func() error {
		var err error
		records, err = c.Query(ctx, cred, baseID, table, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// classBackOff picks the exponential schedule of the last error's class.
type classBackOff struct {
	lastErr   error
	schedules map[ErrorClass]*backoff.ExponentialBackOff
	fallback  *backoff.ExponentialBackOff
}

func newExponential(cfg BackoffConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	if cfg.BackoffMultiplier > 0 {
		b.Multiplier = cfg.BackoffMultiplier
	}
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func newClassBackOff(rc RetryConfig) *classBackOff {
	cb := &classBackOff{
		schedules: make(map[ErrorClass]*backoff.ExponentialBackOff, len(rc.Backoff)),
		fallback:  newExponential(DefaultBackoff),
	}
	for class, cfg := range rc.Backoff {
		cb.schedules[class] = newExponential(cfg)
	}
	return cb
}

func (b *classBackOff) NextBackOff() time.Duration {
	class := ClassOf(b.lastErr)
	schedule, ok := b.schedules[class]
	if !ok {
		schedule = b.fallback
	}
	next := schedule.NextBackOff()

	// A server-provided wait is a floor, not a suggestion.
	var reqErr *RequestError
	if errors.As(b.lastErr, &reqErr) && reqErr.RetryAfter > next {
		next = reqErr.RetryAfter
	}
	return next
}

func (b *classBackOff) Reset() {
	b.lastErr = nil
	b.fallback.Reset()
	for _, s := range b.schedules {
		s.Reset()
	}
}

// retryWithBackoff executes fn until it succeeds, fails permanently, or
// attempts run out. It respects context cancellation.
func retryWithBackoff(ctx context.Context, rc RetryConfig, fn func() error) error {
	maxAttempts := rc.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	policy := newClassBackOff(rc)
	attempt := 0

	operation := func() error {
		attempt++
		err := fn()
		if err == nil {
			if attempt > 1 {
				log.Info().
					Int("attempt", attempt).
					Msg("Query succeeded after retry")
			}
			return nil
		}

		policy.lastErr = err
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		class := string(ClassOf(err))
		retriesTotal.WithLabelValues(class).Inc()
		retryBackoffSeconds.WithLabelValues(class).Observe(wait.Seconds())
		log.Debug().
			Str("error_class", class).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying query after backoff")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxAttempts-1)), ctx)
	err := backoff.RetryNotify(operation, b, notify)
	if err == nil {
		return nil
	}

	if IsRetryable(err) {
		class := string(ClassOf(err))
		retryExhaustedTotal.WithLabelValues(class).Inc()
		log.Warn().
			Str("error_class", class).
			Int("max_attempts", maxAttempts).
			Msg("Retry attempts exhausted")
		return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, err)
	}

	return err
}
