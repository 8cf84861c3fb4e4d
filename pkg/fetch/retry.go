package fetch

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	cveRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cve_retries_total",
		Help: "Total number of retry attempts after a 429 response",
	})

	cveRetryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cve_retry_backoff_seconds",
		Help:    "Backoff duration before a retry",
		Buckets: []float64{0.1, 0.2, 0.4, 0.8, 1.6, 5},
	})

	cveRetryExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cve_retry_exhausted_total",
		Help: "Total number of lookups that stayed rate limited on every attempt",
	})

	cveErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cve_errors_total",
		Help: "Total lookups recorded as absent by error class",
	}, []string{"class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of requests per identifier (including the initial request).
	MaxAttempts int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// BackoffMultiplier is applied to the backoff after every retry.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration:
// 3 attempts, waiting 100ms then 200ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

// normalize fills zero fields with defaults.
func (c RetryConfig) normalize() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	return c
}

// nextBackoff returns the delay following d.
func (c RetryConfig) nextBackoff(d time.Duration) time.Duration {
	return time.Duration(float64(d) * c.BackoffMultiplier)
}

// waitFunc blocks for d or until ctx is done.
type waitFunc func(ctx context.Context, d time.Duration) error

// sleepContext waits for d with context cancellation support.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
