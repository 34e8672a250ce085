package client

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	hrsiRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hrsi_retries_total",
		Help: "Total number of retry attempts by operation",
	}, []string{"operation"})

	hrsiRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hrsi_retry_backoff_seconds",
		Help:    "Backoff duration before a retry by operation",
		Buckets: []float64{1, 5, 10, 20, 30, 60, 120},
	}, []string{"operation"})

	hrsiRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hrsi_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by operation",
	}, []string{"operation"})
)

// RetryPolicy bounds the attempts of one operation. Attempts are numbered
// from 1; MaxRetries counts the attempts after the first one.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// BackoffUnit is multiplied by the failed attempt number to get the
	// delay before the next attempt.
	BackoffUnit time.Duration

	// Retryable filters errors. Nil retries every error except cancellation.
	Retryable func(error) bool
}

// DefaultRetryPolicy returns the download retry policy: one retry after a
// 5 second pause.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  1,
		BackoffUnit: 5 * time.Second,
	}
}

// Decision is the outcome of a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide returns what to do after attempt failed with err. It has no side
// effects.
func (p RetryPolicy) Decide(attempt int, err error) Decision {
	if err == nil || isCancellation(err) {
		return Decision{}
	}
	if p.Retryable != nil && !p.Retryable(err) {
		return Decision{}
	}
	if attempt > p.MaxRetries {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.BackoffUnit * time.Duration(attempt)}
}

// Retry runs fn until it succeeds or policy gives up. fn receives the
// 1-based attempt number. A non-retryable error is returned as is; running
// out of attempts wraps the last error with ErrRetryExhausted.
func Retry(ctx context.Context, policy RetryPolicy, operation string, logger zerolog.Logger, fn func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Str("operation", operation).
					Int("attempt", attempt).
					Msg("Succeeded after retry")
			}
			return nil
		}

		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}

		decision := policy.Decide(attempt, err)
		if !decision.Retry {
			if isCancellation(err) || (policy.Retryable != nil && !policy.Retryable(err)) {
				return err
			}
			hrsiRetryExhaustedTotal.WithLabelValues(operation).Inc()
			logger.Warn().
				Err(err).
				Str("operation", operation).
				Int("attempts", attempt).
				Msg("Retry attempts exhausted")
			return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, err)
		}

		hrsiRetriesTotal.WithLabelValues(operation).Inc()
		hrsiRetryBackoffSeconds.WithLabelValues(operation).Observe(decision.Delay.Seconds())
		logger.Warn().
			Err(err).
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("backoff", decision.Delay).
			Msg("Attempt failed, retrying after backoff")

		timer := time.NewTimer(decision.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Warn().
				Str("operation", operation).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}
}
