package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()

	if p.MaxRetries != 1 {
		t.Errorf("MaxRetries = %d, want 1", p.MaxRetries)
	}
	if p.BackoffUnit != 5*time.Second {
		t.Errorf("BackoffUnit = %v, want 5s", p.BackoffUnit)
	}
}

func TestRetryPolicy_Decide(t *testing.T) {
	failure := errors.New("transfer interrupted")
	policy := RetryPolicy{MaxRetries: 3, BackoffUnit: 5 * time.Second}

	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		err     error
		want    Decision
	}{
		{"first failure", policy, 1, failure, Decision{Retry: true, Delay: 5 * time.Second}},
		{"second failure backs off linearly", policy, 2, failure, Decision{Retry: true, Delay: 10 * time.Second}},
		{"last allowed retry", policy, 3, failure, Decision{Retry: true, Delay: 15 * time.Second}},
		{"bound reached", policy, 4, failure, Decision{}},
		{"no error", policy, 1, nil, Decision{}},
		{"cancelled", policy, 1, context.Canceled, Decision{}},
		{"zero retries", RetryPolicy{BackoffUnit: time.Second}, 1, failure, Decision{}},
		{
			name:    "filtered out",
			policy:  RetryPolicy{MaxRetries: 3, BackoffUnit: time.Second, Retryable: IsTransient},
			attempt: 1,
			err:     failure,
			want:    Decision{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Decide(tt.attempt, tt.err); got != tt.want {
				t.Errorf("Decide(%d) = %+v, want %+v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestRetryPolicy_DecideIsPure(t *testing.T) {
	p := DefaultRetryPolicy()
	err := errors.New("x")
	first := p.Decide(1, err)
	for i := 0; i < 5; i++ {
		if got := p.Decide(1, err); got != first {
			t.Fatalf("Decide() changed between calls: %+v vs %+v", got, first)
		}
	}
}

func TestRetry_Success(t *testing.T) {
	callCount := 0
	err := Retry(context.Background(), DefaultRetryPolicy(), "test", zerolog.Nop(), func(attempt int) error {
		callCount++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestRetry_SuccessAfterRetry(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 1, BackoffUnit: 20 * time.Millisecond}

	var attempts []int
	start := time.Now()
	err := Retry(context.Background(), policy, "test", zerolog.Nop(), func(attempt int) error {
		attempts = append(attempts, attempt)
		if attempt == 1 {
			return errors.New("temporary error")
		}
		return nil
	})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Expected success after retry, got %v", err)
	}
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("attempts = %v, want [1 2]", attempts)
	}
	if elapsed < 20*time.Millisecond {
		t.Errorf("Elapsed time %v too short, expected one backoff of 20ms", elapsed)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 2, BackoffUnit: time.Millisecond}
	lastErr := errors.New("still failing")

	callCount := 0
	err := Retry(context.Background(), policy, "test", zerolog.Nop(), func(attempt int) error {
		callCount++
		return lastErr
	})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Expected ErrRetryExhausted, got %v", err)
	}
	if !errors.Is(err, lastErr) {
		t.Errorf("exhaustion should wrap the last error: %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls (1 + 2 retries), got %d", callCount)
	}
}

func TestRetry_NonRetryableReturnedAsIs(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BackoffUnit: time.Millisecond, Retryable: IsTransient}
	clientErr := &CatalogueError{StatusCode: 400, ErrorClass: ErrorClassClient}

	callCount := 0
	err := Retry(context.Background(), policy, "test", zerolog.Nop(), func(attempt int) error {
		callCount++
		return fmt.Errorf("wrapped: %w", clientErr)
	})

	if callCount != 1 {
		t.Errorf("Expected 1 call for a client error, got %d", callCount)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("a non-retryable error is not an exhaustion")
	}
	var cerr *CatalogueError
	if !errors.As(err, &cerr) {
		t.Errorf("Expected CatalogueError, got %v", err)
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxRetries: 5, BackoffUnit: time.Hour}

	callCount := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, policy, "test", zerolog.Nop(), func(attempt int) error {
		callCount++
		return errors.New("fails")
	})

	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call before cancellation, got %d", callCount)
	}
}

func TestRetry_ContextCancelledDuringAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxRetries: 5, BackoffUnit: time.Millisecond}

	callCount := 0
	err := Retry(ctx, policy, "test", zerolog.Nop(), func(attempt int) error {
		callCount++
		cancel()
		return ctx.Err()
	})

	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("cancellation must never be retried, got %d calls", callCount)
	}
}
