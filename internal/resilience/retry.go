package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// Policy bounds a retried operation. Delay before attempt k (k >= 2) is
// min(BaseDelay * Multiplier^(k-2), MaxDelay), plus up to a quarter of the
// computed delay when Jitter is enabled.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

// DefaultUploadPolicy is the part-upload contract: one initial attempt and
// two retries.
func DefaultUploadPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2,
		Jitter:      true,
	}
}

// Classifier decides whether an error is worth another attempt. It is
// supplied by the caller; the executor has no opinion on error semantics.
type Classifier func(error) bool

// Result annotates a successful value with the attempt that produced it.
type Result[T any] struct {
	Value    T
	Attempts int
}

// RetryExhaustedError wraps the last failure after all attempts were spent.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// Do runs op sequentially up to p.MaxAttempts times, sleeping with
// exponential backoff between attempts. Cancellation is cooperative: the
// context is checked before every attempt and interrupts the backoff sleep.
// A non-retryable error aborts immediately.
func Do[T any](ctx context.Context, p Policy, retryable Classifier, op func(ctx context.Context) (T, error)) (Result[T], error) {
	var zero Result[T]
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		value, err := op(ctx)
		if err == nil {
			return Result[T]{Value: value, Attempts: attempt}, nil
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return zero, err
		}
		if attempt == p.MaxAttempts {
			break
		}
		delay := p.delayFor(attempt + 1)
		slog.Debug("Retrying after failure", "attempt", attempt, "delay", delay, "err", err)
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, &RetryExhaustedError{Attempts: p.MaxAttempts, Err: lastErr}
}

// delayFor computes the backoff before the given attempt number.
func (p Policy) delayFor(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt-2)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && d > 0 {
		d += time.Duration(rand.Int63n(int64(d)/4 + 1))
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
