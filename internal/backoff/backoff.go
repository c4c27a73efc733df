// Package backoff computes retry delays and retries operations that fail
// with recoverable errors.
package backoff

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Strategy defines how long to wait before a retry
type Strategy interface {
	// Next returns the delay before retry number attempt (0-based)
	Next(attempt int) time.Duration
}

// Exponential implements exponential backoff capped at Max
type Exponential struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the fraction of the delay to randomize (0.0 to 1.0)
	Jitter float64
}

// Default returns the policy used around store and broker calls
func Default() Exponential {
	return Exponential{
		Initial:    100 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// Next calculates the delay for the given attempt using exponential backoff
func (s Exponential) Next(attempt int) time.Duration {
	multiplier := s.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(s.Initial)
	for i := 0; i < attempt; i++ {
		delay *= multiplier
		if s.Max > 0 && delay > float64(s.Max) {
			break
		}
	}

	if s.Max > 0 && delay > float64(s.Max) {
		delay = float64(s.Max)
	}
	if s.Jitter > 0 {
		delay += delay * s.Jitter * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// Retry runs op up to attempts times, sleeping per strategy between attempts
// while retryable reports the error as recoverable. It returns the last error.
func Retry(ctx context.Context, strategy Strategy, attempts int, retryable func(error) bool, op func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		// Don't retry once the caller gave up
		if ctx.Err() != nil || errors.Is(lastErr, context.Canceled) {
			return lastErr
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(strategy.Next(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}
