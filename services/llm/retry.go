// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int `yaml:"max_attempts" validate:"gte=1"`

	// InitialBackoff is the wait before the first retry.
	// Default: 2s
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"gt=0"`

	// MaxBackoff caps every wait.
	// Default: 10s
	MaxBackoff time.Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`

	// BackoffFactor is the multiplier applied after each wait.
	// Default: 2.0
	BackoffFactor float64 `yaml:"backoff_factor" validate:"gte=1"`

	// JitterFactor is the maximum jitter as a fraction of the wait (0-1).
	// Default: 0
	JitterFactor float64 `yaml:"jitter_factor" validate:"gte=0,lte=1"`
}

// DefaultRetryPolicy returns 3 attempts with 2s, 4s waits capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
	}
}

// Validate checks if the retry policy is usable.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 || p.InitialBackoff <= 0 || p.MaxBackoff < p.InitialBackoff ||
		p.BackoffFactor < 1.0 || p.JitterFactor < 0 || p.JitterFactor > 1 {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// Schedule returns the jitter-free waits between attempts.
//
// The result has MaxAttempts-1 entries. DefaultRetryPolicy yields [2s 4s].
func (p RetryPolicy) Schedule() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	waits := make([]time.Duration, 0, p.MaxAttempts-1)
	backoff := p.InitialBackoff
	for i := 1; i < p.MaxAttempts; i++ {
		waits = append(waits, backoff)
		backoff = nextBackoff(backoff, p.BackoffFactor, p.MaxBackoff)
	}
	return waits
}

// RetryResult contains the outcome of a retry operation.
type RetryResult struct {
	// Attempts is the number of attempts made.
	Attempts int

	// Delays holds each wait actually slept between attempts.
	Delays []time.Duration

	// TotalDuration is the total time spent including waits.
	TotalDuration time.Duration

	// LastError is the error from the last attempt (nil if successful).
	LastError error
}

// Exhausted reports whether every attempt failed with a retryable error.
func (r RetryResult) Exhausted(p RetryPolicy) bool {
	return r.Attempts >= p.MaxAttempts && IsRetryable(r.LastError)
}

// RetryableFunc is a function that can be retried.
// attempt starts at 1.
type RetryableFunc func(ctx context.Context, attempt int) error

// RetryNotifyFunc is called before each wait with the failed attempt number,
// its error and the wait about to be slept.
type RetryNotifyFunc func(attempt int, err error, wait time.Duration)

// Retry executes fn with exponential backoff.
//
// # Description
//
// fn is retried only while it returns a TransientError. Any other error,
// or a done context, returns immediately. Waits use a timer that is
// stopped when ctx is cancelled, so nothing lingers after the caller
// goes away.
//
// # Inputs
//
//   - ctx: Context for cancellation. Must not be nil.
//   - policy: Retry policy.
//   - fn: The function to execute.
//
// # Outputs
//
//   - RetryResult: Statistics about the retry operation.
//   - error: The last error if all attempts failed, nil on success.
//
// # Examples
//
//	result, err := Retry(ctx, DefaultRetryPolicy(), func(ctx context.Context, attempt int) error {
//	    text, err = backend.Complete(ctx, model, msgs)
//	    return err
//	})
func Retry(ctx context.Context, policy RetryPolicy, fn RetryableFunc) (RetryResult, error) {
	return RetryNotify(ctx, policy, fn, nil)
}

// RetryNotify is Retry with a callback invoked before every wait.
func RetryNotify(ctx context.Context, policy RetryPolicy, fn RetryableFunc, notify RetryNotifyFunc) (RetryResult, error) {
	start := time.Now()
	result := RetryResult{}

	backoff := policy.InitialBackoff

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.LastError = err
			result.TotalDuration = time.Since(start)
			return result, err
		}

		err := fn(ctx, attempt)
		if err == nil {
			result.LastError = nil
			result.TotalDuration = time.Since(start)
			return result, nil
		}
		result.LastError = err

		if !IsRetryable(err) {
			result.TotalDuration = time.Since(start)
			return result, err
		}

		// Don't wait after the last attempt
		if attempt == policy.MaxAttempts {
			break
		}

		wait := calculateBackoff(backoff, policy.JitterFactor)
		if notify != nil {
			notify(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result, ctx.Err()
		case <-timer.C:
		}
		result.Delays = append(result.Delays, wait)

		backoff = nextBackoff(backoff, policy.BackoffFactor, policy.MaxBackoff)
	}

	result.TotalDuration = time.Since(start)
	return result, result.LastError
}

// calculateBackoff applies jitter in the range [base*(1-j), base*(1+j)].
func calculateBackoff(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return base
	}
	jitter := (rand.Float64()*2 - 1) * jitterFactor
	return time.Duration(float64(base) * (1.0 + jitter))
}

func nextBackoff(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}
