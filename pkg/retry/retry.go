// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retry provides exponential backoff retries and a circuit breaker
// for the two suspending call sites in Sentinel: reasoning oracle calls and
// outbound event emissions.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrPermanent marks an error that must not be retried. Wrap failures with
// Permanent() to stop the retry loop immediately.
var ErrPermanent = errors.New("permanent error")

// Permanent wraps err so IsRetryable reports false for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
func (e *permanentError) Is(target error) bool {
	return target == ErrPermanent
}

// IsRetryable reports whether an error should trigger another attempt.
// Context cancellation and permanent errors are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, ErrPermanent)
}

// Config configures retry behavior with exponential backoff.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int

	// InitialBackoff is the wait before the first retry. Default: 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between retries. Default: 30s.
	MaxBackoff time.Duration

	// BackoffFactor is the exponential multiplier. Default: 2.0.
	BackoffFactor float64

	// JitterFactor is the maximum jitter as a fraction of backoff (0-1).
	// Prevents thundering herd. Default: 0.2.
	JitterFactor float64
}

// DefaultConfig returns the oracle-call retry defaults: 3 attempts with
// 1s, 2s, 4s backoff and 20% jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return errors.New("MaxAttempts must be >= 1")
	}
	if c.InitialBackoff <= 0 {
		return errors.New("InitialBackoff must be > 0")
	}
	if c.MaxBackoff < c.InitialBackoff {
		return errors.New("MaxBackoff must be >= InitialBackoff")
	}
	if c.BackoffFactor < 1.0 {
		return errors.New("BackoffFactor must be >= 1.0")
	}
	return nil
}

// Result contains the outcome of a retry operation.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int

	// TotalDuration is the total time spent including waits.
	TotalDuration time.Duration

	// LastError is the error from the last attempt (nil if successful).
	LastError error
}

// Func is a retryable operation. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// Do executes fn with exponential backoff.
//
// The function is retried only while IsRetryable returns true for its error.
// Context cancellation aborts immediately, including mid-wait.
//
// Example:
//
//	result, err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context, attempt int) error {
//	    return oracle.Classify(ctx, prompt)
//	})
func Do(ctx context.Context, config Config, fn Func) (Result, error) {
	start := time.Now()
	result := Result{}

	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.LastError = err
			result.TotalDuration = time.Since(start)
			return result, err
		}

		err := fn(ctx, attempt)
		if err == nil {
			result.TotalDuration = time.Since(start)
			return result, nil
		}
		result.LastError = err

		if !IsRetryable(err) {
			result.TotalDuration = time.Since(start)
			return result, err
		}

		// Don't wait after the last attempt.
		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result, ctx.Err()
		case <-time.After(withJitter(backoff, config.JitterFactor)):
		}

		backoff = nextBackoff(backoff, config.BackoffFactor, config.MaxBackoff)
	}

	result.TotalDuration = time.Since(start)
	return result, result.LastError
}

// DoWithBreaker combines Do with circuit breaker protection.
//
// If the breaker is open, returns ErrCircuitOpen without attempting the
// call. Each attempt records success or failure on the breaker.
func DoWithBreaker(ctx context.Context, cb *CircuitBreaker, config Config, fn Func) (Result, error) {
	start := time.Now()
	result := Result{}

	if !cb.Allow() {
		result.LastError = ErrCircuitOpen
		result.TotalDuration = time.Since(start)
		return result, ErrCircuitOpen
	}

	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.LastError = err
			result.TotalDuration = time.Since(start)
			return result, err
		}

		if attempt > 1 && !cb.Allow() {
			result.LastError = ErrCircuitOpen
			result.TotalDuration = time.Since(start)
			return result, ErrCircuitOpen
		}

		err := fn(ctx, attempt)
		if err == nil {
			cb.RecordSuccess()
			result.TotalDuration = time.Since(start)
			return result, nil
		}

		cb.RecordFailure()
		result.LastError = err

		if !IsRetryable(err) {
			result.TotalDuration = time.Since(start)
			return result, err
		}

		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result, ctx.Err()
		case <-time.After(withJitter(backoff, config.JitterFactor)):
		}

		backoff = nextBackoff(backoff, config.BackoffFactor, config.MaxBackoff)
	}

	result.TotalDuration = time.Since(start)
	return result, result.LastError
}

// withJitter spreads the backoff across [base*(1-jitter), base*(1+jitter)].
func withJitter(base time.Duration, jitterFactor float64) time.Duration {
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
