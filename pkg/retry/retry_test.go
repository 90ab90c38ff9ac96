// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 || result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got calls=%d attempts=%d", calls, result.Attempts)
	}
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	wantErr := errors.New("always failing")
	result, err := Do(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected last error back, got %v", err)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(errors.New("schema rejected"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("permanent error should not retry, got %d calls", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Do(ctx, fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Errorf("cancelled context should prevent all attempts, got %d", calls)
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
	if IsRetryable(context.DeadlineExceeded) {
		t.Error("deadline exceeded is not retryable")
	}
	if IsRetryable(Permanent(errors.New("x"))) {
		t.Error("permanent errors are not retryable")
	}
	if !IsRetryable(errors.New("transient")) {
		t.Error("plain errors are retryable")
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		FailureThreshold:    3,
		ResetTimeout:        time.Hour,
		HalfOpenMaxRequests: 1,
		SuccessThreshold:    1,
	})

	for i := 0; i < 3; i++ {
		if !cb.Allow() {
			t.Fatalf("breaker should be closed at failure %d", i)
		}
		cb.RecordFailure()
	}

	if cb.State() != CircuitOpen {
		t.Errorf("expected open state, got %s", cb.State())
	}
	if cb.Allow() {
		t.Error("open breaker should reject")
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		FailureThreshold:    1,
		ResetTimeout:        time.Millisecond,
		HalfOpenMaxRequests: 2,
		SuccessThreshold:    2,
	})

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatal("expected open after single failure")
	}

	time.Sleep(5 * time.Millisecond)

	// First Allow transitions to half-open.
	if !cb.Allow() {
		t.Fatal("expected probe allowed after reset timeout")
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}

	cb.RecordSuccess()
	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after success threshold, got %s", cb.State())
	}
}

func TestDoWithBreaker_RejectsWhenOpen(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		FailureThreshold:    1,
		ResetTimeout:        time.Hour,
		HalfOpenMaxRequests: 1,
		SuccessThreshold:    1,
	})
	cb.RecordFailure()

	calls := 0
	_, err := DoWithBreaker(context.Background(), cb, fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 0 {
		t.Errorf("open breaker should prevent calls, got %d", calls)
	}
}
