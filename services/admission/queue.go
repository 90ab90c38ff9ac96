// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package admission implements the bounded priority queue that fronts the
// triage pipeline. Signals are admitted under a capacity bound with
// lowest-priority eviction on overflow, and consumed under a sliding
// 60-second rate budget.
//
// Overflow never raises an error: either one strictly lower-priority queued
// signal is evicted to make room, or the incoming signal itself is dropped.
// Both outcomes are counted so no signal is ever silently lost.
package admission

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/sentinel/services/signal"
)

// Default configuration values.
const (
	DefaultMaxQueueSize        = 100
	DefaultMaxSignalsPerMinute = 60
	DefaultPollInterval        = 500 * time.Millisecond

	rateWindow = time.Minute
)

// Config holds admission gate configuration.
type Config struct {
	// MaxQueueSize bounds the queue. Default: 100.
	MaxQueueSize int

	// MaxSignalsPerMinute is the dequeue budget inside a sliding
	// 60-second window. 0 disables rate limiting. Default: 60.
	MaxSignalsPerMinute int

	// PollInterval is how long DequeueWait sleeps between polls on an
	// empty queue. Default: 500ms.
	PollInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:        DefaultMaxQueueSize,
		MaxSignalsPerMinute: DefaultMaxSignalsPerMinute,
		PollInterval:        DefaultPollInterval,
	}
}

// Stats is a snapshot of gate counters.
type Stats struct {
	Depth        int   `json:"depth"`
	Enqueued     int64 `json:"enqueued"`
	Dequeued     int64 `json:"dequeued"`
	DroppedNew   int64 `json:"dropped_new"`
	Evicted      int64 `json:"evicted"`
	RateDeferred int64 `json:"rate_deferred"`
}

// Gate is the admission gate: a bounded three-level priority queue with a
// sliding-window rate limiter on the consumer side.
//
// Priority ordering is total (high > normal > low). Within a priority level
// FIFO is preserved on dequeue; batching downstream may still reorder.
//
// Thread Safety: safe for concurrent use.
type Gate struct {
	mu     sync.Mutex
	config Config
	// queues is indexed by signal.Priority; each level is FIFO.
	queues [3][]*signal.QueuedSignal
	depth  int
	window *slidingWindow

	enqueued     atomic.Int64
	dequeued     atomic.Int64
	droppedNew   atomic.Int64
	evicted      atomic.Int64
	rateDeferred atomic.Int64
}

// NewGate creates an admission gate. Zero-valued config fields use defaults.
func NewGate(config Config) *Gate {
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = DefaultMaxQueueSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	return &Gate{
		config: config,
		window: newSlidingWindow(config.MaxSignalsPerMinute, rateWindow),
	}
}

// Enqueue admits a signal at the given priority.
//
// Returns true if the signal was admitted. On a full queue, one strictly
// lower-priority queued signal is evicted to make room (the most recent
// arrival in the lowest non-empty level); if no lower-priority signal
// exists, the incoming signal is dropped and false is returned. Both
// outcomes are counted, never raised as errors.
func (g *Gate) Enqueue(sig *signal.Signal, priority signal.Priority) bool {
	qs := &signal.QueuedSignal{
		Signal:     sig,
		Priority:   priority,
		EnqueuedAt: time.Now(),
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.depth >= g.config.MaxQueueSize {
		if !g.evictLowerThanLocked(priority) {
			g.droppedNew.Add(1)
			slog.Warn("admission queue full, dropping incoming signal",
				"signal_id", sig.ID,
				"priority", priority.String(),
				"queue_size", g.depth,
			)
			return false
		}
	}

	g.queues[priority] = append(g.queues[priority], qs)
	g.depth++
	g.enqueued.Add(1)
	return true
}

// Dequeue removes the highest-priority signal, oldest first within a level.
// Returns false when the queue is empty or the rate window is spent; it
// never blocks.
func (g *Gate) Dequeue() (*signal.QueuedSignal, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.depth == 0 {
		return nil, false
	}
	if !g.window.Allow() {
		g.rateDeferred.Add(1)
		return nil, false
	}
	return g.popLocked()
}

// DequeueWait blocks until a signal is available and the rate budget allows
// consuming it, or until the context is done. The wait is a bounded poll,
// never a tight spin: on an empty queue it sleeps PollInterval, and on an
// exhausted rate window it sleeps until the window rolls (capped at
// PollInterval so shutdown stays responsive).
func (g *Gate) DequeueWait(ctx context.Context) (*signal.QueuedSignal, error) {
	for {
		g.mu.Lock()
		empty := g.depth == 0
		var qs *signal.QueuedSignal
		var ok bool
		if !empty {
			if g.window.Allow() {
				qs, ok = g.popLocked()
			} else {
				g.rateDeferred.Add(1)
			}
		}
		g.mu.Unlock()

		if ok {
			return qs, nil
		}

		wait := g.config.PollInterval
		if !empty {
			if d := g.window.NextAllowed(); d > 0 && d < wait {
				wait = d
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Depth returns the current queue size.
func (g *Gate) Depth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.depth
}

// DrainUpTo removes and returns up to n signals in priority order, bypassing
// the rate window. Used at shutdown to hand still-queued signals to the
// final batch flush once the consumers have stopped.
func (g *Gate) DrainUpTo(n int) []*signal.QueuedSignal {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*signal.QueuedSignal, 0, n)
	for len(out) < n {
		qs, ok := g.popLocked()
		if !ok {
			break
		}
		out = append(out, qs)
	}
	return out
}

// Stats returns a snapshot of gate counters.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	depth := g.depth
	g.mu.Unlock()

	return Stats{
		Depth:        depth,
		Enqueued:     g.enqueued.Load(),
		Dequeued:     g.dequeued.Load(),
		DroppedNew:   g.droppedNew.Load(),
		Evicted:      g.evicted.Load(),
		RateDeferred: g.rateDeferred.Load(),
	}
}

// popLocked removes the head of the highest non-empty priority level.
// Must be called with the lock held.
func (g *Gate) popLocked() (*signal.QueuedSignal, bool) {
	for p := signal.PriorityHigh; p >= signal.PriorityLow; p-- {
		q := g.queues[p]
		if len(q) == 0 {
			continue
		}
		qs := q[0]
		g.queues[p] = q[1:]
		g.depth--
		g.dequeued.Add(1)
		return qs, true
	}
	return nil, false
}

// evictLowerThanLocked evicts the earliest-arrived signal from the lowest
// non-empty priority level strictly below the incoming priority. Returns
// false when every queued signal has the same or higher priority. Must be
// called with the lock held.
func (g *Gate) evictLowerThanLocked(incoming signal.Priority) bool {
	for p := signal.PriorityLow; p < incoming; p++ {
		q := g.queues[p]
		if len(q) == 0 {
			continue
		}
		victim := q[0]
		g.queues[p] = q[1:]
		g.depth--
		g.evicted.Add(1)
		slog.Warn("admission queue full, evicting lower-priority signal",
			"evicted_signal_id", victim.Signal.ID,
			"evicted_priority", p.String(),
			"incoming_priority", incoming.String(),
		)
		return true
	}
	return false
}
