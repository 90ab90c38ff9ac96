// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package batch accumulates signals into similarity-grouped reasoning
// batches, trading latency for fewer oracle calls. A wait timer flushes
// accumulated signals; urgency, a previously empty queue, or a full batch
// dispatch immediately.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/sentinel/services/grouping"
	"github.com/AleutianAI/sentinel/services/signal"
)

// Default coordinator configuration.
const (
	DefaultMaxBatchSize         = 10
	DefaultBatchWaitTime        = 30 * time.Second
	DefaultMaxConcurrentBatches = 3
	DefaultHistorySize          = 50

	// Savings estimate constants: what one avoided individual oracle
	// call is worth, versus the marginal cost of adding a signal to a
	// shared call.
	tokensPerIndividualCall = 600
	tokensPerBatchedSignal  = 250
	msPerOracleCall         = 2000
)

// Dispatch reasons recorded on results and logs.
const (
	ReasonTimer      = "timer"
	ReasonEmptyQueue = "empty_queue"
	ReasonUrgency    = "urgency"
	ReasonFull       = "queue_full"
	ReasonShutdown   = "shutdown"
)

// Config configures the batch coordinator.
type Config struct {
	MaxBatchSize         int
	BatchWaitTime        time.Duration
	MaxConcurrentBatches int64
	SimilarityThreshold  float64
	HistorySize          int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:         DefaultMaxBatchSize,
		BatchWaitTime:        DefaultBatchWaitTime,
		MaxConcurrentBatches: DefaultMaxConcurrentBatches,
		SimilarityThreshold:  grouping.DefaultThreshold,
		HistorySize:          DefaultHistorySize,
	}
}

// ResultHandler receives each signal's classification once its batch
// completes. Signals whose group call failed are delivered with a nil
// classification so the caller can route them through the individual path.
type ResultHandler func(sig *signal.Signal, cls *signal.Classification)

// Coordinator owns the pending batch and its wait timer.
//
// Thread Safety: safe for concurrent use.
type Coordinator struct {
	mu      sync.Mutex
	pending []*signal.QueuedSignal
	timer   *time.Timer
	closed  bool

	grouper   *grouping.Grouper
	processor GroupProcessor
	handler   ResultHandler
	backlog   func() int
	sem       *semaphore.Weighted
	config    Config

	history   []*signal.BatchResult
	historyMu sync.Mutex

	wg sync.WaitGroup

	batchesDispatched   atomic.Int64
	signalsBatched      atomic.Int64
	immediateDispatches atomic.Int64
	tokensSaved         atomic.Int64
	timeSavedMs         atomic.Int64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBacklog supplies the admission queue depth. With no backlog source,
// or a zero backlog, an arrival into an empty pending batch dispatches
// immediately: there is nothing coming worth waiting for.
func WithBacklog(depth func() int) Option {
	return func(c *Coordinator) { c.backlog = depth }
}

// NewCoordinator creates a coordinator. handler must be non-nil.
func NewCoordinator(processor GroupProcessor, handler ResultHandler, config Config, opts ...Option) *Coordinator {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = DefaultMaxBatchSize
	}
	if config.BatchWaitTime <= 0 {
		config.BatchWaitTime = DefaultBatchWaitTime
	}
	if config.MaxConcurrentBatches <= 0 {
		config.MaxConcurrentBatches = DefaultMaxConcurrentBatches
	}
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultHistorySize
	}
	c := &Coordinator{
		grouper:   grouping.NewGrouper(config.SimilarityThreshold),
		processor: processor,
		handler:   handler,
		sem:       semaphore.NewWeighted(config.MaxConcurrentBatches),
		config:    config,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add queues a signal for batching. Immediate dispatch happens when the
// pending batch was empty before this arrival, the signal carries an
// urgency keyword, or the batch is now full; otherwise the wait timer is
// (re)armed.
func (c *Coordinator) Add(qs *signal.QueuedSignal) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("batch coordinator is shut down")
	}

	wasEmpty := len(c.pending) == 0
	c.pending = append(c.pending, qs)

	switch {
	case signal.HasUrgencyKeyword(qs.Signal):
		c.flushLocked(ReasonUrgency)
	case wasEmpty && c.backlogDepth() == 0:
		c.flushLocked(ReasonEmptyQueue)
	case len(c.pending) >= c.config.MaxBatchSize:
		c.flushLocked(ReasonFull)
	default:
		c.armTimerLocked()
	}
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) backlogDepth() int {
	if c.backlog == nil {
		return 0
	}
	return c.backlog()
}

// armTimerLocked (re)starts the wait timer. Must hold mu.
func (c *Coordinator) armTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.config.BatchWaitTime, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.closed {
			c.flushLocked(ReasonTimer)
		}
	})
}

// flushLocked dispatches up to MaxBatchSize pending signals. Must hold mu.
func (c *Coordinator) flushLocked(reason string) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if len(c.pending) == 0 {
		return
	}

	n := len(c.pending)
	if n > c.config.MaxBatchSize {
		n = c.config.MaxBatchSize
	}
	batch := c.pending[:n:n]
	c.pending = append([]*signal.QueuedSignal(nil), c.pending[n:]...)

	if reason != ReasonTimer && reason != ReasonShutdown {
		c.immediateDispatches.Add(1)
	}

	c.wg.Add(1)
	go c.runBatch(batch, reason)

	// Anything left behind waits for the next timer.
	if len(c.pending) > 0 {
		c.armTimerLocked()
	}
}

// runBatch groups a dispatched batch and drives each group through the
// processor, bounded by the concurrency semaphore.
func (c *Coordinator) runBatch(batch []*signal.QueuedSignal, reason string) {
	defer c.wg.Done()

	ctx := context.Background()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer c.sem.Release(1)

	signals := make([]*signal.Signal, len(batch))
	for i, qs := range batch {
		signals[i] = qs.Signal
	}
	groups := c.grouper.Group(signals)

	result := &signal.BatchResult{
		BatchID:   uuid.NewString(),
		PerSignal: make(map[string]*signal.Classification),
	}

	slog.Info("dispatching batch",
		"batch_id", result.BatchID,
		"reason", reason,
		"signals", len(signals),
		"groups", len(groups))

	for _, group := range groups {
		classifications, calls, err := c.processor.ProcessGroup(ctx, group)
		result.LLMCallsMade += calls
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			slog.Warn("group classification failed",
				"batch_id", result.BatchID,
				"group_size", len(group.Signals),
				"error", err)
		}
		for _, sig := range group.Signals {
			cls := classifications[sig.ID] // nil when the group call failed
			result.PerSignal[sig.ID] = cls
			c.handler(sig, cls)
		}
	}

	c.recordSavings(result, len(signals))
	c.appendHistory(result)
	c.batchesDispatched.Add(1)
	c.signalsBatched.Add(int64(len(signals)))
}

// recordSavings estimates what the batch saved versus one call per signal.
func (c *Coordinator) recordSavings(result *signal.BatchResult, signalCount int) {
	baselineTokens := signalCount * tokensPerIndividualCall
	batchTokens := result.LLMCallsMade*tokensPerIndividualCall +
		(signalCount-result.LLMCallsMade)*tokensPerBatchedSignal
	if saved := baselineTokens - batchTokens; saved > 0 {
		result.TokensSaved = saved
	}

	if avoided := signalCount - result.LLMCallsMade; avoided > 0 {
		result.TimeSavedMs = int64(avoided) * msPerOracleCall
	}

	result.CompletedAt = time.Now()
	c.tokensSaved.Add(int64(result.TokensSaved))
	c.timeSavedMs.Add(result.TimeSavedMs)
}

// appendHistory stores a result in the bounded ring.
func (c *Coordinator) appendHistory(result *signal.BatchResult) {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	c.history = append(c.history, result)
	if len(c.history) > c.config.HistorySize {
		c.history = c.history[len(c.history)-c.config.HistorySize:]
	}
}

// History returns a copy of the retained batch results, oldest first.
func (c *Coordinator) History() []*signal.BatchResult {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	return append([]*signal.BatchResult(nil), c.history...)
}

// PendingCount returns how many signals await the next flush.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stats is a point-in-time savings summary.
type Stats struct {
	BatchesDispatched   int64 `json:"batches_dispatched"`
	SignalsBatched      int64 `json:"signals_batched"`
	ImmediateDispatches int64 `json:"immediate_dispatches"`
	TokensSaved         int64 `json:"tokens_saved"`
	TimeSavedMs         int64 `json:"time_saved_ms"`
	Pending             int   `json:"pending"`
}

// Stats returns the aggregate savings counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		BatchesDispatched:   c.batchesDispatched.Load(),
		SignalsBatched:      c.signalsBatched.Load(),
		ImmediateDispatches: c.immediateDispatches.Load(),
		TokensSaved:         c.tokensSaved.Load(),
		TimeSavedMs:         c.timeSavedMs.Load(),
		Pending:             c.PendingCount(),
	}
}

// Shutdown flushes any pending signals and waits for in-flight batches,
// bounded by ctx.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	// Drain everything, not just one batch worth.
	for len(c.pending) > 0 {
		c.flushLocked(ReasonShutdown)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
