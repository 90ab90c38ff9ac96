// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package decision turns a classified signal into an actionable decision.
// Cheap deterministic checks run first (duplicate suppression, low
// confidence, sensitive-topic escalation); only signals that survive them
// reach the oracle. Oracle output is schema-validated and then adjusted by
// business rules.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/sentinel/pkg/retry"
	"github.com/AleutianAI/sentinel/services/cache"
	"github.com/AleutianAI/sentinel/services/llm"
	"github.com/AleutianAI/sentinel/services/signal"
)

// Strategy is how a decision is scheduled relative to other work.
type Strategy string

const (
	// StrategyImmediate decides now, ahead of any batching.
	StrategyImmediate Strategy = "immediate"

	// StrategyCheckConflicts inspects related-task volume and queue depth
	// before deciding; under contention it degrades to batch.
	StrategyCheckConflicts Strategy = "check_conflicts"

	// StrategyBatch defers the signal to the next batch flush.
	StrategyBatch Strategy = "batch"
)

// Short-circuit reasons reported on Result.
const (
	ShortCircuitDuplicate     = "duplicate"
	ShortCircuitLowConfidence = "low_confidence"
	ShortCircuitSensitive     = "sensitive_topic"
)

// Default workflow configuration.
const (
	DefaultLowConfidenceThreshold = 0.5
	DefaultOracleTimeout          = 30 * time.Second
	DefaultTemperature            = 0.2

	// Contention bounds for check_conflicts.
	DefaultMaxRelatedTasks = 5
	DefaultMaxQueueDepth   = 50
)

// ContextProvider supplies the workload context consulted by the
// check_conflicts strategy. Nil providers mean no contention data, which is
// treated as uncontended.
type ContextProvider interface {
	// RelatedTaskVolume counts open tasks already tied to the sender.
	RelatedTaskVolume(sender string) int

	// QueueDepth is the current admission queue depth.
	QueueDepth() int
}

// Config configures the decision workflow.
type Config struct {
	DedupWindow            time.Duration
	LowConfidenceThreshold float64
	OracleTimeout          time.Duration
	Temperature            float32
	MaxRelatedTasks        int
	MaxQueueDepth          int
	Retry                  retry.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DedupWindow:            DefaultDedupWindow,
		LowConfidenceThreshold: DefaultLowConfidenceThreshold,
		OracleTimeout:          DefaultOracleTimeout,
		Temperature:            DefaultTemperature,
		MaxRelatedTasks:        DefaultMaxRelatedTasks,
		MaxQueueDepth:          DefaultMaxQueueDepth,
		Retry:                  retry.DefaultConfig(),
	}
}

// Result is the decision plus how it was reached.
type Result struct {
	Decision     *signal.Decision
	Strategy     Strategy
	ShortCircuit string
	Violations   []string
	FromCache    bool
}

// Workflow produces decisions for classified signals.
//
// Thread Safety: safe for concurrent use.
type Workflow struct {
	oracle    llm.Oracle
	respCache *cache.ResponseCache
	provider  ContextProvider
	validate  *validator.Validate
	dedup     *dedupWindow
	rules     []BusinessRule
	config    Config

	oracleCalls   atomic.Int64
	shortCircuits atomic.Int64
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithResponseCache enables response caching for oracle decisions.
func WithResponseCache(rc *cache.ResponseCache) Option {
	return func(w *Workflow) { w.respCache = rc }
}

// WithContextProvider supplies workload context for check_conflicts.
func WithContextProvider(p ContextProvider) Option {
	return func(w *Workflow) { w.provider = p }
}

// WithRules replaces the default business rule set.
func WithRules(rules []BusinessRule) Option {
	return func(w *Workflow) { w.rules = rules }
}

// NewWorkflow creates a decision workflow backed by the given oracle.
func NewWorkflow(oracle llm.Oracle, config Config, opts ...Option) *Workflow {
	if config.LowConfidenceThreshold <= 0 {
		config.LowConfidenceThreshold = DefaultLowConfidenceThreshold
	}
	if config.OracleTimeout <= 0 {
		config.OracleTimeout = DefaultOracleTimeout
	}
	if config.MaxRelatedTasks <= 0 {
		config.MaxRelatedTasks = DefaultMaxRelatedTasks
	}
	if config.MaxQueueDepth <= 0 {
		config.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = retry.DefaultConfig()
	}

	w := &Workflow{
		oracle:   oracle,
		validate: validator.New(),
		dedup:    newDedupWindow(config.DedupWindow),
		rules:    DefaultRules(),
		config:   config,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Decide runs the short-circuit checks in order and, when none apply,
// selects a strategy and invokes the oracle.
func (w *Workflow) Decide(ctx context.Context, sig *signal.Signal, cls *signal.Classification) (*Result, error) {
	if sig == nil || cls == nil {
		return nil, fmt.Errorf("decide requires both signal and classification")
	}

	hash := sig.DedupHash()
	if originalID, ok := w.dedup.lookup(hash); ok && originalID != sig.ID {
		w.shortCircuits.Add(1)
		slog.Info("duplicate signal suppressed",
			"signal_id", sig.ID,
			"original_id", originalID)
		return &Result{
			ShortCircuit: ShortCircuitDuplicate,
			Decision: &signal.Decision{
				Action:      signal.ActionIgnore,
				Confidence:  1.0,
				Reasoning:   "duplicate of recently decided signal",
				DuplicateOf: originalID,
			},
		}, nil
	}

	if cls.Confidence < w.config.LowConfidenceThreshold {
		w.shortCircuits.Add(1)
		return &Result{
			ShortCircuit: ShortCircuitLowConfidence,
			Decision: &signal.Decision{
				Action:     signal.ActionClarify,
				Confidence: cls.Confidence,
				Reasoning:  fmt.Sprintf("classification confidence %.2f below threshold", cls.Confidence),
			},
		}, nil
	}

	if reason := sensitiveReason(sig, cls); reason != "" {
		w.shortCircuits.Add(1)
		w.dedup.record(hash, sig.ID)
		slog.Info("sensitive topic escalated", "signal_id", sig.ID, "reason", reason)
		return &Result{
			ShortCircuit: ShortCircuitSensitive,
			Decision: &signal.Decision{
				Action:           signal.ActionEscalate,
				Confidence:       1.0,
				Reasoning:        "sensitive topic: " + reason,
				RequiresApproval: true,
			},
		}, nil
	}

	strategy := w.selectStrategy(sig, cls)

	dec, fromCache, err := w.invokeOracle(ctx, sig, cls, strategy)
	if err != nil {
		return nil, err
	}

	violations := applyRules(w.rules, sig, cls, dec)
	w.dedup.record(hash, sig.ID)

	return &Result{
		Decision:   dec,
		Strategy:   strategy,
		Violations: violations,
		FromCache:  fromCache,
	}, nil
}

// selectStrategy maps classification severity to a scheduling strategy.
func (w *Workflow) selectStrategy(sig *signal.Signal, cls *signal.Classification) Strategy {
	switch {
	case cls.Urgency == "critical", cls.Urgency == "high", cls.Importance == "high":
		return StrategyImmediate
	case cls.Urgency == "medium", cls.Importance == "medium":
		if w.contended(sig) {
			return StrategyBatch
		}
		return StrategyCheckConflicts
	default:
		return StrategyBatch
	}
}

// contended reports whether the workload context argues against deciding
// this signal ahead of the batch.
func (w *Workflow) contended(sig *signal.Signal) bool {
	if w.provider == nil {
		return false
	}
	related := w.provider.RelatedTaskVolume(sig.Sender)
	depth := w.provider.QueueDepth()
	if related > w.config.MaxRelatedTasks || depth > w.config.MaxQueueDepth {
		slog.Debug("deferring decision under contention",
			"signal_id", sig.ID,
			"related_tasks", related,
			"queue_depth", depth)
		return true
	}
	return false
}

// invokeOracle asks the oracle for a decision, consulting the response
// cache first. Oracle calls are retried with exponential backoff and carry
// a per-attempt timeout.
func (w *Workflow) invokeOracle(ctx context.Context, sig *signal.Signal, cls *signal.Classification, strategy Strategy) (*signal.Decision, bool, error) {
	prompt := decisionPrompt(sig, cls, strategy)
	key := cache.ResponseKey(prompt, w.oracle.Model(), float64(w.config.Temperature), "")

	if w.respCache != nil {
		if entry, ok := w.respCache.Get(key); ok {
			dec, err := w.parseDecision(entry.Response)
			if err == nil {
				return dec, true, nil
			}
			slog.Warn("cached decision response failed validation, discarding",
				"signal_id", sig.ID, "error", err)
			w.respCache.InvalidateKey(key)
		}
	}

	var raw string
	result, err := retry.Do(ctx, w.config.Retry, func(ctx context.Context, attempt int) error {
		callCtx, cancel := context.WithTimeout(ctx, w.config.OracleTimeout)
		defer cancel()

		w.oracleCalls.Add(1)
		out, err := w.oracle.Generate(callCtx, prompt, llm.GenerationParams{
			Temperature: llm.Float32Ptr(w.config.Temperature),
		})
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("decision oracle call failed after %d attempts: %w",
			result.Attempts, err)
	}

	dec, err := w.parseDecision(raw)
	if err != nil {
		return nil, false, err
	}

	if w.respCache != nil {
		w.respCache.Set(key, raw, cache.EntryDecision, w.oracle.Model(), sig.ID, string(sig.Source))
	}
	return dec, false, nil
}

// parseDecision validates raw oracle output against the decision schema.
func (w *Workflow) parseDecision(raw string) (*signal.Decision, error) {
	payload := llm.ExtractJSON(raw)

	var dec signal.Decision
	if err := json.Unmarshal([]byte(payload), &dec); err != nil {
		return nil, fmt.Errorf("decision is not valid JSON: %w", err)
	}
	if err := w.validate.Struct(&dec); err != nil {
		return nil, fmt.Errorf("decision failed schema validation: %w", err)
	}
	switch dec.Action {
	case signal.ActionCreateTask, signal.ActionScheduleMeeting, signal.ActionReply,
		signal.ActionIgnore, signal.ActionClarify, signal.ActionEscalate:
	default:
		return nil, fmt.Errorf("decision names unknown action %q", dec.Action)
	}
	if dec.Parameters == nil {
		dec.Parameters = map[string]any{}
	}
	return &dec, nil
}

// OracleCalls returns how many oracle invocations were attempted.
func (w *Workflow) OracleCalls() int64 { return w.oracleCalls.Load() }

// ShortCircuits returns how many decisions bypassed the oracle.
func (w *Workflow) ShortCircuits() int64 { return w.shortCircuits.Load() }

// decisionPrompt renders the decision request. Kept deterministic for a
// given signal/classification/strategy so response-cache keys are stable.
func decisionPrompt(sig *signal.Signal, cls *signal.Classification, strategy Strategy) string {
	var b strings.Builder
	b.WriteString("Decide the next action for this signal. Respond with JSON matching ")
	b.WriteString(`{"action","parameters","confidence","reasoning","requires_approval"}.` + "\n")
	b.WriteString("Allowed actions: create_task, schedule_meeting, reply, ignore, clarify, escalate.\n\n")
	fmt.Fprintf(&b, "Source: %s\nSender: %s\nSubject: %s\nBody:\n%s\n\n", sig.Source, sig.Sender, sig.Subject, sig.Body)
	fmt.Fprintf(&b, "Classification: urgency=%s importance=%s category=%s confidence=%.2f\n",
		cls.Urgency, cls.Importance, cls.Category, cls.Confidence)
	fmt.Fprintf(&b, "Processing strategy: %s\n", strategy)
	return b.String()
}
