// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline sequences the per-signal processing stages:
// preprocess, classify, decide, extract, build-parameters. Stage failures
// are handled per stage: auxiliary stages fall back and continue, the
// reasoning stages short-circuit into a safe escalation.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/sentinel/pkg/retry"
	"github.com/AleutianAI/sentinel/services/cache"
	"github.com/AleutianAI/sentinel/services/decision"
	"github.com/AleutianAI/sentinel/services/llm"
	"github.com/AleutianAI/sentinel/services/signal"
)

var tracer = otel.Tracer("sentinel.pipeline")

// Stage names, in execution order.
const (
	StagePreprocess      = "preprocess"
	StageClassify        = "classify"
	StageDecide          = "decide"
	StageExtract         = "extract"
	StageBuildParameters = "build_parameters"
)

// Decay applied to overall confidence per recorded error.
const errorConfidenceDecay = 0.9

// humanReviewThreshold: either stage below this forces human review.
const humanReviewThreshold = 0.5

// maxBodyLength bounds the body passed to the oracle after preprocessing.
const maxBodyLength = 8000

// Config configures the pipeline.
type Config struct {
	OracleTimeout time.Duration
	Temperature   float32
	Retry         retry.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		OracleTimeout: 30 * time.Second,
		Temperature:   0.2,
		Retry:         retry.DefaultConfig(),
	}
}

// Result is the terminal state of one signal's run through the pipeline.
type Result struct {
	SignalID            string
	Classification      *signal.Classification
	Decision            *signal.Decision
	Strategy            decision.Strategy
	StageTimings        map[string]time.Duration
	Errors              []string
	Warnings            int
	Confidence          float64
	RequiresHumanReview bool
	CompletedAt         time.Time
}

// Pipeline runs signals through the staged state machine.
//
// Thread Safety: safe for concurrent use.
type Pipeline struct {
	oracle   llm.Oracle
	clsCache *cache.ClassificationCache
	workflow *decision.Workflow
	validate *validator.Validate
	config   Config

	processed atomic.Int64
	escalated atomic.Int64
	warnings  atomic.Int64
}

// New creates a pipeline. The classification cache is optional; when nil
// every classification hits the oracle.
func New(oracle llm.Oracle, workflow *decision.Workflow, clsCache *cache.ClassificationCache, config Config) *Pipeline {
	if config.OracleTimeout <= 0 {
		config.OracleTimeout = 30 * time.Second
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = retry.DefaultConfig()
	}
	return &Pipeline{
		oracle:   oracle,
		clsCache: clsCache,
		workflow: workflow,
		validate: validator.New(),
		config:   config,
	}
}

// Process runs one signal through every stage and always returns a usable
// Result: reasoning-stage failures produce a safe escalation rather than an
// error, so the caller can publish an outcome for every admitted signal.
func (p *Pipeline) Process(ctx context.Context, sig *signal.Signal) *Result {
	ctx, span := tracer.Start(ctx, "Pipeline.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("signal.id", sig.ID),
		attribute.String("signal.source", string(sig.Source)),
	)

	res := &Result{
		SignalID:     sig.ID,
		StageTimings: make(map[string]time.Duration),
	}
	p.processed.Add(1)

	// preprocess: non-fatal, fall back to the unmodified signal.
	working := p.timed(res, StagePreprocess, func() *signal.Signal {
		cleaned, err := preprocess(sig)
		if err != nil {
			p.warn(res, sig.ID, StagePreprocess, err)
			return sig
		}
		return cleaned
	})

	// classify: fatal on failure.
	var cls *signal.Classification
	p.timedErr(res, StageClassify, func() error {
		var err error
		cls, err = p.classify(ctx, working)
		return err
	})
	if cls == nil {
		return p.escalate(res, "classification failed")
	}
	res.Classification = cls

	// decide: fatal on failure.
	var decRes *decision.Result
	p.timedErr(res, StageDecide, func() error {
		var err error
		decRes, err = p.workflow.Decide(ctx, working, cls)
		return err
	})
	if decRes == nil {
		return p.escalate(res, "decision failed")
	}
	res.Decision = decRes.Decision
	res.Strategy = decRes.Strategy

	// extract: conditional on the action, non-fatal.
	var entities map[string]any
	if res.Decision.Action.NeedsExtraction() {
		p.timed(res, StageExtract, func() *signal.Signal {
			var err error
			entities, err = p.extract(ctx, working, res.Decision.Action)
			if err != nil {
				p.warn(res, sig.ID, StageExtract, err)
			}
			return working
		})
	}

	// build-parameters: non-fatal, fall back to a minimal default.
	p.timed(res, StageBuildParameters, func() *signal.Signal {
		if err := buildParameters(working, res.Decision, entities); err != nil {
			p.warn(res, sig.ID, StageBuildParameters, err)
			res.Decision.Parameters = minimalParameters(working)
		}
		return working
	})

	p.finalize(res, cls.Confidence, res.Decision.Confidence)
	return res
}

// classify returns the classification for a signal, consulting the
// classification cache before the oracle. Concurrent classifications of
// identical content share one oracle call.
func (p *Pipeline) classify(ctx context.Context, sig *signal.Signal) (*signal.Classification, error) {
	compute := func(ctx context.Context) (*signal.Classification, error) {
		return p.classifyOracle(ctx, sig)
	}
	if p.clsCache == nil {
		return compute(ctx)
	}
	cls, hit, err := p.clsCache.GetOrCompute(ctx, sig.ContentHash(), compute)
	if err != nil {
		return nil, err
	}
	if hit {
		slog.Debug("classification served from cache", "signal_id", sig.ID)
	}
	return cls, nil
}

func (p *Pipeline) classifyOracle(ctx context.Context, sig *signal.Signal) (*signal.Classification, error) {
	prompt := classificationPrompt(sig)

	var raw string
	result, err := retry.Do(ctx, p.config.Retry, func(ctx context.Context, attempt int) error {
		callCtx, cancel := context.WithTimeout(ctx, p.config.OracleTimeout)
		defer cancel()

		out, err := p.oracle.Generate(callCtx, prompt, llm.GenerationParams{
			Temperature: llm.Float32Ptr(p.config.Temperature),
		})
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("classification oracle call failed after %d attempts: %w",
			result.Attempts, err)
	}

	var cls signal.Classification
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &cls); err != nil {
		return nil, fmt.Errorf("classification is not valid JSON: %w", err)
	}
	if err := p.validate.Struct(&cls); err != nil {
		return nil, fmt.Errorf("classification failed schema validation: %w", err)
	}
	return &cls, nil
}

// extract asks the oracle for the structured entities a task- or
// meeting-creating action needs.
func (p *Pipeline) extract(ctx context.Context, sig *signal.Signal, action signal.Action) (map[string]any, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.config.OracleTimeout)
	defer cancel()

	raw, err := p.oracle.Generate(callCtx, extractionPrompt(sig, action), llm.GenerationParams{
		Temperature: llm.Float32Ptr(0),
	})
	if err != nil {
		return nil, fmt.Errorf("extraction oracle call failed: %w", err)
	}

	var entities map[string]any
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &entities); err != nil {
		return nil, fmt.Errorf("extraction is not valid JSON: %w", err)
	}
	return entities, nil
}

// escalate finishes a pipeline run whose reasoning stage failed: a
// conservative manual-review outcome replaces whatever the oracle would
// have produced.
func (p *Pipeline) escalate(res *Result, reason string) *Result {
	p.escalated.Add(1)
	slog.Warn("pipeline short-circuited to escalation",
		"signal_id", res.SignalID,
		"reason", reason,
		"errors", res.Errors)

	if res.Classification == nil {
		res.Classification = &signal.Classification{
			Urgency:    "high",
			Importance: "high",
			Category:   "unknown",
			Confidence: 0,
			Reasoning:  "fallback: " + reason,
		}
	}
	res.Decision = &signal.Decision{
		Action:           signal.ActionEscalate,
		Parameters:       map[string]any{"reason": reason},
		Confidence:       0,
		Reasoning:        "fallback: " + reason,
		RequiresApproval: true,
	}
	res.RequiresHumanReview = true
	res.Confidence = 0
	res.CompletedAt = time.Now()
	return res
}

// finalize computes overall confidence and the human-review flag.
func (p *Pipeline) finalize(res *Result, clsConfidence, decConfidence float64) {
	confidence := (clsConfidence + decConfidence) / 2
	for range res.Errors {
		confidence *= errorConfidenceDecay
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	res.Confidence = confidence

	res.RequiresHumanReview = res.Decision.RequiresApproval ||
		clsConfidence < humanReviewThreshold ||
		decConfidence < humanReviewThreshold ||
		len(res.Errors) > 1
	res.CompletedAt = time.Now()
}

// timed runs a stage that yields a (possibly replaced) working signal and
// records its duration.
func (p *Pipeline) timed(res *Result, stage string, fn func() *signal.Signal) *signal.Signal {
	start := time.Now()
	out := fn()
	res.StageTimings[stage] = time.Since(start)
	return out
}

// timedErr runs a stage that can fail fatally, recording duration and any
// error.
func (p *Pipeline) timedErr(res *Result, stage string, fn func() error) {
	start := time.Now()
	err := fn()
	res.StageTimings[stage] = time.Since(start)
	if err != nil {
		res.Errors = append(res.Errors, stage+": "+err.Error())
	}
}

// warn records a non-fatal stage failure.
func (p *Pipeline) warn(res *Result, signalID, stage string, err error) {
	res.Warnings++
	res.Errors = append(res.Errors, stage+": "+err.Error())
	p.warnings.Add(1)
	slog.Warn("pipeline stage fell back", "signal_id", signalID, "stage", stage, "error", err)
}

// Stats counters.
func (p *Pipeline) Processed() int64 { return p.processed.Load() }
func (p *Pipeline) Escalated() int64 { return p.escalated.Load() }
func (p *Pipeline) WarningCount() int64 { return p.warnings.Load() }

// ===== Stage helpers =====

// preprocess normalizes a signal before reasoning: trims whitespace,
// collapses control characters, and bounds body length. Errors only on
// signals with no usable content.
func preprocess(sig *signal.Signal) (*signal.Signal, error) {
	body := strings.TrimSpace(sig.Body)
	subject := strings.TrimSpace(sig.Subject)
	if body == "" && subject == "" {
		return nil, fmt.Errorf("signal %s has no content", sig.ID)
	}

	body = strings.Map(func(r rune) rune {
		if r < 32 && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, body)
	if len(body) > maxBodyLength {
		body = body[:maxBodyLength]
	}

	cleaned := *sig
	cleaned.Subject = subject
	cleaned.Body = body
	return &cleaned, nil
}

// buildParameters merges extracted entities and signal provenance into the
// decision's parameter map.
func buildParameters(sig *signal.Signal, dec *signal.Decision, entities map[string]any) error {
	if dec == nil {
		return fmt.Errorf("no decision to build parameters for")
	}
	if dec.Parameters == nil {
		dec.Parameters = map[string]any{}
	}
	for k, v := range entities {
		if _, exists := dec.Parameters[k]; !exists {
			dec.Parameters[k] = v
		}
	}
	for k, v := range minimalParameters(sig) {
		if _, exists := dec.Parameters[k]; !exists {
			dec.Parameters[k] = v
		}
	}
	return nil
}

// minimalParameters is the provenance floor every published action carries.
func minimalParameters(sig *signal.Signal) map[string]any {
	return map[string]any{
		"signal_id": sig.ID,
		"source":    string(sig.Source),
		"sender":    sig.Sender,
		"subject":   sig.Subject,
	}
}

func classificationPrompt(sig *signal.Signal) string {
	var b strings.Builder
	b.WriteString("Classify this signal. Respond with JSON matching ")
	b.WriteString(`{"urgency","importance","category","confidence","reasoning"}.` + "\n")
	b.WriteString("urgency: low|medium|high|critical. importance: low|medium|high.\n\n")
	fmt.Fprintf(&b, "Source: %s\nSender: %s\nSubject: %s\nBody:\n%s\n", sig.Source, sig.Sender, sig.Subject, sig.Body)
	return b.String()
}

func extractionPrompt(sig *signal.Signal, action signal.Action) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Extract the entities needed for a %s action as a JSON object.\n", action)
	if action == signal.ActionScheduleMeeting {
		b.WriteString(`Use keys: "title", "attendees", "proposed_time", "duration_minutes".` + "\n\n")
	} else {
		b.WriteString(`Use keys: "title", "due_date", "assignee", "notes".` + "\n\n")
	}
	fmt.Fprintf(&b, "Sender: %s\nSubject: %s\nBody:\n%s\n", sig.Sender, sig.Subject, sig.Body)
	return b.String()
}
