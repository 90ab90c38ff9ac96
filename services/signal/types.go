// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package signal defines the core domain types for the Sentinel triage
// control plane: incoming signals, their queued and grouped forms, and the
// classification/decision judgments produced for them.
//
// A Signal is immutable once created. Everything downstream (queue entries,
// groups, classifications, decisions, audit records) derives from it.
package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
)

// =============================================================================
// Sources and Priorities
// =============================================================================

// Source identifies the originating system of a signal.
type Source string

// Known signal sources. These match the inbound event topics consumed from
// the external hub.
const (
	SourceGmail  Source = "gmail"
	SourceSlack  Source = "slack"
	SourceSheets Source = "sheets"
)

// Priority orders signals for admission and dequeue.
type Priority int

// Priority levels. Higher values dequeue first.
const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// ParsePriority maps an inbound priority hint to a Priority.
// Unknown hints default to normal.
func ParsePriority(hint string) Priority {
	switch strings.ToLower(strings.TrimSpace(hint)) {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// String returns the wire form of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// =============================================================================
// Signals
// =============================================================================

// Signal is a normalized unit of incoming activity to be reasoned about.
//
// Signals are immutable: the admission gate, grouper, and pipeline all read
// from the same instance and never mutate it.
type Signal struct {
	ID        string    `json:"id"`
	Source    Source    `json:"source"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body"`
	Sender    string    `json:"sender,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// QueuedSignal is a Signal plus queue bookkeeping. Owned exclusively by the
// admission gate until dequeued.
type QueuedSignal struct {
	Signal     *Signal   `json:"signal"`
	Priority   Priority  `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	RetryCount int       `json:"retry_count"`
}

// SignalGroup is a set of signals that share one reasoning invocation,
// plus metadata derived at grouping time. Groups are created per batch and
// discarded after dispatch.
type SignalGroup struct {
	Signals         []*Signal `json:"signals"`
	CommonSender    string    `json:"common_sender,omitempty"`
	CommonThreadKey string    `json:"common_thread_key,omitempty"`
	MaxUrgencyHint  Priority  `json:"max_urgency_hint"`
	SimilarityScore float64   `json:"similarity_score"`
}

// SenderDomain returns the domain part of an email-style sender address,
// or "" when the sender has no domain.
func SenderDomain(sender string) string {
	idx := strings.LastIndex(sender, "@")
	if idx < 0 || idx == len(sender)-1 {
		return ""
	}
	return strings.ToLower(sender[idx+1:])
}

var replyMarkerRe = regexp.MustCompile(`^(?i:(re|fwd?|aw)\s*:\s*)+`)

// ThreadKey returns the subject with reply/forward markers stripped and
// normalized to lower case. Signals in the same conversation thread share a
// thread key regardless of how many "Re:" prefixes have accumulated.
func ThreadKey(subject string) string {
	return strings.ToLower(strings.TrimSpace(replyMarkerRe.ReplaceAllString(strings.TrimSpace(subject), "")))
}

// A keyword inside a hyphenated compound ("critical-path") is not an
// urgency marker, so plain \b boundaries are not enough here.
var urgencyRe = regexp.MustCompile(`(?i)(?:^|[^-\w])(urgent|critical|emergency|asap|immediate)(?:[^-\w]|$)`)

// HasUrgencyKeyword reports whether the signal's subject or body contains an
// urgency keyword. Used by the batch coordinator for immediate dispatch and
// by the decision workflow's sensitivity heuristics.
func HasUrgencyKeyword(sig *Signal) bool {
	return urgencyRe.MatchString(sig.Subject) || urgencyRe.MatchString(sig.Body)
}

// =============================================================================
// Content hashes
// =============================================================================

// ContentHash computes a stable SHA-256 key over subject|body|sender.
// This is the classification cache key for a signal.
func (sig *Signal) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(sig.Subject))
	h.Write([]byte("|"))
	h.Write([]byte(sig.Body))
	h.Write([]byte("|"))
	h.Write([]byte(sig.Sender))
	return hex.EncodeToString(h.Sum(nil))
}

// DedupHash computes the duplicate-detection key: subject plus the first
// 200 characters of the body. Two signals with the same DedupHash inside the
// dedup window are treated as duplicates by the decision workflow.
func (sig *Signal) DedupHash() string {
	body := sig.Body
	if len(body) > 200 {
		body = body[:200]
	}
	h := sha256.New()
	h.Write([]byte(sig.Subject))
	h.Write([]byte("|"))
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}

// =============================================================================
// Classifications and Decisions
// =============================================================================

// Urgency/importance levels produced by the reasoning oracle.
const (
	LevelLow      = "low"
	LevelMedium   = "medium"
	LevelHigh     = "high"
	LevelCritical = "critical"
)

// Classification is the oracle's urgency/importance/category judgment for a
// signal.
type Classification struct {
	Urgency    string  `json:"urgency" validate:"required,oneof=low medium high critical"`
	Importance string  `json:"importance" validate:"required,oneof=low medium high"`
	Category   string  `json:"category" validate:"required"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// Action names a recommended downstream operation.
type Action string

// Recommended actions. CreateTask and ScheduleMeeting require the extract
// stage to run; the rest skip it.
const (
	ActionCreateTask      Action = "create_task"
	ActionScheduleMeeting Action = "schedule_meeting"
	ActionReply           Action = "reply"
	ActionIgnore          Action = "ignore"
	ActionClarify         Action = "clarify"
	ActionEscalate        Action = "escalate"
)

// NeedsExtraction reports whether the action requires the entity-extraction
// pipeline stage (task- and meeting-creating actions only).
func (a Action) NeedsExtraction() bool {
	return a == ActionCreateTask || a == ActionScheduleMeeting
}

// Decision is the oracle's recommended action plus parameters for a signal.
type Decision struct {
	Action           Action         `json:"action" validate:"required"`
	Parameters       map[string]any `json:"parameters"`
	Confidence       float64        `json:"confidence" validate:"gte=0,lte=1"`
	Reasoning        string         `json:"reasoning,omitempty"`
	RequiresApproval bool           `json:"requires_approval"`

	// DuplicateOf references the original decision when the workflow
	// short-circuited on a duplicate signal.
	DuplicateOf string `json:"duplicate_of,omitempty"`
}

// =============================================================================
// Batch results
// =============================================================================

// BatchResult summarizes one reasoning batch. Immutable once recorded;
// appended to a bounded history ring by the batch coordinator.
type BatchResult struct {
	BatchID      string                     `json:"batch_id"`
	PerSignal    map[string]*Classification `json:"per_signal"`
	LLMCallsMade int                        `json:"llm_calls_made"`
	TokensSaved  int                        `json:"tokens_saved"`
	TimeSavedMs  int64                      `json:"time_saved_ms"`
	Errors       []string                   `json:"errors,omitempty"`
	CompletedAt  time.Time                  `json:"completed_at"`
}
