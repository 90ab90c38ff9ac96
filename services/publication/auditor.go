// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package publication

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/sentinel/services/events"
	"github.com/AleutianAI/sentinel/services/signal"
)

// Default auditor configuration.
const (
	DefaultMaxRetryAttempts = 3
	DefaultRetryInterval    = 5 * time.Second
	DefaultMaxRetryQueue    = 100
)

// ActionEvent is the payload emitted on the action topics.
type ActionEvent struct {
	PublicationID string           `json:"publication_id"`
	CorrelationID string           `json:"correlation_id"`
	SignalID      string           `json:"signal_id"`
	Source        string           `json:"source"`
	Decision      *signal.Decision `json:"decision"`
	Confidence    float64          `json:"confidence"`
}

// retryEntry is one failed emission awaiting re-attempt.
type retryEntry struct {
	action   *PublishedAction
	topic    events.Topic
	event    *ActionEvent
	attempts int
}

// Config configures the auditor.
type Config struct {
	MaxRetryAttempts int
	RetryInterval    time.Duration
	MaxRetryQueue    int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts: DefaultMaxRetryAttempts,
		RetryInterval:    DefaultRetryInterval,
		MaxRetryQueue:    DefaultMaxRetryQueue,
	}
}

// Auditor publishes terminal decisions and keeps the audit trail. Failed
// emissions are retried on a timer; after MaxRetryAttempts the record is
// marked failed terminally.
//
// Thread Safety: safe for concurrent use.
type Auditor struct {
	bus    *events.Bus
	store  *AuditStore
	mirror Mirror
	config Config

	retryMu   sync.Mutex
	retryList []*retryEntry

	done    chan struct{}
	stopped sync.Once

	published atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64
}

// NewAuditor creates an auditor. mirror may be nil (no disk persistence).
func NewAuditor(bus *events.Bus, store *AuditStore, mirror Mirror, config Config) *Auditor {
	if config.MaxRetryAttempts <= 0 {
		config.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultRetryInterval
	}
	if config.MaxRetryQueue <= 0 {
		config.MaxRetryQueue = DefaultMaxRetryQueue
	}
	return &Auditor{
		bus:    bus,
		store:  store,
		mirror: mirror,
		config: config,
		done:   make(chan struct{}),
	}
}

// Publish validates a decision and emits it downstream. Invalid decisions
// are rejected immediately: audited, emitted on action:rejected
// best-effort, and never retried. Valid decisions route to action:ready or
// action:requires_approval on the RequiresApproval flag.
func (a *Auditor) Publish(sig *signal.Signal, dec *signal.Decision, confidence float64) (*PublishedAction, error) {
	now := time.Now()
	action := &PublishedAction{
		PublicationID: uuid.NewString(),
		CorrelationID: uuid.NewString(),
		SignalID:      sig.ID,
		Source:        string(sig.Source),
		Decision:      dec,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := validateDecision(dec, confidence); err != nil {
		action.Status = StatusRejected
		action.FailureReason = err.Error()
		a.store.Append(action)
		a.mirrorSave(action)
		a.rejected.Add(1)

		slog.Warn("decision rejected at publication",
			"signal_id", sig.ID,
			"publication_id", action.PublicationID,
			"error", err)

		// Best-effort notification; a saturated bus does not change the
		// rejection.
		if busErr := a.bus.Publish(events.TopicActionRejected, a.eventFor(action, confidence)); busErr != nil {
			slog.Warn("rejection event dropped", "publication_id", action.PublicationID, "error", busErr)
		}
		return action, err
	}

	topic := events.TopicActionReady
	status := StatusPublished
	if dec.RequiresApproval {
		topic = events.TopicActionRequiresApproval
		status = StatusPendingApproval
	}

	event := a.eventFor(action, confidence)
	if err := a.bus.Publish(topic, event); err != nil {
		// Audit first, then queue for retry: the record exists even if
		// every re-attempt fails.
		action.Status = status // provisional until emission succeeds
		a.store.Append(action)
		a.mirrorSave(action)
		a.enqueueRetry(&retryEntry{action: action, topic: topic, event: event, attempts: 1})
		slog.Warn("emission failed, queued for retry",
			"publication_id", action.PublicationID,
			"topic", topic,
			"error", err)
		return action, nil
	}

	action.Status = status
	a.store.Append(action)
	a.mirrorSave(action)
	a.published.Add(1)

	slog.Info("action published",
		"publication_id", action.PublicationID,
		"signal_id", sig.ID,
		"topic", topic,
		"action", dec.Action)
	return action, nil
}

// validateDecision checks the fields every published action must carry.
func validateDecision(dec *signal.Decision, confidence float64) error {
	if dec == nil {
		return fmt.Errorf("decision is nil")
	}
	if dec.Action == "" {
		return fmt.Errorf("decision has no action")
	}
	if dec.Parameters == nil {
		return fmt.Errorf("decision has no parameters")
	}
	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", confidence)
	}
	return nil
}

func (a *Auditor) eventFor(action *PublishedAction, confidence float64) *ActionEvent {
	return &ActionEvent{
		PublicationID: action.PublicationID,
		CorrelationID: action.CorrelationID,
		SignalID:      action.SignalID,
		Source:        action.Source,
		Decision:      action.Decision,
		Confidence:    confidence,
	}
}

// enqueueRetry appends to the bounded retry list. Overflow marks the
// record failed immediately rather than growing without bound.
func (a *Auditor) enqueueRetry(entry *retryEntry) {
	a.retryMu.Lock()
	defer a.retryMu.Unlock()

	if len(a.retryList) >= a.config.MaxRetryQueue {
		a.markFailed(entry.action, "retry queue full")
		return
	}
	a.retryList = append(a.retryList, entry)
}

// Start launches the retry loop. Runs until Shutdown or ctx cancel.
func (a *Auditor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(a.config.RetryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.done:
				return
			case <-ticker.C:
				a.RetryOne()
			}
		}
	}()
}

// RetryOne pops the oldest retry entry and re-attempts its emission.
// Returns true when an attempt was made.
func (a *Auditor) RetryOne() bool {
	a.retryMu.Lock()
	if len(a.retryList) == 0 {
		a.retryMu.Unlock()
		return false
	}
	entry := a.retryList[0]
	a.retryList = a.retryList[1:]
	a.retryMu.Unlock()

	err := a.bus.Publish(entry.topic, entry.event)
	if err == nil {
		status := StatusPublished
		if entry.topic == events.TopicActionRequiresApproval {
			status = StatusPendingApproval
		}
		if updateErr := a.store.UpdateStatus(entry.action.PublicationID, status); updateErr != nil {
			slog.Warn("retry succeeded but status update failed",
				"publication_id", entry.action.PublicationID, "error", updateErr)
		}
		a.published.Add(1)
		slog.Info("retried emission succeeded",
			"publication_id", entry.action.PublicationID,
			"attempts", entry.attempts+1)
		return true
	}

	entry.attempts++
	entry.action.RetryCount = entry.attempts - 1
	if entry.attempts >= a.config.MaxRetryAttempts {
		a.markFailed(entry.action, fmt.Sprintf("emission failed after %d attempts: %v", entry.attempts, err))
		return true
	}

	a.retryMu.Lock()
	a.retryList = append(a.retryList, entry)
	a.retryMu.Unlock()
	return true
}

// markFailed transitions a record to terminal failure.
func (a *Auditor) markFailed(action *PublishedAction, reason string) {
	action.FailureReason = reason
	if err := a.store.UpdateStatus(action.PublicationID, StatusFailed); err != nil {
		slog.Warn("failed-status update missed audit store",
			"publication_id", action.PublicationID, "error", err)
	}
	a.mirrorSave(action)
	a.failed.Add(1)
	slog.Error("publication failed terminally",
		"publication_id", action.PublicationID,
		"reason", reason)
}

// mirrorSave persists best-effort.
func (a *Auditor) mirrorSave(action *PublishedAction) {
	if a.mirror == nil {
		return
	}
	if err := a.mirror.Save(action); err != nil {
		slog.Warn("audit mirror write failed",
			"publication_id", action.PublicationID, "error", err)
	}
}

// MarkApproved implements the approval manager's updater contract.
func (a *Auditor) MarkApproved(publicationID string) error {
	return a.updateAndMirror(publicationID, StatusApproved)
}

// MarkRejected implements the approval manager's updater contract.
func (a *Auditor) MarkRejected(publicationID string) error {
	return a.updateAndMirror(publicationID, StatusRejected)
}

// MarkExecuted records downstream execution of a published action.
func (a *Auditor) MarkExecuted(publicationID string) error {
	return a.updateAndMirror(publicationID, StatusExecuted)
}

func (a *Auditor) updateAndMirror(publicationID string, status Status) error {
	if err := a.store.UpdateStatus(publicationID, status); err != nil {
		return err
	}
	if action, ok := a.store.Get(publicationID); ok {
		a.mirrorSave(action)
	}
	return nil
}

// RetryQueueLen returns the pending retry count.
func (a *Auditor) RetryQueueLen() int {
	a.retryMu.Lock()
	defer a.retryMu.Unlock()
	return len(a.retryList)
}

// Shutdown stops the retry loop.
func (a *Auditor) Shutdown() {
	a.stopped.Do(func() { close(a.done) })
}

// Stats counters.
func (a *Auditor) Published() int64 { return a.published.Load() }
func (a *Auditor) Rejected() int64  { return a.rejected.Load() }
func (a *Auditor) Failed() int64    { return a.failed.Load() }
