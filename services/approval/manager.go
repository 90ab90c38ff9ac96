// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package approval tracks decisions awaiting human sign-off. Reviews are
// resolved by an explicit reviewer action or by a periodic timeout sweep;
// either path emits the same downstream events.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/sentinel/services/events"
	"github.com/AleutianAI/sentinel/services/signal"
)

// Status of a pending review. Monotonic: once non-pending, never reverts.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"

	// StatusTimeout is transient: the sweep resolves overdue reviews
	// straight to approved or rejected per their timeout action, recording
	// ResolvedBy "timeout". It remains a valid filter value for clients.
	StatusTimeout Status = "timeout"
)

// TimeoutAction is how a timed-out review resolves.
type TimeoutAction string

const (
	TimeoutApprove TimeoutAction = "approve"
	TimeoutReject  TimeoutAction = "reject"
)

// Default manager configuration.
const (
	DefaultReviewTimeout = 30 * time.Minute
	DefaultSweepInterval = 1 * time.Minute
)

// PendingReview is one decision awaiting sign-off.
type PendingReview struct {
	ReviewID      string           `json:"review_id"`
	PublicationID string           `json:"publication_id"`
	SignalID      string           `json:"signal_id"`
	Decision      *signal.Decision `json:"decision"`
	Reason        string           `json:"reason"`
	RequestedAt   time.Time        `json:"requested_at"`
	TimeoutAt     time.Time        `json:"timeout_at"`
	TimeoutAction TimeoutAction    `json:"timeout_action"`
	Status        Status           `json:"status"`
	ResolvedAt    time.Time        `json:"resolved_at,omitempty"`
	ResolvedBy    string           `json:"resolved_by,omitempty"`
}

// PublicationUpdater reflects review outcomes onto the audit record linked
// to the review.
type PublicationUpdater interface {
	MarkApproved(publicationID string) error
	MarkRejected(publicationID string) error
}

// ReviewEvent is the payload emitted on review and action topics.
type ReviewEvent struct {
	ReviewID      string           `json:"review_id"`
	PublicationID string           `json:"publication_id"`
	SignalID      string           `json:"signal_id"`
	Decision      *signal.Decision `json:"decision"`
	Reason        string           `json:"reason"`
	Outcome       Status           `json:"outcome,omitempty"`
	AutoResolved  bool             `json:"auto_resolved,omitempty"`
}

// Config configures the approval manager.
type Config struct {
	// ReviewTimeout is how long a review can stay pending. Default: 30m.
	ReviewTimeout time.Duration

	// SweepInterval is how often timed-out reviews are resolved.
	// Default: 1 minute.
	SweepInterval time.Duration

	// DefaultTimeoutAction resolves reviews whose timeout passed.
	// Default: reject (fail safe).
	DefaultTimeoutAction TimeoutAction
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ReviewTimeout:        DefaultReviewTimeout,
		SweepInterval:        DefaultSweepInterval,
		DefaultTimeoutAction: TimeoutReject,
	}
}

// Manager owns the pending-review table.
//
// Thread Safety: safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	reviews map[string]*PendingReview

	bus     *events.Bus
	updater PublicationUpdater
	config  Config
	now     func() time.Time

	done    chan struct{}
	stopped sync.Once

	requested atomic.Int64
	timeouts  atomic.Int64
}

// NewManager creates an approval manager. updater may be nil when no audit
// store is wired (outcomes are still emitted on the bus).
func NewManager(bus *events.Bus, updater PublicationUpdater, config Config) *Manager {
	if config.ReviewTimeout <= 0 {
		config.ReviewTimeout = DefaultReviewTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.DefaultTimeoutAction == "" {
		config.DefaultTimeoutAction = TimeoutReject
	}
	return &Manager{
		reviews: make(map[string]*PendingReview),
		bus:     bus,
		updater: updater,
		config:  config,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// RequestReview registers a decision for sign-off and emits review:pending.
func (m *Manager) RequestReview(publicationID, signalID string, dec *signal.Decision, reason string) *PendingReview {
	now := m.now()
	review := &PendingReview{
		ReviewID:      uuid.NewString(),
		PublicationID: publicationID,
		SignalID:      signalID,
		Decision:      dec,
		Reason:        reason,
		RequestedAt:   now,
		TimeoutAt:     now.Add(m.config.ReviewTimeout),
		TimeoutAction: m.config.DefaultTimeoutAction,
		Status:        StatusPending,
	}

	m.mu.Lock()
	m.reviews[review.ReviewID] = review
	m.mu.Unlock()
	m.requested.Add(1)

	slog.Info("review requested",
		"review_id", review.ReviewID,
		"signal_id", signalID,
		"reason", reason,
		"timeout_at", review.TimeoutAt)

	m.emit(events.TopicReviewPending, review, "", false)
	return review
}

// Approve resolves a pending review as approved by reviewer.
func (m *Manager) Approve(reviewID, reviewer string) error {
	return m.resolve(reviewID, StatusApproved, reviewer, false)
}

// Reject resolves a pending review as rejected by reviewer.
func (m *Manager) Reject(reviewID, reviewer string) error {
	return m.resolve(reviewID, StatusRejected, reviewer, false)
}

// Get returns a review by id.
func (m *Manager) Get(reviewID string) (*PendingReview, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	review, ok := m.reviews[reviewID]
	if !ok {
		return nil, false
	}
	copied := *review
	return &copied, true
}

// List returns reviews filtered by status ("" for all), newest first.
func (m *Manager) List(status Status) []*PendingReview {
	m.mu.Lock()
	out := make([]*PendingReview, 0, len(m.reviews))
	for _, review := range m.reviews {
		if status != "" && review.Status != status {
			continue
		}
		copied := *review
		out = append(out, &copied)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	return out
}

// resolve applies a terminal status. The pending check enforces the
// monotonic status invariant.
func (m *Manager) resolve(reviewID string, outcome Status, reviewer string, auto bool) error {
	m.mu.Lock()
	review, ok := m.reviews[reviewID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no review with id %s", reviewID)
	}
	if review.Status != StatusPending {
		m.mu.Unlock()
		return fmt.Errorf("review %s already resolved as %s", reviewID, review.Status)
	}
	review.Status = outcome
	review.ResolvedAt = m.now()
	review.ResolvedBy = reviewer
	copied := *review
	m.mu.Unlock()

	slog.Info("review resolved",
		"review_id", reviewID,
		"outcome", outcome,
		"auto", auto,
		"reviewer", reviewer)

	switch outcome {
	case StatusApproved:
		if m.updater != nil {
			if err := m.updater.MarkApproved(copied.PublicationID); err != nil {
				slog.Warn("failed to update publication status", "publication_id", copied.PublicationID, "error", err)
			}
		}
		// Approved reviews are republished as ready to execute.
		m.emit(events.TopicActionReady, &copied, outcome, auto)
	case StatusRejected:
		if m.updater != nil {
			if err := m.updater.MarkRejected(copied.PublicationID); err != nil {
				slog.Warn("failed to update publication status", "publication_id", copied.PublicationID, "error", err)
			}
		}
		m.emit(events.TopicActionRejected, &copied, outcome, auto)
	}
	return nil
}

// emit publishes a review event, logging bus saturation instead of failing
// the state transition.
func (m *Manager) emit(topic events.Topic, review *PendingReview, outcome Status, auto bool) {
	if m.bus == nil {
		return
	}
	err := m.bus.Publish(topic, &ReviewEvent{
		ReviewID:      review.ReviewID,
		PublicationID: review.PublicationID,
		SignalID:      review.SignalID,
		Decision:      review.Decision,
		Reason:        review.Reason,
		Outcome:       outcome,
		AutoResolved:  auto,
	})
	if err != nil {
		slog.Warn("review event dropped", "topic", topic, "review_id", review.ReviewID, "error", err)
	}
}

// Start launches the timeout sweep. Runs until Shutdown or ctx cancel.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-ticker.C:
				m.SweepTimeouts()
			}
		}
	}()
}

// SweepTimeouts resolves every overdue pending review per its timeout
// action, emitting the same downstream event an explicit resolution would.
// The timeout state is transient: the stored status lands on approved or
// rejected, with ResolvedBy "timeout" distinguishing auto-resolution from
// reviewer action in the audit trail. Returns how many reviews were
// resolved.
func (m *Manager) SweepTimeouts() int {
	now := m.now()

	m.mu.Lock()
	var expired []*PendingReview
	for _, review := range m.reviews {
		if review.Status == StatusPending && now.After(review.TimeoutAt) {
			if review.TimeoutAction == TimeoutApprove {
				review.Status = StatusApproved
			} else {
				review.Status = StatusRejected
			}
			review.ResolvedAt = now
			review.ResolvedBy = "timeout"
			copied := *review
			expired = append(expired, &copied)
		}
	}
	m.mu.Unlock()

	for _, review := range expired {
		m.timeouts.Add(1)
		slog.Info("review timed out",
			"review_id", review.ReviewID,
			"timeout_action", review.TimeoutAction)

		if review.TimeoutAction == TimeoutApprove {
			if m.updater != nil {
				if err := m.updater.MarkApproved(review.PublicationID); err != nil {
					slog.Warn("failed to update publication status",
						"publication_id", review.PublicationID, "error", err)
				}
			}
			m.emit(events.TopicActionReady, review, StatusApproved, true)
		} else {
			if m.updater != nil {
				if err := m.updater.MarkRejected(review.PublicationID); err != nil {
					slog.Warn("failed to update publication status",
						"publication_id", review.PublicationID, "error", err)
				}
			}
			m.emit(events.TopicActionRejected, review, StatusRejected, true)
		}
	}
	return len(expired)
}

// Shutdown stops the sweep loop.
func (m *Manager) Shutdown() {
	m.stopped.Do(func() { close(m.done) })
}

// PendingCount returns how many reviews are awaiting resolution.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, review := range m.reviews {
		if review.Status == StatusPending {
			n++
		}
	}
	return n
}

// Requested and TimedOut expose sweep counters.
func (m *Manager) Requested() int64 { return m.requested.Load() }
func (m *Manager) TimedOut() int64  { return m.timeouts.Load() }
