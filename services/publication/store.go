// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package publication emits terminal decisions downstream and keeps the
// audit trail: every admitted signal ends as exactly one PublishedAction
// record, whatever its fate.
package publication

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/sentinel/services/signal"
)

// Status of a published action.
type Status string

const (
	StatusPublished       Status = "published"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusRejected        Status = "rejected"
	StatusFailed          Status = "failed"
	StatusExecuted        Status = "executed"
)

// PublishedAction is one append-only audit record. Status transitions are
// tracked in place; records leave the store only through explicit trimming.
type PublishedAction struct {
	PublicationID string           `json:"publication_id"`
	CorrelationID string           `json:"correlation_id"`
	SignalID      string           `json:"signal_id"`
	Source        string           `json:"source"`
	Decision      *signal.Decision `json:"decision"`
	Status        Status           `json:"status"`
	RetryCount    int              `json:"retry_count"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	FailureReason string           `json:"failure_reason,omitempty"`
}

// Filter selects audit records. Zero-valued fields match everything.
type Filter struct {
	Status Status
	Source string
	From   time.Time
	To     time.Time
}

// Mirror persists audit records outside process memory. Implementations
// are best-effort: failures are logged by the caller, never propagated.
type Mirror interface {
	Save(action *PublishedAction) error
}

// AuditStore is the in-memory audit table.
//
// Thread Safety: safe for concurrent use.
type AuditStore struct {
	mu      sync.Mutex
	records []*PublishedAction
	byID    map[string]*PublishedAction
}

// NewAuditStore creates an empty audit store.
func NewAuditStore() *AuditStore {
	return &AuditStore{byID: make(map[string]*PublishedAction)}
}

// Append adds a record. The store owns the record from here on.
func (s *AuditStore) Append(action *PublishedAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, action)
	s.byID[action.PublicationID] = action
}

// Get returns a copy of the record with the given publication id.
func (s *AuditStore) Get(publicationID string) (*PublishedAction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	action, ok := s.byID[publicationID]
	if !ok {
		return nil, false
	}
	copied := *action
	return &copied, true
}

// UpdateStatus transitions a record's status in place.
func (s *AuditStore) UpdateStatus(publicationID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	action, ok := s.byID[publicationID]
	if !ok {
		return fmt.Errorf("no published action with id %s", publicationID)
	}
	action.Status = status
	action.UpdatedAt = time.Now()
	return nil
}

// List returns copies of records matching the filter, newest first.
func (s *AuditStore) List(filter Filter) []*PublishedAction {
	s.mu.Lock()
	out := make([]*PublishedAction, 0)
	for _, action := range s.records {
		if filter.Status != "" && action.Status != filter.Status {
			continue
		}
		if filter.Source != "" && action.Source != filter.Source {
			continue
		}
		if !filter.From.IsZero() && action.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && action.CreatedAt.After(filter.To) {
			continue
		}
		copied := *action
		out = append(out, &copied)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Len returns the record count.
func (s *AuditStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Trim keeps only the n most-recent records and returns how many were
// dropped. Trimming is on demand, never automatic.
func (s *AuditStore) Trim(n int) int {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.records) <= n {
		return 0
	}
	dropped := len(s.records) - n
	for _, action := range s.records[:dropped] {
		delete(s.byID, action.PublicationID)
	}
	s.records = append([]*PublishedAction(nil), s.records[dropped:]...)
	return dropped
}
