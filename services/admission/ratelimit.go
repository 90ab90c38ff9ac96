// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package admission

import (
	"sync"
	"time"
)

// slidingWindow counts events inside a rolling interval. Used to enforce the
// per-minute dequeue budget: the consumer asks Allow() before taking a
// signal and waits until NextAllowed() when the budget is spent.
//
// Thread Safety: safe for concurrent use.
type slidingWindow struct {
	mu       sync.Mutex
	limit    int
	interval time.Duration
	events   []time.Time

	// now is injectable for tests.
	now func() time.Time
}

func newSlidingWindow(limit int, interval time.Duration) *slidingWindow {
	return &slidingWindow{
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

// Allow records one event if the window has budget and reports whether it
// did. A non-positive limit disables rate limiting.
func (w *slidingWindow) Allow() bool {
	if w.limit <= 0 {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.evictBefore(now.Add(-w.interval))

	if len(w.events) >= w.limit {
		return false
	}
	w.events = append(w.events, now)
	return true
}

// NextAllowed returns how long until the window has budget again.
// Returns 0 when an event would be admitted right now.
func (w *slidingWindow) NextAllowed() time.Duration {
	if w.limit <= 0 {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.evictBefore(now.Add(-w.interval))

	if len(w.events) < w.limit {
		return 0
	}
	// The oldest event rolling out of the window frees one slot.
	return w.events[0].Add(w.interval).Sub(now)
}

// evictBefore drops events older than the cutoff. Must be called with the
// lock held. Events are appended in time order, so a prefix scan is enough.
func (w *slidingWindow) evictBefore(cutoff time.Time) {
	i := 0
	for i < len(w.events) && w.events[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}
