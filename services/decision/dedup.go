// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package decision

import (
	"sync"
	"time"
)

// DefaultDedupWindow is how long a signal's dedup hash suppresses
// near-identical follow-ups.
const DefaultDedupWindow = 1 * time.Hour

// dedupRecord remembers the decision produced for a dedup hash.
type dedupRecord struct {
	decisionID string
	seenAt     time.Time
}

// dedupWindow tracks recently decided signals by dedup hash. Expiry is lazy
// on lookup and insert; the table stays small because hashes age out at
// window length.
type dedupWindow struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]dedupRecord
	now    func() time.Time
}

func newDedupWindow(window time.Duration) *dedupWindow {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &dedupWindow{
		window: window,
		seen:   make(map[string]dedupRecord),
		now:    time.Now,
	}
}

// lookup returns the original decision id when hash was seen inside the
// window.
func (d *dedupWindow) lookup(hash string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.seen[hash]
	if !ok {
		return "", false
	}
	if d.now().Sub(rec.seenAt) > d.window {
		delete(d.seen, hash)
		return "", false
	}
	return rec.decisionID, true
}

// record stores hash against the decision id that handled it, evicting any
// aged-out entries in passing.
func (d *dedupWindow) record(hash, decisionID string) {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for h, rec := range d.seen {
		if now.Sub(rec.seenAt) > d.window {
			delete(d.seen, h)
		}
	}
	d.seen[hash] = dedupRecord{decisionID: decisionID, seenAt: now}
}
