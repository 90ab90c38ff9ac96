// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/sentinel/services/signal"
)

// snapshotVersion guards against loading snapshots written by an
// incompatible layout. Bump when snapshotEntry changes shape.
const snapshotVersion = 1

// snapshotFile is the on-disk snapshot layout.
type snapshotFile struct {
	Version int             `json:"version"`
	SavedAt time.Time       `json:"saved_at"`
	Entries []snapshotEntry `json:"entries"`
	Stats   CacheStats      `json:"stats"`
}

// snapshotEntry is one cached classification serialized for restart
// survival. Recency ordering is approximated on load from LastAccessedAt.
type snapshotEntry struct {
	Key            string                 `json:"key"`
	Value          *signal.Classification `json:"value"`
	CreatedAt      time.Time              `json:"created_at"`
	ExpiresAt      time.Time              `json:"expires_at"`
	HitCount       int64                  `json:"hit_count"`
	LastAccessedAt time.Time              `json:"last_accessed_at"`
}

// SaveSnapshot writes the full cache contents to path as JSON. The write
// goes through a temp file and rename so a crash mid-write never leaves a
// truncated snapshot.
func (c *ClassificationCache) SaveSnapshot(path string) error {
	c.mu.Lock()
	snap := snapshotFile{
		Version: snapshotVersion,
		SavedAt: time.Now(),
		Entries: make([]snapshotEntry, 0, c.lru.Len()),
	}
	// Back-to-front so the most-recently-used entry lands last and is
	// re-inserted last (hence most recent) on load.
	for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
		entry := elem.Value.(*classificationEntry)
		snap.Entries = append(snap.Entries, snapshotEntry{
			Key:            entry.key,
			Value:          entry.value,
			CreatedAt:      entry.createdAt,
			ExpiresAt:      entry.expiresAt,
			HitCount:       entry.hitCount,
			LastAccessedAt: entry.lastAccessedAt,
		})
	}
	c.mu.Unlock()

	snap.Stats = c.Stats()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}

	slog.Info("classification cache snapshot saved",
		"path", path,
		"entries", len(snap.Entries))
	return nil
}

// LoadSnapshot reads a snapshot from path and populates the cache.
// Entries whose TTL already expired are dropped. A missing file is not an
// error; the cache just starts cold.
func (c *ClassificationCache) LoadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		slog.Warn("ignoring classification cache snapshot with unknown version",
			"path", path,
			"version", snap.Version)
		return nil
	}

	now := time.Now()
	loaded, dropped := 0, 0

	c.mu.Lock()
	for _, se := range snap.Entries {
		if se.Value == nil || now.After(se.ExpiresAt) {
			dropped++
			continue
		}
		if _, ok := c.entries[se.Key]; ok {
			continue
		}
		for c.lru.Len() >= c.config.MaxEntries {
			c.evictOldestLocked()
		}
		entry := &classificationEntry{
			key:            se.Key,
			value:          se.Value,
			createdAt:      se.CreatedAt,
			expiresAt:      se.ExpiresAt,
			hitCount:       se.HitCount,
			lastAccessedAt: se.LastAccessedAt,
		}
		c.entries[se.Key] = c.lru.PushFront(entry)
		loaded++
	}
	c.mu.Unlock()

	slog.Info("classification cache snapshot loaded",
		"path", path,
		"loaded", loaded,
		"dropped_expired", dropped)
	return nil
}
