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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// EntryType selects the TTL tier for a cached oracle response.
type EntryType string

const (
	// EntryClassification caches classification responses. Longest tier:
	// a signal's classification is stable for the life of its content.
	EntryClassification EntryType = "classification"

	// EntryDecision caches decision responses. Shortest tier: decisions
	// depend on queue state and conflict context that goes stale fast.
	EntryDecision EntryType = "decision"

	// EntryDefault is everything else.
	EntryDefault EntryType = "default"
)

// Feedback values recorded against a cached response.
type Feedback string

const (
	FeedbackCorrect   Feedback = "correct"
	FeedbackIncorrect Feedback = "incorrect"
	FeedbackModified  Feedback = "modified"
)

// Default response cache configuration.
const (
	DefaultResponseMaxEntries   = 500
	DefaultClassificationTTL    = 1 * time.Hour
	DefaultDecisionTTL          = 10 * time.Minute
	DefaultResponseTTL          = 30 * time.Minute
	DefaultHotEntryThreshold    = 3
	hotEntryFilePrefix          = "resp-"
	hotEntryFileSuffix          = ".json"
)

// ResponseCacheConfig configures the response cache.
type ResponseCacheConfig struct {
	// MaxEntries is the hard entry bound. Default: 500.
	MaxEntries int

	// ClassificationTTL, DecisionTTL, DefaultTTL are the TTL tiers.
	ClassificationTTL time.Duration
	DecisionTTL       time.Duration
	DefaultTTL        time.Duration

	// HotEntryThreshold is the hit count at which an entry is persisted
	// to its own file under HotEntryDir. Default: 3.
	HotEntryThreshold int64

	// HotEntryDir holds one JSON file per hot cache key. Empty disables
	// hot-entry persistence.
	HotEntryDir string
}

// DefaultResponseCacheConfig returns production defaults.
func DefaultResponseCacheConfig() ResponseCacheConfig {
	return ResponseCacheConfig{
		MaxEntries:        DefaultResponseMaxEntries,
		ClassificationTTL: DefaultClassificationTTL,
		DecisionTTL:       DefaultDecisionTTL,
		DefaultTTL:        DefaultResponseTTL,
		HotEntryThreshold: DefaultHotEntryThreshold,
	}
}

// CachedResponse is one cached oracle response plus its bookkeeping.
type CachedResponse struct {
	Key            string    `json:"key"`
	Response       string    `json:"response"`
	EntryType      EntryType `json:"entry_type"`
	Model          string    `json:"model"`
	SignalID       string    `json:"signal_id,omitempty"`
	Source         string    `json:"source,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	HitCount       int64     `json:"hit_count"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	Feedback       Feedback  `json:"feedback,omitempty"`
}

// ResponseKey derives the cache key from everything that shapes an oracle
// response. Two calls with identical prompt, model, temperature, and
// context are interchangeable.
func ResponseKey(prompt, model string, temperature float64, extraContext string) string {
	h := sha256.New()
	h.Write([]byte(prompt))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(temperature, 'f', -1, 64)))
	h.Write([]byte{0})
	h.Write([]byte(extraContext))
	return hex.EncodeToString(h.Sum(nil))
}

// ResponseCache caches raw oracle responses keyed on the full request
// shape. Unlike the classification cache it is not strictly LRU: eviction
// prefers removing the least-proven entry (lowest hit count, then oldest
// access) so hot responses survive pressure.
//
// Thread Safety: safe for concurrent use.
type ResponseCache struct {
	mu      sync.Mutex
	config  ResponseCacheConfig
	entries map[string]*CachedResponse

	hits          atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	expired       atomic.Int64
	invalidations atomic.Int64
}

// NewResponseCache creates a response cache. Zero-valued config fields use
// defaults.
func NewResponseCache(config ResponseCacheConfig) *ResponseCache {
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultResponseMaxEntries
	}
	if config.ClassificationTTL <= 0 {
		config.ClassificationTTL = DefaultClassificationTTL
	}
	if config.DecisionTTL <= 0 {
		config.DecisionTTL = DefaultDecisionTTL
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultResponseTTL
	}
	if config.HotEntryThreshold <= 0 {
		config.HotEntryThreshold = DefaultHotEntryThreshold
	}
	return &ResponseCache{
		config:  config,
		entries: make(map[string]*CachedResponse),
	}
}

// ttlFor returns the TTL tier for an entry type.
func (c *ResponseCache) ttlFor(t EntryType) time.Duration {
	switch t {
	case EntryClassification:
		return c.config.ClassificationTTL
	case EntryDecision:
		return c.config.DecisionTTL
	default:
		return c.config.DefaultTTL
	}
}

// Get returns the cached response for key. Expired entries are removed on
// read and reported as misses. A hit crossing the hot-entry threshold
// persists the entry to disk.
func (c *ResponseCache) Get(key string) (*CachedResponse, bool) {
	c.mu.Lock()

	entry, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	if time.Now().After(entry.ExpiresAt) {
		delete(c.entries, key)
		c.mu.Unlock()
		c.expired.Add(1)
		c.misses.Add(1)
		return nil, false
	}

	entry.HitCount++
	entry.LastAccessedAt = time.Now()
	becameHot := entry.HitCount == c.config.HotEntryThreshold
	copied := *entry
	c.mu.Unlock()

	c.hits.Add(1)
	if becameHot {
		c.persistHotEntry(&copied)
	}
	return &copied, true
}

// Set stores a response. SignalID and source on the entry enable targeted
// invalidation later. At capacity, the least-proven entry is evicted.
func (c *ResponseCache) Set(key, response string, entryType EntryType, model, signalID, source string) {
	now := time.Now()
	entry := &CachedResponse{
		Key:            key,
		Response:       response,
		EntryType:      entryType,
		Model:          model,
		SignalID:       signalID,
		Source:         source,
		CreatedAt:      now,
		ExpiresAt:      now.Add(c.ttlFor(entryType)),
		LastAccessedAt: now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		for len(c.entries) >= c.config.MaxEntries {
			c.evictColdestLocked()
		}
	}
	c.entries[key] = entry
}

// evictColdestLocked removes the entry with the lowest hit count, breaking
// ties by oldest last access. Must be called with the lock held.
func (c *ResponseCache) evictColdestLocked() {
	var victim *CachedResponse
	for _, entry := range c.entries {
		if victim == nil ||
			entry.HitCount < victim.HitCount ||
			(entry.HitCount == victim.HitCount && entry.LastAccessedAt.Before(victim.LastAccessedAt)) {
			victim = entry
		}
	}
	if victim != nil {
		delete(c.entries, victim.Key)
		c.evictions.Add(1)
	}
}

// InvalidateKey deletes the entry stored under key, and its hot-entry file
// if one was persisted. Reports whether an entry was removed.
func (c *ResponseCache) InvalidateKey(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	c.invalidations.Add(1)
	c.removeHotEntryFileLocked(key)
	return true
}

// InvalidateBySignal deletes every entry recorded against signalID and
// returns how many were removed.
func (c *ResponseCache) InvalidateBySignal(signalID string) int {
	return c.invalidateMatching(func(e *CachedResponse) bool {
		return e.SignalID == signalID
	})
}

// InvalidateBySource deletes every entry from the given source and returns
// how many were removed.
func (c *ResponseCache) InvalidateBySource(source string) int {
	return c.invalidateMatching(func(e *CachedResponse) bool {
		return e.Source == source
	})
}

func (c *ResponseCache) invalidateMatching(match func(*CachedResponse) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if match(entry) {
			delete(c.entries, key)
			removed++
		}
	}
	c.invalidations.Add(int64(removed))
	return removed
}

// RecordFeedback marks an entry with reviewer feedback. Incorrect feedback
// invalidates the entry immediately so a bad response cannot be served
// again; correct and modified are recorded on the entry.
func (c *ResponseCache) RecordFeedback(key string, feedback Feedback) error {
	switch feedback {
	case FeedbackCorrect, FeedbackIncorrect, FeedbackModified:
	default:
		return fmt.Errorf("unknown feedback value %q", feedback)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return fmt.Errorf("no cached response for key %s", key)
	}

	if feedback == FeedbackIncorrect {
		delete(c.entries, key)
		c.invalidations.Add(1)
		c.removeHotEntryFileLocked(key)
		slog.Info("cached response invalidated by feedback", "key", key)
		return nil
	}

	entry.Feedback = feedback
	return nil
}

// WarmEntry is one precomputed response seeded at startup.
type WarmEntry struct {
	Prompt      string
	Model       string
	Temperature float64
	Context     string
	Response    string
	EntryType   EntryType
}

// Warm seeds precomputed responses for known high-frequency prompt
// templates and loads any persisted hot entries from disk. Returns how
// many entries were seeded in total.
func (c *ResponseCache) Warm(templates []WarmEntry) int {
	seeded := 0
	for _, w := range templates {
		if w.Response == "" {
			continue
		}
		entryType := w.EntryType
		if entryType == "" {
			entryType = EntryDefault
		}
		key := ResponseKey(w.Prompt, w.Model, w.Temperature, w.Context)
		c.Set(key, w.Response, entryType, w.Model, "", "")
		seeded++
	}

	seeded += c.loadHotEntries()
	if seeded > 0 {
		slog.Info("response cache warmed", "entries", seeded)
	}
	return seeded
}

// Len returns the current entry count.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of cache counters.
func (c *ResponseCache) Stats() CacheStats {
	c.mu.Lock()
	entryCount := len(c.entries)
	c.mu.Unlock()

	return CacheStats{
		EntryCount: entryCount,
		MaxEntries: c.config.MaxEntries,
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Evictions:  c.evictions.Load(),
		Expired:    c.expired.Load(),
	}
}

// Invalidations returns the count of explicitly invalidated entries.
func (c *ResponseCache) Invalidations() int64 {
	return c.invalidations.Load()
}

// ===== Hot-entry persistence =====

// persistHotEntry writes a proven-valuable entry to its own JSON file so a
// restart does not lose it. Failures are logged, never propagated: disk
// persistence is strictly best-effort.
func (c *ResponseCache) persistHotEntry(entry *CachedResponse) {
	if c.config.HotEntryDir == "" {
		return
	}
	if err := os.MkdirAll(c.config.HotEntryDir, 0o755); err != nil {
		slog.Warn("hot entry dir unavailable", "dir", c.config.HotEntryDir, "error", err)
		return
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("hot entry marshal failed", "key", entry.Key, "error", err)
		return
	}
	path := c.hotEntryPath(entry.Key)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		slog.Warn("hot entry write failed", "path", path, "error", err)
		return
	}
	slog.Debug("hot entry persisted", "key", entry.Key, "hit_count", entry.HitCount)
}

// loadHotEntries reads every persisted hot entry, dropping the expired
// ones (file included). Returns how many were loaded.
func (c *ResponseCache) loadHotEntries() int {
	if c.config.HotEntryDir == "" {
		return 0
	}
	pattern := filepath.Join(c.config.HotEntryDir, hotEntryFilePrefix+"*"+hotEntryFileSuffix)
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return 0
	}

	now := time.Now()
	loaded := 0
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var entry CachedResponse
		if err := json.Unmarshal(data, &entry); err != nil || entry.Key == "" {
			slog.Warn("skipping malformed hot entry file", "path", path)
			continue
		}
		if now.After(entry.ExpiresAt) {
			os.Remove(path)
			continue
		}

		c.mu.Lock()
		if _, exists := c.entries[entry.Key]; !exists {
			for len(c.entries) >= c.config.MaxEntries {
				c.evictColdestLocked()
			}
			c.entries[entry.Key] = &entry
			loaded++
		}
		c.mu.Unlock()
	}
	return loaded
}

func (c *ResponseCache) hotEntryPath(key string) string {
	// Keys are hex digests, already filesystem-safe; guard anyway.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r >= 'A' && r <= 'Z':
			return r
		default:
			return '-'
		}
	}, key)
	return filepath.Join(c.config.HotEntryDir, hotEntryFilePrefix+safe+hotEntryFileSuffix)
}

// removeHotEntryFileLocked deletes the persisted file for key, if any.
func (c *ResponseCache) removeHotEntryFileLocked(key string) {
	if c.config.HotEntryDir == "" {
		return
	}
	os.Remove(c.hotEntryPath(key))
}
