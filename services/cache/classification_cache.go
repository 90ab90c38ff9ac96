// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache implements the two caching tiers in front of the reasoning
// oracle: the classification cache (content-hash keyed, LRU + TTL, disk
// snapshot across restarts) and the response cache (prompt keyed, tiered
// TTLs, hot-entry persistence, feedback-driven invalidation).
package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/sentinel/services/signal"
)

// Default classification cache configuration.
const (
	DefaultMaxEntries    = 1000
	DefaultTTL           = 1 * time.Hour
	DefaultSweepInterval = 5 * time.Minute
)

// ClassificationCacheConfig configures the classification cache.
type ClassificationCacheConfig struct {
	// MaxEntries bounds the cache; LRU eviction beyond it. Default: 1000.
	MaxEntries int

	// TTL is the default entry lifetime. Default: 1 hour.
	TTL time.Duration

	// SweepInterval is how often the background sweep removes expired
	// entries. Default: 5 minutes.
	SweepInterval time.Duration

	// SnapshotPath is where Shutdown writes the JSON snapshot and where
	// LoadSnapshot reads it. Empty disables snapshotting.
	SnapshotPath string
}

// DefaultClassificationCacheConfig returns production defaults.
func DefaultClassificationCacheConfig() ClassificationCacheConfig {
	return ClassificationCacheConfig{
		MaxEntries:    DefaultMaxEntries,
		TTL:           DefaultTTL,
		SweepInterval: DefaultSweepInterval,
	}
}

// classificationEntry is one cached classification with its bookkeeping.
// Mutated in place on hit (hit count, recency); removed on expiry or
// explicit invalidation.
type classificationEntry struct {
	key            string
	value          *signal.Classification
	createdAt      time.Time
	expiresAt      time.Time
	hitCount       int64
	lastAccessedAt time.Time
}

// ClassificationCache is a content-hash-keyed LRU cache with per-entry TTL.
//
// Expiry is lazy on read plus a periodic background sweep. Restart survival
// is best-effort via a JSON snapshot written by Shutdown.
//
// Thread Safety: safe for concurrent use.
type ClassificationCache struct {
	mu      sync.Mutex
	config  ClassificationCacheConfig
	entries map[string]*list.Element
	lru     *list.List
	flight  singleflight.Group

	done    chan struct{}
	stopped sync.Once
	running bool

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	expired   atomic.Int64
}

// NewClassificationCache creates a cache. Zero-valued config fields use
// defaults. The background sweep starts on Start, not at construction.
func NewClassificationCache(config ClassificationCacheConfig) *ClassificationCache {
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultMaxEntries
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	return &ClassificationCache{
		config:  config,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		done:    make(chan struct{}),
	}
}

// Get returns the cached classification for a content-hash key.
//
// An entry past its TTL is deleted on read and reported as a miss. A hit
// bumps the hit count and recency and promotes the entry to
// most-recently-used.
func (c *ClassificationCache) Get(key string) (*signal.Classification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	entry := elem.Value.(*classificationEntry)
	if time.Now().After(entry.expiresAt) {
		c.removeElementLocked(elem)
		c.expired.Add(1)
		c.misses.Add(1)
		return nil, false
	}

	entry.hitCount++
	entry.lastAccessedAt = time.Now()
	c.lru.MoveToFront(elem)
	c.hits.Add(1)
	return entry.value, true
}

// Set stores a classification under key with the given TTL. A non-positive
// ttl uses the configured default. When the cache is at capacity and the
// key is new, the least-recently-used entry is evicted first.
func (c *ClassificationCache) Set(key string, value *signal.Classification, ttl time.Duration) {
	if value == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.config.TTL
	}

	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*classificationEntry)
		entry.value = value
		entry.createdAt = now
		entry.expiresAt = now.Add(ttl)
		entry.lastAccessedAt = now
		c.lru.MoveToFront(elem)
		return
	}

	for c.lru.Len() >= c.config.MaxEntries {
		c.evictOldestLocked()
	}

	entry := &classificationEntry{
		key:            key,
		value:          value,
		createdAt:      now,
		expiresAt:      now.Add(ttl),
		lastAccessedAt: now,
	}
	c.entries[key] = c.lru.PushFront(entry)
}

// GetOrCompute returns the cached value for key, or runs compute to produce
// it. Concurrent calls for the same key are coalesced into one compute
// (singleflight); the result is cached with the default TTL on success.
func (c *ClassificationCache) GetOrCompute(
	ctx context.Context,
	key string,
	compute func(ctx context.Context) (*signal.Classification, error),
) (*signal.Classification, bool, error) {
	if value, ok := c.Get(key); ok {
		return value, true, nil
	}

	result, err, _ := c.flight.Do(key, func() (any, error) {
		// Re-check: another flight may have filled the entry between
		// our miss and acquiring the flight.
		if value, ok := c.Get(key); ok {
			return value, nil
		}
		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, value, 0)
		return value, nil
	})
	if err != nil {
		return nil, false, err
	}
	return result.(*signal.Classification), false, nil
}

// Delete removes an entry if present.
func (c *ClassificationCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeElementLocked(elem)
	}
}

// Len returns the current entry count.
func (c *ClassificationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of cache counters.
func (c *ClassificationCache) Stats() CacheStats {
	c.mu.Lock()
	entryCount := c.lru.Len()
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

// Start launches the background sweep goroutine. Returns immediately; the
// sweep runs until Shutdown or context cancellation.
func (c *ClassificationCache) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go c.sweepLoop(ctx)
}

// Shutdown stops the sweep and writes a best-effort synchronous snapshot.
// Safe to call multiple times; the caller invokes it on every exit path so
// the flush does not depend on process-signal hooks.
func (c *ClassificationCache) Shutdown(ctx context.Context) error {
	c.stopped.Do(func() { close(c.done) })

	if c.config.SnapshotPath == "" {
		return nil
	}
	return c.SaveSnapshot(c.config.SnapshotPath)
}

// sweepLoop periodically removes expired entries.
func (c *ClassificationCache) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep removes every expired entry and returns how many were removed.
func (c *ClassificationCache) Sweep() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*classificationEntry)
		if now.After(entry.expiresAt) {
			c.removeElementLocked(elem)
			c.expired.Add(1)
			removed++
		}
		elem = prev
	}
	return removed
}

// evictOldestLocked removes the least-recently-used entry.
// Must be called with the lock held.
func (c *ClassificationCache) evictOldestLocked() {
	if elem := c.lru.Back(); elem != nil {
		c.removeElementLocked(elem)
		c.evictions.Add(1)
	}
}

// removeElementLocked removes an element from both map and list.
// Must be called with the lock held.
func (c *ClassificationCache) removeElementLocked(elem *list.Element) {
	entry := elem.Value.(*classificationEntry)
	delete(c.entries, entry.key)
	c.lru.Remove(elem)
}

// CacheStats contains counters shared by both cache tiers.
type CacheStats struct {
	EntryCount int   `json:"entry_count"`
	MaxEntries int   `json:"max_entries"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Evictions  int64 `json:"evictions"`
	Expired    int64 `json:"expired"`
}

// HitRate returns the hit ratio in [0, 1].
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
