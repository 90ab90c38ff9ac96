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
	"os"
	"testing"
	"time"
)

func TestResponseKey(t *testing.T) {
	base := ResponseKey("classify this", "qwen2.5:7b", 0.2, "")

	t.Run("deterministic", func(t *testing.T) {
		if ResponseKey("classify this", "qwen2.5:7b", 0.2, "") != base {
			t.Error("same inputs must produce the same key")
		}
	})

	t.Run("sensitive to every input", func(t *testing.T) {
		variants := []string{
			ResponseKey("classify that", "qwen2.5:7b", 0.2, ""),
			ResponseKey("classify this", "llama3:8b", 0.2, ""),
			ResponseKey("classify this", "qwen2.5:7b", 0.7, ""),
			ResponseKey("classify this", "qwen2.5:7b", 0.2, "thread ctx"),
		}
		for i, v := range variants {
			if v == base {
				t.Errorf("variant %d produced the base key", i)
			}
		}
	})
}

func TestResponseCache_GetSet(t *testing.T) {
	c := NewResponseCache(DefaultResponseCacheConfig())
	key := ResponseKey("p", "m", 0.1, "")

	if _, ok := c.Get(key); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Set(key, `{"urgency":"high"}`, EntryClassification, "m", "sig-1", "gmail")

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Response != `{"urgency":"high"}` {
		t.Errorf("Response = %q", got.Response)
	}
	if got.HitCount != 1 {
		t.Errorf("HitCount = %d, want 1", got.HitCount)
	}
}

func TestResponseCache_TieredTTL(t *testing.T) {
	c := NewResponseCache(ResponseCacheConfig{
		ClassificationTTL: time.Hour,
		DecisionTTL:       10 * time.Millisecond,
		DefaultTTL:        time.Hour,
	})

	c.Set("cls", "a", EntryClassification, "m", "", "")
	c.Set("dec", "b", EntryDecision, "m", "", "")

	time.Sleep(25 * time.Millisecond)

	if _, ok := c.Get("cls"); !ok {
		t.Error("classification entry should outlive the decision tier")
	}
	if _, ok := c.Get("dec"); ok {
		t.Error("decision entry should have expired")
	}
}

func TestResponseCache_EvictionPrefersColdEntries(t *testing.T) {
	c := NewResponseCache(ResponseCacheConfig{MaxEntries: 3, HotEntryThreshold: 100})

	c.Set("hot", "r", EntryDefault, "m", "", "")
	c.Set("warm", "r", EntryDefault, "m", "", "")
	c.Set("cold", "r", EntryDefault, "m", "", "")

	c.Get("hot")
	c.Get("hot")
	c.Get("warm")

	c.Set("new", "r", EntryDefault, "m", "", "")

	if _, ok := c.Get("cold"); ok {
		t.Error("expected lowest-hit-count entry to be evicted")
	}
	for _, key := range []string{"hot", "warm", "new"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("expected %s to survive", key)
		}
	}
}

func TestResponseCache_EvictionTieBreaksByOldestAccess(t *testing.T) {
	c := NewResponseCache(ResponseCacheConfig{MaxEntries: 2, HotEntryThreshold: 100})

	c.Set("older", "r", EntryDefault, "m", "", "")
	time.Sleep(5 * time.Millisecond)
	c.Set("newer", "r", EntryDefault, "m", "", "")

	c.Set("incoming", "r", EntryDefault, "m", "", "")

	if _, ok := c.Get("older"); ok {
		t.Error("expected the oldest-accessed entry to lose the tie")
	}
	if _, ok := c.Get("newer"); !ok {
		t.Error("expected newer entry to survive")
	}
}

func TestResponseCache_Invalidation(t *testing.T) {
	c := NewResponseCache(DefaultResponseCacheConfig())
	c.Set("a", "r", EntryDefault, "m", "sig-1", "gmail")
	c.Set("b", "r", EntryDefault, "m", "sig-1", "slack")
	c.Set("c", "r", EntryDefault, "m", "sig-2", "gmail")
	c.Set("w1", "r", EntryDefault, "m", "", "warm")
	c.Set("w2", "r", EntryDefault, "m", "", "warm")

	t.Run("single key", func(t *testing.T) {
		if !c.InvalidateKey("w1") {
			t.Error("InvalidateKey must report removal of a present key")
		}
		if c.InvalidateKey("w1") {
			t.Error("InvalidateKey must not report removal of an absent key")
		}
		// Warmed entries carry no signal id; deleting one must not touch
		// the others.
		if _, ok := c.Get("w2"); !ok {
			t.Error("other entry without a signal id must survive")
		}
	})

	t.Run("by signal", func(t *testing.T) {
		if n := c.InvalidateBySignal("sig-1"); n != 2 {
			t.Errorf("InvalidateBySignal = %d, want 2", n)
		}
		if _, ok := c.Get("c"); !ok {
			t.Error("unrelated entry must survive")
		}
	})

	t.Run("by source", func(t *testing.T) {
		if n := c.InvalidateBySource("gmail"); n != 1 {
			t.Errorf("InvalidateBySource = %d, want 1", n)
		}
		if c.Len() != 1 {
			t.Errorf("Len = %d, want 1", c.Len())
		}
	})

	if c.Invalidations() != 4 {
		t.Errorf("Invalidations = %d, want 4", c.Invalidations())
	}
}

func TestResponseCache_Feedback(t *testing.T) {
	c := NewResponseCache(DefaultResponseCacheConfig())
	c.Set("k", "r", EntryDefault, "m", "", "")

	t.Run("rejects unknown value", func(t *testing.T) {
		if err := c.RecordFeedback("k", "meh"); err == nil {
			t.Error("expected error for unknown feedback value")
		}
	})

	t.Run("modified is recorded", func(t *testing.T) {
		if err := c.RecordFeedback("k", FeedbackModified); err != nil {
			t.Fatalf("RecordFeedback: %v", err)
		}
		got, _ := c.Get("k")
		if got.Feedback != FeedbackModified {
			t.Errorf("Feedback = %q, want modified", got.Feedback)
		}
	})

	t.Run("incorrect invalidates immediately", func(t *testing.T) {
		if err := c.RecordFeedback("k", FeedbackIncorrect); err != nil {
			t.Fatalf("RecordFeedback: %v", err)
		}
		if _, ok := c.Get("k"); ok {
			t.Error("incorrect feedback must delete the entry")
		}
	})

	t.Run("errors on missing key", func(t *testing.T) {
		if err := c.RecordFeedback("absent", FeedbackCorrect); err == nil {
			t.Error("expected error for missing key")
		}
	})
}

func TestResponseCache_HotEntryPersistence(t *testing.T) {
	dir := t.TempDir()
	config := DefaultResponseCacheConfig()
	config.HotEntryDir = dir
	config.HotEntryThreshold = 2

	src := NewResponseCache(config)
	src.Set("hotkey", "valuable", EntryClassification, "m", "", "")
	src.Get("hotkey")
	src.Get("hotkey") // crosses the threshold, writes the file

	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("hot entry files = %d, want 1", len(files))
	}

	dst := NewResponseCache(config)
	if seeded := dst.Warm(nil); seeded != 1 {
		t.Fatalf("Warm loaded %d entries, want 1", seeded)
	}
	got, ok := dst.Get("hotkey")
	if !ok {
		t.Fatal("expected hot entry to survive restart")
	}
	if got.Response != "valuable" {
		t.Errorf("Response = %q, want valuable", got.Response)
	}
}

func TestResponseCache_WarmTemplates(t *testing.T) {
	c := NewResponseCache(DefaultResponseCacheConfig())
	seeded := c.Warm([]WarmEntry{
		{Prompt: "classify newsletter", Model: "m", Temperature: 0.2, Response: `{"urgency":"low"}`, EntryType: EntryClassification},
		{Prompt: "empty", Model: "m", Response: ""}, // skipped
	})
	if seeded != 1 {
		t.Fatalf("Warm = %d, want 1", seeded)
	}

	key := ResponseKey("classify newsletter", "m", 0.2, "")
	if _, ok := c.Get(key); !ok {
		t.Error("warmed template must be retrievable by its derived key")
	}
}
