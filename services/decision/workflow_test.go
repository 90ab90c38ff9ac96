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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/sentinel/pkg/retry"
	"github.com/AleutianAI/sentinel/services/cache"
	"github.com/AleutianAI/sentinel/services/llm"
	"github.com/AleutianAI/sentinel/services/signal"
)

const validDecisionJSON = `{"action":"reply","parameters":{},"confidence":0.85,"reasoning":"routine","requires_approval":false}`

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = retry.Config{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}
	return cfg
}

func testSignal(id, sender, subject, body string) *signal.Signal {
	return &signal.Signal{
		ID:        id,
		Source:    signal.SourceGmail,
		Subject:   subject,
		Body:      body,
		Sender:    sender,
		Timestamp: time.Now(),
	}
}

func testCls(urgency, importance string, confidence float64) *signal.Classification {
	return &signal.Classification{
		Urgency:    urgency,
		Importance: importance,
		Category:   "work",
		Confidence: confidence,
	}
}

func TestWorkflow_ShortCircuits(t *testing.T) {
	t.Run("low confidence clarifies without oracle", func(t *testing.T) {
		oracle := &llm.ScriptedOracle{Default: validDecisionJSON}
		w := NewWorkflow(oracle, testConfig())

		res, err := w.Decide(context.Background(),
			testSignal("s1", "a@co.com", "hm", "unclear"), testCls("low", "low", 0.3))
		require.NoError(t, err)
		assert.Equal(t, ShortCircuitLowConfidence, res.ShortCircuit)
		assert.Equal(t, signal.ActionClarify, res.Decision.Action)
		assert.Zero(t, oracle.CallCount())
	})

	t.Run("duplicate within window references original", func(t *testing.T) {
		oracle := &llm.ScriptedOracle{Default: validDecisionJSON}
		w := NewWorkflow(oracle, testConfig())
		cls := testCls("low", "low", 0.9)

		first, err := w.Decide(context.Background(),
			testSignal("s1", "a@co.com", "expense report", "please file it"), cls)
		require.NoError(t, err)
		require.Empty(t, first.ShortCircuit)

		second, err := w.Decide(context.Background(),
			testSignal("s2", "b@co.com", "expense report", "please file it"), cls)
		require.NoError(t, err)
		assert.Equal(t, ShortCircuitDuplicate, second.ShortCircuit)
		assert.Equal(t, signal.ActionIgnore, second.Decision.Action)
		assert.Equal(t, "s1", second.Decision.DuplicateOf)
		assert.Equal(t, 1, oracle.CallCount())
	})

	t.Run("financial with high importance escalates", func(t *testing.T) {
		oracle := &llm.ScriptedOracle{Default: validDecisionJSON}
		w := NewWorkflow(oracle, testConfig())

		res, err := w.Decide(context.Background(),
			testSignal("s1", "a@co.com", "Invoice overdue", "wire transfer pending"),
			testCls("medium", "high", 0.9))
		require.NoError(t, err)
		assert.Equal(t, ShortCircuitSensitive, res.ShortCircuit)
		assert.Equal(t, signal.ActionEscalate, res.Decision.Action)
		assert.True(t, res.Decision.RequiresApproval)
		assert.Zero(t, oracle.CallCount())
	})

	t.Run("legal keywords escalate regardless of importance", func(t *testing.T) {
		w := NewWorkflow(&llm.ScriptedOracle{Default: validDecisionJSON}, testConfig())
		res, err := w.Decide(context.Background(),
			testSignal("s1", "a@co.com", "subpoena received", "see attached"),
			testCls("low", "low", 0.9))
		require.NoError(t, err)
		assert.Equal(t, ShortCircuitSensitive, res.ShortCircuit)
	})

	t.Run("executive sender with high urgency escalates", func(t *testing.T) {
		w := NewWorkflow(&llm.ScriptedOracle{Default: validDecisionJSON}, testConfig())
		res, err := w.Decide(context.Background(),
			testSignal("s1", "ceo@co.com", "need this now", "call me"),
			testCls("high", "low", 0.9))
		require.NoError(t, err)
		assert.Equal(t, ShortCircuitSensitive, res.ShortCircuit)
		assert.True(t, res.Decision.RequiresApproval)
	})
}

type fakeProvider struct {
	related int
	depth   int
}

func (f fakeProvider) RelatedTaskVolume(string) int { return f.related }
func (f fakeProvider) QueueDepth() int              { return f.depth }

func TestWorkflow_StrategySelection(t *testing.T) {
	cases := []struct {
		name     string
		cls      *signal.Classification
		provider ContextProvider
		want     Strategy
	}{
		{"critical urgency immediate", testCls("critical", "low", 0.9), nil, StrategyImmediate},
		{"high importance immediate", testCls("low", "high", 0.9), nil, StrategyImmediate},
		{"medium uncontended checks conflicts", testCls("medium", "low", 0.9), fakeProvider{related: 1, depth: 2}, StrategyCheckConflicts},
		{"medium contended batches", testCls("medium", "low", 0.9), fakeProvider{related: 10, depth: 2}, StrategyBatch},
		{"deep queue batches", testCls("medium", "low", 0.9), fakeProvider{related: 1, depth: 200}, StrategyBatch},
		{"low everything batches", testCls("low", "low", 0.9), nil, StrategyBatch},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := []Option{}
			if tc.provider != nil {
				opts = append(opts, WithContextProvider(tc.provider))
			}
			w := NewWorkflow(&llm.ScriptedOracle{Default: validDecisionJSON}, testConfig(), opts...)
			got := w.selectStrategy(testSignal("s", "a@co.com", "subj", "body"), tc.cls)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestWorkflow_OracleDecisions(t *testing.T) {
	t.Run("parses fenced JSON", func(t *testing.T) {
		oracle := &llm.ScriptedOracle{Default: "```json\n" + validDecisionJSON + "\n```"}
		w := NewWorkflow(oracle, testConfig())

		res, err := w.Decide(context.Background(),
			testSignal("s1", "a@co.com", "weekly sync", "notes attached"), testCls("low", "low", 0.9))
		require.NoError(t, err)
		assert.Equal(t, signal.ActionReply, res.Decision.Action)
		assert.InDelta(t, 0.85, res.Decision.Confidence, 0.001)
	})

	t.Run("rejects unknown action", func(t *testing.T) {
		oracle := &llm.ScriptedOracle{Default: `{"action":"self_destruct","confidence":0.9}`}
		w := NewWorkflow(oracle, testConfig())
		_, err := w.Decide(context.Background(),
			testSignal("s1", "a@co.com", "subj", "body"), testCls("low", "low", 0.9))
		assert.Error(t, err)
	})

	t.Run("rejects non-JSON output", func(t *testing.T) {
		oracle := &llm.ScriptedOracle{Default: "I think you should reply."}
		w := NewWorkflow(oracle, testConfig())
		_, err := w.Decide(context.Background(),
			testSignal("s1", "a@co.com", "subj", "body"), testCls("low", "low", 0.9))
		assert.Error(t, err)
	})

	t.Run("malformed cached decision evicts only its own key", func(t *testing.T) {
		oracle := &llm.ScriptedOracle{Default: validDecisionJSON}
		rc := cache.NewResponseCache(cache.DefaultResponseCacheConfig())
		cfg := testConfig()
		w := NewWorkflow(oracle, cfg, WithResponseCache(rc))
		sig := testSignal("s1", "a@co.com", "weekly sync", "notes")
		cls := testCls("low", "low", 0.9)

		key := cache.ResponseKey(decisionPrompt(sig, cls, StrategyBatch),
			oracle.Model(), float64(cfg.Temperature), "")
		rc.Set(key, `{"action":"reply"`, cache.EntryDecision, oracle.Model(), "", "test")

		// A warmed template shares the empty signal id with the poisoned
		// entry; discarding the bad decision must not take it along.
		warmKey := cache.ResponseKey("classify newsletter", oracle.Model(), 0, "")
		rc.Set(warmKey, `{"urgency":"low"}`, cache.EntryDefault, oracle.Model(), "", "warm")

		res, err := w.Decide(context.Background(), sig, cls)
		require.NoError(t, err)
		assert.False(t, res.FromCache)
		assert.Equal(t, signal.ActionReply, res.Decision.Action)
		assert.Equal(t, 1, oracle.CallCount())

		_, ok := rc.Get(warmKey)
		assert.True(t, ok, "unrelated warmed entry must survive")
	})

	t.Run("response cache avoids repeat oracle calls", func(t *testing.T) {
		oracle := &llm.ScriptedOracle{Default: validDecisionJSON}
		rc := cache.NewResponseCache(cache.DefaultResponseCacheConfig())
		w := NewWorkflow(oracle, testConfig(), WithResponseCache(rc))
		sig := testSignal("s1", "a@co.com", "weekly sync", "notes")
		cls := testCls("low", "low", 0.9)

		first, err := w.Decide(context.Background(), sig, cls)
		require.NoError(t, err)
		assert.False(t, first.FromCache)

		// Same signal id, so dedup does not suppress the re-decide.
		second, err := w.Decide(context.Background(), sig, cls)
		require.NoError(t, err)
		assert.True(t, second.FromCache)
		assert.Equal(t, 1, oracle.CallCount())
	})
}

func TestWorkflow_BusinessRules(t *testing.T) {
	t.Run("ignore on critical is overridden and flagged", func(t *testing.T) {
		oracle := &llm.ScriptedOracle{
			Default: `{"action":"ignore","parameters":{},"confidence":0.9,"requires_approval":false}`,
		}
		w := NewWorkflow(oracle, testConfig())

		res, err := w.Decide(context.Background(),
			testSignal("s1", "a@co.com", "server room flooding", "water everywhere"),
			testCls("critical", "low", 0.9))
		require.NoError(t, err)
		assert.Equal(t, signal.ActionEscalate, res.Decision.Action)
		assert.True(t, res.Decision.RequiresApproval)
		assert.NotEmpty(t, res.Violations)
		// Two violations fire: ignore-on-critical, then the overridden
		// escalate lacks the approval flag at check time.
		assert.Less(t, res.Decision.Confidence, 0.9)
	})

	t.Run("create_task without title is a violation", func(t *testing.T) {
		oracle := &llm.ScriptedOracle{
			Default: `{"action":"create_task","parameters":{},"confidence":0.9,"requires_approval":false}`,
		}
		w := NewWorkflow(oracle, testConfig())

		res, err := w.Decide(context.Background(),
			testSignal("s1", "a@co.com", "please do the thing", "details inside"),
			testCls("low", "low", 0.9))
		require.NoError(t, err)
		assert.Contains(t, res.Violations, "create_task decision missing title parameter")
		assert.True(t, res.Decision.RequiresApproval)
	})

	t.Run("compliant decision passes untouched", func(t *testing.T) {
		oracle := &llm.ScriptedOracle{
			Default: `{"action":"create_task","parameters":{"title":"File report"},"confidence":0.9,"requires_approval":false}`,
		}
		w := NewWorkflow(oracle, testConfig())

		res, err := w.Decide(context.Background(),
			testSignal("s1", "a@co.com", "report", "file it"), testCls("low", "low", 0.9))
		require.NoError(t, err)
		assert.Empty(t, res.Violations)
		assert.False(t, res.Decision.RequiresApproval)
		assert.InDelta(t, 0.9, res.Decision.Confidence, 0.001)
	})
}

func TestDedupWindow_Expiry(t *testing.T) {
	d := newDedupWindow(time.Minute)
	base := time.Now()
	d.now = func() time.Time { return base }

	d.record("h1", "s1")
	if id, ok := d.lookup("h1"); !ok || id != "s1" {
		t.Fatalf("lookup = %q, %v", id, ok)
	}

	d.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, ok := d.lookup("h1"); ok {
		t.Error("expected hash to age out of the window")
	}
}
