// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/sentinel/services/admission"
	"github.com/AleutianAI/sentinel/services/approval"
	"github.com/AleutianAI/sentinel/services/cache"
	"github.com/AleutianAI/sentinel/services/events"
	"github.com/AleutianAI/sentinel/services/publication"
	"github.com/AleutianAI/sentinel/services/signal"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func performJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// ===== Signal ingest =====

func TestIngestSignal_PublishesToSourceTopic(t *testing.T) {
	var gotTopic events.Topic
	var gotPayload any
	publish := func(topic events.Topic, payload any) error {
		gotTopic = topic
		gotPayload = payload
		return nil
	}

	router := gin.New()
	router.POST("/signals", IngestSignal(publish))

	w := performJSON(t, router, "POST", "/signals", gin.H{
		"source":   "slack",
		"body":     "deploy finished",
		"sender":   "ops@acme.com",
		"priority": "high",
	})

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, events.TopicSlackNewMessage, gotTopic)

	evt, ok := gotPayload.(*events.SignalEvent)
	require.True(t, ok)
	assert.Equal(t, signal.SourceSlack, evt.Signal.Source)
	assert.Equal(t, "high", evt.Priority)
	assert.NotEmpty(t, evt.Signal.ID, "missing ID should be generated")
}

func TestIngestSignal_RejectsUnknownSource(t *testing.T) {
	router := gin.New()
	router.POST("/signals", IngestSignal(func(events.Topic, any) error {
		t.Fatal("publish should not be called")
		return nil
	}))

	w := performJSON(t, router, "POST", "/signals", gin.H{
		"source": "fax",
		"body":   "hello",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestSignal_BusUnavailable(t *testing.T) {
	bus := events.NewBus(1)
	bus.Close()

	router := gin.New()
	router.POST("/signals", IngestSignal(bus.Publish))

	w := performJSON(t, router, "POST", "/signals", gin.H{
		"source": "gmail",
		"body":   "hello",
	})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestQueueStats(t *testing.T) {
	gate := admission.NewGate(admission.DefaultConfig())
	gate.Enqueue(&signal.Signal{ID: "s1", Source: signal.SourceGmail, Body: "x"}, signal.PriorityNormal)

	router := gin.New()
	router.GET("/queue", QueueStats(gate))

	w := performJSON(t, router, "GET", "/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats admission.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Depth)
	assert.Equal(t, int64(1), stats.Enqueued)
}

// ===== Reviews =====

func newReviewFixture(t *testing.T) (*approval.Manager, *approval.PendingReview) {
	t.Helper()
	bus := events.NewBus(events.DefaultBufferSize)
	t.Cleanup(bus.Close)

	manager := approval.NewManager(bus, nil, approval.DefaultConfig())
	dec := &signal.Decision{Action: signal.ActionEscalate, Confidence: 0.4, RequiresApproval: true}
	review := manager.RequestReview("pub-1", "sig-1", dec, "low confidence")
	return manager, review
}

func TestListReviews_FiltersByStatus(t *testing.T) {
	manager, _ := newReviewFixture(t)

	router := gin.New()
	router.GET("/reviews", ListReviews(manager))

	w := performJSON(t, router, "GET", "/reviews?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	w = performJSON(t, router, "GET", "/reviews?status=approved", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)
}

func TestListReviews_UnknownStatus(t *testing.T) {
	manager, _ := newReviewFixture(t)

	router := gin.New()
	router.GET("/reviews", ListReviews(manager))

	w := performJSON(t, router, "GET", "/reviews?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApproveReview(t *testing.T) {
	manager, review := newReviewFixture(t)

	router := gin.New()
	router.POST("/reviews/:reviewId/approve", ApproveReview(manager))

	w := performJSON(t, router, "POST", "/reviews/"+review.ReviewID+"/approve",
		gin.H{"reviewer": "oncall@acme.com"})
	require.Equal(t, http.StatusOK, w.Code)

	stored, ok := manager.Get(review.ReviewID)
	require.True(t, ok)
	assert.Equal(t, approval.StatusApproved, stored.Status)
	assert.Equal(t, "oncall@acme.com", stored.ResolvedBy)
}

func TestRejectReview_AlreadyResolved(t *testing.T) {
	manager, review := newReviewFixture(t)
	require.NoError(t, manager.Approve(review.ReviewID, "first"))

	router := gin.New()
	router.POST("/reviews/:reviewId/reject", RejectReview(manager))

	w := performJSON(t, router, "POST", "/reviews/"+review.ReviewID+"/reject",
		gin.H{"reviewer": "second"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestApproveReview_MissingReviewer(t *testing.T) {
	manager, review := newReviewFixture(t)

	router := gin.New()
	router.POST("/reviews/:reviewId/approve", ApproveReview(manager))

	w := performJSON(t, router, "POST", "/reviews/"+review.ReviewID+"/approve", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetReview_NotFound(t *testing.T) {
	manager, _ := newReviewFixture(t)

	router := gin.New()
	router.GET("/reviews/:reviewId", GetReview(manager))

	w := performJSON(t, router, "GET", "/reviews/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ===== Audit =====

func newAuditFixture(t *testing.T) *publication.AuditStore {
	t.Helper()
	store := publication.NewAuditStore()
	store.Append(&publication.PublishedAction{
		PublicationID: "pub-1",
		SignalID:      "sig-1",
		Source:        "gmail",
		Status:        publication.StatusPublished,
	})
	store.Append(&publication.PublishedAction{
		PublicationID: "pub-2",
		SignalID:      "sig-2",
		Source:        "slack",
		Status:        publication.StatusRejected,
	})
	return store
}

func TestListAudit_StatusFilter(t *testing.T) {
	store := newAuditFixture(t)

	router := gin.New()
	router.GET("/audit", ListAudit(store))

	w := performJSON(t, router, "GET", "/audit?status=rejected", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count int `json:"count"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, 2, resp.Total)
}

func TestListAudit_BadTimestamp(t *testing.T) {
	store := newAuditFixture(t)

	router := gin.New()
	router.GET("/audit", ListAudit(store))

	w := performJSON(t, router, "GET", "/audit?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAuditRecord(t *testing.T) {
	store := newAuditFixture(t)

	router := gin.New()
	router.GET("/audit/:publicationId", GetAuditRecord(store))

	w := performJSON(t, router, "GET", "/audit/pub-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var action publication.PublishedAction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &action))
	assert.Equal(t, "sig-1", action.SignalID)

	w = performJSON(t, router, "GET", "/audit/none", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMarkExecuted(t *testing.T) {
	store := newAuditFixture(t)
	auditor := publication.NewAuditor(events.NewBus(16), store, nil, publication.DefaultConfig())

	router := gin.New()
	router.POST("/audit/:publicationId/executed", MarkExecuted(auditor))

	w := performJSON(t, router, "POST", "/audit/pub-1/executed", nil)
	require.Equal(t, http.StatusOK, w.Code)

	action, ok := store.Get("pub-1")
	require.True(t, ok)
	assert.Equal(t, publication.StatusExecuted, action.Status)

	w = performJSON(t, router, "POST", "/audit/none/executed", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTrimAudit(t *testing.T) {
	store := newAuditFixture(t)

	router := gin.New()
	router.POST("/audit/trim", TrimAudit(store))

	w := performJSON(t, router, "POST", "/audit/trim", gin.H{"keep": 1})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, store.Len())

	w = performJSON(t, router, "POST", "/audit/trim", gin.H{"keep": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ===== Caches =====

func TestRecordFeedback_UnknownKey(t *testing.T) {
	resp := cache.NewResponseCache(cache.DefaultResponseCacheConfig())

	router := gin.New()
	router.POST("/feedback", RecordFeedback(resp))

	w := performJSON(t, router, "POST", "/feedback",
		gin.H{"key": "nope", "feedback": "correct"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecordFeedback_IncorrectEvicts(t *testing.T) {
	resp := cache.NewResponseCache(cache.DefaultResponseCacheConfig())
	key := cache.ResponseKey("prompt", "model", 0.2, "")
	resp.Set(key, `{"action":"reply"}`, cache.EntryDecision, "model", "sig-1", "gmail")

	router := gin.New()
	router.POST("/feedback", RecordFeedback(resp))

	w := performJSON(t, router, "POST", "/feedback",
		gin.H{"key": key, "feedback": "incorrect"})
	require.Equal(t, http.StatusOK, w.Code)

	_, ok := resp.Get(key)
	assert.False(t, ok, "incorrect feedback should evict the entry")
}

func TestInvalidateResponses_Validation(t *testing.T) {
	resp := cache.NewResponseCache(cache.DefaultResponseCacheConfig())

	router := gin.New()
	router.POST("/invalidate", InvalidateResponses(resp))

	w := performJSON(t, router, "POST", "/invalidate", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = performJSON(t, router, "POST", "/invalidate",
		gin.H{"signal_id": "s1", "source": "gmail"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInvalidateResponses_BySource(t *testing.T) {
	resp := cache.NewResponseCache(cache.DefaultResponseCacheConfig())
	resp.Set(cache.ResponseKey("a", "m", 0, ""), "r1", cache.EntryDefault, "m", "s1", "gmail")
	resp.Set(cache.ResponseKey("b", "m", 0, ""), "r2", cache.EntryDefault, "m", "s2", "slack")

	router := gin.New()
	router.POST("/invalidate", InvalidateResponses(resp))

	w := performJSON(t, router, "POST", "/invalidate", gin.H{"source": "gmail"})
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Removed int `json:"removed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, 1, out.Removed)
	assert.Equal(t, 1, resp.Len())
}

func TestCacheStats(t *testing.T) {
	cls := cache.NewClassificationCache(cache.DefaultClassificationCacheConfig())
	resp := cache.NewResponseCache(cache.DefaultResponseCacheConfig())
	cls.Set("k1", &signal.Classification{Urgency: "low", Importance: "low", Category: "fyi", Confidence: 0.9}, 0)
	cls.Get("k1")
	cls.Get("missing")

	router := gin.New()
	router.GET("/stats", CacheStats(cls, resp))

	w := performJSON(t, router, "GET", "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Classification struct {
			HitRate float64 `json:"hit_rate"`
		} `json:"classification"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.InDelta(t, 0.5, out.Classification.HitRate, 0.001)
}
