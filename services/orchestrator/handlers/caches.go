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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/sentinel/services/batch"
	"github.com/AleutianAI/sentinel/services/cache"
)

// CacheStats reports hit/miss counters for both cache tiers.
func CacheStats(cls *cache.ClassificationCache, resp *cache.ResponseCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		clsStats := cls.Stats()
		respStats := resp.Stats()
		c.JSON(http.StatusOK, gin.H{
			"classification": gin.H{
				"stats":    clsStats,
				"hit_rate": clsStats.HitRate(),
			},
			"response": gin.H{
				"stats":         respStats,
				"hit_rate":      respStats.HitRate(),
				"invalidations": resp.Invalidations(),
			},
		})
	}
}

// feedbackRequest is the POST /v1/caches/feedback body.
type feedbackRequest struct {
	Key      string `json:"key" binding:"required"`
	Feedback string `json:"feedback" binding:"required,oneof=correct incorrect modified"`
}

// RecordFeedback applies reviewer feedback to a cached response. Incorrect
// feedback evicts the entry so the bad answer cannot be served again.
func RecordFeedback(resp *cache.ResponseCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req feedbackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := resp.RecordFeedback(req.Key, cache.Feedback(req.Feedback)); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		slog.Info("response feedback recorded",
			"key", req.Key,
			"feedback", req.Feedback,
		)
		c.JSON(http.StatusOK, gin.H{"key": req.Key, "feedback": req.Feedback})
	}
}

// invalidateRequest is the POST /v1/caches/invalidate body. Exactly one of
// the fields should be set.
type invalidateRequest struct {
	SignalID string `json:"signal_id"`
	Source   string `json:"source"`
}

// InvalidateResponses drops cached responses tied to a signal or a source.
func InvalidateResponses(resp *cache.ResponseCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req invalidateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if (req.SignalID == "") == (req.Source == "") {
			c.JSON(http.StatusBadRequest,
				gin.H{"error": "set exactly one of signal_id or source"})
			return
		}

		var removed int
		if req.SignalID != "" {
			removed = resp.InvalidateBySignal(req.SignalID)
		} else {
			removed = resp.InvalidateBySource(req.Source)
		}

		slog.Info("response cache invalidated",
			"signal_id", req.SignalID,
			"source", req.Source,
			"removed", removed,
		)
		c.JSON(http.StatusOK, gin.H{"removed": removed})
	}
}

// BatchStats reports coordinator savings counters and recent batch history.
func BatchStats(coordinator *batch.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"stats":   coordinator.Stats(),
			"history": coordinator.History(),
		})
	}
}
