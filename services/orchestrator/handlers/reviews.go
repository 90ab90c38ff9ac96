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

	"github.com/AleutianAI/sentinel/services/approval"
)

// resolveRequest is the body for approve/reject calls.
type resolveRequest struct {
	Reviewer string `json:"reviewer" binding:"required"`
}

// ListReviews returns pending reviews, newest first. The optional ?status=
// query filters by review status.
func ListReviews(manager *approval.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := approval.Status(c.Query("status"))
		switch status {
		case "", approval.StatusPending, approval.StatusApproved,
			approval.StatusRejected, approval.StatusTimeout:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status filter"})
			return
		}

		reviews := manager.List(status)
		c.JSON(http.StatusOK, gin.H{
			"reviews": reviews,
			"count":   len(reviews),
		})
	}
}

// GetReview returns one review by ID.
func GetReview(manager *approval.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		review, ok := manager.Get(c.Param("reviewId"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "review not found"})
			return
		}
		c.JSON(http.StatusOK, review)
	}
}

// ApproveReview resolves a pending review as approved.
func ApproveReview(manager *approval.Manager) gin.HandlerFunc {
	return resolveReview(manager.Approve, "approved")
}

// RejectReview resolves a pending review as rejected.
func RejectReview(manager *approval.Manager) gin.HandlerFunc {
	return resolveReview(manager.Reject, "rejected")
}

func resolveReview(resolve func(reviewID, reviewer string) error, outcome string) gin.HandlerFunc {
	return func(c *gin.Context) {
		reviewID := c.Param("reviewId")

		var req resolveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := resolve(reviewID, req.Reviewer); err != nil {
			// Already resolved or unknown; either way the resolution
			// cannot apply.
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}

		slog.Info("review resolved via api",
			"review_id", reviewID,
			"outcome", outcome,
			"reviewer", req.Reviewer,
		)
		c.JSON(http.StatusOK, gin.H{
			"review_id": reviewID,
			"status":    outcome,
		})
	}
}
