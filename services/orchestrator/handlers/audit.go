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
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/sentinel/services/publication"
)

// ListAudit queries the audit trail, newest first. Optional query
// parameters: status, source, from, to (RFC 3339 timestamps).
func ListAudit(store *publication.AuditStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := publication.Filter{
			Status: publication.Status(c.Query("status")),
			Source: c.Query("source"),
		}

		var err error
		if filter.From, err = parseTimeParam(c.Query("from")); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'from' timestamp"})
			return
		}
		if filter.To, err = parseTimeParam(c.Query("to")); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'to' timestamp"})
			return
		}

		actions := store.List(filter)
		c.JSON(http.StatusOK, gin.H{
			"actions": actions,
			"count":   len(actions),
			"total":   store.Len(),
		})
	}
}

// GetAuditRecord returns one publication record by ID.
func GetAuditRecord(store *publication.AuditStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		action, ok := store.Get(c.Param("publicationId"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "publication not found"})
			return
		}
		c.JSON(http.StatusOK, action)
	}
}

// trimRequest is the POST /v1/audit/trim body.
type trimRequest struct {
	Keep int `json:"keep" binding:"required,gt=0"`
}

// TrimAudit drops the oldest audit records beyond the requested count.
func TrimAudit(store *publication.AuditStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req trimRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		removed := store.Trim(req.Keep)
		slog.Info("audit trail trimmed", "kept", req.Keep, "removed", removed)
		c.JSON(http.StatusOK, gin.H{
			"removed":   removed,
			"remaining": store.Len(),
		})
	}
}

// MarkExecuted records that the external hub ran a published action.
// The callback closes the loop on the audit trail: published -> executed.
func MarkExecuted(auditor *publication.Auditor) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("publicationId")
		if err := auditor.MarkExecuted(id); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"publication_id": id,
			"status":         publication.StatusExecuted,
		})
	}
}

// PublicationStats reports auditor counters and the retry backlog.
func PublicationStats(auditor *publication.Auditor) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"published":   auditor.Published(),
			"rejected":    auditor.Rejected(),
			"failed":      auditor.Failed(),
			"retry_queue": auditor.RetryQueueLen(),
		})
	}
}

func parseTimeParam(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, value)
}
