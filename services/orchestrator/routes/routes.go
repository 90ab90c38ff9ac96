// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/sentinel/services/orchestrator/handlers"
	"github.com/AleutianAI/sentinel/services/orchestrator/middleware"
)

// Options controls route setup.
type Options struct {
	// AuthToken protects the v1 group when non-empty.
	AuthToken string

	// EnableMetrics exposes Prometheus metrics on /metrics.
	EnableMetrics bool
}

// SetupRoutes builds the Gin engine with the full Sentinel API.
func SetupRoutes(deps handlers.Deps, opts Options) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("sentinel-orchestrator"))

	router.GET("/health", handlers.HealthCheck)
	if opts.EnableMetrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.TokenAuth(opts.AuthToken))
	{
		v1.GET("/status", handlers.Status(deps))
		v1.POST("/signals", handlers.IngestSignal(deps.Bus.Publish))
		v1.GET("/queue", handlers.QueueStats(deps.Gate))

		// Review sign-off routes
		reviews := v1.Group("/reviews")
		{
			reviews.GET("", handlers.ListReviews(deps.Approvals))
			reviews.GET("/:reviewId", handlers.GetReview(deps.Approvals))
			reviews.POST("/:reviewId/approve", handlers.ApproveReview(deps.Approvals))
			reviews.POST("/:reviewId/reject", handlers.RejectReview(deps.Approvals))
		}

		// Audit trail routes
		audit := v1.Group("/audit")
		{
			audit.GET("", handlers.ListAudit(deps.Audit))
			audit.GET("/stats", handlers.PublicationStats(deps.Auditor))
			audit.GET("/:publicationId", handlers.GetAuditRecord(deps.Audit))
			audit.POST("/:publicationId/executed", handlers.MarkExecuted(deps.Auditor))
			audit.POST("/trim", handlers.TrimAudit(deps.Audit))
		}

		// Cache control routes
		caches := v1.Group("/caches")
		{
			caches.GET("/stats", handlers.CacheStats(deps.ClsCache, deps.RespCache))
			caches.POST("/feedback", handlers.RecordFeedback(deps.RespCache))
			caches.POST("/invalidate", handlers.InvalidateResponses(deps.RespCache))
		}

		v1.GET("/batches", handlers.BatchStats(deps.Batches))
	}

	return router
}
