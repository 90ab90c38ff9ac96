// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the HTTP handlers for the Sentinel API:
// signal ingest, review sign-off, audit queries, and cache controls.
// Handlers are closures over their dependencies so route setup stays
// explicit and tests can inject fakes.
package handlers

import (
	"github.com/AleutianAI/sentinel/services/admission"
	"github.com/AleutianAI/sentinel/services/approval"
	"github.com/AleutianAI/sentinel/services/batch"
	"github.com/AleutianAI/sentinel/services/cache"
	"github.com/AleutianAI/sentinel/services/events"
	"github.com/AleutianAI/sentinel/services/pipeline"
	"github.com/AleutianAI/sentinel/services/publication"
)

// Deps bundles the components the API surfaces. Individual handlers take
// only what they need; Deps exists so route setup passes one value around.
type Deps struct {
	Bus       *events.Bus
	Gate      *admission.Gate
	Approvals *approval.Manager
	Audit     *publication.AuditStore
	Auditor   *publication.Auditor
	ClsCache  *cache.ClassificationCache
	RespCache *cache.ResponseCache
	Batches   *batch.Coordinator
	Pipeline  *pipeline.Pipeline
}
