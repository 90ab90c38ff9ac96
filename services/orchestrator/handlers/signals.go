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
	"github.com/google/uuid"

	"github.com/AleutianAI/sentinel/services/admission"
	"github.com/AleutianAI/sentinel/services/events"
	"github.com/AleutianAI/sentinel/services/signal"
)

// ingestRequest is the POST /v1/signals body.
type ingestRequest struct {
	ID       string `json:"id"`
	Source   string `json:"source" binding:"required,oneof=gmail slack sheets"`
	Subject  string `json:"subject"`
	Body     string `json:"body" binding:"required"`
	Sender   string `json:"sender"`
	Priority string `json:"priority" binding:"omitempty,oneof=high normal low"`
}

// sourceTopic maps a signal source to its inbound hub topic.
func sourceTopic(source signal.Source) events.Topic {
	switch source {
	case signal.SourceSlack:
		return events.TopicSlackNewMessage
	case signal.SourceSheets:
		return events.TopicSheetsDataChanged
	default:
		return events.TopicGmailNewMessage
	}
}

// IngestSignal publishes a signal onto its source topic. The normal intake
// path picks it up from there, so API-submitted signals are admitted under
// exactly the same rules as hub-delivered ones.
//
// publish is typed so tests can inject a fake bus; production passes
// (*events.Bus).Publish.
func IngestSignal(publish func(events.Topic, any) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ingestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		sig := &signal.Signal{
			ID:        req.ID,
			Source:    signal.Source(req.Source),
			Subject:   req.Subject,
			Body:      req.Body,
			Sender:    req.Sender,
			Timestamp: time.Now(),
		}
		if sig.ID == "" {
			sig.ID = uuid.NewString()
		}

		topic := sourceTopic(sig.Source)
		evt := &events.SignalEvent{Signal: sig, Priority: req.Priority}

		if err := publish(topic, evt); err != nil {
			slog.Error("signal ingest publish failed",
				"signal_id", sig.ID,
				"topic", string(topic),
				"error", err,
			)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signal intake unavailable"})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"signal_id": sig.ID,
			"topic":     string(topic),
		})
	}
}

// QueueStats reports the admission gate counters.
func QueueStats(gate *admission.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gate.Stats())
	}
}
