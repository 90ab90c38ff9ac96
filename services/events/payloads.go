// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import "github.com/AleutianAI/sentinel/services/signal"

// SignalEvent is the payload carried on the inbound source topics
// (gmail:new_message, slack:new_message, sheets:data_changed).
type SignalEvent struct {
	Signal *signal.Signal `json:"signal"`

	// Priority is the producer's hint ("high", "normal", "low").
	// Unknown or empty hints admit at normal priority.
	Priority string `json:"priority,omitempty"`
}
