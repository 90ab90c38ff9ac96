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
	"regexp"
	"strings"

	"github.com/AleutianAI/sentinel/services/signal"
)

// Sensitive-topic heuristics. Any hit forces an escalate decision with
// approval required, without consulting the oracle.

var (
	financialPattern = regexp.MustCompile(`(?i)\b(invoice|payment|wire transfer|budget|refund|payroll|acquisition|contract value)\b`)
	legalPattern     = regexp.MustCompile(`(?i)\b(lawsuit|litigation|subpoena|compliance|gdpr|regulatory|legal counsel|nda|breach of contract)\b`)
)

// executiveLocalParts are sender mailbox names treated as executive senders.
var executiveLocalParts = map[string]bool{
	"ceo": true, "cfo": true, "cto": true, "coo": true,
	"founder": true, "president": true, "board": true,
}

// sensitiveReason reports why a signal needs escalation, or "" when none of
// the heuristics match. Checked in a fixed order so audit reasons are
// stable.
func sensitiveReason(sig *signal.Signal, cls *signal.Classification) string {
	text := sig.Subject + " " + sig.Body

	if financialPattern.MatchString(text) && cls.Importance == "high" {
		return "financial topic with high importance"
	}
	if legalPattern.MatchString(text) {
		return "legal or compliance keywords"
	}
	if isExecutiveSender(sig.Sender) && (cls.Urgency == "high" || cls.Urgency == "critical") {
		return "executive sender with high urgency"
	}
	return ""
}

func isExecutiveSender(sender string) bool {
	local, _, found := strings.Cut(strings.ToLower(strings.TrimSpace(sender)), "@")
	if !found {
		return false
	}
	// Strip display-name remnants like "jane doe <ceo".
	if idx := strings.LastIndexByte(local, '<'); idx >= 0 {
		local = local[idx+1:]
	}
	return executiveLocalParts[strings.TrimSpace(local)]
}
