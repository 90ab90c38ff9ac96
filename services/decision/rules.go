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
	"log/slog"

	"github.com/AleutianAI/sentinel/services/signal"
)

// BusinessRule inspects an oracle decision against its signal and
// classification. A non-empty violation string marks the decision
// non-compliant; Override, when non-empty, proposes a safer action.
type BusinessRule interface {
	Name() string
	Check(sig *signal.Signal, cls *signal.Classification, dec *signal.Decision) (violation string, override signal.Action)
}

// confidencePenalty is applied multiplicatively per rule violation.
const confidencePenalty = 0.8

// DefaultRules returns the standard rule set.
func DefaultRules() []BusinessRule {
	return []BusinessRule{
		noIgnoreOnCritical{},
		taskNeedsTitle{},
		escalateNeedsApproval{},
	}
}

// noIgnoreOnCritical blocks discarding critical-urgency signals.
type noIgnoreOnCritical struct{}

func (noIgnoreOnCritical) Name() string { return "no_ignore_on_critical" }

func (noIgnoreOnCritical) Check(sig *signal.Signal, cls *signal.Classification, dec *signal.Decision) (string, signal.Action) {
	if dec.Action == signal.ActionIgnore && cls.Urgency == "critical" {
		return "ignore action on critical-urgency signal", signal.ActionEscalate
	}
	return "", ""
}

// taskNeedsTitle requires a title parameter on task-creating decisions.
type taskNeedsTitle struct{}

func (taskNeedsTitle) Name() string { return "task_needs_title" }

func (taskNeedsTitle) Check(sig *signal.Signal, cls *signal.Classification, dec *signal.Decision) (string, signal.Action) {
	if dec.Action != signal.ActionCreateTask {
		return "", ""
	}
	if title, ok := dec.Parameters["title"].(string); !ok || title == "" {
		return "create_task decision missing title parameter", ""
	}
	return "", ""
}

// escalateNeedsApproval: escalations always route through human review.
type escalateNeedsApproval struct{}

func (escalateNeedsApproval) Name() string { return "escalate_needs_approval" }

func (escalateNeedsApproval) Check(sig *signal.Signal, cls *signal.Classification, dec *signal.Decision) (string, signal.Action) {
	if dec.Action == signal.ActionEscalate && !dec.RequiresApproval {
		return "escalate decision without approval flag", ""
	}
	return "", ""
}

// applyRules runs every rule and adjusts the decision in place: any
// violation forces approval, each violation scales confidence down, and the
// first proposed override replaces the action. Returns the violations.
func applyRules(rules []BusinessRule, sig *signal.Signal, cls *signal.Classification, dec *signal.Decision) []string {
	var violations []string
	overridden := false

	for _, rule := range rules {
		violation, override := rule.Check(sig, cls, dec)
		if violation == "" {
			continue
		}
		violations = append(violations, violation)
		slog.Warn("business rule violation",
			"rule", rule.Name(),
			"signal_id", sig.ID,
			"action", dec.Action,
			"violation", violation)

		if override != "" && !overridden {
			dec.Action = override
			overridden = true
		}
	}

	if len(violations) > 0 {
		dec.RequiresApproval = true
		for range violations {
			dec.Confidence *= confidencePenalty
		}
	}
	return violations
}
