// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package grouping

import (
	"strings"

	"github.com/AleutianAI/sentinel/services/signal"
)

// DefaultThreshold is the minimum similarity to a group's seed for a signal
// to join the group.
const DefaultThreshold = 0.6

// Grouper clusters a batch window of signals into groups that share one
// reasoning call.
type Grouper struct {
	threshold float64
}

// NewGrouper creates a grouper. A non-positive threshold uses
// DefaultThreshold.
func NewGrouper(threshold float64) *Grouper {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Grouper{threshold: threshold}
}

// Group partitions signals greedily: each ungrouped signal seeds a group and
// absorbs every remaining ungrouped signal whose similarity to the seed
// meets the threshold. Input order determines seed order, so the output is
// deterministic for a given window.
func (g *Grouper) Group(signals []*signal.Signal) []*signal.SignalGroup {
	if len(signals) == 0 {
		return nil
	}

	grouped := make([]bool, len(signals))
	var groups []*signal.SignalGroup

	for i, seed := range signals {
		if grouped[i] {
			continue
		}
		grouped[i] = true

		members := []*signal.Signal{seed}
		scoreSum := 0.0

		for j := i + 1; j < len(signals); j++ {
			if grouped[j] {
				continue
			}
			if score := Similarity(seed, signals[j]); score >= g.threshold {
				grouped[j] = true
				members = append(members, signals[j])
				scoreSum += score
			}
		}

		groups = append(groups, buildGroup(members, scoreSum))
	}

	return groups
}

// buildGroup derives group metadata from its members. The similarity score
// of a single-signal group is 1.0 (the seed trivially matches itself);
// otherwise it is the mean seed similarity of the absorbed members.
func buildGroup(members []*signal.Signal, scoreSum float64) *signal.SignalGroup {
	group := &signal.SignalGroup{
		Signals:         members,
		SimilarityScore: 1.0,
	}
	if len(members) > 1 {
		group.SimilarityScore = scoreSum / float64(len(members)-1)
	}

	group.CommonSender = commonString(members, func(s *signal.Signal) string { return strings.ToLower(s.Sender) })
	group.CommonThreadKey = commonString(members, func(s *signal.Signal) string { return signal.ThreadKey(s.Subject) })

	group.MaxUrgencyHint = signal.PriorityLow
	for _, s := range members {
		if signal.HasUrgencyKeyword(s) {
			group.MaxUrgencyHint = signal.PriorityHigh
			break
		}
	}

	return group
}

// commonString returns the shared non-empty value of key across members, or
// "" when members disagree.
func commonString(members []*signal.Signal, key func(*signal.Signal) string) string {
	first := key(members[0])
	if first == "" {
		return ""
	}
	for _, m := range members[1:] {
		if key(m) != first {
			return ""
		}
	}
	return first
}
