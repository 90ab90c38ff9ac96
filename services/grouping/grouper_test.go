// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package grouping

import (
	"fmt"
	"testing"
	"time"

	"github.com/AleutianAI/sentinel/services/signal"
)

var baseTime = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func sig(id, sender, subject string, at time.Time) *signal.Signal {
	return &signal.Signal{
		ID:        id,
		Source:    signal.SourceGmail,
		Subject:   subject,
		Body:      "body",
		Sender:    sender,
		Timestamp: at,
	}
}

func TestSimilarity_ThreadReply(t *testing.T) {
	a := sig("a", "alice@co.com", "Status", baseTime)
	b := sig("b", "alice@co.com", "Re: Status", baseTime.Add(5*time.Minute))

	score := Similarity(a, b)
	if score < 0.6 {
		t.Errorf("same-thread reply 5m apart should group: score %.3f < 0.6", score)
	}
}

func TestSimilarity_UnrelatedSignal(t *testing.T) {
	a := sig("a", "alice@co.com", "Status", baseTime)
	c := sig("c", "bob@other.com", "Lunch menu rotation", baseTime.Add(20*time.Hour))

	score := Similarity(a, c)
	if score >= 0.6 {
		t.Errorf("unrelated signal 20h later should not group: score %.3f >= 0.6", score)
	}
}

func TestSimilarity_TimeProximityScaling(t *testing.T) {
	a := sig("a", "alice@co.com", "Status", baseTime)

	// Identical except timestamp: 30m apart keeps full time credit.
	near := Similarity(a, sig("b", "alice@co.com", "Status", baseTime.Add(30*time.Minute)))
	far := Similarity(a, sig("c", "alice@co.com", "Status", baseTime.Add(12*time.Hour)))

	if near <= far {
		t.Errorf("closer in time should score higher: near %.3f, far %.3f", near, far)
	}
	if near != 1.0 {
		t.Errorf("identical signals 30m apart should score 1.0, got %.3f", near)
	}
}

func TestSimilarity_Symmetric(t *testing.T) {
	a := sig("a", "alice@co.com", "Budget review", baseTime)
	b := sig("b", "carol@co.com", "Re: Budget review", baseTime.Add(2*time.Hour))

	if Similarity(a, b) != Similarity(b, a) {
		t.Error("similarity should be symmetric")
	}
}

func TestGrouper_ThreadGroupsTogether(t *testing.T) {
	g := NewGrouper(0.6)

	signals := []*signal.Signal{
		sig("a", "alice@co.com", "Status", baseTime),
		sig("b", "alice@co.com", "Re: Status", baseTime.Add(5*time.Minute)),
		sig("c", "bob@other.com", "Lunch menu rotation", baseTime.Add(20*time.Hour)),
	}

	groups := g.Group(signals)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}

	first := groups[0]
	if len(first.Signals) != 2 {
		t.Fatalf("expected thread group of 2, got %d", len(first.Signals))
	}
	if first.CommonSender != "alice@co.com" {
		t.Errorf("expected common sender, got %q", first.CommonSender)
	}
	if first.CommonThreadKey != "status" {
		t.Errorf("expected common thread key 'status', got %q", first.CommonThreadKey)
	}
	if first.SimilarityScore < 0.6 {
		t.Errorf("group similarity should meet threshold, got %.3f", first.SimilarityScore)
	}

	if len(groups[1].Signals) != 1 || groups[1].Signals[0].ID != "c" {
		t.Error("unrelated signal should form its own group")
	}
}

func TestGrouper_SingletonScore(t *testing.T) {
	g := NewGrouper(0)

	groups := g.Group([]*signal.Signal{sig("a", "alice@co.com", "Status", baseTime)})
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if groups[0].SimilarityScore != 1.0 {
		t.Errorf("singleton group score should be 1.0, got %.3f", groups[0].SimilarityScore)
	}
}

func TestGrouper_UrgencyHint(t *testing.T) {
	g := NewGrouper(0.6)

	signals := []*signal.Signal{
		sig("a", "alice@co.com", "Deploy window", baseTime),
		sig("b", "alice@co.com", "Re: Deploy window URGENT", baseTime.Add(time.Minute)),
	}

	groups := g.Group(signals)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if groups[0].MaxUrgencyHint != signal.PriorityHigh {
		t.Error("group containing an urgent signal should carry a high urgency hint")
	}
}

func TestGrouper_EmptyWindow(t *testing.T) {
	g := NewGrouper(0.6)
	if groups := g.Group(nil); groups != nil {
		t.Errorf("expected nil for empty window, got %d groups", len(groups))
	}
}

func TestGrouper_LargeWindow(t *testing.T) {
	g := NewGrouper(0.6)

	var signals []*signal.Signal
	for i := 0; i < 25; i++ {
		sender := fmt.Sprintf("user%d@co.com", i%5)
		signals = append(signals, sig(fmt.Sprintf("s%d", i), sender, fmt.Sprintf("Topic %d", i%5), baseTime.Add(time.Duration(i)*time.Minute)))
	}

	groups := g.Group(signals)

	total := 0
	seen := make(map[string]bool)
	for _, grp := range groups {
		for _, s := range grp.Signals {
			if seen[s.ID] {
				t.Fatalf("signal %s appears in more than one group", s.ID)
			}
			seen[s.ID] = true
			total++
		}
	}
	if total != 25 {
		t.Errorf("every signal should be grouped exactly once, got %d", total)
	}
}
