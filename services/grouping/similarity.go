// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package grouping clusters queued signals by a weighted similarity score so
// related signals can share one reasoning call.
//
// Grouping is greedy and pairwise (O(n²) per batch window). That is fine at
// the configured batch sizes (<=25); if batch sizes grow, bucket candidates
// by sender/domain first and compare only within buckets.
package grouping

import (
	"regexp"
	"strings"
	"time"

	"github.com/AleutianAI/sentinel/services/signal"
)

// Similarity weights. They sum to 1.0; a pair matching on every dimension
// scores 1.0.
const (
	weightSender    = 0.30
	weightThreadKey = 0.25
	weightDomain    = 0.15
	weightTime      = 0.15
	weightJaccard   = 0.15
)

// Time proximity bounds: full credit at one hour apart or less, no credit at
// twenty-four hours or more, linear in between.
const (
	proximityFull = 1 * time.Hour
	proximityZero = 24 * time.Hour
)

// Similarity computes the weighted pairwise similarity of two signals in
// [0, 1]. Same sender scores 0.30, same normalized thread key 0.25, same
// sender domain 0.15, time proximity up to 0.15, and subject-word Jaccard
// overlap up to 0.15.
func Similarity(a, b *signal.Signal) float64 {
	score := 0.0

	if a.Sender != "" && strings.EqualFold(a.Sender, b.Sender) {
		score += weightSender
	}

	if ak, bk := signal.ThreadKey(a.Subject), signal.ThreadKey(b.Subject); ak != "" && ak == bk {
		score += weightThreadKey
	}

	if ad, bd := signal.SenderDomain(a.Sender), signal.SenderDomain(b.Sender); ad != "" && ad == bd {
		score += weightDomain
	}

	score += weightTime * timeProximity(a.Timestamp, b.Timestamp)
	score += weightJaccard * subjectJaccard(a.Subject, b.Subject)

	return score
}

// timeProximity scales linearly from 1.0 at <=1h apart to 0.0 at >=24h.
func timeProximity(a, b time.Time) float64 {
	gap := a.Sub(b)
	if gap < 0 {
		gap = -gap
	}
	if gap <= proximityFull {
		return 1.0
	}
	if gap >= proximityZero {
		return 0.0
	}
	return 1.0 - float64(gap-proximityFull)/float64(proximityZero-proximityFull)
}

var wordRe = regexp.MustCompile(`[a-z0-9]+`)

// subjectJaccard computes word-set Jaccard similarity of two subjects.
func subjectJaccard(a, b string) float64 {
	aw := wordSet(a)
	bw := wordSet(b)
	if len(aw) == 0 || len(bw) == 0 {
		return 0.0
	}

	intersection := 0
	for w := range aw {
		if _, ok := bw[w]; ok {
			intersection++
		}
	}
	union := len(aw) + len(bw) - intersection
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	words := wordRe.FindAllString(strings.ToLower(s), -1)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
