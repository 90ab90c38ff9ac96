// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/sentinel/pkg/retry"
	"github.com/AleutianAI/sentinel/services/llm"
	"github.com/AleutianAI/sentinel/services/signal"
)

// GroupProcessor classifies every signal in a group. Implementations report
// how many oracle calls they spent so the coordinator can compute savings.
type GroupProcessor interface {
	ProcessGroup(ctx context.Context, group *signal.SignalGroup) (map[string]*signal.Classification, int, error)
}

// GroupClassifier classifies a whole similarity group with one oracle call,
// falling back to nothing on failure (the coordinator records the error and
// the signals re-enter the individual path).
type GroupClassifier struct {
	oracle   llm.Oracle
	validate *validator.Validate
	timeout  time.Duration
	retry    retry.Config
}

// NewGroupClassifier creates the oracle-backed group processor.
func NewGroupClassifier(oracle llm.Oracle, timeout time.Duration, retryConfig retry.Config) *GroupClassifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if retryConfig.MaxAttempts <= 0 {
		retryConfig = retry.DefaultConfig()
	}
	return &GroupClassifier{
		oracle:   oracle,
		validate: validator.New(),
		timeout:  timeout,
		retry:    retryConfig,
	}
}

// groupResponse is the oracle's answer shape for a batched classification.
type groupResponse struct {
	Results map[string]*signal.Classification `json:"results"`
}

// ProcessGroup implements GroupProcessor. Signals missing from the oracle's
// answer are simply absent from the returned map; the caller decides how to
// recover them.
func (g *GroupClassifier) ProcessGroup(ctx context.Context, group *signal.SignalGroup) (map[string]*signal.Classification, int, error) {
	prompt := groupPrompt(group)

	calls := 0
	var raw string
	_, err := retry.Do(ctx, g.retry, func(ctx context.Context, attempt int) error {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		calls++
		out, err := g.oracle.Generate(callCtx, prompt, llm.GenerationParams{
			Temperature: llm.Float32Ptr(0.2),
		})
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		return nil, calls, fmt.Errorf("group classification failed: %w", err)
	}

	var resp groupResponse
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &resp); err != nil {
		return nil, calls, fmt.Errorf("group classification is not valid JSON: %w", err)
	}

	results := make(map[string]*signal.Classification, len(group.Signals))
	for _, sig := range group.Signals {
		cls, ok := resp.Results[sig.ID]
		if !ok || cls == nil {
			continue
		}
		if err := g.validate.Struct(cls); err != nil {
			continue
		}
		results[sig.ID] = cls
	}
	return results, calls, nil
}

// groupPrompt renders one classification request covering every group
// member, keyed by signal id so results map back unambiguously.
func groupPrompt(group *signal.SignalGroup) string {
	var b strings.Builder
	b.WriteString("Classify each of these related signals. Respond with JSON matching ")
	b.WriteString(`{"results":{"<signal_id>":{"urgency","importance","category","confidence"}}}.` + "\n")
	b.WriteString("urgency: low|medium|high|critical. importance: low|medium|high.\n")
	if group.CommonSender != "" {
		fmt.Fprintf(&b, "All signals are from %s.\n", group.CommonSender)
	}
	b.WriteString("\n")
	for i, sig := range group.Signals {
		fmt.Fprintf(&b, "Signal %d (id=%s, source=%s, sender=%s)\nSubject: %s\nBody:\n%s\n\n",
			i+1, sig.ID, sig.Source, sig.Sender, sig.Subject, sig.Body)
	}
	return b.String()
}

var _ GroupProcessor = (*GroupClassifier)(nil)
