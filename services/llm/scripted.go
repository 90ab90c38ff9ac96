package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ScriptedOracle returns canned responses for tests. Responses are matched
// by prompt substring; unmatched prompts get Default or an error.
type ScriptedOracle struct {
	mu sync.Mutex

	// Responses maps a prompt substring to the response returned when the
	// prompt contains it. First match in insertion order is undefined, so
	// tests should use non-overlapping substrings.
	Responses map[string]string

	// Default is returned when no substring matches. Empty Default means
	// an unmatched prompt is an error.
	Default string

	// Err, when set, is returned by every call.
	Err error

	// ModelName defaults to "scripted".
	ModelName string

	calls []string
}

// Generate implements the Oracle interface.
func (s *ScriptedOracle) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.calls = append(s.calls, prompt)
	s.mu.Unlock()

	if s.Err != nil {
		return "", s.Err
	}
	for substr, resp := range s.Responses {
		if strings.Contains(prompt, substr) {
			return resp, nil
		}
	}
	if s.Default != "" {
		return s.Default, nil
	}
	return "", fmt.Errorf("scripted oracle has no response for prompt: %.80s", prompt)
}

// Model implements the Oracle interface.
func (s *ScriptedOracle) Model() string {
	if s.ModelName != "" {
		return s.ModelName
	}
	return "scripted"
}

// Calls returns a copy of every prompt seen so far.
func (s *ScriptedOracle) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// CallCount returns how many prompts were seen.
func (s *ScriptedOracle) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

var _ Oracle = (*ScriptedOracle)(nil)
