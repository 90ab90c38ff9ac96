// Package llm provides the reasoning oracle abstraction and its backends.
// The control plane never depends on a concrete provider: everything talks
// to the Oracle interface.
package llm

import "context"

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Oracle is the reasoning backend used for classification and decisions.
// Implementations must be safe for concurrent use.
type Oracle interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// Model names the backing model; cache keys include it so a model
	// swap never serves stale responses.
	Model() string
}

// Float32Ptr builds an optional generation parameter inline.
func Float32Ptr(v float32) *float32 { return &v }

// IntPtr builds an optional generation parameter inline.
func IntPtr(v int) *int { return &v }
