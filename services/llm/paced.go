package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// PacedOracle wraps an Oracle with a token-bucket limiter so burst traffic
// (a flushed batch, a retry storm) cannot overwhelm the backend.
type PacedOracle struct {
	inner   Oracle
	limiter *rate.Limiter
}

// NewPacedOracle paces calls to requestsPerSecond with the given burst.
// A non-positive rate disables pacing.
func NewPacedOracle(inner Oracle, requestsPerSecond float64, burst int) *PacedOracle {
	var limiter *rate.Limiter
	if requestsPerSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return &PacedOracle{inner: inner, limiter: limiter}
}

// Generate waits for a rate token, then delegates. The wait respects ctx.
func (p *PacedOracle) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	return p.inner.Generate(ctx, prompt, params)
}

// Model implements the Oracle interface.
func (p *PacedOracle) Model() string { return p.inner.Model() }

var _ Oracle = (*PacedOracle)(nil)
