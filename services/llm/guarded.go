package llm

import (
	"context"

	"github.com/AleutianAI/sentinel/pkg/retry"
)

// GuardedOracle wraps an Oracle with a circuit breaker so a dead backend
// fails fast instead of tying up workers in timeouts. After enough
// consecutive failures calls return retry.ErrCircuitOpen immediately until
// a probe succeeds.
type GuardedOracle struct {
	inner   Oracle
	breaker *retry.CircuitBreaker
}

// NewGuardedOracle wraps inner with a breaker using the given config.
func NewGuardedOracle(inner Oracle, config retry.BreakerConfig) *GuardedOracle {
	return &GuardedOracle{
		inner:   inner,
		breaker: retry.NewCircuitBreaker(config),
	}
}

// Generate delegates when the breaker allows it, recording the outcome.
// Context cancellation is the caller's choice, not backend health, so it
// does not count as a breaker failure.
func (g *GuardedOracle) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	if !g.breaker.Allow() {
		return "", retry.ErrCircuitOpen
	}

	out, err := g.inner.Generate(ctx, prompt, params)
	if err != nil {
		if ctx.Err() == nil {
			g.breaker.RecordFailure()
		}
		return "", err
	}

	g.breaker.RecordSuccess()
	return out, nil
}

// Model implements the Oracle interface.
func (g *GuardedOracle) Model() string { return g.inner.Model() }

// BreakerState exposes the breaker state for status reporting.
func (g *GuardedOracle) BreakerState() retry.CircuitState {
	return g.breaker.State()
}

var _ Oracle = (*GuardedOracle)(nil)
