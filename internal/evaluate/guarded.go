package evaluate

import (
	"context"
	"errors"
	"fmt"
)

// Guarded wraps a strategist with kernel-side enforcement. A goal-drift
// rejection re-invokes the inner strategist exactly once with the drift
// flag set and the restatement discarded; structural violations are
// returned as-is.
type Guarded struct {
	inner Strategist
	guard *Guard
}

var _ Strategist = (*Guarded)(nil)

// NewGuarded wraps a strategist with the given guard.
func NewGuarded(inner Strategist, guard *Guard) *Guarded {
	return &Guarded{inner: inner, guard: guard}
}

// Evaluate runs the inner strategist and enforces the kernel rules on
// its decision.
func (g *Guarded) Evaluate(ctx context.Context, input EvalInput) (*Decision, error) {
	decision, err := g.inner.Evaluate(ctx, input)
	if err != nil {
		return nil, err
	}

	err = g.guard.Check(input, decision)
	if err == nil {
		return decision, nil
	}
	if !errors.Is(err, ErrGoalDrift) {
		return nil, err
	}

	// One re-invocation without the drifted restatement.
	input.DriftRejected = true
	decision, err = g.inner.Evaluate(ctx, input)
	if err != nil {
		return nil, err
	}
	decision.RestatedGoals = nil

	if err := g.guard.Check(input, decision); err != nil {
		return nil, fmt.Errorf("after drift re-invocation: %w", err)
	}
	return decision, nil
}

// Guard exposes the underlying guard for post-append registration.
func (g *Guarded) Guard() *Guard {
	return g.guard
}
