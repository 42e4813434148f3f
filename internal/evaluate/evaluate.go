// Package evaluate decides, once per round, whether the run is done,
// needs more nodes, or needs external clarification.
package evaluate

import (
	"context"
	"errors"

	"github.com/loomctl/loom/pkg/models"
)

// DecisionKind is the evaluator's verdict on a round.
type DecisionKind string

const (
	// Done means the goals are satisfied and the run moves to reporting.
	Done DecisionKind = "done"
	// Extend means new nodes are appended and another round runs.
	Extend DecisionKind = "extend"
	// Clarify means the run suspends awaiting an external answer.
	Clarify DecisionKind = "clarify"
)

// Decision is the evaluator's output. Exactly one kind applies; NewNodes
// is meaningful only for Extend and Question only for Clarify.
type Decision struct {
	Kind     DecisionKind
	NewNodes []*models.TaskNode
	Question string
	// RestatedGoals is the evaluator's own phrasing of the goals, used
	// solely for drift detection. The kernel never adopts it.
	RestatedGoals []string
	// Reasoning is free-form explanation for the round log.
	Reasoning string
}

// EvalInput is everything a strategist sees for one round.
type EvalInput struct {
	// Doc is the current task graph document.
	Doc *models.TaskGraphDocument
	// Round is the round just completed.
	Round int
	// RoundVerdicts are this round's verdicts.
	RoundVerdicts []*models.Verdict
	// History maps every adjudicated node to its verdict kind.
	History map[models.NodeID]models.VerdictKind
	// Answer carries the clarification answer when resuming from a
	// suspended round, empty otherwise.
	Answer string
	// DriftRejected is set on the single re-invocation after a goal
	// drift rejection.
	DriftRejected bool
}

// Strategist evaluates a completed round.
type Strategist interface {
	Evaluate(ctx context.Context, input EvalInput) (*Decision, error)
}

// ErrGoalDrift indicates the evaluator's restated goals diverged from the
// run's goals. The caller re-invokes once without the change.
var ErrGoalDrift = errors.New("evaluator goal drift rejected")

// ErrExtendRejected indicates an Extend decision violated a structural
// rule (node budget, ID collision, duplicate work, spawn depth).
var ErrExtendRejected = errors.New("extend decision rejected")
