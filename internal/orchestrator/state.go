package orchestrator

import (
	"github.com/loomctl/loom/pkg/models"
)

// State is a round controller state machine state.
type State string

const (
	// StateCompiling is the one-time compilation step before round 1.
	StateCompiling State = "compiling"
	// StateLeveling computes the next frontier from the document.
	StateLeveling State = "leveling"
	// StateDispatching hands a frontier to workers.
	StateDispatching State = "dispatching"
	// StateValidating adjudicates the frontier's records.
	StateValidating State = "validating"
	// StateEvaluating asks the strategist for the round decision.
	StateEvaluating State = "evaluating"
	// StateAwaitingClarification suspends the run on an open question.
	StateAwaitingClarification State = "awaiting_clarification"
	// StateReporting renders the closing report.
	StateReporting State = "reporting"
	// StateFailed is terminal for graph-level failures.
	StateFailed State = "failed"
)

// RoundState is the controller's ephemeral view of one round. It is
// rebuilt every round; nothing in it survives except through the store.
type RoundState struct {
	// Round is the 1-based round number.
	Round int
	// Executed marks nodes already adjudicated, across all rounds.
	Executed map[models.NodeID]bool
	// Verdicts collects this round's verdicts in issue order.
	Verdicts []*models.Verdict
}

func newRoundState(round int, history map[models.NodeID]models.VerdictKind) *RoundState {
	rs := &RoundState{
		Round:    round,
		Executed: make(map[models.NodeID]bool, len(history)),
	}
	for id := range history {
		rs.Executed[id] = true
	}
	return rs
}

// FinalVerdict is the run's outcome.
type FinalVerdict struct {
	// Slug identifies the run.
	Slug string
	// Goals are the compiled goals, verbatim.
	Goals []string
	// GoalsSatisfied is true only for a Done decision.
	GoalsSatisfied bool
	// Blocked maps still-blocked nodes to their reasons.
	Blocked map[models.NodeID]string
	// Rounds is the number of rounds used.
	Rounds int
	// CeilingReached distinguishes a ceiling stop from completion.
	CeilingReached bool
	// Report is the reporter's full output.
	Report string
	// CostLine is the parsed machine-readable summary line.
	CostLine string
}
