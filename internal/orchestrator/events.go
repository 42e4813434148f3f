package orchestrator

import (
	"time"

	"github.com/loomctl/loom/pkg/models"
)

// EventType represents the kind of controller event.
type EventType string

const (
	// EventStateChanged fires on every state machine transition.
	EventStateChanged EventType = "state_changed"
	// EventRoundStarted fires when a round begins leveling.
	EventRoundStarted EventType = "round_started"
	// EventFrontierDispatched fires when a frontier is handed to workers.
	EventFrontierDispatched EventType = "frontier_dispatched"
	// EventVerdictIssued fires per validated record.
	EventVerdictIssued EventType = "verdict_issued"
	// EventNodeBlocked fires when a node ends the round blocked.
	EventNodeBlocked EventType = "node_blocked"
	// EventDecision fires when the strategist's decision is accepted.
	EventDecision EventType = "decision"
	// EventClarificationRequested fires when the run suspends on a question.
	EventClarificationRequested EventType = "clarification_requested"
	// EventClarificationAnswered fires when an answer arrives.
	EventClarificationAnswered EventType = "clarification_answered"
	// EventRunDone fires once with the final verdict.
	EventRunDone EventType = "run_done"
	// EventRunFailed fires when the run aborts on a graph-level failure.
	EventRunFailed EventType = "run_failed"
)

// Event is emitted on the controller's event channel. Consumers that
// fall behind lose events; the run never blocks on its observers.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// Round is the round the event belongs to, 0 for run-level events.
	Round int
	// NodeID is the related node, if any.
	NodeID models.NodeID
	// State is the machine state after a transition.
	State State
	// Message provides human-readable context.
	Message string
	// Err carries failure details for EventRunFailed.
	Err error
	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// emit sends an event without ever blocking the controller.
func (o *Orchestrator) emit(e Event) {
	e.Timestamp = time.Now()
	select {
	case o.events <- e:
	default:
		debugLog("event channel full, dropping %s", e.Type)
	}
}

// Events returns the controller's event channel. The channel is closed
// when Run returns.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}
