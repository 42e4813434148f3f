package models

// ResultStatus is the status a worker reports in its result record.
type ResultStatus string

const (
	// StatusCompleted indicates the worker finished its node's task.
	StatusCompleted ResultStatus = "completed"
	// StatusBlocked indicates the worker could not proceed and is
	// surfacing a blocker for the strategist.
	StatusBlocked ResultStatus = "blocked"
)

// Valid returns true if the status is a recognized literal.
func (s ResultStatus) Valid() bool {
	return s == StatusCompleted || s == StatusBlocked
}

// ResultRecord is the single output of one worker invocation. It is
// owned by the worker that wrote it until validation; afterwards it is
// owned by the run's artifact store and read-only to everything else.
type ResultRecord struct {
	// NodeID is the node this record belongs to.
	NodeID NodeID `json:"node_id"`
	// Round is the round the node was executed in.
	Round int `json:"round"`
	// Status is the worker's reported status.
	Status ResultStatus `json:"status"`
	// Payload holds plain structured data produced by the worker.
	// Only primitive values and flat collections of primitives are
	// accepted by the validator; nothing in it is ever executed.
	Payload map[string]any `json:"payload"`
	// FilesTouched lists paths the worker wrote, if any.
	FilesTouched []string `json:"files_touched,omitempty"`
	// BlockedReason explains a blocked status, empty otherwise.
	BlockedReason string `json:"blocked_reason,omitempty"`
	// Synthetic marks records manufactured by the dispatcher for
	// workers that failed twice; never set by workers themselves.
	Synthetic bool `json:"synthetic,omitempty"`
}
