package models

// VerdictKind classifies a validated result record.
type VerdictKind string

const (
	// VerdictAccepted marks a record as trusted downstream.
	VerdictAccepted VerdictKind = "accepted"
	// VerdictRejected marks a record as dropped; it is excluded from
	// the strategist's view entirely.
	VerdictRejected VerdictKind = "rejected"
	// VerdictBlocked passes through a worker-reported blocker with its
	// stated reason surfaced to the strategist.
	VerdictBlocked VerdictKind = "blocked"
)

// Terminal returns true for every verdict kind: a verdict is only issued
// once a record has been fully adjudicated. Defined for readability at
// call sites that gate dispatch on terminal verdicts.
func (k VerdictKind) Terminal() bool {
	switch k {
	case VerdictAccepted, VerdictRejected, VerdictBlocked:
		return true
	default:
		return false
	}
}

// Verdict tags a result record after validation. Verdicts are derived
// values; the round log records them but they are not entities of their
// own.
type Verdict struct {
	// NodeID is the node the verdict applies to.
	NodeID NodeID `json:"node_id"`
	// Round is the round the record was produced in.
	Round int `json:"round"`
	// Kind is the classification.
	Kind VerdictKind `json:"kind"`
	// Reason explains a rejection or blocker; empty when accepted.
	Reason string `json:"reason,omitempty"`
}
