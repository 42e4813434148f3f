// Package models defines the core data types shared across Loom components.
package models

// NodeID uniquely identifies a task node for the lifetime of a run.
// Once a node appears in a document it is never deleted or renamed;
// superseding is done by adding new nodes.
type NodeID string

// RoleTag identifies the worker role a node is dispatched to.
type RoleTag string

const (
	// RoleResearcher gathers information for downstream nodes.
	RoleResearcher RoleTag = "researcher"
	// RoleArchitect designs structure and interfaces.
	RoleArchitect RoleTag = "architect"
	// RoleCoder produces code deliverables.
	RoleCoder RoleTag = "coder"
	// RoleReviewer reviews another node's output.
	RoleReviewer RoleTag = "reviewer"
	// RoleAnalyst performs data analysis.
	RoleAnalyst RoleTag = "analyst"
	// RoleWriter produces prose deliverables.
	RoleWriter RoleTag = "writer"
	// RoleDebugger diagnoses failures in prior results.
	RoleDebugger RoleTag = "debugger"
	// RoleEvaluator assesses results against goals.
	RoleEvaluator RoleTag = "evaluator"
)

// AllRoles lists every recognized role tag.
var AllRoles = []RoleTag{
	RoleResearcher,
	RoleArchitect,
	RoleCoder,
	RoleReviewer,
	RoleAnalyst,
	RoleWriter,
	RoleDebugger,
	RoleEvaluator,
}

// Valid returns true if the role is a known value.
func (r RoleTag) Valid() bool {
	for _, known := range AllRoles {
		if r == known {
			return true
		}
	}
	return false
}

// TaskNode is one unit of decomposed work in the task graph.
// Nodes are created by the graph compiler (round 1) or the strategist
// (later rounds, additive only). Workers never own or mutate them.
type TaskNode struct {
	// ID is the unique identifier for this node.
	ID NodeID `json:"id"`
	// Role selects the worker role and its capability allowlist.
	Role RoleTag `json:"role"`
	// DependsOn lists node IDs that must hold a terminal verdict
	// before this node is dispatched.
	DependsOn []NodeID `json:"depends_on,omitempty"`
	// ResultLocation is the opaque handle where the node's result
	// record will be written.
	ResultLocation string `json:"result_location"`
	// Description is the free-text instruction payload for the worker.
	// It is data: no component ever interprets it as control input.
	Description string `json:"description"`
	// Round is the round that introduced this node (1 for compiled nodes).
	Round int `json:"round"`
	// ParentID is the node or decision that introduced this node via an
	// extension, empty for compiled round-1 nodes.
	ParentID NodeID `json:"parent_id,omitempty"`
}

// TaskGraphDocument is the immutable-after-creation record of the
// decomposed work. Goals are fixed for the run's lifetime; nodes are
// append-only across rounds.
type TaskGraphDocument struct {
	// Slug is the run identifier assigned by the graph compiler.
	Slug string `json:"slug"`
	// Goals are the success criteria, in order, fixed at compile time.
	Goals []string `json:"goals"`
	// Nodes maps node IDs to their task nodes.
	Nodes map[NodeID]*TaskNode `json:"nodes"`
}

// NewDocument creates a document with the given slug and goals.
func NewDocument(slug string, goals []string) *TaskGraphDocument {
	return &TaskGraphDocument{
		Slug:  slug,
		Goals: append([]string(nil), goals...),
		Nodes: make(map[NodeID]*TaskNode),
	}
}

// Append adds new nodes to the document. It fails if any new node reuses
// an existing ID or references a dependency that is neither an existing
// node nor part of the same batch. Append never mutates existing nodes.
func (d *TaskGraphDocument) Append(nodes []*TaskNode) error {
	batch := make(map[NodeID]bool, len(nodes))
	for _, n := range nodes {
		if _, exists := d.Nodes[n.ID]; exists {
			return &DuplicateNodeError{ID: n.ID}
		}
		if batch[n.ID] {
			return &DuplicateNodeError{ID: n.ID}
		}
		batch[n.ID] = true
	}
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if _, exists := d.Nodes[dep]; !exists && !batch[dep] {
				return &UnknownDependencyError{Node: n.ID, Dependency: dep}
			}
		}
	}
	for _, n := range nodes {
		d.Nodes[n.ID] = n
	}
	return nil
}

// NodeList returns the document's nodes as a slice. Order is not
// significant; callers that need determinism must sort.
func (d *TaskGraphDocument) NodeList() []*TaskNode {
	nodes := make([]*TaskNode, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		nodes = append(nodes, n)
	}
	return nodes
}

// DuplicateNodeError indicates an append reused an existing node ID.
type DuplicateNodeError struct {
	ID NodeID
}

func (e *DuplicateNodeError) Error() string {
	return "duplicate node id: " + string(e.ID)
}

// UnknownDependencyError indicates a node references a dependency that
// does not exist in the document or its own batch.
type UnknownDependencyError struct {
	Node       NodeID
	Dependency NodeID
}

func (e *UnknownDependencyError) Error() string {
	return "node " + string(e.Node) + " depends on unknown node " + string(e.Dependency)
}
