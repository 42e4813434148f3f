// Package graph provides the leveling engine that partitions a task
// graph document into dependency-ordered execution frontiers.
package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/loomctl/loom/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task
// graph. This is fatal for the run; the leveler fails closed rather than
// guessing an order.
var ErrCycleDetected = errors.New("circular dependency detected")

// Leveler computes execution frontiers over a task graph document.
// Nodes are vertices and edges represent "blocked by" relationships.
type Leveler struct {
	mu sync.RWMutex
	// nodes maps node ID to the node itself.
	nodes map[models.NodeID]*models.TaskNode
	// edges maps node ID to the IDs it depends on.
	edges map[models.NodeID][]models.NodeID
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty Leveler.
func New() *Leveler {
	return &Leveler{
		nodes:    make(map[models.NodeID]*models.TaskNode),
		edges:    make(map[models.NodeID][]models.NodeID),
		debugLog: func(format string, args ...interface{}) {}, // no-op by default
	}
}

// SetDebugLog sets the debug logging function.
func (l *Leveler) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		l.debugLog = fn
	}
}

// Build constructs the leveler's view from a document snapshot. It may be
// called again after the document is extended; existing nodes are
// re-registered, which is safe because nodes are never mutated in place.
// Returns an error if a cycle is detected or a dependency references an
// unknown node.
func (l *Leveler) Build(doc *models.TaskGraphDocument) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.debugLog("[graph.Build] building from %d nodes", len(doc.Nodes))

	l.nodes = make(map[models.NodeID]*models.TaskNode, len(doc.Nodes))
	l.edges = make(map[models.NodeID][]models.NodeID, len(doc.Nodes))

	for id, node := range doc.Nodes {
		l.nodes[id] = node
		l.edges[id] = nil
	}

	for id, node := range doc.Nodes {
		for _, dep := range node.DependsOn {
			if _, exists := l.nodes[dep]; !exists {
				return fmt.Errorf("node %s depends on unknown node %s", id, dep)
			}
			l.edges[id] = append(l.edges[id], dep)
		}
	}

	if l.hasCycleLocked() {
		return ErrCycleDetected
	}

	l.debugLog("[graph.Build] built with %d nodes", len(l.nodes))
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
// Uses depth-first search with coloring to detect back edges.
func (l *Leveler) HasCycle() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hasCycleLocked()
}

// hasCycleLocked is the internal implementation that assumes the lock is held.
func (l *Leveler) hasCycleLocked() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[models.NodeID]int, len(l.nodes))

	var visit func(id models.NodeID) bool
	visit = func(id models.NodeID) bool {
		colors[id] = 1

		for _, dep := range l.edges[id] {
			switch colors[dep] {
			case 1:
				// Back edge: cycle.
				return true
			case 0:
				if visit(dep) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	for id := range l.nodes {
		if colors[id] == 0 {
			if visit(id) {
				return true
			}
		}
	}

	return false
}

// Frontier returns the maximal set of not-yet-executed nodes whose entire
// DependsOn set has already been executed. The result is a set: members
// run concurrently and their order is not observable. Returns
// ErrCycleDetected if unexecuted nodes remain but none are eligible.
func (l *Leveler) Frontier(executed map[models.NodeID]bool) ([]*models.TaskNode, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var frontier []*models.TaskNode
	remaining := 0

	for id, node := range l.nodes {
		if executed[id] {
			continue
		}
		remaining++

		ready := true
		for _, dep := range l.edges[id] {
			if !executed[dep] {
				ready = false
				break
			}
		}
		if ready {
			frontier = append(frontier, node)
		}
	}

	l.debugLog("[graph.Frontier] %d remaining, %d eligible", remaining, len(frontier))

	if remaining > 0 && len(frontier) == 0 {
		return nil, ErrCycleDetected
	}
	return frontier, nil
}

// Levels returns the full topological partition of the graph: ordered
// groups with no intra-group dependency. Used for reporting; execution
// uses Frontier so that extensions appended mid-run are picked up.
func (l *Leveler) Levels() ([][]*models.TaskNode, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.hasCycleLocked() {
		return nil, ErrCycleDetected
	}

	executed := make(map[models.NodeID]bool, len(l.nodes))
	var levels [][]*models.TaskNode

	for len(executed) < len(l.nodes) {
		var level []*models.TaskNode
		for id, node := range l.nodes {
			if executed[id] {
				continue
			}
			ready := true
			for _, dep := range l.edges[id] {
				if !executed[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, node)
			}
		}
		if len(level) == 0 {
			return nil, ErrCycleDetected
		}
		for _, node := range level {
			executed[node.ID] = true
		}
		levels = append(levels, level)
	}

	return levels, nil
}

// Node returns the node for a given ID, or nil if not found.
func (l *Leveler) Node(id models.NodeID) *models.TaskNode {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nodes[id]
}

// Size returns the number of nodes in the graph.
func (l *Leveler) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.nodes)
}

// Dependencies returns the IDs the given node depends on.
func (l *Leveler) Dependencies(id models.NodeID) []models.NodeID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.edges[id]
}

// Dependents returns the IDs of nodes that depend on the given node.
func (l *Leveler) Dependents(id models.NodeID) []models.NodeID {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var dependents []models.NodeID
	for nid, deps := range l.edges {
		for _, dep := range deps {
			if dep == id {
				dependents = append(dependents, nid)
				break
			}
		}
	}
	return dependents
}

// MaxDepth returns the length of the longest dependency chain in the
// graph, or 0 for an empty graph. Used by the complexity calculator.
func (l *Leveler) MaxDepth() int {
	levels, err := l.Levels()
	if err != nil {
		return 0
	}
	return len(levels)
}
