// Package spawn tracks the lineage of nodes introduced across rounds and
// enforces the extension depth limit.
package spawn

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loomctl/loom/pkg/models"
)

// NodeStatus is the lifecycle state of a node in the tree.
type NodeStatus string

const (
	// StatusPending means the node has not been dispatched yet.
	StatusPending NodeStatus = "pending"
	// StatusRunning means a worker is executing the node.
	StatusRunning NodeStatus = "running"
	// StatusCompleted means the node's record was accepted.
	StatusCompleted NodeStatus = "completed"
	// StatusFailed means the node was rejected or blocked.
	StatusFailed NodeStatus = "failed"
)

// Node is one entry in the spawn tree.
type Node struct {
	// ID is the task node's ID.
	ID models.NodeID
	// ParentID is the node that introduced this one, empty for roots.
	ParentID models.NodeID
	// Depth is 0 for compiled roots, parent depth + 1 for extensions.
	Depth int
	// Role is the node's worker role.
	Role models.RoleTag
	// SpawnedAt is when the node was registered.
	SpawnedAt time.Time
	// Children lists nodes this one introduced.
	Children []models.NodeID
	// Status is the node's lifecycle state.
	Status NodeStatus
}

// Tree records which node or decision introduced every node, with a
// configurable depth limit on extensions.
type Tree struct {
	mu       sync.RWMutex
	maxDepth int
	nodes    map[models.NodeID]*Node
	roots    map[models.NodeID]bool
}

// DefaultMaxDepth is the extension depth limit when none is configured.
const DefaultMaxDepth = 2

// NewTree creates a tree with the given depth limit (0 means default).
func NewTree(maxDepth int) *Tree {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Tree{
		maxDepth: maxDepth,
		nodes:    make(map[models.NodeID]*Node),
		roots:    make(map[models.NodeID]bool),
	}
}

// RegisterRoot registers a compiled round-1 node at depth 0. Registering
// an already-known ID is a no-op.
func (t *Tree) RegisterRoot(id models.NodeID, role models.RoleTag) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.nodes[id]; exists {
		return
	}
	t.nodes[id] = &Node{
		ID:        id,
		Depth:     0,
		Role:      role,
		SpawnedAt: time.Now(),
		Status:    StatusPending,
	}
	t.roots[id] = true
}

// ValidateSpawn checks an extension before it is registered. It rejects
// unknown parents, exceeded depth, self-reference, and duplicate IDs.
func (t *Tree) ValidateSpawn(parent, child models.NodeID) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if parent == child {
		return fmt.Errorf("node %s cannot spawn itself", parent)
	}
	parentNode, ok := t.nodes[parent]
	if !ok {
		return fmt.Errorf("parent node %s not found in spawn tree", parent)
	}
	if parentNode.Depth >= t.maxDepth {
		return fmt.Errorf("cannot spawn at depth %d (max %d)", parentNode.Depth+1, t.maxDepth)
	}
	if _, exists := t.nodes[child]; exists {
		return fmt.Errorf("node %s already exists in spawn tree", child)
	}
	return nil
}

// RegisterSpawn records a parent-child extension after validation.
func (t *Tree) RegisterSpawn(parent, child models.NodeID, role models.RoleTag) error {
	if err := t.ValidateSpawn(parent, child); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	parentNode := t.nodes[parent]
	t.nodes[child] = &Node{
		ID:        child,
		ParentID:  parent,
		Depth:     parentNode.Depth + 1,
		Role:      role,
		SpawnedAt: time.Now(),
		Status:    StatusPending,
	}
	parentNode.Children = append(parentNode.Children, child)
	return nil
}

// UpdateStatus sets a node's lifecycle state. Unknown IDs are ignored.
func (t *Tree) UpdateStatus(id models.NodeID, status NodeStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if node, ok := t.nodes[id]; ok {
		node.Status = status
	}
}

// Depth returns a node's depth, or -1 if unknown.
func (t *Tree) Depth(id models.NodeID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if node, ok := t.nodes[id]; ok {
		return node.Depth
	}
	return -1
}

// Path returns the lineage from root to the given node.
func (t *Tree) Path(id models.NodeID) []models.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, ok := t.nodes[id]; !ok {
		return nil
	}

	var path []models.NodeID
	for current := id; current != ""; {
		path = append(path, current)
		node, ok := t.nodes[current]
		if !ok {
			break
		}
		current = node.ParentID
	}

	// Reverse to root-first order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Stats summarizes the tree.
type Stats struct {
	Total           int
	Roots           int
	MaxDepthReached int
	MaxDepthAllowed int
	ByStatus        map[NodeStatus]int
	ByRole          map[models.RoleTag]int
}

// Statistics returns distribution counts over the tree.
func (t *Tree) Statistics() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := Stats{
		Total:           len(t.nodes),
		Roots:           len(t.roots),
		MaxDepthAllowed: t.maxDepth,
		ByStatus:        make(map[NodeStatus]int),
		ByRole:          make(map[models.RoleTag]int),
	}
	for _, node := range t.nodes {
		if node.Depth > stats.MaxDepthReached {
			stats.MaxDepthReached = node.Depth
		}
		stats.ByStatus[node.Status]++
		stats.ByRole[node.Role]++
	}
	return stats
}

// statusGlyphs render node states in the tree visualization.
var statusGlyphs = map[NodeStatus]string{
	StatusPending:   "○",
	StatusRunning:   "◐",
	StatusCompleted: "●",
	StatusFailed:    "✗",
}

// Render returns an ASCII tree of the spawn hierarchy for the run log.
func (t *Tree) Render() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var sb strings.Builder

	var render func(id models.NodeID, prefix string, last bool)
	render = func(id models.NodeID, prefix string, last bool) {
		node := t.nodes[id]

		connector := "├── "
		childPrefix := prefix + "│   "
		if last {
			connector = "└── "
			childPrefix = prefix + "    "
		}

		glyph, ok := statusGlyphs[node.Status]
		if !ok {
			glyph = "?"
		}
		fmt.Fprintf(&sb, "%s%s%s %s:%s (depth %d)\n", prefix, connector, glyph, node.Role, node.ID, node.Depth)

		for i, child := range node.Children {
			render(child, childPrefix, i == len(node.Children)-1)
		}
	}

	roots := make([]string, 0, len(t.roots))
	for id := range t.roots {
		roots = append(roots, string(id))
	}
	sort.Strings(roots)

	for i, id := range roots {
		render(models.NodeID(id), "", i == len(roots)-1)
	}
	return sb.String()
}
