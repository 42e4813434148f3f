package evaluate

import (
	"fmt"
	"strings"

	"github.com/loomctl/loom/internal/spawn"
	"github.com/loomctl/loom/pkg/models"
)

// DefaultMaxNewNodes bounds how many nodes one Extend may introduce.
const DefaultMaxNewNodes = 10

// driftThreshold is the minimum token-overlap similarity between the
// run's goals and an evaluator restatement before drift is declared.
const driftThreshold = 0.3

// Guard applies the kernel-side rules a strategist cannot be trusted
// with: node budgets, collisions, duplicate work, spawn depth, and goal
// immutability.
type Guard struct {
	maxNewNodes int
	tree        *spawn.Tree
}

// NewGuard creates a guard over the given spawn tree. maxNewNodes <= 0
// means DefaultMaxNewNodes.
func NewGuard(tree *spawn.Tree, maxNewNodes int) *Guard {
	if maxNewNodes <= 0 {
		maxNewNodes = DefaultMaxNewNodes
	}
	return &Guard{maxNewNodes: maxNewNodes, tree: tree}
}

// Check validates a decision against the document and verdict history.
// Violations return ErrExtendRejected or ErrGoalDrift; the decision is
// never repaired.
func (g *Guard) Check(input EvalInput, decision *Decision) error {
	if err := g.checkGoalDrift(input.Doc.Goals, decision.RestatedGoals); err != nil {
		return err
	}
	if decision.Kind != Extend {
		return nil
	}

	if len(decision.NewNodes) == 0 {
		return fmt.Errorf("%w: extend with no new nodes", ErrExtendRejected)
	}
	if len(decision.NewNodes) > g.maxNewNodes {
		return fmt.Errorf("%w: %d new nodes exceeds budget %d", ErrExtendRejected, len(decision.NewNodes), g.maxNewNodes)
	}

	// An accepted node's work is settled; re-introducing the same
	// role+description is duplicate work.
	accepted := make(map[string]models.NodeID)
	for id, kind := range input.History {
		if kind != models.VerdictAccepted {
			continue
		}
		if node, ok := input.Doc.Nodes[id]; ok {
			accepted[workKey(node.Role, node.Description)] = id
		}
	}

	seen := make(map[models.NodeID]bool)
	for _, node := range decision.NewNodes {
		if node.ID == "" {
			return fmt.Errorf("%w: node with empty ID", ErrExtendRejected)
		}
		if _, exists := input.Doc.Nodes[node.ID]; exists {
			return fmt.Errorf("%w: node %s collides with an existing node", ErrExtendRejected, node.ID)
		}
		if seen[node.ID] {
			return fmt.Errorf("%w: node %s introduced twice", ErrExtendRejected, node.ID)
		}
		seen[node.ID] = true

		if !node.Role.Valid() {
			return fmt.Errorf("%w: node %s has unknown role %q", ErrExtendRejected, node.ID, node.Role)
		}
		if prior, dup := accepted[workKey(node.Role, node.Description)]; dup {
			return fmt.Errorf("%w: node %s duplicates accepted node %s", ErrExtendRejected, node.ID, prior)
		}

		// Dependencies may name existing nodes or same-batch siblings.
		for _, dep := range node.DependsOn {
			if _, exists := input.Doc.Nodes[dep]; exists {
				continue
			}
			if batchContains(decision.NewNodes, dep) {
				continue
			}
			return fmt.Errorf("%w: node %s depends on unknown node %s", ErrExtendRejected, node.ID, dep)
		}

		if g.tree != nil && node.ParentID != "" {
			if err := g.tree.ValidateSpawn(node.ParentID, node.ID); err != nil {
				return fmt.Errorf("%w: %v", ErrExtendRejected, err)
			}
		}
	}

	return nil
}

// Register records an already-checked decision's nodes in the spawn tree.
func (g *Guard) Register(decision *Decision) error {
	if g.tree == nil || decision.Kind != Extend {
		return nil
	}
	for _, node := range decision.NewNodes {
		if node.ParentID == "" {
			g.tree.RegisterRoot(node.ID, node.Role)
			continue
		}
		if err := g.tree.RegisterSpawn(node.ParentID, node.ID, node.Role); err != nil {
			return err
		}
	}
	return nil
}

// checkGoalDrift compares an evaluator restatement against the run's
// goals with token-overlap similarity.
func (g *Guard) checkGoalDrift(goals, restated []string) error {
	if len(restated) == 0 {
		return nil
	}
	original := tokenSet(strings.Join(goals, " "))
	proposed := tokenSet(strings.Join(restated, " "))
	if similarity(original, proposed) < driftThreshold {
		return ErrGoalDrift
	}
	return nil
}

func workKey(role models.RoleTag, description string) string {
	return string(role) + "\x00" + strings.ToLower(strings.TrimSpace(description))
}

func batchContains(nodes []*models.TaskNode, id models.NodeID) bool {
	for _, n := range nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?\"'()")
		if tok != "" {
			set[tok] = true
		}
	}
	return set
}

// similarity is Jaccard overlap between two token sets.
func similarity(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
