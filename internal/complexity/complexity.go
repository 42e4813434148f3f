// Package complexity scores a compiled task graph and maps the score to
// a recommended round ceiling.
package complexity

import (
	"fmt"

	"github.com/loomctl/loom/internal/graph"
	"github.com/loomctl/loom/pkg/models"
)

// Factor weights.
const (
	weightNodeCount = 0.30
	weightDepth     = 0.30
	weightInputSize = 0.20
	weightDiversity = 0.20
)

// Score is the result of a complexity calculation.
type Score struct {
	// Overall is the weighted score in [0,1].
	Overall float64
	// Rounds is the recommended round ceiling (3, 5, 7, or 10).
	Rounds int
	// Factors holds the individual factor scores.
	Factors map[string]float64
	// Reasoning holds one human-readable line per factor.
	Reasoning []string
}

// Calculate scores a document plus the originating request text.
// Factors: node count 30%, dependency depth 30%, input size 20%, role
// diversity 20%. The score maps to 3/5/7/10 rounds.
func Calculate(doc *models.TaskGraphDocument, request string) (*Score, error) {
	leveler := graph.New()
	if err := leveler.Build(doc); err != nil {
		return nil, fmt.Errorf("complexity: %w", err)
	}

	s := &Score{Factors: make(map[string]float64)}

	countScore, countReason := nodeCountScore(len(doc.Nodes))
	s.Factors["node_count"] = countScore
	s.Reasoning = append(s.Reasoning, countReason)

	depthScore, depthReason := depthScoreOf(leveler.MaxDepth())
	s.Factors["dependency_depth"] = depthScore
	s.Reasoning = append(s.Reasoning, depthReason)

	sizeScore, sizeReason := inputSizeScore(len(request))
	s.Factors["input_size"] = sizeScore
	s.Reasoning = append(s.Reasoning, sizeReason)

	divScore, divReason := diversityScore(doc)
	s.Factors["role_diversity"] = divScore
	s.Reasoning = append(s.Reasoning, divReason)

	s.Overall = countScore*weightNodeCount +
		depthScore*weightDepth +
		sizeScore*weightInputSize +
		divScore*weightDiversity
	s.Rounds = roundsFor(s.Overall)

	return s, nil
}

// nodeCountScore: 1-2 simple, 3-5 moderate, 6-10 complex, 10+ very complex.
func nodeCountScore(count int) (float64, string) {
	var score float64
	var level string
	switch {
	case count <= 2:
		score, level = 0.0, "simple"
	case count <= 5:
		score, level = 0.5, "moderate"
	case count <= 10:
		score, level = 0.8, "complex"
	default:
		score, level = 1.0, "very complex"
	}
	return score, fmt.Sprintf("node count: %d (%s)", count, level)
}

// depthScoreOf: 1 level flat, 5+ levels a very complex chain.
func depthScoreOf(depth int) (float64, string) {
	var score float64
	var level string
	switch {
	case depth <= 1:
		score, level = 0.0, "no dependencies"
	case depth == 2:
		score, level = 0.3, "simple chain"
	case depth == 3:
		score, level = 0.6, "moderate chain"
	case depth == 4:
		score, level = 0.8, "complex chain"
	default:
		score, level = 1.0, "very complex chain"
	}
	return score, fmt.Sprintf("dependency depth: %d levels (%s)", depth, level)
}

// inputSizeScore buckets the request size in characters.
func inputSizeScore(chars int) (float64, string) {
	var score float64
	var level string
	switch {
	case chars < 10_000:
		score, level = 0.0, "small"
	case chars < 50_000:
		score, level = 0.3, "medium"
	case chars < 100_000:
		score, level = 0.6, "large"
	case chars < 200_000:
		score, level = 0.8, "very large"
	default:
		score, level = 1.0, "massive"
	}
	return score, fmt.Sprintf("input size: %d chars (%s)", chars, level)
}

// diversityScore buckets the number of distinct roles in the graph.
func diversityScore(doc *models.TaskGraphDocument) (float64, string) {
	rolesSeen := make(map[models.RoleTag]bool)
	for _, n := range doc.Nodes {
		rolesSeen[n.Role] = true
	}
	count := len(rolesSeen)

	var score float64
	var level string
	switch {
	case count <= 1:
		score, level = 0.0, "single focus"
	case count == 2:
		score, level = 0.3, "dual focus"
	case count == 3:
		score, level = 0.6, "diverse"
	case count == 4:
		score, level = 0.8, "very diverse"
	default:
		score, level = 1.0, "highly diverse"
	}
	return score, fmt.Sprintf("role diversity: %d roles (%s)", count, level)
}

// roundsFor maps an overall score to the recommended round ceiling.
func roundsFor(score float64) int {
	switch {
	case score < 0.3:
		return 3
	case score < 0.6:
		return 5
	case score < 0.8:
		return 7
	default:
		return 10
	}
}
