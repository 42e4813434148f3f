package roles

import (
	"strings"

	"github.com/loomctl/loom/pkg/models"
)

// Classifier assigns a role to a task description. It is a pluggable
// heuristic behind a stable interface; the kernel's correctness never
// depends on which role a classifier picks.
type Classifier interface {
	// Classify returns the role a task description should be dispatched as.
	Classify(description string) models.RoleTag
}

// KeywordClassifier picks a role by keyword matching, first hit wins.
// It is the default implementation; callers may swap in anything that
// satisfies Classifier.
type KeywordClassifier struct{}

// Verify KeywordClassifier implements Classifier at compile time.
var _ Classifier = (*KeywordClassifier)(nil)

// keywordTable maps lowercase keywords to roles. Checked in a fixed
// order so classification is deterministic.
var keywordTable = []struct {
	keywords []string
	role     models.RoleTag
}{
	{[]string{"debug", "diagnose", "fix failing", "stack trace"}, models.RoleDebugger},
	{[]string{"review", "critique", "audit"}, models.RoleReviewer},
	{[]string{"design", "architecture", "interface", "schema"}, models.RoleArchitect},
	{[]string{"implement", "code", "write a function", "refactor"}, models.RoleCoder},
	{[]string{"analyze", "metrics", "statistics", "dataset"}, models.RoleAnalyst},
	{[]string{"document", "write up", "summarize", "report"}, models.RoleWriter},
	{[]string{"evaluate", "assess", "verify against"}, models.RoleEvaluator},
	{[]string{"research", "investigate", "find", "look up"}, models.RoleResearcher},
}

// Classify returns the first role whose keywords appear in the
// description, defaulting to researcher.
func (KeywordClassifier) Classify(description string) models.RoleTag {
	lower := strings.ToLower(description)
	for _, entry := range keywordTable {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.role
			}
		}
	}
	return models.RoleResearcher
}
