// Package report produces the run's closing summary. The kernel parses
// exactly one line of reporter output; everything else is for humans.
package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/loomctl/loom/internal/cost"
	"github.com/loomctl/loom/pkg/models"
)

// ErrNoSummaryLine indicates reporter output carried no parsable summary.
var ErrNoSummaryLine = errors.New("no summary line in reporter output")

// Input is what a reporter sees at the end of a run.
type Input struct {
	Slug string
	// Goals are the run's goals as compiled.
	Goals []string
	// Rounds is the number of rounds used.
	Rounds int
	// CeilingReached distinguishes a ceiling stop from completion.
	CeilingReached bool
	// Blocked maps blocked nodes to their reasons.
	Blocked map[models.NodeID]string
	// Tracker carries the run's cost figures.
	Tracker *cost.Tracker
}

// Reporter renders the closing report. The returned text must contain
// the summary line "slug rounds=N cost=$X.XX tokens=in/out".
type Reporter interface {
	Report(ctx context.Context, input Input) (string, error)
}

// Summary is the parsed form of the reporter's machine-readable line.
type Summary struct {
	Slug         string
	Rounds       int
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
}

// ParseSummary scans reporter output for the run's summary line.
func ParseSummary(slug, raw string) (*Summary, error) {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, slug+" ") {
			continue
		}

		var s Summary
		n, err := fmt.Sscanf(line, "%s rounds=%d cost=$%f tokens=%d/%d",
			&s.Slug, &s.Rounds, &s.CostUSD, &s.InputTokens, &s.OutputTokens)
		if err != nil || n != 5 || s.Slug != slug {
			continue
		}
		return &s, nil
	}
	return nil, fmt.Errorf("%w: slug %s", ErrNoSummaryLine, slug)
}

// TrackerReporter renders the report directly from the cost tracker. It
// is the default reporter and makes no external calls.
type TrackerReporter struct{}

var _ Reporter = (*TrackerReporter)(nil)

// Report renders goal status, blocked nodes, recommendations, and the
// summary line.
func (TrackerReporter) Report(ctx context.Context, input Input) (string, error) {
	var sb strings.Builder

	if input.CeilingReached {
		fmt.Fprintf(&sb, "Run %s stopped at the round ceiling (%d rounds).\n", input.Slug, input.Rounds)
	} else {
		fmt.Fprintf(&sb, "Run %s completed in %d round(s).\n", input.Slug, input.Rounds)
	}

	for _, goal := range input.Goals {
		fmt.Fprintf(&sb, "goal: %s\n", goal)
	}
	blocked := make([]string, 0, len(input.Blocked))
	for node := range input.Blocked {
		blocked = append(blocked, string(node))
	}
	sort.Strings(blocked)
	for _, node := range blocked {
		fmt.Fprintf(&sb, "blocked: %s (%s)\n", node, input.Blocked[models.NodeID(node)])
	}
	if input.Tracker != nil {
		for _, rec := range input.Tracker.Recommendations() {
			fmt.Fprintf(&sb, "hint: %s\n", rec)
		}
		sb.WriteString(input.Tracker.SummaryLine(input.Slug, input.Rounds))
		sb.WriteString("\n")
	}

	return sb.String(), nil
}
