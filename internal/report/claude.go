package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomctl/loom/internal/api"
)

// promptRunner is the slice of the API runner the reporter needs.
type promptRunner interface {
	Run(ctx context.Context, prompt string) (string, api.Usage, error)
}

// ClaudeReporter writes a narrative closing report and appends the
// machine-readable summary line itself, so parsing never depends on the
// model following format instructions.
type ClaudeReporter struct {
	runner promptRunner
}

var _ Reporter = (*ClaudeReporter)(nil)

// NewClaudeReporter creates a Claude-backed reporter.
func NewClaudeReporter(runner promptRunner) *ClaudeReporter {
	return &ClaudeReporter{runner: runner}
}

const reportPrompt = `Write a short closing report (at most 10 lines) for this run.

Run: %s
Rounds used: %d
Stopped at round ceiling: %v
Goals:
%s
Blocked tasks:
%s

Cover what was accomplished, what remains blocked and why, and one
suggestion for a follow-up run. Plain prose, no markdown.`

// Report generates the narrative and appends the summary line.
func (r *ClaudeReporter) Report(ctx context.Context, input Input) (string, error) {
	blocked := "none"
	if len(input.Blocked) > 0 {
		var lines []string
		for node, reason := range input.Blocked {
			lines = append(lines, fmt.Sprintf("- %s: %s", node, reason))
		}
		blocked = strings.Join(lines, "\n")
	}

	prompt := fmt.Sprintf(reportPrompt,
		input.Slug, input.Rounds, input.CeilingReached,
		"- "+strings.Join(input.Goals, "\n- "), blocked)

	narrative, _, err := r.runner.Run(ctx, prompt)
	if err != nil {
		// The summary line matters more than the narrative.
		narrative = fmt.Sprintf("(narrative unavailable: %v)", err)
	}

	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(narrative))
	sb.WriteString("\n")
	if input.Tracker != nil {
		sb.WriteString(input.Tracker.SummaryLine(input.Slug, input.Rounds))
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
