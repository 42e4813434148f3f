package evaluate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/loomctl/loom/internal/api"
	"github.com/loomctl/loom/internal/cost"
	"github.com/loomctl/loom/internal/filter"
	"github.com/loomctl/loom/pkg/models"
)

// promptRunner is the slice of the API runner the strategist needs.
type promptRunner interface {
	RunJSON(ctx context.Context, prompt string, target any) (api.Usage, error)
}

// ClaudeStrategist evaluates rounds with a Claude call.
type ClaudeStrategist struct {
	runner  promptRunner
	tracker *cost.Tracker
}

var _ Strategist = (*ClaudeStrategist)(nil)

// NewClaudeStrategist creates a Claude-backed strategist. tracker may be
// nil.
func NewClaudeStrategist(runner promptRunner, tracker *cost.Tracker) *ClaudeStrategist {
	return &ClaudeStrategist{runner: runner, tracker: tracker}
}

const evaluatePrompt = `You are the round evaluator of a task pipeline. Decide whether the run's goals are met.

GOALS (immutable, you may not change them):
%s

ROUND %d VERDICTS:
%s
%s%s
Return ONLY a JSON object:
{
  "decision": "done" | "extend" | "clarify",
  "reasoning": "one or two sentences",
  "new_tasks": [
    {"id": "unique_id", "role": "researcher|architect|coder|reviewer|analyst|writer|debugger", "depends_on": [], "parent": "nodeId that motivated this task", "description": "..."}
  ],
  "question": "only for clarify: the single question an operator must answer"
}

Rules:
- "done" only when every goal is demonstrably satisfied by accepted results.
- "extend" introduces at most %d tasks; never repeat work already accepted.
- "clarify" only when no task could make progress without external input.`

// modelDecision is the JSON shape the model returns.
type modelDecision struct {
	Decision  string   `json:"decision"`
	Reasoning string   `json:"reasoning"`
	Goals     []string `json:"goals"`
	NewTasks  []struct {
		ID          string   `json:"id"`
		Role        string   `json:"role"`
		DependsOn   []string `json:"depends_on"`
		Parent      string   `json:"parent"`
		Description string   `json:"description"`
	} `json:"new_tasks"`
	Question string `json:"question"`
}

// Evaluate prompts the model with the round's verdicts and parses its
// decision. A malformed response is retried once.
func (s *ClaudeStrategist) Evaluate(ctx context.Context, input EvalInput) (*Decision, error) {
	prompt := s.buildPrompt(input)

	decision, err := s.evaluateOnce(ctx, prompt, input)
	if err == nil {
		return decision, nil
	}

	retryPrompt := prompt + "\n\nYour previous response was malformed. Output ONLY the JSON object."
	decision, retryErr := s.evaluateOnce(ctx, retryPrompt, input)
	if retryErr != nil {
		return nil, fmt.Errorf("evaluate round %d: %w (first attempt: %v)", input.Round, retryErr, err)
	}
	return decision, nil
}

func (s *ClaudeStrategist) buildPrompt(input EvalInput) string {
	verdicts := make([]string, 0, len(input.RoundVerdicts))
	for _, v := range input.RoundVerdicts {
		line := fmt.Sprintf("- %s: %s", v.NodeID, v.Kind)
		if v.Reason != "" {
			line += " (" + v.Reason + ")"
		}
		verdicts = append(verdicts, line)
	}
	sort.Strings(verdicts)

	// Verdict reasons accumulate across rounds; compress them before
	// they reach the prompt.
	verdictBlock, saved := filter.Shrink(strings.Join(verdicts, "\n"))
	if saved > 0 && s.tracker != nil {
		s.tracker.TrackSavings("verdict-history-filtering", saved)
	}

	var answer string
	if input.Answer != "" {
		answer = "\nOPERATOR ANSWER to your earlier question:\n" + input.Answer + "\n"
	}
	var drift string
	if input.DriftRejected {
		drift = "\nYour previous decision restated the goals in diverging terms. Do not restate goals; decide against them as written.\n"
	}

	return fmt.Sprintf(evaluatePrompt,
		"- "+strings.Join(input.Doc.Goals, "\n- "),
		input.Round,
		verdictBlock,
		answer, drift,
		DefaultMaxNewNodes)
}

func (s *ClaudeStrategist) evaluateOnce(ctx context.Context, prompt string, input EvalInput) (*Decision, error) {
	var raw modelDecision
	usage, err := s.runner.RunJSON(ctx, prompt, &raw)
	if s.tracker != nil {
		s.tracker.Track(models.RoleEvaluator, "round-evaluator", input.Round, usage.InputTokens, usage.OutputTokens)
	}
	if err != nil {
		return nil, err
	}

	decision := &Decision{
		Reasoning:     raw.Reasoning,
		RestatedGoals: raw.Goals,
	}

	switch strings.ToLower(strings.TrimSpace(raw.Decision)) {
	case "done":
		decision.Kind = Done
	case "extend":
		decision.Kind = Extend
		for _, t := range raw.NewTasks {
			deps := make([]models.NodeID, 0, len(t.DependsOn))
			for _, d := range t.DependsOn {
				deps = append(deps, models.NodeID(d))
			}
			decision.NewNodes = append(decision.NewNodes, &models.TaskNode{
				ID:          models.NodeID(t.ID),
				Role:        models.RoleTag(t.Role),
				DependsOn:   deps,
				Description: t.Description,
				Round:       input.Round + 1,
				ParentID:    models.NodeID(t.Parent),
			})
		}
	case "clarify":
		if strings.TrimSpace(raw.Question) == "" {
			return nil, fmt.Errorf("clarify decision without a question")
		}
		decision.Kind = Clarify
		decision.Question = raw.Question
	default:
		return nil, fmt.Errorf("unknown decision %q", raw.Decision)
	}

	return decision, nil
}
