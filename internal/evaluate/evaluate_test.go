package evaluate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/loomctl/loom/internal/api"
	"github.com/loomctl/loom/internal/cost"
	"github.com/loomctl/loom/internal/spawn"
	"github.com/loomctl/loom/pkg/models"
)

func baseInput(t *testing.T) EvalInput {
	t.Helper()
	doc := models.NewDocument("run", []string{"build the login endpoint", "document the API"})
	if err := doc.Append([]*models.TaskNode{
		{ID: "t1", Role: models.RoleCoder, Description: "implement login handler"},
		{ID: "t2", Role: models.RoleWriter, Description: "write API docs", DependsOn: []models.NodeID{"t1"}},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	return EvalInput{
		Doc:   doc,
		Round: 1,
		History: map[models.NodeID]models.VerdictKind{
			"t1": models.VerdictAccepted,
			"t2": models.VerdictRejected,
		},
	}
}

func TestGuardAcceptsValidExtend(t *testing.T) {
	guard := NewGuard(spawn.NewTree(2), 10)
	input := baseInput(t)

	decision := &Decision{Kind: Extend, NewNodes: []*models.TaskNode{
		{ID: "t3", Role: models.RoleWriter, Description: "rewrite API docs", DependsOn: []models.NodeID{"t1"}},
		{ID: "t4", Role: models.RoleReviewer, Description: "review docs", DependsOn: []models.NodeID{"t3"}},
	}}
	if err := guard.Check(input, decision); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestGuardRejectsBudgetOverflow(t *testing.T) {
	guard := NewGuard(nil, 2)
	input := baseInput(t)

	var nodes []*models.TaskNode
	for i := 0; i < 3; i++ {
		nodes = append(nodes, &models.TaskNode{
			ID:          models.NodeID(fmt.Sprintf("n%d", i)),
			Role:        models.RoleCoder,
			Description: fmt.Sprintf("task %d", i),
		})
	}
	err := guard.Check(input, &Decision{Kind: Extend, NewNodes: nodes})
	if !errors.Is(err, ErrExtendRejected) {
		t.Fatalf("expected ErrExtendRejected, got %v", err)
	}
}

func TestGuardRejectsStructuralViolations(t *testing.T) {
	tests := []struct {
		name  string
		nodes []*models.TaskNode
	}{
		{"empty extend", nil},
		{"id collision", []*models.TaskNode{
			{ID: "t1", Role: models.RoleCoder, Description: "x"},
		}},
		{"duplicate in batch", []*models.TaskNode{
			{ID: "n1", Role: models.RoleCoder, Description: "x"},
			{ID: "n1", Role: models.RoleCoder, Description: "y"},
		}},
		{"unknown role", []*models.TaskNode{
			{ID: "n1", Role: "wizard", Description: "x"},
		}},
		{"duplicate accepted work", []*models.TaskNode{
			{ID: "n1", Role: models.RoleCoder, Description: "implement login handler"},
		}},
		{"unknown dependency", []*models.TaskNode{
			{ID: "n1", Role: models.RoleCoder, Description: "x", DependsOn: []models.NodeID{"ghost"}},
		}},
	}
	guard := NewGuard(nil, 10)
	input := baseInput(t)

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := guard.Check(input, &Decision{Kind: Extend, NewNodes: tc.nodes})
			if !errors.Is(err, ErrExtendRejected) {
				t.Errorf("expected ErrExtendRejected, got %v", err)
			}
		})
	}
}

func TestGuardAllowsRedoOfRejectedWork(t *testing.T) {
	// t2 was rejected, so re-introducing its role+description is fine.
	guard := NewGuard(nil, 10)
	input := baseInput(t)

	decision := &Decision{Kind: Extend, NewNodes: []*models.TaskNode{
		{ID: "t2b", Role: models.RoleWriter, Description: "write API docs"},
	}}
	if err := guard.Check(input, decision); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestGuardEnforcesSpawnDepth(t *testing.T) {
	tree := spawn.NewTree(1)
	tree.RegisterRoot("t1", models.RoleCoder)
	if err := tree.RegisterSpawn("t1", "t1a", models.RoleCoder); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	guard := NewGuard(tree, 10)
	input := baseInput(t)

	// t1a sits at the depth limit; spawning under it must fail.
	err := guard.Check(input, &Decision{Kind: Extend, NewNodes: []*models.TaskNode{
		{ID: "deep", Role: models.RoleCoder, Description: "x", ParentID: "t1a"},
	}})
	if !errors.Is(err, ErrExtendRejected) {
		t.Fatalf("expected depth rejection, got %v", err)
	}
}

func TestGuardGoalDrift(t *testing.T) {
	guard := NewGuard(nil, 10)
	input := baseInput(t)

	// Close restatement passes.
	near := &Decision{Kind: Done, RestatedGoals: []string{"build the login endpoint", "document the API"}}
	if err := guard.Check(input, near); err != nil {
		t.Fatalf("close restatement rejected: %v", err)
	}

	// Divergent restatement is drift.
	far := &Decision{Kind: Done, RestatedGoals: []string{"rewrite everything in a different stack"}}
	if err := guard.Check(input, far); !errors.Is(err, ErrGoalDrift) {
		t.Fatalf("expected ErrGoalDrift, got %v", err)
	}

	// No restatement, no drift check.
	if err := guard.Check(input, &Decision{Kind: Done}); err != nil {
		t.Fatalf("missing restatement rejected: %v", err)
	}
}

// seqStrategist returns scripted decisions in order.
type seqStrategist struct {
	decisions []*Decision
	calls     int
	sawDrift  bool
}

func (s *seqStrategist) Evaluate(ctx context.Context, input EvalInput) (*Decision, error) {
	if input.DriftRejected {
		s.sawDrift = true
	}
	if s.calls >= len(s.decisions) {
		return nil, errors.New("no decision scripted")
	}
	d := s.decisions[s.calls]
	s.calls++
	return d, nil
}

func TestGuardedReinvokesOnceOnDrift(t *testing.T) {
	inner := &seqStrategist{decisions: []*Decision{
		{Kind: Done, RestatedGoals: []string{"something else entirely unrelated"}},
		{Kind: Done},
	}}
	g := NewGuarded(inner, NewGuard(nil, 10))

	decision, err := g.Evaluate(context.Background(), baseInput(t))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Kind != Done {
		t.Errorf("unexpected decision: %+v", decision)
	}
	if inner.calls != 2 || !inner.sawDrift {
		t.Errorf("expected one drift re-invocation, calls=%d drift=%v", inner.calls, inner.sawDrift)
	}
}

func TestGuardedStructuralViolationIsFatal(t *testing.T) {
	inner := &seqStrategist{decisions: []*Decision{
		{Kind: Extend, NewNodes: []*models.TaskNode{{ID: "t1", Role: models.RoleCoder, Description: "x"}}},
	}}
	g := NewGuarded(inner, NewGuard(nil, 10))

	_, err := g.Evaluate(context.Background(), baseInput(t))
	if !errors.Is(err, ErrExtendRejected) {
		t.Fatalf("expected ErrExtendRejected, got %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("structural violations must not re-invoke, calls=%d", inner.calls)
	}
}

// fakeRunner returns canned JSON responses in sequence.
type fakeRunner struct {
	responses []string
	calls     int
}

func (f *fakeRunner) RunJSON(ctx context.Context, prompt string, target any) (api.Usage, error) {
	if f.calls >= len(f.responses) {
		return api.Usage{}, errors.New("no response scripted")
	}
	resp := f.responses[f.calls]
	f.calls++
	if err := json.Unmarshal([]byte(resp), target); err != nil {
		return api.Usage{}, err
	}
	return api.Usage{}, nil
}

func TestClaudeStrategistDone(t *testing.T) {
	s := NewClaudeStrategist(&fakeRunner{responses: []string{
		`{"decision": "done", "reasoning": "all goals met"}`,
	}}, nil)

	d, err := s.Evaluate(context.Background(), baseInput(t))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Kind != Done || d.Reasoning != "all goals met" {
		t.Errorf("unexpected decision: %+v", d)
	}
}

func TestClaudeStrategistExtend(t *testing.T) {
	s := NewClaudeStrategist(&fakeRunner{responses: []string{
		`{"decision": "extend", "new_tasks": [
			{"id": "t3", "role": "reviewer", "depends_on": ["t2"], "parent": "t2", "description": "review docs"}
		]}`,
	}}, nil)

	input := baseInput(t)
	d, err := s.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Kind != Extend || len(d.NewNodes) != 1 {
		t.Fatalf("unexpected decision: %+v", d)
	}
	node := d.NewNodes[0]
	if node.Round != input.Round+1 {
		t.Errorf("new node must carry the next round, got %d", node.Round)
	}
	if node.ParentID != "t2" || node.Role != models.RoleReviewer {
		t.Errorf("unexpected node: %+v", node)
	}
}

func TestClaudeStrategistClarify(t *testing.T) {
	s := NewClaudeStrategist(&fakeRunner{responses: []string{
		`{"decision": "clarify", "question": "which auth provider?"}`,
	}}, nil)

	d, err := s.Evaluate(context.Background(), baseInput(t))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Kind != Clarify || d.Question != "which auth provider?" {
		t.Errorf("unexpected decision: %+v", d)
	}
}

func TestClaudeStrategistRetriesMalformed(t *testing.T) {
	runner := &fakeRunner{responses: []string{
		`{"decision": "maybe"}`,
		`{"decision": "done"}`,
	}}
	s := NewClaudeStrategist(runner, nil)

	d, err := s.Evaluate(context.Background(), baseInput(t))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Kind != Done || runner.calls != 2 {
		t.Errorf("expected retry to succeed, decision=%+v calls=%d", d, runner.calls)
	}
}

func TestClaudeStrategistCompressesVerdictHistory(t *testing.T) {
	tracker := cost.NewTracker()
	s := NewClaudeStrategist(&fakeRunner{responses: []string{
		`{"decision": "done", "reasoning": "all goals met"}`,
	}}, tracker)

	input := baseInput(t)
	input.RoundVerdicts = []*models.Verdict{
		{NodeID: "t1", Round: 1, Kind: models.VerdictAccepted},
		{NodeID: "t2", Round: 1, Kind: models.VerdictRejected,
			Reason: strings.Repeat("the payload restated the entire dependency record verbatim, ", 8)},
	}

	if _, err := s.Evaluate(context.Background(), input); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if saved, _ := tracker.SavingsImpact(); saved <= 0 {
		t.Error("overlong verdict reasons must record filtering savings")
	}
}

func TestClaudeStrategistClarifyWithoutQuestion(t *testing.T) {
	bad := `{"decision": "clarify"}`
	s := NewClaudeStrategist(&fakeRunner{responses: []string{bad, bad}}, nil)

	if _, err := s.Evaluate(context.Background(), baseInput(t)); err == nil {
		t.Fatal("expected error for clarify without question")
	}
}
