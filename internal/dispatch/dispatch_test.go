package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/loomctl/loom/pkg/models"
)

// scriptWorker runs a per-node script function and counts attempts.
type scriptWorker struct {
	mu       sync.Mutex
	attempts map[models.NodeID]int
	script   func(ctx context.Context, inv Invocation, attempt int) (*Invoked, error)
}

func newScriptWorker(script func(ctx context.Context, inv Invocation, attempt int) (*Invoked, error)) *scriptWorker {
	return &scriptWorker{
		attempts: make(map[models.NodeID]int),
		script:   script,
	}
}

func (w *scriptWorker) Invoke(ctx context.Context, inv Invocation) (*Invoked, error) {
	w.mu.Lock()
	w.attempts[inv.Node.ID]++
	attempt := w.attempts[inv.Node.ID]
	w.mu.Unlock()
	return w.script(ctx, inv, attempt)
}

func (w *scriptWorker) attemptCount(id models.NodeID) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempts[id]
}

func completedOutput(id models.NodeID) *Invoked {
	return &Invoked{
		RawOutput: fmt.Sprintf("working...\n%s completed\n", id),
		Payload:   map[string]any{"summary": "ok"},
	}
}

func frontierOf(round int, nodes ...*models.TaskNode) Frontier {
	return Frontier{Nodes: nodes, Round: round, Verdicts: map[models.NodeID]models.VerdictKind{}}
}

func TestDispatchFrontier(t *testing.T) {
	worker := newScriptWorker(func(ctx context.Context, inv Invocation, attempt int) (*Invoked, error) {
		return completedOutput(inv.Node.ID), nil
	})
	d := NewDispatcher(worker, nil, nil, Config{})

	records, err := d.Dispatch(context.Background(), frontierOf(1,
		&models.TaskNode{ID: "a", Role: models.RoleResearcher},
		&models.TaskNode{ID: "b", Role: models.RoleCoder},
	))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	for _, rec := range records {
		if rec.Status != models.StatusCompleted {
			t.Errorf("node %s: unexpected status %s", rec.NodeID, rec.Status)
		}
		if rec.Round != 1 {
			t.Errorf("node %s: round %d", rec.NodeID, rec.Round)
		}
	}
}

func TestDispatchRefusesUnadjudicatedDependency(t *testing.T) {
	worker := newScriptWorker(func(ctx context.Context, inv Invocation, attempt int) (*Invoked, error) {
		t.Error("worker must not be invoked")
		return nil, errors.New("unreachable")
	})
	d := NewDispatcher(worker, nil, nil, Config{})

	f := frontierOf(2, &models.TaskNode{ID: "b", Role: models.RoleCoder, DependsOn: []models.NodeID{"a"}})
	if _, err := d.Dispatch(context.Background(), f); !errors.Is(err, ErrUnresolvedDependency) {
		t.Fatalf("expected ErrUnresolvedDependency, got %v", err)
	}
}

func TestDispatchAcceptsTerminalVerdicts(t *testing.T) {
	worker := newScriptWorker(func(ctx context.Context, inv Invocation, attempt int) (*Invoked, error) {
		if loc := inv.DependencyLocations["a"]; loc != "loc-a" {
			t.Errorf("dependency location not passed: %q", loc)
		}
		return completedOutput(inv.Node.ID), nil
	})
	d := NewDispatcher(worker, nil, nil, Config{})

	f := Frontier{
		Nodes:    []*models.TaskNode{{ID: "b", Role: models.RoleCoder, DependsOn: []models.NodeID{"a"}}},
		Round:    2,
		Verdicts: map[models.NodeID]models.VerdictKind{"a": models.VerdictAccepted},
		Locate:   func(models.NodeID) string { return "loc-a" },
	}
	if _, err := d.Dispatch(context.Background(), f); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
}

func TestRetryOnceThenSucceed(t *testing.T) {
	worker := newScriptWorker(func(ctx context.Context, inv Invocation, attempt int) (*Invoked, error) {
		if attempt == 1 {
			return &Invoked{RawOutput: "no token here"}, nil
		}
		return completedOutput(inv.Node.ID), nil
	})
	d := NewDispatcher(worker, nil, nil, Config{})

	records, err := d.Dispatch(context.Background(), frontierOf(1, &models.TaskNode{ID: "a", Role: models.RoleCoder}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if records[0].Status != models.StatusCompleted {
		t.Errorf("expected completed after retry, got %s", records[0].Status)
	}
	if worker.attemptCount("a") != 2 {
		t.Errorf("expected 2 attempts, got %d", worker.attemptCount("a"))
	}
}

func TestSecondFailureSynthesizesBlocked(t *testing.T) {
	worker := newScriptWorker(func(ctx context.Context, inv Invocation, attempt int) (*Invoked, error) {
		return nil, errors.New("boom")
	})
	d := NewDispatcher(worker, nil, nil, Config{})

	records, err := d.Dispatch(context.Background(), frontierOf(1, &models.TaskNode{ID: "a", Role: models.RoleCoder}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	rec := records[0]
	if rec.Status != models.StatusBlocked || !rec.Synthetic {
		t.Fatalf("expected synthetic blocked record, got %+v", rec)
	}
	if worker.attemptCount("a") != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", worker.attemptCount("a"))
	}
}

func TestSiblingFailureDoesNotCancelOthers(t *testing.T) {
	worker := newScriptWorker(func(ctx context.Context, inv Invocation, attempt int) (*Invoked, error) {
		if inv.Node.ID == "bad" {
			return nil, errors.New("boom")
		}
		return completedOutput(inv.Node.ID), nil
	})
	d := NewDispatcher(worker, nil, nil, Config{})

	records, err := d.Dispatch(context.Background(), frontierOf(1,
		&models.TaskNode{ID: "bad", Role: models.RoleCoder},
		&models.TaskNode{ID: "good", Role: models.RoleCoder},
	))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	byID := make(map[models.NodeID]*models.ResultRecord)
	for _, rec := range records {
		byID[rec.NodeID] = rec
	}
	if byID["good"].Status != models.StatusCompleted {
		t.Errorf("sibling failure affected good node: %+v", byID["good"])
	}
	if byID["bad"].Status != models.StatusBlocked {
		t.Errorf("failed node not blocked: %+v", byID["bad"])
	}
}

func TestWorkerTimeout(t *testing.T) {
	worker := newScriptWorker(func(ctx context.Context, inv Invocation, attempt int) (*Invoked, error) {
		select {
		case <-time.After(time.Second):
			return completedOutput(inv.Node.ID), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	d := NewDispatcher(worker, nil, nil, Config{DefaultTimeout: 10 * time.Millisecond})

	records, err := d.Dispatch(context.Background(), frontierOf(1, &models.TaskNode{ID: "slow", Role: models.RoleCoder}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if records[0].Status != models.StatusBlocked {
		t.Errorf("expected blocked record on timeout, got %s", records[0].Status)
	}
}

func TestParseStatusToken(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantStatus models.ResultStatus
		wantErr    bool
	}{
		{"completed", "t1 completed", models.StatusCompleted, false},
		{"completed among chatter", "thinking\nt1 completed\nbye", models.StatusCompleted, false},
		{"blocked bare", "t1 BLOCKED", models.StatusBlocked, false},
		{"blocked with reason", "t1 BLOCKED: missing credentials", models.StatusBlocked, false},
		{"no token", "all done!", "", true},
		{"wrong node", "t2 completed", "", true},
		{"lowercase blocked", "t1 blocked", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, _, err := ParseStatusToken("t1", tc.raw)
			if tc.wantErr {
				if !errors.Is(err, ErrNoStatus) {
					t.Fatalf("expected ErrNoStatus, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if status != tc.wantStatus {
				t.Errorf("status = %s, want %s", status, tc.wantStatus)
			}
		})
	}
}

func TestParseStatusTokenReason(t *testing.T) {
	_, reason, err := ParseStatusToken("t1", "t1 BLOCKED: db unreachable")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if reason != "db unreachable" {
		t.Errorf("unexpected reason: %q", reason)
	}
}
