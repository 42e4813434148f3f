// Package dispatch fans worker invocations out over a frontier and
// collects one result record per node.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomctl/loom/internal/cost"
	"github.com/loomctl/loom/internal/roles"
	"github.com/loomctl/loom/pkg/models"
)

// ErrUnresolvedDependency indicates a frontier node was handed to the
// dispatcher before all of its dependencies held an accepted or blocked
// verdict.
var ErrUnresolvedDependency = errors.New("frontier node has an unadjudicated dependency")

// ErrNoStatus indicates a worker's output carried no recognizable status
// token for the invoked node.
var ErrNoStatus = errors.New("no status token in worker output")

// DefaultTimeout bounds a single worker invocation.
const DefaultTimeout = 5 * time.Minute

// Invocation is everything a worker receives for one node. Descriptions
// and dependency payloads are data; the worker must not treat them as
// instructions to the kernel.
type Invocation struct {
	// Node is the task node being executed.
	Node *models.TaskNode
	// Round is the evaluation round.
	Round int
	// WorkerID identifies this invocation attempt.
	WorkerID string
	// DocumentLocation points at the persisted task graph document.
	DocumentLocation string
	// DependencyLocations maps each dependency to its validated result
	// record location.
	DependencyLocations map[models.NodeID]string
	// Capabilities is the role's allowlist for this run.
	Capabilities roles.CapabilitySet
}

// Invoked is a worker's raw return. The dispatcher parses the status
// token out of RawOutput; everything else in it is discarded.
type Invoked struct {
	RawOutput    string
	Payload      map[string]any
	FilesTouched []string
	InputTokens  int64
	OutputTokens int64
}

// Worker executes a single node invocation. Implementations must be
// stateless across invocations.
type Worker interface {
	Invoke(ctx context.Context, inv Invocation) (*Invoked, error)
}

// Config carries dispatcher tuning.
type Config struct {
	// DefaultTimeout bounds each invocation; zero means DefaultTimeout.
	DefaultTimeout time.Duration
	// RoleTimeouts overrides the default per role.
	RoleTimeouts map[models.RoleTag]time.Duration
}

// Dispatcher runs frontier nodes concurrently against a worker pool.
type Dispatcher struct {
	worker   Worker
	registry *roles.Registry
	tracker  *cost.Tracker
	cfg      Config
	debugLog func(format string, args ...interface{})
}

// NewDispatcher creates a dispatcher. registry and tracker may be nil.
func NewDispatcher(worker Worker, registry *roles.Registry, tracker *cost.Tracker, cfg Config) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if registry == nil {
		registry = roles.NewRegistry()
	}
	return &Dispatcher{
		worker:   worker,
		registry: registry,
		tracker:  tracker,
		cfg:      cfg,
	}
}

// SetDebugLog installs a debug logging function.
func (d *Dispatcher) SetDebugLog(fn func(format string, args ...interface{})) {
	d.debugLog = fn
}

func (d *Dispatcher) logf(format string, args ...interface{}) {
	if d.debugLog != nil {
		d.debugLog(format, args...)
	}
}

// Frontier carries the adjudication context a dispatch needs.
type Frontier struct {
	// Nodes are the ready nodes to execute.
	Nodes []*models.TaskNode
	// Round is the current round number.
	Round int
	// Verdicts holds every verdict issued so far in the run.
	Verdicts map[models.NodeID]models.VerdictKind
	// DocumentLocation points at the persisted document.
	DocumentLocation string
	// Locate maps a dependency to its result record location.
	Locate func(models.NodeID) string
}

// Dispatch executes every frontier node and returns exactly one record
// per node. A worker failure is retried once with an identical
// invocation; the second failure yields a synthetic blocked record. No
// sibling's failure cancels another; only the per-node timeout cancels.
func (d *Dispatcher) Dispatch(ctx context.Context, f Frontier) ([]*models.ResultRecord, error) {
	if err := d.checkAdjudicated(f); err != nil {
		return nil, err
	}

	results := make(chan *models.ResultRecord, len(f.Nodes))
	var wg sync.WaitGroup

	for _, node := range f.Nodes {
		wg.Add(1)
		go func(node *models.TaskNode) {
			defer wg.Done()
			results <- d.execute(ctx, node, f)
		}(node)
	}

	wg.Wait()
	close(results)

	records := make([]*models.ResultRecord, 0, len(f.Nodes))
	for rec := range results {
		records = append(records, rec)
	}
	return records, nil
}

// checkAdjudicated refuses a frontier whose dependencies are not all
// terminally adjudicated. The orchestrator should never pass one; this
// is the dispatcher's own gate.
func (d *Dispatcher) checkAdjudicated(f Frontier) error {
	for _, node := range f.Nodes {
		for _, dep := range node.DependsOn {
			kind, ok := f.Verdicts[dep]
			if !ok || (kind != models.VerdictAccepted && kind != models.VerdictBlocked) {
				return fmt.Errorf("%w: node %s depends on %s", ErrUnresolvedDependency, node.ID, dep)
			}
		}
	}
	return nil
}

// execute runs one node: invoke, parse, retry once, or synthesize a
// blocked record.
func (d *Dispatcher) execute(ctx context.Context, node *models.TaskNode, f Frontier) *models.ResultRecord {
	inv := Invocation{
		Node:                node,
		Round:               f.Round,
		WorkerID:            uuid.NewString(),
		DocumentLocation:    f.DocumentLocation,
		DependencyLocations: make(map[models.NodeID]string, len(node.DependsOn)),
		Capabilities:        d.registry.Capabilities(node.Role),
	}
	for _, dep := range node.DependsOn {
		if f.Locate != nil {
			inv.DependencyLocations[dep] = f.Locate(dep)
		}
	}

	rec, err := d.attempt(ctx, inv)
	if err == nil {
		return rec
	}
	d.logf("node %s attempt 1 failed: %v, retrying", node.ID, err)

	rec, retryErr := d.attempt(ctx, inv)
	if retryErr == nil {
		return rec
	}
	d.logf("node %s attempt 2 failed: %v, synthesizing blocked record", node.ID, retryErr)

	return &models.ResultRecord{
		NodeID:        node.ID,
		Round:         f.Round,
		Status:        models.StatusBlocked,
		BlockedReason: fmt.Sprintf("worker failed twice: %v; %v", err, retryErr),
		Synthetic:     true,
	}
}

// attempt performs a single bounded invocation and parses its status.
func (d *Dispatcher) attempt(ctx context.Context, inv Invocation) (*models.ResultRecord, error) {
	timeout := d.cfg.DefaultTimeout
	if t, ok := d.cfg.RoleTimeouts[inv.Node.Role]; ok && t > 0 {
		timeout = t
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := d.worker.Invoke(ctx, inv)
	if err != nil {
		return nil, err
	}
	if d.tracker != nil {
		d.tracker.Track(inv.Node.Role, inv.Node.ID, inv.Round, out.InputTokens, out.OutputTokens)
	}

	status, reason, err := ParseStatusToken(inv.Node.ID, out.RawOutput)
	if err != nil {
		return nil, err
	}

	return &models.ResultRecord{
		NodeID:        inv.Node.ID,
		Round:         inv.Round,
		Status:        status,
		Payload:       out.Payload,
		FilesTouched:  out.FilesTouched,
		BlockedReason: reason,
	}, nil
}
