package orchestrator

import (
	"time"

	"github.com/loomctl/loom/internal/compiler"
	"github.com/loomctl/loom/internal/cost"
	"github.com/loomctl/loom/internal/dispatch"
	"github.com/loomctl/loom/internal/evaluate"
	"github.com/loomctl/loom/internal/report"
	"github.com/loomctl/loom/internal/roles"
	"github.com/loomctl/loom/pkg/models"
)

// RequiredConfig contains the capabilities a controller cannot run
// without. All fields are required and have no defaults.
type RequiredConfig struct {
	// Compiler turns the request into the task graph.
	Compiler compiler.GraphCompiler
	// Worker executes individual nodes.
	Worker dispatch.Worker
	// Strategist evaluates each round. It is wrapped with kernel-side
	// enforcement; pass the raw implementation.
	Strategist evaluate.Strategist
}

// Option configures an Orchestrator. Use With* functions to create
// Options.
type Option func(*orchestratorOptions)

type orchestratorOptions struct {
	dataDir        string
	reporter       report.Reporter
	logger         *DebugLogger
	registry       *roles.Registry
	tracker        *cost.Tracker
	roundCeiling   int
	roundCap       int
	useComplexity  bool
	workerTimeout  time.Duration
	roleTimeouts   map[models.RoleTag]time.Duration
	maxNewNodes    int
	maxSpawnDepth  int
	eventBufferLen int
}

// WithDataDir sets the directory run roots are created under.
func WithDataDir(dir string) Option {
	return func(o *orchestratorOptions) { o.dataDir = dir }
}

// WithReporter sets the closing reporter.
func WithReporter(r report.Reporter) Option {
	return func(o *orchestratorOptions) { o.reporter = r }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithRegistry sets the role capability registry.
func WithRegistry(r *roles.Registry) Option {
	return func(o *orchestratorOptions) { o.registry = r }
}

// WithTracker shares a cost tracker with the compiler and strategist.
func WithTracker(t *cost.Tracker) Option {
	return func(o *orchestratorOptions) { o.tracker = t }
}

// WithRoundCeiling sets the default round ceiling.
func WithRoundCeiling(n int) Option {
	return func(o *orchestratorOptions) { o.roundCeiling = n }
}

// WithRoundCap sets the absolute round cap.
func WithRoundCap(n int) Option {
	return func(o *orchestratorOptions) { o.roundCap = n }
}

// WithComplexityCeiling lets the complexity calculator pick the round
// ceiling from the compiled graph.
func WithComplexityCeiling(enabled bool) Option {
	return func(o *orchestratorOptions) { o.useComplexity = enabled }
}

// WithWorkerTimeout sets the default per-worker timeout.
func WithWorkerTimeout(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.workerTimeout = d }
}

// WithRoleTimeouts overrides the worker timeout per role.
func WithRoleTimeouts(t map[models.RoleTag]time.Duration) Option {
	return func(o *orchestratorOptions) { o.roleTimeouts = t }
}

// WithMaxNewNodes bounds one Extend decision.
func WithMaxNewNodes(n int) Option {
	return func(o *orchestratorOptions) { o.maxNewNodes = n }
}

// WithSpawnDepth bounds extension lineage depth.
func WithSpawnDepth(n int) Option {
	return func(o *orchestratorOptions) { o.maxSpawnDepth = n }
}

// WithEventBuffer sets the event channel's buffer length.
func WithEventBuffer(n int) Option {
	return func(o *orchestratorOptions) { o.eventBufferLen = n }
}

func defaultOptions() *orchestratorOptions {
	return &orchestratorOptions{
		dataDir:        ".loom",
		reporter:       report.TrackerReporter{},
		logger:         NopLogger(),
		registry:       roles.NewRegistry(),
		roundCeiling:   5,
		roundCap:       10,
		useComplexity:  false,
		workerTimeout:  dispatch.DefaultTimeout,
		maxNewNodes:    evaluate.DefaultMaxNewNodes,
		maxSpawnDepth:  2,
		eventBufferLen: 64,
	}
}
