package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomctl/loom/internal/compiler"
	"github.com/loomctl/loom/internal/complexity"
	"github.com/loomctl/loom/internal/cost"
	"github.com/loomctl/loom/internal/dispatch"
	"github.com/loomctl/loom/internal/evaluate"
	"github.com/loomctl/loom/internal/graph"
	"github.com/loomctl/loom/internal/report"
	"github.com/loomctl/loom/internal/spawn"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/internal/validate"
	"github.com/loomctl/loom/pkg/models"
)

// ErrNotConfigured indicates a required capability is missing.
var ErrNotConfigured = errors.New("orchestrator missing required capability")

// Orchestrator is the round controller. It owns the run: one
// compilation, bounded rounds of frontier execution, and one report.
type Orchestrator struct {
	compiler   compiler.GraphCompiler
	dispatcher *dispatch.Dispatcher
	strategist evaluate.Strategist
	guard      *evaluate.Guard
	tree       *spawn.Tree
	reporter   report.Reporter
	tracker    *cost.Tracker
	logger     *DebugLogger
	opts       *orchestratorOptions

	events   chan Event
	answerCh chan string

	state    State
	roundLog *store.RoundLog
}

// New creates a controller from the required capabilities plus options.
func New(req RequiredConfig, options ...Option) (*Orchestrator, error) {
	if req.Compiler == nil || req.Worker == nil || req.Strategist == nil {
		return nil, fmt.Errorf("%w: compiler, worker, and strategist are all required", ErrNotConfigured)
	}

	opts := defaultOptions()
	for _, opt := range options {
		opt(opts)
	}
	if opts.roundCeiling > opts.roundCap {
		opts.roundCeiling = opts.roundCap
	}

	tree := spawn.NewTree(opts.maxSpawnDepth)
	guard := evaluate.NewGuard(tree, opts.maxNewNodes)

	o := &Orchestrator{
		compiler:   req.Compiler,
		strategist: evaluate.NewGuarded(req.Strategist, guard),
		guard:      guard,
		tree:       tree,
		reporter:   opts.reporter,
		tracker:    opts.tracker,
		logger:     opts.logger,
		opts:       opts,
		events:     make(chan Event, opts.eventBufferLen),
		answerCh:   make(chan string, 1),
		state:      StateCompiling,
	}
	if o.tracker == nil {
		o.tracker = cost.NewTracker()
	}
	o.dispatcher = dispatch.NewDispatcher(req.Worker, opts.registry, o.tracker, dispatch.Config{
		DefaultTimeout: opts.workerTimeout,
		RoleTimeouts:   opts.roleTimeouts,
	})
	o.dispatcher.SetDebugLog(debugLog)
	return o, nil
}

// Tracker returns the run's cost tracker, for sharing with the compiler
// and strategist implementations.
func (o *Orchestrator) Tracker() *cost.Tracker {
	return o.tracker
}

// transition moves the state machine and records the move everywhere it
// is observable.
func (o *Orchestrator) transition(round int, to State) {
	from := o.state
	o.state = to
	o.logger.Log("round %d: %s -> %s", round, from, to)
	if o.roundLog != nil {
		if err := o.roundLog.LogTransition(round, string(from), string(to)); err != nil {
			debugLog("log transition: %v", err)
		}
	}
	o.emit(Event{Type: EventStateChanged, Round: round, State: to})
}

// fail moves to the terminal failed state and returns the wrapped error.
func (o *Orchestrator) fail(round int, err error) error {
	o.transition(round, StateFailed)
	o.emit(Event{Type: EventRunFailed, Round: round, Err: err})
	return err
}

// Run executes the full lifecycle for one request and returns the final
// verdict. The events channel is closed when Run returns.
func (o *Orchestrator) Run(ctx context.Context, request string) (*FinalVerdict, error) {
	defer close(o.events)
	setPackageLogger(o.logger)

	// Compile exactly once. The compiler owns its single retry; a
	// failure here is fatal.
	doc, manifest, err := o.compiler.Compile(ctx, request)
	if err != nil {
		return nil, o.fail(0, fmt.Errorf("compile: %w", err))
	}
	o.logger.Log("compiled %s: %d nodes, %d goals", doc.Slug, len(doc.Nodes), len(doc.Goals))

	st, err := store.Open(o.opts.dataDir, doc.Slug)
	if err != nil {
		return nil, o.fail(0, err)
	}
	if err := st.SaveDocument(doc); err != nil {
		return nil, o.fail(0, err)
	}
	roundLog, err := store.OpenRoundLog(st)
	if err != nil {
		return nil, o.fail(0, err)
	}
	defer roundLog.Close()
	o.roundLog = roundLog

	validator := validate.NewValidator(st.Root())

	for _, entry := range manifest.Entries {
		o.tree.RegisterRoot(entry.NodeID, entry.Role)
	}

	ceiling := o.ceiling(doc, request)
	o.logger.Log("round ceiling: %d", ceiling)

	history := make(map[models.NodeID]models.VerdictKind)
	locations := make(map[models.NodeID]string)
	blockedReasons := make(map[models.NodeID]string)

	done := false
	rounds := 0

	for round := 1; round <= ceiling && !done; round++ {
		rounds = round
		o.emit(Event{Type: EventRoundStarted, Round: round})

		rs, err := o.runFrontiers(ctx, round, doc, st, validator, history, locations, blockedReasons)
		if err != nil {
			return nil, o.fail(round, err)
		}

		decision, err := o.evaluateRound(ctx, round, doc, st, rs, history)
		if err != nil {
			return nil, o.fail(round, err)
		}

		if err := roundLog.LogDecision(round, string(decision.Kind), decision.Reasoning); err != nil {
			debugLog("log decision: %v", err)
		}
		o.emit(Event{Type: EventDecision, Round: round, Message: string(decision.Kind)})

		switch decision.Kind {
		case evaluate.Done:
			done = true
		case evaluate.Extend:
			for _, node := range decision.NewNodes {
				node.ResultLocation = st.RecordPath(node.ID, round+1)
			}
			if err := doc.Append(decision.NewNodes); err != nil {
				return nil, o.fail(round, fmt.Errorf("append extension: %w", err))
			}
			if err := o.guard.Register(decision); err != nil {
				return nil, o.fail(round, fmt.Errorf("register extension: %w", err))
			}
			if err := st.SaveDocument(doc); err != nil {
				return nil, o.fail(round, err)
			}
			o.logger.Log("round %d: extended with %d node(s)", round, len(decision.NewNodes))
		}
	}

	return o.report(ctx, doc, st, rounds, done, blockedReasons)
}

// ceiling picks the round ceiling: complexity-derived when enabled,
// configured default otherwise, always clamped to the cap.
func (o *Orchestrator) ceiling(doc *models.TaskGraphDocument, request string) int {
	ceiling := o.opts.roundCeiling
	if o.opts.useComplexity {
		if score, err := complexity.Calculate(doc, request); err == nil {
			ceiling = score.Rounds
			o.logger.Log("complexity %.2f -> %d rounds", score.Overall, score.Rounds)
		}
	}
	if ceiling > o.opts.roundCap {
		ceiling = o.opts.roundCap
	}
	if ceiling < 1 {
		ceiling = 1
	}
	return ceiling
}

// runFrontiers drives one round's frontier loop until the graph is
// exhausted, adjudicating every ready node.
func (o *Orchestrator) runFrontiers(
	ctx context.Context,
	round int,
	doc *models.TaskGraphDocument,
	st *store.Store,
	validator *validate.Validator,
	history map[models.NodeID]models.VerdictKind,
	locations map[models.NodeID]string,
	blockedReasons map[models.NodeID]string,
) (*RoundState, error) {
	o.transition(round, StateLeveling)

	leveler := graph.New()
	leveler.SetDebugLog(debugLog)
	if err := leveler.Build(doc); err != nil {
		return nil, err
	}

	rs := newRoundState(round, history)

	for {
		frontier, err := leveler.Frontier(rs.Executed)
		if err != nil {
			return nil, err
		}
		if len(frontier) == 0 {
			break
		}

		// A node whose dependency was rejected can never produce a
		// trustworthy result; it is blocked without dispatch.
		var dispatchable []*models.TaskNode
		for _, node := range frontier {
			if dep, starved := rejectedDep(node, history); starved {
				rec := &models.ResultRecord{
					NodeID:        node.ID,
					Round:         round,
					Status:        models.StatusBlocked,
					BlockedReason: fmt.Sprintf("dependency %s was rejected", dep),
					Synthetic:     true,
				}
				o.adjudicate(st, validator, rec, rs, history, locations, blockedReasons)
				continue
			}
			dispatchable = append(dispatchable, node)
		}
		if len(dispatchable) == 0 {
			continue
		}

		o.transition(round, StateDispatching)
		o.emit(Event{Type: EventFrontierDispatched, Round: round, Message: fmt.Sprintf("%d node(s)", len(dispatchable))})

		records, err := o.dispatcher.Dispatch(ctx, dispatch.Frontier{
			Nodes:            dispatchable,
			Round:            round,
			Verdicts:         history,
			DocumentLocation: st.Root(),
			Locate:           func(id models.NodeID) string { return locations[id] },
		})
		if err != nil {
			return nil, err
		}

		o.transition(round, StateValidating)
		for _, rec := range records {
			o.adjudicate(st, validator, rec, rs, history, locations, blockedReasons)
		}
	}

	return rs, nil
}

// adjudicate persists a record, validates it, and folds the verdict into
// the run's history.
func (o *Orchestrator) adjudicate(
	st *store.Store,
	validator *validate.Validator,
	rec *models.ResultRecord,
	rs *RoundState,
	history map[models.NodeID]models.VerdictKind,
	locations map[models.NodeID]string,
	blockedReasons map[models.NodeID]string,
) {
	if err := st.WriteRecord(rec); err != nil {
		// A duplicate here is a controller bug, not a worker failure.
		debugLog("write record %s round %d: %v", rec.NodeID, rec.Round, err)
	}

	verdict := validator.Validate(rec)
	if o.roundLog != nil {
		if err := o.roundLog.LogVerdict(&verdict); err != nil {
			debugLog("log verdict: %v", err)
		}
	}

	history[verdict.NodeID] = verdict.Kind
	rs.Executed[verdict.NodeID] = true
	rs.Verdicts = append(rs.Verdicts, &verdict)

	switch verdict.Kind {
	case models.VerdictAccepted:
		locations[verdict.NodeID] = st.RecordPath(verdict.NodeID, rec.Round)
		delete(blockedReasons, verdict.NodeID)
		o.tree.UpdateStatus(verdict.NodeID, spawn.StatusCompleted)
	case models.VerdictBlocked:
		locations[verdict.NodeID] = st.RecordPath(verdict.NodeID, rec.Round)
		blockedReasons[verdict.NodeID] = verdict.Reason
		o.tree.UpdateStatus(verdict.NodeID, spawn.StatusFailed)
		o.emit(Event{Type: EventNodeBlocked, Round: rec.Round, NodeID: verdict.NodeID, Message: verdict.Reason})
	case models.VerdictRejected:
		o.tree.UpdateStatus(verdict.NodeID, spawn.StatusFailed)
		o.logger.Log("round %d: %s rejected: %s", rec.Round, verdict.NodeID, verdict.Reason)
	}

	o.emit(Event{Type: EventVerdictIssued, Round: rec.Round, NodeID: verdict.NodeID, Message: string(verdict.Kind)})
}

// evaluateRound asks the strategist for the round decision, suspending
// on Clarify until an answer arrives.
func (o *Orchestrator) evaluateRound(
	ctx context.Context,
	round int,
	doc *models.TaskGraphDocument,
	st *store.Store,
	rs *RoundState,
	history map[models.NodeID]models.VerdictKind,
) (*evaluate.Decision, error) {
	input := evaluate.EvalInput{
		Doc:           doc,
		Round:         round,
		RoundVerdicts: rs.Verdicts,
		History:       history,
	}

	for {
		o.transition(round, StateEvaluating)
		decision, err := o.strategist.Evaluate(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("evaluate round %d: %w", round, err)
		}
		if decision.Kind != evaluate.Clarify {
			return decision, nil
		}

		o.transition(round, StateAwaitingClarification)
		if err := st.WriteQuestion(decision.Question); err != nil {
			debugLog("persist question: %v", err)
		}
		o.emit(Event{Type: EventClarificationRequested, Round: round, Message: decision.Question})
		o.logger.Log("round %d: awaiting clarification: %s", round, decision.Question)

		answer, err := o.awaitAnswer(ctx, st, round)
		if err != nil {
			return nil, fmt.Errorf("clarification: %w", err)
		}
		o.emit(Event{Type: EventClarificationAnswered, Round: round})
		input.Answer = answer
	}
}

// report renders the closing report and assembles the final verdict.
func (o *Orchestrator) report(
	ctx context.Context,
	doc *models.TaskGraphDocument,
	st *store.Store,
	rounds int,
	done bool,
	blockedReasons map[models.NodeID]string,
) (*FinalVerdict, error) {
	o.transition(rounds, StateReporting)

	if err := st.WriteSpawnTree(o.tree.Render()); err != nil {
		debugLog("persist spawn tree: %v", err)
	}

	out, err := o.reporter.Report(ctx, report.Input{
		Slug:           doc.Slug,
		Goals:          doc.Goals,
		Rounds:         rounds,
		CeilingReached: !done,
		Blocked:        blockedReasons,
		Tracker:        o.tracker,
	})
	if err != nil {
		return nil, o.fail(rounds, fmt.Errorf("report: %w", err))
	}

	verdict := &FinalVerdict{
		Slug:           doc.Slug,
		Goals:          doc.Goals,
		GoalsSatisfied: done,
		Blocked:        blockedReasons,
		Rounds:         rounds,
		CeilingReached: !done,
		Report:         out,
	}
	verdict.CostLine = o.tracker.SummaryLine(doc.Slug, rounds)
	if _, err := report.ParseSummary(doc.Slug, out); err != nil {
		debugLog("reporter output missing summary line: %v", err)
	}

	o.emit(Event{Type: EventRunDone, Round: rounds, Message: fmt.Sprintf("goals satisfied: %v", done)})
	o.logger.Log("run %s finished: rounds=%d done=%v", doc.Slug, rounds, done)
	return verdict, nil
}

// rejectedDep returns the first dependency with a rejected verdict.
func rejectedDep(node *models.TaskNode, history map[models.NodeID]models.VerdictKind) (models.NodeID, bool) {
	for _, dep := range node.DependsOn {
		if history[dep] == models.VerdictRejected {
			return dep, true
		}
	}
	return "", false
}
