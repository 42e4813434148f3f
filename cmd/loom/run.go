package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/orchestrator"
	"github.com/loomctl/loom/pkg/models"
)

var (
	runRounds     int
	runConfigPath string
	runDataDir    string
	runQuiet      bool
	runDebugLog   string
)

var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Run a request through the orchestration kernel",
	Long: `Compile a request into a task graph and execute it.

The request is decomposed into role-tagged task nodes with explicit
dependencies. Each round, every ready node is dispatched to a worker,
its result is validated, and the round evaluator decides whether to
finish, extend the graph, or ask for clarification.

When the run suspends on a clarification, answer it from another
terminal with 'loom answer <slug> <text>'.

Round bounds:
  --rounds     Fixed round ceiling (disables complexity scoring)
  By default the ceiling is derived from graph complexity, clamped
  to the configured cap (never above 10).`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTask,
}

func init() {
	runCmd.Flags().IntVar(&runRounds, "rounds", 0, "Round ceiling (0 = use config/complexity)")
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "Path to a config file (overrides discovery)")
	runCmd.Flags().StringVar(&runDataDir, "data-dir", "", "Directory for run artifacts")
	runCmd.Flags().BoolVar(&runQuiet, "quiet", false, "Suppress the event stream, print only the result")
	runCmd.Flags().StringVar(&runDebugLog, "debug-log", "", "Write controller debug output to this file")
}

func runTask(cmd *cobra.Command, args []string) error {
	request := strings.Join(args, " ")

	cfg, err := loadRunConfig()
	if err != nil {
		return err
	}
	if runDataDir != "" {
		cfg.Store.DataDir = runDataDir
	}

	deps, err := buildRunDeps(cfg)
	if err != nil {
		return err
	}

	opts := []orchestrator.Option{
		orchestrator.WithDataDir(cfg.Store.DataDir),
		orchestrator.WithReporter(deps.reporter),
		orchestrator.WithTracker(deps.tracker),
		orchestrator.WithRegistry(deps.registry),
		orchestrator.WithRoundCap(cfg.Rounds.Cap),
		orchestrator.WithWorkerTimeout(cfg.Timeouts.Worker),
		orchestrator.WithMaxNewNodes(cfg.Evaluator.MaxNewNodes),
		orchestrator.WithSpawnDepth(cfg.Evaluator.MaxSpawnDepth),
	}

	if timeouts := roleTimeouts(cfg); len(timeouts) > 0 {
		opts = append(opts, orchestrator.WithRoleTimeouts(timeouts))
	}

	// An explicit --rounds pins the ceiling; otherwise complexity
	// scoring picks it when enabled.
	if runRounds > 0 {
		opts = append(opts, orchestrator.WithRoundCeiling(runRounds))
	} else {
		opts = append(opts,
			orchestrator.WithRoundCeiling(cfg.Rounds.Default),
			orchestrator.WithComplexityCeiling(cfg.Rounds.UseComplexity),
		)
	}

	if logger, cleanup, err := openDebugLogger(); err != nil {
		return err
	} else if logger != nil {
		defer cleanup()
		opts = append(opts, orchestrator.WithLogger(logger))
	}

	orch, err := orchestrator.New(orchestrator.RequiredConfig{
		Compiler:   deps.compiler,
		Worker:     deps.worker,
		Strategist: deps.strategist,
	}, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nReceived interrupt, shutting down...")
		cancel()
	}()

	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		for e := range orch.Events() {
			if !runQuiet {
				printEvent(e)
			}
		}
	}()

	verdict, err := orch.Run(ctx, request)
	<-eventsDone
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	printVerdict(verdict)
	return nil
}

// loadRunConfig loads configuration from the --config path or the
// standard discovery chain.
func loadRunConfig() (*config.Config, error) {
	if runConfigPath != "" {
		return config.LoadFromPath(runConfigPath)
	}
	return config.Load()
}

// roleTimeouts converts the config's string-keyed per-role timeouts,
// dropping unknown role names with a warning.
func roleTimeouts(cfg *config.Config) map[models.RoleTag]time.Duration {
	if len(cfg.Timeouts.PerRole) == 0 {
		return nil
	}
	out := make(map[models.RoleTag]time.Duration, len(cfg.Timeouts.PerRole))
	for name, d := range cfg.Timeouts.PerRole {
		role := models.RoleTag(name)
		if !role.Valid() {
			fmt.Fprintf(os.Stderr, "Warning: ignoring timeout for unknown role %q\n", name)
			continue
		}
		out[role] = d
	}
	return out
}

// openDebugLogger opens the debug log when --debug-log or LOOM_DEBUG
// asks for one.
func openDebugLogger() (*orchestrator.DebugLogger, func(), error) {
	path := runDebugLog
	if path == "" && os.Getenv("LOOM_DEBUG") != "" {
		path = "loom-debug.log"
	}
	if path == "" {
		return nil, nil, nil
	}
	logger, err := orchestrator.NewDebugLogger(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open debug log: %w", err)
	}
	return logger, func() { logger.Close() }, nil
}

func printEvent(e orchestrator.Event) {
	switch e.Type {
	case orchestrator.EventRoundStarted:
		color.New(color.Bold).Printf("Round %d\n", e.Round)
	case orchestrator.EventFrontierDispatched:
		fmt.Printf("  dispatching %s\n", e.Message)
	case orchestrator.EventVerdictIssued:
		fmt.Printf("  %s %s\n", verdictColor(e.Message), e.NodeID)
	case orchestrator.EventNodeBlocked:
		color.Yellow("  blocked %s: %s", e.NodeID, e.Message)
	case orchestrator.EventDecision:
		color.Cyan("  decision: %s", e.Message)
	case orchestrator.EventClarificationRequested:
		color.Magenta("\nClarification needed: %s", e.Message)
		fmt.Println("Answer with 'loom answer <slug> <text>' or write the run's answer.txt.")
	case orchestrator.EventClarificationAnswered:
		fmt.Println("Answer received, re-evaluating...")
	case orchestrator.EventRunFailed:
		color.Red("Run failed: %v", e.Err)
	}
}

// verdictColor renders a verdict kind string in its conventional color.
func verdictColor(kind string) string {
	switch kind {
	case string(models.VerdictAccepted):
		return color.GreenString(kind)
	case string(models.VerdictRejected):
		return color.RedString(kind)
	case string(models.VerdictBlocked):
		return color.YellowString(kind)
	default:
		return kind
	}
}

func printVerdict(v *orchestrator.FinalVerdict) {
	fmt.Println()
	if v.GoalsSatisfied {
		color.Green("Goals satisfied after %d round(s).", v.Rounds)
	} else {
		color.Yellow("Round ceiling reached after %d round(s); goals not satisfied.", v.Rounds)
	}

	if len(v.Blocked) > 0 {
		fmt.Println("\nBlocked nodes:")
		for id, reason := range v.Blocked {
			color.Yellow("  %s: %s", id, reason)
		}
	}

	if v.Report != "" {
		fmt.Println()
		fmt.Println(v.Report)
	}
	fmt.Println()
	fmt.Println(v.CostLine)
}
