package main

import (
	"fmt"
	"path/filepath"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/loomctl/loom/internal/api"
	"github.com/loomctl/loom/internal/compiler"
	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/cost"
	"github.com/loomctl/loom/internal/dispatch"
	"github.com/loomctl/loom/internal/evaluate"
	"github.com/loomctl/loom/internal/report"
	"github.com/loomctl/loom/internal/roles"
	"github.com/loomctl/loom/pkg/models"
)

// runDeps bundles everything a run needs wired against the Anthropic
// API: one shared runner and cost tracker behind the compiler, worker,
// strategist, and reporter.
type runDeps struct {
	tracker    *cost.Tracker
	registry   *roles.Registry
	compiler   *compiler.ClaudeCompiler
	worker     *dispatch.ClaudeWorker
	strategist *evaluate.ClaudeStrategist
	reporter   *report.ClaudeReporter
}

// buildRunDeps creates the API-backed run dependencies from config.
func buildRunDeps(cfg *config.Config) (*runDeps, error) {
	client, err := api.NewClient(api.ClientConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		APIKey:        cfg.Anthropic.APIKey,
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	})
	if err != nil {
		return nil, fmt.Errorf("create API client: %w", err)
	}
	runner := api.NewRunner(client)

	registry := roles.NewRegistry()
	if cfg.Roles.AllowlistPath != "" {
		registry, err = roles.LoadRegistry(cfg.Roles.AllowlistPath)
		if err != nil {
			return nil, err
		}
	}

	tracker := cost.NewTracker()

	// Result locations follow the store layout so compiled nodes point
	// at the record the dispatcher will eventually write.
	locate := func(slug string, id models.NodeID) string {
		return filepath.Join(cfg.Store.DataDir, slug, "records", "1", string(id)+".json")
	}

	return &runDeps{
		tracker:    tracker,
		registry:   registry,
		compiler:   compiler.NewClaudeCompiler(runner, roles.KeywordClassifier{}, tracker, locate),
		worker:     dispatch.NewClaudeWorker(runner),
		strategist: evaluate.NewClaudeStrategist(runner, tracker),
		reporter:   report.NewClaudeReporter(runner),
	}, nil
}
