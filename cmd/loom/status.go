package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/store"
)

var statusDataDir string

var statusCmd = &cobra.Command{
	Use:   "status [slug]",
	Short: "Show run state from the round log",
	Long: `Display the state of a run.

Without a slug, lists the runs in the data directory.
With a slug, shows the run's goals, per-round verdicts from the round
log, and any pending clarification question.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusDataDir, "data-dir", "", "Directory run artifacts live under")
}

func runStatus(cmd *cobra.Command, args []string) error {
	dataDir := statusDataDir
	if dataDir == "" {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		dataDir = cfg.Store.DataDir
	}

	if len(args) == 0 {
		return listRuns(dataDir)
	}
	return showRun(dataDir, args[0])
}

// listRuns prints every run slug found under the data directory.
func listRuns(dataDir string) error {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No runs yet. Start one with 'loom run <request>'.")
			return nil
		}
		return fmt.Errorf("read data directory: %w", err)
	}

	var slugs []string
	for _, entry := range entries {
		if entry.IsDir() {
			slugs = append(slugs, entry.Name())
		}
	}
	if len(slugs) == 0 {
		fmt.Println("No runs yet. Start one with 'loom run <request>'.")
		return nil
	}

	sort.Strings(slugs)
	fmt.Println("Runs:")
	for _, slug := range slugs {
		fmt.Printf("  %s\n", slug)
	}
	return nil
}

// showRun prints the document summary and the round log for one run.
func showRun(dataDir, slug string) error {
	st, err := store.Open(dataDir, slug)
	if err != nil {
		return err
	}

	doc, err := st.LoadDocument()
	if err != nil {
		return fmt.Errorf("no run %q under %s: %w", slug, dataDir, err)
	}

	fmt.Printf("Run: %s\n", doc.Slug)
	fmt.Println("Goals:")
	for i, goal := range doc.Goals {
		fmt.Printf("  %d. %s\n", i+1, goal)
	}
	fmt.Printf("Nodes: %d\n", len(doc.Nodes))

	log, err := store.OpenRoundLog(st)
	if err != nil {
		return fmt.Errorf("open round log: %w", err)
	}
	defer log.Close()

	last, err := log.LastRound()
	if err != nil {
		return err
	}
	if last == 0 {
		fmt.Println("No rounds logged yet.")
		return nil
	}

	for round := 1; round <= last; round++ {
		verdicts, err := log.Verdicts(round)
		if err != nil {
			return err
		}
		if len(verdicts) == 0 {
			continue
		}
		color.New(color.Bold).Printf("\nRound %d\n", round)
		for _, v := range verdicts {
			line := fmt.Sprintf("  %s %s", verdictColor(string(v.Kind)), v.NodeID)
			if v.Reason != "" {
				line += ": " + v.Reason
			}
			fmt.Println(line)
		}
	}

	if question, pending := st.ReadQuestion(); pending {
		color.Magenta("\nAwaiting clarification: %s", question)
		fmt.Printf("Answer with 'loom answer %s <text>'.\n", slug)
	}
	return nil
}
