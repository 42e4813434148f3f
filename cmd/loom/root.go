package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Orchestration kernel for dependency-leveled task graphs",
	Long: `Loom compiles a natural-language request into a dependency-leveled
task graph and coordinates stateless Claude workers over it across
bounded evaluation rounds.

Each round the kernel dispatches every ready node, validates the
results through a security and schema gate, and asks the round
evaluator whether the goals are met, more work is needed, or a
clarification is required. Runs are bounded by a hard round ceiling.

All run artifacts (task graph, result records, round log) live under
the data directory, one subdirectory per run slug.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(answerCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
