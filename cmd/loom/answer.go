package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/store"
)

var answerDataDir string

var answerCmd = &cobra.Command{
	Use:   "answer <slug> <text>",
	Short: "Answer a run's pending clarification question",
	Long: `Write a clarification answer for a suspended run.

The answer lands in the run's answer file; the suspended run picks it
up and resumes evaluation of the current round.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runAnswer,
}

func init() {
	answerCmd.Flags().StringVar(&answerDataDir, "data-dir", "", "Directory run artifacts live under")
}

func runAnswer(cmd *cobra.Command, args []string) error {
	slug := args[0]
	text := strings.Join(args[1:], " ")

	dataDir := answerDataDir
	if dataDir == "" {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		dataDir = cfg.Store.DataDir
	}

	st, err := store.Open(dataDir, slug)
	if err != nil {
		return err
	}
	if _, err := st.LoadDocument(); err != nil {
		return fmt.Errorf("no run %q under %s: %w", slug, dataDir, err)
	}

	question, pending := st.ReadQuestion()
	if !pending {
		fmt.Println("Warning: no pending question for this run; writing the answer anyway.")
	} else {
		fmt.Printf("Question: %s\n", question)
	}

	if err := os.WriteFile(st.AnswerPath(), []byte(text), 0644); err != nil {
		return fmt.Errorf("write answer: %w", err)
	}
	fmt.Println("Answer written.")
	return nil
}
