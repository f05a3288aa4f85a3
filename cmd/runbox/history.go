package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
)

var (
	stateFilter string
	limitFlag   int
	jsonFlag    bool
)

var historyCmd = &cobra.Command{
	Use:   "history [job-id]",
	Short: "List jobs executed by this machine's dispatcher",
	Long: `List the local execution ledger: every job this machine's dispatcher
claimed, how it ended, and how long it took.

Examples:
  runbox history
  runbox history 3f2a9c1e-...
  runbox history --state claimed
  runbox history --json --limit 100`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&stateFilter, "state", "", "Filter by state (claimed, completed, requeued)")
	historyCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max rows to show")
	historyCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print JSON")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	ledger, err := sqlite.Open(cfg.History.DBPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	if len(args) == 1 {
		return showExecution(ledger, args[0])
	}

	rows, err := ledger.List(context.Background(), sqlite.ListOptions{
		State: sqlite.ExecutionState(stateFilter),
		Limit: limitFlag,
	})
	if err != nil {
		return err
	}

	if jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if rows == nil {
			rows = []sqlite.Execution{}
		}
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No executions recorded.")
		return nil
	}

	fmt.Printf("%-10s %-10s %-11s %-10s %-21s %-9s %s\n", "JOB", "USER", "LANGUAGE", "STATE", "OUTCOME", "DURATION", "CLAIMED")
	fmt.Println(strings.Repeat("─", 90))

	for _, e := range rows {
		user := e.UserID
		if len(user) > 9 {
			user = user[:9]
		}
		dur := "-"
		if e.State == sqlite.StateCompleted {
			dur = e.Duration.Round(time.Millisecond).String()
		}
		fmt.Printf("%-10s %-10s %-11s %-10s %-21s %-9s %s\n",
			shortJobID(e.JobID), user, e.Language, e.State, e.Outcome, dur, timeAgo(e.ClaimedAt))
	}
	return nil
}

func showExecution(ledger *sqlite.Ledger, jobID string) error {
	e, err := ledger.Get(context.Background(), jobID)
	if err != nil {
		return err
	}

	if jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(e)
	}

	fmt.Printf("Job:      %s\n", e.JobID)
	fmt.Printf("User:     %s\n", e.UserID)
	fmt.Printf("Language: %s\n", e.Language)
	fmt.Printf("State:    %s\n", e.State)
	fmt.Printf("Claimed:  %s (%s)\n", e.ClaimedAt.Local().Format("2006-01-02 15:04:05"), timeAgo(e.ClaimedAt))
	if e.State == sqlite.StateCompleted {
		fmt.Printf("Outcome:  %s\n", e.Outcome)
		fmt.Printf("Duration: %s\n", e.Duration.Round(time.Millisecond))
		fmt.Printf("Output:   %d bytes\n", e.OutputBytes)
	}
	if !e.FinishedAt.IsZero() {
		fmt.Printf("Finished: %s\n", e.FinishedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func shortJobID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
