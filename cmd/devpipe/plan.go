package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/devpipeline/internal/orchestrator"
	"github.com/aristath/devpipeline/internal/render"
)

var planJSON bool

func init() {
	planCmd.Flags().BoolVar(&planJSON, "json", false, "print the plan as JSON")
	rootCmd.AddCommand(planCmd)
}

var planCmd = &cobra.Command{
	Use:   "plan <tasks.yaml>",
	Short: "Preview execution order, routing and patterns for a task file",
	Long: `Score every task in a task file and show the executor class, quality
pattern and stage plan each would get, grouped into waves of tasks that can
run in parallel. Nothing is executed.

Examples:
  devpipe plan tasks.yaml
  cat tasks.yaml | devpipe plan -
  devpipe plan --json tasks.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tasks, err := readTasks(args[0])
	if err != nil {
		return err
	}
	now := time.Now()
	entries, err := orchestrator.Preview(cfg, tasks, now)
	if err != nil {
		return err
	}
	if planJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	return render.Plan(cmd.OutOrStdout(), entries, now)
}
