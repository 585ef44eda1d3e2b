package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/warren/pkg/coordinator"
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show queue stats, system health, or a single task's status",
	Long: `status with no arguments prints queue depth and system health.
status <task-id> prints the full record for one task.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().Bool("progress", false, "Print the aggregate progress report instead of queue stats")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := coordinator.DefaultConfig(dataDir(cmd))
	coord, err := coordinator.New(cfg)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	defer coord.Shutdown()

	if len(args) == 1 {
		task, err := coord.Queue.Get(args[0])
		if err != nil {
			return fmt.Errorf("get task: %w", err)
		}
		return printJSON(task)
	}

	progress, _ := cmd.Flags().GetBool("progress")
	if progress {
		report, err := coord.GetProgress()
		if err != nil {
			return fmt.Errorf("get progress: %w", err)
		}
		return printJSON(report)
	}

	health, err := coord.GetHealth()
	if err != nil {
		return fmt.Errorf("get health: %w", err)
	}
	stats, err := coord.Queue.GetStats()
	if err != nil {
		return fmt.Errorf("get queue stats: %w", err)
	}
	return printJSON(struct {
		Health interface{} `json:"health"`
		Queue  interface{} `json:"queue"`
	}{Health: health, Queue: stats})
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
