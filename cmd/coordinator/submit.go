package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/warren/pkg/coordinator"
	"github.com/cuemby/warren/pkg/types"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a single task to the coordinator's queue",
	Long: `submit enqueues one task directly into the coordinator's store.

Examples:
  coordinator submit --type render --payload '{"frame":1}'
  coordinator submit --type render --priority high --timeout-ms 30000`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().String("type", "", "Task type (required)")
	submitCmd.Flags().String("payload", "", "Task payload, passed through as opaque bytes")
	submitCmd.Flags().String("priority", "normal", "Priority: urgent, high, normal, low")
	submitCmd.Flags().Int64("timeout-ms", 0, "Task timeout in milliseconds (0 uses the coordinator default)")
	submitCmd.Flags().Int("max-retries", 0, "Maximum retry attempts (0 uses the coordinator default)")
	_ = submitCmd.MarkFlagRequired("type")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	taskType, _ := cmd.Flags().GetString("type")
	payload, _ := cmd.Flags().GetString("payload")
	priority, _ := cmd.Flags().GetString("priority")
	timeoutMS, _ := cmd.Flags().GetInt64("timeout-ms")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")

	cfg := coordinator.DefaultConfig(dataDir(cmd))
	coord, err := coordinator.New(cfg)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	defer coord.Shutdown()

	id, err := coord.SubmitTask(types.TaskSubmission{
		Type:       taskType,
		Payload:    []byte(payload),
		Priority:   types.Priority(priority),
		TimeoutMS:  timeoutMS,
		MaxRetries: maxRetries,
	})
	if err != nil {
		return fmt.Errorf("submit task: %w", err)
	}

	fmt.Printf("task submitted: %s\n", id)
	return nil
}
