package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/warren/pkg/coordinator"
	"github.com/cuemby/warren/pkg/types"
	"github.com/cuemby/warren/pkg/workers"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Register workers and send heartbeats",
}

var workerRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new worker",
	RunE:  runWorkerRegister,
}

var workerHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat <worker-id>",
	Short: "Send a heartbeat for a worker, optionally updating its load",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkerHeartbeat,
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers",
	RunE:  runWorkerList,
}

func init() {
	workerRegisterCmd.Flags().String("name", "", "Worker name (required)")
	workerRegisterCmd.Flags().Int("max-load", 0, "Maximum concurrent task slots (0 uses the coordinator default)")
	workerRegisterCmd.Flags().Int64("heartbeat-interval-ms", 0, "Expected heartbeat interval in milliseconds (0 uses the coordinator default)")
	workerRegisterCmd.Flags().StringSlice("capability", nil, "Capability this worker offers, repeatable")
	_ = workerRegisterCmd.MarkFlagRequired("name")

	workerHeartbeatCmd.Flags().Int("load", -1, "Current load to report (-1 leaves it unchanged)")
	workerHeartbeatCmd.Flags().String("state", "", "State to report: idle, busy, offline, error (empty leaves it unchanged)")

	workerListCmd.Flags().Bool("all", false, "Include offline workers")

	workerCmd.AddCommand(workerRegisterCmd)
	workerCmd.AddCommand(workerHeartbeatCmd)
	workerCmd.AddCommand(workerListCmd)
}

func runWorkerRegister(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	maxLoad, _ := cmd.Flags().GetInt("max-load")
	heartbeatMS, _ := cmd.Flags().GetInt64("heartbeat-interval-ms")
	capabilities, _ := cmd.Flags().GetStringSlice("capability")

	cfg := coordinator.DefaultConfig(dataDir(cmd))
	coord, err := coordinator.New(cfg)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	defer coord.Shutdown()

	caps := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		caps[c] = struct{}{}
	}

	id, err := coord.Workers.Register(workers.Registration{
		Name:                name,
		Capabilities:        caps,
		MaxLoad:             maxLoad,
		HeartbeatIntervalMS: heartbeatMS,
	})
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	fmt.Printf("worker registered: %s\n", id)
	return nil
}

func runWorkerHeartbeat(cmd *cobra.Command, args []string) error {
	workerID := args[0]
	load, _ := cmd.Flags().GetInt("load")
	state, _ := cmd.Flags().GetString("state")

	cfg := coordinator.DefaultConfig(dataDir(cmd))
	coord, err := coordinator.New(cfg)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	defer coord.Shutdown()

	var loadPtr *int
	if load >= 0 {
		loadPtr = &load
	}
	var statePtr *types.WorkerState
	if state != "" {
		s := types.WorkerState(state)
		statePtr = &s
	}

	if err := coord.Workers.Heartbeat(workerID, statePtr, loadPtr, nil); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}

	fmt.Printf("heartbeat recorded for %s\n", workerID)
	return nil
}

func runWorkerList(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")

	cfg := coordinator.DefaultConfig(dataDir(cmd))
	coord, err := coordinator.New(cfg)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	defer coord.Shutdown()

	list, err := coord.Workers.GetAll(all)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	return printJSON(list)
}
