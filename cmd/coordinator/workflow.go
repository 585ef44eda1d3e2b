package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/warren/pkg/coordinator"
	"github.com/cuemby/warren/pkg/types"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Run a DAG-shaped workflow from a YAML definition",
}

var workflowRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Load a workflow definition and run it to completion",
	Long: `run reads a YAML workflow definition, submits its tasks in
dependency order and blocks until every task reaches a terminal status.

Example:
  coordinator workflow run -f pipeline.yaml`,
	RunE: runWorkflowRun,
}

func init() {
	workflowRunCmd.Flags().StringP("file", "f", "", "YAML workflow definition (required)")
	_ = workflowRunCmd.MarkFlagRequired("file")
	workflowCmd.AddCommand(workflowRunCmd)
}

// workflowFile is the YAML-facing shape of a workflow definition; it is
// translated into types.WorkflowDefinition before being handed to the
// coordinator.
type workflowFile struct {
	Name           string             `yaml:"name"`
	MaxConcurrency int                `yaml:"maxConcurrency"`
	FailFast       bool               `yaml:"failFast"`
	Tasks          []workflowTaskFile `yaml:"tasks"`
}

type workflowTaskFile struct {
	ID        string   `yaml:"id"`
	Type      string   `yaml:"type"`
	Payload   string   `yaml:"payload"`
	DependsOn []string `yaml:"dependsOn"`
	Priority  string   `yaml:"priority"`
}

func runWorkflowRun(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read workflow file: %w", err)
	}

	var wf workflowFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return fmt.Errorf("parse workflow file: %w", err)
	}

	def := &types.WorkflowDefinition{
		Name:           wf.Name,
		MaxConcurrency: wf.MaxConcurrency,
		FailFast:       wf.FailFast,
		Tasks:          make([]*types.WorkflowTaskDef, 0, len(wf.Tasks)),
	}
	for _, t := range wf.Tasks {
		priority := types.Priority(t.Priority)
		if priority == "" {
			priority = types.PriorityNormal
		}
		def.Tasks = append(def.Tasks, &types.WorkflowTaskDef{
			ID:        t.ID,
			Type:      t.Type,
			Payload:   []byte(t.Payload),
			DependsOn: t.DependsOn,
			Priority:  priority,
		})
	}

	cfg := coordinator.DefaultConfig(dataDir(cmd))
	coord, err := coordinator.New(cfg)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	coord.Start()
	defer coord.Shutdown()

	exec, err := coord.ExecuteWorkflow(def)
	if err != nil {
		return fmt.Errorf("execute workflow: %w", err)
	}

	return printJSON(exec)
}
