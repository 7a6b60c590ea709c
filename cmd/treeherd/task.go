package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/treeherd/internal/orchestrator"
)

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create and inspect tasks",
	}
	cmd.AddCommand(
		newTaskCreateCommand(),
		taskReadCommand("status <task-id>", "Reconcile a task and show its status",
			func(a *app, cmd *cobra.Command, id string) (any, error) {
				return a.engine.GetTaskStatus(cmd.Context(), id)
			}),
		taskReadCommand("timeline <task-id>", "Show progress updates and findings, newest first",
			func(a *app, cmd *cobra.Command, id string) (any, error) {
				return a.engine.ProgressTimeline(cmd.Context(), id)
			}),
		taskReadCommand("tree <task-id>", "Show the agent tree",
			func(a *app, cmd *cobra.Command, id string) (any, error) {
				return a.engine.TaskTree(cmd.Context(), id)
			}),
		taskReadCommand("coordination <task-id>", "Show what every agent is doing",
			func(a *app, cmd *cobra.Command, id string) (any, error) {
				return a.engine.ComprehensiveStatus(cmd.Context(), id)
			}),
		&cobra.Command{
			Use:   "list",
			Short: "List all tasks",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(func(a *app) error {
					g, err := a.engine.ListTasks(cmd.Context())
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), g)
				})
			},
		},
	)
	return cmd
}

func newTaskCreateCommand() *cobra.Command {
	var description, priority string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				t, err := a.engine.CreateTask(cmd.Context(), description, priority)
				if err != nil {
					return failure(err)
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "what the task should accomplish")
	cmd.Flags().StringVarP(&priority, "priority", "p", "P2", "priority label")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func taskReadCommand(use, short string, fn func(a *app, cmd *cobra.Command, id string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				v, err := fn(a, cmd, args[0])
				if err != nil {
					return failure(err)
				}
				return printJSON(cmd.OutOrStdout(), v)
			})
		},
	}
}

// failure renders an engine error with its code, plus details when present.
func failure(err error) error {
	details := orchestrator.Details(err)
	if len(details) == 0 {
		return fmt.Errorf("[%s] %w", orchestrator.Code(err), err)
	}
	data, _ := json.Marshal(details)
	return fmt.Errorf("[%s] %w %s", orchestrator.Code(err), err, data)
}
