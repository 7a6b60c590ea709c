package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/treeherd/internal/orchestrator"
)

func newAgentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Deploy, inspect and stop agents",
	}
	cmd.AddCommand(
		newAgentDeployCommand(),
		newAgentSpawnCommand(),
		newAgentKillCommand(),
		newAgentOutputCommand(),
		newAgentProgressCommand(),
		newAgentFindingCommand(),
	)
	return cmd
}

// agentRun wraps an engine call whose result is printed as JSON.
func agentRun(cmd *cobra.Command, fn func(a *app) (any, error)) error {
	return withApp(func(a *app) error {
		v, err := fn(a)
		if err != nil {
			return failure(err)
		}
		return printJSON(cmd.OutOrStdout(), v)
	})
}

func newAgentDeployCommand() *cobra.Command {
	var req orchestrator.DeployRequest
	cmd := &cobra.Command{
		Use:   "deploy <task-id>",
		Short: "Start a headless agent for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.TaskID = args[0]
			return agentRun(cmd, func(a *app) (any, error) {
				return a.engine.DeployAgent(cmd.Context(), req)
			})
		},
	}
	cmd.Flags().StringVarP(&req.AgentType, "type", "t", "", "agent role, e.g. backend_specialist")
	cmd.Flags().StringVarP(&req.Prompt, "prompt", "p", "", "instructions for the agent")
	cmd.Flags().StringVar(&req.Parent, "parent", "", "parent agent id (default orchestrator)")
	cmd.Flags().StringVar(&req.WorkDir, "workdir", "", "directory the agent runs in")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func newAgentSpawnCommand() *cobra.Command {
	var childType, prompt string
	cmd := &cobra.Command{
		Use:   "spawn <task-id> <parent-agent-id>",
		Short: "Deploy a child agent under an existing agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return agentRun(cmd, func(a *app) (any, error) {
				return a.engine.SpawnChildAgent(cmd.Context(), args[0], args[1], childType, prompt)
			})
		},
	}
	cmd.Flags().StringVarP(&childType, "type", "t", "", "child agent role")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "instructions for the child")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func newAgentKillCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "kill <task-id> <agent-id>",
		Short: "Terminate an agent's session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return agentRun(cmd, func(a *app) (any, error) {
				return a.engine.KillAgent(cmd.Context(), args[0], args[1], reason)
			})
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", orchestrator.DefaultKillReason, "why the agent is stopped")
	return cmd
}

func newAgentOutputCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "output <task-id> <agent-id>",
		Short: "Capture an agent's terminal output",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return agentRun(cmd, func(a *app) (any, error) {
				return a.engine.GetAgentOutput(cmd.Context(), args[0], args[1])
			})
		},
	}
}

func newAgentProgressCommand() *cobra.Command {
	var u orchestrator.ProgressUpdate
	cmd := &cobra.Command{
		Use:   "progress <task-id> <agent-id>",
		Short: "Record a progress update on behalf of an agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			u.TaskID, u.AgentID = args[0], args[1]
			return agentRun(cmd, func(a *app) (any, error) {
				return a.engine.UpdateProgress(cmd.Context(), u)
			})
		},
	}
	cmd.Flags().StringVarP(&u.Status, "status", "s", "", "working, blocked, completed or error")
	cmd.Flags().StringVarP(&u.Message, "message", "m", "", "what the agent is doing")
	cmd.Flags().IntVar(&u.Progress, "progress", 0, "percent complete")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func newAgentFindingCommand() *cobra.Command {
	var (
		r    orchestrator.FindingReport
		data string
	)
	cmd := &cobra.Command{
		Use:   "finding <task-id> <agent-id>",
		Short: "Record a finding on behalf of an agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r.TaskID, r.AgentID = args[0], args[1]
			if data != "" {
				if err := json.Unmarshal([]byte(data), &r.Data); err != nil {
					return fmt.Errorf("--data must be a JSON object: %w", err)
				}
			}
			return agentRun(cmd, func(a *app) (any, error) {
				return a.engine.ReportFinding(cmd.Context(), r)
			})
		},
	}
	cmd.Flags().StringVarP(&r.FindingType, "type", "t", "", "issue, solution, insight, recommendation...")
	cmd.Flags().StringVar(&r.Severity, "severity", "medium", "low, medium, high or critical")
	cmd.Flags().StringVarP(&r.Message, "message", "m", "", "what was found")
	cmd.Flags().StringVar(&data, "data", "", "structured details as a JSON object")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}
