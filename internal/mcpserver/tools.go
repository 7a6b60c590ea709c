package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mtzanidakis/treeherd/internal/orchestrator"
)

func registerTools(s *server.MCPServer, h *handlers) {
	s.AddTool(mcp.NewTool("create_real_task",
		mcp.WithDescription("Create a task and get orchestration guidance for it."),
		mcp.WithString("description", mcp.Required(), mcp.Description("What the task should accomplish")),
		mcp.WithString("priority", mcp.Description("Priority label"), mcp.DefaultString("P2")),
	), call(h.createTask))

	s.AddTool(mcp.NewTool("deploy_headless_agent",
		mcp.WithDescription("Start a headless agent in a background session for a task."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task to deploy into")),
		mcp.WithString("agent_type", mcp.Required(), mcp.Description("Short name of the agent's role, e.g. backend_specialist")),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Instructions for the agent")),
		mcp.WithString("parent", mcp.Description("Parent agent id"), mcp.DefaultString("orchestrator")),
		mcp.WithString("work_dir", mcp.Description("Directory the agent runs in")),
	), call(h.deployAgent))

	s.AddTool(mcp.NewTool("get_real_task_status",
		mcp.WithDescription("Reconcile a task with its sessions and return agents, hierarchy and recent progress."),
		mcp.WithString("task_id", mcp.Required()),
	), call(h.taskStatus))

	s.AddTool(mcp.NewTool("get_agent_output",
		mcp.WithDescription("Capture the current terminal output of an agent's session."),
		mcp.WithString("task_id", mcp.Required()),
		mcp.WithString("agent_id", mcp.Required()),
	), call(h.agentOutput))

	s.AddTool(mcp.NewTool("kill_real_agent",
		mcp.WithDescription("Terminate an agent's session and mark it terminated."),
		mcp.WithString("task_id", mcp.Required()),
		mcp.WithString("agent_id", mcp.Required()),
		mcp.WithString("reason", mcp.DefaultString(orchestrator.DefaultKillReason)),
	), call(h.killAgent))

	s.AddTool(mcp.NewTool("update_agent_progress",
		mcp.WithDescription("Report an agent's status and progress. Returns what the rest of the team is doing."),
		mcp.WithString("task_id", mcp.Required()),
		mcp.WithString("agent_id", mcp.Required()),
		mcp.WithString("status", mcp.Required(), mcp.Description("working, blocked, completed or error")),
		mcp.WithString("message", mcp.Required()),
		mcp.WithNumber("progress", mcp.Description("Percent complete"), mcp.Min(0), mcp.Max(100)),
	), call(h.updateProgress))

	s.AddTool(mcp.NewTool("report_agent_finding",
		mcp.WithDescription("Record a discovery other agents should know about."),
		mcp.WithString("task_id", mcp.Required()),
		mcp.WithString("agent_id", mcp.Required()),
		mcp.WithString("finding_type", mcp.Required(), mcp.Description("e.g. issue, solution, insight, recommendation")),
		mcp.WithString("severity", mcp.Enum("low", "medium", "high", "critical"), mcp.DefaultString("medium")),
		mcp.WithString("message", mcp.Required()),
		mcp.WithObject("data", mcp.Description("Structured details")),
	), call(h.reportFinding))

	s.AddTool(mcp.NewTool("spawn_child_agent",
		mcp.WithDescription("Deploy a child agent under an existing agent."),
		mcp.WithString("task_id", mcp.Required()),
		mcp.WithString("parent_agent_id", mcp.Required()),
		mcp.WithString("child_agent_type", mcp.Required()),
		mcp.WithString("child_prompt", mcp.Required()),
	), call(h.spawnChild))
}

func (h *handlers) createTask(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	t, err := h.engine.CreateTask(ctx, req.GetString("description", ""), req.GetString("priority", "P2"))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"success":                true,
		"task_id":                t.ID,
		"description":            t.Description,
		"priority":               t.Priority,
		"workspace":              t.Workspace,
		"status":                 t.Status,
		"orchestration_guidance": t.Guidance,
	}, nil
}

func (h *handlers) deployAgent(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	return h.engine.DeployAgent(ctx, orchestrator.DeployRequest{
		TaskID:    req.GetString("task_id", ""),
		AgentType: req.GetString("agent_type", ""),
		Prompt:    req.GetString("prompt", ""),
		Parent:    req.GetString("parent", ""),
		WorkDir:   req.GetString("work_dir", ""),
	})
}

func (h *handlers) taskStatus(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	return h.engine.GetTaskStatus(ctx, req.GetString("task_id", ""))
}

func (h *handlers) agentOutput(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	return h.engine.GetAgentOutput(ctx, req.GetString("task_id", ""), req.GetString("agent_id", ""))
}

func (h *handlers) killAgent(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	return h.engine.KillAgent(ctx, req.GetString("task_id", ""), req.GetString("agent_id", ""), req.GetString("reason", ""))
}

func (h *handlers) updateProgress(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	return h.engine.UpdateProgress(ctx, orchestrator.ProgressUpdate{
		TaskID:   req.GetString("task_id", ""),
		AgentID:  req.GetString("agent_id", ""),
		Status:   req.GetString("status", ""),
		Message:  req.GetString("message", ""),
		Progress: req.GetInt("progress", 0),
	})
}

func (h *handlers) reportFinding(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	data, err := findingData(req.GetArguments()["data"])
	if err != nil {
		return nil, err
	}
	return h.engine.ReportFinding(ctx, orchestrator.FindingReport{
		TaskID:      req.GetString("task_id", ""),
		AgentID:     req.GetString("agent_id", ""),
		FindingType: req.GetString("finding_type", ""),
		Severity:    req.GetString("severity", ""),
		Message:     req.GetString("message", ""),
		Data:        data,
	})
}

func (h *handlers) spawnChild(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	return h.engine.SpawnChildAgent(ctx,
		req.GetString("task_id", ""),
		req.GetString("parent_agent_id", ""),
		req.GetString("child_agent_type", ""),
		req.GetString("child_prompt", ""),
	)
}

// findingData accepts the data argument as an object or as a JSON string
// holding one; some clients serialize nested objects.
func findingData(v any) (map[string]any, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return d, nil
	case string:
		if d == "" {
			return nil, nil
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(d), &m); err != nil {
			return nil, fmt.Errorf("%w: data must be a JSON object: %v", orchestrator.ErrInvalidArgument, err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: data must be an object, got %T", orchestrator.ErrInvalidArgument, v)
	}
}
