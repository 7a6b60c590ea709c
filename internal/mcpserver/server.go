// Package mcpserver exposes the engine to an orchestrating model as MCP
// tools and resources.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mtzanidakis/treeherd/internal/orchestrator"
)

const serverInstructions = `treeherd runs headless coding agents in background sessions and tracks them as a tree per task.

Typical flow:
1. create_real_task with a description. The response carries orchestration guidance: how complex the task looks and which specialists to consider.
2. deploy_headless_agent for each specialist. Agents get their own id and report back through update_agent_progress and report_agent_finding.
3. get_real_task_status to watch the tree. Finished sessions are reconciled on every read.
4. kill_real_agent when an agent is stuck or no longer needed.

Agents may call spawn_child_agent to delegate further, up to the configured depth and concurrency limits. A rejected deployment returns a structured error with the limit that was hit.`

// New builds the MCP server with every tool and resource registered.
func New(engine *orchestrator.Engine, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"treeherd",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions),
	)

	h := &handlers{engine: engine}
	registerTools(s, h)
	registerResources(s, h)
	return s
}

type handlers struct {
	engine *orchestrator.Engine
}

// call adapts an engine call to a tool handler. Engine failures become tool
// errors carrying the structured failure, not protocol errors.
func call(fn func(ctx context.Context, req mcp.CallToolRequest) (any, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := fn(ctx, req)
		if err != nil {
			slog.Debug("mcp tool failed", "tool", req.Params.Name, "error", err)
			data, _ := json.MarshalIndent(orchestrator.Failure(err), "", "  ")
			return mcp.NewToolResultError(string(data)), nil
		}
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}
