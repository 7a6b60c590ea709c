package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mtzanidakis/treeherd/internal/orchestrator"
)

const (
	uriTaskList    = "tasks://list"
	uriTaskPrefix  = "task://"
	suffixStatus   = "/status"
	suffixTimeline = "/progress-timeline"
	mimeJSON       = "application/json"
)

func registerResources(s *server.MCPServer, h *handlers) {
	s.AddResource(mcp.NewResource(uriTaskList, "Tasks",
		mcp.WithResourceDescription("Global registry: every task with its counters"),
		mcp.WithMIMEType(mimeJSON),
	), h.readTaskList)

	s.AddResourceTemplate(mcp.NewResourceTemplate(uriTaskPrefix+"{task_id}"+suffixStatus, "Task status",
		mcp.WithTemplateDescription("Reconciled status of one task"),
		mcp.WithTemplateMIMEType(mimeJSON),
	), h.readTaskStatus)

	s.AddResourceTemplate(mcp.NewResourceTemplate(uriTaskPrefix+"{task_id}"+suffixTimeline, "Task progress timeline",
		mcp.WithTemplateDescription("Progress updates and findings of one task, newest first"),
		mcp.WithTemplateMIMEType(mimeJSON),
	), h.readTimeline)
}

func (h *handlers) readTaskList(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	g, err := h.engine.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	return jsonContents(req.Params.URI, g)
}

func (h *handlers) readTaskStatus(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	taskID, err := taskFromURI(req.Params.URI, suffixStatus)
	if err != nil {
		return nil, err
	}
	view, err := h.engine.GetTaskStatus(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return jsonContents(req.Params.URI, view)
}

func (h *handlers) readTimeline(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	taskID, err := taskFromURI(req.Params.URI, suffixTimeline)
	if err != nil {
		return nil, err
	}
	tl, err := h.engine.ProgressTimeline(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return jsonContents(req.Params.URI, tl)
}

// taskFromURI extracts the task id from task://<id><suffix>.
func taskFromURI(uri, suffix string) (string, error) {
	id, ok := strings.CutPrefix(uri, uriTaskPrefix)
	if ok {
		id, ok = strings.CutSuffix(id, suffix)
	}
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("%w: resource uri %q", orchestrator.ErrInvalidArgument, uri)
	}
	return id, nil
}

func jsonContents(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: uri, MIMEType: mimeJSON, Text: string(data)},
	}, nil
}
