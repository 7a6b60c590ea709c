// Package ipc answers engine requests arriving over the NATS bus. thctl and
// agents running in their sessions use it as the command-line equivalent of
// the MCP tools.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/treeherd/internal/natsbus"
	"github.com/mtzanidakis/treeherd/internal/orchestrator"
)

const DefaultTimeout = 60 * time.Second

// Request is what clients publish on natsbus.TopicIPC(caller).
type Request struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Response carries either Result or the structured failure fields.
type Response struct {
	OK      bool            `json:"ok"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Details map[string]any  `json:"details,omitempty"`
}

type handler func(ctx context.Context, caller string, payload json.RawMessage) (any, error)

type Server struct {
	client  *natsbus.Client
	engine  *orchestrator.Engine
	timeout time.Duration
	ops     map[string]handler

	mu  sync.Mutex
	sub *nats.Subscription
	wg  sync.WaitGroup
}

func NewServer(client *natsbus.Client, engine *orchestrator.Engine) *Server {
	s := &Server{client: client, engine: engine, timeout: DefaultTimeout}
	s.ops = map[string]handler{
		"create_task":  s.createTask,
		"deploy_agent": s.deployAgent,
		"spawn_child":  s.spawnChild,
		"task_status":  s.taskStatus,
		"agent_output": s.agentOutput,
		"kill_agent":   s.killAgent,
		"progress":     s.progress,
		"finding":      s.finding,
		"list_tasks":   s.listTasks,
		"timeline":     s.timeline,
		"tree":         s.tree,
	}
	return s
}

func (s *Server) Start() error {
	sub, err := s.client.Subscribe(natsbus.TopicIPCAll, func(msg *nats.Msg) {
		// Deployments block for the start grace period; do not hold up
		// progress reports from other agents behind them.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(msg)
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribe ipc: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	slog.Info("ipc listening", "subject", natsbus.TopicIPCAll)
	return nil
}

// Stop unsubscribes and waits for in-flight requests.
func (s *Server) Stop() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	s.wg.Wait()
}

func (s *Server) handle(msg *nats.Msg) {
	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		slog.Warn("invalid IPC request", "error", err)
		s.respond(msg, Response{Error: "invalid request", Code: "InvalidArgument"})
		return
	}

	caller := strings.TrimPrefix(msg.Subject, natsbus.TopicIPCPrefix)
	op, ok := s.ops[req.Type]
	if !ok {
		slog.Warn("unknown IPC request", "type", req.Type, "caller", caller)
		s.respond(msg, Response{Error: "unknown command: " + req.Type, Code: "InvalidArgument"})
		return
	}
	slog.Debug("IPC request", "type", req.Type, "caller", caller)

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	result, err := op(ctx, caller, req.Payload)
	if err != nil {
		s.respond(msg, Response{
			Error:   err.Error(),
			Code:    orchestrator.Code(err),
			Details: orchestrator.Details(err),
		})
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		slog.Error("failed to marshal IPC result", "type", req.Type, "error", err)
		s.respond(msg, Response{Error: "internal error", Code: "Internal"})
		return
	}
	s.respond(msg, Response{OK: true, Result: data})
}

func (s *Server) respond(msg *nats.Msg, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal IPC response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("failed to respond to IPC", "error", err)
	}
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: invalid payload: %v", orchestrator.ErrInvalidArgument, err)
	}
	return nil
}

// self returns id, falling back to the caller when it is an agent.
func self(id, caller string) string {
	if id != "" || caller == "cli" {
		return id
	}
	return caller
}

func (s *Server) createTask(ctx context.Context, _ string, payload json.RawMessage) (any, error) {
	var req struct {
		Description string `json:"description"`
		Priority    string `json:"priority"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return s.engine.CreateTask(ctx, req.Description, req.Priority)
}

func (s *Server) deployAgent(ctx context.Context, _ string, payload json.RawMessage) (any, error) {
	var req struct {
		TaskID    string `json:"task_id"`
		AgentType string `json:"agent_type"`
		Prompt    string `json:"prompt"`
		Parent    string `json:"parent"`
		WorkDir   string `json:"work_dir"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return s.engine.DeployAgent(ctx, orchestrator.DeployRequest{
		TaskID:    req.TaskID,
		AgentType: req.AgentType,
		Prompt:    req.Prompt,
		Parent:    req.Parent,
		WorkDir:   req.WorkDir,
	})
}

func (s *Server) spawnChild(ctx context.Context, caller string, payload json.RawMessage) (any, error) {
	var req struct {
		TaskID         string `json:"task_id"`
		ParentAgentID  string `json:"parent_agent_id"`
		ChildAgentType string `json:"child_agent_type"`
		ChildPrompt    string `json:"child_prompt"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return s.engine.SpawnChildAgent(ctx, req.TaskID, self(req.ParentAgentID, caller), req.ChildAgentType, req.ChildPrompt)
}

type taskRef struct {
	TaskID string `json:"task_id"`
}

type agentRef struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

func (s *Server) taskStatus(ctx context.Context, _ string, payload json.RawMessage) (any, error) {
	var req taskRef
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return s.engine.GetTaskStatus(ctx, req.TaskID)
}

func (s *Server) agentOutput(ctx context.Context, caller string, payload json.RawMessage) (any, error) {
	var req agentRef
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return s.engine.GetAgentOutput(ctx, req.TaskID, self(req.AgentID, caller))
}

func (s *Server) killAgent(ctx context.Context, _ string, payload json.RawMessage) (any, error) {
	var req agentRef
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return s.engine.KillAgent(ctx, req.TaskID, req.AgentID, req.Reason)
}

func (s *Server) progress(ctx context.Context, caller string, payload json.RawMessage) (any, error) {
	var req struct {
		TaskID   string `json:"task_id"`
		AgentID  string `json:"agent_id"`
		Status   string `json:"status"`
		Message  string `json:"message"`
		Progress int    `json:"progress"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return s.engine.UpdateProgress(ctx, orchestrator.ProgressUpdate{
		TaskID:   req.TaskID,
		AgentID:  self(req.AgentID, caller),
		Status:   req.Status,
		Message:  req.Message,
		Progress: req.Progress,
	})
}

func (s *Server) finding(ctx context.Context, caller string, payload json.RawMessage) (any, error) {
	var req struct {
		TaskID      string         `json:"task_id"`
		AgentID     string         `json:"agent_id"`
		FindingType string         `json:"finding_type"`
		Severity    string         `json:"severity"`
		Message     string         `json:"message"`
		Data        map[string]any `json:"data"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return s.engine.ReportFinding(ctx, orchestrator.FindingReport{
		TaskID:      req.TaskID,
		AgentID:     self(req.AgentID, caller),
		FindingType: req.FindingType,
		Severity:    req.Severity,
		Message:     req.Message,
		Data:        req.Data,
	})
}

func (s *Server) listTasks(ctx context.Context, _ string, _ json.RawMessage) (any, error) {
	return s.engine.ListTasks(ctx)
}

func (s *Server) timeline(ctx context.Context, _ string, payload json.RawMessage) (any, error) {
	var req taskRef
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return s.engine.ProgressTimeline(ctx, req.TaskID)
}

func (s *Server) tree(ctx context.Context, _ string, payload json.RawMessage) (any, error) {
	var req taskRef
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return s.engine.TaskTree(ctx, req.TaskID)
}
