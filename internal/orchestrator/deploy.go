package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mtzanidakis/treeherd/internal/guidance"
	"github.com/mtzanidakis/treeherd/internal/registry"
	"github.com/mtzanidakis/treeherd/internal/session"
)

const maxAgentTypeLen = 64

type DeployRequest struct {
	TaskID    string
	AgentType string
	Prompt    string
	// Parent is the spawning agent's id; empty means the orchestrator.
	Parent string
	// WorkDir is where the agent runs. Empty inherits the parent's
	// directory, falling back to the engine's working directory.
	WorkDir string
}

type Deployment struct {
	Success     bool   `json:"success"`
	AgentID     string `json:"agent_id"`
	TmuxSession string `json:"tmux_session"`
	Type        string `json:"type"`
	Parent      string `json:"parent"`
	Depth       int    `json:"depth"`
	TaskID      string `json:"task_id"`
	Status      string `json:"status"`
	Workspace   string `json:"workspace"`
	WorkDir     string `json:"work_dir"`
	Method      string `json:"deployment_method"`
}

type deployRecord struct {
	AgentID    string         `json:"agent_id"`
	TaskID     string         `json:"task_id"`
	Session    string         `json:"session"`
	Backend    string         `json:"backend"`
	Command    string         `json:"command"`
	WorkDir    string         `json:"work_dir"`
	PromptFile string         `json:"prompt_file"`
	Result     session.Result `json:"start_result"`
	DeployedAt time.Time      `json:"deployed_at"`
}

// DeployAgent starts a new agent session and registers it with the task.
// Limits are checked, and the session started, inside the task's critical
// section so concurrent deployers cannot overshoot them.
func (e *Engine) DeployAgent(ctx context.Context, req DeployRequest) (dep *Deployment, err error) {
	start := time.Now()
	defer func() {
		e.metrics.observe("deploy_agent", start, err)
		e.metrics.deployed(err)
	}()

	agentType := strings.TrimSpace(req.AgentType)
	if registry.ValidateID(agentType) != nil || len(agentType) > maxAgentTypeLen {
		return nil, invalidf("agent type %q must be letters, digits, '-' or '_'", req.AgentType)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, invalidf("prompt is required")
	}
	parent := strings.TrimSpace(req.Parent)
	if parent == "" {
		parent = registry.Orchestrator
	}
	if parent != registry.Orchestrator && registry.ValidateID(parent) != nil {
		return nil, invalidf("parent %q is not a valid agent id", req.Parent)
	}

	if !e.backend.Available(ctx) {
		return nil, fmt.Errorf("%w: %s", ErrBackendUnavailable, e.backend.Name())
	}

	fallbackDir := req.WorkDir
	if fallbackDir == "" {
		wd, err := e.workDir()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		fallbackDir = wd
	}

	var (
		agent registry.Agent
		rec   deployRecord
	)
	task, err := e.registry.Mutate(ctx, req.TaskID, func(t *registry.Task) error {
		if t.ActiveCount >= t.MaxConcurrent {
			return &LimitError{Limit: LimitConcurrency, Current: t.ActiveCount, Max: t.MaxConcurrent}
		}
		if t.TotalSpawned >= t.MaxAgents {
			return &LimitError{Limit: LimitAgents, Current: t.TotalSpawned, Max: t.MaxAgents}
		}

		depth := 1
		workDir := fallbackDir
		if parent != registry.Orchestrator {
			if p := t.Agent(parent); p != nil {
				depth = p.Depth + 1
				if req.WorkDir == "" && p.WorkDir != "" {
					workDir = p.WorkDir
				}
			} else {
				depth = 2
				slog.Warn("parent agent not registered, assuming depth 2", "task", t.ID, "parent", parent)
			}
		}
		if e.limits.EnforceDepth && depth > t.MaxDepth {
			return &LimitError{Limit: LimitDepth, Current: depth, Max: t.MaxDepth}
		}

		id := e.registry.NewAgentID(agentType)
		unit := session.UnitName(id)

		payload := guidance.Instructions(guidance.Params{
			TaskID:      t.ID,
			AgentID:     id,
			AgentType:   agentType,
			Parent:      parent,
			Depth:       depth,
			MaxDepth:    t.MaxDepth,
			Workspace:   t.Workspace,
			Description: t.Description,
			Mission:     req.Prompt,
		})
		promptPath := filepath.Join(t.Workspace, "agent_prompt_"+id+".txt")
		if err := os.WriteFile(promptPath, []byte(payload), 0o644); err != nil {
			return fmt.Errorf("write prompt file: %w: %w", ErrRegistryIO, err)
		}

		cmd := e.command(workDir, promptPath, t.ID, id)
		res, err := e.backend.Start(ctx, session.Spec{
			Name:    unit,
			Command: cmd,
			WorkDir: workDir,
			Paths:   []string{workDir, t.Workspace},
		})
		if err != nil || !res.OK {
			os.Remove(promptPath)
			return &SessionStartError{Result: res, Err: err}
		}

		if err := sleepCtx(ctx, e.runner.StartGrace); err != nil {
			if _, kerr := e.backend.Kill(context.WithoutCancel(ctx), unit); kerr != nil {
				slog.Warn("kill abandoned session", "session", unit, "error", kerr)
			}
			return err
		}
		alive, err := e.backend.Exists(ctx, unit)
		if err != nil {
			e.metrics.livenessError()
			slog.Warn("liveness check after start failed, assuming alive", "session", unit, "error", err)
			alive = true
		}
		if !alive {
			return fmt.Errorf("%w: %s", ErrSessionTerminatedImmediately, unit)
		}

		now := e.now()
		agent = registry.Agent{
			ID:          id,
			Type:        agentType,
			TmuxSession: unit,
			Parent:      parent,
			Depth:       depth,
			Status:      registry.StatusRunning,
			StartedAt:   now,
			LastUpdate:  now,
			Prompt:      summarize(req.Prompt),
			WorkDir:     workDir,
		}
		t.Agents = append(t.Agents, agent)
		t.AddChild(parent, id)
		t.TotalSpawned++
		t.ActiveCount++
		t.Status = registry.TaskActive

		rec = deployRecord{
			AgentID:    id,
			TaskID:     t.ID,
			Session:    unit,
			Backend:    e.backend.Name(),
			Command:    cmd,
			WorkDir:    workDir,
			PromptFile: promptPath,
			Result:     res,
			DeployedAt: now,
		}
		return nil
	})

	var le *LimitError
	if errors.As(err, &le) {
		e.recordViolation(ctx, req.TaskID, le)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	e.updateGlobal(ctx, func(g *registry.Global) {
		g.TotalAgentsSpawned++
		g.ActiveAgents++
		g.Agents[agent.ID] = registry.AgentSummary{
			TaskID:      task.ID,
			Type:        agent.Type,
			Parent:      agent.Parent,
			StartedAt:   agent.StartedAt,
			TmuxSession: agent.TmuxSession,
			Status:      registry.StatusRunning,
		}
		g.SetTaskStatus(task.ID, registry.TaskActive)
	})
	if err := e.registry.PutRecord(ctx, registry.DeployLogKey(task.ID, agent.ID), rec); err != nil {
		slog.Warn("write deployment record", "agent", agent.ID, "error", err)
	}

	slog.Info("agent deployed",
		"task", task.ID,
		"agent", agent.ID,
		"parent", agent.Parent,
		"depth", agent.Depth,
		"active", task.ActiveCount,
	)
	dep = &Deployment{
		Success:     true,
		AgentID:     agent.ID,
		TmuxSession: agent.TmuxSession,
		Type:        agent.Type,
		Parent:      agent.Parent,
		Depth:       agent.Depth,
		TaskID:      task.ID,
		Status:      "deployed",
		Workspace:   task.Workspace,
		WorkDir:     agent.WorkDir,
		Method:      e.backend.Name(),
	}
	e.publish(EventAgentDeployed, task.ID, agent.ID, dep)
	return dep, nil
}

// SpawnChildAgent deploys an agent on behalf of another agent.
func (e *Engine) SpawnChildAgent(ctx context.Context, taskID, parentID, childType, childPrompt string) (*Deployment, error) {
	if strings.TrimSpace(parentID) == "" {
		return nil, invalidf("parent agent id is required")
	}
	return e.DeployAgent(ctx, DeployRequest{
		TaskID:    taskID,
		AgentType: childType,
		Prompt:    childPrompt,
		Parent:    parentID,
	})
}

// recordViolation stamps the spiral-check metadata after a limit rejection.
// Agent counters are left alone.
func (e *Engine) recordViolation(ctx context.Context, taskID string, le *LimitError) {
	e.metrics.violation(le.Limit)
	_, err := e.registry.Mutate(ctx, taskID, func(t *registry.Task) error {
		now := e.now()
		t.SpiralChecks.Violations++
		t.SpiralChecks.LastCheck = &now
		return nil
	})
	if err != nil {
		slog.Warn("record limit violation", "task", taskID, "error", err)
	}
	slog.Warn("deployment rejected", "task", taskID, "limit", le.Limit, "current", le.Current, "max", le.Max)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
