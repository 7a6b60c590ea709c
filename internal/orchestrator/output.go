package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mtzanidakis/treeherd/internal/registry"
)

const DefaultKillReason = "Manual termination"

type AgentOutput struct {
	Success       bool   `json:"success"`
	TaskID        string `json:"task_id"`
	AgentID       string `json:"agent_id"`
	TmuxSession   string `json:"tmux_session"`
	SessionStatus string `json:"session_status"`
	Output        string `json:"output"`
}

// GetAgentOutput captures what the agent's session currently shows.
func (e *Engine) GetAgentOutput(ctx context.Context, taskID, agentID string) (out *AgentOutput, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("get_agent_output", start, err) }()

	t, err := e.registry.Load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	a := t.Agent(agentID)
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	out = &AgentOutput{
		Success:       true,
		TaskID:        taskID,
		AgentID:       agentID,
		TmuxSession:   a.TmuxSession,
		SessionStatus: "terminated",
	}
	alive, err := e.backend.Exists(ctx, a.TmuxSession)
	if err != nil {
		e.metrics.livenessError()
		slog.Warn("liveness check failed, trying capture anyway", "session", a.TmuxSession, "error", err)
		alive = true
	}
	if !alive {
		return out, nil
	}
	text, err := e.backend.Capture(ctx, a.TmuxSession)
	if err != nil {
		slog.Debug("capture failed", "session", a.TmuxSession, "error", err)
		return out, nil
	}
	out.SessionStatus = "running"
	out.Output = text
	return out, nil
}

type KillResult struct {
	Success       bool                 `json:"success"`
	TaskID        string               `json:"task_id"`
	AgentID       string               `json:"agent_id"`
	TmuxSession   string               `json:"tmux_session"`
	SessionKilled bool                 `json:"session_killed"`
	Status        registry.AgentStatus `json:"status"`
	Reason        string               `json:"reason"`
	TerminatedAt  *time.Time           `json:"terminated_at,omitempty"`
}

// KillAgent stops the agent's session and marks it terminated. A session
// that is already gone is not an error, and killing an agent that already
// finished leaves its record untouched.
func (e *Engine) KillAgent(ctx context.Context, taskID, agentID, reason string) (res *KillResult, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("kill_agent", start, err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultKillReason
	}
	t, err := e.registry.Load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	a := t.Agent(agentID)
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if terminal(a.Status) {
		return &KillResult{
			Success:      true,
			TaskID:       taskID,
			AgentID:      agentID,
			TmuxSession:  a.TmuxSession,
			Status:       a.Status,
			Reason:       a.TerminationReason,
			TerminatedAt: a.TerminatedAt,
		}, nil
	}

	killed, err := e.backend.Kill(ctx, a.TmuxSession)
	if err != nil {
		slog.Warn("kill session failed", "session", a.TmuxSession, "error", err)
	}

	var (
		after registry.Agent
		prev  registry.AgentStatus
	)
	updated, err := e.registry.Mutate(ctx, taskID, func(t *registry.Task) error {
		a := t.Agent(agentID)
		if a == nil {
			return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
		}
		prev = a.Status
		if terminal(a.Status) {
			after = *a
			return errUnchanged
		}
		transition(t, a, registry.StatusTerminated, e.now(), reason)
		after = *a
		return nil
	})
	switch {
	case errors.Is(err, errUnchanged):
	case err != nil:
		return nil, err
	default:
		e.updateGlobal(ctx, func(g *registry.Global) {
			g.SetAgentStatus(agentID, registry.StatusTerminated)
			g.SetTaskStatus(updated.ID, updated.Status)
		})
		slog.Info("agent terminated", "task", taskID, "agent", agentID, "was", prev, "session_killed", killed, "reason", reason)
	}

	res = &KillResult{
		Success:       true,
		TaskID:        taskID,
		AgentID:       agentID,
		TmuxSession:   after.TmuxSession,
		SessionKilled: killed,
		Status:        after.Status,
		Reason:        after.TerminationReason,
		TerminatedAt:  after.TerminatedAt,
	}
	if err == nil {
		e.publish(EventAgentKilled, taskID, agentID, res)
	}
	return res, nil
}

func terminal(s registry.AgentStatus) bool {
	return s == registry.StatusCompleted || s == registry.StatusTerminated
}
