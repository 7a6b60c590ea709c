package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mtzanidakis/treeherd/internal/storage"
)

const GlobalKey = "registry/GLOBAL_REGISTRY.json"

type Global struct {
	CreatedAt           time.Time               `json:"created_at"`
	TotalTasks          int                     `json:"total_tasks"`
	ActiveTasks         int                     `json:"active_tasks"`
	TotalAgentsSpawned  int                     `json:"total_agents_spawned"`
	ActiveAgents        int                     `json:"active_agents"`
	MaxConcurrentAgents int                     `json:"max_concurrent_agents"`
	Tasks               map[string]TaskSummary  `json:"tasks"`
	Agents              map[string]AgentSummary `json:"agents"`
}

type TaskSummary struct {
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	Status      TaskStatus `json:"status"`
}

type AgentSummary struct {
	TaskID      string      `json:"task_id"`
	Type        string      `json:"type"`
	Parent      string      `json:"parent"`
	StartedAt   time.Time   `json:"started_at"`
	TmuxSession string      `json:"tmux_session"`
	Status      AgentStatus `json:"status"`
}

func (r *Registry) newGlobal() *Global {
	return &Global{
		CreatedAt:           r.now(),
		MaxConcurrentAgents: r.limits.MaxConcurrent,
		Tasks:               map[string]TaskSummary{},
		Agents:              map[string]AgentSummary{},
	}
}

// Global returns the cross-task summary, or an empty one if none has been
// written yet.
func (r *Registry) Global(ctx context.Context) (*Global, error) {
	data, err := r.store.Get(ctx, GlobalKey)
	if errors.Is(err, storage.ErrNotFound) {
		return r.newGlobal(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load global registry: %w: %w", ErrIO, err)
	}
	g := r.newGlobal()
	if err := json.Unmarshal(data, g); err != nil {
		return nil, fmt.Errorf("decode global registry: %w: %w", ErrIO, err)
	}
	g.normalize()
	return g, nil
}

func (r *Registry) UpdateGlobal(ctx context.Context, fn func(*Global)) error {
	unlock := r.locks.Lock(GlobalKey)
	defer unlock()

	err := r.store.Update(ctx, GlobalKey, func(cur []byte) ([]byte, error) {
		g := r.newGlobal()
		if cur != nil {
			if err := json.Unmarshal(cur, g); err != nil {
				return nil, fmt.Errorf("decode global registry: %w", err)
			}
		}
		g.normalize()
		fn(g)
		if g.ActiveAgents < 0 {
			g.ActiveAgents = 0
		}
		if g.ActiveTasks < 0 {
			g.ActiveTasks = 0
		}
		return json.MarshalIndent(g, "", "  ")
	})
	if err != nil {
		return fmt.Errorf("update global registry: %w: %w", ErrIO, err)
	}
	return nil
}

func (g *Global) normalize() {
	if g.Tasks == nil {
		g.Tasks = map[string]TaskSummary{}
	}
	if g.Agents == nil {
		g.Agents = map[string]AgentSummary{}
	}
}

// SetTaskStatus updates a task summary and keeps ActiveTasks in step.
func (g *Global) SetTaskStatus(taskID string, status TaskStatus) {
	sum, ok := g.Tasks[taskID]
	if !ok || sum.Status == status {
		return
	}
	wasOpen := sum.Status != TaskCompleted
	isOpen := status != TaskCompleted
	switch {
	case wasOpen && !isOpen:
		g.ActiveTasks--
	case !wasOpen && isOpen:
		g.ActiveTasks++
	}
	sum.Status = status
	g.Tasks[taskID] = sum
}

// SetAgentStatus updates an agent summary and keeps ActiveAgents in step.
func (g *Global) SetAgentStatus(agentID string, status AgentStatus) {
	sum, ok := g.Agents[agentID]
	if !ok || sum.Status == status {
		return
	}
	switch {
	case sum.Status == StatusRunning && status != StatusRunning:
		g.ActiveAgents--
	case sum.Status != StatusRunning && status == StatusRunning:
		g.ActiveAgents++
	}
	sum.Status = status
	g.Agents[agentID] = sum
}
