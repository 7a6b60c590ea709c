package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mtzanidakis/treeherd/internal/eventlog"
	"github.com/mtzanidakis/treeherd/internal/registry"
)

const (
	statusRecentProgress       = 10
	statusRecentFindings       = 5
	coordinationRecentProgress = 20
	coordinationRecentFindings = 10
)

var errUnchanged = errors.New("unchanged")

type AgentsView struct {
	TotalSpawned int              `json:"total_spawned"`
	Active       int              `json:"active"`
	Completed    int              `json:"completed"`
	AgentsList   []registry.Agent `json:"agents_list"`
}

type ProgressView struct {
	RecentUpdates        []eventlog.Progress `json:"recent_updates"`
	RecentFindings       []eventlog.Finding  `json:"recent_findings"`
	TotalProgressEntries int                 `json:"total_progress_entries"`
	TotalFindings        int                 `json:"total_findings"`
	// ProgressFrequency is updates per spawned agent per ten-minute window.
	ProgressFrequency float64 `json:"progress_frequency"`
	MalformedRecords  int     `json:"malformed_records"`
}

type LimitsView struct {
	MaxAgents     int `json:"max_agents"`
	MaxConcurrent int `json:"max_concurrent"`
	MaxDepth      int `json:"max_depth"`
}

type StatusView struct {
	Success          bool                  `json:"success"`
	TaskID           string                `json:"task_id"`
	Description      string                `json:"description"`
	Status           registry.TaskStatus   `json:"status"`
	Priority         string                `json:"priority"`
	CreatedAt        time.Time             `json:"created_at"`
	Workspace        string                `json:"workspace"`
	Agents           AgentsView            `json:"agents"`
	Hierarchy        map[string][]string   `json:"hierarchy"`
	EnhancedProgress ProgressView          `json:"enhanced_progress"`
	SpiralStatus     registry.SpiralChecks `json:"spiral_status"`
	Limits           LimitsView            `json:"limits"`
	Guidance         registry.Guidance     `json:"orchestration_guidance"`
}

// Reconciliation summarizes what one pass changed.
type Reconciliation struct {
	Task    *registry.Task
	Retired []string
}

// GetTaskStatus reconciles the task with the backend and returns its view.
func (e *Engine) GetTaskStatus(ctx context.Context, taskID string) (view *StatusView, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("get_task_status", start, err) }()

	rec, err := e.Reconcile(ctx, taskID)
	if err != nil {
		return nil, err
	}
	snap, err := e.events.Read(ctx, taskID)
	if err != nil {
		return nil, err
	}

	t := rec.Task
	return &StatusView{
		Success:     true,
		TaskID:      t.ID,
		Description: t.Description,
		Status:      t.Status,
		Priority:    t.Priority,
		CreatedAt:   t.CreatedAt,
		Workspace:   t.Workspace,
		Agents: AgentsView{
			TotalSpawned: t.TotalSpawned,
			Active:       t.ActiveCount,
			Completed:    t.CompletedCount,
			AgentsList:   t.Agents,
		},
		Hierarchy: t.Hierarchy,
		EnhancedProgress: ProgressView{
			RecentUpdates:        snap.RecentProgress(statusRecentProgress),
			RecentFindings:       snap.RecentFindings(statusRecentFindings),
			TotalProgressEntries: len(snap.Progress),
			TotalFindings:        len(snap.Findings),
			ProgressFrequency:    float64(len(snap.Progress)) / float64(max(t.TotalSpawned*10, 1)),
			MalformedRecords:     snap.Malformed,
		},
		SpiralStatus: t.SpiralChecks,
		Limits: LimitsView{
			MaxAgents:     t.MaxAgents,
			MaxConcurrent: t.MaxConcurrent,
			MaxDepth:      t.MaxDepth,
		},
		Guidance: t.Guidance,
	}, nil
}

// Reconcile retires live agents whose session has disappeared. Liveness
// checks run outside the task lock; a check that errors counts as alive.
func (e *Engine) Reconcile(ctx context.Context, taskID string) (*Reconciliation, error) {
	t, err := e.registry.Load(ctx, taskID)
	if err != nil {
		return nil, err
	}

	gone := e.goneSessions(ctx, t)

	var (
		retired []string
		current *registry.Task
	)
	updated, err := e.registry.Mutate(ctx, taskID, func(t *registry.Task) error {
		current = t
		changed := false
		now := e.now()
		for i := range t.Agents {
			a := &t.Agents[i]
			if !a.Status.Live() || !gone[a.ID] {
				continue
			}
			if a.Status == registry.StatusRunning {
				t.ActiveCount = floor0(t.ActiveCount - 1)
			}
			a.Status = registry.StatusCompleted
			a.LastUpdate = now
			t.CompletedCount++
			retired = append(retired, a.ID)
			changed = true
		}

		if running := t.CountStatus(registry.StatusRunning); running != t.ActiveCount {
			slog.Warn("active count drifted, recomputing", "task", t.ID, "recorded", t.ActiveCount, "running", running)
			t.ActiveCount = running
			changed = true
		}

		if status := taskStatus(t); status != t.Status {
			t.Status = status
			changed = true
		}
		if !changed {
			return errUnchanged
		}
		return nil
	})
	switch {
	case errors.Is(err, errUnchanged):
		return &Reconciliation{Task: current}, nil
	case err != nil:
		return nil, err
	}

	e.metrics.retired(len(retired))
	e.updateGlobal(ctx, func(g *registry.Global) {
		for _, id := range retired {
			g.SetAgentStatus(id, registry.StatusCompleted)
		}
		g.SetTaskStatus(updated.ID, updated.Status)
	})
	if len(retired) > 0 {
		slog.Info("retired finished agents", "task", updated.ID, "agents", retired, "active", updated.ActiveCount)
		e.publish(EventAgentsRetired, updated.ID, "", retired)
	}
	return &Reconciliation{Task: updated, Retired: retired}, nil
}

// goneSessions asks the backend about every live agent, a bounded number at
// a time, and returns the ones whose session is definitely gone.
func (e *Engine) goneSessions(ctx context.Context, t *registry.Task) map[string]bool {
	var (
		mu   sync.Mutex
		gone = make(map[string]bool)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, a := range t.Agents {
		if !a.Status.Live() || a.TmuxSession == "" {
			continue
		}
		g.Go(func() error {
			alive, err := e.backend.Exists(gctx, a.TmuxSession)
			if err != nil {
				e.metrics.livenessError()
				slog.Warn("liveness check failed, assuming alive", "agent", a.ID, "session", a.TmuxSession, "error", err)
				return nil
			}
			if !alive {
				mu.Lock()
				gone[a.ID] = true
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return gone
}

// taskStatus derives the lifecycle status from the agent list. A task with
// agents but none live is finished; deploying again reopens it.
func taskStatus(t *registry.Task) registry.TaskStatus {
	if len(t.Agents) == 0 {
		return t.Status
	}
	for _, a := range t.Agents {
		if a.Status.Live() {
			return registry.TaskActive
		}
	}
	return registry.TaskCompleted
}

type TaskInfo struct {
	TaskID      string              `json:"task_id"`
	Description string              `json:"description"`
	Status      registry.TaskStatus `json:"status"`
	CreatedAt   time.Time           `json:"created_at"`
	Workspace   string              `json:"workspace"`
}

type AgentBrief struct {
	Type       string               `json:"type"`
	Status     registry.AgentStatus `json:"status"`
	Progress   int                  `json:"progress"`
	LastUpdate time.Time            `json:"last_update"`
}

type CoordinationData struct {
	RecentProgress     []eventlog.Progress   `json:"recent_progress"`
	RecentFindings     []eventlog.Finding    `json:"recent_findings"`
	AgentStatusSummary map[string]AgentBrief `json:"agent_status_summary"`
}

// Coordination is the snapshot returned to agents after every self-report so
// they can see what their siblings are doing.
type Coordination struct {
	Success          bool                `json:"success"`
	TaskInfo         TaskInfo            `json:"task_info"`
	Agents           AgentsView          `json:"agents"`
	CoordinationData CoordinationData    `json:"coordination_data"`
	Hierarchy        map[string][]string `json:"hierarchy"`
}

// ComprehensiveStatus reads the task and every event log without touching
// the backend.
func (e *Engine) ComprehensiveStatus(ctx context.Context, taskID string) (*Coordination, error) {
	t, err := e.registry.Load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	snap, err := e.events.Read(ctx, taskID)
	if err != nil {
		return nil, err
	}

	summary := make(map[string]AgentBrief, len(t.Agents))
	for _, a := range t.Agents {
		summary[a.ID] = AgentBrief{
			Type:       a.Type,
			Status:     a.Status,
			Progress:   a.Progress,
			LastUpdate: a.LastUpdate,
		}
	}
	return &Coordination{
		Success: true,
		TaskInfo: TaskInfo{
			TaskID:      t.ID,
			Description: t.Description,
			Status:      t.Status,
			CreatedAt:   t.CreatedAt,
			Workspace:   t.Workspace,
		},
		Agents: AgentsView{
			TotalSpawned: t.TotalSpawned,
			Active:       t.ActiveCount,
			Completed:    t.CompletedCount,
			AgentsList:   t.Agents,
		},
		CoordinationData: CoordinationData{
			RecentProgress:     snap.RecentProgress(coordinationRecentProgress),
			RecentFindings:     snap.RecentFindings(coordinationRecentFindings),
			AgentStatusSummary: summary,
		},
		Hierarchy: t.Hierarchy,
	}, nil
}

type Timeline struct {
	Success  bool                     `json:"success"`
	TaskID   string                   `json:"task_id"`
	Timeline []eventlog.TimelineEntry `json:"timeline"`
	Summary  eventlog.TimelineSummary `json:"summary"`
}

// ProgressTimeline merges every event of the task in ascending time order.
func (e *Engine) ProgressTimeline(ctx context.Context, taskID string) (*Timeline, error) {
	if _, err := e.registry.Load(ctx, taskID); err != nil {
		return nil, err
	}
	snap, err := e.events.Read(ctx, taskID)
	if err != nil {
		return nil, err
	}
	entries := snap.Timeline()
	return &Timeline{
		Success:  true,
		TaskID:   taskID,
		Timeline: entries,
		Summary:  eventlog.Summarize(entries),
	}, nil
}
