package registry

import (
	"fmt"
	"strings"
	"time"
)

// Orchestrator is the parent label of top-level agents.
const Orchestrator = "orchestrator"

type TaskStatus string

const (
	TaskInitialized TaskStatus = "INITIALIZED"
	TaskActive      TaskStatus = "ACTIVE"
	TaskCompleted   TaskStatus = "COMPLETED"
)

type AgentStatus string

const (
	StatusRunning    AgentStatus = "running"
	StatusCompleted  AgentStatus = "completed"
	StatusTerminated AgentStatus = "terminated"
	StatusBlocked    AgentStatus = "blocked"
	StatusError      AgentStatus = "error"
)

// ParseAgentStatus accepts the canonical statuses plus the aliases agents
// commonly self-report.
func ParseAgentStatus(s string) (AgentStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running", "working", "in_progress", "started":
		return StatusRunning, nil
	case "completed", "done":
		return StatusCompleted, nil
	case "terminated":
		return StatusTerminated, nil
	case "blocked":
		return StatusBlocked, nil
	case "error", "failed":
		return StatusError, nil
	}
	return "", fmt.Errorf("unknown agent status %q", s)
}

// Live reports whether the agent's session is expected to still exist.
func (s AgentStatus) Live() bool {
	return s == StatusRunning || s == StatusBlocked
}

type Agent struct {
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	TmuxSession       string      `json:"tmux_session"`
	Parent            string      `json:"parent"`
	Depth             int         `json:"depth"`
	Status            AgentStatus `json:"status"`
	Progress          int         `json:"progress"`
	StartedAt         time.Time   `json:"started_at"`
	LastUpdate        time.Time   `json:"last_update"`
	TerminatedAt      *time.Time  `json:"terminated_at,omitempty"`
	TerminationReason string      `json:"termination_reason,omitempty"`
	Prompt            string      `json:"prompt"`
	WorkDir           string      `json:"work_dir,omitempty"`
}

type Guidance struct {
	MinSpecializationDepth          int      `json:"min_specialization_depth"`
	RecommendedChildAgentsPerParent int      `json:"recommended_child_agents_per_parent"`
	SpecializationDomains           []string `json:"specialization_domains"`
	ComplexityScore                 int      `json:"complexity_score"`
}

type SpiralChecks struct {
	Enabled    bool       `json:"enabled"`
	LastCheck  *time.Time `json:"last_check"`
	Violations int        `json:"violations"`
}

type Task struct {
	ID             string              `json:"task_id"`
	Description    string              `json:"task_description"`
	Priority       string              `json:"priority"`
	CreatedAt      time.Time           `json:"created_at"`
	Workspace      string              `json:"workspace"`
	Status         TaskStatus          `json:"status"`
	Agents         []Agent             `json:"agents"`
	Hierarchy      map[string][]string `json:"agent_hierarchy"`
	MaxAgents      int                 `json:"max_agents"`
	MaxConcurrent  int                 `json:"max_concurrent"`
	MaxDepth       int                 `json:"max_depth"`
	TotalSpawned   int                 `json:"total_spawned"`
	ActiveCount    int                 `json:"active_count"`
	CompletedCount int                 `json:"completed_count"`
	Guidance       Guidance            `json:"orchestration_guidance"`
	SpiralChecks   SpiralChecks        `json:"spiral_checks"`
}

// Agent returns a pointer into t.Agents, or nil.
func (t *Task) Agent(id string) *Agent {
	for i := range t.Agents {
		if t.Agents[i].ID == id {
			return &t.Agents[i]
		}
	}
	return nil
}

func (t *Task) CountStatus(s AgentStatus) int {
	n := 0
	for _, a := range t.Agents {
		if a.Status == s {
			n++
		}
	}
	return n
}

// AddChild records child under parent in the hierarchy.
func (t *Task) AddChild(parent, child string) {
	if t.Hierarchy == nil {
		t.Hierarchy = map[string][]string{Orchestrator: {}}
	}
	t.Hierarchy[parent] = append(t.Hierarchy[parent], child)
}
