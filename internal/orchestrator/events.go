package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mtzanidakis/treeherd/internal/eventlog"
	"github.com/mtzanidakis/treeherd/internal/registry"
)

type ProgressUpdate struct {
	TaskID   string
	AgentID  string
	Status   string
	Message  string
	Progress int
}

type ProgressAck struct {
	Success          bool              `json:"success"`
	OwnUpdate        eventlog.Progress `json:"own_update"`
	CoordinationInfo *Coordination     `json:"coordination_info"`
}

// UpdateProgress records an agent's self-report. The event is appended
// before the registry is touched, and an agent the registry does not know
// still gets its event recorded.
func (e *Engine) UpdateProgress(ctx context.Context, u ProgressUpdate) (ack *ProgressAck, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("update_progress", start, err) }()

	if registry.ValidateID(u.AgentID) != nil {
		return nil, invalidf("agent id %q", u.AgentID)
	}
	status, err := registry.ParseAgentStatus(u.Status)
	if err != nil {
		return nil, invalidf("%v", err)
	}
	if u.Progress < 0 || u.Progress > 100 {
		return nil, invalidf("progress %d outside 0-100", u.Progress)
	}
	if _, err := e.registry.Load(ctx, u.TaskID); err != nil {
		return nil, err
	}

	ev := eventlog.Progress{
		Timestamp: e.now(),
		AgentID:   u.AgentID,
		Status:    string(status),
		Message:   u.Message,
		Progress:  u.Progress,
	}
	if err := e.events.AppendProgress(ctx, u.TaskID, ev); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistryIO, err)
	}

	var prev registry.AgentStatus
	updated, err := e.registry.Mutate(ctx, u.TaskID, func(t *registry.Task) error {
		a := t.Agent(u.AgentID)
		if a == nil {
			return errUnchanged
		}
		prev = a.Status
		transition(t, a, status, ev.Timestamp, "self-reported")
		a.Progress = u.Progress
		a.LastUpdate = ev.Timestamp
		return nil
	})
	switch {
	case errors.Is(err, errUnchanged):
		slog.Info("progress from unregistered agent", "task", u.TaskID, "agent", u.AgentID)
	case err != nil:
		return nil, err
	case prev != status:
		e.updateGlobal(ctx, func(g *registry.Global) {
			g.SetAgentStatus(u.AgentID, status)
			g.SetTaskStatus(updated.ID, updated.Status)
		})
	}

	e.publish(EventProgress, u.TaskID, u.AgentID, ev)

	coord, err := e.ComprehensiveStatus(ctx, u.TaskID)
	if err != nil {
		return nil, err
	}
	return &ProgressAck{Success: true, OwnUpdate: ev, CoordinationInfo: coord}, nil
}

// transition moves a to status `to`, keeping the task counters and status
// consistent with the agent list.
func transition(t *registry.Task, a *registry.Agent, to registry.AgentStatus, at time.Time, reason string) {
	from := a.Status
	if from == to {
		return
	}
	if from == registry.StatusRunning {
		t.ActiveCount = floor0(t.ActiveCount - 1)
	}
	if to == registry.StatusRunning {
		t.ActiveCount++
	}
	if from == registry.StatusCompleted {
		t.CompletedCount = floor0(t.CompletedCount - 1)
	}
	if to == registry.StatusCompleted {
		t.CompletedCount++
	}
	if to == registry.StatusTerminated {
		a.TerminatedAt = &at
		a.TerminationReason = reason
	}
	a.Status = to
	t.Status = taskStatus(t)
}

type FindingReport struct {
	TaskID      string
	AgentID     string
	FindingType string
	Severity    string
	Message     string
	Data        map[string]any
}

type FindingAck struct {
	Success          bool             `json:"success"`
	OwnFinding       eventlog.Finding `json:"own_finding"`
	CoordinationInfo *Coordination    `json:"coordination_info"`
}

// ReportFinding appends a finding. The registry is not modified.
func (e *Engine) ReportFinding(ctx context.Context, r FindingReport) (ack *FindingAck, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("report_finding", start, err) }()

	if registry.ValidateID(r.AgentID) != nil {
		return nil, invalidf("agent id %q", r.AgentID)
	}
	findingType := strings.TrimSpace(r.FindingType)
	if registry.ValidateID(findingType) != nil || len(findingType) > maxAgentTypeLen {
		return nil, invalidf("finding type %q", r.FindingType)
	}
	severity, err := eventlog.ParseSeverity(r.Severity)
	if err != nil {
		return nil, invalidf("%v", err)
	}
	if strings.TrimSpace(r.Message) == "" {
		return nil, invalidf("message is required")
	}
	if _, err := e.registry.Load(ctx, r.TaskID); err != nil {
		return nil, err
	}

	data := r.Data
	if data == nil {
		data = map[string]any{}
	}
	f := eventlog.Finding{
		Timestamp:   e.now(),
		AgentID:     r.AgentID,
		FindingType: findingType,
		Severity:    severity,
		Message:     r.Message,
		Data:        data,
	}
	if err := e.events.AppendFinding(ctx, r.TaskID, f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistryIO, err)
	}
	if severity == eventlog.SeverityCritical {
		slog.Warn("critical finding", "task", r.TaskID, "agent", r.AgentID, "type", findingType, "message", r.Message)
	}
	e.publish(EventFinding, r.TaskID, r.AgentID, f)

	coord, err := e.ComprehensiveStatus(ctx, r.TaskID)
	if err != nil {
		return nil, err
	}
	return &FindingAck{Success: true, OwnFinding: f, CoordinationInfo: coord}, nil
}
