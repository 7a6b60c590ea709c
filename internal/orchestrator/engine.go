// Package orchestrator implements the operations callers and agents use to
// run a tree of headless agents: creating tasks, deploying and killing
// agents, recording their self-reports and reconciling registry state with
// the session backend.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mtzanidakis/treeherd/internal/config"
	"github.com/mtzanidakis/treeherd/internal/eventlog"
	"github.com/mtzanidakis/treeherd/internal/guidance"
	"github.com/mtzanidakis/treeherd/internal/registry"
	"github.com/mtzanidakis/treeherd/internal/session"
)

const (
	defaultCheckParallelism = 8
	maxPromptSummary        = 200
)

// Dependencies are the collaborators the engine is built from. Registry,
// Events and Backend are required.
type Dependencies struct {
	Registry *registry.Registry
	Events   *eventlog.Log
	Backend  session.Backend
	Runner   config.RunnerConfig
	Limits   config.LimitsConfig
	Metrics  *Metrics

	// Publisher receives an Event after each persisted state change. Optional.
	Publisher Publisher

	// Now stamps events and agent records; it should be the same source the
	// registry uses. Defaults to time.Now.
	Now func() time.Time
	// WorkDir resolves the directory agents run in when the caller does not
	// name one. Defaults to os.Getwd.
	WorkDir func() (string, error)
	// CheckParallelism bounds concurrent liveness checks per reconciliation.
	CheckParallelism int
}

type Engine struct {
	registry    *registry.Registry
	events      *eventlog.Log
	backend     session.Backend
	runner      config.RunnerConfig
	limits      config.LimitsConfig
	metrics     *Metrics
	pub         Publisher
	now         func() time.Time
	workDir     func() (string, error)
	parallelism int
}

func New(deps Dependencies) (*Engine, error) {
	if deps.Registry == nil {
		return nil, errors.New("orchestrator: registry is required")
	}
	if deps.Events == nil {
		return nil, errors.New("orchestrator: event log is required")
	}
	if deps.Backend == nil {
		return nil, errors.New("orchestrator: session backend is required")
	}
	e := &Engine{
		registry:    deps.Registry,
		events:      deps.Events,
		backend:     deps.Backend,
		runner:      deps.Runner,
		limits:      deps.Limits,
		metrics:     deps.Metrics,
		pub:         deps.Publisher,
		now:         deps.Now,
		workDir:     deps.WorkDir,
		parallelism: deps.CheckParallelism,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.workDir == nil {
		e.workDir = os.Getwd
	}
	if e.parallelism <= 0 {
		e.parallelism = defaultCheckParallelism
	}
	if e.runner.Executable == "" {
		e.runner.Executable = config.DefaultExecutable
	}
	return e, nil
}

func (e *Engine) BackendName() string { return e.backend.Name() }

// CreateTask registers a new task with the process-wide limits.
func (e *Engine) CreateTask(ctx context.Context, description, priority string) (t *registry.Task, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("create_task", start, err) }()

	description = strings.TrimSpace(description)
	if description == "" {
		return nil, invalidf("description is required")
	}
	priority = strings.ToUpper(strings.TrimSpace(priority))

	t, err = e.registry.Create(ctx, registry.NewTask{
		Description: description,
		Priority:    priority,
		Guidance: registry.Guidance{
			MinSpecializationDepth:          2,
			RecommendedChildAgentsPerParent: 3,
			SpecializationDomains:           guidance.Domains(description),
			ComplexityScore:                 guidance.Complexity(description),
		},
	})
	if err != nil {
		return nil, err
	}
	e.publish(EventTaskCreated, t.ID, "", t.Guidance)
	return t, nil
}

// ListTasks returns the global registry.
func (e *Engine) ListTasks(ctx context.Context) (*registry.Global, error) {
	return e.registry.Global(ctx)
}

// OpenTaskIDs lists tasks that have not reached COMPLETED, for the sweeper.
func (e *Engine) OpenTaskIDs(ctx context.Context) ([]string, error) {
	g, err := e.registry.Global(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for id, sum := range g.Tasks {
		if sum.Status != registry.TaskCompleted {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// TaskTree renders the task's spawn hierarchy.
func (e *Engine) TaskTree(ctx context.Context, taskID string) ([]*registry.TreeNode, error) {
	t, err := e.registry.Load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return t.Tree(), nil
}

// updateGlobal applies a denormalized index change. The task registry is the
// source of truth, so failures here are logged rather than returned.
func (e *Engine) updateGlobal(ctx context.Context, fn func(*registry.Global)) {
	if err := e.registry.UpdateGlobal(ctx, fn); err != nil {
		slog.Warn("global registry update failed", "error", err)
	}
}

func summarize(prompt string) string {
	r := []rune(prompt)
	if len(r) <= maxPromptSummary {
		return prompt
	}
	return string(r[:maxPromptSummary]) + "..."
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (e *Engine) command(workDir, promptPath, taskID, agentID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "cd %s && TREEHERD_TASK_ID=%s TREEHERD_AGENT_ID=%s %s",
		shellQuote(workDir), shellQuote(taskID), shellQuote(agentID), e.runner.Executable)
	if e.runner.Flags != "" {
		b.WriteString(" " + e.runner.Flags)
	}
	fmt.Fprintf(&b, " < %s", shellQuote(promptPath))
	return b.String()
}

func floor0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
