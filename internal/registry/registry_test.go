package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/treeherd/internal/config"
	"github.com/mtzanidakis/treeherd/internal/storage"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), ".agent-workspace")
	s, err := storage.NewFS(root)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	limits := config.LimitsConfig{MaxAgents: 25, MaxConcurrent: 8, MaxDepth: 5}
	now := func() time.Time { return time.Date(2025, 6, 7, 8, 9, 10, 0, time.UTC) }
	return New(s, limits, root, now), root
}

func TestCreateTask(t *testing.T) {
	reg, root := newTestRegistry(t)
	ctx := context.Background()

	task, err := reg.Create(ctx, NewTask{Description: "Build a website", Guidance: Guidance{ComplexityScore: 3}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if !strings.HasPrefix(task.ID, "TASK-20250607-080910-") || len(task.ID) != len("TASK-20250607-080910-")+8 {
		t.Errorf("unexpected task id %s", task.ID)
	}
	if task.Status != TaskInitialized {
		t.Errorf("expected INITIALIZED, got %s", task.Status)
	}
	if task.Priority != "P2" {
		t.Errorf("expected default priority P2, got %s", task.Priority)
	}
	if task.MaxAgents != 25 || task.MaxConcurrent != 8 || task.MaxDepth != 5 {
		t.Errorf("unexpected limits %d/%d/%d", task.MaxAgents, task.MaxConcurrent, task.MaxDepth)
	}
	if children, ok := task.Hierarchy[Orchestrator]; !ok || len(children) != 0 {
		t.Errorf("expected empty orchestrator entry, got %v", task.Hierarchy)
	}
	if !task.SpiralChecks.Enabled {
		t.Error("expected spiral checks enabled")
	}
	for _, d := range []string{"progress", "findings", "logs", "output"} {
		if _, err := os.Stat(filepath.Join(root, task.ID, d)); err != nil {
			t.Errorf("expected %s dir: %v", d, err)
		}
	}

	loaded, err := reg.Load(ctx, task.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Description != "Build a website" || loaded.Guidance.ComplexityScore != 3 {
		t.Errorf("unexpected loaded task %+v", loaded)
	}

	g, err := reg.Global(ctx)
	if err != nil {
		t.Fatalf("global: %v", err)
	}
	if g.TotalTasks != 1 || g.ActiveTasks != 1 {
		t.Errorf("unexpected global counters %d/%d", g.TotalTasks, g.ActiveTasks)
	}
	if g.Tasks[task.ID].Description != "Build a website" {
		t.Errorf("missing task summary: %+v", g.Tasks)
	}
}

func TestLoadMissing(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"TASK-nope", "../etc", ""} {
		if _, err := reg.Load(ctx, id); !errors.Is(err, ErrTaskNotFound) {
			t.Errorf("Load(%q): expected ErrTaskNotFound, got %v", id, err)
		}
		if _, err := reg.Mutate(ctx, id, func(*Task) error { return nil }); !errors.Is(err, ErrTaskNotFound) {
			t.Errorf("Mutate(%q): expected ErrTaskNotFound, got %v", id, err)
		}
	}
}

func TestMutateSerializes(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	task, err := reg.Create(ctx, NewTask{Description: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Mutate(ctx, task.ID, func(t *Task) error {
				t.TotalSpawned++
				return nil
			})
			if err != nil {
				t.Errorf("mutate: %v", err)
			}
		}()
	}
	wg.Wait()

	loaded, _ := reg.Load(ctx, task.ID)
	if loaded.TotalSpawned != 25 {
		t.Errorf("expected 25, got %d", loaded.TotalSpawned)
	}
}

func TestMutateErrorDoesNotWrite(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	task, _ := reg.Create(ctx, NewTask{Description: "x"})

	boom := errors.New("limit")
	_, err := reg.Mutate(ctx, task.ID, func(t *Task) error {
		t.TotalSpawned = 99
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	loaded, _ := reg.Load(ctx, task.ID)
	if loaded.TotalSpawned != 0 {
		t.Errorf("mutation leaked: %d", loaded.TotalSpawned)
	}
}

func TestGlobalStatusBookkeeping(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	err := reg.UpdateGlobal(ctx, func(g *Global) {
		g.Tasks["T1"] = TaskSummary{Status: TaskActive}
		g.ActiveTasks = 1
		g.Agents["a"] = AgentSummary{TaskID: "T1", Status: StatusRunning}
		g.ActiveAgents = 1
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	_ = reg.UpdateGlobal(ctx, func(g *Global) {
		g.SetAgentStatus("a", StatusCompleted)
		g.SetAgentStatus("a", StatusCompleted)
		g.SetAgentStatus("unknown", StatusCompleted)
		g.SetTaskStatus("T1", TaskCompleted)
	})

	g, _ := reg.Global(ctx)
	if g.ActiveAgents != 0 {
		t.Errorf("expected 0 active agents, got %d", g.ActiveAgents)
	}
	if g.ActiveTasks != 0 {
		t.Errorf("expected 0 active tasks, got %d", g.ActiveTasks)
	}
	if g.Agents["a"].Status != StatusCompleted {
		t.Errorf("expected completed agent summary, got %s", g.Agents["a"].Status)
	}

	_ = reg.UpdateGlobal(ctx, func(g *Global) { g.SetTaskStatus("T1", TaskActive) })
	g, _ = reg.Global(ctx)
	if g.ActiveTasks != 1 {
		t.Errorf("expected reopened task to count as active, got %d", g.ActiveTasks)
	}
}

func TestNewAgentID(t *testing.T) {
	reg, _ := newTestRegistry(t)
	id := reg.NewAgentID("backend_lead")
	if !strings.HasPrefix(id, "backend_lead-080910-") || len(id) != len("backend_lead-080910-")+6 {
		t.Errorf("unexpected agent id %s", id)
	}
	if err := ValidateID(id); err != nil {
		t.Errorf("generated id should validate: %v", err)
	}
}

func TestParseAgentStatus(t *testing.T) {
	tests := map[string]AgentStatus{
		"working":   StatusRunning,
		"Running":   StatusRunning,
		"done":      StatusCompleted,
		"completed": StatusCompleted,
		"blocked":   StatusBlocked,
		"failed":    StatusError,
	}
	for in, want := range tests {
		got, err := ParseAgentStatus(in)
		if err != nil || got != want {
			t.Errorf("ParseAgentStatus(%q) = %s, %v; want %s", in, got, err, want)
		}
	}
	if _, err := ParseAgentStatus("sleeping"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestTree(t *testing.T) {
	task := &Task{
		Agents: []Agent{
			{ID: "lead", Type: "backend_lead", Depth: 1},
			{ID: "api", Type: "api_specialist", Depth: 2},
			{ID: "db", Type: "db_specialist", Depth: 2},
			{ID: "stray", Type: "orphan", Depth: 2, Parent: "pruned"},
		},
		Hierarchy: map[string][]string{
			Orchestrator: {"lead"},
			"lead":       {"api", "db"},
			"pruned":     {"stray"},
		},
	}

	roots := task.Tree()
	if len(roots) != 2 {
		t.Fatalf("expected 2 roots, got %d", len(roots))
	}
	if roots[0].ID != "lead" || len(roots[0].Children) != 2 {
		t.Errorf("unexpected first root %+v", roots[0])
	}
	if roots[1].ID != "stray" {
		t.Errorf("expected orphan to surface as root, got %s", roots[1].ID)
	}
}
