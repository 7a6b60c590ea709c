package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/treeherd/internal/clock"
	"github.com/mtzanidakis/treeherd/internal/config"
	"github.com/mtzanidakis/treeherd/internal/eventlog"
	"github.com/mtzanidakis/treeherd/internal/registry"
	"github.com/mtzanidakis/treeherd/internal/session"
	"github.com/mtzanidakis/treeherd/internal/session/sessiontest"
	"github.com/mtzanidakis/treeherd/internal/storage"
)

type harness struct {
	eng     *Engine
	fake    *sessiontest.Fake
	reg     *registry.Registry
	events  *eventlog.Log
	store   *storage.Memory
	metrics *Metrics
	root    string
}

func newHarness(t *testing.T, limits config.LimitsConfig) *harness {
	t.Helper()
	if limits.MaxAgents == 0 {
		limits.MaxAgents = 10
	}
	if limits.MaxConcurrent == 0 {
		limits.MaxConcurrent = 5
	}
	if limits.MaxDepth == 0 {
		limits.MaxDepth = 5
	}

	root := t.TempDir()
	st := storage.NewMemory()
	clk := clock.NewMonotonic()
	reg := registry.New(st, limits, root, clk.Now)
	events := eventlog.New(st)
	fake := sessiontest.New()
	m := MustNewMetrics(prometheus.NewRegistry())

	eng, err := New(Dependencies{
		Registry: reg,
		Events:   events,
		Backend:  fake,
		Runner:   config.RunnerConfig{Executable: "claude", Flags: "--print"},
		Limits:   limits,
		Metrics:  m,
		Now:      clk.Now,
		WorkDir:  func() (string, error) { return root, nil },
	})
	require.NoError(t, err)
	return &harness{eng: eng, fake: fake, reg: reg, events: events, store: st, metrics: m, root: root}
}

func (h *harness) task(t *testing.T) *registry.Task {
	t.Helper()
	task, err := h.eng.CreateTask(context.Background(), "Build a website with frontend and backend", "p1")
	require.NoError(t, err)
	return task
}

func (h *harness) deploy(t *testing.T, taskID, parent string) *Deployment {
	t.Helper()
	dep, err := h.eng.DeployAgent(context.Background(), DeployRequest{
		TaskID:    taskID,
		AgentType: "builder",
		Prompt:    "build things",
		Parent:    parent,
	})
	require.NoError(t, err)
	return dep
}

func (h *harness) load(t *testing.T, taskID string) *registry.Task {
	t.Helper()
	task, err := h.reg.Load(context.Background(), taskID)
	require.NoError(t, err)
	return task
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Dependencies{})
	require.Error(t, err)
}

func TestCreateTask(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	task := h.task(t)

	assert.Equal(t, "P1", task.Priority)
	assert.Equal(t, registry.TaskInitialized, task.Status)
	assert.Equal(t, []string{"frontend", "backend"}, task.Guidance.SpecializationDomains)
	assert.Equal(t, 7, task.Guidance.ComplexityScore)
	assert.Equal(t, map[string][]string{registry.Orchestrator: {}}, task.Hierarchy)

	_, err := h.eng.CreateTask(context.Background(), "   ", "")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDeployAgent(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	ctx := context.Background()
	task := h.task(t)

	dep := h.deploy(t, task.ID, "")
	assert.True(t, dep.Success)
	assert.Equal(t, "deployed", dep.Status)
	assert.Equal(t, registry.Orchestrator, dep.Parent)
	assert.Equal(t, 1, dep.Depth)
	assert.Equal(t, session.UnitName(dep.AgentID), dep.TmuxSession)
	assert.True(t, strings.HasPrefix(dep.AgentID, "builder-"))
	assert.Equal(t, h.root, dep.WorkDir)

	got := h.load(t, task.ID)
	assert.Equal(t, registry.TaskActive, got.Status)
	assert.Equal(t, 1, got.TotalSpawned)
	assert.Equal(t, 1, got.ActiveCount)
	assert.Equal(t, []string{dep.AgentID}, got.Hierarchy[registry.Orchestrator])
	a := got.Agent(dep.AgentID)
	require.NotNil(t, a)
	assert.Equal(t, registry.StatusRunning, a.Status)
	assert.Equal(t, 0, a.Progress)

	started := h.fake.Started()
	require.Len(t, started, 1)
	promptPath := filepath.Join(task.Workspace, "agent_prompt_"+dep.AgentID+".txt")
	assert.Equal(t, h.root, started[0].WorkDir)
	assert.Contains(t, started[0].Command, "TREEHERD_AGENT_ID='"+dep.AgentID+"'")
	assert.Contains(t, started[0].Command, "claude --print < '"+promptPath+"'")

	payload, err := os.ReadFile(promptPath)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "build things")
	assert.Contains(t, string(payload), dep.AgentID)

	rec, err := h.store.Get(ctx, registry.DeployLogKey(task.ID, dep.AgentID))
	require.NoError(t, err)
	assert.Contains(t, string(rec), dep.TmuxSession)

	g, err := h.eng.ListTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, g.TotalAgentsSpawned)
	assert.Equal(t, 1, g.ActiveAgents)
	assert.Equal(t, registry.TaskActive, g.Tasks[task.ID].Status)
	assert.Equal(t, task.ID, g.Agents[dep.AgentID].TaskID)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.deployments.WithLabelValues("ok")))
}

func TestDeployAgentValidation(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	ctx := context.Background()
	task := h.task(t)

	cases := []DeployRequest{
		{TaskID: task.ID, AgentType: "", Prompt: "x"},
		{TaskID: task.ID, AgentType: "has space", Prompt: "x"},
		{TaskID: task.ID, AgentType: "builder", Prompt: "  "},
		{TaskID: task.ID, AgentType: "builder", Prompt: "x", Parent: "../etc"},
	}
	for _, req := range cases {
		_, err := h.eng.DeployAgent(ctx, req)
		require.ErrorIs(t, err, ErrInvalidArgument, "%+v", req)
	}

	_, err := h.eng.DeployAgent(ctx, DeployRequest{TaskID: "TASK-missing", AgentType: "builder", Prompt: "x"})
	require.ErrorIs(t, err, ErrTaskNotFound)
	assert.Equal(t, "TaskNotFound", Code(err))
}

func TestDeployDepth(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	task := h.task(t)

	root := h.deploy(t, task.ID, registry.Orchestrator)
	assert.Equal(t, 1, root.Depth)

	child, err := h.eng.SpawnChildAgent(context.Background(), task.ID, root.AgentID, "css_specialist", "style it")
	require.NoError(t, err)
	assert.Equal(t, 2, child.Depth)
	assert.Equal(t, root.AgentID, child.Parent)

	grandchild := h.deploy(t, task.ID, child.AgentID)
	assert.Equal(t, 3, grandchild.Depth)

	orphan := h.deploy(t, task.ID, "ghost-000000-abcdef")
	assert.Equal(t, 2, orphan.Depth)

	got := h.load(t, task.ID)
	assert.Equal(t, []string{child.AgentID}, got.Hierarchy[root.AgentID])
	assert.Equal(t, []string{grandchild.AgentID}, got.Hierarchy[child.AgentID])
	assert.Equal(t, []string{orphan.AgentID}, got.Hierarchy["ghost-000000-abcdef"])
	assert.Equal(t, 4, got.TotalSpawned)
}

func TestSpawnChildInheritsWorkDir(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	task := h.task(t)
	project := t.TempDir()

	parent, err := h.eng.DeployAgent(context.Background(), DeployRequest{
		TaskID: task.ID, AgentType: "lead", Prompt: "lead", WorkDir: project,
	})
	require.NoError(t, err)
	child, err := h.eng.SpawnChildAgent(context.Background(), task.ID, parent.AgentID, "helper", "help")
	require.NoError(t, err)
	assert.Equal(t, project, child.WorkDir)

	_, err = h.eng.SpawnChildAgent(context.Background(), task.ID, "", "helper", "help")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestConcurrencyLimitScenario(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{MaxConcurrent: 1})
	ctx := context.Background()
	task := h.task(t)

	a := h.deploy(t, task.ID, "")

	_, err := h.eng.DeployAgent(ctx, DeployRequest{TaskID: task.ID, AgentType: "second", Prompt: "b"})
	require.ErrorIs(t, err, ErrConcurrencyLimitExceeded)
	var le *LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, LimitConcurrency, le.Limit)
	assert.Equal(t, 1, le.Current)
	assert.Equal(t, 1, le.Max)

	got := h.load(t, task.ID)
	assert.Equal(t, 1, got.TotalSpawned)
	assert.Equal(t, 1, got.ActiveCount)
	assert.Equal(t, 1, got.SpiralChecks.Violations)
	assert.NotNil(t, got.SpiralChecks.LastCheck)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.limitViolations.WithLabelValues(LimitConcurrency)))

	h.fake.Finish(a.TmuxSession)
	view, err := h.eng.GetTaskStatus(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, view.Agents.Active)
	assert.Equal(t, 1, view.Agents.Completed)
	assert.Equal(t, registry.TaskCompleted, view.Status)

	b, err := h.eng.DeployAgent(ctx, DeployRequest{TaskID: task.ID, AgentType: "second", Prompt: "b"})
	require.NoError(t, err)
	got = h.load(t, task.ID)
	assert.Equal(t, registry.TaskActive, got.Status)
	assert.Equal(t, registry.StatusRunning, got.Agent(b.AgentID).Status)
}

func TestAgentCap(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{MaxAgents: 1})
	task := h.task(t)
	a := h.deploy(t, task.ID, "")
	h.fake.Finish(a.TmuxSession)

	_, err := h.eng.DeployAgent(context.Background(), DeployRequest{TaskID: task.ID, AgentType: "b", Prompt: "b"})
	require.ErrorIs(t, err, ErrAgentCapExceeded)
	assert.Equal(t, map[string]any{"limit": LimitAgents, "current": 1, "max": 1}, Details(err))
}

func TestDepthLimitEnforcement(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{MaxDepth: 2, EnforceDepth: true})
	task := h.task(t)

	a := h.deploy(t, task.ID, "")
	b := h.deploy(t, task.ID, a.AgentID)
	_, err := h.eng.DeployAgent(context.Background(), DeployRequest{
		TaskID: task.ID, AgentType: "deep", Prompt: "x", Parent: b.AgentID,
	})
	require.ErrorIs(t, err, ErrDepthLimitExceeded)
	assert.Equal(t, "DepthLimitExceeded", Code(err))
}

func TestDeployFailuresLeaveCountersAlone(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*sessiontest.Fake)
		want  error
	}{
		{"backend unavailable", func(f *sessiontest.Fake) { f.Unavailable = true }, ErrBackendUnavailable},
		{"start failed", func(f *sessiontest.Fake) { f.FailStart = "no server running" }, ErrSessionStartFailed},
		{"died on start", func(f *sessiontest.Fake) { f.DieOnStart = true }, ErrSessionTerminatedImmediately},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, config.LimitsConfig{})
			task := h.task(t)
			tt.setup(h.fake)

			_, err := h.eng.DeployAgent(context.Background(), DeployRequest{TaskID: task.ID, AgentType: "builder", Prompt: "x"})
			require.ErrorIs(t, err, tt.want)

			got := h.load(t, task.ID)
			assert.Zero(t, got.TotalSpawned)
			assert.Zero(t, got.ActiveCount)
			assert.Empty(t, got.Agents)
			assert.Equal(t, registry.TaskInitialized, got.Status)
		})
	}
}

func TestSessionStartErrorDetails(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	task := h.task(t)
	h.fake.FailStart = "duplicate session"

	_, err := h.eng.DeployAgent(context.Background(), DeployRequest{TaskID: task.ID, AgentType: "builder", Prompt: "x"})
	var se *SessionStartError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "duplicate session", se.Result.Stderr)
	assert.Equal(t, 1, se.Result.ReturnCode)

	f := Failure(err)
	assert.Equal(t, false, f["success"])
	assert.Equal(t, "SessionStartFailed", f["code"])
	assert.Equal(t, map[string]any{"stderr": "duplicate session", "return_code": 1}, f["details"])

	matches, _ := filepath.Glob(filepath.Join(task.Workspace, "agent_prompt_*.txt"))
	assert.Empty(t, matches)
}

func TestConcurrentDeploysRespectLimit(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{MaxConcurrent: 3, MaxAgents: 20})
	task := h.task(t)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, full int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.eng.DeployAgent(context.Background(), DeployRequest{TaskID: task.ID, AgentType: "racer", Prompt: "go"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrConcurrencyLimitExceeded):
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	assert.Equal(t, 7, full)
	got := h.load(t, task.ID)
	assert.Equal(t, 3, got.ActiveCount)
	assert.Equal(t, 3, got.TotalSpawned)
	assert.Len(t, got.Agents, 3)
	assert.Equal(t, 7, got.SpiralChecks.Violations)
}

func TestReconcileIsIdempotent(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	ctx := context.Background()
	task := h.task(t)
	a := h.deploy(t, task.ID, "")
	h.deploy(t, task.ID, "")
	h.fake.Finish(a.TmuxSession)

	first, err := h.eng.GetTaskStatus(ctx, task.ID)
	require.NoError(t, err)
	second, err := h.eng.GetTaskStatus(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, first.Agents.Active)
	assert.Equal(t, 1, first.Agents.Completed)
	assert.Equal(t, first.Agents.Active, second.Agents.Active)
	assert.Equal(t, first.Agents.Completed, second.Agents.Completed)
	assert.Equal(t, first.Agents.TotalSpawned, second.Agents.TotalSpawned)
	assert.Equal(t, registry.TaskActive, second.Status)

	g, err := h.eng.ListTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, g.ActiveAgents)
	assert.Equal(t, registry.StatusCompleted, g.Agents[a.AgentID].Status)
}

func TestReconcileFailsOpen(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	task := h.task(t)
	a := h.deploy(t, task.ID, "")
	h.fake.Finish(a.TmuxSession)
	h.fake.ExistsErr = errors.New("tmux hung")

	rec, err := h.eng.Reconcile(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Empty(t, rec.Retired)
	assert.Equal(t, registry.StatusRunning, rec.Task.Agent(a.AgentID).Status)
	assert.Equal(t, 1, rec.Task.ActiveCount)
}

func TestReconcileRetiresBlockedAgents(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	ctx := context.Background()
	task := h.task(t)
	a := h.deploy(t, task.ID, "")

	_, err := h.eng.UpdateProgress(ctx, ProgressUpdate{TaskID: task.ID, AgentID: a.AgentID, Status: "blocked", Message: "waiting"})
	require.NoError(t, err)
	assert.Equal(t, 0, h.load(t, task.ID).ActiveCount)

	h.fake.Finish(a.TmuxSession)
	rec, err := h.eng.Reconcile(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{a.AgentID}, rec.Retired)
	assert.Equal(t, 0, rec.Task.ActiveCount)
	assert.Equal(t, 1, rec.Task.CompletedCount)
}

func TestUpdateProgress(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	ctx := context.Background()
	task := h.task(t)
	a := h.deploy(t, task.ID, "")
	b := h.deploy(t, task.ID, "")

	ack, err := h.eng.UpdateProgress(ctx, ProgressUpdate{
		TaskID: task.ID, AgentID: a.AgentID, Status: "working", Message: "halfway", Progress: 50,
	})
	require.NoError(t, err)
	assert.True(t, ack.Success)
	assert.Equal(t, "running", ack.OwnUpdate.Status)
	assert.Equal(t, 50, ack.OwnUpdate.Progress)
	require.NotNil(t, ack.CoordinationInfo)
	assert.Len(t, ack.CoordinationInfo.CoordinationData.AgentStatusSummary, 2)
	assert.Equal(t, 50, ack.CoordinationInfo.CoordinationData.AgentStatusSummary[a.AgentID].Progress)

	view, err := h.eng.GetTaskStatus(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, view.EnhancedProgress.RecentUpdates, 1)
	echoed := view.EnhancedProgress.RecentUpdates[0]
	assert.True(t, ack.OwnUpdate.Timestamp.Equal(echoed.Timestamp))
	assert.Equal(t, ack.OwnUpdate.AgentID, echoed.AgentID)
	assert.Equal(t, ack.OwnUpdate.Status, echoed.Status)
	assert.Equal(t, ack.OwnUpdate.Message, echoed.Message)
	assert.Equal(t, ack.OwnUpdate.Progress, echoed.Progress)

	_, err = h.eng.UpdateProgress(ctx, ProgressUpdate{
		TaskID: task.ID, AgentID: b.AgentID, Status: "done", Message: "finished", Progress: 100,
	})
	require.NoError(t, err)
	got := h.load(t, task.ID)
	assert.Equal(t, 1, got.ActiveCount)
	assert.Equal(t, 1, got.CompletedCount)
	assert.Equal(t, registry.StatusCompleted, got.Agent(b.AgentID).Status)
	assert.Equal(t, 100, got.Agent(b.AgentID).Progress)
	assert.Equal(t, registry.TaskActive, got.Status)
}

func TestUpdateProgressUnknownAgent(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	ctx := context.Background()
	task := h.task(t)
	before := h.load(t, task.ID)

	ack, err := h.eng.UpdateProgress(ctx, ProgressUpdate{
		TaskID: task.ID, AgentID: "stranger-000000-abcdef", Status: "running", Message: "hi", Progress: 10,
	})
	require.NoError(t, err)
	assert.True(t, ack.Success)
	assert.Equal(t, before, h.load(t, task.ID))

	snap, err := h.events.Read(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, snap.Progress, 1)
	assert.Equal(t, "stranger-000000-abcdef", snap.Progress[0].AgentID)
}

func TestUpdateProgressValidation(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	ctx := context.Background()
	task := h.task(t)

	for _, u := range []ProgressUpdate{
		{TaskID: task.ID, AgentID: "a-1", Status: "sleeping"},
		{TaskID: task.ID, AgentID: "a-1", Status: "running", Progress: 101},
		{TaskID: task.ID, AgentID: "a-1", Status: "running", Progress: -1},
		{TaskID: task.ID, AgentID: "", Status: "running"},
	} {
		_, err := h.eng.UpdateProgress(ctx, u)
		require.ErrorIs(t, err, ErrInvalidArgument, "%+v", u)
	}
	_, err := h.eng.UpdateProgress(ctx, ProgressUpdate{TaskID: "TASK-nope", AgentID: "a-1", Status: "running"})
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCriticalFindingFromUnknownAgent(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	ctx := context.Background()
	task := h.task(t)

	ack, err := h.eng.ReportFinding(ctx, FindingReport{
		TaskID:      task.ID,
		AgentID:     "phantom-000000-abcdef",
		FindingType: "issue",
		Severity:    "critical",
		Message:     "secrets in repo",
		Data:        map[string]any{"file": ".env"},
	})
	require.NoError(t, err)
	assert.Equal(t, eventlog.SeverityCritical, ack.OwnFinding.Severity)

	tl, err := h.eng.ProgressTimeline(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, tl.Timeline, 1)
	assert.Equal(t, eventlog.EntryFinding, tl.Timeline[0].EntryType)
	assert.Equal(t, "phantom-000000-abcdef", tl.Timeline[0].AgentID)
	assert.Equal(t, 1, tl.Summary.TotalFindings)
}

func TestReportFindingValidation(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	ctx := context.Background()
	task := h.task(t)

	for _, r := range []FindingReport{
		{TaskID: task.ID, AgentID: "a-1", FindingType: "issue", Severity: "apocalyptic", Message: "x"},
		{TaskID: task.ID, AgentID: "a-1", FindingType: "", Message: "x"},
		{TaskID: task.ID, AgentID: "a-1", FindingType: "issue", Message: " "},
	} {
		_, err := h.eng.ReportFinding(ctx, r)
		require.ErrorIs(t, err, ErrInvalidArgument, "%+v", r)
	}

	ack, err := h.eng.ReportFinding(ctx, FindingReport{TaskID: task.ID, AgentID: "a-1", FindingType: "insight", Message: "x"})
	require.NoError(t, err)
	assert.Equal(t, eventlog.SeverityMedium, ack.OwnFinding.Severity)
	assert.NotNil(t, ack.OwnFinding.Data)
}

func TestTimelineOrdersAcrossAgents(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	ctx := context.Background()
	task := h.task(t)

	t1 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)
	require.NoError(t, h.events.AppendProgress(ctx, task.ID, eventlog.Progress{Timestamp: t2, AgentID: "b-1", Status: "running", Message: "second"}))
	require.NoError(t, h.events.AppendProgress(ctx, task.ID, eventlog.Progress{Timestamp: t1, AgentID: "a-1", Status: "running", Message: "first"}))
	h.store.AppendRaw(eventlog.ProgressKey(task.ID, "a-1"), []byte("{not json"))

	tl, err := h.eng.ProgressTimeline(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, tl.Timeline, 2)
	assert.Equal(t, "first", tl.Timeline[0].Message)
	assert.Equal(t, "second", tl.Timeline[1].Message)
	assert.Equal(t, 2, tl.Summary.AgentsActive)
	require.NotNil(t, tl.Summary.TimelineSpan.Start)
	assert.True(t, tl.Summary.TimelineSpan.Start.Equal(t1))

	view, err := h.eng.GetTaskStatus(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, view.EnhancedProgress.MalformedRecords)
	assert.Equal(t, "second", view.EnhancedProgress.RecentUpdates[0].Message)
}

func TestKillAgent(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	ctx := context.Background()
	task := h.task(t)
	a := h.deploy(t, task.ID, "")

	res, err := h.eng.KillAgent(ctx, task.ID, a.AgentID, "")
	require.NoError(t, err)
	assert.True(t, res.SessionKilled)
	assert.Equal(t, registry.StatusTerminated, res.Status)
	assert.Equal(t, DefaultKillReason, res.Reason)
	require.NotNil(t, res.TerminatedAt)
	assert.False(t, h.fake.Alive(a.TmuxSession))

	got := h.load(t, task.ID)
	assert.Equal(t, 0, got.ActiveCount)
	assert.Equal(t, registry.TaskCompleted, got.Status)

	again, err := h.eng.KillAgent(ctx, task.ID, a.AgentID, "twice")
	require.NoError(t, err)
	assert.False(t, again.SessionKilled)
	assert.Equal(t, DefaultKillReason, again.Reason)
	assert.Equal(t, []string{a.TmuxSession}, h.fake.Killed())

	_, err = h.eng.KillAgent(ctx, task.ID, "nobody", "")
	require.ErrorIs(t, err, ErrAgentNotFound)
}

func TestKillAgentWhoseSessionIsGone(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	task := h.task(t)
	a := h.deploy(t, task.ID, "")
	h.fake.Finish(a.TmuxSession)

	res, err := h.eng.KillAgent(context.Background(), task.ID, a.AgentID, "cleanup")
	require.NoError(t, err)
	assert.False(t, res.SessionKilled)
	assert.Equal(t, registry.StatusTerminated, res.Status)
	assert.Equal(t, "cleanup", res.Reason)
	assert.Equal(t, 0, h.load(t, task.ID).ActiveCount)
}

func TestGetAgentOutput(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	ctx := context.Background()
	task := h.task(t)
	a := h.deploy(t, task.ID, "")
	h.fake.SetOutput(a.TmuxSession, "compiling...")

	out, err := h.eng.GetAgentOutput(ctx, task.ID, a.AgentID)
	require.NoError(t, err)
	assert.Equal(t, "running", out.SessionStatus)
	assert.Equal(t, "compiling...", out.Output)

	h.fake.Finish(a.TmuxSession)
	out, err = h.eng.GetAgentOutput(ctx, task.ID, a.AgentID)
	require.NoError(t, err)
	assert.Equal(t, "terminated", out.SessionStatus)
	assert.Empty(t, out.Output)

	_, err = h.eng.GetAgentOutput(ctx, task.ID, "nobody")
	require.ErrorIs(t, err, ErrAgentNotFound)
}

func TestCountersInvariant(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{MaxAgents: 6, MaxConcurrent: 3})
	ctx := context.Background()
	task := h.task(t)

	var ids []*Deployment
	for range 3 {
		ids = append(ids, h.deploy(t, task.ID, ""))
	}
	h.fake.Finish(ids[0].TmuxSession)
	_, err := h.eng.KillAgent(ctx, task.ID, ids[1].AgentID, "")
	require.NoError(t, err)
	_, err = h.eng.GetTaskStatus(ctx, task.ID)
	require.NoError(t, err)
	for range 3 {
		_, _ = h.eng.DeployAgent(ctx, DeployRequest{TaskID: task.ID, AgentType: "more", Prompt: "x"})
	}

	got := h.load(t, task.ID)
	terminated := got.CountStatus(registry.StatusTerminated)
	assert.LessOrEqual(t, got.ActiveCount+got.CompletedCount+terminated, got.TotalSpawned)
	assert.LessOrEqual(t, got.TotalSpawned, got.MaxAgents)
	assert.Equal(t, got.CountStatus(registry.StatusRunning), got.ActiveCount)
}

func TestTaskTree(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	task := h.task(t)
	a := h.deploy(t, task.ID, "")
	b := h.deploy(t, task.ID, a.AgentID)

	tree, err := h.eng.TaskTree(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, tree, 1)
	assert.Equal(t, a.AgentID, tree[0].ID)
	require.Len(t, tree[0].Children, 1)
	assert.Equal(t, b.AgentID, tree[0].Children[0].ID)
}

func TestOpenTaskIDs(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	ctx := context.Background()
	open := h.task(t)
	done := h.task(t)
	a := h.deploy(t, done.ID, "")
	h.fake.Finish(a.TmuxSession)
	_, err := h.eng.Reconcile(ctx, done.ID)
	require.NoError(t, err)

	ids, err := h.eng.OpenTaskIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{open.ID}, ids)
}

func TestFailureShape(t *testing.T) {
	err := &LimitError{Limit: LimitConcurrency, Current: 5, Max: 5}
	f := Failure(err)

	data, jerr := json.Marshal(f)
	require.NoError(t, jerr)
	assert.JSONEq(t, `{
		"success": false,
		"error": "concurrency limit exceeded: max_concurrent is 5/5",
		"code": "ConcurrencyLimitExceeded",
		"details": {"limit": "max_concurrent", "current": 5, "max": 5}
	}`, string(data))

	assert.Equal(t, "ok", Code(nil))
	assert.Equal(t, "Internal", Code(errors.New("boom")))
	assert.NotContains(t, Failure(ErrTaskNotFound), "details")
}

func TestDeployGuidanceFollowsTaskDescription(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	ctx := context.Background()

	task, err := h.eng.CreateTask(ctx, "comprehensive full system platform with frontend backend database api security", "P1")
	require.NoError(t, err)
	require.Equal(t, 20, task.Guidance.ComplexityScore)

	dep, err := h.eng.DeployAgent(ctx, DeployRequest{TaskID: task.ID, AgentType: "fixer", Prompt: "fix it"})
	require.NoError(t, err)

	payload, err := os.ReadFile(filepath.Join(task.Workspace, "agent_prompt_"+dep.AgentID+".txt"))
	require.NoError(t, err)
	assert.Contains(t, string(payload), "STRONGLY ENCOURAGED")
	assert.Contains(t, string(payload), "complexity 20/20")
	assert.NotContains(t, string(payload), "may consider")
}

func TestDeployStoresPromptSummary(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	ctx := context.Background()
	task := h.task(t)

	short := strings.Repeat("a", 150)
	long := strings.Repeat("b", 250)
	var ids []string
	for _, prompt := range []string{short, long} {
		dep, err := h.eng.DeployAgent(ctx, DeployRequest{TaskID: task.ID, AgentType: "writer", Prompt: prompt})
		require.NoError(t, err)
		ids = append(ids, dep.AgentID)
	}

	got := h.load(t, task.ID)
	assert.Equal(t, short, got.Agent(ids[0]).Prompt)
	assert.Equal(t, strings.Repeat("b", 200)+"...", got.Agent(ids[1]).Prompt)
}

func TestDefaultExecutable(t *testing.T) {
	eng, err := New(Dependencies{
		Registry: registry.New(storage.NewMemory(), config.LimitsConfig{}, t.TempDir(), nil),
		Events:   eventlog.New(storage.NewMemory()),
		Backend:  sessiontest.New(),
	})
	require.NoError(t, err)
	assert.Equal(t, config.DefaultExecutable, eng.runner.Executable)
	assert.Contains(t, eng.command("/src", "/ws/p.txt", "T1", "a-1"), "codex ")
}
