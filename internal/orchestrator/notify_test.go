package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/treeherd/internal/config"
	"github.com/mtzanidakis/treeherd/internal/eventlog"
)

type recorder struct {
	mu     sync.Mutex
	topics []string
	events []Event
	err    error
}

func (r *recorder) PublishJSON(topic string, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.events = append(r.events, v.(Event))
	return r.err
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func TestEventsPublished(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	rec := &recorder{}
	h.eng.pub = rec
	ctx := context.Background()

	task := h.task(t)
	dep := h.deploy(t, task.ID, "")

	_, err := h.eng.UpdateProgress(ctx, ProgressUpdate{TaskID: task.ID, AgentID: dep.AgentID, Status: "working", Progress: 5})
	require.NoError(t, err)
	_, err = h.eng.ReportFinding(ctx, FindingReport{TaskID: task.ID, AgentID: dep.AgentID, FindingType: "issue", Severity: "critical", Message: "db down"})
	require.NoError(t, err)

	other := h.deploy(t, task.ID, "")
	h.fake.Finish(other.TmuxSession)
	_, err = h.eng.Reconcile(ctx, task.ID)
	require.NoError(t, err)

	_, err = h.eng.KillAgent(ctx, task.ID, dep.AgentID, "")
	require.NoError(t, err)
	// Killing again is a no-op and publishes nothing.
	_, err = h.eng.KillAgent(ctx, task.ID, dep.AgentID, "")
	require.NoError(t, err)

	assert.Equal(t, []string{
		EventTaskCreated, EventAgentDeployed, EventProgress, EventFinding,
		EventAgentDeployed, EventAgentsRetired, EventAgentKilled,
	}, rec.types())
	assert.Equal(t, EventTopicPrefix+EventFinding, rec.topics[3])

	finding, ok := rec.events[3].Data.(eventlog.Finding)
	require.True(t, ok)
	assert.Equal(t, eventlog.SeverityCritical, finding.Severity)
	assert.Equal(t, []string{other.AgentID}, rec.events[5].Data)
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{})
	h.eng.pub = &recorder{err: errors.New("bus down")}

	task := h.task(t)
	h.deploy(t, task.ID, "")
}
