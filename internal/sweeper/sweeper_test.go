package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/treeherd/internal/config"
	"github.com/mtzanidakis/treeherd/internal/natsbus"
	"github.com/mtzanidakis/treeherd/internal/orchestrator"
)

type fakeEngine struct {
	mu      sync.Mutex
	ids     []string
	listErr error
	retire  map[string][]string
	fail    map[string]bool
	calls   []string
}

func (f *fakeEngine) OpenTaskIDs(context.Context) ([]string, error) {
	return f.ids, f.listErr
}

func (f *fakeEngine) Reconcile(_ context.Context, id string) (*orchestrator.Reconciliation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	if f.fail[id] {
		return nil, errors.New("disk on fire")
	}
	return &orchestrator.Reconciliation{Retired: f.retire[id]}, nil
}

type fakePub struct {
	topics []string
	values []any
}

func (p *fakePub) PublishJSON(topic string, v any) error {
	p.topics = append(p.topics, topic)
	p.values = append(p.values, v)
	return nil
}

func cfg(schedule string) config.SweeperConfig {
	return config.SweeperConfig{Enabled: true, Schedule: schedule, PollInterval: time.Second, Parallelism: 2}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(&fakeEngine{}, nil, cfg("every minute"))
	assert.Error(t, err)

	s, err := New(&fakeEngine{}, nil, config.SweeperConfig{Schedule: "*/5 * * * *"})
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, s.pollInterval)
	assert.Equal(t, 4, s.parallelism)
}

func TestSweep(t *testing.T) {
	eng := &fakeEngine{
		ids:    []string{"T1", "T2", "T3"},
		retire: map[string][]string{"T1": {"a-1", "a-2"}},
		fail:   map[string]bool{"T3": true},
	}
	pub := &fakePub{}
	s, err := New(eng, pub, cfg("* * * * *"))
	require.NoError(t, err)

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Tasks)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, map[string][]string{"T1": {"a-1", "a-2"}}, res.Retired)
	assert.ElementsMatch(t, []string{"T1", "T2", "T3"}, eng.calls)

	require.Len(t, pub.topics, 1)
	assert.Equal(t, natsbus.TopicSweep, pub.topics[0])
}

func TestSweepNothingRetiredPublishesNothing(t *testing.T) {
	pub := &fakePub{}
	s, err := New(&fakeEngine{ids: []string{"T1"}}, pub, cfg("* * * * *"))
	require.NoError(t, err)

	_, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pub.topics)
}

func TestSweepListError(t *testing.T) {
	s, err := New(&fakeEngine{listErr: errors.New("nope")}, nil, cfg("* * * * *"))
	require.NoError(t, err)
	_, err = s.Sweep(context.Background())
	assert.Error(t, err)
}

func TestTickFollowsSchedule(t *testing.T) {
	eng := &fakeEngine{ids: []string{"T1"}}
	s, err := New(eng, nil, cfg("* * * * *"))
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return now }
	require.NoError(t, s.schedule(now))
	assert.Equal(t, time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC), s.Next())

	s.tick(context.Background())
	assert.Empty(t, eng.calls, "not due yet")

	now = now.Add(45 * time.Second)
	s.tick(context.Background())
	assert.Equal(t, []string{"T1"}, eng.calls)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC), s.Next())
}

func TestStartStopsOnCancel(t *testing.T) {
	s, err := New(&fakeEngine{}, nil, cfg("* * * * *"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
