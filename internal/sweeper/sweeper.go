// Package sweeper reconciles open tasks in the background so agents whose
// sessions have ended are retired even when nobody reads the task.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"

	"github.com/mtzanidakis/treeherd/internal/config"
	"github.com/mtzanidakis/treeherd/internal/natsbus"
	"github.com/mtzanidakis/treeherd/internal/orchestrator"
)

// Reconciler is the part of the engine the sweeper drives.
type Reconciler interface {
	OpenTaskIDs(ctx context.Context) ([]string, error)
	Reconcile(ctx context.Context, taskID string) (*orchestrator.Reconciliation, error)
}

// Publisher receives sweep events. *natsbus.Client satisfies it.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// Result summarizes one sweep.
type Result struct {
	Timestamp time.Time           `json:"timestamp"`
	Tasks     int                 `json:"tasks"`
	Retired   map[string][]string `json:"retired"`
	Failed    int                 `json:"failed"`
}

type Sweeper struct {
	engine       Reconciler
	pub          Publisher
	expr         string
	pollInterval time.Duration
	parallelism  int
	now          func() time.Time

	mu   sync.Mutex
	next time.Time
}

// New validates the cron expression and returns a sweeper. pub may be nil.
func New(engine Reconciler, pub Publisher, cfg config.SweeperConfig) (*Sweeper, error) {
	if !gronx.New().IsValid(cfg.Schedule) {
		return nil, fmt.Errorf("invalid sweeper schedule %q", cfg.Schedule)
	}
	s := &Sweeper{
		engine:       engine,
		pub:          pub,
		expr:         cfg.Schedule,
		pollInterval: cfg.PollInterval,
		parallelism:  cfg.Parallelism,
		now:          time.Now,
	}
	if s.pollInterval <= 0 {
		s.pollInterval = 15 * time.Second
	}
	if s.parallelism <= 0 {
		s.parallelism = 4
	}
	return s, nil
}

// Next reports when the next sweep is due.
func (s *Sweeper) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Sweeper) schedule(after time.Time) error {
	next, err := gronx.NextTickAfter(s.expr, after, false)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.next = next
	s.mu.Unlock()
	return nil
}

// Start polls until ctx is done, sweeping whenever the schedule is due.
func (s *Sweeper) Start(ctx context.Context) {
	if err := s.schedule(s.now()); err != nil {
		slog.Error("sweeper schedule failed", "schedule", s.expr, "error", err)
		return
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("sweeper started", "schedule", s.expr, "poll_interval", s.pollInterval, "next", s.Next())

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	now := s.now()
	if now.Before(s.Next()) {
		return
	}
	if _, err := s.Sweep(ctx); err != nil {
		slog.Error("sweep failed", "error", err)
	}
	if err := s.schedule(now); err != nil {
		slog.Error("sweeper schedule failed", "schedule", s.expr, "error", err)
	}
}

// Sweep reconciles every open task once. A task that fails to reconcile is
// logged and counted; the others still run.
func (s *Sweeper) Sweep(ctx context.Context) (*Result, error) {
	ids, err := s.engine.OpenTaskIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open tasks: %w", err)
	}

	res := &Result{Timestamp: s.now(), Tasks: len(ids), Retired: map[string][]string{}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, id := range ids {
		g.Go(func() error {
			rec, err := s.engine.Reconcile(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("sweep reconcile failed", "task", id, "error", err)
				res.Failed++
				return nil
			}
			if len(rec.Retired) > 0 {
				res.Retired[id] = rec.Retired
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(res.Retired) > 0 {
		slog.Info("sweep retired agents", "tasks", len(res.Retired))
		if s.pub != nil {
			if err := s.pub.PublishJSON(natsbus.TopicSweep, res); err != nil {
				slog.Warn("publish sweep event failed", "error", err)
			}
		}
	}
	return res, nil
}
