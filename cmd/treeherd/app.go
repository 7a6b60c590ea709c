package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mtzanidakis/treeherd/internal/config"
	"github.com/mtzanidakis/treeherd/internal/eventlog"
	"github.com/mtzanidakis/treeherd/internal/orchestrator"
	"github.com/mtzanidakis/treeherd/internal/registry"
	"github.com/mtzanidakis/treeherd/internal/session"
	"github.com/mtzanidakis/treeherd/internal/storage"
	"github.com/mtzanidakis/treeherd/internal/store"
)

// app is everything a command needs to talk to the engine in-process.
type app struct {
	cfg     *config.Config
	root    string
	store   storage.Store
	backend session.Backend
	metrics *prometheus.Registry
	engine  *orchestrator.Engine
	closers []func() error
}

func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	// stdout belongs to command output and, under mcp, to the protocol.
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func openStore(cfg *config.Config, root string) (storage.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		db, err := store.New(cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		slog.Debug("store initialized", "driver", "sqlite", "path", cfg.Store.Path)
		return db, nil
	default:
		fs, err := storage.NewFS(root)
		if err != nil {
			return nil, fmt.Errorf("init fs store: %w", err)
		}
		slog.Debug("store initialized", "driver", "fs", "root", root)
		return fs, nil
	}
}

func openBackend(cfg *config.Config) (session.Backend, func() error, error) {
	switch cfg.Backend.Kind {
	case "docker":
		d, err := session.NewDocker(cfg.Backend.Docker)
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	default:
		return session.NewTmux(cfg.Backend.Tmux, cfg.Runner), nil, nil
	}
}

func newApp(cfg *config.Config) (*app, error) {
	root, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	a := &app{cfg: cfg, root: root}

	a.store, err = openStore(cfg, root)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	backend, closeBackend, err := openBackend(cfg)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init %s backend: %w", cfg.Backend.Kind, err)
	}
	a.backend = backend
	if closeBackend != nil {
		a.closers = append(a.closers, closeBackend)
	}

	a.metrics = prometheus.NewRegistry()
	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.engine, err = orchestrator.New(orchestrator.Dependencies{
		Registry: registry.New(a.store, cfg.Limits, root, nil),
		Events:   eventlog.New(a.store),
		Backend:  a.backend,
		Runner:   cfg.Runner,
		Limits:   cfg.Limits,
		Metrics:  orchestrator.MustNewMetrics(a.metrics),
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
