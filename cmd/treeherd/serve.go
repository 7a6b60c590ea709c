package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/mtzanidakis/treeherd/internal/ipc"
	"github.com/mtzanidakis/treeherd/internal/mcpserver"
	"github.com/mtzanidakis/treeherd/internal/natsbus"
	"github.com/mtzanidakis/treeherd/internal/session"
	"github.com/mtzanidakis/treeherd/internal/sweeper"
	"github.com/mtzanidakis/treeherd/internal/telegram"
	"github.com/mtzanidakis/treeherd/internal/web"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the NATS control channel, HTTP API and background sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return runServe(ctx, a)
			})
		},
	}
}

func runServe(ctx context.Context, a *app) error {
	cfg := a.cfg
	slog.Info("starting treeherd", "version", version, "workspace", a.root, "backend", a.backend.Name(), "store", cfg.Store.Driver)

	if !a.backend.Available(ctx) {
		slog.Warn("session backend not available, deployments will fail", "backend", a.backend.Name())
	}
	if d, ok := a.backend.(*session.Docker); ok {
		if err := d.CleanupStale(ctx); err != nil {
			slog.Warn("stale container cleanup failed", "error", err)
		}
		if err := d.EnsureImage(ctx); err != nil {
			slog.Warn("agent image not ready", "error", err)
		}
	}

	// NATS: embedded unless an external server is configured
	var client *natsbus.Client
	if cfg.NATS.URL != "" {
		c, err := natsbus.NewClientFromURL(cfg.NATS.URL)
		if err != nil {
			return err
		}
		client = c
		slog.Info("nats connected", "url", cfg.NATS.URL)
	} else {
		bus, err := natsbus.New(cfg.NATS)
		if err != nil {
			return fmt.Errorf("init nats: %w", err)
		}
		defer bus.Close()
		c, err := natsbus.NewClient(bus)
		if err != nil {
			return err
		}
		client = c
		slog.Info("nats started", "port", bus.Port())
	}
	defer client.Close()
	a.engine.SetPublisher(client)

	if cfg.Telegram.Token != "" {
		n, err := telegram.NewNotifier(cfg.Telegram)
		if err != nil {
			return err
		}
		if err := n.Attach(client); err != nil {
			return err
		}
	}

	ipcSrv := ipc.NewServer(client, a.engine)
	if err := ipcSrv.Start(); err != nil {
		return err
	}
	defer ipcSrv.Stop()

	if cfg.Sweeper.Enabled {
		sw, err := sweeper.New(a.engine, client, cfg.Sweeper)
		if err != nil {
			return err
		}
		go sw.Start(ctx)
	}

	errCh := make(chan error, 1)
	if cfg.Web.Enabled {
		srv := web.NewServer(a.engine, a.metrics, cfg.Web, version)
		if err := srv.AttachEvents(client); err != nil {
			return err
		}
		go func() {
			if err := srv.Start(ctx); err != nil {
				errCh <- fmt.Errorf("web server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

func newMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the engine as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				slog.Info("mcp server starting", "version", version, "workspace", a.root)
				return server.ServeStdio(mcpserver.New(a.engine, version))
			})
		},
	}
}
