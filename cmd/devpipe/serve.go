package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/devpipeline/internal/api"
	"github.com/aristath/devpipeline/internal/backend"
	"github.com/aristath/devpipeline/internal/config"
	"github.com/aristath/devpipeline/internal/events"
	"github.com/aristath/devpipeline/internal/logging"
	"github.com/aristath/devpipeline/internal/metrics"
	"github.com/aristath/devpipeline/internal/orchestrator"
	"github.com/aristath/devpipeline/internal/persistence"
	"github.com/aristath/devpipeline/internal/rollback"
	"github.com/aristath/devpipeline/internal/workspace"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine and its HTTP API",
	Long: `Run the orchestration engine with the HTTP API, Prometheus metrics and,
when nats.url is configured, event forwarding to NATS.

Unfinished tasks in the configured store are resumed on startup. Config file
changes are applied without a restart.

Examples:
  devpipe serve
  devpipe serve --config ./devpipe.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// components is everything serve and mcp share.
type components struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *persistence.SQLiteStore
	bus     *events.Bus
	metrics *metrics.Metrics
	pm      *backend.ProcessManager
	engine  *orchestrator.Engine
}

// build opens the store and creates the engine for cfg, then resumes any
// unfinished tasks.
func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error) {
	c := &components{
		cfg:     cfg,
		logger:  logger,
		bus:     events.NewBus(),
		metrics: metrics.New(),
		pm:      backend.NewProcessManager(),
	}

	var err error
	if cfg.Store.Path != "" {
		c.store, err = persistence.NewSQLiteStore(ctx, cfg.Store.Path)
	} else {
		c.store, err = persistence.NewMemoryStore(ctx)
	}
	if err != nil {
		c.bus.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithStore(c.store),
		orchestrator.WithBus(c.bus),
		orchestrator.WithMetrics(c.metrics),
		orchestrator.WithRunnerFactory(func(cfg *config.Config) *backend.Registry {
			return orchestrator.RunnersFromConfig(cfg, c.pm, logger)
		}),
	}
	if ws := cfg.Project.Workspace; ws != "" {
		rb := rollback.New(
			rollback.WithCheckpointer(workspace.NewGitCheckpointer(ws)),
			rollback.WithLogger(logger),
		)
		opts = append(opts, orchestrator.WithRollback(rb))
	}

	c.engine, err = orchestrator.New(cfg, opts...)
	if err != nil {
		c.close()
		return nil, err
	}
	n, err := c.engine.Recover(ctx)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("recover tasks: %w", err)
	}
	if n > 0 {
		logger.Info("resumed tasks from store", zap.Int("tasks", n), zap.String("path", cfg.Store.Path))
	}
	return c, nil
}

func (c *components) close() {
	if err := c.pm.KillAll(); err != nil {
		c.logger.Warn("failed to kill stage processes", zap.Error(err))
	}
	if c.engine != nil {
		if err := c.engine.Close(); err != nil {
			c.logger.Warn("engine close failed", zap.Error(err))
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			c.logger.Warn("store close failed", zap.Error(err))
		}
	}
	c.bus.Close()
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, project, err := configPaths()
	if err != nil {
		return err
	}
	cfg, err := config.Load(global, project)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	mgr, err := config.NewManager(global, project, logger.Named("config"))
	if err != nil {
		return err
	}
	cfg = mgr.Current()

	c, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	mgr.OnChange(func(next *config.Config) {
		if err := c.engine.Reconfigure(next); err != nil {
			logger.Error("reloaded configuration rejected by engine", zap.Error(err))
			return
		}
		logger.Info("configuration applied")
	})

	srv, err := api.NewServer(c.engine, logger.Named("http"), api.WithMetrics(c.metrics), api.WithReloader(mgr))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Watch(gctx) })
	g.Go(func() error { return c.engine.Run(gctx) })
	g.Go(func() error { return srv.Start(cfg.Server.Addr) })

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("devpipe"))
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer nc.Close()
		fwd := events.NewNATSForwarder(nc, cfg.NATS.SubjectPrefix, logger.Named("nats"))
		sub := c.bus.SubscribeAll(256)
		g.Go(func() error {
			defer c.bus.Unsubscribe(sub)
			return fwd.Run(gctx, sub)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		// Restore default signal handling so a second Ctrl+C exits at once
		stop()
		logger.Info("shutting down")

		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
