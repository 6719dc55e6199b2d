package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clusterlens/decider/pkg/catalog"
	"github.com/clusterlens/decider/pkg/config"
	"github.com/clusterlens/decider/pkg/decision"
	"github.com/clusterlens/decider/pkg/messaging"
	"github.com/clusterlens/decider/pkg/policy"
	"github.com/clusterlens/decider/pkg/strategies"
	"github.com/clusterlens/decider/pkg/telemetry"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the decision engine",
		Long: `Run the decision engine daemon.

The daemon:
  - Migrates the database and syncs the goal and strategy catalog
  - Registers the built-in and scripted strategies
  - Serves trigger_audit, cancel_audit and audit_status on the control socket
  - Streams status events to subscribed clients
  - Exposes Prometheus metrics and a health check on the admin address`,
		Example: `  # Run with a config file
  decider serve --config /etc/decider/decider.yaml

  # Run with four workers and debug logging
  DECIDER_ENGINE_MAX_WORKERS=4 DECIDER_LOG_LEVEL=debug decider serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = tel.Shutdown(sctx)
	}()
	logger := tel.Logger.Zerolog()
	ctx = tel.WithContext(ctx)

	ws, err := openWorkspace(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer ws.Close()

	if cfg.Catalog.Watch && cfg.Catalog.Path != "" {
		watcher := catalog.NewWatcher(cfg.Catalog.Path, func(ctx context.Context, snap *catalog.Snapshot) error {
			synced, err := catalog.Sync(ctx, ws.store, snap)
			if err != nil {
				return err
			}
			ws.catalog.Swap(synced)
			return nil
		}, logger)
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Close()
	}

	registry, err := loadStrategies(cfg.Strategies, ws.catalog, logger)
	if err != nil {
		return err
	}

	de := cfg.DecisionEngine
	status := messaging.NewStatus(de.TopicStatus, de.PublisherID, de.StatusBuffer, logger)
	control := messaging.NewControl(de.TopicControl)

	dispatcher, err := decision.New(decision.Config{
		MaxWorkers:       de.MaxWorkers,
		AdmissionTimeout: de.AdmissionTimeout,
		PublisherID:      de.PublisherID,
	}, decision.Deps{
		Store:      ws.store,
		Catalog:    ws.catalog,
		Collectors: ws.collectors,
		Strategies: registry,
		Lifecycle:  ws.lifecycle(),
		Status:     status,
		Metrics:    tel.Metrics,
		Tracer:     tel.Tracer,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if err := dispatcher.Register(control); err != nil {
		return err
	}

	authz, err := policy.NewAuthorizer(ctx, cfg.Policy, logger)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	server, err := messaging.NewServer(messaging.ServerConfig{
		Path:         cfg.Control.Socket,
		Control:      control,
		Status:       status,
		Authorizer:   authz,
		Logger:       logger,
		StreamBuffer: cfg.Control.StreamBuffer,
	})
	if err != nil {
		return err
	}
	if err := server.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Serve(gctx) })
	if cfg.Policy.Path != "" {
		g.Go(func() error { return authz.Watch(gctx, cfg.Policy.Path) })
	}
	if addr := cfg.Telemetry.Metrics.ListenAddress; addr != "" {
		admin := telemetry.NewAdminRouter(tel.Metrics, map[string]telemetry.HealthCheck{
			"database": ws.store.HealthCheck,
		})
		g.Go(func() error { return telemetry.ServeAdmin(gctx, addr, admin, logger) })
	}

	logger.Info().
		Int("max_workers", dispatcher.MaxWorkers()).
		Str("topic_control", de.TopicControl).
		Str("topic_status", de.TopicStatus).
		Str("socket", cfg.Control.Socket).
		Msg("decision engine started")

	serveErr := g.Wait()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	shutdownErr := dispatcher.Shutdown(sctx)
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}
	return errors.Join(serveErr, shutdownErr)
}

// loadStrategies registers the built-ins and every script under cfg.Dir, then
// warns about catalog strategies that nothing implements.
func loadStrategies(cfg config.StrategiesConfig, cat *catalog.Catalog, logger zerolog.Logger) (*strategies.Registry, error) {
	registry := strategies.NewRegistry()
	if cfg.Dir != "" {
		scripts, err := strategies.LoadScriptDir(cfg.Dir, cfg.ScriptTimeout)
		if err != nil {
			return nil, err
		}
		for _, s := range scripts {
			if err := registry.Register(s); err != nil {
				return nil, err
			}
			logger.Info().Str("strategy", s.Name()).Str("goal", s.GoalName()).Msg("scripted strategy loaded")
		}
	}

	for _, s := range cat.Snapshot().Strategies() {
		if _, ok := registry.Get(s.Name); !ok {
			logger.Warn().Str("strategy", s.Name).Msg("catalog strategy has no implementation")
		}
	}
	return registry, nil
}
