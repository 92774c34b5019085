// Command prreviewd is the review daemon: it ingests Azure DevOps webhook
// deliveries, holds the durable job queue and registration tables, and runs
// the bounded worker pool that drives every in-flight Review Agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/adorevd/prreview/internal/analyzer"
	"github.com/adorevd/prreview/internal/config"
	"github.com/adorevd/prreview/internal/daemon"
	"github.com/adorevd/prreview/internal/diff"
	"github.com/adorevd/prreview/internal/ingest"
	"github.com/adorevd/prreview/internal/ledger"
	"github.com/adorevd/prreview/internal/observability"
	"github.com/adorevd/prreview/internal/orchestrator"
	"github.com/adorevd/prreview/internal/platform"
	"github.com/adorevd/prreview/internal/plugin"
	"github.com/adorevd/prreview/internal/resilience"
	"github.com/adorevd/prreview/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", config.GlobalConfigPath(), "path to config file")
		addr       = flag.String("addr", "", "server address (overrides config)")
		workers    = flag.Int("workers", 0, "number of workers (overrides config)")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadGlobalFrom(*configPath)
	if err != nil {
		logger.Warn("failed to load config, using defaults", "path", *configPath, "error", err)
		cfg = config.DefaultConfig()
	}
	if *addr != "" {
		cfg.ServerAddr = *addr
	}
	if *workers > 0 {
		cfg.MaxWorkers = *workers
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	backend, err := openStoreBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backend.Close()
	resilientBackend := store.WithResilience(backend)

	auth, err := buildAuthProvider(cfg)
	if err != nil {
		return fmt.Errorf("build auth provider: %w", err)
	}
	client := platform.NewADOClient(cfg.PlatformBaseURL, cfg.Organization, cfg.Project, auth)

	analyzerImpl, err := analyzer.Get(cfg.DefaultAnalyzer, analyzer.Config{
		Command: os.Getenv("PRREVIEW_ANALYZER_COMMAND"),
		Model:   os.Getenv("PRREVIEW_ANALYZER_MODEL"),
	})
	if err != nil {
		return fmt.Errorf("build analyzer: %w", err)
	}

	pluginTable, err := loadPluginTable(cfg)
	if err != nil {
		return fmt.Errorf("load plugin table: %w", err)
	}

	metricsHandler, err := observability.InitMeterProvider(ctx, "prreviewd")
	if err != nil {
		return fmt.Errorf("init meter provider: %w", err)
	}
	if err := observability.InitMetrics(ctx); err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	wireBreakerObservability(client.Breaker())
	if analyzerBreaker, ok := analyzerImpl.(interface{ Breaker() *resilience.CircuitBreaker }); ok {
		wireBreakerObservability(analyzerBreaker.Breaker())
	}
	if resilientStore, ok := resilientBackend.(interface{ Breaker() *resilience.CircuitBreaker }); ok {
		wireBreakerObservability(resilientStore.Breaker())
	}

	eventLog, err := observability.NewEventLog(config.EventLogPath())
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}

	deps := orchestrator.Deps{
		Store:     resilientBackend,
		Platform:  client,
		Differ:    diff.New(client),
		Ledger:    ledger.New(client, analyzerImpl),
		Analyzer:  analyzerImpl,
		Plugins:   pluginTable,
		Registry:  backend.(store.Registry),
		Semaphore: resilience.NewSemaphore(cfg.SemaphoreSize),
		Logger:    logger,
	}
	pool := orchestrator.New(deps, cfg.MaxWorkers)

	ingestor := ingest.New(resilientBackend, backend.(store.Registry), webhookSecret(), logger)
	configWatcher := daemon.NewConfigWatcher(config.GlobalConfigPath(), cfg, logger)

	srv := daemon.NewServer(daemon.Options{
		Store:          resilientBackend,
		Registry:       backend.(store.Registry),
		Platform:       client,
		Pool:           pool,
		Ingestor:       ingestor,
		ConfigWatcher:  configWatcher,
		EventLog:       eventLog,
		MetricsHandler: metricsHandler,
		Addr:           cfg.ServerAddr,
		Logger:         logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		return srv.Stop()
	case err := <-errCh:
		return err
	}
}

// openStoreBackend picks SQLite or Postgres based on PRREVIEW_DATABASE_URL:
// unset means a single-node SQLite deployment, set means the clustered
// Postgres backend sharing one database across daemon replicas.
func openStoreBackend(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if dsn := os.Getenv("PRREVIEW_DATABASE_URL"); dsn != "" {
		return store.OpenPostgres(ctx, dsn, store.PgPoolConfig{})
	}
	return store.OpenSQLite(config.DataDir() + "/prreview.db")
}

// buildAuthProvider selects the Platform Client's credential source per
// cfg.AuthMode. Secrets never live in the TOML config; they arrive over
// the environment at process start.
func buildAuthProvider(cfg *config.Config) (platform.AuthProvider, error) {
	switch cfg.AuthMode {
	case "aad":
		return platform.NewAADAuthProvider(
			os.Getenv("PRREVIEW_AAD_TENANT_ID"),
			os.Getenv("PRREVIEW_AAD_CLIENT_ID"),
			os.Getenv("PRREVIEW_AAD_CLIENT_CERT_PEM"),
			"499b84ac-1321-427f-aa17-267ca6975798/.default",
		)
	case "pat", "":
		return platform.NewPATAuthProvider(os.Getenv("PRREVIEW_ADO_PAT")), nil
	default:
		return nil, fmt.Errorf("unknown auth_mode %q", cfg.AuthMode)
	}
}

func loadPluginTable(cfg *config.Config) (*plugin.Table, error) {
	if cfg.PluginTablePath == "" {
		return plugin.Default(), nil
	}
	if _, err := os.Stat(cfg.PluginTablePath); os.IsNotExist(err) {
		return plugin.Default(), nil
	}
	return plugin.Load(cfg.PluginTablePath)
}

func webhookSecret() []byte {
	return []byte(os.Getenv("PRREVIEW_WEBHOOK_SECRET"))
}

func wireBreakerObservability(cb *resilience.CircuitBreaker) {
	if cb == nil {
		return
	}
	cb.SetOnTransition(func(name string, state resilience.State) {
		observability.RecordBreakerTransition(context.Background(), name, state.String())
	})
}
