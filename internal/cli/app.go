package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/dyike/cortexfeed/config"
	"github.com/dyike/cortexfeed/internal/dataflows"
	"github.com/dyike/cortexfeed/internal/health"
	"github.com/dyike/cortexfeed/internal/indexer"
	"github.com/dyike/cortexfeed/internal/ingest"
	"github.com/dyike/cortexfeed/internal/logging"
	"github.com/dyike/cortexfeed/internal/metrics"
	"github.com/dyike/cortexfeed/internal/provider"
	"github.com/dyike/cortexfeed/internal/scheduler"
	"github.com/dyike/cortexfeed/internal/storage/sqlite"
)

const version = "1.0.0"

// app is the wired component graph shared by every command.
type app struct {
	cfg           *config.Config
	log           zerolog.Logger
	store         *sqlite.Store
	registry      *provider.Registry
	tracker       *metrics.Tracker
	prom          *metrics.Collectors
	runner        *ingest.Runner
	monitor       *health.Monitor
	scheduler     *scheduler.Scheduler
	providersPath string
	configs       []provider.SourceConfig
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level := cfg.LogLevel
	if cfg.Debug {
		level = "debug"
	}
	return logging.New(logging.Options{
		Level:   level,
		Pretty:  isatty.IsTerminal(os.Stderr.Fd()),
		Service: "cortexfeed",
		Version: version,
	})
}

func credentials(cfg *config.Config) dataflows.Credentials {
	return dataflows.Credentials{
		LongportAppKey:      cfg.LongportAppKey,
		LongportAppSecret:   cfg.LongportAppSecret,
		LongportAccessToken: cfg.LongportAccessToken,
	}
}

// buildApp opens the store, loads the provider file and wires the services.
// The catalog is a parameter so tests can swap in fake adapters.
func buildApp(cfg *config.Config, log zerolog.Logger, catalog provider.Catalog) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	configs, path, err := provider.LoadConfigs(logging.For(log, "registry"), cfg.ProviderCandidates()...)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.Open(cfg.DBPath, sqlite.WithLogger(logging.For(log, "storage")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{
		cfg:           cfg,
		log:           log,
		store:         store,
		providersPath: path,
		configs:       configs,
	}
	if cfg.MetricsEnabled {
		a.prom = metrics.NewCollectors()
	}
	a.tracker = metrics.NewTracker(a.prom)
	a.registry = provider.NewRegistry(configs, catalog, logging.For(log, "registry"))

	var idx indexer.Indexer = indexer.Noop{}
	if cfg.IndexerURL != "" {
		idx = indexer.NewHTTP(cfg.IndexerURL, cfg.IndexerTimeout())
	}
	applier := ingest.NewApplier(store, idx, a.tracker, cfg.IndexGroupDelay(), logging.For(log, "applier"))
	a.runner = ingest.NewRunner(a.registry, applier, ingest.Config{
		BatchSize:       cfg.BatchSize,
		BulkConcurrency: cfg.IngestConcurrency,
		DefaultSymbols:  cfg.DefaultSymbols,
	}, logging.For(log, "runner"))
	a.monitor = health.NewMonitor(store, a.registry, a.tracker, a.prom, logging.For(log, "health"))
	a.scheduler = scheduler.New(a.runner, a.registry, a.monitor, a.prom, logging.For(log, "scheduler"))
	return a, nil
}

// reload swaps in a new provider set and rebuilds the cron triggers.
func (a *app) reload(configs []provider.SourceConfig, restartScheduler bool) {
	a.configs = configs
	a.registry.Reload(configs)
	if err := a.store.SyncProviders(context.Background(), a.registry.Configs()); err != nil {
		a.log.Warn().Err(err).Msg("failed to mirror providers")
	}
	if restartScheduler {
		a.scheduler.Restart()
	}
}

func (a *app) Close() error {
	return a.store.Close()
}
