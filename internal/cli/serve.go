package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dyike/cortexfeed/config"
	"github.com/dyike/cortexfeed/internal/api"
	"github.com/dyike/cortexfeed/internal/logging"
	"github.com/dyike/cortexfeed/internal/provider"
)

const retentionInterval = 24 * time.Hour

// serve runs until ctx is done, then drains the HTTP server and the
// scheduler.
func serve(ctx context.Context, a *app) error {
	log := a.log
	cfg := a.cfg

	if err := a.store.SyncProviders(ctx, a.configs); err != nil {
		log.Warn().Err(err).Msg("failed to mirror providers")
	}

	if cfg.SchedulerEnabled {
		n := a.scheduler.Start(ctx)
		log.Info().Int("scheduled", n).Msg("scheduler started")
	}

	if cfg.WatchProvidersFile && a.providersPath != "" {
		w, err := config.NewProviderWatcher(a.providersPath,
			config.WithLogger(logging.For(log, "watcher")),
			config.WithInitialConfigs(a.configs))
		if err == nil {
			err = w.Watch(ctx, func(configs []provider.SourceConfig) {
				a.reload(configs, cfg.SchedulerEnabled)
			})
		}
		if err != nil {
			log.Warn().Err(err).Str("path", a.providersPath).Msg("provider file watch disabled")
		}
	}

	if cfg.RunRetentionDays > 0 {
		go a.retentionLoop(ctx, cfg.RunRetentionDays)
	}

	srv := api.NewServer(api.Deps{
		Registry:  a.registry,
		Runner:    a.runner,
		Scheduler: a.scheduler,
		Monitor:   a.monitor,
		Store:     a.store,
		Prom:      a.prom,
		Logger:    logging.For(log, "api"),
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err, ok := <-errCh:
		if ok && err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}

	select {
	case <-a.scheduler.Stop().Done():
	case <-shutdownCtx.Done():
	}
	waited := make(chan struct{})
	go func() {
		a.scheduler.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-shutdownCtx.Done():
		log.Warn().Msg("scheduled runs still in flight at shutdown")
	}
	return nil
}

// retentionLoop prunes run history once at startup and then daily.
func (a *app) retentionLoop(ctx context.Context, days int) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		a.prune(ctx, days)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *app) prune(ctx context.Context, days int) {
	cutoff := time.Now().AddDate(0, 0, -days)
	n, err := a.store.PruneRuns(ctx, cutoff)
	if err != nil {
		a.log.Warn().Err(err).Msg("run retention prune failed")
		return
	}
	if n > 0 {
		a.log.Info().Int64("pruned", n).Int("days", days).Msg("pruned old runs")
	}
}
