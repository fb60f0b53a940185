package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyike/cortexfeed/config"
	"github.com/dyike/cortexfeed/internal/dataflows"
	"github.com/dyike/cortexfeed/internal/ingest"
	"github.com/dyike/cortexfeed/internal/models"
	"github.com/dyike/cortexfeed/internal/provider"
)

// openFunc builds the component graph for a command.
type openFunc func() (*app, error)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	// Initialize configuration early
	cfg := config.DefaultConfig()
	open := func() (*app, error) {
		return buildApp(cfg, newLogger(cfg), dataflows.Catalog(credentials(cfg)))
	}
	return newRootCmd(cfg, open)
}

func newRootCmd(cfg *config.Config, open openFunc) *cobra.Command {
	var (
		debug     bool
		providers string
		dbPath    string
	)

	rootCmd := &cobra.Command{
		Use:   "cortexfeed",
		Short: "cortexfeed - market data ingestion service",
		Long: `cortexfeed pulls prices and news from pluggable providers on a schedule,
stores them in SQLite and exposes run history and health over HTTP.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				cfg.Debug = true
			}
			if providers != "" {
				cfg.ProvidersFile = providers
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&providers, "providers", "", "Provider config file (.json or .yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path")

	rootCmd.AddCommand(newServeCmd(cfg, open))
	rootCmd.AddCommand(newIngestCmd(open))
	rootCmd.AddCommand(newIngestAllCmd(open))
	rootCmd.AddCommand(newProvidersCmd(open))
	rootCmd.AddCommand(newRunsCmd(open))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newServeCmd(cfg *config.Config, open openFunc) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides CORTEXFEED_HTTP_ADDR)")
	return cmd
}

type ingestFlags struct {
	symbols []string
	rag     bool
	dryRun  bool
	limit   int
	since   string
}

func (f ingestFlags) options() (provider.Options, error) {
	opts := provider.Options{
		Symbols: f.symbols,
		Rag:     f.rag,
		DryRun:  f.dryRun,
		Limit:   f.limit,
	}
	if f.since != "" {
		t, err := time.Parse(models.DateLayout, f.since)
		if err != nil {
			return opts, fmt.Errorf("invalid --since, use YYYY-MM-DD: %w", err)
		}
		opts.Since = t
	}
	return opts, nil
}

func (f *ingestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.symbols, "symbols", nil, "Comma separated symbols (default: source symbols)")
	cmd.Flags().BoolVar(&f.rag, "rag", false, "Forward news to the retrieval indexer")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Fetch without persisting rows")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "Maximum items per symbol")
	cmd.Flags().StringVar(&f.since, "since", "", "Oldest date of interest (YYYY-MM-DD)")
}

func newIngestCmd(open openFunc) *cobra.Command {
	var flags ingestFlags
	cmd := &cobra.Command{
		Use:   "ingest [SOURCE]",
		Short: "Run one source now",
		Long: `Run a single ingestion for a source and print the summary.
Example: cortexfeed ingest yahoo --symbols=AAPL,MSFT --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options()
			if err != nil {
				return err
			}
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runIngest(ctx, a, args[0], opts, cmd)
		},
	}
	flags.register(cmd)
	return cmd
}

// runIngest streams progress to stderr and aborts between batches on Ctrl-C.
func runIngest(ctx context.Context, a *app, id string, opts provider.Options, cmd *cobra.Command) error {
	exec, err := a.runner.Start(context.WithoutCancel(ctx), id, ingest.Request{Options: opts, Trigger: "cli"})
	if err != nil {
		return err
	}

	events := exec.Events()
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if line := renderProgress(ev); line != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), line)
			}
		case <-ctx.Done():
			exec.Abort()
			ctx = context.Background()
		}
	}

	summary, err := exec.Wait()
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), renderSummary(summary))

	if v, err := a.monitor.Evaluate(context.Background(), id); err == nil && v.Tripped {
		fmt.Fprintln(cmd.ErrOrStderr(), warnStyle.Render(fmt.Sprintf("%s auto-disabled after %d consecutive failures", id, v.ConsecutiveFailures)))
	}
	if !summary.Success {
		return fmt.Errorf("run %s finished with %d errors", summary.RunID, summary.ErrorCount)
	}
	return nil
}

func newIngestAllCmd(open openFunc) *cobra.Command {
	var (
		flags       ingestFlags
		sources     []string
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "ingest-all",
		Short: "Run many sources through the bulk worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options()
			if err != nil {
				return err
			}
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			out := a.runner.RunAll(cmd.Context(), ingest.BulkRequest{
				Sources:     sources,
				Options:     opts,
				Concurrency: concurrency,
				Trigger:     "cli",
			})
			for _, o := range out.Outcomes {
				_, _ = a.monitor.Evaluate(context.Background(), o.SourceID)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderBulk(out))
			if out.Failed > 0 {
				return fmt.Errorf("%d of %d sources failed", out.Failed, len(out.Outcomes))
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringSliceVar(&sources, "sources", nil, "Sources to run (default: all enabled)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Parallel sources (default: CORTEXFEED_INGEST_CONCURRENCY)")
	return cmd
}

func newProvidersCmd(open openFunc) *cobra.Command {
	providersCmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect registered providers",
	}

	providersCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List providers with their state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Fprintln(cmd.OutOrStdout(), renderProviders(a.registry.List()))
			return nil
		},
	})
	return providersCmd
}

func newRunsCmd(open openFunc) *cobra.Command {
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and prune run history",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list [SOURCE]",
		Short: "Show recent runs of a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()
			runs, err := a.store.ListRuns(cmd.Context(), args[0], limit, 0)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderRuns(runs))
			return nil
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "Number of runs")

	var days int
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete runs older than --days",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 1 {
				return fmt.Errorf("--days must be >= 1")
			}
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.store.PruneRuns(cmd.Context(), time.Now().AddDate(0, 0, -days))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d runs older than %d days\n", n, days)
			return nil
		},
	}
	pruneCmd.Flags().IntVar(&days, "days", 30, "Retention in days")

	runsCmd.AddCommand(listCmd, pruneCmd)
	return runsCmd
}

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cortexfeed v%s\n", version)
		},
	}
}
