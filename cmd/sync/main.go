package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/suppliersync/backend/internal/application/stocksync"
	"github.com/suppliersync/backend/internal/domain/reconcile"
	"github.com/suppliersync/backend/internal/infrastructure/config"
	"github.com/suppliersync/backend/internal/infrastructure/erp"
	"github.com/suppliersync/backend/internal/infrastructure/logger"
	"github.com/suppliersync/backend/internal/infrastructure/scrape"
)

func main() {
	app := &cli.App{
		Name:  "sync",
		Usage: "reconcile a supplier snapshot against the ERP catalog and sync stock flags",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the TOML configuration file (falls back to the default search path)",
			},
			&cli.StringFlag{
				Name:     "snapshot",
				Usage:    "path to the scraped snapshot (JSON lines)",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "compute and report deltas without writing to the ERP",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "process only the first N scraped records (0 = all)",
			},
			&cli.StringFlag{
				Name:  "supplier",
				Usage: "override the configured supplier name",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "sync:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	var cfg *config.Config
	var err error
	if path := c.String("config"); path != "" {
		cfg, err = config.LoadFrom(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if supplier := c.String("supplier"); supplier != "" {
		cfg.Supplier.Name = supplier
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting stock sync",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("supplier", cfg.Supplier.Name),
		zap.Bool("dry_run", c.Bool("dry-run")))

	snapshot, err := scrape.Load(c.String("snapshot"), log)
	if err != nil {
		return err
	}

	client, err := erp.NewClient(erp.Config{
		URL:               cfg.ERP.URL,
		Database:          cfg.ERP.Database,
		Username:          cfg.ERP.Username,
		Password:          cfg.ERP.Password,
		Timeout:           cfg.ERP.Timeout,
		RequestsPerSecond: cfg.ERP.RequestsPerSecond,
		ReadBatchSize:     cfg.ERP.ReadBatchSize,
		StockLocation:     cfg.ERP.StockLocation,
	}, log)
	if err != nil {
		return err
	}

	reconciler, err := buildReconciler(cfg, client, log)
	if err != nil {
		return err
	}

	report, err := reconciler.Run(ctx, snapshot.Records, stocksync.RunOptions{
		DryRun: c.Bool("dry-run"),
		Limit:  c.Int("limit"),
	})
	if err != nil {
		return err
	}

	log.Info("stock sync finished",
		zap.String("run_id", report.RunID.String()),
		zap.Duration("duration", report.Duration()),
		zap.Bool("dry_run", report.DryRun),
		zap.Int("scraped", report.ScrapedTotal),
		zap.Int("catalog", report.CatalogTotal),
		zap.Int("matched", report.Matched),
		zap.Int("unmatched", report.Unmatched),
		zap.Int("ambiguous", report.Ambiguous),
		zap.Int("excluded", report.Excluded),
		zap.Int("unknown_signal", report.UnknownSignal),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("deltas", report.Deltas),
		zap.Int("applied", report.Applied),
		zap.Int("failed", report.Failed))

	for _, entry := range report.AmbiguousEntries {
		log.Warn("ambiguous code needs review",
			zap.String("raw_code", entry.RawCode),
			zap.String("key", string(entry.Key)),
			zap.Int64s("candidates", entry.CandidateIDs))
	}
	for _, failure := range report.Failures {
		log.Error("stock write failed",
			zap.Int64("product_id", failure.ProductID),
			zap.String("reason", failure.Reason))
	}

	if report.Failed > 0 {
		return fmt.Errorf("%d of %d deltas failed to apply", report.Failed, report.Deltas)
	}
	return nil
}

// buildReconciler assembles the domain collaborators from configuration.
func buildReconciler(cfg *config.Config, client *erp.Client, log *zap.Logger) (*stocksync.Reconciler, error) {
	var mapperOpts []reconcile.MapperOption
	switch cfg.Aggregation() {
	case reconcile.AggregateSpecificBranch:
		mapperOpts = append(mapperOpts, reconcile.WithBranch(cfg.Supplier.Branch))
	case reconcile.AggregateQuantityThreshold:
		mapperOpts = append(mapperOpts, reconcile.WithThreshold(decimal.NewFromInt(cfg.Supplier.QuantityThreshold)))
	}
	mapper, err := reconcile.NewMapper(cfg.Aggregation(), mapperOpts...)
	if err != nil {
		return nil, err
	}

	computer, err := reconcile.NewDeltaComputer(mapper, cfg.Polarity())
	if err != nil {
		return nil, err
	}

	matcher := reconcile.NewMatcher(reconcile.WithMatchWorkers(cfg.Sync.MatchWorkers))

	return stocksync.NewReconciler(
		client,
		client,
		matcher,
		computer,
		reconcile.DefaultExclusionPolicy(),
		stocksync.Config{
			BatchSize:            cfg.Sync.BatchSize,
			MaxRetries:           cfg.Sync.MaxRetries,
			RetryInitialInterval: cfg.Sync.RetryInitialInterval,
			WriteWorkers:         cfg.Sync.WriteWorkers,
			CatalogFilter:        reconcile.CatalogFilter{SupplierName: cfg.Supplier.Name},
		},
		log,
	)
}
