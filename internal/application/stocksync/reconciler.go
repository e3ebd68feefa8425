package stocksync

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/suppliersync/backend/internal/domain/reconcile"
)

const (
	defaultBatchSize            = 100
	defaultMaxRetries           = 3
	defaultRetryInitialInterval = 500 * time.Millisecond
)

// Config holds reconciler tuning values.
type Config struct {
	// BatchSize caps how many deltas travel in one ERP write request.
	BatchSize int
	// MaxRetries bounds how often a failed batch or item is retried
	// before being recorded as failed.
	MaxRetries int
	// RetryInitialInterval seeds the exponential backoff between retries.
	RetryInitialInterval time.Duration
	// WriteWorkers bounds how many batches are written concurrently.
	// Each product's delta belongs to exactly one batch, so concurrent
	// batches never race on the same product.
	WriteWorkers int
	// CatalogFilter restricts the per-run catalog snapshot.
	CatalogFilter reconcile.CatalogFilter
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = defaultRetryInitialInterval
	}
	if c.WriteWorkers <= 0 {
		c.WriteWorkers = 1
	}
}

// RunOptions are per-invocation switches.
type RunOptions struct {
	// DryRun computes and reports everything but writes nothing.
	DryRun bool
	// Limit processes only the first N scraped records when positive.
	Limit int
}

// Reconciler orchestrates one end-to-end reconciliation run: catalog
// snapshot, record matching, delta computation and batched idempotent
// writes. It holds no state between runs.
type Reconciler struct {
	reader    CatalogReader
	writer    StockWriter
	matcher   *reconcile.Matcher
	computer  *reconcile.DeltaComputer
	exclusion reconcile.ExclusionPolicy
	cfg       Config
	logger    *zap.Logger
}

// NewReconciler creates a Reconciler. All collaborators are mandatory
// except the logger, which defaults to a no-op.
func NewReconciler(
	reader CatalogReader,
	writer StockWriter,
	matcher *reconcile.Matcher,
	computer *reconcile.DeltaComputer,
	exclusion reconcile.ExclusionPolicy,
	cfg Config,
	logger *zap.Logger,
) (*Reconciler, error) {
	if reader == nil {
		return nil, fmt.Errorf("stocksync: catalog reader is required")
	}
	if writer == nil {
		return nil, fmt.Errorf("stocksync: stock writer is required")
	}
	if matcher == nil {
		return nil, fmt.Errorf("stocksync: matcher is required")
	}
	if computer == nil {
		return nil, fmt.Errorf("stocksync: delta computer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	return &Reconciler{
		reader:    reader,
		writer:    writer,
		matcher:   matcher,
		computer:  computer,
		exclusion: exclusion,
		cfg:       cfg,
		logger:    logger.Named("reconciler"),
	}, nil
}

// Run executes one reconciliation run. Once the write phase starts the run
// always terminates with a report: write failures are recorded per item,
// never propagated. Only failures before any mutation (catalog fetch,
// matching cancellation) return an error.
func (r *Reconciler) Run(ctx context.Context, scraped []reconcile.ScrapedRecord, opts RunOptions) (*RunReport, error) {
	report := newRunReport(opts.DryRun)

	if opts.Limit > 0 && len(scraped) > opts.Limit {
		scraped = scraped[:opts.Limit]
	}
	report.ScrapedTotal = len(scraped)

	catalog, err := r.reader.FetchCatalog(ctx, r.cfg.CatalogFilter)
	if err != nil {
		return nil, fmt.Errorf("fetching catalog snapshot: %w", err)
	}
	report.CatalogTotal = len(catalog)
	r.logger.Info("catalog snapshot loaded",
		zap.String("run_id", report.RunID.String()),
		zap.Int("products", len(catalog)),
		zap.Int("scraped", len(scraped)))

	matches, err := r.matcher.Match(ctx, scraped, catalog)
	if err != nil {
		return nil, fmt.Errorf("matching records: %w", err)
	}
	r.tallyMatches(report, matches)

	deltas, stats := r.computer.Compute(matches, r.exclusion)
	report.Excluded = stats.Excluded
	report.UnknownSignal = stats.UnknownSignal
	report.Unchanged = stats.Unchanged
	report.Duplicates = stats.Duplicates
	report.Deltas = stats.Deltas

	r.logger.Info("deltas computed",
		zap.String("run_id", report.RunID.String()),
		zap.Int("matched", report.Matched),
		zap.Int("unmatched", report.Unmatched),
		zap.Int("ambiguous", report.Ambiguous),
		zap.Int("excluded", report.Excluded),
		zap.Int("unknown_signal", report.UnknownSignal),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("deltas", report.Deltas))

	if opts.DryRun {
		report.Planned = deltas
		report.FinishedAt = time.Now()
		return report, nil
	}

	r.applyAll(ctx, report, deltas)

	report.FinishedAt = time.Now()
	r.logger.Info("run finished",
		zap.String("run_id", report.RunID.String()),
		zap.Int("applied", report.Applied),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration()))
	return report, nil
}

func (r *Reconciler) tallyMatches(report *RunReport, matches []reconcile.MatchResult) {
	for _, m := range matches {
		switch m.Kind {
		case reconcile.MatchMatched:
			report.Matched++
		case reconcile.MatchUnmatched:
			report.Unmatched++
			report.UnmatchedCodes = append(report.UnmatchedCodes, m.Record.RawCode)
		case reconcile.MatchAmbiguous:
			report.Ambiguous++
			report.AmbiguousEntries = append(report.AmbiguousEntries, AmbiguousEntry{
				RawCode:      m.Record.RawCode,
				Key:          m.Key,
				CandidateIDs: m.CandidateIDs,
			})
		}
	}
}

// applyAll writes deltas in fixed-size batches, at most WriteWorkers
// batches in flight. Cancellation is honored between batches: in-flight
// batches finish, unsubmitted items are recorded as failed.
func (r *Reconciler) applyAll(ctx context.Context, report *RunReport, deltas []reconcile.StockDelta) {
	batches := partition(deltas, r.cfg.BatchSize)
	outcomes := make([][]WriteOutcome, len(batches))

	g := new(errgroup.Group)
	g.SetLimit(r.cfg.WriteWorkers)

	for i, batch := range batches {
		if ctx.Err() != nil {
			outcomes[i] = failedOutcomes(batch, "run canceled before batch was submitted")
			continue
		}
		i, batch := i, batch
		g.Go(func() error {
			// Re-check after waiting for a worker slot: a batch queued
			// behind an in-flight one must not start once the run is
			// canceled.
			if ctx.Err() != nil {
				outcomes[i] = failedOutcomes(batch, "run canceled before batch was submitted")
				return nil
			}
			outcomes[i] = r.applyBatch(ctx, batch)
			return nil
		})
	}
	_ = g.Wait()

	for _, batchOutcomes := range outcomes {
		for _, o := range batchOutcomes {
			if o.OK {
				report.Applied++
			} else {
				report.Failed++
				report.Failures = append(report.Failures, ItemFailure{ProductID: o.ProductID, Reason: o.Reason})
			}
		}
	}
}

// applyBatch writes one batch with bounded retries. Transport errors retry
// the whole remaining batch; per-item rejections retry only the rejected
// items. Whatever still fails after MaxRetries is returned as failed, so
// the caller always gets one outcome per delta.
func (r *Reconciler) applyBatch(ctx context.Context, batch []reconcile.StockDelta) []WriteOutcome {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.RetryInitialInterval
	bo.MaxElapsedTime = 0

	succeeded := make(map[int64]bool, len(batch))
	lastReason := make(map[int64]string, len(batch))
	pending := batch

	for attempt := 0; ; attempt++ {
		results, err := r.writer.ApplyStockBatch(ctx, pending)
		if err != nil {
			for _, d := range pending {
				lastReason[d.ProductID] = err.Error()
			}
			if attempt >= r.cfg.MaxRetries || !r.sleep(ctx, bo.NextBackOff()) {
				break
			}
			r.logger.Warn("stock batch write failed, retrying",
				zap.Int("attempt", attempt+1),
				zap.Int("batch_size", len(pending)),
				zap.Error(err))
			continue
		}

		for _, o := range results {
			if o.OK {
				succeeded[o.ProductID] = true
			} else {
				lastReason[o.ProductID] = o.Reason
			}
		}

		var retry []reconcile.StockDelta
		for _, d := range pending {
			if !succeeded[d.ProductID] {
				if lastReason[d.ProductID] == "" {
					lastReason[d.ProductID] = "no outcome reported by ERP"
				}
				retry = append(retry, d)
			}
		}
		if len(retry) == 0 {
			break
		}
		if attempt >= r.cfg.MaxRetries || !r.sleep(ctx, bo.NextBackOff()) {
			break
		}
		r.logger.Warn("retrying rejected items",
			zap.Int("attempt", attempt+1),
			zap.Int("items", len(retry)))
		pending = retry
	}

	out := make([]WriteOutcome, 0, len(batch))
	for _, d := range batch {
		if succeeded[d.ProductID] {
			out = append(out, WriteOutcome{ProductID: d.ProductID, OK: true})
		} else {
			out = append(out, WriteOutcome{ProductID: d.ProductID, Reason: lastReason[d.ProductID]})
		}
	}
	return out
}

// sleep waits for the backoff interval, returning false when the context
// is done first.
func (r *Reconciler) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// partition splits deltas into batches of at most size items. Each delta
// lands in exactly one batch.
func partition(deltas []reconcile.StockDelta, size int) [][]reconcile.StockDelta {
	if len(deltas) == 0 {
		return nil
	}
	batches := make([][]reconcile.StockDelta, 0, (len(deltas)+size-1)/size)
	for start := 0; start < len(deltas); start += size {
		end := start + size
		if end > len(deltas) {
			end = len(deltas)
		}
		batches = append(batches, deltas[start:end])
	}
	return batches
}

func failedOutcomes(batch []reconcile.StockDelta, reason string) []WriteOutcome {
	out := make([]WriteOutcome, len(batch))
	for i, d := range batch {
		out[i] = WriteOutcome{ProductID: d.ProductID, Reason: reason}
	}
	return out
}
