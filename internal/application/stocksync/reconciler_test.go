package stocksync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suppliersync/backend/internal/domain/reconcile"
)

// MockCatalogReader returns a fixed catalog snapshot.
type MockCatalogReader struct {
	catalog []reconcile.ERPProduct
	err     error
	calls   int
}

func (m *MockCatalogReader) FetchCatalog(ctx context.Context, filter reconcile.CatalogFilter) ([]reconcile.ERPProduct, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.catalog, nil
}

// MockStockWriter records batches and answers with scripted outcomes.
type MockStockWriter struct {
	mu      sync.Mutex
	batches [][]reconcile.StockDelta
	// failProducts maps product IDs to a rejection reason.
	failProducts map[int64]string
	// transportFailures makes the first N calls fail outright.
	transportFailures int
}

func (m *MockStockWriter) ApplyStockBatch(ctx context.Context, batch []reconcile.StockDelta) ([]WriteOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transportFailures > 0 {
		m.transportFailures--
		return nil, errors.New("connection reset")
	}
	m.batches = append(m.batches, batch)
	outcomes := make([]WriteOutcome, len(batch))
	for i, d := range batch {
		if reason, ok := m.failProducts[d.ProductID]; ok {
			outcomes[i] = WriteOutcome{ProductID: d.ProductID, Reason: reason}
		} else {
			outcomes[i] = WriteOutcome{ProductID: d.ProductID, OK: true}
		}
	}
	return outcomes, nil
}

func (m *MockStockWriter) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func availSignal(qty int64) reconcile.AvailabilitySignal {
	return reconcile.AvailabilitySignal{Branches: map[string]decimal.Decimal{"SF": decimal.NewFromInt(qty)}}
}

func testCatalog() []reconcile.ERPProduct {
	return []reconcile.ERPProduct{
		{ProductID: 1, DefaultCode: "A1", IsStorable: true, StockFlag: reconcile.FlagOutOfStock},
		{ProductID: 2, DefaultCode: "B2", IsStorable: true, StockFlag: reconcile.FlagOutOfStock},
		{ProductID: 3, DefaultCode: "C3", IsStorable: true, StockFlag: reconcile.FlagOutOfStock},
		{ProductID: 4, DefaultCode: "KIT1", IsKit: true, IsStorable: true, StockFlag: reconcile.FlagOutOfStock},
		{ProductID: 5, DefaultCode: "X99", IsStorable: true, StockFlag: reconcile.FlagOutOfStock},
		{ProductID: 6, DefaultCode: "x-99", IsStorable: true, StockFlag: reconcile.FlagOutOfStock},
	}
}

func testScrape() []reconcile.ScrapedRecord {
	return []reconcile.ScrapedRecord{
		{RawCode: "A1", Availability: availSignal(5)},
		{RawCode: "B2", Availability: availSignal(2)},
		{RawCode: "C3", Availability: availSignal(1)},
		{RawCode: "KIT1", Availability: availSignal(7)}, // excluded
		{RawCode: "X99", Availability: availSignal(1)},  // ambiguous
		{RawCode: "ZZ404", Availability: availSignal(1)}, // unmatched
	}
}

func newTestReconciler(t *testing.T, reader *MockCatalogReader, writer StockWriter, cfg Config) *Reconciler {
	t.Helper()
	mapper, err := reconcile.NewMapper(reconcile.AggregateAnyBranchPositive)
	require.NoError(t, err)
	computer, err := reconcile.NewDeltaComputer(mapper, reconcile.PolarityDirect)
	require.NoError(t, err)

	cfg.RetryInitialInterval = 1 // keep retries fast in tests
	r, err := NewReconciler(reader, writer, reconcile.NewMatcher(), computer, reconcile.DefaultExclusionPolicy(), cfg, nil)
	require.NoError(t, err)
	return r
}

func TestReconciler_Run_FullFlow(t *testing.T) {
	reader := &MockCatalogReader{catalog: testCatalog()}
	writer := &MockStockWriter{}
	r := newTestReconciler(t, reader, writer, Config{})

	report, err := r.Run(context.Background(), testScrape(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, reader.calls)
	assert.Equal(t, 4, report.Matched)
	assert.Equal(t, 1, report.Unmatched)
	assert.Equal(t, 1, report.Ambiguous)
	assert.Equal(t, 1, report.Excluded)
	assert.Equal(t, 3, report.Deltas)
	assert.Equal(t, 3, report.Applied)
	assert.Zero(t, report.Failed)

	assert.Equal(t, []string{"ZZ404"}, report.UnmatchedCodes)
	require.Len(t, report.AmbiguousEntries, 1)
	assert.Equal(t, []int64{5, 6}, report.AmbiguousEntries[0].CandidateIDs)
	assert.False(t, report.FinishedAt.IsZero())
}

func TestReconciler_Run_PartialBatchFailure(t *testing.T) {
	// 3 deltas; the ERP accepts 2 and keeps rejecting 1: applied == 2,
	// failed == 1, run completes without error.
	reader := &MockCatalogReader{catalog: testCatalog()[:3]}
	writer := &MockStockWriter{failProducts: map[int64]string{2: "timeout"}}
	r := newTestReconciler(t, reader, writer, Config{MaxRetries: 1})

	report, err := r.Run(context.Background(), testScrape()[:3], RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Applied)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, int64(2), report.Failures[0].ProductID)
	assert.Equal(t, "timeout", report.Failures[0].Reason)
}

func TestReconciler_Run_TransientTransportErrorRecovers(t *testing.T) {
	reader := &MockCatalogReader{catalog: testCatalog()[:3]}
	writer := &MockStockWriter{transportFailures: 2}
	r := newTestReconciler(t, reader, writer, Config{MaxRetries: 3})

	report, err := r.Run(context.Background(), testScrape()[:3], RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Applied)
	assert.Zero(t, report.Failed)
}

func TestReconciler_Run_TotalWriteFailureStillReports(t *testing.T) {
	reader := &MockCatalogReader{catalog: testCatalog()[:3]}
	writer := &MockStockWriter{transportFailures: 100}
	r := newTestReconciler(t, reader, writer, Config{MaxRetries: 1})

	report, err := r.Run(context.Background(), testScrape()[:3], RunOptions{})
	require.NoError(t, err, "a run must terminate with a report even under total write failure")

	assert.Zero(t, report.Applied)
	assert.Equal(t, 3, report.Failed)
	require.Len(t, report.Failures, 3)
	assert.Contains(t, report.Failures[0].Reason, "connection reset")
}

func TestReconciler_Run_BatchPartitioning(t *testing.T) {
	reader := &MockCatalogReader{catalog: testCatalog()[:3]}
	writer := &MockStockWriter{}
	r := newTestReconciler(t, reader, writer, Config{BatchSize: 2})

	report, err := r.Run(context.Background(), testScrape()[:3], RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Applied)
	assert.Equal(t, 2, writer.batchCount())

	// No product appears in more than one batch.
	seen := make(map[int64]int)
	for _, batch := range writer.batches {
		for _, d := range batch {
			seen[d.ProductID]++
		}
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "product %d written by %d batches", id, n)
	}
}

func TestReconciler_Run_DuplicateCodesWriteOnce(t *testing.T) {
	// Two scraped rows normalize onto the same product with conflicting
	// availability. With single-delta batches and concurrent writers the
	// product must still be written by exactly one batch.
	reader := &MockCatalogReader{catalog: []reconcile.ERPProduct{
		{ProductID: 1, DefaultCode: "A1", IsStorable: true, StockFlag: reconcile.FlagUnknown},
	}}
	writer := &MockStockWriter{}
	r := newTestReconciler(t, reader, writer, Config{BatchSize: 1, WriteWorkers: 2})

	report, err := r.Run(context.Background(), []reconcile.ScrapedRecord{
		{RawCode: "A1", Availability: availSignal(5)},
		{RawCode: "a-1", Availability: availSignal(0)},
	}, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Matched)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, 1, report.Deltas)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 1, writer.batchCount())

	seen := make(map[int64]int)
	for _, batch := range writer.batches {
		for _, d := range batch {
			seen[d.ProductID]++
		}
	}
	assert.Equal(t, 1, seen[1], "product 1 must be written by exactly one batch")
	assert.Equal(t, reconcile.FlagInStock, writer.batches[0][0].TargetFlag,
		"the first scraped row settles the product")
}

// cancelingWriter cancels the run context as soon as its first batch lands.
type cancelingWriter struct {
	MockStockWriter
	cancel context.CancelFunc
	once   sync.Once
}

func (w *cancelingWriter) ApplyStockBatch(ctx context.Context, batch []reconcile.StockDelta) ([]WriteOutcome, error) {
	outcomes, err := w.MockStockWriter.ApplyStockBatch(ctx, batch)
	w.once.Do(w.cancel)
	return outcomes, err
}

func TestReconciler_Run_CancellationBetweenBatches(t *testing.T) {
	// The first batch finishes and cancels the context; unsubmitted
	// batches must be recorded as failed and the run still end in a
	// report.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &MockCatalogReader{catalog: testCatalog()[:3]}
	writer := &cancelingWriter{cancel: cancel}
	r := newTestReconciler(t, reader, writer, Config{BatchSize: 1, WriteWorkers: 1})

	report, err := r.Run(ctx, testScrape()[:3], RunOptions{})
	require.NoError(t, err, "cancellation mid-run must still produce a report")

	assert.Equal(t, 3, report.Deltas)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 1, writer.batchCount(), "in-flight batch finishes, later batches never reach the writer")
	require.Len(t, report.Failures, 2)
	for _, f := range report.Failures {
		assert.Contains(t, f.Reason, "canceled before batch was submitted")
	}
}

func TestReconciler_Run_DryRunWritesNothing(t *testing.T) {
	reader := &MockCatalogReader{catalog: testCatalog()}
	writer := &MockStockWriter{}
	r := newTestReconciler(t, reader, writer, Config{})

	report, err := r.Run(context.Background(), testScrape(), RunOptions{DryRun: true})
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Equal(t, 3, report.Deltas)
	assert.Len(t, report.Planned, 3)
	assert.Zero(t, report.Applied)
	assert.Zero(t, writer.batchCount())
}

func TestReconciler_Run_LimitTruncatesScrape(t *testing.T) {
	reader := &MockCatalogReader{catalog: testCatalog()}
	writer := &MockStockWriter{}
	r := newTestReconciler(t, reader, writer, Config{})

	report, err := r.Run(context.Background(), testScrape(), RunOptions{Limit: 2})
	require.NoError(t, err)

	assert.Equal(t, 2, report.ScrapedTotal)
	assert.Equal(t, 2, report.Applied)
}

func TestReconciler_Run_IdenticalInputsConverge(t *testing.T) {
	scrape := testScrape()

	runOnce := func() *RunReport {
		reader := &MockCatalogReader{catalog: testCatalog()}
		writer := &MockStockWriter{}
		r := newTestReconciler(t, reader, writer, Config{})
		report, err := r.Run(context.Background(), scrape, RunOptions{DryRun: true})
		require.NoError(t, err)
		return report
	}

	first := runOnce()
	second := runOnce()

	assert.Equal(t, first.Planned, second.Planned)
	assert.Equal(t, first.UnmatchedCodes, second.UnmatchedCodes)
	assert.Equal(t, first.AmbiguousEntries, second.AmbiguousEntries)
}

func TestReconciler_Run_CatalogFetchFailureAbortsBeforeWrites(t *testing.T) {
	reader := &MockCatalogReader{err: errors.New("erp unreachable")}
	writer := &MockStockWriter{}
	r := newTestReconciler(t, reader, writer, Config{})

	_, err := r.Run(context.Background(), testScrape(), RunOptions{})
	require.Error(t, err)
	assert.Zero(t, writer.batchCount())
}

func TestReconciler_Run_EmptyScrapeIsNoOp(t *testing.T) {
	reader := &MockCatalogReader{catalog: testCatalog()}
	writer := &MockStockWriter{}
	r := newTestReconciler(t, reader, writer, Config{})

	report, err := r.Run(context.Background(), nil, RunOptions{})
	require.NoError(t, err)

	assert.Zero(t, report.Deltas)
	assert.Zero(t, writer.batchCount(), "empty delta set must not reach the writer")
}

func TestNewReconciler_Validation(t *testing.T) {
	mapper, err := reconcile.NewMapper(reconcile.AggregateAnyBranchPositive)
	require.NoError(t, err)
	computer, err := reconcile.NewDeltaComputer(mapper, reconcile.PolarityDirect)
	require.NoError(t, err)
	reader := &MockCatalogReader{}
	writer := &MockStockWriter{}

	_, err = NewReconciler(nil, writer, reconcile.NewMatcher(), computer, reconcile.DefaultExclusionPolicy(), Config{}, nil)
	assert.Error(t, err)

	_, err = NewReconciler(reader, nil, reconcile.NewMatcher(), computer, reconcile.DefaultExclusionPolicy(), Config{}, nil)
	assert.Error(t, err)

	_, err = NewReconciler(reader, writer, nil, computer, reconcile.DefaultExclusionPolicy(), Config{}, nil)
	assert.Error(t, err)

	_, err = NewReconciler(reader, writer, reconcile.NewMatcher(), nil, reconcile.DefaultExclusionPolicy(), Config{}, nil)
	assert.Error(t, err)
}
