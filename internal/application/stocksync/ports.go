package stocksync

import (
	"context"

	"github.com/suppliersync/backend/internal/domain/reconcile"
)

// CatalogReader supplies the read-only ERP catalog snapshot for one run.
type CatalogReader interface {
	// FetchCatalog returns the catalog snapshot matching the filter.
	// Called once per run.
	FetchCatalog(ctx context.Context, filter reconcile.CatalogFilter) ([]reconcile.ERPProduct, error)
}

// WriteOutcome reports the per-item result of a stock batch write.
type WriteOutcome struct {
	ProductID int64
	OK        bool
	// Reason describes the failure when OK is false.
	Reason string
}

// StockWriter applies stock deltas to the ERP. Implementations must accept
// an empty batch as a no-op, report per-item outcomes rather than an
// all-or-nothing result, and be safe to call concurrently with independent
// batches.
type StockWriter interface {
	ApplyStockBatch(ctx context.Context, batch []reconcile.StockDelta) ([]WriteOutcome, error)
}
