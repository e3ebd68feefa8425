package stocksync

import (
	"time"

	"github.com/google/uuid"

	"github.com/suppliersync/backend/internal/domain/reconcile"
)

// AmbiguousEntry surfaces one normalized code that mapped onto more than
// one catalog product. These are expected operational signals for human
// review, not errors.
type AmbiguousEntry struct {
	RawCode      string                  `json:"raw_code"`
	Key          reconcile.NormalizedKey `json:"key"`
	CandidateIDs []int64                 `json:"candidate_ids"`
}

// ItemFailure records one product whose stock write terminally failed
// after retries.
type ItemFailure struct {
	ProductID int64  `json:"product_id"`
	Reason    string `json:"reason"`
}

// RunReport is the structured summary of one reconciliation run. It is the
// only contract the out-of-core reporting and export layers need.
type RunReport struct {
	RunID      uuid.UUID `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DryRun     bool      `json:"dry_run"`

	ScrapedTotal int `json:"scraped_total"`
	CatalogTotal int `json:"catalog_total"`

	Matched   int `json:"matched"`
	Unmatched int `json:"unmatched"`
	Ambiguous int `json:"ambiguous"`

	Excluded      int `json:"excluded"`
	UnknownSignal int `json:"unknown_signal"`
	Unchanged     int `json:"unchanged"`
	Duplicates    int `json:"duplicates"`

	Deltas  int `json:"deltas"`
	Applied int `json:"applied"`
	Failed  int `json:"failed"`

	// UnmatchedCodes lists every scraped code with no catalog match.
	UnmatchedCodes []string `json:"unmatched_codes"`
	// AmbiguousEntries lists every ambiguous code with its candidates.
	AmbiguousEntries []AmbiguousEntry `json:"ambiguous_entries"`
	// Failures lists per-item terminal write failures.
	Failures []ItemFailure `json:"failures"`
	// Planned holds the computed deltas when the run was a dry run and
	// nothing was written.
	Planned []reconcile.StockDelta `json:"planned,omitempty"`
}

// newRunReport creates an empty report stamped with a fresh run ID.
func newRunReport(dryRun bool) *RunReport {
	return &RunReport{
		RunID:     uuid.New(),
		StartedAt: time.Now(),
		DryRun:    dryRun,
	}
}

// Duration returns the wall time the run took.
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
