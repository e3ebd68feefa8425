package reconcile

// Polarity is the configured direction of the inverse-availability rule:
// how a supplier-side stock signal maps onto the selling-side stock flag.
//
// PolarityDirect mirrors the supplier (supplier has stock -> we sell).
// PolarityInverse flips it, for back-order/cross-dock setups where items
// the supplier still stocks are the ones not held locally.
//
// There is deliberately no default: the wrong polarity corrupts inventory
// for every product in a run, so an unset polarity is fatal at startup.
type Polarity string

const (
	PolarityDirect  Polarity = "direct"
	PolarityInverse Polarity = "inverse"
)

// IsValid reports whether the polarity is one of the known directions.
func (p Polarity) IsValid() bool {
	return p == PolarityDirect || p == PolarityInverse
}

// DeltaReason records why a stock delta was emitted.
type DeltaReason string

const (
	ReasonSupplierHasStock DeltaReason = "supplier_has_stock"
	ReasonSupplierNoStock  DeltaReason = "supplier_no_stock"
)

// StockDelta is the target stock mutation for one product. Deltas are
// ephemeral: recomputed fresh each run from the current scrape, never
// persisted, so a re-run converges instead of accumulating drift.
type StockDelta struct {
	ProductID  int64
	TargetFlag StockFlag
	Reason     DeltaReason
}

// ExclusionPolicy names the product categories that never receive stock
// deltas. Kits resolve availability through their components and
// non-storable items carry no quants, so a supplier signal is structurally
// meaningless for both.
type ExclusionPolicy struct {
	ExcludeKits        bool
	ExcludeNonStorable bool
}

// DefaultExclusionPolicy excludes kits and non-storable items.
func DefaultExclusionPolicy() ExclusionPolicy {
	return ExclusionPolicy{ExcludeKits: true, ExcludeNonStorable: true}
}

// Excludes reports whether the policy forbids stock writes for the product.
func (p ExclusionPolicy) Excludes(product *ERPProduct) bool {
	if p.ExcludeKits && product.IsKit {
		return true
	}
	if p.ExcludeNonStorable && !product.IsStorable {
		return true
	}
	return false
}

// DeltaStats counts every matched record's disposition, for audit
// visibility in the run report.
type DeltaStats struct {
	// Excluded counts matches skipped by the exclusion policy.
	Excluded int
	// UnknownSignal counts matches whose availability signal was
	// missing or malformed. No delta is emitted for them.
	UnknownSignal int
	// Unchanged counts matches whose target flag already equals the
	// ERP's current flag; the write is suppressed as a duplicate.
	Unchanged int
	// Duplicates counts matches for a product whose disposition was
	// already settled by an earlier row in the same run.
	Duplicates int
	// Deltas counts emitted stock deltas.
	Deltas int
}

// DeltaComputer derives target stock mutations from matched records using
// an injected availability mapper and polarity.
type DeltaComputer struct {
	mapper   *Mapper
	polarity Polarity
}

// NewDeltaComputer creates a DeltaComputer. The polarity is mandatory and
// validated here so misconfiguration surfaces before any ERP write.
func NewDeltaComputer(mapper *Mapper, polarity Polarity) (*DeltaComputer, error) {
	if mapper == nil {
		return nil, ErrMapperRequired
	}
	if !polarity.IsValid() {
		return nil, ErrPolarityUnset
	}
	return &DeltaComputer{mapper: mapper, polarity: polarity}, nil
}

// Compute derives stock deltas for the matched results. Unmatched and
// ambiguous results are ignored: the engine only mutates products it can
// unambiguously identify. Output order follows input order.
//
// At most one delta is emitted per product: several scraped rows can
// normalize onto the same catalog entry, and the first row with a definite
// signal settles it. Later rows are counted as duplicates so conflicting
// rows can never race each other into the ERP.
func (c *DeltaComputer) Compute(matches []MatchResult, policy ExclusionPolicy) ([]StockDelta, DeltaStats) {
	deltas := make([]StockDelta, 0, len(matches))
	settled := make(map[int64]bool)
	var stats DeltaStats

	for _, match := range matches {
		if match.Kind != MatchMatched {
			continue
		}

		if policy.Excludes(match.Product) {
			stats.Excluded++
			continue
		}

		if settled[match.Product.ProductID] {
			stats.Duplicates++
			continue
		}

		signal := c.mapper.Map(match.Record.Availability)
		if signal == SignalUnknown {
			stats.UnknownSignal++
			continue
		}
		settled[match.Product.ProductID] = true

		target, reason := c.target(signal)
		if target == match.Product.StockFlag {
			stats.Unchanged++
			continue
		}

		deltas = append(deltas, StockDelta{
			ProductID:  match.Product.ProductID,
			TargetFlag: target,
			Reason:     reason,
		})
		stats.Deltas++
	}

	return deltas, stats
}

func (c *DeltaComputer) target(signal StockSignal) (StockFlag, DeltaReason) {
	supplierHasStock := signal == SignalInStock

	reason := ReasonSupplierNoStock
	if supplierHasStock {
		reason = ReasonSupplierHasStock
	}

	sellable := supplierHasStock
	if c.polarity == PolarityInverse {
		sellable = !supplierHasStock
	}

	if sellable {
		return FlagInStock, reason
	}
	return FlagOutOfStock, reason
}
