package reconcile

import (
	"github.com/shopspring/decimal"
)

// StockSignal is the tri-state result of interpreting a supplier
// availability signal.
type StockSignal string

const (
	SignalInStock    StockSignal = "in_stock"
	SignalOutOfStock StockSignal = "out_of_stock"
	// SignalUnknown means the supplier signal was missing or malformed.
	// It is a distinct state: a missing signal must never be read as
	// out-of-stock, because that would regress inventory on bad data.
	SignalUnknown StockSignal = "unknown"
)

// AggregationPolicy selects how per-branch supplier quantities collapse
// into a single stock signal. The policy is a per-supplier business
// decision and must be configured explicitly.
type AggregationPolicy string

const (
	// AggregateAnyBranchPositive reports stock when at least one branch
	// reports a positive quantity.
	AggregateAnyBranchPositive AggregationPolicy = "any_branch_positive"
	// AggregateSpecificBranch reports stock based on a single named branch.
	AggregateSpecificBranch AggregationPolicy = "specific_branch"
	// AggregateQuantityThreshold reports stock when the summed quantity
	// across branches exceeds a configured minimum.
	AggregateQuantityThreshold AggregationPolicy = "quantity_threshold"
)

// IsValid reports whether the policy is one of the known aggregations.
func (p AggregationPolicy) IsValid() bool {
	switch p {
	case AggregateAnyBranchPositive, AggregateSpecificBranch, AggregateQuantityThreshold:
		return true
	}
	return false
}

// Mapper converts a supplier's raw availability signal into a StockSignal
// under an injected aggregation policy.
type Mapper struct {
	policy    AggregationPolicy
	branch    string
	threshold decimal.Decimal
}

// MapperOption configures a Mapper.
type MapperOption func(*Mapper)

// WithBranch names the branch consulted by AggregateSpecificBranch.
func WithBranch(branch string) MapperOption {
	return func(m *Mapper) {
		m.branch = branch
	}
}

// WithThreshold sets the minimum summed quantity for
// AggregateQuantityThreshold. Quantities at or below the threshold map to
// out-of-stock.
func WithThreshold(min decimal.Decimal) MapperOption {
	return func(m *Mapper) {
		m.threshold = min
	}
}

// NewMapper creates a Mapper for the given aggregation policy.
// The policy has no default; an unset or unknown policy is rejected so a
// misconfigured supplier integration fails before any run starts.
func NewMapper(policy AggregationPolicy, opts ...MapperOption) (*Mapper, error) {
	if !policy.IsValid() {
		return nil, ErrAggregationUnset
	}

	m := &Mapper{policy: policy, threshold: decimal.Zero}
	for _, opt := range opts {
		opt(m)
	}

	if policy == AggregateSpecificBranch && m.branch == "" {
		return nil, ErrBranchRequired
	}

	return m, nil
}

// Policy returns the configured aggregation policy.
func (m *Mapper) Policy() AggregationPolicy {
	return m.policy
}

// Map interprets a raw availability signal. A nil or empty branch map is
// SignalUnknown; negative branch quantities are clamped to zero, matching
// how supplier portals report reserved stock.
func (m *Mapper) Map(raw AvailabilitySignal) StockSignal {
	if len(raw.Branches) == 0 {
		return SignalUnknown
	}

	switch m.policy {
	case AggregateAnyBranchPositive:
		for _, qty := range raw.Branches {
			if qty.IsPositive() {
				return SignalInStock
			}
		}
		return SignalOutOfStock

	case AggregateSpecificBranch:
		qty, ok := raw.Branches[m.branch]
		if !ok {
			return SignalUnknown
		}
		if qty.IsPositive() {
			return SignalInStock
		}
		return SignalOutOfStock

	case AggregateQuantityThreshold:
		total := decimal.Zero
		for _, qty := range raw.Branches {
			if qty.IsPositive() {
				total = total.Add(qty)
			}
		}
		if total.GreaterThan(m.threshold) {
			return SignalInStock
		}
		return SignalOutOfStock
	}

	return SignalUnknown
}
