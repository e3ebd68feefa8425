package reconcile

import "github.com/suppliersync/backend/internal/domain/shared"

// Reconciliation domain errors
var (
	// ErrInvalidCode is returned when a raw product code cannot be
	// normalized (empty, or no alphanumeric content). Callers recover
	// locally: the record is treated as unmatched, never aborting a run.
	ErrInvalidCode = shared.NewDomainError("INVALID_CODE", "Product code is empty or has no alphanumeric characters")

	// ErrPolarityUnset is returned when the inverse-availability polarity
	// is missing or unknown. There is no safe default: the wrong polarity
	// flips inventory for every product in a run, so this fails before
	// any ERP write.
	ErrPolarityUnset = shared.NewDomainError("POLARITY_UNSET", "Stock polarity is not configured")

	// ErrAggregationUnset is returned when the availability aggregation
	// policy is missing or unknown for the supplier.
	ErrAggregationUnset = shared.NewDomainError("AGGREGATION_UNSET", "Availability aggregation policy is not configured")

	// ErrBranchRequired is returned when the specific-branch aggregation
	// policy is selected without naming a branch.
	ErrBranchRequired = shared.NewDomainError("BRANCH_REQUIRED", "Specific-branch aggregation requires a branch name")

	// ErrMapperRequired is returned when a delta computer is constructed
	// without an availability mapper.
	ErrMapperRequired = shared.NewDomainError("MAPPER_REQUIRED", "Availability mapper is required")
)
