package reconcile

import (
	"github.com/shopspring/decimal"
)

// StockFlag is the tri-state stock indicator held by the ERP per product.
type StockFlag string

const (
	FlagInStock    StockFlag = "in_stock"
	FlagOutOfStock StockFlag = "out_of_stock"
	FlagUnknown    StockFlag = "unknown"
)

// IsValid reports whether the flag is one of the known states.
func (f StockFlag) IsValid() bool {
	switch f {
	case FlagInStock, FlagOutOfStock, FlagUnknown:
		return true
	}
	return false
}

// AvailabilitySignal is the supplier-specific raw availability shape: a set
// of per-branch quantities as reported by the supplier portal. A nil or
// empty branch map means the portal reported nothing usable for the product.
type AvailabilitySignal struct {
	Branches map[string]decimal.Decimal
}

// ScrapedRecord is one product row produced by the acquisition layer.
// It is immutable input; the engine never writes back to it.
type ScrapedRecord struct {
	RawCode      string
	Description  string
	Brand        string
	Availability AvailabilitySignal
	Price        *decimal.Decimal
	Currency     string
}

// ERPProduct is a read-only snapshot of one ERP catalog entry, materialized
// once per run. All mutations go through the ERP collaborator interface,
// never through this struct.
type ERPProduct struct {
	ProductID   int64
	DefaultCode string
	IsKit       bool
	IsStorable  bool
	StockFlag   StockFlag
}

// CatalogFilter restricts which products the ERP catalog fetch returns.
type CatalogFilter struct {
	// SupplierName limits the catalog to products sourced from this
	// supplier. Empty means the whole catalog.
	SupplierName string
}
