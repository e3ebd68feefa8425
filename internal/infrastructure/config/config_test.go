package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suppliersync/backend/internal/domain/reconcile"
	"github.com/suppliersync/backend/internal/domain/shared"
)

func validConfig() *Config {
	return &Config{
		App: AppConfig{Name: "suppliersync", Env: "test"},
		Log: LogConfig{Level: "info", Format: "console", Output: "stdout"},
		Supplier: SupplierConfig{
			Name:        "SERVICIOS VIALES DE SANTA FE S A",
			Aggregation: "any_branch_positive",
			Polarity:    "direct",
		},
		Sync: SyncConfig{BatchSize: 100, MaxRetries: 3, RetryInitialInterval: time.Second, WriteWorkers: 2, MatchWorkers: 4},
		ERP: ERPConfig{
			URL:           "http://localhost:8069",
			Database:      "odoo",
			Username:      "admin",
			Password:      "admin",
			Timeout:       30 * time.Second,
			StockLocation: "SV - Scraping",
		},
	}
}

func TestLoadFrom_TOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[supplier]
name = "SERVICIOS VIALES DE SANTA FE S A"
aggregation = "quantity_threshold"
quantity_threshold = 5
polarity = "inverse"

[erp]
url = "http://erp.internal:8069"
database = "prod"
username = "sync"
password = "secret"
stock_location = "SV - Scraping"

[sync]
batch_size = 50
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, "quantity_threshold", cfg.Supplier.Aggregation)
	assert.Equal(t, int64(5), cfg.Supplier.QuantityThreshold)
	assert.Equal(t, reconcile.PolarityInverse, cfg.Polarity())
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	// Defaults fill unspecified values.
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, 200, cfg.ERP.ReadBatchSize)
	require.NoError(t, cfg.Validate())
}

func TestValidate_OK(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_PolarityIsMandatory(t *testing.T) {
	cfg := validConfig()
	cfg.Supplier.Polarity = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, reconcile.ErrPolarityUnset)

	cfg.Supplier.Polarity = "reversed"
	assert.ErrorIs(t, cfg.Validate(), reconcile.ErrPolarityUnset)
}

func TestValidate_AggregationIsMandatory(t *testing.T) {
	cfg := validConfig()
	cfg.Supplier.Aggregation = ""
	assert.ErrorIs(t, cfg.Validate(), reconcile.ErrAggregationUnset)
}

func TestValidate_SpecificBranchRequiresBranch(t *testing.T) {
	cfg := validConfig()
	cfg.Supplier.Aggregation = "specific_branch"
	assert.ErrorIs(t, cfg.Validate(), reconcile.ErrBranchRequired)

	cfg.Supplier.Branch = "SF"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_ERPSettings(t *testing.T) {
	cfg := validConfig()
	cfg.ERP.URL = ""
	assert.ErrorIs(t, cfg.Validate(), shared.ErrMisconfigured)

	cfg = validConfig()
	cfg.ERP.URL = "not a url"
	assert.ErrorIs(t, cfg.Validate(), shared.ErrMisconfigured)

	cfg = validConfig()
	cfg.ERP.Password = ""
	assert.ErrorIs(t, cfg.Validate(), shared.ErrMisconfigured)

	cfg = validConfig()
	cfg.ERP.StockLocation = ""
	assert.ErrorIs(t, cfg.Validate(), shared.ErrMisconfigured)
}

func TestValidate_BatchSize(t *testing.T) {
	cfg := validConfig()
	cfg.Sync.BatchSize = 0
	assert.ErrorIs(t, cfg.Validate(), shared.ErrMisconfigured)
}
