package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/suppliersync/backend/internal/domain/reconcile"
	"github.com/suppliersync/backend/internal/domain/shared"
)

// Config holds all application configuration
type Config struct {
	App      AppConfig
	Log      LogConfig
	Supplier SupplierConfig
	Sync     SyncConfig
	ERP      ERPConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// SupplierConfig holds the per-supplier integration settings. Polarity and
// aggregation are business decisions with no safe default; Validate rejects
// a config that leaves them unset.
type SupplierConfig struct {
	Name              string
	Aggregation       string // any_branch_positive, specific_branch, quantity_threshold
	Branch            string // required for specific_branch
	QuantityThreshold int64  // used by quantity_threshold
	Polarity          string // direct, inverse
}

// SyncConfig holds reconciliation run tuning
type SyncConfig struct {
	BatchSize            int
	MaxRetries           int
	RetryInitialInterval time.Duration
	WriteWorkers         int
	MatchWorkers         int
}

// ERPConfig holds ERP endpoint settings
type ERPConfig struct {
	URL               string
	Database          string
	Username          string
	Password          string
	Timeout           time.Duration
	RequestsPerSecond float64
	ReadBatchSize     int
	// StockLocation names the ERP stock location the engine writes to.
	StockLocation string
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with SYNC_ prefix (e.g., SYNC_ERP_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom loads configuration, optionally from an explicit file path.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/suppliersync")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Supplier: SupplierConfig{
			Name:              v.GetString("supplier.name"),
			Aggregation:       v.GetString("supplier.aggregation"),
			Branch:            v.GetString("supplier.branch"),
			QuantityThreshold: v.GetInt64("supplier.quantity_threshold"),
			Polarity:          v.GetString("supplier.polarity"),
		},
		Sync: SyncConfig{
			BatchSize:            v.GetInt("sync.batch_size"),
			MaxRetries:           v.GetInt("sync.max_retries"),
			RetryInitialInterval: v.GetDuration("sync.retry_initial_interval"),
			WriteWorkers:         v.GetInt("sync.write_workers"),
			MatchWorkers:         v.GetInt("sync.match_workers"),
		},
		ERP: ERPConfig{
			URL:               v.GetString("erp.url"),
			Database:          v.GetString("erp.database"),
			Username:          v.GetString("erp.username"),
			Password:          v.GetString("erp.password"),
			Timeout:           v.GetDuration("erp.timeout"),
			RequestsPerSecond: v.GetFloat64("erp.requests_per_second"),
			ReadBatchSize:     v.GetInt("erp.read_batch_size"),
			StockLocation:     v.GetString("erp.stock_location"),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "suppliersync")
	v.SetDefault("app.env", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.retry_initial_interval", 500*time.Millisecond)
	v.SetDefault("sync.write_workers", 2)
	v.SetDefault("sync.match_workers", 4)
	v.SetDefault("erp.timeout", 30*time.Second)
	v.SetDefault("erp.requests_per_second", 10.0)
	v.SetDefault("erp.read_batch_size", 200)
	// No defaults for supplier.polarity or supplier.aggregation: both are
	// safety-critical and must be stated explicitly per supplier.
}

// Validate checks the configuration, failing loudly on anything that could
// lead to wrong inventory writes. Called before any ERP connection is made.
func (c *Config) Validate() error {
	if !reconcile.Polarity(c.Supplier.Polarity).IsValid() {
		return fmt.Errorf("supplier.polarity must be %q or %q, got %q: %w",
			reconcile.PolarityDirect, reconcile.PolarityInverse, c.Supplier.Polarity, reconcile.ErrPolarityUnset)
	}
	if !reconcile.AggregationPolicy(c.Supplier.Aggregation).IsValid() {
		return fmt.Errorf("supplier.aggregation %q is not a known policy: %w",
			c.Supplier.Aggregation, reconcile.ErrAggregationUnset)
	}
	if reconcile.AggregationPolicy(c.Supplier.Aggregation) == reconcile.AggregateSpecificBranch && c.Supplier.Branch == "" {
		return fmt.Errorf("supplier.branch is required for specific_branch aggregation: %w", reconcile.ErrBranchRequired)
	}
	if c.Supplier.QuantityThreshold < 0 {
		return fmt.Errorf("supplier.quantity_threshold must not be negative, got %d: %w", c.Supplier.QuantityThreshold, shared.ErrMisconfigured)
	}
	if c.ERP.URL == "" {
		return fmt.Errorf("erp.url is required: %w", shared.ErrMisconfigured)
	}
	if _, err := url.ParseRequestURI(c.ERP.URL); err != nil {
		return fmt.Errorf("erp.url is not a valid URL (%v): %w", err, shared.ErrMisconfigured)
	}
	if c.ERP.Database == "" {
		return fmt.Errorf("erp.database is required: %w", shared.ErrMisconfigured)
	}
	if c.ERP.Username == "" || c.ERP.Password == "" {
		return fmt.Errorf("erp.username and erp.password are required: %w", shared.ErrMisconfigured)
	}
	if c.ERP.StockLocation == "" {
		return fmt.Errorf("erp.stock_location is required: %w", shared.ErrMisconfigured)
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d: %w", c.Sync.BatchSize, shared.ErrMisconfigured)
	}
	return nil
}

// Polarity returns the configured polarity as a domain value.
func (c *Config) Polarity() reconcile.Polarity {
	return reconcile.Polarity(c.Supplier.Polarity)
}

// Aggregation returns the configured aggregation policy as a domain value.
func (c *Config) Aggregation() reconcile.AggregationPolicy {
	return reconcile.AggregationPolicy(c.Supplier.Aggregation)
}

// IsProduction returns true when running in the production environment.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
