// Package config loads the pipeline configuration from TOML files and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"

	invoice "github.com/rohithsiddi/invoice-processing-agent"
	"github.com/rohithsiddi/invoice-processing-agent/match"
	"github.com/rohithsiddi/invoice-processing-agent/retry"
)

const (
	BaseConfigFile       = "invoice.toml"
	OverlayConfigPattern = "invoice.%s.toml"

	EnvInvoiceEnv      = "INVOICE_ENV"
	EnvStorageDriver   = "INVOICE_STORAGE_DRIVER"
	EnvStorageDir      = "INVOICE_STORAGE_DIR"
	EnvStorageDSN      = "INVOICE_STORAGE_DSN"
	EnvUploadDir       = "INVOICE_UPLOAD_DIR"
	EnvCatalogPath     = "INVOICE_CATALOG_PATH"
	EnvLogFormat       = "INVOICE_LOG_FORMAT"
	EnvLogLevel        = "INVOICE_LOG_LEVEL"
	EnvMatchThreshold  = "INVOICE_MATCH_THRESHOLD"
	EnvReviewURLBase   = "INVOICE_REVIEW_URL_BASE"
	EnvReviewers       = "INVOICE_REVIEWERS"
	EnvRecipients      = "INVOICE_NOTIFY_RECIPIENTS"
	EnvAutoApproveRule = "INVOICE_AUTO_APPROVE_RULE"
)

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the root configuration of the pipeline.
type Config struct {
	Matching match.Config          `toml:"matching"`
	Approval ApprovalConfig        `toml:"approval"`
	Review   ReviewConfig          `toml:"review"`
	Retry    map[string]RetryConfig `toml:"retry"`
	Storage  StorageConfig         `toml:"storage"`
	Catalog  CatalogConfig         `toml:"catalog"`
	Log      LogConfig             `toml:"log"`
}

// ApprovalConfig holds the approval and validation limits.
type ApprovalConfig struct {
	// AutoApproveRule is a risor expression over the invoice record. Empty
	// means every clean invoice from an approved vendor is approved.
	AutoApproveRule string  `toml:"auto_approve_rule"`
	MaxAmount       float64 `toml:"max_amount"`
	MaxAgeDays      int     `toml:"max_age_days"`
}

// ReviewConfig configures human review and notifications.
type ReviewConfig struct {
	ReviewURLBase string   `toml:"review_url_base"`
	Reviewers     []string `toml:"reviewers"`
	Recipients    []string `toml:"recipients"`
}

// RetryConfig overrides the retry policy of one stage.
type RetryConfig struct {
	MaxRetries  *int   `toml:"max_retries"`
	BaseDelay   string `toml:"base_delay"`
	Exponential *bool  `toml:"exponential"`
}

// StorageConfig selects the checkpoint, audit and run store.
type StorageConfig struct {
	Driver    string `toml:"driver"`
	Dir       string `toml:"dir"`
	DSN       string `toml:"dsn"`
	UploadDir string `toml:"upload_dir"`
}

// CatalogConfig locates the vendor and purchase order catalogue.
type CatalogConfig struct {
	Path string `toml:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Env returns the INVOICE_ENV value, defaulting to "local".
func (c *Config) Env() string {
	if env := os.Getenv(EnvInvoiceEnv); env != "" {
		return env
	}
	return "local"
}

// Load reads the base config from dir (if present), applies the overlay
// selected by INVOICE_ENV and finalizes all values. Without any file,
// defaults and environment variables provide all configuration.
func Load(fsys afero.Fs, dir string) (*Config, error) {
	cfg := &Config{}

	base := filepath.Join(dir, BaseConfigFile)
	loaded, err := load(fsys, base)
	switch {
	case err == nil:
		cfg = loaded
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}

	if path := overlayPath(fsys, dir); path != "" {
		overlay, err := load(fsys, path)
		if err != nil {
			return nil, fmt.Errorf("load overlay %s: %w", path, err)
		}
		cfg.Merge(overlay)
	}

	if err := cfg.finalize(); err != nil {
		return nil, fmt.Errorf("finalize config: %w", err)
	}
	return cfg, nil
}

// Parse parses a single TOML document and finalizes it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.finalize(); err != nil {
		return nil, fmt.Errorf("finalize config: %w", err)
	}
	return &cfg, nil
}

// Merge overwrites non-zero fields from overlay across all sections.
func (c *Config) Merge(overlay *Config) {
	if overlay.Matching.Weights.Vendor != 0 {
		c.Matching.Weights.Vendor = overlay.Matching.Weights.Vendor
	}
	if overlay.Matching.Weights.Amount != 0 {
		c.Matching.Weights.Amount = overlay.Matching.Weights.Amount
	}
	if overlay.Matching.Weights.Items != 0 {
		c.Matching.Weights.Items = overlay.Matching.Weights.Items
	}
	if overlay.Matching.TolerancePct != 0 {
		c.Matching.TolerancePct = overlay.Matching.TolerancePct
	}
	if overlay.Matching.Threshold != 0 {
		c.Matching.Threshold = overlay.Matching.Threshold
	}

	if overlay.Approval.AutoApproveRule != "" {
		c.Approval.AutoApproveRule = overlay.Approval.AutoApproveRule
	}
	if overlay.Approval.MaxAmount != 0 {
		c.Approval.MaxAmount = overlay.Approval.MaxAmount
	}
	if overlay.Approval.MaxAgeDays != 0 {
		c.Approval.MaxAgeDays = overlay.Approval.MaxAgeDays
	}

	if overlay.Review.ReviewURLBase != "" {
		c.Review.ReviewURLBase = overlay.Review.ReviewURLBase
	}
	if len(overlay.Review.Reviewers) > 0 {
		c.Review.Reviewers = overlay.Review.Reviewers
	}
	if len(overlay.Review.Recipients) > 0 {
		c.Review.Recipients = overlay.Review.Recipients
	}

	for stage, o := range overlay.Retry {
		if c.Retry == nil {
			c.Retry = map[string]RetryConfig{}
		}
		cur := c.Retry[stage]
		if o.MaxRetries != nil {
			cur.MaxRetries = o.MaxRetries
		}
		if o.BaseDelay != "" {
			cur.BaseDelay = o.BaseDelay
		}
		if o.Exponential != nil {
			cur.Exponential = o.Exponential
		}
		c.Retry[stage] = cur
	}

	if overlay.Storage.Driver != "" {
		c.Storage.Driver = overlay.Storage.Driver
	}
	if overlay.Storage.Dir != "" {
		c.Storage.Dir = overlay.Storage.Dir
	}
	if overlay.Storage.DSN != "" {
		c.Storage.DSN = overlay.Storage.DSN
	}
	if overlay.Storage.UploadDir != "" {
		c.Storage.UploadDir = overlay.Storage.UploadDir
	}
	if overlay.Catalog.Path != "" {
		c.Catalog.Path = overlay.Catalog.Path
	}
	if overlay.Log.Format != "" {
		c.Log.Format = overlay.Log.Format
	}
	if overlay.Log.Level != "" {
		c.Log.Level = overlay.Log.Level
	}
}

// RetryPolicies returns the configured per-stage retry policies, keyed by
// upper-case stage name. Unset values fall back to the stage's entry in
// defaults, then to retry.DefaultPolicy.
func (c *Config) RetryPolicies(defaults map[string]retry.Policy) map[string]retry.Policy {
	out := make(map[string]retry.Policy, len(c.Retry))
	for stage, rc := range c.Retry {
		stage = strings.ToUpper(stage)
		p, ok := defaults[stage]
		if !ok {
			p = retry.DefaultPolicy
		}
		if rc.MaxRetries != nil {
			p.MaxRetries = *rc.MaxRetries
		}
		if rc.BaseDelay != "" {
			d, _ := time.ParseDuration(rc.BaseDelay)
			p.BaseDelay = d
		}
		if rc.Exponential != nil {
			p.Exponential = *rc.Exponential
		}
		out[stage] = p
	}
	return out
}

// LogLevel returns the configured slog level
func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func (c *Config) finalize() error {
	c.loadDefaults()
	c.loadEnv()
	return c.validate()
}

func (c *Config) loadDefaults() {
	defaults := match.DefaultConfig()
	if c.Matching.Weights == (match.Weights{}) {
		c.Matching.Weights = defaults.Weights
	}
	if c.Matching.TolerancePct == 0 {
		c.Matching.TolerancePct = defaults.TolerancePct
	}
	if c.Matching.Threshold == 0 {
		c.Matching.Threshold = defaults.Threshold
	}
	if c.Approval.MaxAmount == 0 {
		c.Approval.MaxAmount = 1_000_000
	}
	if c.Approval.MaxAgeDays == 0 {
		c.Approval.MaxAgeDays = 730
	}
	if c.Review.ReviewURLBase == "" {
		c.Review.ReviewURLBase = invoice.DefaultReviewURLBase
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverFile
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "data"
	}
	if c.Storage.UploadDir == "" {
		c.Storage.UploadDir = filepath.Join(c.Storage.Dir, "uploads")
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) loadEnv() {
	if v := os.Getenv(EnvStorageDriver); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv(EnvStorageDir); v != "" {
		c.Storage.Dir = v
	}
	if v := os.Getenv(EnvStorageDSN); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv(EnvUploadDir); v != "" {
		c.Storage.UploadDir = v
	}
	if v := os.Getenv(EnvCatalogPath); v != "" {
		c.Catalog.Path = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvMatchThreshold); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Matching.Threshold = f
		}
	}
	if v := os.Getenv(EnvReviewURLBase); v != "" {
		c.Review.ReviewURLBase = v
	}
	if v := os.Getenv(EnvReviewers); v != "" {
		c.Review.Reviewers = splitList(v)
	}
	if v := os.Getenv(EnvRecipients); v != "" {
		c.Review.Recipients = splitList(v)
	}
	if v := os.Getenv(EnvAutoApproveRule); v != "" {
		c.Approval.AutoApproveRule = v
	}
}

func (c *Config) validate() error {
	if err := c.Matching.Validate(); err != nil {
		return fmt.Errorf("matching: %w", err)
	}
	if c.Approval.MaxAmount < 0 {
		return fmt.Errorf("approval: max_amount must not be negative")
	}
	for stage, rc := range c.Retry {
		if rc.MaxRetries != nil && *rc.MaxRetries < 0 {
			return fmt.Errorf("retry.%s: max_retries must not be negative", stage)
		}
		if rc.BaseDelay != "" {
			if _, err := time.ParseDuration(rc.BaseDelay); err != nil {
				return fmt.Errorf("retry.%s: invalid base_delay: %w", stage, err)
			}
		}
	}
	switch c.Storage.Driver {
	case DriverMemory, DriverFile, DriverSQLite:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage: dsn required for postgres")
		}
	default:
		return fmt.Errorf("storage: unknown driver %q", c.Storage.Driver)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log: unknown format %q", c.Log.Format)
	}
	return nil
}

func load(fsys afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func overlayPath(fsys afero.Fs, dir string) string {
	if env := os.Getenv(EnvInvoiceEnv); env != "" {
		path := filepath.Join(dir, fmt.Sprintf(OverlayConfigPattern, env))
		if _, err := fsys.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
