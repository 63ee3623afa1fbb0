package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	invoice "github.com/rohithsiddi/invoice-processing-agent"
	"github.com/rohithsiddi/invoice-processing-agent/match"
	"github.com/rohithsiddi/invoice-processing-agent/retry"
)

const baseConfig = `
[matching]
threshold = 0.9

[matching.weights]
vendor = 0.5
amount = 0.3
items = 0.2

[approval]
auto_approve_rule = "invoice.total < 5000"

[review]
reviewers = ["alice", "bob"]

[retry.post]
max_retries = 5
base_delay = "500ms"

[storage]
driver = "sqlite"
dir = "/var/invoice"

[catalog]
path = "/etc/invoice/catalog.yaml"
`

const prodOverlay = `
[storage]
driver = "postgres"
dsn = "postgres://invoice@db/invoice"

[retry.post]
exponential = false

[log]
format = "json"
level = "warn"
`

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvInvoiceEnv, "")
	cfg, err := Load(afero.NewMemMapFs(), "/etc/invoice")
	require.NoError(t, err)

	assert.Equal(t, match.DefaultConfig(), cfg.Matching)
	assert.Equal(t, invoice.DefaultReviewURLBase, cfg.Review.ReviewURLBase)
	assert.Equal(t, DriverFile, cfg.Storage.Driver)
	assert.Equal(t, "data", cfg.Storage.Dir)
	assert.Equal(t, "data/uploads", cfg.Storage.UploadDir)
	assert.Equal(t, 1_000_000.0, cfg.Approval.MaxAmount)
	assert.Equal(t, 730, cfg.Approval.MaxAgeDays)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel())
	assert.Equal(t, "local", cfg.Env())
}

func TestLoadBaseAndOverlay(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/invoice/invoice.toml", []byte(baseConfig), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/etc/invoice/invoice.prod.toml", []byte(prodOverlay), 0o644))

	t.Run("base only", func(t *testing.T) {
		t.Setenv(EnvInvoiceEnv, "")
		cfg, err := Load(fs, "/etc/invoice")
		require.NoError(t, err)
		assert.Equal(t, 0.9, cfg.Matching.Threshold)
		assert.Equal(t, match.DefaultTolerancePct, cfg.Matching.TolerancePct)
		assert.Equal(t, 0.5, cfg.Matching.Weights.Vendor)
		assert.Equal(t, "invoice.total < 5000", cfg.Approval.AutoApproveRule)
		assert.Equal(t, []string{"alice", "bob"}, cfg.Review.Reviewers)
		assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
		assert.Equal(t, "/var/invoice/uploads", cfg.Storage.UploadDir)
		assert.Equal(t, "/etc/invoice/catalog.yaml", cfg.Catalog.Path)
	})

	t.Run("prod overlay", func(t *testing.T) {
		t.Setenv(EnvInvoiceEnv, "prod")
		cfg, err := Load(fs, "/etc/invoice")
		require.NoError(t, err)
		assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
		assert.Equal(t, "postgres://invoice@db/invoice", cfg.Storage.DSN)
		assert.Equal(t, "/var/invoice", cfg.Storage.Dir)
		assert.Equal(t, 0.9, cfg.Matching.Threshold)
		assert.Equal(t, "json", cfg.Log.Format)
		assert.Equal(t, slog.LevelWarn, cfg.LogLevel())

		policies := cfg.RetryPolicies(nil)
		assert.Equal(t, retry.Policy{MaxRetries: 5, BaseDelay: 500 * time.Millisecond, Exponential: false}, policies["POST"])
	})

	t.Run("missing overlay is ignored", func(t *testing.T) {
		t.Setenv(EnvInvoiceEnv, "staging")
		cfg, err := Load(fs, "/etc/invoice")
		require.NoError(t, err)
		assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
		assert.Equal(t, "staging", cfg.Env())
	})
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvInvoiceEnv, "")
	t.Setenv(EnvStorageDriver, DriverMemory)
	t.Setenv(EnvMatchThreshold, "0.7")
	t.Setenv(EnvReviewers, "carol, dave ,")
	t.Setenv(EnvRecipients, "ap@example.com")
	t.Setenv(EnvAutoApproveRule, "true")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load(afero.NewMemMapFs(), ".")
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, 0.7, cfg.Matching.Threshold)
	assert.Equal(t, []string{"carol", "dave"}, cfg.Review.Reviewers)
	assert.Equal(t, []string{"ap@example.com"}, cfg.Review.Recipients)
	assert.Equal(t, "true", cfg.Approval.AutoApproveRule)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel())
}

func TestRetryPolicies(t *testing.T) {
	cfg, err := Parse([]byte(`
[retry.extract]
max_retries = 0

[retry.notify]
base_delay = "10ms"
`))
	require.NoError(t, err)

	defaults := map[string]retry.Policy{
		"EXTRACT": {MaxRetries: 2, BaseDelay: time.Second, Exponential: true},
	}
	policies := cfg.RetryPolicies(defaults)
	assert.Equal(t, retry.Policy{MaxRetries: 0, BaseDelay: time.Second, Exponential: true}, policies["EXTRACT"])
	assert.Equal(t, retry.Policy{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, Exponential: true}, policies["NOTIFY"])
	assert.NotContains(t, policies, "POST")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"unknown driver", "[storage]\ndriver = \"mongo\"", "unknown driver"},
		{"postgres without dsn", "[storage]\ndriver = \"postgres\"", "dsn required"},
		{"threshold out of range", "[matching]\nthreshold = 1.5", "between 0 and 1"},
		{"negative retries", "[retry.post]\nmax_retries = -1", "max_retries must not be negative"},
		{"bad delay", "[retry.post]\nbase_delay = \"soon\"", "invalid base_delay"},
		{"bad log format", "[log]\nformat = \"xml\"", "unknown format"},
		{"invalid toml", "[storage", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			require.ErrorContains(t, err, tt.want)
		})
	}
}
