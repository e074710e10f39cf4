package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "dbvault/internal/errors"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Database.Username = "backup"
	cfg.Database.Name = "orders"
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 7, cfg.Retention.Days)
	assert.Equal(t, "backups/", cfg.Storage.Prefix)
	assert.True(t, cfg.Restore.Verify)
	assert.False(t, cfg.Restore.AllowUnverified)
	assert.Equal(t, LockModeWait, cfg.Restore.LockMode)
	assert.Empty(t, cfg.Restore.CanaryTable)
	assert.Equal(t, 7*24*time.Hour, cfg.RetentionWindow())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad engine", mutate: func(c *Config) { c.Database.Engine = "oracle" }, wantErr: "database.engine"},
		{name: "missing user", mutate: func(c *Config) { c.Database.Username = "" }, wantErr: "database.username"},
		{name: "bad port", mutate: func(c *Config) { c.Database.Port = 70000 }, wantErr: "database.port"},
		{name: "vault without path", mutate: func(c *Config) { c.Database.PasswordSource = "vault" }, wantErr: "database.vault.path"},
		{name: "s3 without bucket", mutate: func(c *Config) { c.Storage.Provider = "s3"; c.Storage.S3.Region = "eu-west-1" }, wantErr: "storage.s3.bucket"},
		{name: "s3 half credentials", mutate: func(c *Config) {
			c.Storage.Provider = "s3"
			c.Storage.S3 = S3Config{Bucket: "b", Region: "r", AccessKey: "a"}
		}, wantErr: "must be set together"},
		{name: "azure incomplete", mutate: func(c *Config) { c.Storage.Provider = "azure" }, wantErr: "storage.azure"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Storage.Provider = "gcs" }, wantErr: "storage.gcs.bucket"},
		{name: "unknown provider", mutate: func(c *Config) { c.Storage.Provider = "ftp" }, wantErr: "storage.provider"},
		{name: "zero retention", mutate: func(c *Config) { c.Retention.Days = 0 }, wantErr: "retention.days"},
		{name: "bad lock mode", mutate: func(c *Config) { c.Restore.LockMode = "spin" }, wantErr: "restore.lock_mode"},
		{name: "canary table", mutate: func(c *Config) { c.Restore.CanaryTable = "orders" }},
		{name: "qualified canary table", mutate: func(c *Config) { c.Restore.CanaryTable = "public.orders" }, wantErr: "restore.canary_table"},
		{name: "bad compression", mutate: func(c *Config) { c.Utilities.Compression = "bzip2" }, wantErr: "utilities.compression"},
		{name: "no timeout", mutate: func(c *Config) { c.Utilities.Timeout = 0 }, wantErr: "utilities.timeout"},
		{name: "bad pushgateway", mutate: func(c *Config) { c.Metrics.PushgatewayURL = "::nope" }, wantErr: "pushgateway_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, apperrors.ErrorTypeConfiguration, apperrors.GetErrorType(err))
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Username = ""
	cfg.Retention.Days = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.username")
	assert.Contains(t, err.Error(), "retention.days")
}

func TestSetDefaults(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{Engine: "mysql", MaintenanceDB: "postgres"}, Storage: StorageConfig{Prefix: "nightly"}}
	cfg.SetDefaults()

	assert.Equal(t, 3306, cfg.Database.Port)
	assert.Empty(t, cfg.Database.MaintenanceDB)
	assert.Equal(t, "nightly/", cfg.Storage.Prefix)
	assert.Equal(t, 7, cfg.Retention.Days)
	assert.Equal(t, LockModeWait, cfg.Restore.LockMode)
}

func TestLoaderLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dbvault.yaml")
	content := `
database:
  engine: mysql
  host: db.internal
  port: 3307
  username: backup
  name: shop
storage:
  provider: s3
  prefix: nightly
  s3:
    bucket: shop-backups
    region: eu-central-1
retention:
  days: 14
  sweep_interval: 6h
utilities:
  timeout: 30m
  compression: zstd
restore:
  lock_mode: reject
  canary_table: orders
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := NewLoader().Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.Database.Engine)
	assert.Equal(t, 3307, cfg.Database.Port)
	assert.Equal(t, "shop-backups", cfg.Storage.S3.Bucket)
	assert.Equal(t, "nightly/", cfg.Storage.Prefix)
	assert.Equal(t, 14, cfg.Retention.Days)
	assert.Equal(t, 6*time.Hour, cfg.Retention.SweepInterval)
	assert.Equal(t, 30*time.Minute, cfg.Utilities.Timeout)
	assert.Equal(t, "zstd", cfg.Utilities.Compression)
	assert.Equal(t, LockModeReject, cfg.Restore.LockMode)
	assert.Equal(t, "orders", cfg.Restore.CanaryTable)
	assert.True(t, cfg.Restore.Verify, "unspecified keys keep their defaults")
}

func TestLoaderEnvironmentOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dbvault.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  username: backup\n"), 0600))

	t.Setenv("DBVAULT_DATABASE_PASSWORD", "from-env")
	t.Setenv("DBVAULT_RETENTION_DAYS", "30")

	cfg, err := NewLoader().Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Database.Password)
	assert.Equal(t, 30, cfg.Retention.Days)
}

func TestLoaderFlagOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dbvault.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  username: backup\nretention:\n  days: 3\n"), 0600))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("retention-days", 0, "")
	require.NoError(t, flags.Parse([]string{"--retention-days", "9"}))

	loader := NewLoader()
	require.NoError(t, loader.BindFlag("retention.days", flags.Lookup("retention-days")))
	assert.Error(t, loader.BindFlag("retention.days", flags.Lookup("missing")))

	cfg, err := loader.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Retention.Days)
	assert.Equal(t, path, loader.ConfigFileUsed())
}

func TestLoaderMissingExplicitFile(t *testing.T) {
	_, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoaderInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dbvault.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  engine: sqlite\n  username: x\n"), 0600))

	_, err := NewLoader().Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.engine")
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "dbvault.yaml")

	require.NoError(t, WriteDefault(path, false))
	assert.Error(t, WriteDefault(path, false), "existing file must not be overwritten")
	require.NoError(t, WriteDefault(path, true))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "DBVAULT_")
	assert.Contains(t, string(data), "timeout: 1h0m0s")

	t.Setenv("DBVAULT_DATABASE_USERNAME", "backup")
	cfg, err := NewLoader().Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.Utilities.Timeout)
	assert.Equal(t, 24*time.Hour, cfg.Retention.SweepInterval)
	assert.Equal(t, 7, cfg.Retention.Days)
}

func TestRedacted(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Password = "hunter2"
	cfg.Storage.S3.SecretKey = "s3-secret"
	cfg.Storage.Azure.AccountKey = ""

	out := cfg.Redacted()
	assert.Equal(t, "********", out.Database.Password)
	assert.Equal(t, "********", out.Storage.S3.SecretKey)
	assert.Empty(t, out.Storage.Azure.AccountKey)
	assert.Equal(t, "hunter2", cfg.Database.Password, "original must be unchanged")
}
