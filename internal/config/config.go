package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	apperrors "dbvault/internal/errors"
)

var canaryTablePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Config is the complete dbvault configuration
type Config struct {
	Database      DatabaseConfig     `mapstructure:"database" yaml:"database"`
	Storage       StorageConfig      `mapstructure:"storage" yaml:"storage"`
	Retention     RetentionConfig    `mapstructure:"retention" yaml:"retention"`
	Utilities     UtilitiesConfig    `mapstructure:"utilities" yaml:"utilities"`
	Restore       RestoreConfig      `mapstructure:"restore" yaml:"restore"`
	Metrics       MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
	Notifications NotificationConfig `mapstructure:"notifications" yaml:"notifications"`
	History       HistoryConfig      `mapstructure:"history" yaml:"history"`
	Logging       LoggingConfig      `mapstructure:"logging" yaml:"logging"`
}

// DatabaseConfig holds the connection parameters handed to the native
// dump/restore utilities and to the target manager.
type DatabaseConfig struct {
	Engine         string        `mapstructure:"engine" yaml:"engine"`
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port"`
	Username       string        `mapstructure:"username" yaml:"username"`
	Password       string        `mapstructure:"password" yaml:"password,omitempty"`
	Name           string        `mapstructure:"name" yaml:"name"`
	SSLMode        string        `mapstructure:"sslmode" yaml:"sslmode"`
	MaintenanceDB  string        `mapstructure:"maintenance_db" yaml:"maintenance_db"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	PasswordSource string        `mapstructure:"password_source" yaml:"password_source"`
	Vault          VaultConfig   `mapstructure:"vault" yaml:"vault"`
}

// VaultConfig locates the database password in a Vault KV mount
type VaultConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
	Token   string `mapstructure:"token" yaml:"token,omitempty"`
	Path    string `mapstructure:"path" yaml:"path"`
	Field   string `mapstructure:"field" yaml:"field"`
}

// StorageConfig defines the object store holding the catalog
type StorageConfig struct {
	Provider string      `mapstructure:"provider" yaml:"provider"`
	Prefix   string      `mapstructure:"prefix" yaml:"prefix"`
	Local    LocalConfig `mapstructure:"local" yaml:"local"`
	S3       S3Config    `mapstructure:"s3" yaml:"s3"`
	GCS      GCSConfig   `mapstructure:"gcs" yaml:"gcs"`
	Azure    AzureConfig `mapstructure:"azure" yaml:"azure"`
}

// LocalConfig for local file system storage
type LocalConfig struct {
	BasePath string `mapstructure:"base_path" yaml:"base_path"`
}

// S3Config for Amazon S3 and S3-compatible storage
type S3Config struct {
	Bucket         string `mapstructure:"bucket" yaml:"bucket"`
	Region         string `mapstructure:"region" yaml:"region"`
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKey      string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey      string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// GCSConfig for Google Cloud Storage
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	CredentialsPath string `mapstructure:"credentials_path" yaml:"credentials_path,omitempty"`
	ProjectID       string `mapstructure:"project_id" yaml:"project_id,omitempty"`
}

// AzureConfig for Azure Blob Storage
type AzureConfig struct {
	AccountName   string `mapstructure:"account_name" yaml:"account_name"`
	AccountKey    string `mapstructure:"account_key" yaml:"account_key,omitempty"`
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
}

// RetentionConfig defines the retention window
type RetentionConfig struct {
	Days          int           `mapstructure:"days" yaml:"days"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// UtilitiesConfig locates the native dump/restore binaries
type UtilitiesConfig struct {
	PgDump      string        `mapstructure:"pg_dump" yaml:"pg_dump"`
	PgRestore   string        `mapstructure:"pg_restore" yaml:"pg_restore"`
	MySQLDump   string        `mapstructure:"mysqldump" yaml:"mysqldump"`
	MySQL       string        `mapstructure:"mysql" yaml:"mysql"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	WorkDir     string        `mapstructure:"work_dir" yaml:"work_dir"`
	Compression string        `mapstructure:"compression" yaml:"compression"`
}

// RestoreConfig holds restore defaults
type RestoreConfig struct {
	Verify          bool   `mapstructure:"verify" yaml:"verify"`
	LockMode        string `mapstructure:"lock_mode" yaml:"lock_mode"`
	AllowUnverified bool   `mapstructure:"allow_unverified" yaml:"allow_unverified"`
	// CanaryTable is counted in the target after every restore when set
	CanaryTable string `mapstructure:"canary_table" yaml:"canary_table"`
}

// MetricsConfig configures the Prometheus registry and optional Pushgateway
type MetricsConfig struct {
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
	PushgatewayURL string `mapstructure:"pushgateway_url" yaml:"pushgateway_url"`
	Job            string `mapstructure:"job" yaml:"job"`
}

// NotificationConfig configures best-effort operation notifications
type NotificationConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	WebhookURL   string        `mapstructure:"webhook_url" yaml:"webhook_url"`
	SlackWebhook string        `mapstructure:"slack_webhook" yaml:"slack_webhook"`
	SlackChannel string        `mapstructure:"slack_channel" yaml:"slack_channel"`
	File         string        `mapstructure:"file" yaml:"file"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	OnlyFailures bool          `mapstructure:"only_failures" yaml:"only_failures"`
}

// HistoryConfig configures the local operation history database
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig configures the logger
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
	// AuditFile receives a JSON audit trail of catalog-changing operations
	AuditFile string `mapstructure:"audit_file" yaml:"audit_file"`
}

// Lock modes for concurrent restores against the same target
const (
	LockModeWait   = "wait"
	LockModeReject = "reject"
)

// Default returns the configuration used when nothing else is supplied
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Engine:         "postgres",
			Host:           "localhost",
			Port:           5432,
			SSLMode:        "prefer",
			MaintenanceDB:  "postgres",
			ConnectTimeout: 10 * time.Second,
			PasswordSource: "plain",
			Vault:          VaultConfig{Field: "password"},
		},
		Storage: StorageConfig{
			Provider: "local",
			Prefix:   "backups/",
			Local:    LocalConfig{BasePath: "./dbvault-data"},
		},
		Retention: RetentionConfig{
			Days:          7,
			SweepInterval: 24 * time.Hour,
		},
		Utilities: UtilitiesConfig{
			PgDump:      "pg_dump",
			PgRestore:   "pg_restore",
			MySQLDump:   "mysqldump",
			MySQL:       "mysql",
			Timeout:     time.Hour,
			Compression: "gzip",
		},
		Restore: RestoreConfig{
			Verify:   true,
			LockMode: LockModeWait,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Job:     "dbvault",
		},
		Notifications: NotificationConfig{
			Timeout: 10 * time.Second,
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "./dbvault-history.db",
		},
		Logging: LoggingConfig{
			Level:  "normal",
			Format: "text",
		},
	}
}

// SetDefaults fills zero values that depend on other settings
func (c *Config) SetDefaults() {
	if c.Database.Port == 0 {
		switch c.Database.Engine {
		case "mysql":
			c.Database.Port = 3306
		default:
			c.Database.Port = 5432
		}
	}
	if c.Database.Engine == "mysql" && c.Database.MaintenanceDB == "postgres" {
		c.Database.MaintenanceDB = ""
	}
	if c.Storage.Prefix != "" && !strings.HasSuffix(c.Storage.Prefix, "/") {
		c.Storage.Prefix += "/"
	}
	if c.Retention.Days == 0 {
		c.Retention.Days = 7
	}
	if c.Restore.LockMode == "" {
		c.Restore.LockMode = LockModeWait
	}
}

// RetentionWindow returns the retention period as a duration
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.Retention.Days) * 24 * time.Hour
}

// Validate checks the configuration and reports every problem found
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Database.Engine {
	case "postgres", "mysql":
	default:
		add("database.engine must be postgres or mysql, got %q", c.Database.Engine)
	}
	if c.Database.Host == "" {
		add("database.host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		add("database.port must be between 1 and 65535")
	}
	if c.Database.Username == "" {
		add("database.username is required")
	}
	switch c.Database.PasswordSource {
	case "", "plain":
	case "vault":
		if c.Database.Vault.Path == "" {
			add("database.vault.path is required when password_source is vault")
		}
	default:
		add("database.password_source must be plain or vault, got %q", c.Database.PasswordSource)
	}

	problems = append(problems, c.Storage.validate()...)

	if c.Retention.Days < 1 {
		add("retention.days must be at least 1")
	}
	if c.Retention.SweepInterval < 0 {
		add("retention.sweep_interval must not be negative")
	}
	if c.Utilities.Timeout <= 0 {
		add("utilities.timeout must be positive")
	}
	switch c.Utilities.Compression {
	case "gzip", "zstd", "lz4":
	default:
		add("utilities.compression must be gzip, zstd or lz4, got %q", c.Utilities.Compression)
	}
	if c.Restore.CanaryTable != "" && !canaryTablePattern.MatchString(c.Restore.CanaryTable) {
		add("restore.canary_table must be a plain table name, got %q", c.Restore.CanaryTable)
	}
	switch c.Restore.LockMode {
	case LockModeWait, LockModeReject:
	default:
		add("restore.lock_mode must be wait or reject, got %q", c.Restore.LockMode)
	}
	if c.Metrics.PushgatewayURL != "" {
		if _, err := url.ParseRequestURI(c.Metrics.PushgatewayURL); err != nil {
			add("metrics.pushgateway_url is not a valid URL")
		}
	}
	if c.History.Enabled && c.History.Path == "" {
		add("history.path is required when history is enabled")
	}

	if len(problems) > 0 {
		return apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
			"invalid configuration: "+strings.Join(problems, "; "), nil).
			WithContext("problems", problems)
	}
	return nil
}

func (sc *StorageConfig) validate() []string {
	var problems []string
	switch sc.Provider {
	case "local":
		if sc.Local.BasePath == "" {
			problems = append(problems, "storage.local.base_path is required for the local provider")
		}
	case "s3":
		if sc.S3.Bucket == "" {
			problems = append(problems, "storage.s3.bucket is required for the s3 provider")
		}
		if sc.S3.Region == "" {
			problems = append(problems, "storage.s3.region is required for the s3 provider")
		}
		if (sc.S3.AccessKey == "") != (sc.S3.SecretKey == "") {
			problems = append(problems, "storage.s3.access_key and secret_key must be set together")
		}
	case "gcs":
		if sc.GCS.Bucket == "" {
			problems = append(problems, "storage.gcs.bucket is required for the gcs provider")
		}
	case "azure":
		if sc.Azure.AccountName == "" || sc.Azure.AccountKey == "" {
			problems = append(problems, "storage.azure.account_name and account_key are required for the azure provider")
		}
		if sc.Azure.ContainerName == "" {
			problems = append(problems, "storage.azure.container_name is required for the azure provider")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.provider must be local, s3, gcs or azure, got %q", sc.Provider))
	}
	return problems
}

const redacted = "********"

// Redacted returns a copy of c with credentials masked, for display
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&out.Database.Password)
	mask(&out.Database.Vault.Token)
	mask(&out.Storage.S3.AccessKey)
	mask(&out.Storage.S3.SecretKey)
	mask(&out.Storage.Azure.AccountKey)
	mask(&out.Notifications.SlackWebhook)
	return &out
}
