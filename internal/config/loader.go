package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable override,
// e.g. DBVAULT_DATABASE_PASSWORD.
const EnvPrefix = "DBVAULT"

// Loader handles loading configuration from file, environment and flags
type Loader struct {
	viper *viper.Viper
}

// NewLoader creates a new configuration loader with defaults registered
func NewLoader() *Loader {
	v := viper.New()
	setDefaults(v)
	return &Loader{viper: v}
}

// BindFlag binds a command line flag to a configuration key
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("flag for %s is not defined", key)
	}
	return l.viper.BindPFlag(key, flag)
}

// Load reads configuration from configFile (or the default search path),
// applies environment overrides, fills defaults and validates the result.
func (l *Loader) Load(configFile string) (*Config, error) {
	if configFile != "" {
		l.viper.SetConfigFile(configFile)
	} else {
		l.viper.SetConfigName("dbvault")
		l.viper.SetConfigType("yaml")
		l.viper.AddConfigPath(".")
		l.viper.AddConfigPath("$HOME/.config/dbvault")
		l.viper.AddConfigPath("/etc/dbvault")
	}

	l.viper.SetEnvPrefix(EnvPrefix)
	l.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.viper.AutomaticEnv()

	if err := l.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := l.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ConfigFileUsed returns the path of the config file that was read
func (l *Loader) ConfigFileUsed() string {
	return l.viper.ConfigFileUsed()
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("database.engine", d.Database.Engine)
	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.username", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "")
	v.SetDefault("database.sslmode", d.Database.SSLMode)
	v.SetDefault("database.maintenance_db", d.Database.MaintenanceDB)
	v.SetDefault("database.connect_timeout", d.Database.ConnectTimeout.String())
	v.SetDefault("database.password_source", d.Database.PasswordSource)
	v.SetDefault("database.vault.address", "")
	v.SetDefault("database.vault.token", "")
	v.SetDefault("database.vault.path", "")
	v.SetDefault("database.vault.field", d.Database.Vault.Field)

	v.SetDefault("storage.provider", d.Storage.Provider)
	v.SetDefault("storage.prefix", d.Storage.Prefix)
	v.SetDefault("storage.local.base_path", d.Storage.Local.BasePath)
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.force_path_style", false)
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.credentials_path", "")
	v.SetDefault("storage.gcs.project_id", "")
	v.SetDefault("storage.azure.account_name", "")
	v.SetDefault("storage.azure.account_key", "")
	v.SetDefault("storage.azure.container_name", "")

	v.SetDefault("retention.days", d.Retention.Days)
	v.SetDefault("retention.sweep_interval", d.Retention.SweepInterval.String())

	v.SetDefault("utilities.pg_dump", d.Utilities.PgDump)
	v.SetDefault("utilities.pg_restore", d.Utilities.PgRestore)
	v.SetDefault("utilities.mysqldump", d.Utilities.MySQLDump)
	v.SetDefault("utilities.mysql", d.Utilities.MySQL)
	v.SetDefault("utilities.timeout", d.Utilities.Timeout.String())
	v.SetDefault("utilities.work_dir", "")
	v.SetDefault("utilities.compression", d.Utilities.Compression)

	v.SetDefault("restore.verify", d.Restore.Verify)
	v.SetDefault("restore.lock_mode", d.Restore.LockMode)
	v.SetDefault("restore.allow_unverified", d.Restore.AllowUnverified)
	v.SetDefault("restore.canary_table", "")

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", d.Metrics.Job)

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.webhook_url", "")
	v.SetDefault("notifications.slack_webhook", "")
	v.SetDefault("notifications.slack_channel", "")
	v.SetDefault("notifications.file", "")
	v.SetDefault("notifications.timeout", d.Notifications.Timeout.String())
	v.SetDefault("notifications.only_failures", false)

	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.path", d.History.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.audit_file", "")
}
