package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. INVENTORY_BACKUP_DATABASE_HOST
const EnvPrefix = "INVENTORY_BACKUP"

// ConfigName is the base name searched for when no file is given
const ConfigName = "inventory-backup"

// Loader reads the configuration from a yaml file, the environment and bound flags
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader over v. A nil v uses a fresh viper instance.
func NewLoader(v *viper.Viper) *Loader {
	if v == nil {
		v = viper.New()
	}
	return &Loader{v: v}
}

// Viper exposes the underlying instance so commands can bind flags
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load resolves the configuration. An empty configFile searches the working
// directory, $HOME/.config/inventory-backup and $HOME; a missing file is fine.
func (l *Loader) Load(configFile string) (*Config, error) {
	l.setup(configFile)

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UsedConfigFile returns the file the configuration was read from, if any
func (l *Loader) UsedConfigFile() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) setup(configFile string) {
	if configFile != "" {
		l.v.SetConfigFile(configFile)
	} else {
		l.v.SetConfigName(ConfigName)
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("$HOME/.config/inventory-backup")
		l.v.AddConfigPath("$HOME")
	}

	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	setDefaults(l.v)
}

// setDefaults registers every key so AutomaticEnv can override it
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.username", d.Database.Username)
	v.SetDefault("database.password", d.Database.Password)
	v.SetDefault("database.database", d.Database.Database)
	v.SetDefault("database.timeout", d.Database.Timeout)

	v.SetDefault("storage.root", d.Storage.Root)
	v.SetDefault("storage.permissions", d.Storage.Permissions)

	v.SetDefault("retention.daily", d.Retention.Daily)
	v.SetDefault("retention.weekly", d.Retention.Weekly)
	v.SetDefault("retention.monthly", d.Retention.Monthly)
	v.SetDefault("retention.manual", d.Retention.Manual)
	v.SetDefault("retention.weekly_day", d.Retention.WeeklyDay)

	v.SetDefault("backup.schedule", d.Backup.Schedule)
	v.SetDefault("backup.timezone", d.Backup.Timezone)
	v.SetDefault("backup.lock_mode", d.Backup.LockMode)
	v.SetDefault("backup.timeout", d.Backup.Timeout)
	v.SetDefault("backup.restore_timeout", d.Backup.RestoreTimeout)
	v.SetDefault("backup.compression", d.Backup.Compression)
	v.SetDefault("backup.compression_level", d.Backup.CompressionLevel)
	v.SetDefault("backup.entities", d.Backup.Entities)
	v.SetDefault("backup.assets_dir", d.Backup.AssetsDir)
	v.SetDefault("backup.assets_name", d.Backup.AssetsName)
	v.SetDefault("backup.required_fields", d.Backup.RequiredFields)
	v.SetDefault("backup.batch_size", d.Backup.BatchSize)
	v.SetDefault("backup.disable_foreign_key_checks", d.Backup.DisableForeignKeyChecks)
	v.SetDefault("backup.audit_log_file", d.Backup.AuditLogFile)

	v.SetDefault("dump.dump_command", d.Dump.DumpCommand)
	v.SetDefault("dump.client_command", d.Dump.ClientCommand)
	v.SetDefault("dump.extra_args", d.Dump.ExtraArgs)

	v.SetDefault("offsite.provider", string(d.Offsite.Provider))
	v.SetDefault("offsite.prefix", d.Offsite.Prefix)
	v.SetDefault("offsite.s3.bucket", "")
	v.SetDefault("offsite.s3.region", "")
	v.SetDefault("offsite.s3.access_key", "")
	v.SetDefault("offsite.s3.secret_key", "")
	v.SetDefault("offsite.s3.endpoint", "")
	v.SetDefault("offsite.s3.force_path_style", false)
	v.SetDefault("offsite.gcs.bucket", "")
	v.SetDefault("offsite.gcs.credentials_path", "")
	v.SetDefault("offsite.gcs.endpoint", "")
	v.SetDefault("offsite.azure.account_name", "")
	v.SetDefault("offsite.azure.account_key", "")
	v.SetDefault("offsite.azure.container_name", "")
	v.SetDefault("offsite.azure.endpoint", "")

	v.SetDefault("server.address", d.Server.Address)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.enable_scheduler", d.Server.EnableScheduler)
	v.SetDefault("server.enable_metrics", d.Server.EnableMetrics)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
}
