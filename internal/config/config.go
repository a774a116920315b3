package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"inventory-backup/internal/backup"
	"inventory-backup/internal/database"
	"inventory-backup/internal/logging"
	"inventory-backup/internal/offsite"
)

// Config is the complete application configuration
type Config struct {
	Database  database.DatabaseConfig `mapstructure:"database" yaml:"database"`
	Storage   StorageConfig           `mapstructure:"storage" yaml:"storage"`
	Retention RetentionConfig         `mapstructure:"retention" yaml:"retention"`
	Backup    BackupConfig            `mapstructure:"backup" yaml:"backup"`
	Dump      backup.DumpOptions      `mapstructure:"dump" yaml:"dump"`
	Offsite   offsite.Config          `mapstructure:"offsite" yaml:"offsite"`
	Server    ServerConfig            `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig           `mapstructure:"logging" yaml:"logging"`
}

// StorageConfig locates the snapshot store
type StorageConfig struct {
	Root        string `mapstructure:"root" yaml:"root"`
	Permissions string `mapstructure:"permissions" yaml:"permissions"`
}

// RetentionConfig is the per-tier snapshot count
type RetentionConfig struct {
	Daily   int `mapstructure:"daily" yaml:"daily"`
	Weekly  int `mapstructure:"weekly" yaml:"weekly"`
	Monthly int `mapstructure:"monthly" yaml:"monthly"`
	// Manual caps ad-hoc snapshots per source; 0 keeps all of them
	Manual    int    `mapstructure:"manual" yaml:"manual"`
	WeeklyDay string `mapstructure:"weekly_day" yaml:"weekly_day"`
}

// BackupConfig tunes backup and restore runs
type BackupConfig struct {
	Schedule         string        `mapstructure:"schedule" yaml:"schedule"`
	Timezone         string        `mapstructure:"timezone" yaml:"timezone"`
	LockMode         string        `mapstructure:"lock_mode" yaml:"lock_mode"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RestoreTimeout   time.Duration `mapstructure:"restore_timeout" yaml:"restore_timeout"`
	Compression      string        `mapstructure:"compression" yaml:"compression"`
	CompressionLevel int           `mapstructure:"compression_level" yaml:"compression_level"`
	// Entities are snapshotted on every scheduled run
	Entities []string `mapstructure:"entities" yaml:"entities"`
	// AssetsDir is archived next to the database dump when set
	AssetsDir      string   `mapstructure:"assets_dir" yaml:"assets_dir"`
	AssetsName     string   `mapstructure:"assets_name" yaml:"assets_name"`
	RequiredFields []string `mapstructure:"required_fields" yaml:"required_fields"`
	BatchSize      int      `mapstructure:"batch_size" yaml:"batch_size"`
	// DisableForeignKeyChecks lets a restore clear tables referenced by others
	DisableForeignKeyChecks bool   `mapstructure:"disable_foreign_key_checks" yaml:"disable_foreign_key_checks"`
	AuditLogFile            string `mapstructure:"audit_log_file" yaml:"audit_log_file"`
}

// ServerConfig configures the REST surface
type ServerConfig struct {
	Address         string        `mapstructure:"address" yaml:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	EnableScheduler bool          `mapstructure:"enable_scheduler" yaml:"enable_scheduler"`
	EnableMetrics   bool          `mapstructure:"enable_metrics" yaml:"enable_metrics"`
}

// LoggingConfig configures the operational log
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// Default returns a configuration with every default filled in
func Default() *Config {
	cfg := &Config{Server: ServerConfig{EnableScheduler: true, EnableMetrics: true}}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills in unset values
func (c *Config) SetDefaults() {
	c.Database.SetDefaults()
	c.Dump.SetDefaults()
	c.Offsite.SetDefaults()

	if c.Storage.Root == "" {
		c.Storage.Root = "./backups"
	}
	if c.Storage.Permissions == "" {
		c.Storage.Permissions = "0755"
	}

	policy := backup.DefaultRetentionPolicy()
	if c.Retention.Daily == 0 {
		c.Retention.Daily = policy.Daily
	}
	if c.Retention.Weekly == 0 {
		c.Retention.Weekly = policy.Weekly
	}
	if c.Retention.Monthly == 0 {
		c.Retention.Monthly = policy.Monthly
	}
	if c.Retention.WeeklyDay == "" {
		c.Retention.WeeklyDay = "sunday"
	}

	if c.Backup.Schedule == "" {
		c.Backup.Schedule = backup.DefaultSchedule
	}
	if c.Backup.Timezone == "" {
		c.Backup.Timezone = "Local"
	}
	if c.Backup.LockMode == "" {
		c.Backup.LockMode = string(backup.LockModeReject)
	}
	if c.Backup.Compression == "" {
		c.Backup.Compression = string(backup.CompressionTypeZstd)
	}
	if c.Backup.AssetsName == "" {
		c.Backup.AssetsName = "assets"
	}
	if len(c.Backup.RequiredFields) == 0 {
		c.Backup.RequiredFields = []string{"id"}
	}
	if c.Backup.BatchSize == 0 {
		c.Backup.BatchSize = 500
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Minute
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = string(logging.LogLevelNormal)
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the whole configuration and reports every problem at once.
// The database section is only checked when a host is configured, so
// store-only commands such as list work without database credentials.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseConfigured() {
		if err := c.Database.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.Storage.Root) == "" {
		errs = append(errs, errors.New("storage.root is required"))
	}
	if _, err := c.Permissions(); err != nil {
		errs = append(errs, err)
	}

	if err := c.RetentionPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retention: %w", err))
	}
	if _, err := ParseWeekday(c.Retention.WeeklyDay); err != nil {
		errs = append(errs, fmt.Errorf("retention.weekly_day: %w", err))
	}

	if _, err := backup.ParseSchedule(c.Backup.Schedule); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	switch backup.LockMode(c.Backup.LockMode) {
	case backup.LockModeReject, backup.LockModeBlock:
	default:
		errs = append(errs, fmt.Errorf("backup.lock_mode must be %q or %q, got %q", backup.LockModeReject, backup.LockModeBlock, c.Backup.LockMode))
	}
	if _, err := backup.ParseCompressionType(c.Backup.Compression); err != nil {
		errs = append(errs, fmt.Errorf("backup.compression: %w", err))
	}
	if c.Backup.CompressionLevel < 0 || c.Backup.CompressionLevel > 12 {
		errs = append(errs, fmt.Errorf("backup.compression_level must be between 0 and 12, got %d", c.Backup.CompressionLevel))
	}
	if c.Backup.Timeout < 0 || c.Backup.RestoreTimeout < 0 {
		errs = append(errs, errors.New("backup timeouts cannot be negative"))
	}
	for _, entity := range c.Backup.Entities {
		if err := database.ValidateIdentifier(entity); err != nil {
			errs = append(errs, fmt.Errorf("backup.entities: %w", err))
		}
	}
	for _, field := range c.Backup.RequiredFields {
		if err := database.ValidateIdentifier(field); err != nil {
			errs = append(errs, fmt.Errorf("backup.required_fields: %w", err))
		}
	}
	if err := backup.ValidateLabel(c.Backup.AssetsName); err != nil {
		errs = append(errs, fmt.Errorf("backup.assets_name: %w", err))
	}
	if len(c.Backup.Entities) > 0 && !c.DatabaseConfigured() {
		errs = append(errs, errors.New("backup.entities needs a configured database"))
	}

	if err := c.Offsite.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	switch logging.LogLevel(c.Logging.Level) {
	case logging.LogLevelQuiet, logging.LogLevelNormal, logging.LogLevelVerbose, logging.LogLevelDebug:
	default:
		errs = append(errs, fmt.Errorf("logging.level must be quiet, normal, verbose or debug, got %q", c.Logging.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// DatabaseConfigured reports whether a database connection is configured
func (c *Config) DatabaseConfigured() bool {
	return c.Database.Host != ""
}

// RetentionPolicy converts the retention section
func (c *Config) RetentionPolicy() backup.RetentionPolicy {
	return backup.RetentionPolicy{
		Daily:   c.Retention.Daily,
		Weekly:  c.Retention.Weekly,
		Monthly: c.Retention.Monthly,
		Manual:  c.Retention.Manual,
	}
}

// Classifier builds the tier classifier for the configured weekly day
func (c *Config) Classifier() (backup.Classifier, error) {
	day, err := ParseWeekday(c.Retention.WeeklyDay)
	if err != nil {
		return backup.Classifier{}, err
	}
	return backup.NewClassifier(day), nil
}

// Location resolves the timezone used for scheduling and tier classification
func (c *Config) Location() (*time.Location, error) {
	switch c.Backup.Timezone {
	case "", "Local", "local":
		return time.Local, nil
	}
	location, err := time.LoadLocation(c.Backup.Timezone)
	if err != nil {
		return nil, fmt.Errorf("backup.timezone: %w", err)
	}
	return location, nil
}

// Permissions parses the octal storage permissions
func (c *Config) Permissions() (os.FileMode, error) {
	mode, err := strconv.ParseUint(c.Storage.Permissions, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("storage.permissions: invalid octal mode %q", c.Storage.Permissions)
	}
	if mode == 0 || mode > 0777 {
		return 0, fmt.Errorf("storage.permissions: mode %q out of range", c.Storage.Permissions)
	}
	return os.FileMode(mode), nil
}

// DatabaseName identifies full dump sources
func (c *Config) DatabaseName() string {
	if c.Database.Database != "" {
		return c.Database.Database
	}
	return "database"
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseWeekday accepts full or three letter English day names
func ParseWeekday(s string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if day, ok := weekdays[name]; ok {
		return day, nil
	}
	if len(name) == 3 {
		for full, day := range weekdays {
			if strings.HasPrefix(full, name) {
				return day, nil
			}
		}
	}
	return time.Sunday, fmt.Errorf("unknown weekday %q", s)
}
