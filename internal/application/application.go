// Package application assembles the backup engine from configuration.
package application

import (
	"context"
	"database/sql"
	"os"
	"time"

	"inventory-backup/internal/backup"
	"inventory-backup/internal/config"
	"inventory-backup/internal/database"
	appErrors "inventory-backup/internal/errors"
	"inventory-backup/internal/logging"
	"inventory-backup/internal/offsite"

	"github.com/juju/clock"
)

// Options overrides collaborators, mainly for tests
type Options struct {
	// Logger replaces the logger built from the logging section
	Logger *logging.Logger
	// DB is used instead of opening a connection from the database section
	DB *sql.DB
	// Runner replaces the process runner used by the dumper
	Runner backup.ProcessRunner
	// Mirror replaces the mirror built from the offsite section
	Mirror backup.Mirror
	Clock  clock.Clock
}

// Application owns every long-lived component of the engine
type Application struct {
	Config *config.Config

	Logger       *logging.Logger
	BackupLogger *backup.BackupLogger
	Metrics      *backup.Metrics

	Store       *backup.FileStore
	Records     database.Store
	Dumper      backup.Dumper
	Mirror      backup.Mirror
	Enforcer    *backup.Enforcer
	Executor    *backup.Executor
	Engine      *backup.Engine
	Coordinator *backup.Coordinator

	db              *sql.DB
	ownsDB          bool
	dbService       *database.Service
	shutdownHandler *appErrors.GracefulShutdownHandler
}

// NewLogger builds the operational logger from the logging section
func NewLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	return logging.NewLogger(logging.Config{
		Level:   logging.ParseLevel(cfg.Level),
		Output:  os.Stderr,
		Format:  cfg.Format,
		LogFile: cfg.File,
	})
}

// New validates cfg and wires the engine. The database is only connected
// when one is configured.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, backup.NewConfigurationError("invalid configuration", err)
	}

	logger := opts.Logger
	if logger == nil {
		var err error
		if logger, err = NewLogger(cfg.Logging); err != nil {
			return nil, backup.NewConfigurationError("failed to create logger", err)
		}
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}

	app := &Application{
		Config:          cfg,
		Logger:          logger,
		Metrics:         backup.NewMetrics(),
		dbService:       database.NewServiceWithLogger(logger),
		shutdownHandler: appErrors.NewGracefulShutdownHandler(),
	}

	if err := app.wire(ctx, opts); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (app *Application) wire(ctx context.Context, opts Options) error {
	cfg := app.Config

	bl, err := backup.NewBackupLogger(backup.BackupLoggerConfig{
		Logger:         app.Logger,
		AuditLogFile:   cfg.Backup.AuditLogFile,
		EnableAuditLog: cfg.Backup.AuditLogFile != "",
	})
	if err != nil {
		return backup.NewConfigurationError("failed to open audit log", err)
	}
	app.BackupLogger = bl

	permissions, _ := cfg.Permissions()
	app.Store, err = backup.NewFileStore(cfg.Storage.Root, backup.FileStoreOptions{
		DatabaseFingerprint: cfg.DatabaseName(),
		AssetsFingerprint:   cfg.Backup.AssetsName,
		Permissions:         permissions,
	}, app.Logger)
	if err != nil {
		return err
	}
	// leftovers of runs interrupted by a crash
	if swept, err := app.Store.SweepTemp(); err != nil {
		app.Logger.WithField("error", err.Error()).Warn("Failed to sweep temporary snapshot files")
	} else if swept > 0 {
		app.Logger.WithField("files", swept).Info("Removed temporary files of interrupted backups")
	}

	if err := app.connect(ctx, opts); err != nil {
		return err
	}

	app.Mirror = opts.Mirror
	if app.Mirror == nil {
		if app.Mirror, err = offsite.New(ctx, cfg.Offsite, app.Logger); err != nil {
			return err
		}
	}

	app.Enforcer = backup.NewEnforcer(app.Store, cfg.RetentionPolicy(), app.Logger)
	app.Enforcer.SetMetrics(app.Metrics)

	classifier, _ := cfg.Classifier()
	location, _ := cfg.Location()
	compression, _ := backup.ParseCompressionType(cfg.Backup.Compression)
	assetsDir := cfg.Backup.AssetsDir

	locks := backup.NewEntityLocks()
	var readRecords database.Store
	if app.Records != nil {
		readRecords = backup.WithEntityLocks(app.Records, locks)
	}

	app.Executor, err = backup.NewExecutor(backup.ExecutorConfig{
		Store:      app.Store,
		Records:    readRecords,
		Dumper:     app.Dumper,
		Classifier: classifier,
		Enforcer:   app.Enforcer,
		Mirror:     app.Mirror,
		Metrics:    app.Metrics,
		Clock:      opts.Clock,
		Logger:     bl,
		Options: backup.ExecutorOptions{
			LockMode:         backup.LockMode(cfg.Backup.LockMode),
			Timeout:          cfg.Backup.Timeout,
			Compression:      compression,
			CompressionLevel: cfg.Backup.CompressionLevel,
			DatabaseName:     cfg.DatabaseName(),
			AssetsDir:        assetsDir,
			AssetsName:       cfg.Backup.AssetsName,
			Location:         location,
		},
	})
	if err != nil {
		return err
	}

	app.Engine, err = backup.NewEngine(backup.EngineConfig{
		Store:   app.Store,
		Records: app.Records,
		Dumper:  app.Dumper,
		Locks:   locks,
		Metrics: app.Metrics,
		Clock:   opts.Clock,
		Logger:  bl,
		Options: backup.RestoreOptions{
			RequiredFields: cfg.Backup.RequiredFields,
			AssetsDir:      assetsDir,
			Timeout:        cfg.Backup.RestoreTimeout,
		},
	})
	if err != nil {
		return err
	}

	app.Coordinator = backup.NewCoordinator(app.Executor, app.Engine, app.Store, app.Logger)
	app.Coordinator.SetMetrics(app.Metrics)

	app.refreshStats()
	return nil
}

func (app *Application) connect(ctx context.Context, opts Options) error {
	cfg := app.Config
	if !cfg.DatabaseConfigured() && opts.DB == nil {
		app.Logger.Debug("No database configured; only store operations are available")
		return nil
	}

	db := opts.DB
	if db == nil {
		var err error
		if db, err = app.dbService.Connect(ctx, cfg.Database); err != nil {
			return err
		}
		app.ownsDB = true
	}
	app.db = db

	app.Records = database.NewMySQLStore(db, app.Logger, database.StoreOptions{
		BatchSize:               cfg.Backup.BatchSize,
		DisableForeignKeyChecks: cfg.Backup.DisableForeignKeyChecks,
	})

	runner := opts.Runner
	if runner == nil {
		runner = backup.NewExecRunner(app.Logger)
	}
	app.Dumper = backup.NewMySQLDumper(cfg.Database, cfg.Dump, runner)
	return nil
}

func (app *Application) refreshStats() {
	stats, err := app.Store.Stats()
	if err != nil {
		app.Logger.WithField("error", err.Error()).Warn("Failed to read store statistics")
		return
	}
	app.Metrics.UpdateStoreStats(stats)
}

// Sources lists what a scheduled run backs up: the database dump, the asset
// directory and every configured entity
func (app *Application) Sources() []backup.Source {
	var sources []backup.Source
	if app.Dumper != nil {
		sources = append(sources, app.Executor.DatabaseSource())
	}
	if assets, ok := app.Executor.AssetsSource(); ok {
		sources = append(sources, assets)
	}
	if app.Records != nil {
		for _, entity := range app.Config.Backup.Entities {
			sources = append(sources, backup.Source{Kind: backup.KindEntitySnapshot, Name: entity})
		}
	}
	return sources
}

// NewScheduler creates the nightly scheduler over Sources
func (app *Application) NewScheduler() (*backup.Scheduler, error) {
	location, err := app.Config.Location()
	if err != nil {
		return nil, backup.NewConfigurationError("invalid timezone", err)
	}
	return backup.NewScheduler(app.Config.Backup.Schedule, location, &statsRefresher{app: app}, app.Sources(), app.Logger)
}

// statsRefresher republishes the store gauges after every scheduled backup
type statsRefresher struct {
	app *Application
}

func (s *statsRefresher) Execute(ctx context.Context, source backup.Source, opts backup.ExecuteOptions) (*backup.SnapshotRecord, error) {
	record, err := s.app.Executor.Execute(ctx, source, opts)
	s.app.refreshStats()
	return record, err
}

// ShutdownHandler returns the signal handler used by long running commands
func (app *Application) ShutdownHandler() *appErrors.GracefulShutdownHandler {
	return app.shutdownHandler
}

// Ping checks the database connection
func (app *Application) Ping(ctx context.Context) error {
	if app.db == nil {
		return backup.NewConfigurationError("no database configured", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return app.dbService.Ping(ctx, app.db)
}

// Close releases the database connection and the audit log
func (app *Application) Close() error {
	var firstErr error
	if app.db != nil && app.ownsDB {
		if err := app.dbService.Close(app.db); err != nil {
			firstErr = err
		}
		app.db = nil
	}
	if app.BackupLogger != nil {
		if err := app.BackupLogger.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
