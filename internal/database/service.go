package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"inventory-backup/internal/errors"
	"inventory-backup/internal/logging"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

// PoolOptions sizes the connection pool shared by the record store and restores
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolOptions returns the pool used when none is configured
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Service opens and checks connections to the inventory database
type Service struct {
	logger *logging.Logger
	retry  *errors.RetryHandler
	pool   PoolOptions
}

// NewServiceWithLogger creates a service logging to logger
func NewServiceWithLogger(logger *logging.Logger) *Service {
	return NewServiceWithOptions(logger, errors.DefaultRetryConfig(), DefaultPoolOptions())
}

// NewServiceWithOptions creates a service with explicit retry and pool settings
func NewServiceWithOptions(logger *logging.Logger, retry errors.RetryConfig, pool PoolOptions) *Service {
	return &Service{
		logger: logger,
		retry:  errors.NewRetryHandler(retry),
		pool:   pool,
	}
}

// Connect opens a pool for config and waits until the server answers.
// Connection failures the classifier marks recoverable are retried.
func (s *Service) Connect(ctx context.Context, config DatabaseConfig) (*sql.DB, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "invalid database configuration", err)
	}

	started := time.Now()
	var db *sql.DB
	err := s.retry.Retry(ctx, func() error {
		pool, err := sql.Open("mysql", config.DSN())
		if err != nil {
			return errors.WrapError(err, "failed to open database connection")
		}
		pool.SetMaxOpenConns(s.pool.MaxOpenConns)
		pool.SetMaxIdleConns(s.pool.MaxIdleConns)
		pool.SetConnMaxLifetime(s.pool.ConnMaxLifetime)

		pingCtx, cancel := context.WithTimeout(ctx, config.Timeout)
		defer cancel()
		if err := s.Ping(pingCtx, pool); err != nil {
			pool.Close()
			return err
		}
		db = pool
		return nil
	})
	s.logger.LogDatabaseConnection(config.Host, config.Database, err == nil, time.Since(started), err)
	if err != nil {
		return nil, err
	}

	if version, err := s.ServerVersion(ctx, db); err == nil {
		s.logger.WithField("server_version", version).Debug("Connected to MySQL")
	}
	return db, nil
}

// Ping checks that db still reaches the server
func (s *Service) Ping(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.NewAppError(errors.ErrorTypeValidation, "database connection is nil", nil)
	}
	if err := db.PingContext(ctx); err != nil {
		return errors.WrapError(err, "failed to ping database")
	}
	return nil
}

// ServerVersion reports the MySQL server version
func (s *Service) ServerVersion(ctx context.Context, db *sql.DB) (string, error) {
	if db == nil {
		return "", errors.NewAppError(errors.ErrorTypeValidation, "database connection is nil", nil)
	}

	const query = "SELECT VERSION()"
	started := time.Now()
	var version string
	err := db.QueryRowContext(ctx, query).Scan(&version)
	s.logger.LogSQLExecution(query, time.Since(started), 1, err)
	if err != nil {
		return "", errors.WrapError(err, "failed to read server version")
	}
	return version, nil
}

// Close closes db; a nil pool is ignored
func (s *Service) Close(db *sql.DB) error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to close database connection")
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	s.logger.Debug("Database connection closed")
	return nil
}
