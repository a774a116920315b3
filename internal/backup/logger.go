package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"inventory-backup/internal/logging"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BackupLogger adds correlation ids and an optional audit trail to the
// operational log of backup, restore and rollback runs
type BackupLogger struct {
	logger      *logging.Logger
	auditLogger *logrus.Logger
	auditFile   io.Closer
	mu          sync.Mutex
}

// BackupLoggerConfig holds configuration for backup logging
type BackupLoggerConfig struct {
	Logger         *logging.Logger
	AuditLogFile   string
	EnableAuditLog bool
}

// AuditLogEntry is one line of the audit trail
type AuditLogEntry struct {
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
	Operation     string                 `json:"operation"`
	Resource      string                 `json:"resource"`
	Result        string                 `json:"result"`
	Error         string                 `json:"error,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// NewBackupLogger creates a backup logger
func NewBackupLogger(config BackupLoggerConfig) (*BackupLogger, error) {
	logger := config.Logger
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	bl := &BackupLogger{logger: logger}

	if config.EnableAuditLog && config.AuditLogFile != "" {
		if err := os.MkdirAll(filepath.Dir(config.AuditLogFile), 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}

		auditFile, err := os.OpenFile(config.AuditLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}

		auditLogger := logrus.New()
		auditLogger.SetOutput(auditFile)
		auditLogger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
		auditLogger.SetLevel(logrus.InfoLevel)

		bl.auditLogger = auditLogger
		bl.auditFile = auditFile
	}

	return bl, nil
}

// Logger returns the underlying operational logger
func (bl *BackupLogger) Logger() *logging.Logger {
	return bl.logger
}

// CorrelationID returns the request id carried by ctx or a new one
func CorrelationID(ctx context.Context) string {
	if id := logging.GetRequestIDFromContext(ctx); id != "" {
		return id
	}
	return uuid.New().String()
}

// WithCorrelationID makes sure ctx carries a correlation id
func WithCorrelationID(ctx context.Context) (context.Context, string) {
	if id := logging.GetRequestIDFromContext(ctx); id != "" {
		return ctx, id
	}
	id := uuid.New().String()
	return logging.CreateContextWithRequestID(ctx, id), id
}

// Start logs the beginning of an operation and returns the completion logger.
// The completion is written to the audit trail when one is configured.
func (bl *BackupLogger) Start(ctx context.Context, operation, resource string, fields map[string]interface{}) func(error, map[string]interface{}) {
	correlationID := CorrelationID(ctx)
	startTime := time.Now()

	entryFields := map[string]interface{}{
		"correlation_id": correlationID,
		"operation":      operation,
		"resource":       resource,
	}
	for k, v := range fields {
		entryFields[k] = v
	}
	bl.logger.WithFields(entryFields).Debug("Operation started")

	return func(err error, details map[string]interface{}) {
		result := "success"
		if err != nil {
			result = "failure"
		}

		done := bl.logger.WithFields(entryFields).
			WithField("duration_ms", time.Since(startTime).Milliseconds()).
			WithField("result", result)
		for k, v := range details {
			done = done.WithField(k, v)
		}
		if err != nil {
			done.WithField("error", err.Error()).Debug("Operation failed")
		} else {
			done.Debug("Operation completed")
		}

		entry := AuditLogEntry{
			Timestamp:     time.Now(),
			CorrelationID: correlationID,
			Operation:     operation,
			Resource:      resource,
			Result:        result,
			Details:       details,
		}
		if err != nil {
			entry.Error = err.Error()
		}
		bl.Audit(entry)
	}
}

// Audit writes one entry to the audit trail
func (bl *BackupLogger) Audit(entry AuditLogEntry) {
	if bl.auditLogger == nil {
		return
	}

	bl.mu.Lock()
	defer bl.mu.Unlock()

	fields := logrus.Fields{
		"correlation_id": entry.CorrelationID,
		"operation":      entry.Operation,
		"resource":       entry.Resource,
		"result":         entry.Result,
	}
	if entry.Error != "" {
		fields["error"] = entry.Error
	}
	if len(entry.Details) > 0 {
		fields["details"] = entry.Details
	}
	bl.auditLogger.WithFields(fields).Info("audit")
}

// Close releases the audit log file
func (bl *BackupLogger) Close() error {
	if bl.auditFile == nil {
		return nil
	}
	return bl.auditFile.Close()
}
