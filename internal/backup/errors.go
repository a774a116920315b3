package backup

import (
	"errors"
	"fmt"
)

// BackupError represents errors that occur during backup operations
type BackupError struct {
	Type    BackupErrorType        `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
	// Recovered is set when the failure was compensated by a rollback
	Recovered bool `json:"recovered,omitempty"`
}

// Error implements the error interface
func (e *BackupError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (caused by: %v)", msg, e.Cause)
	}
	if e.Recovered {
		msg += " [recovered]"
	}
	return msg
}

// Unwrap returns the underlying cause error
func (e *BackupError) Unwrap() error {
	return e.Cause
}

// BackupErrorType represents different types of backup errors
type BackupErrorType string

const (
	BackupErrorTypeBackupFailed    BackupErrorType = "BACKUP_FAILED"
	BackupErrorTypeNotFound        BackupErrorType = "NOT_FOUND"
	BackupErrorTypeCorruptSnapshot BackupErrorType = "CORRUPT_SNAPSHOT"
	BackupErrorTypeRestoreFailed   BackupErrorType = "RESTORE_FAILED"
	BackupErrorTypeInProgress      BackupErrorType = "BACKUP_IN_PROGRESS"
	BackupErrorTypeTimeout         BackupErrorType = "TIMEOUT"
	BackupErrorTypeRollbackFailed  BackupErrorType = "ROLLBACK_FAILED"
	BackupErrorTypeOperationFailed BackupErrorType = "OPERATION_FAILED"
	BackupErrorTypeConfiguration   BackupErrorType = "CONFIGURATION_ERROR"
	BackupErrorTypeInvalidArgument BackupErrorType = "INVALID_ARGUMENT"
)

// NewBackupError creates a new BackupError
func NewBackupError(errorType BackupErrorType, message string, cause error) *BackupError {
	return &BackupError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *BackupError) WithContext(key string, value interface{}) *BackupError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewBackupFailedError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeBackupFailed, message, cause)
}

func NewNotFoundError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeNotFound, message, cause)
}

func NewCorruptSnapshotError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeCorruptSnapshot, message, cause)
}

func NewRestoreFailedError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeRestoreFailed, message, cause)
}

func NewInProgressError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeInProgress, message, cause)
}

func NewTimeoutError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeTimeout, message, cause)
}

func NewConfigurationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeConfiguration, message, cause)
}

func NewInvalidArgumentError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeInvalidArgument, message, cause)
}

// RollbackFailedError is returned when both a protected operation and the
// compensating restore failed. The data may be inconsistent and needs an
// operator.
type RollbackFailedError struct {
	Entity         string `json:"entity"`
	RestorePointID string `json:"restorePointId"`
	OperationErr   error  `json:"-"`
	RollbackErr    error  `json:"-"`
}

// Error implements the error interface
func (e *RollbackFailedError) Error() string {
	return fmt.Sprintf("%s: operation on %s failed (%v) and restoring %s failed (%v); manual intervention required",
		BackupErrorTypeRollbackFailed, e.Entity, e.OperationErr, e.RestorePointID, e.RollbackErr)
}

// Unwrap exposes both causes to errors.Is / errors.As
func (e *RollbackFailedError) Unwrap() []error {
	return []error{e.OperationErr, e.RollbackErr}
}

// ValidationError represents validation-specific errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidationErrors represents a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d validation errors: %s (and %d more)", len(e), e[0].Error(), len(e)-1)
}

// Add adds a validation error to the collection
func (e *ValidationErrors) Add(field, message string, value interface{}) {
	*e = append(*e, ValidationError{Field: field, Message: message, Value: value})
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// ErrorType returns the taxonomy type of err, or "" when err is not a backup error
func ErrorType(err error) BackupErrorType {
	var rollbackErr *RollbackFailedError
	if errors.As(err, &rollbackErr) {
		return BackupErrorTypeRollbackFailed
	}
	var backupErr *BackupError
	if errors.As(err, &backupErr) {
		return backupErr.Type
	}
	return ""
}

// IsType reports whether err is a backup error of the given type
func IsType(err error, errorType BackupErrorType) bool {
	return err != nil && ErrorType(err) == errorType
}

// IsRecovered reports whether err was compensated by a successful rollback
func IsRecovered(err error) bool {
	var backupErr *BackupError
	return errors.As(err, &backupErr) && backupErr.Recovered
}
