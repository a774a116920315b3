package backup

import (
	"context"
	"fmt"
	"strings"

	"inventory-backup/internal/logging"
)

// RollbackState is a step of a protected operation
type RollbackState string

const (
	RollbackStateIdle                RollbackState = "idle"
	RollbackStateRestorePointCreated RollbackState = "restore_point_created"
	RollbackStateOperationRunning    RollbackState = "operation_running"
	RollbackStateCommitted           RollbackState = "committed"
	RollbackStateRolledBack          RollbackState = "rolled_back"
	RollbackStateRollbackFailed      RollbackState = "rollback_failed"
)

// RestorePointPrefix starts the label of every restore point
const RestorePointPrefix = "restore-point-"

// IsRestorePoint reports whether record was taken by the rollback coordinator
func IsRestorePoint(record *SnapshotRecord) bool {
	return record.Tier == TierAdhoc && strings.HasPrefix(record.ID, RestorePointPrefix)
}

// RollbackOutcome describes how a protected operation ended
type RollbackOutcome struct {
	Entity         string        `json:"entity" yaml:"entity"`
	RestorePointID string        `json:"restorePointId" yaml:"restore_point_id"`
	State          RollbackState `json:"state" yaml:"state"`
	Error          string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// Coordinator wraps a mutating operation on an entity with a restore point
// and restores it automatically when the operation fails
type Coordinator struct {
	backupper Backupper
	restorer  Restorer
	store     SnapshotStore
	logger    *logging.Logger
	metrics   *Metrics
}

// NewCoordinator creates a rollback coordinator
func NewCoordinator(backupper Backupper, restorer Restorer, store SnapshotStore, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Coordinator{backupper: backupper, restorer: restorer, store: store, logger: logger}
}

// SetMetrics attaches prometheus collectors
func (c *Coordinator) SetMetrics(metrics *Metrics) {
	c.metrics = metrics
}

// CreateRestorePoint takes an ad-hoc snapshot of entity labelled as a restore point
func (c *Coordinator) CreateRestorePoint(ctx context.Context, entity string) (*SnapshotRecord, error) {
	return c.backupper.Execute(ctx, Source{Kind: KindEntitySnapshot, Name: entity}, ExecuteOptions{
		Adhoc: true,
		Label: RestorePointPrefix + entity,
	})
}

func (c *Coordinator) transition(outcome *RollbackOutcome, to RollbackState) {
	c.logger.LogRollbackTransition(outcome.Entity, outcome.RestorePointID, string(outcome.State), string(to))
	outcome.State = to
}

// Run executes op under a restore point of entity. When op fails the restore
// point is restored and the op error is returned marked as recovered. When the
// restore fails too a *RollbackFailedError carrying both causes is returned.
// No restore point means op never runs.
func (c *Coordinator) Run(ctx context.Context, entity string, op func(ctx context.Context) error) (*RollbackOutcome, error) {
	outcome := &RollbackOutcome{Entity: entity, State: RollbackStateIdle}

	restorePoint, err := c.CreateRestorePoint(ctx, entity)
	if err != nil {
		outcome.Error = err.Error()
		c.logger.WithFields(map[string]interface{}{
			"entity": entity,
			"error":  err.Error(),
		}).Error("Restore point could not be created, operation not started")
		return outcome, err
	}
	outcome.RestorePointID = restorePoint.ID
	c.transition(outcome, RollbackStateRestorePointCreated)

	c.transition(outcome, RollbackStateOperationRunning)
	opErr := runProtected(ctx, op)
	if opErr == nil {
		c.transition(outcome, RollbackStateCommitted)
		c.record(outcome)
		return outcome, nil
	}
	outcome.Error = opErr.Error()

	// the rollback must run even when the caller's context is what ended the operation
	_, rollbackErr := c.restorer.Restore(context.WithoutCancel(ctx), restorePoint.ID)
	if rollbackErr != nil {
		c.transition(outcome, RollbackStateRollbackFailed)
		c.record(outcome)
		c.logger.WithFields(map[string]interface{}{
			"entity":           entity,
			"restore_point_id": restorePoint.ID,
			"operation_error":  opErr.Error(),
			"rollback_error":   rollbackErr.Error(),
		}).Error("Rollback failed, manual intervention required")
		return outcome, &RollbackFailedError{
			Entity:         entity,
			RestorePointID: restorePoint.ID,
			OperationErr:   opErr,
			RollbackErr:    rollbackErr,
		}
	}

	c.transition(outcome, RollbackStateRolledBack)
	c.record(outcome)

	errorType := ErrorType(opErr)
	if errorType == "" {
		errorType = BackupErrorTypeOperationFailed
	}
	recovered := NewBackupError(errorType, fmt.Sprintf("operation on %s failed and was rolled back", entity), opErr).
		WithContext("restore_point_id", restorePoint.ID)
	recovered.Recovered = true
	return outcome, recovered
}

func runProtected(ctx context.Context, op func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return op(ctx)
}

func (c *Coordinator) record(outcome *RollbackOutcome) {
	if c.metrics != nil {
		c.metrics.RecordRollback(outcome.State)
	}
}

// Discard deletes the restore point of a finished operation. Restore points
// of failed rollbacks are kept for the operator.
func (c *Coordinator) Discard(outcome *RollbackOutcome) error {
	if outcome == nil || outcome.RestorePointID == "" {
		return nil
	}
	if outcome.State != RollbackStateCommitted && outcome.State != RollbackStateRolledBack {
		return NewInvalidArgumentError(fmt.Sprintf("restore point %s of an operation in state %s cannot be discarded", outcome.RestorePointID, outcome.State), nil)
	}
	return c.store.Delete(outcome.RestorePointID)
}
