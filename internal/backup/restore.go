package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"inventory-backup/internal/database"
	"inventory-backup/internal/logging"

	"github.com/google/uuid"
	"github.com/juju/clock"
)

// EntityLocks serialises restores of an entity against in-process readers
type EntityLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewEntityLocks creates an empty lock table
func NewEntityLocks() *EntityLocks {
	return &EntityLocks{locks: make(map[string]*sync.RWMutex)}
}

func (l *EntityLocks) get(entity string) *sync.RWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[entity]
	if !ok {
		lock = &sync.RWMutex{}
		l.locks[entity] = lock
	}
	return lock
}

// RLock takes the shared lock of entity and returns its release
func (l *EntityLocks) RLock(entity string) func() {
	lock := l.get(entity)
	lock.RLock()
	return lock.RUnlock
}

// Lock takes the exclusive lock of entity and returns its release
func (l *EntityLocks) Lock(entity string) func() {
	lock := l.get(entity)
	lock.Lock()
	return lock.Unlock
}

// lockedReader reads entities under the shared lock so a snapshot never
// observes a restore half way
type lockedReader struct {
	database.Store
	locks *EntityLocks
}

func (r lockedReader) ReadAll(ctx context.Context, entity string) ([]database.Record, error) {
	release := r.locks.RLock(entity)
	defer release()
	return r.Store.ReadAll(ctx, entity)
}

// WithEntityLocks wraps store so reads share the restore locks
func WithEntityLocks(store database.Store, locks *EntityLocks) database.Store {
	if store == nil || locks == nil {
		return store
	}
	return lockedReader{Store: store, locks: locks}
}

// RestoreOptions tunes restores
type RestoreOptions struct {
	// RequiredFields must be present and non-null in every restored record
	RequiredFields []string
	// AssetsDir is replaced when an asset archive is restored
	AssetsDir string
	// Timeout bounds one restore; zero means no deadline
	Timeout time.Duration
}

// EngineConfig wires the restore engine dependencies
type EngineConfig struct {
	Store   SnapshotStore
	Records database.Store
	Dumper  Dumper
	Locks   *EntityLocks
	Metrics *Metrics
	Clock   clock.Clock
	Logger  *BackupLogger
	Options RestoreOptions
}

// Engine restores snapshots into their live target
type Engine struct {
	store   SnapshotStore
	records database.Store
	dumper  Dumper
	locks   *EntityLocks
	metrics *Metrics
	clock   clock.Clock
	log     *BackupLogger
	logger  *logging.Logger
	options RestoreOptions
}

// VerifyResult reports whether a snapshot could be restored
type VerifyResult struct {
	SnapshotID  string `json:"snapshotId" yaml:"snapshot_id"`
	Kind        Kind   `json:"kind" yaml:"kind"`
	Valid       bool   `json:"valid" yaml:"valid"`
	RecordCount int    `json:"recordCount" yaml:"record_count"`
	Source      string `json:"source,omitempty" yaml:"source,omitempty"`
	Error       string `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewEngine creates a restore engine
func NewEngine(config EngineConfig) (*Engine, error) {
	if config.Store == nil {
		return nil, NewConfigurationError("snapshot store is required", nil)
	}
	if config.Locks == nil {
		config.Locks = NewEntityLocks()
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	if config.Logger == nil {
		bl, err := NewBackupLogger(BackupLoggerConfig{})
		if err != nil {
			return nil, err
		}
		config.Logger = bl
	}
	if config.Options.RequiredFields == nil {
		config.Options.RequiredFields = []string{"id"}
	}

	return &Engine{
		store:   config.Store,
		records: config.Records,
		dumper:  config.Dumper,
		locks:   config.Locks,
		metrics: config.Metrics,
		clock:   config.Clock,
		log:     config.Logger,
		logger:  config.Logger.Logger(),
		options: config.Options,
	}, nil
}

// Locks returns the entity lock table shared with readers
func (e *Engine) Locks() *EntityLocks {
	return e.locks
}

// Restore replaces the live data with the content of snapshot id. Entity
// snapshots are validated completely before any data is touched.
func (e *Engine) Restore(ctx context.Context, id string) (*RestoreResult, error) {
	ctx, _ = WithCorrelationID(ctx)
	if e.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.options.Timeout)
		defer cancel()
	}

	startTime := e.clock.Now()
	done := e.log.Start(ctx, "restore", id, nil)

	kind := Kind("")
	restored, err := func() (int, error) {
		reader, record, err := e.store.Open(id)
		if err != nil {
			return 0, err
		}
		defer reader.Close()
		kind = record.Kind

		switch record.Kind {
		case KindEntitySnapshot:
			return e.restoreEntity(ctx, record, reader)
		case KindFullDump:
			return e.restoreDump(ctx, record, reader)
		case KindAssetArchive:
			return e.restoreAssets(ctx, record, reader)
		default:
			return 0, NewCorruptSnapshotError(fmt.Sprintf("snapshot %s has unknown kind", id), nil)
		}
	}()

	duration := e.clock.Now().Sub(startTime)
	err = e.classifyFailure(ctx, id, err)
	e.logger.LogRestoreOperation(id, restored, duration, err)
	done(err, map[string]interface{}{"restored": restored})
	if e.metrics != nil && kind != "" {
		e.metrics.RecordRestore(kind, duration, err)
	}
	if err != nil {
		return nil, err
	}

	return &RestoreResult{SnapshotID: id, RestoredCount: restored, DurationMs: duration.Milliseconds()}, nil
}

func (e *Engine) classifyFailure(ctx context.Context, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if !IsType(err, BackupErrorTypeTimeout) {
			return NewTimeoutError(fmt.Sprintf("restore of %s exceeded its deadline", id), err).
				WithContext("snapshot_id", id)
		}
		return err
	}
	if ErrorType(err) != "" {
		return err
	}
	return NewRestoreFailedError(fmt.Sprintf("restore of %s failed", id), err).WithContext("snapshot_id", id)
}

func (e *Engine) loadEntitySnapshot(id string, r io.Reader) (*EntitySnapshot, error) {
	snapshot, err := DecodeEntitySnapshot(r)
	if err != nil {
		return nil, err
	}
	if err := snapshot.Validate(e.options.RequiredFields); err != nil {
		return nil, err
	}
	if err := database.ValidateIdentifier(snapshot.Metadata.SourceFingerprint); err != nil {
		return nil, NewCorruptSnapshotError(fmt.Sprintf("snapshot %s names an invalid entity", id), err)
	}
	return snapshot, nil
}

func (e *Engine) restoreEntity(ctx context.Context, record *SnapshotRecord, r io.Reader) (int, error) {
	if e.records == nil {
		return 0, NewConfigurationError("entity restores need a database connection", nil)
	}

	snapshot, err := e.loadEntitySnapshot(record.ID, r)
	if err != nil {
		return 0, err
	}
	entity := snapshot.Metadata.SourceFingerprint

	release := e.locks.Lock(entity)
	defer release()

	if err := e.records.ReplaceAll(ctx, entity, snapshot.Data); err != nil {
		if ctx.Err() != nil {
			return 0, err
		}
		return 0, NewRestoreFailedError(fmt.Sprintf("failed to replace records of %s", entity), err).
			WithContext("snapshot_id", record.ID)
	}

	count, err := e.records.Count(ctx, entity)
	if err != nil {
		return 0, NewRestoreFailedError(fmt.Sprintf("failed to verify restored records of %s", entity), err)
	}
	if count != snapshot.Metadata.RecordCount {
		return count, NewRestoreFailedError(
			fmt.Sprintf("restored %s holds %d records, snapshot declares %d", entity, count, snapshot.Metadata.RecordCount), nil).
			WithContext("snapshot_id", record.ID)
	}

	return count, nil
}

func (e *Engine) restoreDump(ctx context.Context, record *SnapshotRecord, r io.Reader) (int, error) {
	if e.dumper == nil {
		return 0, NewConfigurationError("full dump restores need a configured dumper", nil)
	}

	reader, err := CodecForFilename(record.ID).NewReader(r)
	if err != nil {
		return 0, NewCorruptSnapshotError(fmt.Sprintf("snapshot %s cannot be decompressed", record.ID), err)
	}
	defer reader.Close()

	counter := &countingReader{r: reader}
	if err := e.dumper.Restore(ctx, counter); err != nil {
		return 0, err
	}
	return counter.statements, nil
}

// countingReader counts the SQL statement terminators streamed to the client
type countingReader struct {
	r          io.Reader
	statements int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	for _, b := range p[:n] {
		if b == ';' {
			c.statements++
		}
	}
	return n, err
}

func (e *Engine) restoreAssets(ctx context.Context, record *SnapshotRecord, r io.Reader) (int, error) {
	if e.options.AssetsDir == "" {
		return 0, NewConfigurationError("asset restores need an assets directory", nil)
	}

	target := filepath.Clean(e.options.AssetsDir)
	staging := filepath.Join(filepath.Dir(target), fmt.Sprintf(".%s.restore-%s", filepath.Base(target), uuid.New().String()[:8]))
	defer os.RemoveAll(staging)

	files, err := ExtractArchive(ctx, r, staging)
	if err != nil {
		return 0, err
	}

	if err := SwapDirectory(staging, target, e.logger); err != nil {
		return 0, NewRestoreFailedError("failed to swap restored assets into place", err)
	}
	return files, nil
}

// Verify checks that snapshot id could be restored without touching live data
func (e *Engine) Verify(ctx context.Context, id string) (*VerifyResult, error) {
	reader, record, err := e.store.Open(id)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	result := &VerifyResult{SnapshotID: id, Kind: record.Kind, Source: record.SourceFingerprint}

	switch record.Kind {
	case KindEntitySnapshot:
		var snapshot *EntitySnapshot
		snapshot, err = e.loadEntitySnapshot(id, reader)
		if err == nil {
			result.RecordCount = snapshot.Metadata.RecordCount
		}
	case KindFullDump:
		var decompressed io.ReadCloser
		decompressed, err = CodecForFilename(id).NewReader(reader)
		if err == nil {
			counter := &countingReader{r: decompressed}
			_, err = io.Copy(io.Discard, counter)
			decompressed.Close()
			result.RecordCount = counter.statements
			if err == nil && counter.statements == 0 {
				err = NewCorruptSnapshotError("dump holds no SQL statements", nil)
			}
		}
		if err != nil && ErrorType(err) == "" {
			err = NewCorruptSnapshotError(fmt.Sprintf("snapshot %s cannot be decompressed", id), err)
		}
	case KindAssetArchive:
		result.RecordCount, err = InspectArchive(ctx, reader)
	}

	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	result.Valid = true
	return result, nil
}
