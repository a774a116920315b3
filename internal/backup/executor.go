package backup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"inventory-backup/internal/database"
	"inventory-backup/internal/logging"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"golang.org/x/sync/semaphore"
)

// ExecutorOptions tunes backup runs
type ExecutorOptions struct {
	// LockMode decides what a concurrent backup of a busy source does
	LockMode LockMode
	// Timeout bounds one backup run; zero means no deadline
	Timeout time.Duration
	// Compression is applied to full database dumps
	Compression      CompressionType
	CompressionLevel int
	// DatabaseName names full dump sources
	DatabaseName string
	// AssetsDir is the directory archived by asset backups
	AssetsDir string
	// AssetsName names asset archive sources
	AssetsName string
	// Location is the time zone used to classify the calendar date
	Location *time.Location
}

// ExecutorConfig wires the executor dependencies. Records, Dumper, Enforcer,
// Mirror and Metrics are optional.
type ExecutorConfig struct {
	Store      SnapshotStore
	Records    database.Store
	Dumper     Dumper
	Classifier Classifier
	Enforcer   *Enforcer
	Mirror     Mirror
	Metrics    *Metrics
	Clock      clock.Clock
	Logger     *BackupLogger
	Options    ExecutorOptions
}

// Executor produces snapshots and commits them into the store
type Executor struct {
	store      SnapshotStore
	records    database.Store
	dumper     Dumper
	classifier Classifier
	enforcer   *Enforcer
	mirror     Mirror
	metrics    *Metrics
	clock      clock.Clock
	log        *BackupLogger
	logger     *logging.Logger
	options    ExecutorOptions
	codec      Codec

	locksMu sync.Mutex
	locks   map[string]*semaphore.Weighted
}

// NewExecutor creates a backup executor
func NewExecutor(config ExecutorConfig) (*Executor, error) {
	if config.Store == nil {
		return nil, NewConfigurationError("snapshot store is required", nil)
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

	options := config.Options
	if options.LockMode == "" {
		options.LockMode = LockModeReject
	}
	if options.LockMode != LockModeReject && options.LockMode != LockModeBlock {
		return nil, NewConfigurationError(fmt.Sprintf("unknown lock mode %q", options.LockMode), nil)
	}
	if options.Location == nil {
		options.Location = time.Local
	}
	if options.AssetsName == "" {
		options.AssetsName = "assets"
	}

	codec, err := NewCodec(options.Compression, options.CompressionLevel)
	if err != nil {
		return nil, err
	}

	return &Executor{
		store:      config.Store,
		records:    config.Records,
		dumper:     config.Dumper,
		classifier: config.Classifier,
		enforcer:   config.Enforcer,
		mirror:     config.Mirror,
		metrics:    config.Metrics,
		clock:      config.Clock,
		log:        config.Logger,
		logger:     config.Logger.Logger(),
		options:    options,
		codec:      codec,
		locks:      make(map[string]*semaphore.Weighted),
	}, nil
}

// DatabaseSource returns the full dump source
func (e *Executor) DatabaseSource() Source {
	return Source{Kind: KindFullDump, Name: e.options.DatabaseName}
}

// AssetsSource returns the asset archive source when an asset directory is configured
func (e *Executor) AssetsSource() (Source, bool) {
	if e.options.AssetsDir == "" {
		return Source{}, false
	}
	return Source{Kind: KindAssetArchive, Name: e.options.AssetsName}, true
}

func (e *Executor) semaphore(key string) *semaphore.Weighted {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()

	sem, ok := e.locks[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		e.locks[key] = sem
	}
	return sem
}

// acquire takes the per-source lock according to the lock mode
func (e *Executor) acquire(ctx context.Context, source Source) (func(), error) {
	sem := e.semaphore(source.Key())

	if e.options.LockMode == LockModeBlock {
		if err := sem.Acquire(ctx, 1); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, NewTimeoutError(fmt.Sprintf("timed out waiting for running backup of %s", source), err)
			}
			return nil, NewBackupFailedError(fmt.Sprintf("cancelled while waiting for running backup of %s", source), err)
		}
	} else if !sem.TryAcquire(1) {
		return nil, NewInProgressError(fmt.Sprintf("a backup of %s is already running", source), nil).
			WithContext("source", source.Key())
	}

	return func() { sem.Release(1) }, nil
}

func (e *Executor) validate(source Source, opts ExecuteOptions) error {
	switch source.Kind {
	case KindEntitySnapshot:
		if e.records == nil {
			return NewConfigurationError("entity snapshots need a database connection", nil)
		}
		if err := database.ValidateIdentifier(source.Name); err != nil {
			return NewInvalidArgumentError(fmt.Sprintf("invalid entity name %q", source.Name), err)
		}
	case KindFullDump:
		if e.dumper == nil {
			return NewConfigurationError("full dumps need a configured dumper", nil)
		}
	case KindAssetArchive:
		if e.options.AssetsDir == "" {
			return NewConfigurationError("asset backups need an assets directory", nil)
		}
	default:
		return NewInvalidArgumentError(fmt.Sprintf("unknown snapshot kind %q", source.Kind), nil)
	}

	if opts.Adhoc && opts.Label != "" {
		return ValidateLabel(opts.Label)
	}
	return nil
}

// Execute produces one snapshot of source. Tiered runs are followed by a
// retention pass over the tier they landed in.
func (e *Executor) Execute(ctx context.Context, source Source, opts ExecuteOptions) (*SnapshotRecord, error) {
	if err := e.validate(source, opts); err != nil {
		return nil, err
	}

	ctx, _ = WithCorrelationID(ctx)
	if e.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.options.Timeout)
		defer cancel()
	}

	release, err := e.acquire(ctx, source)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordBackup(source, "", nil, 0, err)
		}
		return nil, err
	}
	defer release()

	startTime := e.clock.Now()
	tier := TierAdhoc
	if !opts.Adhoc {
		tier = e.classifier.Classify(startTime.In(e.options.Location))
	}

	done := e.log.Start(ctx, "backup", source.Key(), map[string]interface{}{"tier": string(tier)})
	record, err := e.run(ctx, source, opts, tier, startTime)
	duration := e.clock.Now().Sub(startTime)

	var snapshotID string
	var size int64
	if record != nil {
		snapshotID = record.ID
		size = record.SizeBytes
	}
	e.logger.LogBackupOperation(source.Key(), snapshotID, string(tier), size, duration, err)
	done(err, map[string]interface{}{"snapshot_id": snapshotID, "size_bytes": size})
	if e.metrics != nil {
		e.metrics.RecordBackup(source, tier, record, duration, err)
	}
	if err != nil {
		return nil, err
	}

	if tier.IsScheduled() && e.enforcer != nil {
		if _, err := e.enforcer.Enforce(ctx, tier); err != nil {
			e.logger.WithFields(map[string]interface{}{
				"tier":  string(tier),
				"error": err.Error(),
			}).Error("Retention after backup failed")
		}
	}

	e.mirrorSnapshot(ctx, record)
	return record, nil
}

func (e *Executor) run(ctx context.Context, source Source, opts ExecuteOptions, tier Tier, createdAt time.Time) (*SnapshotRecord, error) {
	temp, err := e.store.TempFile(source.Kind)
	if err != nil {
		return nil, err
	}
	tempPath := temp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tempPath)
		}
	}()

	extension, err := e.produce(ctx, source, temp, createdAt)
	if closeErr := temp.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return nil, e.classifyFailure(ctx, source, err)
	}

	info, err := os.Stat(tempPath)
	if err != nil {
		return nil, NewBackupFailedError("failed to stat snapshot output", err)
	}
	if info.Size() == 0 {
		return nil, NewBackupFailedError(fmt.Sprintf("backup of %s produced no output", source), nil).
			WithContext("source", source.Key())
	}

	record, err := e.store.Commit(tempPath, SnapshotName{
		Kind:      source.Kind,
		Tier:      tier,
		Source:    source.Name,
		Label:     opts.Label,
		CreatedAt: createdAt,
		Extension: extension,
	})
	if err != nil {
		return nil, err
	}
	committed = true
	return record, nil
}

// produce writes the artifact of source into w and returns its extension
func (e *Executor) produce(ctx context.Context, source Source, w io.Writer, createdAt time.Time) (string, error) {
	switch source.Kind {
	case KindEntitySnapshot:
		records, err := e.records.ReadAll(ctx, source.Name)
		if err != nil {
			return "", err
		}
		buffered := bufio.NewWriter(w)
		if err := NewEntitySnapshot(uuid.New().String(), source.Name, createdAt, records).Encode(buffered); err != nil {
			return "", err
		}
		return ".json", buffered.Flush()

	case KindFullDump:
		writer, err := e.codec.NewWriter(w)
		if err != nil {
			return "", err
		}
		if err := e.dumper.Dump(ctx, writer); err != nil {
			writer.Close()
			return "", err
		}
		return ".sql" + e.codec.Extension(), writer.Close()

	case KindAssetArchive:
		return ArchiveExtension, ArchiveDirectory(ctx, e.options.AssetsDir, w, e.options.CompressionLevel)
	}

	return "", NewInvalidArgumentError(fmt.Sprintf("unknown snapshot kind %q", source.Kind), nil)
}

func (e *Executor) classifyFailure(ctx context.Context, source Source, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewTimeoutError(fmt.Sprintf("backup of %s exceeded its deadline", source), err).
			WithContext("source", source.Key())
	}
	var backupErr *BackupError
	if errors.As(err, &backupErr) {
		return err
	}
	return NewBackupFailedError(fmt.Sprintf("backup of %s failed", source), err).
		WithContext("source", source.Key())
}

// mirrorSnapshot uploads a committed snapshot offsite. Failures are logged only.
func (e *Executor) mirrorSnapshot(ctx context.Context, record *SnapshotRecord) {
	if e.mirror == nil {
		return
	}

	reader, _, err := e.store.Open(record.ID)
	if err == nil {
		err = e.mirror.Upload(ctx, record, reader)
		reader.Close()
	}

	fields := map[string]interface{}{
		"snapshot_id": record.ID,
		"mirror":      e.mirror.Name(),
	}
	if err != nil {
		fields["error"] = err.Error()
		e.logger.WithFields(fields).Warn("Offsite upload failed")
		return
	}
	e.logger.WithFields(fields).Info("Snapshot uploaded offsite")
}
