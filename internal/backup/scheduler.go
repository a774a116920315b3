package backup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"inventory-backup/internal/logging"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the tiered backups every day at 02:00
const DefaultSchedule = "0 2 * * *"

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a five field cron expression or descriptor such as @daily
func ParseSchedule(spec string) (cron.Schedule, error) {
	schedule, err := scheduleParser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return nil, NewConfigurationError(fmt.Sprintf("invalid schedule %q", spec), err)
	}
	return schedule, nil
}

// SourceResult is the outcome of one source within a scheduled run
type SourceResult struct {
	Source   Source          `json:"source"`
	Snapshot *SnapshotRecord `json:"snapshot,omitempty"`
	Error    error           `json:"-"`
}

// Scheduler triggers tiered backups of every configured source on a cron schedule
type Scheduler struct {
	cron     *cron.Cron
	spec     string
	backup   Backupper
	sources  []Source
	logger   *logging.Logger
	location *time.Location
}

// cronLogger adapts the application logger to cron's logger interface
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(keyValues(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(keyValues(keysAndValues)).WithField("error", err.Error()).Error(msg)
}

func keyValues(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}

// NewScheduler creates a scheduler. It does not start until Start is called.
func NewScheduler(spec string, location *time.Location, backup Backupper, sources []Source, logger *logging.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	if _, err := ParseSchedule(spec); err != nil {
		return nil, err
	}
	if location == nil {
		location = time.Local
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	adapter := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(scheduleParser),
			cron.WithLocation(location),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		spec:     spec,
		backup:   backup,
		sources:  sources,
		logger:   logger,
		location: location,
	}, nil
}

// Sources returns the sources backed up on every run
func (s *Scheduler) Sources() []Source {
	return s.sources
}

// Start registers the job and starts the cron loop. Runs use ctx, so
// cancelling it aborts a run in progress.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunOnce(ctx) }); err != nil {
		return NewConfigurationError(fmt.Sprintf("invalid schedule %q", s.spec), err)
	}
	s.cron.Start()

	s.logger.WithFields(map[string]interface{}{
		"schedule": s.spec,
		"sources":  len(s.sources),
		"next_run": s.Next(),
	}).Info("Backup scheduler started")
	return nil
}

// Stop halts the scheduler and returns a context done when running jobs finish
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Next returns the time of the next scheduled run
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) > 0 {
		return entries[0].Next
	}
	schedule, err := ParseSchedule(s.spec)
	if err != nil {
		return time.Time{}
	}
	return schedule.Next(time.Now().In(s.location))
}

// RunOnce backs up every source in turn. A failing source is logged and
// does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) []SourceResult {
	ctx, runID := WithCorrelationID(ctx)
	results := make([]SourceResult, 0, len(s.sources))
	failed := 0

	for _, source := range s.sources {
		if ctx.Err() != nil {
			results = append(results, SourceResult{Source: source, Error: ctx.Err()})
			failed++
			continue
		}

		record, err := s.backup.Execute(ctx, source, ExecuteOptions{})
		if err != nil {
			failed++
			s.logger.WithFields(map[string]interface{}{
				"run_id": runID,
				"source": source.Key(),
				"error":  err.Error(),
			}).Error("Scheduled backup failed")
		}
		results = append(results, SourceResult{Source: source, Snapshot: record, Error: err})
	}

	s.logger.WithFields(map[string]interface{}{
		"run_id":    runID,
		"sources":   len(s.sources),
		"failed":    failed,
		"succeeded": len(s.sources) - failed,
	}).Info("Scheduled backup run finished")
	return results
}
