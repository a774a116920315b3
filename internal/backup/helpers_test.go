package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"inventory-backup/internal/database"
	"inventory-backup/internal/logging"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
)

// memoryRecords is an in-memory database.Store with atomic ReplaceAll
type memoryRecords struct {
	mu         sync.Mutex
	tables     map[string][]database.Record
	replaceErr error
	// countDelta skews Count to simulate a restore that lost rows
	countDelta int
	readErr    error
	replaces   int
}

func newMemoryRecords() *memoryRecords {
	return &memoryRecords{tables: make(map[string][]database.Record)}
}

func (m *memoryRecords) seed(entity string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]database.Record, n)
	for i := range records {
		records[i] = database.Record{"id": i + 1, "nombre": "cliente"}
	}
	m.tables[entity] = records
}

func (m *memoryRecords) ReadAll(ctx context.Context, entity string) ([]database.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	out := make([]database.Record, len(m.tables[entity]))
	copy(out, m.tables[entity])
	return out, nil
}

func (m *memoryRecords) Count(ctx context.Context, entity string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[entity]) + m.countDelta, nil
}

func (m *memoryRecords) ReplaceAll(ctx context.Context, entity string, records []database.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaces++
	if m.replaceErr != nil {
		return m.replaceErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.tables[entity] = append([]database.Record(nil), records...)
	return nil
}

func (m *memoryRecords) ids(entity string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.tables[entity]))
	for _, record := range m.tables[entity] {
		ids = append(ids, fmt.Sprint(record["id"]))
	}
	sort.Strings(ids)
	return ids
}

// failingDeleteStore fails deleting the listed ids
type failingDeleteStore struct {
	*FileStore
	fail map[string]bool
}

func (s *failingDeleteStore) Delete(id string) error {
	if s.fail[id] {
		return errors.New("permission denied")
	}
	return s.FileStore.Delete(id)
}

type testEnv struct {
	store    *FileStore
	records  *memoryRecords
	clock    *testclock.Clock
	executor *Executor
	engine   *Engine
	enforcer *Enforcer
	metrics  *Metrics
	dumper   *fakeDumper
}

// fakeDumper writes and captures SQL without external processes
type fakeDumper struct {
	mu       sync.Mutex
	output   string
	dumpErr  error
	restored []string
	// block makes Dump wait until the channel is closed or ctx ends
	block chan struct{}
	// started receives once per Dump call before it blocks
	started chan struct{}
}

func (d *fakeDumper) Dump(ctx context.Context, w io.Writer) error {
	if d.started != nil {
		d.started <- struct{}{}
	}
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d.dumpErr != nil {
		return d.dumpErr
	}
	_, err := io.WriteString(w, d.output)
	return err
}

func (d *fakeDumper) Restore(ctx context.Context, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.restored = append(d.restored, string(data))
	return nil
}

func newTestEnv(t *testing.T, start time.Time, options ExecutorOptions) *testEnv {
	t.Helper()
	logger := logging.NewDiscardLogger()
	bl, err := NewBackupLogger(BackupLoggerConfig{Logger: logger})
	require.NoError(t, err)

	store, err := NewFileStore(t.TempDir(), FileStoreOptions{DatabaseFingerprint: "inventory"}, logger)
	require.NoError(t, err)

	records := newMemoryRecords()
	clk := testclock.NewClock(start)
	metrics := NewMetrics()
	enforcer := NewEnforcer(store, DefaultRetentionPolicy(), logger)
	enforcer.SetMetrics(metrics)
	locks := NewEntityLocks()
	dumper := &fakeDumper{output: "INSERT INTO clients VALUES (1);\n"}

	if options.Location == nil {
		options.Location = time.UTC
	}
	if options.DatabaseName == "" {
		options.DatabaseName = "inventory"
	}

	executor, err := NewExecutor(ExecutorConfig{
		Store:      store,
		Records:    WithEntityLocks(records, locks),
		Dumper:     dumper,
		Classifier: DefaultClassifier(),
		Enforcer:   enforcer,
		Metrics:    metrics,
		Clock:      clk,
		Logger:     bl,
		Options:    options,
	})
	require.NoError(t, err)

	engine, err := NewEngine(EngineConfig{
		Store:   store,
		Records: records,
		Dumper:  dumper,
		Locks:   locks,
		Metrics: metrics,
		Clock:   clk,
		Logger:  bl,
		Options: RestoreOptions{AssetsDir: options.AssetsDir},
	})
	require.NoError(t, err)

	return &testEnv{
		store:    store,
		records:  records,
		clock:    clk,
		executor: executor,
		engine:   engine,
		enforcer: enforcer,
		metrics:  metrics,
		dumper:   dumper,
	}
}
