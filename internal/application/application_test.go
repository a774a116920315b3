package application

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"inventory-backup/internal/backup"
	"inventory-backup/internal/config"
	"inventory-backup/internal/logging"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Root = filepath.Join(t.TempDir(), "backups")
	return cfg
}

func TestNew_StoreOnly(t *testing.T) {
	cfg := testConfig(t)

	app, err := New(context.Background(), cfg, Options{Logger: logging.NewDiscardLogger()})
	require.NoError(t, err)
	defer app.Close()

	assert.NotNil(t, app.Store)
	assert.NotNil(t, app.Executor)
	assert.NotNil(t, app.Engine)
	assert.NotNil(t, app.Enforcer)
	assert.NotNil(t, app.Coordinator)
	assert.Nil(t, app.Records)
	assert.Nil(t, app.Dumper)
	assert.Nil(t, app.Mirror)
	assert.Empty(t, app.Sources())
	assert.NotNil(t, app.ShutdownHandler())

	err = app.Ping(context.Background())
	assert.True(t, backup.IsType(err, backup.BackupErrorTypeConfiguration))

	assert.DirExists(t, cfg.Storage.Root)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backup.LockMode = "wait"

	_, err := New(context.Background(), cfg, Options{Logger: logging.NewDiscardLogger()})
	require.Error(t, err)
	assert.True(t, backup.IsType(err, backup.BackupErrorTypeConfiguration))
	assert.Contains(t, err.Error(), "lock_mode")
}

func TestNew_WithDatabase(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig(t)
	cfg.Database.Host = "db.internal"
	cfg.Database.Username = "backup"
	cfg.Database.Database = "inventory"
	cfg.Backup.Entities = []string{"clients", "sellers"}
	cfg.Backup.AssetsDir = t.TempDir()

	app, err := New(context.Background(), cfg, Options{Logger: logging.NewDiscardLogger(), DB: db})
	require.NoError(t, err)
	defer app.Close()

	assert.NotNil(t, app.Records)
	assert.NotNil(t, app.Dumper)

	sources := app.Sources()
	require.Len(t, sources, 4)
	assert.Equal(t, backup.Source{Kind: backup.KindFullDump, Name: "inventory"}, sources[0])
	assert.Equal(t, backup.KindAssetArchive, sources[1].Kind)
	assert.Equal(t, backup.Source{Kind: backup.KindEntitySnapshot, Name: "sellers"}, sources[3])

	mock.ExpectPing()
	assert.NoError(t, app.Ping(context.Background()))

	// an injected pool belongs to the caller
	require.NoError(t, app.Close())
	mock.ExpectClose()
	require.NoError(t, db.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewScheduler(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backup.Schedule = "30 3 * * *"
	cfg.Backup.AssetsDir = t.TempDir()

	app, err := New(context.Background(), cfg, Options{Logger: logging.NewDiscardLogger()})
	require.NoError(t, err)
	defer app.Close()

	scheduler, err := app.NewScheduler()
	require.NoError(t, err)
	require.Len(t, scheduler.Sources(), 1)
	assert.Equal(t, 3, scheduler.Next().Hour())
}

func TestApplication_AssetBackupRoundTrip(t *testing.T) {
	assets := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(assets, "logo.png"), []byte("png"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(assets, "sellers"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(assets, "sellers", "42.jpg"), []byte("jpg"), 0644))

	cfg := testConfig(t)
	cfg.Backup.AssetsDir = assets

	app, err := New(context.Background(), cfg, Options{Logger: logging.NewDiscardLogger()})
	require.NoError(t, err)
	defer app.Close()

	scheduler, err := app.NewScheduler()
	require.NoError(t, err)
	results := scheduler.RunOnce(context.Background())
	require.Len(t, results, 1)
	require.NoError(t, results[0].Error)

	record := results[0].Snapshot
	assert.Equal(t, backup.KindAssetArchive, record.Kind)
	assert.True(t, record.Tier.IsScheduled())

	verified, err := app.Engine.Verify(context.Background(), record.ID)
	require.NoError(t, err)
	assert.True(t, verified.Valid)
	assert.Equal(t, 2, verified.RecordCount)

	require.NoError(t, os.Remove(filepath.Join(assets, "logo.png")))
	restored, err := app.Engine.Restore(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, restored.RestoredCount)
	assert.FileExists(t, filepath.Join(assets, "logo.png"))
}
