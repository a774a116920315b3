package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"inventory-backup/internal/backup"
	"inventory-backup/internal/database"
	"inventory-backup/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockBackupper struct {
	mock.Mock
	withAssets bool
}

func (m *mockBackupper) Execute(ctx context.Context, source backup.Source, opts backup.ExecuteOptions) (*backup.SnapshotRecord, error) {
	args := m.Called(ctx, source, opts)
	record, _ := args.Get(0).(*backup.SnapshotRecord)
	return record, args.Error(1)
}

func (m *mockBackupper) DatabaseSource() backup.Source {
	return backup.Source{Kind: backup.KindFullDump, Name: "inventory"}
}

func (m *mockBackupper) AssetsSource() (backup.Source, bool) {
	return backup.Source{Kind: backup.KindAssetArchive, Name: "assets"}, m.withAssets
}

type mockRestorer struct {
	mock.Mock
}

func (m *mockRestorer) Restore(ctx context.Context, id string) (*backup.RestoreResult, error) {
	args := m.Called(ctx, id)
	result, _ := args.Get(0).(*backup.RestoreResult)
	return result, args.Error(1)
}

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) Verify(ctx context.Context, id string) (*backup.VerifyResult, error) {
	args := m.Called(ctx, id)
	result, _ := args.Get(0).(*backup.VerifyResult)
	return result, args.Error(1)
}

type testServer struct {
	server    *Server
	store     *backup.FileStore
	backupper *mockBackupper
	restorer  *mockRestorer
	verifier  *mockVerifier
}

func newTestServer(t *testing.T, withAssets bool) *testServer {
	t.Helper()
	logger := logging.NewDiscardLogger()
	store, err := backup.NewFileStore(t.TempDir(), backup.FileStoreOptions{DatabaseFingerprint: "inventory"}, logger)
	require.NoError(t, err)

	ts := &testServer{
		store:     store,
		backupper: &mockBackupper{withAssets: withAssets},
		restorer:  &mockRestorer{},
		verifier:  &mockVerifier{},
	}
	ts.server, err = NewServer(Config{
		Store:     store,
		Backupper: ts.backupper,
		Restorer:  ts.restorer,
		Verifier:  ts.verifier,
		Metrics:   backup.NewMetrics(),
		Logger:    logger,
	})
	require.NoError(t, err)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) seed(t *testing.T, tier backup.Tier, entity string, createdAt time.Time) *backup.SnapshotRecord {
	t.Helper()
	var buf bytes.Buffer
	snapshot := backup.NewEntitySnapshot("backup-"+entity, entity, createdAt, []database.Record{{"id": 1}})
	require.NoError(t, snapshot.Encode(&buf))

	file, err := ts.store.TempFile(backup.KindEntitySnapshot)
	require.NoError(t, err)
	_, err = file.Write(buf.Bytes())
	require.NoError(t, err)
	require.NoError(t, file.Close())

	record, err := ts.store.Commit(file.Name(), backup.SnapshotName{
		Kind:      backup.KindEntitySnapshot,
		Tier:      tier,
		Source:    entity,
		CreatedAt: createdAt,
		Extension: ".json",
	})
	require.NoError(t, err)
	return record
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorPayload {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	_, err := NewServer(Config{})
	require.Error(t, err)
	assert.True(t, backup.IsType(err, backup.BackupErrorTypeConfiguration))
}

func TestListBackups(t *testing.T) {
	ts := newTestServer(t, false)
	base := time.Date(2024, time.March, 1, 2, 0, 0, 0, time.UTC)
	ts.seed(t, backup.TierDaily, "clients", base)
	ts.seed(t, backup.TierDaily, "sellers", base.Add(time.Hour))
	ts.seed(t, backup.TierWeekly, "clients", base.Add(2*time.Hour))

	t.Run("all", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/backups", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

		var body ListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Backups, 3)
		assert.Equal(t, 3, body.Stats.TotalCount)
		assert.Equal(t, 2, body.Stats.Tiers[backup.TierDaily].Count)
		// newest first
		assert.Equal(t, backup.TierWeekly, body.Backups[0].Tier)
	})

	t.Run("filtered", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/backups?tier=daily&source=clients", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var body ListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Backups, 1)
		assert.Equal(t, "clients", body.Backups[0].SourceFingerprint)
	})

	t.Run("bad tier", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/backups?tier=hourly", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_ARGUMENT", decodeError(t, rec).Type)
	})
}

func TestListBackups_EmptyStore(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodGet, "/api/backups", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"backups":[]`)
}

func TestStats(t *testing.T) {
	ts := newTestServer(t, false)
	ts.seed(t, backup.TierMonthly, "clients", time.Date(2024, time.March, 1, 2, 0, 0, 0, time.UTC))

	rec := ts.do(t, http.MethodGet, "/api/backups/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats backup.StoreStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Tiers[backup.TierMonthly].Count)
	assert.Equal(t, 1, stats.Kinds[backup.KindEntitySnapshot].Count)
}

func TestGetBackup(t *testing.T) {
	ts := newTestServer(t, false)
	record := ts.seed(t, backup.TierDaily, "clients", time.Date(2024, time.March, 1, 2, 0, 0, 0, time.UTC))

	rec := ts.do(t, http.MethodGet, "/api/backups/"+record.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got backup.SnapshotRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, record.ID, got.ID)

	rec = ts.do(t, http.MethodGet, "/api/backups/daily-1999-01-01T00-00-00Z.json", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Type)
}

func TestVerifyBackup(t *testing.T) {
	ts := newTestServer(t, false)
	ts.verifier.On("Verify", mock.Anything, "daily-ok.json").
		Return(&backup.VerifyResult{SnapshotID: "daily-ok.json", Valid: true, RecordCount: 4}, nil)
	ts.verifier.On("Verify", mock.Anything, "daily-bad.json").
		Return(&backup.VerifyResult{SnapshotID: "daily-bad.json", Error: "truncated"},
			backup.NewCorruptSnapshotError("truncated", nil))
	ts.verifier.On("Verify", mock.Anything, "missing.json").
		Return(nil, backup.NewNotFoundError("snapshot missing.json not found", nil))

	rec := ts.do(t, http.MethodGet, "/api/backups/daily-ok.json/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":true`)

	rec = ts.do(t, http.MethodGet, "/api/backups/daily-bad.json/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":false`)

	rec = ts.do(t, http.MethodGet, "/api/backups/missing.json/verify", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManualBackup(t *testing.T) {
	dbRecord := &backup.SnapshotRecord{ID: "manual-2024-03-01T10-00-00Z.sql.zst", Tier: backup.TierAdhoc, Kind: backup.KindFullDump}
	assetsRecord := &backup.SnapshotRecord{ID: "manual-2024-03-01T10-00-00Z.tar.gz", Tier: backup.TierAdhoc, Kind: backup.KindAssetArchive}
	adhoc := backup.ExecuteOptions{Adhoc: true}
	isDatabase := mock.MatchedBy(func(s backup.Source) bool { return s.Kind == backup.KindFullDump })
	isAssets := mock.MatchedBy(func(s backup.Source) bool { return s.Kind == backup.KindAssetArchive })

	t.Run("both succeed", func(t *testing.T) {
		ts := newTestServer(t, true)
		ts.backupper.On("Execute", mock.Anything, isDatabase, adhoc).Return(dbRecord, nil)
		ts.backupper.On("Execute", mock.Anything, isAssets, adhoc).Return(assetsRecord, nil)

		rec := ts.do(t, http.MethodPost, "/api/backups/manual", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var body ManualResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.True(t, body.Database.OK)
		assert.Equal(t, dbRecord.ID, body.Database.Snapshot.ID)
		require.NotNil(t, body.Assets)
		assert.True(t, body.Assets.OK)
		ts.backupper.AssertExpectations(t)
	})

	t.Run("partial failure still succeeds", func(t *testing.T) {
		ts := newTestServer(t, true)
		ts.backupper.On("Execute", mock.Anything, isDatabase, adhoc).
			Return(nil, backup.NewBackupFailedError("mysqldump exited with status 2", nil))
		ts.backupper.On("Execute", mock.Anything, isAssets, adhoc).Return(assetsRecord, nil)

		rec := ts.do(t, http.MethodPost, "/api/backups/manual", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var body ManualResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.False(t, body.Database.OK)
		require.NotNil(t, body.Database.Error)
		assert.Equal(t, "BACKUP_FAILED", body.Database.Error.Type)
		assert.Equal(t, "mysqldump exited with status 2", body.Database.Error.Message)
		assert.True(t, body.Assets.OK)
	})

	t.Run("all failed", func(t *testing.T) {
		ts := newTestServer(t, false)
		ts.backupper.On("Execute", mock.Anything, isDatabase, adhoc).
			Return(nil, backup.NewInProgressError("a backup of inventory is already running", nil))

		rec := ts.do(t, http.MethodPost, "/api/backups/manual", "")
		require.Equal(t, http.StatusInternalServerError, rec.Code)

		var body ManualResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Nil(t, body.Assets)
		assert.Equal(t, "BACKUP_IN_PROGRESS", body.Database.Error.Type)
	})

	t.Run("custom label", func(t *testing.T) {
		ts := newTestServer(t, false)
		ts.backupper.On("Execute", mock.Anything, isDatabase, backup.ExecuteOptions{Adhoc: true, Label: "before-import"}).
			Return(dbRecord, nil)

		rec := ts.do(t, http.MethodPost, "/api/backups/manual", `{"label":" before-import "}`)
		require.Equal(t, http.StatusOK, rec.Code)
		ts.backupper.AssertExpectations(t)
	})

	t.Run("malformed body", func(t *testing.T) {
		ts := newTestServer(t, false)

		rec := ts.do(t, http.MethodPost, "/api/backups/manual", `{"label":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		ts.backupper.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestRestore(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		result     *backup.RestoreResult
		err        error
		wantStatus int
		wantType   string
	}{
		{
			name:       "success",
			body:       `{"backupFilename":"daily-clients-2024-03-01T02-00-00Z.json"}`,
			result:     &backup.RestoreResult{SnapshotID: "daily-clients-2024-03-01T02-00-00Z.json", RestoredCount: 12, DurationMs: 40},
			wantStatus: http.StatusOK,
		},
		{
			name:       "not found",
			body:       `{"backupFilename":"daily-clients-2024-03-01T02-00-00Z.json"}`,
			err:        backup.NewNotFoundError("snapshot not found", nil),
			wantStatus: http.StatusNotFound,
			wantType:   "NOT_FOUND",
		},
		{
			name:       "in progress",
			body:       `{"backupFilename":"daily-clients-2024-03-01T02-00-00Z.json"}`,
			err:        backup.NewInProgressError("clients is being restored", nil),
			wantStatus: http.StatusConflict,
			wantType:   "BACKUP_IN_PROGRESS",
		},
		{
			name:       "corrupt",
			body:       `{"backupFilename":"daily-clients-2024-03-01T02-00-00Z.json"}`,
			err:        backup.NewCorruptSnapshotError("not a snapshot", nil),
			wantStatus: http.StatusInternalServerError,
			wantType:   "CORRUPT_SNAPSHOT",
		},
		{
			name:       "unclassified",
			body:       `{"backupFilename":"daily-clients-2024-03-01T02-00-00Z.json"}`,
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantType:   "INTERNAL",
		},
		{
			name:       "malformed body",
			body:       `not json`,
			wantStatus: http.StatusBadRequest,
			wantType:   "INVALID_ARGUMENT",
		},
		{
			name:       "missing filename",
			body:       `{"backupFilename":"  "}`,
			wantStatus: http.StatusBadRequest,
			wantType:   "INVALID_ARGUMENT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, false)
			if tt.result != nil || tt.err != nil {
				ts.restorer.On("Restore", mock.Anything, "daily-clients-2024-03-01T02-00-00Z.json").Return(tt.result, tt.err)
			}

			rec := ts.do(t, http.MethodPost, "/api/backups/restore", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantType != "" {
				assert.Equal(t, tt.wantType, decodeError(t, rec).Type)
				return
			}
			var result backup.RestoreResult
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
			assert.Equal(t, 12, result.RestoredCount)
			ts.restorer.AssertExpectations(t)
		})
	}
}

func TestMetricsAndHealth(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "inventory_backup")
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodGet, "/api/nothing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Type)
}

func TestHealth_DatabaseUnreachable(t *testing.T) {
	logger := logging.NewDiscardLogger()
	store, err := backup.NewFileStore(t.TempDir(), backup.FileStoreOptions{DatabaseFingerprint: "inventory"}, logger)
	require.NoError(t, err)

	server, err := NewServer(Config{
		Store:     store,
		Backupper: &mockBackupper{},
		Restorer:  &mockRestorer{},
		Logger:    logger,
		Health: func(ctx context.Context) error {
			return errors.New("dial tcp: connection refused")
		},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}
