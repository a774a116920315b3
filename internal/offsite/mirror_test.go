package offsite

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"inventory-backup/internal/backup"
	"inventory-backup/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord() *backup.SnapshotRecord {
	return &backup.SnapshotRecord{
		ID:                "daily-clients-2024-03-05T02-00-00Z.json",
		Tier:              backup.TierDaily,
		Kind:              backup.KindEntitySnapshot,
		CreatedAt:         time.Date(2024, 3, 5, 2, 0, 0, 0, time.UTC),
		SourceFingerprint: "clients",
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"disabled", Config{}, false},
		{"none", Config{Provider: ProviderNone}, false},
		{"s3 valid", Config{Provider: ProviderS3, S3: S3Config{Bucket: "b", Region: "eu-west-1", AccessKey: "a", SecretKey: "s"}}, false},
		{"s3 default chain", Config{Provider: ProviderS3, S3: S3Config{Bucket: "b", Region: "eu-west-1"}}, false},
		{"s3 missing bucket", Config{Provider: ProviderS3, S3: S3Config{Region: "eu-west-1"}}, true},
		{"s3 half credentials", Config{Provider: ProviderS3, S3: S3Config{Bucket: "b", Region: "eu-west-1", AccessKey: "a"}}, true},
		{"gcs valid", Config{Provider: ProviderGCS, GCS: GCSConfig{Bucket: "b"}}, false},
		{"gcs missing bucket", Config{Provider: ProviderGCS}, true},
		{"azure valid", Config{Provider: ProviderAzure, Azure: AzureConfig{AccountName: "acc", AccountKey: "a2V5", ContainerName: "c"}}, false},
		{"azure missing container", Config{Provider: ProviderAzure, Azure: AzureConfig{AccountName: "acc", AccountKey: "a2V5"}}, true},
		{"unknown", Config{Provider: "ftp"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_SetDefaults(t *testing.T) {
	config := Config{Provider: " S3 ", Prefix: "shop"}
	config.SetDefaults()

	assert.Equal(t, ProviderS3, config.Provider)
	assert.Equal(t, "shop/", config.Prefix)
	assert.Equal(t, "us-east-1", config.S3.Region)
	assert.True(t, config.Enabled())

	empty := Config{}
	empty.SetDefaults()
	assert.Equal(t, ProviderNone, empty.Provider)
	assert.Equal(t, DefaultPrefix, empty.Prefix)
	assert.False(t, empty.Enabled())
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "inventory-backups/entity_snapshot/daily-clients-2024-03-05T02-00-00Z.json", ObjectKey(DefaultPrefix, testRecord()))
	assert.Equal(t, "full_dump/daily.sql", ObjectKey("", &backup.SnapshotRecord{ID: "daily.sql", Kind: backup.KindFullDump}))
}

func TestObjectMetadata(t *testing.T) {
	metadata := objectMetadata(testRecord())
	assert.Equal(t, "daily", metadata["tier"])
	assert.Equal(t, "clients", metadata["source"])
	assert.Equal(t, "2024-03-05T02:00:00Z", metadata["created-at"])
	assert.Equal(t, "application/json", contentType(testRecord()))
}

func TestNew_Disabled(t *testing.T) {
	mirror, err := New(context.Background(), Config{}, logging.NewDiscardLogger())
	require.NoError(t, err)
	assert.Nil(t, mirror)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(context.Background(), Config{Provider: ProviderGCS}, logging.NewDiscardLogger())
	require.Error(t, err)
	assert.True(t, backup.IsType(err, backup.BackupErrorTypeConfiguration))
}

func TestNew_Azure(t *testing.T) {
	mirror, err := New(context.Background(), Config{
		Provider: ProviderAzure,
		Azure:    AzureConfig{AccountName: "shop", AccountKey: "c2VjcmV0", ContainerName: "backups"},
	}, logging.NewDiscardLogger())
	require.NoError(t, err)

	azure, ok := mirror.(*AzureMirror)
	require.True(t, ok)
	assert.Equal(t, "azure://backups/inventory-backups/", azure.Name())
	url := azure.URL()
	assert.Equal(t, "shop.blob.core.windows.net", url.Host)
	assert.Equal(t, "/backups", url.Path)
}

func TestNewAzureMirror_RejectsBadKey(t *testing.T) {
	_, err := NewAzureMirror(AzureConfig{AccountName: "shop", AccountKey: "not base64!", ContainerName: "c"}, DefaultPrefix)
	require.Error(t, err)
	assert.True(t, backup.IsType(err, backup.BackupErrorTypeConfiguration))
}

func TestNewGCSMirror_Emulator(t *testing.T) {
	mirror, err := NewGCSMirror(context.Background(), GCSConfig{Bucket: "shop", Endpoint: "http://localhost:4443/storage/v1/"}, DefaultPrefix)
	require.NoError(t, err)
	defer mirror.Close()
	assert.Equal(t, "gs://shop/inventory-backups/", mirror.Name())
}

type s3Request struct {
	method string
	path   string
	body   string
	tier   string
}

func newFakeS3(t *testing.T, status int) (*httptest.Server, *[]s3Request) {
	t.Helper()
	var mu sync.Mutex
	var requests []s3Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, s3Request{
			method: r.Method,
			path:   r.URL.Path,
			body:   string(body),
			tier:   r.Header.Get("X-Amz-Meta-Tier"),
		})
		mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func TestS3Mirror_Upload(t *testing.T) {
	server, requests := newFakeS3(t, http.StatusOK)
	mirror, err := NewS3Mirror(S3Config{
		Bucket:    "shop",
		Region:    "us-east-1",
		AccessKey: "key",
		SecretKey: "secret",
		Endpoint:  server.URL,
	}, DefaultPrefix)
	require.NoError(t, err)

	content := `{"metadata":{},"data":[]}`
	require.NoError(t, mirror.Upload(context.Background(), testRecord(), strings.NewReader(content)))

	require.Len(t, *requests, 1)
	request := (*requests)[0]
	assert.Equal(t, http.MethodPut, request.method)
	assert.Equal(t, "/shop/inventory-backups/entity_snapshot/daily-clients-2024-03-05T02-00-00Z.json", request.path)
	assert.Equal(t, content, request.body)
	assert.Equal(t, "daily", request.tier)
}

func TestS3Mirror_UploadFailure(t *testing.T) {
	server, _ := newFakeS3(t, http.StatusForbidden)
	mirror, err := NewS3Mirror(S3Config{
		Bucket:    "shop",
		Region:    "us-east-1",
		AccessKey: "key",
		SecretKey: "secret",
		Endpoint:  server.URL,
	}, DefaultPrefix)
	require.NoError(t, err)

	err = mirror.Upload(context.Background(), testRecord(), strings.NewReader("x"))
	require.Error(t, err)
	assert.True(t, backup.IsType(err, backup.BackupErrorTypeOperationFailed))
}
