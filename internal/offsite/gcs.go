package offsite

import (
	"context"
	"fmt"
	"io"

	"inventory-backup/internal/backup"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSMirror uploads snapshots to a Google Cloud Storage bucket
type GCSMirror struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSMirror creates a GCS mirror
func NewGCSMirror(ctx context.Context, config GCSConfig, prefix string) (*GCSMirror, error) {
	var opts []option.ClientOption
	if config.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsPath))
	}
	if config.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(config.Endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, backup.NewConfigurationError("failed to create GCS client", err)
	}

	return &GCSMirror{client: client, bucket: config.Bucket, prefix: prefix}, nil
}

// Name identifies the mirror in logs
func (m *GCSMirror) Name() string {
	return fmt.Sprintf("gs://%s/%s", m.bucket, m.prefix)
}

// Upload streams one snapshot into the bucket
func (m *GCSMirror) Upload(ctx context.Context, record *backup.SnapshotRecord, r io.Reader) error {
	writer := m.client.Bucket(m.bucket).Object(ObjectKey(m.prefix, record)).NewWriter(ctx)
	writer.ContentType = contentType(record)
	writer.Metadata = objectMetadata(record)

	if _, err := io.Copy(writer, r); err != nil {
		writer.Close()
		return uploadError("GCS", record, err)
	}
	if err := writer.Close(); err != nil {
		return uploadError("GCS", record, err)
	}
	return nil
}

// Close releases the client
func (m *GCSMirror) Close() error {
	return m.client.Close()
}
