// Package offsite mirrors committed snapshots to cloud object storage.
//
// Mirroring is best effort: the local store stays the source of truth and
// restores never read from a mirror.
package offsite

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"inventory-backup/internal/backup"
	"inventory-backup/internal/logging"
)

// New creates the mirror selected by config. It returns nil when mirroring
// is disabled.
func New(ctx context.Context, config Config, logger *logging.Logger) (backup.Mirror, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, backup.NewConfigurationError("invalid offsite configuration", err)
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	var (
		mirror backup.Mirror
		err    error
	)
	switch config.Provider {
	case ProviderNone:
		return nil, nil
	case ProviderS3:
		mirror, err = NewS3Mirror(config.S3, config.Prefix)
	case ProviderGCS:
		mirror, err = NewGCSMirror(ctx, config.GCS, config.Prefix)
	case ProviderAzure:
		mirror, err = NewAzureMirror(config.Azure, config.Prefix)
	}
	if err != nil {
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"provider": string(config.Provider),
		"mirror":   mirror.Name(),
	}).Info("Offsite mirror configured")
	return mirror, nil
}

// SupportedProviders lists the providers New understands
func SupportedProviders() []ProviderType {
	return []ProviderType{ProviderNone, ProviderS3, ProviderGCS, ProviderAzure}
}

// ObjectKey places a snapshot under prefix/<kind>/<id>
func ObjectKey(prefix string, record *backup.SnapshotRecord) string {
	id := strings.ReplaceAll(record.ID, "\\", "_")
	return path.Join(prefix, string(record.Kind), id)
}

// objectMetadata describes a snapshot to the object store
func objectMetadata(record *backup.SnapshotRecord) map[string]string {
	return map[string]string{
		"snapshot-id": record.ID,
		"tier":        string(record.Tier),
		"kind":        string(record.Kind),
		"source":      record.SourceFingerprint,
		"created-at":  record.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func contentType(record *backup.SnapshotRecord) string {
	switch {
	case strings.HasSuffix(record.ID, ".json"):
		return "application/json"
	case strings.HasSuffix(record.ID, ".sql"):
		return "application/sql"
	default:
		return "application/octet-stream"
	}
}

func uploadError(provider string, record *backup.SnapshotRecord, err error) error {
	return backup.NewBackupError(backup.BackupErrorTypeOperationFailed,
		fmt.Sprintf("failed to upload %s to %s", record.ID, provider), err).
		WithContext("snapshot_id", record.ID)
}
