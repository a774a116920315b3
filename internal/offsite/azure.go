package offsite

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"inventory-backup/internal/backup"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

const azureBlockSize = 4 * 1024 * 1024

// AzureMirror uploads snapshots to an Azure Blob Storage container
type AzureMirror struct {
	containerURL  azblob.ContainerURL
	containerName string
	prefix        string
}

// NewAzureMirror creates an Azure mirror
func NewAzureMirror(config AzureConfig, prefix string) (*AzureMirror, error) {
	credential, err := azblob.NewSharedKeyCredential(config.AccountName, config.AccountKey)
	if err != nil {
		return nil, backup.NewConfigurationError("failed to create Azure credentials", err)
	}
	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", config.AccountName)
	}
	serviceURL, err := url.Parse(strings.TrimSuffix(endpoint, "/"))
	if err != nil {
		return nil, backup.NewConfigurationError("failed to parse Azure service URL", err)
	}

	return &AzureMirror{
		containerURL:  azblob.NewServiceURL(*serviceURL, pipeline).NewContainerURL(config.ContainerName),
		containerName: config.ContainerName,
		prefix:        prefix,
	}, nil
}

// Name identifies the mirror in logs
func (m *AzureMirror) Name() string {
	return fmt.Sprintf("azure://%s/%s", m.containerName, m.prefix)
}

// URL returns the container endpoint
func (m *AzureMirror) URL() url.URL {
	return m.containerURL.URL()
}

// Upload streams one snapshot into the container in 4MB blocks
func (m *AzureMirror) Upload(ctx context.Context, record *backup.SnapshotRecord, r io.Reader) error {
	blobURL := m.containerURL.NewBlockBlobURL(ObjectKey(m.prefix, record))

	metadata := azblob.Metadata{}
	for key, value := range objectMetadata(record) {
		// Azure metadata names must be valid C# identifiers
		metadata[strings.ReplaceAll(key, "-", "_")] = value
	}

	_, err := azblob.UploadStreamToBlockBlob(ctx, r, blobURL, azblob.UploadStreamToBlockBlobOptions{
		BufferSize: azureBlockSize,
		MaxBuffers: 4,
		Metadata:   metadata,
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: contentType(record),
		},
	})
	if err != nil {
		return uploadError("Azure", record, err)
	}
	return nil
}
