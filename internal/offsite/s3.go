package offsite

import (
	"context"
	"fmt"
	"io"

	"inventory-backup/internal/backup"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Mirror uploads snapshots to an S3 bucket
type S3Mirror struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Mirror creates an S3 mirror. Without static keys the default AWS
// credential chain is used.
func NewS3Mirror(config S3Config, prefix string) (*S3Mirror, error) {
	awsConfig := &aws.Config{Region: aws.String(config.Region)}
	if config.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, "")
	}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}
	if config.ForcePathStyle {
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, backup.NewConfigurationError("failed to create AWS session", err)
	}

	client := s3.New(sess)
	return &S3Mirror{
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
		bucket:   config.Bucket,
		prefix:   prefix,
	}, nil
}

// Name identifies the mirror in logs
func (m *S3Mirror) Name() string {
	return fmt.Sprintf("s3://%s/%s", m.bucket, m.prefix)
}

// Upload streams one snapshot into the bucket
func (m *S3Mirror) Upload(ctx context.Context, record *backup.SnapshotRecord, r io.Reader) error {
	metadata := make(map[string]*string)
	for key, value := range objectMetadata(record) {
		metadata[key] = aws.String(value)
	}

	_, err := m.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(ObjectKey(m.prefix, record)),
		Body:        r,
		ContentType: aws.String(contentType(record)),
		Metadata:    metadata,
	})
	if err != nil {
		return uploadError("S3", record, err)
	}
	return nil
}

// HealthCheck verifies the bucket is reachable with the configured credentials
func (m *S3Mirror) HealthCheck(ctx context.Context) error {
	_, err := m.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(m.bucket)})
	if err != nil {
		return backup.NewConfigurationError("S3 bucket not accessible", err)
	}
	return nil
}
