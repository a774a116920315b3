package offsite

import (
	"fmt"
	"strings"

	"inventory-backup/internal/backup"
)

// ProviderType names an offsite object store
type ProviderType string

const (
	ProviderNone  ProviderType = "none"
	ProviderS3    ProviderType = "s3"
	ProviderGCS   ProviderType = "gcs"
	ProviderAzure ProviderType = "azure"
)

// DefaultPrefix is prepended to every object key
const DefaultPrefix = "inventory-backups/"

// Config selects and configures the offsite mirror
type Config struct {
	Provider ProviderType `mapstructure:"provider" yaml:"provider"`
	Prefix   string       `mapstructure:"prefix" yaml:"prefix"`
	S3       S3Config     `mapstructure:"s3" yaml:"s3"`
	GCS      GCSConfig    `mapstructure:"gcs" yaml:"gcs"`
	Azure    AzureConfig  `mapstructure:"azure" yaml:"azure"`
}

// S3Config configures an S3 or S3 compatible bucket
type S3Config struct {
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Region    string `mapstructure:"region" yaml:"region"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	// Endpoint targets S3 compatible services such as MinIO
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// GCSConfig configures a Google Cloud Storage bucket
type GCSConfig struct {
	Bucket string `mapstructure:"bucket" yaml:"bucket"`
	// CredentialsPath is a service account file; empty uses application default credentials
	CredentialsPath string `mapstructure:"credentials_path" yaml:"credentials_path"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
}

// AzureConfig configures an Azure Blob Storage container
type AzureConfig struct {
	AccountName   string `mapstructure:"account_name" yaml:"account_name"`
	AccountKey    string `mapstructure:"account_key" yaml:"account_key"`
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
	// Endpoint overrides https://<account>.blob.core.windows.net, e.g. for Azurite
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// Enabled reports whether a mirror is configured
func (c Config) Enabled() bool {
	provider := ProviderType(strings.ToLower(string(c.Provider)))
	return provider != "" && provider != ProviderNone
}

// SetDefaults fills in optional values
func (c *Config) SetDefaults() {
	c.Provider = ProviderType(strings.ToLower(strings.TrimSpace(string(c.Provider))))
	if c.Provider == "" {
		c.Provider = ProviderNone
	}
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if !strings.HasSuffix(c.Prefix, "/") {
		c.Prefix += "/"
	}
	if c.Provider == ProviderS3 && c.S3.Region == "" {
		c.S3.Region = "us-east-1"
	}
}

// Validate checks the settings of the selected provider
func (c Config) Validate() error {
	var errs backup.ValidationErrors

	switch c.Provider {
	case ProviderNone, "":
		return nil
	case ProviderS3:
		if c.S3.Bucket == "" {
			errs.Add("offsite.s3.bucket", "S3 bucket name is required", nil)
		}
		if c.S3.Region == "" {
			errs.Add("offsite.s3.region", "S3 region is required", nil)
		}
		if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
			errs.Add("offsite.s3.access_key", "access key and secret key must be set together", nil)
		}
	case ProviderGCS:
		if c.GCS.Bucket == "" {
			errs.Add("offsite.gcs.bucket", "GCS bucket name is required", nil)
		}
	case ProviderAzure:
		if c.Azure.AccountName == "" {
			errs.Add("offsite.azure.account_name", "Azure account name is required", nil)
		}
		if c.Azure.AccountKey == "" {
			errs.Add("offsite.azure.account_key", "Azure account key is required", nil)
		}
		if c.Azure.ContainerName == "" {
			errs.Add("offsite.azure.container_name", "Azure container name is required", nil)
		}
	default:
		errs.Add("offsite.provider", fmt.Sprintf("unsupported provider %q", c.Provider), c.Provider)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
