package config

import (
	"time"

	"github.com/williamokano/s3lite/pkg/storage"
)

// Defaults applied by the getters when a field is omitted
const (
	DefaultMultipartThresholdMB = 8
	DefaultPartSizeMB           = 8
	DefaultConcurrency          = 4
	DefaultBulkConcurrency      = 8
	DefaultSignatureTTLSeconds  = 900
	DefaultPresignExpirySeconds = 3600
)

// TransferConfig tunes uploads and downloads
type TransferConfig struct {
	MultipartThresholdMB  int  `json:"multipart_threshold_mb,omitempty"`  // default: 8
	PartSizeMB            int  `json:"part_size_mb,omitempty"`            // default: 8, minimum 5
	Concurrency           int  `json:"concurrency,omitempty"`             // parts in flight, default: 4
	BulkConcurrency       int  `json:"bulk_concurrency,omitempty"`        // files in flight for bulk helpers, default: 8
	DisableIntegrityCheck bool `json:"disable_integrity_check,omitempty"` // for servers whose ETags are not MD5
}

// RetryConfig mirrors storage.RetryConfig in JSON-friendly units
type RetryConfig struct {
	MaxAttempts    int     `json:"max_attempts,omitempty"`     // default: 3
	InitialDelayMS int     `json:"initial_delay_ms,omitempty"` // default: 100
	MaxDelayMS     int     `json:"max_delay_ms,omitempty"`     // default: 20000
	BackoffFactor  float64 `json:"backoff_factor,omitempty"`   // default: 2
}

// Config is the root configuration structure
type Config struct {
	Endpoint        string `json:"endpoint"`
	Region          string `json:"region,omitempty"` // default: us-east-1
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	SessionToken    string `json:"session_token,omitempty"`
	// ForcePathStyle addresses buckets as /bucket/key. Defaults to true, which is
	// what MinIO and LocalStack expect.
	ForcePathStyle *bool `json:"force_path_style,omitempty"`

	Transfer             TransferConfig `json:"transfer,omitempty"`
	Retry                RetryConfig    `json:"retry,omitempty"`
	SignatureTTLSeconds  int            `json:"signature_ttl_seconds,omitempty"`  // default: 900
	PresignExpirySeconds int            `json:"presign_expiry_seconds,omitempty"` // default: 3600

	LogLevel    string `json:"log_level,omitempty"`    // debug, info, warn, error (default: info)
	LogFormat   string `json:"log_format,omitempty"`   // json, console (default: json)
	MetricsAddr string `json:"metrics_addr,omitempty"` // serve /metrics here when set
}

// GetRegion returns the signing region (defaults to us-east-1)
func (c *Config) GetRegion() string {
	if c.Region != "" {
		return c.Region
	}
	return storage.DefaultRegion
}

// UsePathStyle returns whether path-style addressing is used (defaults to true)
func (c *Config) UsePathStyle() bool {
	if c.ForcePathStyle != nil {
		return *c.ForcePathStyle
	}
	return true
}

// GetEndpoint parses the endpoint URL
func (c *Config) GetEndpoint() (storage.Endpoint, error) {
	return storage.ParseEndpoint(c.Endpoint, c.GetRegion(), c.UsePathStyle())
}

// GetCredentials returns the validated credentials
func (c *Config) GetCredentials() (storage.Credentials, error) {
	return storage.NewCredentials(c.AccessKeyID, c.SecretAccessKey, c.SessionToken)
}

// GetMultipartThreshold returns the multipart threshold in bytes
func (c *Config) GetMultipartThreshold() int64 {
	if c.Transfer.MultipartThresholdMB > 0 {
		return int64(c.Transfer.MultipartThresholdMB) << 20
	}
	return DefaultMultipartThresholdMB << 20
}

// GetPartSize returns the multipart part size in bytes
func (c *Config) GetPartSize() int64 {
	if c.Transfer.PartSizeMB > 0 {
		return int64(c.Transfer.PartSizeMB) << 20
	}
	return DefaultPartSizeMB << 20
}

// GetConcurrency returns the number of parts uploaded at once
func (c *Config) GetConcurrency() int {
	if c.Transfer.Concurrency > 0 {
		return c.Transfer.Concurrency
	}
	return DefaultConcurrency
}

// GetBulkConcurrency returns the number of files handled at once by bulk helpers
func (c *Config) GetBulkConcurrency() int {
	if c.Transfer.BulkConcurrency > 0 {
		return c.Transfer.BulkConcurrency
	}
	return DefaultBulkConcurrency
}

// GetRetryConfig returns the retry policy settings, defaults filled in
func (c *Config) GetRetryConfig() storage.RetryConfig {
	cfg := storage.DefaultRetryConfig()
	if c.Retry.MaxAttempts > 0 {
		cfg.MaxAttempts = c.Retry.MaxAttempts
	}
	if c.Retry.InitialDelayMS > 0 {
		cfg.InitialDelay = time.Duration(c.Retry.InitialDelayMS) * time.Millisecond
	}
	if c.Retry.MaxDelayMS > 0 {
		cfg.MaxDelay = time.Duration(c.Retry.MaxDelayMS) * time.Millisecond
	}
	if c.Retry.BackoffFactor >= 1 {
		cfg.BackoffFactor = c.Retry.BackoffFactor
	}
	return cfg
}

// GetSignatureTTL returns how long a signature is reused across retries
func (c *Config) GetSignatureTTL() time.Duration {
	if c.SignatureTTLSeconds > 0 {
		return time.Duration(c.SignatureTTLSeconds) * time.Second
	}
	return DefaultSignatureTTLSeconds * time.Second
}

// GetPresignExpiry returns the default lifetime of presigned URLs
func (c *Config) GetPresignExpiry() time.Duration {
	if c.PresignExpirySeconds > 0 {
		return time.Duration(c.PresignExpirySeconds) * time.Second
	}
	return DefaultPresignExpirySeconds * time.Second
}

// GetLogLevel returns the log level (defaults to info)
func (c *Config) GetLogLevel() string {
	if c.LogLevel != "" {
		return c.LogLevel
	}
	return "info"
}

// GetLogFormat returns the log format (defaults to json)
func (c *Config) GetLogFormat() string {
	if c.LogFormat != "" {
		return c.LogFormat
	}
	return "json"
}
