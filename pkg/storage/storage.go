package storage

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultRegion is used when an endpoint does not name one (MinIO, LocalStack)
const DefaultRegion = "us-east-1"

// MaxKeyLength is the maximum length of an object key in bytes
const MaxKeyLength = 1024

// Credentials identify the caller to the storage service
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string // Optional: temporary credentials
}

// NewCredentials validates and returns a credentials value
func NewCredentials(accessKeyID, secretAccessKey, sessionToken string) (Credentials, error) {
	if strings.TrimSpace(accessKeyID) == "" {
		return Credentials{}, Configurationf("missing access key")
	}
	if strings.TrimSpace(secretAccessKey) == "" {
		return Credentials{}, Configurationf("missing secret key")
	}
	return Credentials{
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		SessionToken:    sessionToken,
	}, nil
}

// Endpoint describes where the storage service lives
type Endpoint struct {
	Scheme    string // http or https
	Host      string // Hostname or IP, without port
	Port      int    // 0 means the scheme default
	Region    string // Signing region
	PathStyle bool   // Address buckets as /bucket/key instead of bucket.host/key
}

// ParseEndpoint parses an endpoint URL such as "http://localhost:9000"
func ParseEndpoint(rawURL, region string, pathStyle bool) (Endpoint, error) {
	if rawURL == "" {
		return Endpoint{}, Configurationf("missing endpoint")
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return Endpoint{}, Configurationf("invalid endpoint %q: %v", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Endpoint{}, Configurationf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return Endpoint{}, Configurationf("endpoint %q has no host", rawURL)
	}
	if u.Path != "" && u.Path != "/" {
		return Endpoint{}, Configurationf("endpoint %q must not contain a path", rawURL)
	}

	ep := Endpoint{
		Scheme:    u.Scheme,
		Host:      u.Hostname(),
		Region:    region,
		PathStyle: pathStyle,
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Endpoint{}, Configurationf("invalid endpoint port %q", p)
		}
		ep.Port = port
	}
	if ep.Region == "" {
		ep.Region = DefaultRegion
	}

	return ep, nil
}

// HostPort returns the host with the port appended unless it is the scheme default.
// This is the value of the Host header and the authority part of request URLs.
func (e Endpoint) HostPort() string {
	if e.Port == 0 ||
		(e.Scheme == "http" && e.Port == 80) ||
		(e.Scheme == "https" && e.Port == 443) {
		return e.Host
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String returns the endpoint as a URL
func (e Endpoint) String() string {
	return e.Scheme + "://" + e.HostPort()
}

// ObjectMetadata represents metadata about a stored object
type ObjectMetadata struct {
	Key          string    // Object key
	Size         int64     // Size in bytes
	ETag         string    // Entity tag without surrounding quotes
	LastModified time.Time // Last modification time
	ContentType  string    // Only set by get/head
}

// BucketInfo represents a bucket returned by ListBuckets
type BucketInfo struct {
	Name         string
	CreationDate time.Time
}

// ByteRange is an inclusive byte range. End == -1 means "to the end of the object".
type ByteRange struct {
	Start int64
	End   int64
}

// Validate checks the range is well formed
func (r ByteRange) Validate() error {
	if r.Start < 0 {
		return Validationf("range start %d is negative", r.Start)
	}
	if r.End != -1 && r.End < r.Start {
		return Validationf("range end %d is before start %d", r.End, r.Start)
	}
	return nil
}

// Header renders the range as an HTTP Range header value
func (r ByteRange) Header() string {
	if r.End < 0 {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// ValidateBucketName enforces the S3 bucket naming rules
func ValidateBucketName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return &Error{Kind: ErrValidation, Bucket: name, Code: "InvalidBucketName",
			Message: fmt.Sprintf("bucket name must be 3-63 characters, got %d", len(name))}
	}
	if !bucketNamePattern.MatchString(name) {
		return &Error{Kind: ErrValidation, Bucket: name, Code: "InvalidBucketName",
			Message: "bucket name may only contain lowercase letters, digits, dots and hyphens, and must start and end with a letter or digit"}
	}
	if strings.Contains(name, "..") || strings.Contains(name, ".-") || strings.Contains(name, "-.") {
		return &Error{Kind: ErrValidation, Bucket: name, Code: "InvalidBucketName",
			Message: "bucket name contains an invalid dot sequence"}
	}
	if net.ParseIP(name) != nil {
		return &Error{Kind: ErrValidation, Bucket: name, Code: "InvalidBucketName",
			Message: "bucket name must not be formatted as an IP address"}
	}
	return nil
}

// ValidateObjectKey enforces basic S3 object key constraints
func ValidateObjectKey(key string) error {
	if len(key) == 0 {
		return &Error{Kind: ErrValidation, Code: "InvalidObjectName", Message: "object key is empty"}
	}
	if len(key) > MaxKeyLength {
		return &Error{Kind: ErrValidation, Key: key, Code: "KeyTooLongError",
			Message: fmt.Sprintf("object key exceeds %d bytes", MaxKeyLength)}
	}
	if !utf8.ValidString(key) {
		return &Error{Kind: ErrValidation, Key: key, Code: "InvalidObjectName", Message: "object key is not valid UTF-8"}
	}
	if strings.ContainsFunc(key, func(c rune) bool { return c < 0x20 || c == 0x7f }) {
		return &Error{Kind: ErrValidation, Key: key, Code: "InvalidObjectName", Message: "object key contains control characters"}
	}
	return nil
}
