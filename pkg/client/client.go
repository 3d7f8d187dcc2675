// Package client is the public facade over the signer, request builder and
// transfer engine: bucket and object operations plus bulk helpers.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/williamokano/s3lite/pkg/config"
	"github.com/williamokano/s3lite/pkg/request"
	"github.com/williamokano/s3lite/pkg/sigv4"
	"github.com/williamokano/s3lite/pkg/storage"
	"github.com/williamokano/s3lite/pkg/transfer"
)

const (
	DefaultBulkConcurrency = 8
	DefaultPresignExpiry   = time.Hour
)

// Options configures a Client
type Options struct {
	Endpoint    storage.Endpoint
	Credentials storage.Credentials
	Transport   storage.Transport // nil uses storage.NewHTTPTransport(nil)
	Transfer    transfer.Options  // Transfer.Logger is replaced by Logger

	BulkConcurrency int           // files in flight for UploadFiles/DeleteObjects
	PresignExpiry   time.Duration // default lifetime of presigned URLs

	Logger zerolog.Logger
}

// Client performs bucket and object operations. It holds no per-call state and
// is safe for concurrent use.
type Client struct {
	engine        *transfer.Engine
	builder       *request.Builder
	signer        *sigv4.Signer
	logger        zerolog.Logger
	bulk          int
	presignExpiry time.Duration
	now           func() time.Time
}

// New creates a client
func New(opts Options) (*Client, error) {
	if opts.Endpoint.Host == "" {
		return nil, storage.Configurationf("client: missing endpoint")
	}
	if opts.Endpoint.Region == "" {
		opts.Endpoint.Region = storage.DefaultRegion
	}
	signer, err := sigv4.NewSigner(opts.Credentials, opts.Endpoint.Region, sigv4.ServiceS3)
	if err != nil {
		return nil, err
	}
	if opts.Transport == nil {
		opts.Transport = storage.NewHTTPTransport(nil)
	}
	opts.Transfer.Logger = opts.Logger

	builder := request.NewBuilder(opts.Endpoint)
	engine, err := transfer.New(opts.Transport, signer, builder, opts.Transfer)
	if err != nil {
		return nil, err
	}

	c := &Client{
		engine:        engine,
		builder:       builder,
		signer:        signer,
		logger:        opts.Logger,
		bulk:          opts.BulkConcurrency,
		presignExpiry: opts.PresignExpiry,
		now:           opts.Transfer.Now,
	}
	if c.bulk <= 0 {
		c.bulk = DefaultBulkConcurrency
	}
	if c.presignExpiry <= 0 {
		c.presignExpiry = DefaultPresignExpiry
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// NewFromConfig creates a client from a loaded configuration. transport and
// observer may be nil.
func NewFromConfig(cfg *config.Config, transport storage.Transport, observer storage.Observer, logger zerolog.Logger) (*Client, error) {
	ep, err := cfg.GetEndpoint()
	if err != nil {
		return nil, err
	}
	creds, err := cfg.GetCredentials()
	if err != nil {
		return nil, err
	}

	return New(Options{
		Endpoint:    ep,
		Credentials: creds,
		Transport:   transport,
		Transfer: transfer.Options{
			Threshold:             cfg.GetMultipartThreshold(),
			PartSize:              cfg.GetPartSize(),
			Concurrency:           cfg.GetConcurrency(),
			SignatureTTL:          cfg.GetSignatureTTL(),
			Retry:                 cfg.GetRetryConfig(),
			DisableIntegrityCheck: cfg.Transfer.DisableIntegrityCheck,
			Logger:                logger,
			Observer:              observer,
		},
		BulkConcurrency: cfg.GetBulkConcurrency(),
		PresignExpiry:   cfg.GetPresignExpiry(),
		Logger:          logger,
	})
}

// Engine returns the underlying transfer engine, for streaming and resumable transfers
func (c *Client) Engine() *transfer.Engine {
	return c.engine
}

// CreateBucket creates a bucket in the endpoint's region
func (c *Client) CreateBucket(ctx context.Context, bucket string) error {
	req, err := c.builder.CreateBucket(bucket)
	if err != nil {
		return err
	}
	if err := c.engine.Do(ctx, req, nil); err != nil {
		return err
	}
	c.logger.Info().Str("bucket", bucket).Msg("bucket created")
	return nil
}

// EnsureBucket creates bucket unless the caller already owns it
func (c *Client) EnsureBucket(ctx context.Context, bucket string) error {
	err := c.CreateBucket(ctx, bucket)
	var se *storage.Error
	if errors.As(err, &se) && se.Code == "BucketAlreadyOwnedByYou" {
		return nil
	}
	return err
}

// DeleteBucket deletes an empty bucket
func (c *Client) DeleteBucket(ctx context.Context, bucket string) error {
	req, err := c.builder.DeleteBucket(bucket)
	if err != nil {
		return err
	}
	if err := c.engine.Do(ctx, req, nil); err != nil {
		return err
	}
	c.logger.Info().Str("bucket", bucket).Msg("bucket deleted")
	return nil
}

// BucketExists reports whether bucket exists and is accessible
func (c *Client) BucketExists(ctx context.Context, bucket string) (bool, error) {
	req, err := c.builder.HeadBucket(bucket)
	if err != nil {
		return false, err
	}
	err = c.engine.Do(ctx, req, nil)
	switch {
	case err == nil:
		return true, nil
	case storage.IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// ListBuckets returns the buckets owned by the caller
func (c *Client) ListBuckets(ctx context.Context) ([]storage.BucketInfo, error) {
	req, err := c.builder.ListBuckets()
	if err != nil {
		return nil, err
	}

	var buckets []storage.BucketInfo
	err = c.engine.Do(ctx, req, func(resp *storage.Response) error {
		var derr error
		buckets, derr = request.DecodeListBuckets(resp.Body)
		return derr
	})
	if err != nil {
		return nil, err
	}
	return buckets, nil
}

// ListObjectsPage returns one page of a listing
func (c *Client) ListObjectsPage(ctx context.Context, bucket string, in request.ListObjectsInput) (*request.ListObjectsPage, error) {
	req, err := c.builder.ListObjects(bucket, in)
	if err != nil {
		return nil, err
	}

	var page *request.ListObjectsPage
	err = c.engine.Do(ctx, req, func(resp *storage.Response) error {
		var derr error
		page, derr = request.DecodeListObjects(resp.Body)
		return derr
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// ListObjects returns every object under prefix, following continuation tokens
func (c *Client) ListObjects(ctx context.Context, bucket, prefix string) ([]storage.ObjectMetadata, error) {
	var objects []storage.ObjectMetadata
	in := request.ListObjectsInput{Prefix: prefix}
	for {
		page, err := c.ListObjectsPage(ctx, bucket, in)
		if err != nil {
			return nil, err
		}
		objects = append(objects, page.Objects...)
		if !page.IsTruncated {
			return objects, nil
		}
		if page.NextContinuationToken == in.ContinuationToken {
			return nil, storage.WrapError(request.OpListObjects, bucket, "",
				&storage.Error{Kind: storage.ErrTransport, Message: "listing did not advance past continuation token"})
		}
		in.ContinuationToken = page.NextContinuationToken
	}
}

// PutObject uploads size bytes from body (size -1 when unknown)
func (c *Client) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64) (*transfer.UploadOutput, error) {
	return c.engine.Upload(ctx, transfer.UploadInput{Bucket: bucket, Key: key, Body: body, Size: size})
}

// UploadFile uploads the file at path. An empty key uses the file's base name.
func (c *Client) UploadFile(ctx context.Context, bucket, path, key string) (*transfer.UploadOutput, error) {
	if key == "" {
		key = filepath.Base(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, storage.WrapError(request.OpPutObject, bucket, key, storage.Validationf("%s is not a regular file", path))
	}

	out, err := c.engine.Upload(ctx, transfer.UploadInput{
		Bucket:      bucket,
		Key:         key,
		Body:        f,
		Size:        info.Size(),
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("bucket", bucket).
		Str("key", key).
		Str("file", path).
		Int64("size", out.Size).
		Int("parts", out.Parts).
		Msg("file uploaded")
	return out, nil
}

// DownloadFile downloads an object to path. Data goes to path.part first and is
// renamed into place on success; a failed download leaves no file behind.
func (c *Client) DownloadFile(ctx context.Context, bucket, key, path string) (*transfer.DownloadOutput, error) {
	tmp := path + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	out, err := c.engine.Download(ctx, transfer.DownloadInput{Bucket: bucket, Key: key, Sink: f})
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}

	c.logger.Debug().
		Str("bucket", bucket).
		Str("key", key).
		Str("file", path).
		Int64("size", out.Size).
		Msg("file downloaded")
	return out, nil
}

// GetObject returns the content of an object
func (c *Client) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	data, _, err := c.engine.GetObject(ctx, bucket, key, nil)
	return data, err
}

// GetObjectRange returns the bytes of rng
func (c *Client) GetObjectRange(ctx context.Context, bucket, key string, rng storage.ByteRange) ([]byte, error) {
	data, _, err := c.engine.GetObject(ctx, bucket, key, &rng)
	return data, err
}

// GetObjectIfExists is GetObject with a missing object reported as found == false
func (c *Client) GetObjectIfExists(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	data, err := c.GetObject(ctx, bucket, key)
	if storage.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// StatObject returns an object's metadata
func (c *Client) StatObject(ctx context.Context, bucket, key string) (*storage.ObjectMetadata, error) {
	return c.engine.Stat(ctx, bucket, key)
}

// DeleteObject deletes an object. Deleting a missing key succeeds.
func (c *Client) DeleteObject(ctx context.Context, bucket, key string) error {
	req, err := c.builder.DeleteObject(bucket, key)
	if err != nil {
		return err
	}
	err = c.engine.Do(ctx, req, nil)
	var se *storage.Error
	if errors.As(err, &se) && se.Code == "NoSuchKey" {
		return nil
	}
	return err
}

// PresignGetObject returns a URL that downloads the object without credentials
// until it expires. A zero expires uses the client default.
func (c *Client) PresignGetObject(bucket, key string, expires time.Duration) (string, error) {
	if expires == 0 {
		expires = c.presignExpiry
	}
	host, path, err := c.builder.PresignTarget(bucket, key)
	if err != nil {
		return "", err
	}
	q, err := c.signer.Presign(http.MethodGet, path, url.Values{}, host, c.now(), expires)
	if err != nil {
		return "", storage.WrapError(request.OpGetObject, bucket, key, err)
	}
	return c.builder.Endpoint().Scheme + "://" + host + path + "?" + sigv4.CanonicalQuery(q), nil
}

// PutBytes uploads data as an object
func (c *Client) PutBytes(ctx context.Context, bucket, key string, data []byte) (*transfer.UploadOutput, error) {
	return c.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)))
}
