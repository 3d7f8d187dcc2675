// Package transfer executes signed S3 requests with retries and moves object data:
// single and multipart uploads, streaming and resumable downloads.
package transfer

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/williamokano/s3lite/pkg/request"
	"github.com/williamokano/s3lite/pkg/sigv4"
	"github.com/williamokano/s3lite/pkg/storage"
)

const (
	DefaultThreshold    = 8 << 20
	DefaultPartSize     = 8 << 20
	MinPartSize         = 5 << 20
	DefaultConcurrency  = 4
	DefaultSignatureTTL = 15 * time.Minute

	// HeaderInvocationID carries an ID that stays the same across retries of one call
	HeaderInvocationID = "Amz-Sdk-Invocation-Id"

	abortTimeout = 30 * time.Second
	tracerName   = "github.com/williamokano/s3lite/pkg/transfer"
)

// Options configures an Engine. Zero values take the defaults above.
type Options struct {
	Threshold    int64 // Uploads of at least this size use multipart
	PartSize     int64
	Concurrency  int // Parts in flight per multipart upload
	SignatureTTL time.Duration
	Retry        storage.RetryConfig

	// DisableIntegrityCheck skips ETag/MD5 comparison, for servers whose ETags are not MD5
	DisableIntegrityCheck bool

	Logger   zerolog.Logger
	Observer storage.Observer
	Tracer   trace.Tracer
	Now      func() time.Time
}

// Engine sends requests built by a request.Builder through a storage.Transport
type Engine struct {
	transport storage.Transport
	signer    *sigv4.Signer
	builder   *request.Builder
	retry     *storage.RetryPolicy
	opts      Options
	logger    zerolog.Logger
	observer  storage.Observer
	tracer    trace.Tracer
	now       func() time.Time
}

// ResponseHandler consumes a successful response. It must not close the body.
type ResponseHandler func(resp *storage.Response) error

// New creates an engine. A part size below MinPartSize is a configuration error.
func New(transport storage.Transport, signer *sigv4.Signer, builder *request.Builder, opts Options) (*Engine, error) {
	if transport == nil {
		return nil, storage.Configurationf("transfer: missing transport")
	}
	if signer == nil {
		return nil, storage.Configurationf("transfer: missing signer")
	}
	if builder == nil {
		return nil, storage.Configurationf("transfer: missing request builder")
	}

	if opts.PartSize == 0 {
		opts.PartSize = DefaultPartSize
	}
	if opts.PartSize < MinPartSize {
		return nil, storage.Configurationf("transfer: part size %d is below the %d byte minimum", opts.PartSize, MinPartSize)
	}
	if opts.Threshold < 0 {
		return nil, storage.Configurationf("transfer: negative multipart threshold %d", opts.Threshold)
	}
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.SignatureTTL <= 0 {
		opts.SignatureTTL = DefaultSignatureTTL
	}

	e := &Engine{
		transport: transport,
		signer:    signer,
		builder:   builder,
		retry:     storage.NewRetryPolicy(opts.Retry, opts.Logger),
		opts:      opts,
		logger:    opts.Logger,
		observer:  opts.Observer,
		tracer:    opts.Tracer,
		now:       opts.Now,
	}
	if e.observer == nil {
		e.observer = storage.NopObserver{}
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Builder returns the request builder the engine was created with
func (e *Engine) Builder() *request.Builder {
	return e.builder
}

// Options returns the effective options
func (e *Engine) Options() Options {
	return e.opts
}

// Do signs and sends req under the retry policy and hands a 2xx response to handle.
// Non-2xx responses become typed errors. The request is re-signed when its
// signature is older than the signature TTL.
func (e *Engine) Do(ctx context.Context, req *request.Request, handle ResponseHandler) error {
	return e.run(ctx, req.Op, req.Bucket, req.Key, func(int) (*request.Request, error) {
		return req, nil
	}, handle, nil)
}

// run executes one logical call. prepare returns the request for each attempt;
// returning the same request again reuses its signature while it is fresh.
// Non-2xx responses for which accept returns true go to handle instead of
// becoming errors; accept may be nil.
func (e *Engine) run(ctx context.Context, op, bucket, key string, prepare func(attempt int) (*request.Request, error), handle ResponseHandler, accept func(status int) bool) error {
	ctx, span := e.tracer.Start(ctx, "s3."+op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("s3.operation", op),
			attribute.String("s3.bucket", bucket),
			attribute.String("s3.key", key),
		))
	defer span.End()

	invocationID := uuid.NewString()
	var last *request.Request
	var signed *request.SignedRequest

	err := e.retry.Execute(ctx, func(attempt int) error {
		if attempt > 1 {
			e.observer.ObserveRetry(op)
		}

		req, err := prepare(attempt)
		if err != nil {
			return err
		}
		if req != last || signed.Stale(e.now(), e.opts.SignatureTTL) {
			req.Header.Set(HeaderInvocationID, invocationID)
			signed, err = req.Sign(e.signer, e.builder.Endpoint().Scheme, e.now())
			if err != nil {
				return err
			}
			last = req
		}

		return e.attempt(ctx, op, bucket, key, attempt, signed, handle, accept)
	})

	err = storage.WrapError(op, bucket, key, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Engine) attempt(ctx context.Context, op, bucket, key string, attempt int, signed *request.SignedRequest, handle ResponseHandler, accept func(status int) bool) error {
	payload := signed.Payload()
	if err := payload.Rewind(); err != nil {
		return storage.WrapError(op, bucket, key, err)
	}
	var body io.Reader
	if payload.Body != nil {
		body = payload.Body
	}

	start := e.now()
	resp, err := e.transport.Send(ctx, signed.Method(), signed.URL(), signed.Header(), body)
	if err != nil {
		err = storage.ClassifyTransportError(err)
		e.observe(op, bucket, key, attempt, 0, start, err)
		return err
	}
	defer closeBody(resp)

	if (resp.StatusCode < 200 || resp.StatusCode > 299) && (accept == nil || !accept(resp.StatusCode)) {
		err = storage.FromResponse(op, bucket, key, resp)
		e.observe(op, bucket, key, attempt, resp.StatusCode, start, err)
		return err
	}

	if handle != nil {
		err = handle(resp)
	}
	err = storage.ClassifyTransportError(err)
	e.observe(op, bucket, key, attempt, resp.StatusCode, start, err)
	return err
}

func (e *Engine) observe(op, bucket, key string, attempt, status int, start time.Time, err error) {
	duration := e.now().Sub(start)
	e.observer.ObserveRequest(op, status, duration, err)

	e.logger.Debug().
		Err(err).
		Str("op", op).
		Str("bucket", bucket).
		Str("key", key).
		Int("attempt", attempt).
		Int("status", status).
		Dur("duration", duration).
		Msg("s3 request")
}

// closeBody drains a little of the body so the connection can be reused
func closeBody(resp *storage.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
	_ = resp.Body.Close()
}

// Stat returns the metadata of an object
func (e *Engine) Stat(ctx context.Context, bucket, key string) (*storage.ObjectMetadata, error) {
	req, err := e.builder.HeadObject(bucket, key)
	if err != nil {
		return nil, err
	}

	var meta *storage.ObjectMetadata
	err = e.Do(ctx, req, func(resp *storage.Response) error {
		meta = metadataFromHeader(key, resp.Header)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func metadataFromHeader(key string, h http.Header) *storage.ObjectMetadata {
	meta := &storage.ObjectMetadata{
		Key:         key,
		Size:        -1,
		ETag:        request.TrimETag(h.Get("ETag")),
		ContentType: h.Get("Content-Type"),
	}
	if total, ok := rangeTotal(h.Get("Content-Range")); ok {
		meta.Size = total
	} else if n, ok := contentLength(h); ok {
		meta.Size = n
	}
	if t, err := http.ParseTime(h.Get("Last-Modified")); err == nil {
		meta.LastModified = t.UTC()
	}
	return meta
}
