package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/williamokano/s3lite/pkg/request"
	"github.com/williamokano/s3lite/pkg/storage"
)

// UploadInput describes an object to upload
type UploadInput struct {
	Bucket      string
	Key         string
	Body        io.Reader // io.ReaderAt sources are read from offset 0 without buffering
	Size        int64     // -1 when unknown
	ContentType string
}

// UploadOutput describes a stored object
type UploadOutput struct {
	ETag     string
	Size     int64
	Parts    int // 0 for a single PutObject
	UploadID string
}

// Upload stores in.Body as in.Key. Bodies smaller than the threshold are sent with
// one PutObject, larger ones as a parallel multipart upload that is aborted on
// failure. Streams of unknown size are buffered up to the threshold to pick the path.
func (e *Engine) Upload(ctx context.Context, in UploadInput) (*UploadOutput, error) {
	if err := validateTarget(request.OpPutObject, in.Bucket, in.Key); err != nil {
		return nil, err
	}
	if in.Size < -1 {
		return nil, storage.WrapError(request.OpPutObject, in.Bucket, in.Key, storage.Validationf("invalid size %d", in.Size))
	}
	if in.Body == nil {
		if in.Size > 0 {
			return nil, storage.WrapError(request.OpPutObject, in.Bucket, in.Key, storage.Validationf("missing body for %d bytes", in.Size))
		}
		in.Body, in.Size = bytes.NewReader(nil), 0
	}

	switch {
	case in.Size >= 0 && in.Size < e.opts.Threshold:
		payload, err := singlePayload(in.Body, in.Size)
		if err != nil {
			return nil, storage.WrapError(request.OpPutObject, in.Bucket, in.Key, err)
		}
		return e.putObject(ctx, in, payload)

	case in.Size < 0:
		buf := make([]byte, e.opts.Threshold)
		n, err := io.ReadFull(in.Body, buf)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return e.putObject(ctx, in, request.BytesPayload(buf[:n]))
		}
		if err != nil {
			return nil, storage.WrapError(request.OpPutObject, in.Bucket, in.Key, err)
		}
		stream := io.MultiReader(bytes.NewReader(buf), in.Body)
		return e.multipart(ctx, in, &streamSource{r: stream, partSize: e.opts.PartSize, size: -1})

	default:
		partSize := e.partSizeFor(in.Size)
		if ra, ok := in.Body.(io.ReaderAt); ok {
			return e.multipart(ctx, in, &sectionSource{r: ra, size: in.Size, partSize: partSize})
		}
		return e.multipart(ctx, in, &streamSource{r: io.LimitReader(in.Body, in.Size+1), partSize: partSize, size: in.Size})
	}
}

// partSizeFor grows the configured part size, in whole MiB, until size fits in MaxParts parts
func (e *Engine) partSizeFor(size int64) int64 {
	ps := e.opts.PartSize
	if (size+ps-1)/ps <= request.MaxParts {
		return ps
	}
	const mib = 1 << 20
	ps = (size + request.MaxParts - 1) / request.MaxParts
	return (ps + mib - 1) / mib * mib
}

func (e *Engine) putObject(ctx context.Context, in UploadInput, payload request.Payload) (*UploadOutput, error) {
	req, err := e.builder.PutObject(in.Bucket, in.Key, payload, request.PutObjectInput{ContentType: in.ContentType})
	if err != nil {
		return nil, err
	}

	var etag string
	err = e.Do(ctx, req, func(resp *storage.Response) error {
		etag = request.TrimETag(resp.Header.Get("ETag"))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := e.verifyETag("object", etag, payload); err != nil {
		return nil, storage.WrapError(request.OpPutObject, in.Bucket, in.Key, err)
	}
	e.observer.ObserveBytes("upload", payload.Size)

	return &UploadOutput{ETag: etag, Size: payload.Size}, nil
}

func (e *Engine) multipart(ctx context.Context, in UploadInput, src partSource) (*UploadOutput, error) {
	uploadID, err := e.initiate(ctx, in)
	if err != nil {
		return nil, err
	}

	logger := e.logger.With().
		Str("bucket", in.Bucket).
		Str("key", in.Key).
		Str("upload_id", uploadID).
		Logger()
	logger.Debug().Int64("size", in.Size).Msg("multipart upload started")

	parts, size, err := e.uploadParts(ctx, in, uploadID, src)
	var etag string
	if err == nil {
		etag, err = e.complete(ctx, in, uploadID, parts)
	}
	if err != nil {
		logger.Warn().Err(err).Msg("multipart upload failed, aborting")
		e.abort(ctx, in, uploadID)
		return nil, err
	}

	logger.Debug().Int("parts", len(parts)).Int64("size", size).Msg("multipart upload completed")
	return &UploadOutput{ETag: etag, Size: size, Parts: len(parts), UploadID: uploadID}, nil
}

func (e *Engine) initiate(ctx context.Context, in UploadInput) (string, error) {
	req, err := e.builder.InitiateMultipartUpload(in.Bucket, in.Key, request.PutObjectInput{ContentType: in.ContentType})
	if err != nil {
		return "", err
	}

	var uploadID string
	err = e.Do(ctx, req, func(resp *storage.Response) error {
		var derr error
		uploadID, derr = request.DecodeInitiateMultipartUpload(resp.Body)
		return derr
	})
	return uploadID, err
}

// uploadParts sends every part with at most Concurrency in flight. The first
// failure cancels the remaining parts. Parts are returned ordered by number.
func (e *Engine) uploadParts(ctx context.Context, in UploadInput, uploadID string, src partSource) ([]request.CompletedPart, int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(e.opts.Concurrency))
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	var completed []request.CompletedPart
	var total int64
	var produceErr error

	for n := 1; ; n++ {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}

		p, ok, err := src.next(n)
		if err == nil && ok && n > request.MaxParts {
			err = storage.Validationf("upload needs more than %d parts", request.MaxParts)
		}
		if err != nil || !ok {
			sem.Release(1)
			if err != nil {
				produceErr = storage.WrapError(request.OpUploadPart, in.Bucket, in.Key, err)
				cancel()
			}
			break
		}

		g.Go(func() error {
			defer sem.Release(1)

			payload, err := p.load()
			if err != nil {
				return storage.WrapError(request.OpUploadPart, in.Bucket, in.Key, err)
			}
			etag, err := e.uploadPart(gctx, in, uploadID, n, payload)
			if err != nil {
				return err
			}

			mu.Lock()
			completed = append(completed, request.CompletedPart{PartNumber: n, ETag: etag})
			total += payload.Size
			mu.Unlock()
			return nil
		})
	}

	waitErr := g.Wait()
	if produceErr != nil {
		return nil, 0, produceErr
	}
	if waitErr != nil {
		return nil, 0, waitErr
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if in.Size >= 0 && total != in.Size {
		return nil, 0, storage.WrapError(request.OpUploadPart, in.Bucket, in.Key,
			storage.Validationf("read %d bytes from source, expected %d", total, in.Size))
	}

	sort.Slice(completed, func(i, j int) bool { return completed[i].PartNumber < completed[j].PartNumber })
	return completed, total, nil
}

func (e *Engine) uploadPart(ctx context.Context, in UploadInput, uploadID string, n int, payload request.Payload) (string, error) {
	req, err := e.builder.UploadPart(in.Bucket, in.Key, uploadID, n, payload)
	if err != nil {
		return "", err
	}

	var etag string
	err = e.Do(ctx, req, func(resp *storage.Response) error {
		etag = request.TrimETag(resp.Header.Get("ETag"))
		return nil
	})
	if err != nil {
		return "", err
	}
	if etag == "" {
		return "", storage.WrapError(request.OpUploadPart, in.Bucket, in.Key, storage.Integrityf("part %d: response has no ETag", n))
	}
	if err := e.verifyETag(fmt.Sprintf("part %d", n), etag, payload); err != nil {
		return "", storage.WrapError(request.OpUploadPart, in.Bucket, in.Key, err)
	}

	e.observer.ObserveBytes("upload", payload.Size)
	e.logger.Debug().
		Str("bucket", in.Bucket).
		Str("key", in.Key).
		Str("upload_id", uploadID).
		Int("part", n).
		Int64("size", payload.Size).
		Msg("part uploaded")
	return etag, nil
}

func (e *Engine) complete(ctx context.Context, in UploadInput, uploadID string, parts []request.CompletedPart) (string, error) {
	req, err := e.builder.CompleteMultipartUpload(in.Bucket, in.Key, uploadID, parts)
	if err != nil {
		return "", err
	}

	var etag string
	err = e.Do(ctx, req, func(resp *storage.Response) error {
		var derr error
		etag, derr = request.DecodeCompleteMultipartUpload(resp.Body)
		return derr
	})
	return etag, err
}

// abort discards a failed upload. It runs even when ctx is cancelled.
func (e *Engine) abort(ctx context.Context, in UploadInput, uploadID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	req, err := e.builder.AbortMultipartUpload(in.Bucket, in.Key, uploadID)
	if err == nil {
		err = e.Do(ctx, req, nil)
	}

	logger := e.logger.With().Str("bucket", in.Bucket).Str("key", in.Key).Str("upload_id", uploadID).Logger()
	if err != nil && !storage.IsNotFound(err) {
		logger.Error().Err(err).Msg("failed to abort multipart upload")
		return
	}
	logger.Info().Msg("multipart upload aborted")
}

// verifyETag compares a single-object or part ETag with the payload MD5
func (e *Engine) verifyETag(what, etag string, payload request.Payload) error {
	if e.opts.DisableIntegrityCheck || len(payload.MD5) == 0 {
		return nil
	}
	if etag == "" {
		return storage.Integrityf("%s: response has no ETag", what)
	}
	if !strings.EqualFold(etag, payload.MD5Hex()) {
		return storage.Integrityf("%s: ETag %s does not match content MD5 %s", what, etag, payload.MD5Hex())
	}
	return nil
}

func validateTarget(op, bucket, key string) error {
	if err := storage.ValidateBucketName(bucket); err != nil {
		return storage.WrapError(op, bucket, key, err)
	}
	if err := storage.ValidateObjectKey(key); err != nil {
		return storage.WrapError(op, bucket, key, err)
	}
	return nil
}

// singlePayload reads exactly size bytes from body
func singlePayload(body io.Reader, size int64) (request.Payload, error) {
	if ra, ok := body.(io.ReaderAt); ok {
		return request.SeekablePayload(io.NewSectionReader(ra, 0, size), size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(body, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return request.Payload{}, storage.Validationf("source is shorter than %d bytes", size)
		}
		return request.Payload{}, err
	}
	return request.BytesPayload(buf), nil
}

// part is a part whose payload is hashed lazily by the uploading goroutine
type part struct {
	load func() (request.Payload, error)
}

type partSource interface {
	// next returns part n, or ok == false when the source is exhausted
	next(n int) (part, bool, error)
}

// sectionSource cuts a random-access source of known size into parts
type sectionSource struct {
	r        io.ReaderAt
	size     int64
	partSize int64
}

func (s *sectionSource) next(n int) (part, bool, error) {
	off := int64(n-1) * s.partSize
	if off >= s.size {
		return part{}, false, nil
	}
	length := min(s.partSize, s.size-off)
	section := io.NewSectionReader(s.r, off, length)
	return part{load: func() (request.Payload, error) {
		return request.SeekablePayload(section, length)
	}}, true, nil
}

// streamSource buffers one part at a time from a sequential reader. With a known
// size, reading a byte past it is an error.
type streamSource struct {
	r        io.Reader
	partSize int64
	size     int64 // -1 when unknown
	read     int64
	done     bool
}

func (s *streamSource) next(int) (part, bool, error) {
	if s.done {
		return part{}, false, nil
	}
	buf := make([]byte, s.partSize)
	n, err := io.ReadFull(s.r, buf)
	switch {
	case errors.Is(err, io.EOF):
		s.done = true
		return part{}, false, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.done = true
	case err != nil:
		return part{}, false, err
	}
	s.read += int64(n)
	if s.size >= 0 && s.read > s.size {
		return part{}, false, storage.Validationf("source is longer than %d bytes", s.size)
	}
	data := buf[:n]
	return part{load: func() (request.Payload, error) {
		return request.BytesPayload(data), nil
	}}, true, nil
}
