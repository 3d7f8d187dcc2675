package transfer

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/williamokano/s3lite/pkg/request"
	"github.com/williamokano/s3lite/pkg/storage"
)

// Checkpoint records how far a download got, so a later call can continue it
type Checkpoint struct {
	ETag   string // Object version the bytes belong to
	Offset int64  // Bytes already written to the sink
	SHA256 string // Hex SHA-256 of those bytes
}

// ResumableSink is a sink whose existing content can be checked and cut back
type ResumableSink interface {
	io.ReadWriteSeeker
	Truncate(size int64) error
}

// DownloadInput describes an object to download
type DownloadInput struct {
	Bucket     string
	Key        string
	Sink       io.Writer
	Range      *storage.ByteRange
	Checkpoint *Checkpoint // Continue a previous partial download into a ResumableSink
}

// DownloadOutput describes a downloaded object
type DownloadOutput struct {
	Size         int64 // Bytes in the sink, including resumed ones
	ETag         string
	ContentType  string
	LastModified time.Time
	Checkpoint   Checkpoint
}

// Download streams an object into in.Sink. A transient failure mid-stream resumes
// from the last written byte with a Range request pinned to the object's ETag. On
// failure the returned output is non-nil and carries the checkpoint reached.
func (e *Engine) Download(ctx context.Context, in DownloadInput) (*DownloadOutput, error) {
	if err := validateTarget(request.OpGetObject, in.Bucket, in.Key); err != nil {
		return nil, err
	}
	if in.Sink == nil {
		return nil, storage.WrapError(request.OpGetObject, in.Bucket, in.Key, storage.Validationf("missing sink"))
	}
	if in.Range != nil {
		if err := in.Range.Validate(); err != nil {
			return nil, storage.WrapError(request.OpGetObject, in.Bucket, in.Key, err)
		}
	}

	d := &download{
		engine:   e,
		in:       in,
		sha:      sha256.New(),
		md5:      md5.New(),
		expected: -1,
	}
	if err := d.restore(); err != nil {
		return nil, storage.WrapError(request.OpGetObject, in.Bucket, in.Key, err)
	}

	if r := in.Range; r != nil && r.End >= 0 && d.offset >= r.End-r.Start+1 {
		// The sink already holds the whole range
		d.expected = d.offset
		return d.output(), storage.WrapError(request.OpGetObject, in.Bucket, in.Key, d.verify())
	}

	err := e.run(ctx, request.OpGetObject, in.Bucket, in.Key, d.prepare, d.handle, d.accept)
	if err == nil {
		err = storage.WrapError(request.OpGetObject, in.Bucket, in.Key, d.verify())
	}
	return d.output(), err
}

type download struct {
	engine *Engine
	in     DownloadInput

	offset   int64 // Bytes in the sink
	etag     string
	sha      hash.Hash
	md5      hash.Hash
	expected int64 // Final sink size once known, -1 before

	contentType  string
	lastModified time.Time
}

// restore validates a caller checkpoint against the sink. A checkpoint that does
// not match the sink content restarts the download from an empty sink.
func (d *download) restore() error {
	cp := d.in.Checkpoint
	if cp == nil || cp.Offset <= 0 {
		return nil
	}
	sink, ok := d.in.Sink.(ResumableSink)
	if !ok {
		d.engine.logger.Debug().Str("key", d.in.Key).Msg("sink cannot resume, ignoring checkpoint")
		return nil
	}

	if _, err := sink.Seek(0, io.SeekStart); err != nil {
		return err
	}
	n, err := io.CopyN(io.MultiWriter(d.sha, d.md5), sink, cp.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if n == cp.Offset && cp.ETag != "" && hex.EncodeToString(d.sha.Sum(nil)) == cp.SHA256 {
		d.offset, d.etag = cp.Offset, cp.ETag
		if err := sink.Truncate(cp.Offset); err != nil {
			return err
		}
		_, err := sink.Seek(cp.Offset, io.SeekStart)
		return err
	}

	d.engine.logger.Info().
		Str("bucket", d.in.Bucket).
		Str("key", d.in.Key).
		Int64("offset", cp.Offset).
		Msg("checkpoint does not match sink content, restarting download")
	d.sha.Reset()
	d.md5.Reset()
	if err := sink.Truncate(0); err != nil {
		return err
	}
	_, err = sink.Seek(0, io.SeekStart)
	return err
}

// prepare builds the GET for the next attempt, continuing after the bytes already written
func (d *download) prepare(int) (*request.Request, error) {
	in := request.GetObjectInput{IfMatch: d.etag}

	start, end := int64(0), int64(-1)
	if d.in.Range != nil {
		start, end = d.in.Range.Start, d.in.Range.End
	}
	if d.offset > 0 || d.in.Range != nil {
		in.Range = &storage.ByteRange{Start: start + d.offset, End: end}
	}
	return d.engine.builder.GetObject(d.in.Bucket, d.in.Key, in)
}

// accept lets handle see a 416 on a resumed open-ended download: the sink may
// already hold every byte of the object.
func (d *download) accept(status int) bool {
	return status == http.StatusRequestedRangeNotSatisfiable && d.offset > 0 &&
		(d.in.Range == nil || d.in.Range.End < 0)
}

func (d *download) handle(resp *storage.Response) error {
	etag := request.TrimETag(resp.Header.Get("ETag"))
	if d.etag != "" && etag != "" && etag != d.etag {
		return &storage.Error{Kind: storage.ErrConflict, StatusCode: resp.StatusCode, Code: "PreconditionFailed",
			Message: "object changed during download: ETag " + etag + ", expected " + d.etag}
	}
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		return d.complete(resp)
	}
	if d.etag == "" {
		d.etag = etag
	}
	d.contentType = resp.Header.Get("Content-Type")
	if t, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		d.lastModified = t.UTC()
	}

	body := io.Reader(resp.Body)
	length, hasLength := contentLength(resp.Header)
	want := int64(-1) // Bytes this response should deliver
	if hasLength {
		want = length
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		first, last, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if ok {
			start := d.offset
			if d.in.Range != nil {
				start += d.in.Range.Start
			}
			if first != start {
				return storage.Integrityf("server returned range starting at %d, expected %d", first, start)
			}
			if d.expected < 0 {
				if d.in.Range == nil {
					d.expected = total
				} else {
					d.expected = d.offset + (last - first + 1)
				}
			}
		}
	default:
		// The server ignored the Range header: skip what the sink already has
		skip := d.offset
		if d.in.Range != nil {
			skip += d.in.Range.Start
		}
		if skip > 0 {
			if _, err := io.CopyN(io.Discard, body, skip); err != nil {
				return err
			}
			if want >= 0 {
				want -= skip
			}
		}
		if d.in.Range != nil && d.in.Range.End >= 0 {
			limit := d.in.Range.End - d.in.Range.Start + 1 - d.offset
			body = io.LimitReader(body, limit)
			if want < 0 || want > limit {
				want = limit
			}
		}
		if d.expected < 0 && want >= 0 {
			d.expected = d.offset + want
		}
	}

	n, err := d.copy(body)
	d.engine.observer.ObserveBytes("download", n)
	if err != nil {
		return err
	}
	if want >= 0 && n < want {
		return &storage.Error{Kind: storage.ErrTransient, Message: "response body ended after " +
			strconv.FormatInt(n, 10) + " of " + strconv.FormatInt(want, 10) + " bytes"}
	}
	return nil
}

// complete accepts a 416 whose "bytes */total" Content-Range ends exactly where
// the sink does. Any other 416 is an error.
func (d *download) complete(resp *storage.Response) error {
	start := int64(0)
	if d.in.Range != nil {
		start = d.in.Range.Start
	}
	total, ok := unsatisfiedRangeTotal(resp.Header.Get("Content-Range"))
	if !ok || total != start+d.offset {
		return storage.FromResponse(request.OpGetObject, d.in.Bucket, d.in.Key, resp)
	}

	d.expected = d.offset
	d.engine.logger.Debug().
		Str("bucket", d.in.Bucket).
		Str("key", d.in.Key).
		Int64("offset", d.offset).
		Msg("sink already holds the whole object")
	return nil
}

// copy streams body into the sink and the running hashes. Read failures are
// returned as is (and classified by the engine); write failures are not retried.
func (d *download) copy(body io.Reader) (int64, error) {
	buf := make([]byte, 32<<10)
	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := d.in.Sink.Write(buf[:n]); err != nil {
				return written, &storage.Error{Kind: storage.ErrTransport, Message: "write sink", Err: err}
			}
			d.sha.Write(buf[:n])
			d.md5.Write(buf[:n])
			written += int64(n)
			d.offset += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// verify checks the completed download against the expected size and, for whole
// objects with a single-part ETag, the content MD5.
func (d *download) verify() error {
	if d.expected >= 0 && d.offset != d.expected {
		return storage.Integrityf("downloaded %d bytes, expected %d", d.offset, d.expected)
	}
	if d.engine.opts.DisableIntegrityCheck || d.in.Range != nil || !isMD5ETag(d.etag) {
		return nil
	}
	if sum := hex.EncodeToString(d.md5.Sum(nil)); !strings.EqualFold(sum, d.etag) {
		return storage.Integrityf("content MD5 %s does not match ETag %s", sum, d.etag)
	}
	return nil
}

func (d *download) output() *DownloadOutput {
	return &DownloadOutput{
		Size:         d.offset,
		ETag:         d.etag,
		ContentType:  d.contentType,
		LastModified: d.lastModified,
		Checkpoint: Checkpoint{
			ETag:   d.etag,
			Offset: d.offset,
			SHA256: hex.EncodeToString(d.sha.Sum(nil)),
		},
	}
}

// isMD5ETag reports whether etag is a plain MD5 (multipart ETags end in -N)
func isMD5ETag(etag string) bool {
	if len(etag) != 32 {
		return false
	}
	_, err := hex.DecodeString(etag)
	return err == nil
}

func contentLength(h http.Header) (int64, bool) {
	n, err := strconv.ParseInt(h.Get("Content-Length"), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// parseContentRange parses "bytes first-last/total". total is -1 when given as "*".
func parseContentRange(v string) (first, last, total int64, ok bool) {
	rest, found := strings.CutPrefix(v, "bytes ")
	if !found {
		return 0, 0, 0, false
	}
	span, size, found := strings.Cut(rest, "/")
	if !found {
		return 0, 0, 0, false
	}
	a, b, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, 0, false
	}
	var err error
	if first, err = strconv.ParseInt(a, 10, 64); err != nil {
		return 0, 0, 0, false
	}
	if last, err = strconv.ParseInt(b, 10, 64); err != nil || last < first {
		return 0, 0, 0, false
	}
	total = -1
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, 0, false
		}
	}
	return first, last, total, true
}

// unsatisfiedRangeTotal parses the "bytes */total" Content-Range of a 416 response
func unsatisfiedRangeTotal(v string) (int64, bool) {
	rest, found := strings.CutPrefix(v, "bytes */")
	if !found {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	return n, err == nil && n >= 0
}

func rangeTotal(v string) (int64, bool) {
	_, _, total, ok := parseContentRange(v)
	return total, ok && total >= 0
}

// GetObject downloads an object into memory. It is meant for small objects.
func (e *Engine) GetObject(ctx context.Context, bucket, key string, rng *storage.ByteRange) ([]byte, *DownloadOutput, error) {
	var buf bytes.Buffer
	out, err := e.Download(ctx, DownloadInput{Bucket: bucket, Key: key, Sink: &buf, Range: rng})
	if err != nil {
		return nil, out, err
	}
	return buf.Bytes(), out, nil
}
