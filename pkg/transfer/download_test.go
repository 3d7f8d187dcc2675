package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/williamokano/s3lite/pkg/internal/s3test"
	"github.com/williamokano/s3lite/pkg/request"
	"github.com/williamokano/s3lite/pkg/storage"
	"github.com/williamokano/s3lite/pkg/storage/mocks"
)

func getRequests(srv *s3test.Server) []s3test.RecordedRequest {
	var out []s3test.RecordedRequest
	for _, r := range srv.Requests() {
		if r.Op == request.OpGetObject {
			out = append(out, r)
		}
	}
	return out
}

func tempSink(t *testing.T) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "object.part"))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func fileContent(t *testing.T, f *os.File) []byte {
	t.Helper()
	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	return data
}

func TestDownload_Streaming(t *testing.T) {
	e, srv := newTestEngine(t, Options{})
	data := randomBytes(300 << 10)
	srv.PutObject("bucket", "data.bin", data)

	var buf bytes.Buffer
	out, err := e.Download(context.Background(), DownloadInput{Bucket: "bucket", Key: "data.bin", Sink: &buf})
	require.NoError(t, err)

	assert.Equal(t, data, buf.Bytes())
	assert.Equal(t, int64(len(data)), out.Size)
	assert.Equal(t, md5Hex(data), out.ETag)
	assert.Equal(t, "application/octet-stream", out.ContentType)
	assert.False(t, out.LastModified.IsZero())
	assert.Equal(t, int64(len(data)), out.Checkpoint.Offset)

	reqs := getRequests(srv)
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Header.Get("Range"))
	assert.Empty(t, reqs[0].Header.Get("If-Match"))
}

func TestDownload_ResumesAfterTruncation(t *testing.T) {
	e, srv := newTestEngine(t, Options{})
	data := randomBytes(300 << 10)
	srv.PutObject("bucket", "data.bin", data)
	srv.Inject(s3test.Fault{Op: request.OpGetObject, TruncateAfter: 100000})

	var buf bytes.Buffer
	out, err := e.Download(context.Background(), DownloadInput{Bucket: "bucket", Key: "data.bin", Sink: &buf})
	require.NoError(t, err)
	assert.Equal(t, data, buf.Bytes())
	assert.Equal(t, int64(len(data)), out.Size)

	reqs := getRequests(srv)
	require.Len(t, reqs, 2)
	assert.Equal(t, "bytes=100000-", reqs[1].Header.Get("Range"))
	assert.Equal(t, `"`+md5Hex(data)+`"`, reqs[1].Header.Get("If-Match"))
	assert.Equal(t, reqs[0].Header.Get(HeaderInvocationID), reqs[1].Header.Get(HeaderInvocationID))
}

func TestDownload_Ranges(t *testing.T) {
	e, srv := newTestEngine(t, Options{})
	data := randomBytes(300 << 10)
	srv.PutObject("bucket", "data.bin", data)

	t.Run("bounded", func(t *testing.T) {
		got, out, err := e.GetObject(context.Background(), "bucket", "data.bin", &storage.ByteRange{Start: 10, End: 19})
		require.NoError(t, err)
		assert.Equal(t, data[10:20], got)
		assert.Equal(t, int64(10), out.Size)
	})

	t.Run("open ended", func(t *testing.T) {
		start := int64(len(data) - 5)
		got, _, err := e.GetObject(context.Background(), "bucket", "data.bin", &storage.ByteRange{Start: start, End: -1})
		require.NoError(t, err)
		assert.Equal(t, data[start:], got)
	})

	t.Run("resumed inside the range", func(t *testing.T) {
		srv.Inject(s3test.Fault{Op: request.OpGetObject, TruncateAfter: 50000})
		before := len(getRequests(srv))

		got, _, err := e.GetObject(context.Background(), "bucket", "data.bin", &storage.ByteRange{Start: 1000, End: 200999})
		require.NoError(t, err)
		assert.Equal(t, data[1000:201000], got)

		reqs := getRequests(srv)[before:]
		require.Len(t, reqs, 2)
		assert.Equal(t, "bytes=1000-200999", reqs[0].Header.Get("Range"))
		assert.Equal(t, "bytes=51000-200999", reqs[1].Header.Get("Range"))
	})

	t.Run("unsatisfiable", func(t *testing.T) {
		_, _, err := e.GetObject(context.Background(), "bucket", "data.bin", &storage.ByteRange{Start: int64(len(data)) + 1, End: -1})
		assert.ErrorIs(t, err, storage.ErrValidation)
	})

	t.Run("invalid", func(t *testing.T) {
		_, _, err := e.GetObject(context.Background(), "bucket", "data.bin", &storage.ByteRange{Start: 10, End: 5})
		assert.ErrorIs(t, err, storage.ErrValidation)
	})
}

func TestDownload_Checkpoint(t *testing.T) {
	data := randomBytes(64 << 10)

	t.Run("failed download returns a checkpoint that a later call continues", func(t *testing.T) {
		e, srv := newTestEngine(t, Options{})
		srv.PutObject("bucket", "data.bin", data)
		srv.Inject(s3test.Fault{Op: request.OpGetObject, Times: 3, TruncateAfter: 1000})

		sink := tempSink(t)
		out, err := e.Download(context.Background(), DownloadInput{Bucket: "bucket", Key: "data.bin", Sink: sink})
		require.Error(t, err)
		assert.True(t, storage.IsRetryable(err))
		require.NotNil(t, out)
		assert.Equal(t, int64(3000), out.Checkpoint.Offset)
		assert.Equal(t, md5Hex(data), out.Checkpoint.ETag)

		sum := sha256.Sum256(data[:3000])
		assert.Equal(t, hex.EncodeToString(sum[:]), out.Checkpoint.SHA256)

		cp := out.Checkpoint
		out, err = e.Download(context.Background(), DownloadInput{Bucket: "bucket", Key: "data.bin", Sink: sink, Checkpoint: &cp})
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), out.Size)
		assert.Equal(t, data, fileContent(t, sink))

		reqs := getRequests(srv)
		require.Len(t, reqs, 4)
		assert.Equal(t, "bytes=3000-", reqs[3].Header.Get("Range"))
	})

	t.Run("mismatched checkpoint restarts from zero", func(t *testing.T) {
		e, srv := newTestEngine(t, Options{})
		srv.PutObject("bucket", "data.bin", data)

		sink := tempSink(t)
		_, err := sink.Write([]byte("not the object at all"))
		require.NoError(t, err)

		cp := Checkpoint{ETag: md5Hex(data), Offset: 10, SHA256: strings.Repeat("0", 64)}
		out, err := e.Download(context.Background(), DownloadInput{Bucket: "bucket", Key: "data.bin", Sink: sink, Checkpoint: &cp})
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), out.Size)
		assert.Equal(t, data, fileContent(t, sink))

		reqs := getRequests(srv)
		require.Len(t, reqs, 1)
		assert.Empty(t, reqs[0].Header.Get("Range"))
	})

	t.Run("object changed since the checkpoint", func(t *testing.T) {
		e, srv := newTestEngine(t, Options{})
		srv.PutObject("bucket", "data.bin", data)

		sink := tempSink(t)
		_, err := sink.Write(data[:1000])
		require.NoError(t, err)
		sum := sha256.Sum256(data[:1000])
		cp := Checkpoint{ETag: md5Hex(data), Offset: 1000, SHA256: hex.EncodeToString(sum[:])}

		srv.PutObject("bucket", "data.bin", randomBytes(1<<10))

		_, err = e.Download(context.Background(), DownloadInput{Bucket: "bucket", Key: "data.bin", Sink: sink, Checkpoint: &cp})
		require.Error(t, err)
		assert.ErrorIs(t, err, storage.ErrConflict)
		assert.Equal(t, 1, srv.Count(request.OpGetObject))
	})

	t.Run("checkpoint covering the whole object completes", func(t *testing.T) {
		e, srv := newTestEngine(t, Options{})
		srv.PutObject("bucket", "data.bin", data)

		sink := tempSink(t)
		out, err := e.Download(context.Background(), DownloadInput{Bucket: "bucket", Key: "data.bin", Sink: sink})
		require.NoError(t, err)
		require.Equal(t, int64(len(data)), out.Checkpoint.Offset)

		cp := out.Checkpoint
		out, err = e.Download(context.Background(), DownloadInput{Bucket: "bucket", Key: "data.bin", Sink: sink, Checkpoint: &cp})
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), out.Size)
		assert.Equal(t, md5Hex(data), out.ETag)
		assert.Equal(t, cp, out.Checkpoint)
		assert.Equal(t, data, fileContent(t, sink))

		reqs := getRequests(srv)
		require.Len(t, reqs, 2)
		assert.Equal(t, "bytes="+strconv.Itoa(len(data))+"-", reqs[1].Header.Get("Range"))
		assert.Equal(t, `"`+md5Hex(data)+`"`, reqs[1].Header.Get("If-Match"))
	})

	t.Run("checkpoint past the end of the object fails", func(t *testing.T) {
		e, srv := newTestEngine(t, Options{})
		srv.PutObject("bucket", "data.bin", data)

		held := append(append([]byte{}, data...), "extra"...)
		sink := tempSink(t)
		_, err := sink.Write(held)
		require.NoError(t, err)
		sum := sha256.Sum256(held)
		cp := Checkpoint{ETag: md5Hex(data), Offset: int64(len(held)), SHA256: hex.EncodeToString(sum[:])}

		_, err = e.Download(context.Background(), DownloadInput{Bucket: "bucket", Key: "data.bin", Sink: sink, Checkpoint: &cp})
		assert.ErrorIs(t, err, storage.ErrValidation)
		assert.Equal(t, 1, srv.Count(request.OpGetObject))
	})

	t.Run("checkpoint covering a bounded range sends nothing", func(t *testing.T) {
		e, srv := newTestEngine(t, Options{})
		srv.PutObject("bucket", "data.bin", data)

		sink := tempSink(t)
		_, err := sink.Write(data[:1000])
		require.NoError(t, err)
		sum := sha256.Sum256(data[:1000])
		cp := Checkpoint{ETag: md5Hex(data), Offset: 1000, SHA256: hex.EncodeToString(sum[:])}

		out, err := e.Download(context.Background(), DownloadInput{
			Bucket:     "bucket",
			Key:        "data.bin",
			Sink:       sink,
			Range:      &storage.ByteRange{Start: 0, End: 999},
			Checkpoint: &cp,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1000), out.Size)
		assert.Zero(t, srv.Count(request.OpGetObject))
	})

	t.Run("sink that cannot resume ignores the checkpoint", func(t *testing.T) {
		e, srv := newTestEngine(t, Options{})
		srv.PutObject("bucket", "data.bin", data)

		var buf bytes.Buffer
		cp := Checkpoint{ETag: md5Hex(data), Offset: 1000, SHA256: strings.Repeat("0", 64)}
		_, err := e.Download(context.Background(), DownloadInput{Bucket: "bucket", Key: "data.bin", Sink: &buf, Checkpoint: &cp})
		require.NoError(t, err)
		assert.Equal(t, data, buf.Bytes())
	})
}

func TestUnsatisfiedRangeTotal(t *testing.T) {
	tests := []struct {
		header string
		want   int64
		ok     bool
	}{
		{"bytes */4096", 4096, true},
		{"bytes */0", 0, true},
		{"bytes 0-9/4096", 0, false},
		{"bytes */*", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, ok := unsatisfiedRangeTotal(tt.header)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestDownload_NotFound(t *testing.T) {
	e, srv := newTestEngine(t, Options{})
	srv.CreateBucket("bucket")

	var buf bytes.Buffer
	_, err := e.Download(context.Background(), DownloadInput{Bucket: "bucket", Key: "missing", Sink: &buf})
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err))
	assert.Equal(t, 1, srv.Count(request.OpGetObject))

	_, err = e.Download(context.Background(), DownloadInput{Bucket: "bucket", Key: "missing"})
	assert.ErrorIs(t, err, storage.ErrValidation)
}

// mockEngine returns an engine whose transport is a testify mock
func mockEngine(t *testing.T) (*Engine, *mocks.MockTransport) {
	t.Helper()
	transport := mocks.NewMockTransport(t)
	ep := storage.Endpoint{Scheme: "http", Host: "localhost", Port: 9000, Region: s3test.Region, PathStyle: true}
	e, err := New(transport, testSigner(t), request.NewBuilder(ep), Options{Retry: fastRetry(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	return e, transport
}

func objectResponse(etag string, length int, body []byte) func(context.Context, string, string, http.Header, io.Reader) (*storage.Response, error) {
	return func(context.Context, string, string, http.Header, io.Reader) (*storage.Response, error) {
		h := http.Header{}
		h.Set("ETag", `"`+etag+`"`)
		h.Set("Content-Length", strconv.Itoa(length))
		return &storage.Response{StatusCode: http.StatusOK, Header: h, Body: io.NopCloser(bytes.NewReader(body))}, nil
	}
}

func TestDownload_Integrity(t *testing.T) {
	data := []byte("the body the server actually sent")

	t.Run("content MD5 differs from ETag", func(t *testing.T) {
		e, transport := mockEngine(t)
		transport.On("Send", mock.Anything, http.MethodGet, "http://localhost:9000/bucket/key", mock.Anything, mock.Anything).
			Return(objectResponse(md5Hex([]byte("something else")), len(data), data), nil).Once()

		var buf bytes.Buffer
		_, err := e.Download(context.Background(), DownloadInput{Bucket: "bucket", Key: "key", Sink: &buf})
		require.Error(t, err)
		assert.ErrorIs(t, err, storage.ErrIntegrity)
	})

	t.Run("multipart ETag is not compared", func(t *testing.T) {
		e, transport := mockEngine(t)
		transport.On("Send", mock.Anything, http.MethodGet, mock.Anything, mock.Anything, mock.Anything).
			Return(objectResponse(md5Hex([]byte("parts"))+"-2", len(data), data), nil).Once()

		var buf bytes.Buffer
		_, err := e.Download(context.Background(), DownloadInput{Bucket: "bucket", Key: "key", Sink: &buf})
		require.NoError(t, err)
		assert.Equal(t, data, buf.Bytes())
	})

	t.Run("short body is transient", func(t *testing.T) {
		e, transport := mockEngine(t)
		transport.On("Send", mock.Anything, http.MethodGet, mock.Anything, mock.Anything, mock.Anything).
			Return(objectResponse(md5Hex(data), len(data)+50, data), nil).Times(3)

		var buf bytes.Buffer
		_, err := e.Download(context.Background(), DownloadInput{Bucket: "bucket", Key: "key", Sink: &buf})
		require.Error(t, err)
		assert.True(t, storage.IsRetryable(err))
	})
}
