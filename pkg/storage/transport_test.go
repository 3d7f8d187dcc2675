package storage_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williamokano/s3lite/pkg/storage"
)

type seenRequest struct {
	method        string
	path          string
	host          string
	contentLength int64
	header        http.Header
	body          string
}

func echoServer(t *testing.T) (*httptest.Server, <-chan seenRequest) {
	t.Helper()
	seen := make(chan seenRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen <- seenRequest{
			method:        r.Method,
			path:          r.URL.RequestURI(),
			host:          r.Host,
			contentLength: r.ContentLength,
			header:        r.Header.Clone(),
			body:          string(body),
		}
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("response body"))
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func TestHTTPTransport_Send(t *testing.T) {
	srv, seen := echoServer(t)
	tr := storage.NewHTTPTransport(nil)

	t.Run("body_with_length", func(t *testing.T) {
		h := http.Header{}
		h.Set("Content-Length", "5")
		h.Set("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")

		resp, err := tr.Send(context.Background(), http.MethodPut, srv.URL+"/bucket/key?partNumber=1", h, strings.NewReader("hello"))
		require.NoError(t, err)
		defer resp.Body.Close()

		got := <-seen
		assert.Equal(t, http.MethodPut, got.method)
		assert.Equal(t, "/bucket/key?partNumber=1", got.path)
		assert.Equal(t, int64(5), got.contentLength)
		assert.Equal(t, "hello", got.body)
		assert.Equal(t, "UNSIGNED-PAYLOAD", got.header.Get("X-Amz-Content-Sha256"))

		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, `"abc"`, resp.Header.Get("ETag"))
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "response body", string(body))

		assert.Equal(t, "5", h.Get("Content-Length"), "caller header is not modified")
	})

	t.Run("nil_body", func(t *testing.T) {
		resp, err := tr.Send(context.Background(), http.MethodDelete, srv.URL+"/bucket/key", nil, nil)
		require.NoError(t, err)
		resp.Body.Close()

		got := <-seen
		assert.Equal(t, http.MethodDelete, got.method)
		assert.Equal(t, int64(0), got.contentLength)
		assert.Empty(t, got.body)
	})

	t.Run("host_override", func(t *testing.T) {
		h := http.Header{}
		h.Set("Host", "bucket.s3.example.com")

		resp, err := tr.Send(context.Background(), http.MethodGet, srv.URL+"/key", h, nil)
		require.NoError(t, err)
		resp.Body.Close()

		got := <-seen
		assert.Equal(t, "bucket.s3.example.com", got.host)
	})

	t.Run("invalid_content_length", func(t *testing.T) {
		h := http.Header{}
		h.Set("Content-Length", "-3")

		_, err := tr.Send(context.Background(), http.MethodPut, srv.URL+"/k", h, strings.NewReader("x"))
		assert.ErrorIs(t, err, storage.ErrValidation)
	})
}

func TestHTTPTransport_Failures(t *testing.T) {
	t.Run("connection_refused_is_transient", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := l.Addr().String()
		require.NoError(t, l.Close())

		_, err = storage.NewHTTPTransport(nil).Send(context.Background(), http.MethodGet, "http://"+addr+"/", nil, nil)
		assert.ErrorIs(t, err, storage.ErrTransient)
	})

	t.Run("cancellation_is_returned_as_is", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		}))
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := storage.NewHTTPTransport(srv.Client()).Send(ctx, http.MethodGet, srv.URL+"/", nil, nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.NotErrorIs(t, err, storage.ErrTransient)
	})
}

func TestNopObserver(t *testing.T) {
	var o storage.Observer = storage.NopObserver{}
	assert.NotPanics(t, func() {
		o.ObserveRequest("GetObject", 200, time.Millisecond, nil)
		o.ObserveRetry("GetObject")
		o.ObserveBytes("download", 10)
	})
}
