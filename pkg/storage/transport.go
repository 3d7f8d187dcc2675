package storage

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Response is what a Transport returns for a completed HTTP exchange.
// The caller must close Body.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Transport sends one HTTP request. Implementations must be safe for concurrent use.
// body may be nil. A Content-Length header, when present, is the exact body length.
// A Host header, when present, overrides the host derived from url.
type Transport interface {
	Send(ctx context.Context, method, url string, header http.Header, body io.Reader) (*Response, error)
}

// HTTPTransport adapts a *http.Client to the Transport interface
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport wraps client; nil gets a pooled client tuned for object transfer
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Transport: DefaultRoundTripper()}
	}
	return &HTTPTransport{client: client}
}

// DefaultRoundTripper returns the pooled transport used by NewHTTPTransport(nil)
func DefaultRoundTripper() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// Keep the body bytes exactly as the server sent them; ETags are computed on them.
		DisableCompression: true,
	}
}

// Send implements Transport
func (t *HTTPTransport) Send(ctx context.Context, method, url string, header http.Header, body io.Reader) (*Response, error) {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}

	length := int64(-1)
	if v := h.Get("Content-Length"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, Validationf("invalid Content-Length %q", v)
		}
		length = n
		h.Del("Content-Length")
	}

	var rc io.ReadCloser
	switch {
	case body == nil || length == 0:
		rc = http.NoBody
		if length < 0 {
			length = 0
		}
	default:
		// net/http closes request bodies; the caller owns ours.
		rc = io.NopCloser(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rc)
	if err != nil {
		return nil, Validationf("build request: %v", err)
	}
	req.ContentLength = length
	if host := h.Get("Host"); host != "" {
		req.Host = host
		h.Del("Host")
	}
	req.Header = h

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, ClassifyTransportError(err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}
