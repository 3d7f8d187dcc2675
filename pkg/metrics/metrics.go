// Package metrics exposes client request telemetry as Prometheus metrics
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/williamokano/s3lite/pkg/storage"
)

const namespace = "s3lite"

// Collector implements storage.Observer on top of a Prometheus registry
type Collector struct {
	reg      *prometheus.Registry
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	retries  *prometheus.CounterVec
	bytes    *prometheus.CounterVec
}

var _ storage.Observer = (*Collector)(nil)

// New creates a Collector with its own registry
func New() *Collector {
	reg := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "requests_total",
		Help:      "HTTP attempts sent to the storage service, by operation and status code.",
	}, []string{"op", "code"}) // code = HTTP status or "none" when no response arrived
	errs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "request_errors_total",
		Help:      "Failed attempts by operation and error kind.",
	}, []string{"op", "kind"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "request_duration_seconds",
		Help:      "Histogram of attempt durations in seconds, until the response was handled.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "retries_total",
		Help:      "Retried attempts by operation.",
	}, []string{"op"})
	bytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transfer",
		Name:      "bytes_total",
		Help:      "Object bytes moved, by direction.",
	}, []string{"direction"})

	reg.MustRegister(requests, errs, latency, retries, bytes)

	return &Collector{
		reg:      reg,
		requests: requests,
		errors:   errs,
		latency:  latency,
		retries:  retries,
		bytes:    bytes,
	}
}

// Registry returns the registry the collectors are registered on
func (c *Collector) Registry() *prometheus.Registry {
	return c.reg
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveRequest(op string, status int, duration time.Duration, err error) {
	code := "none"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	c.requests.WithLabelValues(op, code).Inc()
	c.latency.WithLabelValues(op).Observe(duration.Seconds())
	if err != nil {
		c.errors.WithLabelValues(op, Kind(err)).Inc()
	}
}

func (c *Collector) ObserveRetry(op string) {
	c.retries.WithLabelValues(op).Inc()
}

func (c *Collector) ObserveBytes(direction string, n int64) {
	if n > 0 {
		c.bytes.WithLabelValues(direction).Add(float64(n))
	}
}

// Kind returns a short label for the error kind of err
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, storage.ErrValidation):
		return "validation"
	case errors.Is(err, storage.ErrConfiguration):
		return "configuration"
	case errors.Is(err, storage.ErrAuthentication):
		return "authentication"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, storage.ErrConflict):
		return "conflict"
	case errors.Is(err, storage.ErrTransient):
		return "transient"
	case errors.Is(err, storage.ErrIntegrity):
		return "integrity"
	default:
		return "transport"
	}
}
