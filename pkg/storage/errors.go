package storage

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

var (
	ErrValidation     = errors.New("validation error")
	ErrConfiguration  = errors.New("configuration error")
	ErrAuthentication = errors.New("authentication failed")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrTransient      = errors.New("transient failure")
	ErrIntegrity      = errors.New("integrity check failed")
	ErrTransport      = errors.New("transport failure")
)

// Error is the typed error returned by every storage operation.
// Kind is one of the sentinel errors above, so callers can use errors.Is.
type Error struct {
	Kind       error
	Op         string
	Bucket     string
	Key        string
	StatusCode int    // HTTP status, 0 if no response was received
	Code       string // S3 error code, e.g. NoSuchKey
	Message    string
	RequestID  string
	Err        error // Underlying cause
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		if e.Bucket != "" {
			b.WriteString(" ")
			b.WriteString(e.Bucket)
			if e.Key != "" {
				b.WriteString("/")
				b.WriteString(e.Key)
			}
		}
		b.WriteString(": ")
	}
	kind := "error"
	if e.Kind != nil {
		kind = e.Kind.Error()
	}
	b.WriteString(kind)
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s", e.Code)
		if e.StatusCode != 0 {
			fmt.Fprintf(&b, ", status %d", e.StatusCode)
		}
		b.WriteString(")")
	} else if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Validationf returns a ValidationError
func Validationf(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// Configurationf returns a ConfigurationError
func Configurationf(format string, args ...any) error {
	return &Error{Kind: ErrConfiguration, Message: fmt.Sprintf(format, args...)}
}

// Integrityf returns an IntegrityError
func Integrityf(format string, args ...any) error {
	return &Error{Kind: ErrIntegrity, Message: fmt.Sprintf(format, args...)}
}

// IsRetryable returns true if error should trigger a retry
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsCritical returns true if error should stop all operations
func IsCritical(err error) bool {
	return errors.Is(err, ErrAuthentication) || errors.Is(err, ErrConfiguration)
}

// IsNotFound reports whether err means the bucket or object does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// WrapError adds operation context to an error. Typed errors keep their kind;
// anything else is classified as a transport failure.
func WrapError(op, bucket, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *Error
	if errors.As(err, &se) {
		cp := *se
		if cp.Op == "" {
			cp.Op = op
		}
		if cp.Bucket == "" {
			cp.Bucket = bucket
		}
		if cp.Key == "" {
			cp.Key = key
		}
		return &cp
	}
	return &Error{Kind: ErrTransport, Op: op, Bucket: bucket, Key: key, Err: err}
}

// ClassifyTransportError turns a transport-level failure (no HTTP response) into a typed
// error. Context errors are returned unchanged so callers see cancellation as such.
func ClassifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}

	kind := ErrTransport
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = ErrTransient
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		kind = ErrTransient
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNABORTED):
		kind = ErrTransient
	}
	return &Error{Kind: kind, Err: err}
}

// errorDocument is the XML body S3 returns on failure
type errorDocument struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource"`
	RequestID string   `xml:"RequestId"`
}

// maxErrorBody bounds how much of an error response is read
const maxErrorBody = 64 << 10

var throttlingCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestThrottledException":              true,
	"TooManyRequestsException":               true,
	"ProvisionedThroughputExceededException": true,
	"TransactionInProgressException":         true,
	"RequestLimitExceeded":                   true,
	"BandwidthLimitExceeded":                 true,
	"LimitExceededException":                 true,
	"RequestThrottled":                       true,
	"SlowDown":                               true,
	"PriorRequestNotComplete":                true,
	"EC2ThrottledException":                  true,
	"RequestTimeout":                         true,
	"RequestTimeoutException":                true,
	"InternalError":                          true,
}

// ParseErrorDocument decodes an S3 <Error> document. ok is false when body is not one.
func ParseErrorDocument(body []byte) (code, message, requestID string, ok bool) {
	var doc errorDocument
	if err := xml.Unmarshal(body, &doc); err != nil || doc.Code == "" {
		return "", "", "", false
	}
	return doc.Code, doc.Message, doc.RequestID, true
}

// FromResponse builds a typed error from a non-success HTTP response.
// The body is read (bounded) but not closed.
func FromResponse(op, bucket, key string, resp *Response) error {
	e := &Error{Op: op, Bucket: bucket, Key: key, StatusCode: resp.StatusCode}

	if resp.Body != nil {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if code, msg, reqID, ok := ParseErrorDocument(raw); ok {
			e.Code, e.Message, e.RequestID = code, msg, reqID
		}
	}
	if e.RequestID == "" && resp.Header != nil {
		e.RequestID = resp.Header.Get("X-Amz-Request-Id")
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	e.Kind = kindForStatus(resp.StatusCode, e.Code)
	return e
}

func kindForStatus(status int, code string) error {
	if throttlingCodes[code] {
		return ErrTransient
	}
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrAuthentication
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict, status == http.StatusPreconditionFailed:
		return ErrConflict
	case status == http.StatusTooManyRequests, status >= 500:
		return ErrTransient
	case code == "SignatureDoesNotMatch", code == "InvalidAccessKeyId", code == "AccessDenied":
		return ErrAuthentication
	case status >= 400:
		return ErrValidation
	}
	return ErrTransport
}
