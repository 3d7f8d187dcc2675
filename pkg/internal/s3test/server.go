// Package s3test provides an in-memory S3 server for tests. It verifies SigV4
// signatures and payload hashes, supports the bucket, object and multipart
// operations the client uses, and can inject faults.
package s3test

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/williamokano/s3lite/pkg/request"
	"github.com/williamokano/s3lite/pkg/sigv4"
	"github.com/williamokano/s3lite/pkg/storage"
)

// Default credentials, the same the MinIO harness uses
const (
	AccessKey = "minio"
	SecretKey = "minio123"
	Region    = storage.DefaultRegion
)

// MinPartSize is the smallest non-final part S3 accepts
const MinPartSize = 5 << 20

// Fault describes a failure injected into matching requests
type Fault struct {
	Op    string // Operation name (request.Op*), empty matches any
	Times int    // Number of requests to affect

	Status  int    // Respond with this status and an S3 error document
	Code    string // S3 error code for Status
	Message string

	TruncateAfter int64         // GetObject: send full headers but only this many body bytes
	CorruptETag   bool          // PutObject/UploadPart: store the data but echo a wrong ETag
	ErrorInBody   bool          // CompleteMultipartUpload: 200 OK with an <Error> document
	Delay         time.Duration // Wait before handling (or until the client gives up)
}

// RecordedRequest is a request the server received
type RecordedRequest struct {
	Op     string
	Method string
	Path   string
	Query  url.Values
	Header http.Header
}

type object struct {
	data         []byte
	etag         string
	contentType  string
	lastModified time.Time
}

type bucket struct {
	created time.Time
	objects map[string]*object
}

type upload struct {
	bucket      string
	key         string
	contentType string
	parts       map[int]*object
}

// Server is an in-memory S3 endpoint backed by httptest
type Server struct {
	URL string

	srv    *httptest.Server
	signer *sigv4.Signer

	mu       sync.Mutex
	buckets  map[string]*bucket
	uploads  map[string]*upload
	faults   []*Fault
	requests []RecordedRequest
}

// New starts a server that accepts the default credentials. It is closed when
// the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	creds, err := storage.NewCredentials(AccessKey, SecretKey, "")
	if err != nil {
		t.Fatalf("s3test: %v", err)
	}
	return NewWithCredentials(t, creds)
}

// NewWithCredentials starts a server that accepts creds
func NewWithCredentials(t testing.TB, creds storage.Credentials) *Server {
	t.Helper()
	signer, err := sigv4.NewSigner(creds, Region, sigv4.ServiceS3)
	if err != nil {
		t.Fatalf("s3test: %v", err)
	}

	s := &Server{
		signer:  signer,
		buckets: make(map[string]*bucket),
		uploads: make(map[string]*upload),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	s.URL = s.srv.URL
	t.Cleanup(s.srv.Close)
	return s
}

// Endpoint returns a path-style endpoint for the server
func (s *Server) Endpoint() storage.Endpoint {
	ep, err := storage.ParseEndpoint(s.URL, Region, true)
	if err != nil {
		panic(err)
	}
	return ep
}

// Inject adds a fault. Faults are matched in the order they were added.
func (s *Server) Inject(f Fault) {
	if f.Times == 0 {
		f.Times = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &f)
}

// Requests returns every request received so far
func (s *Server) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// Count returns how many requests for op were received
func (s *Server) Count(op string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Op == op {
			n++
		}
	}
	return n
}

// CreateBucket creates a bucket directly
func (s *Server) CreateBucket(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; !ok {
		s.buckets[name] = &bucket{created: time.Now().UTC(), objects: make(map[string]*object)}
	}
}

// PutObject stores an object directly, creating the bucket if needed
func (s *Server) PutObject(bucketName, key string, data []byte) {
	s.CreateBucket(bucketName)
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := md5.Sum(data)
	s.buckets[bucketName].objects[key] = &object{
		data:         append([]byte(nil), data...),
		etag:         hex.EncodeToString(sum[:]),
		contentType:  "application/octet-stream",
		lastModified: time.Now().UTC(),
	}
}

// Object returns the stored content of an object
func (s *Server) Object(bucketName, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucketName]
	if !ok {
		return nil, false
	}
	o, ok := b.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), o.data...), true
}

// ObjectETag returns the ETag of a stored object, without quotes
func (s *Server) ObjectETag(bucketName, key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[bucketName]; ok {
		if o, ok := b.objects[key]; ok {
			return o.etag
		}
	}
	return ""
}

// HasBucket reports whether a bucket exists
func (s *Server) HasBucket(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	return ok
}

// PendingUploads returns the number of multipart uploads neither completed nor aborted
func (s *Server) PendingUploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	bucketName, key := splitPath(r.URL.Path)
	op := operation(r, bucketName, key)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Op:     op,
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
	})
	fault := s.takeFault(op)
	s.mu.Unlock()

	if code, status, msg := s.authenticate(r, body); code != "" {
		writeError(w, r, status, code, msg)
		return
	}

	if fault != nil {
		if fault.Delay > 0 {
			select {
			case <-time.After(fault.Delay):
			case <-r.Context().Done():
				return
			}
		}
		if fault.Status != 0 {
			writeError(w, r, fault.Status, fault.Code, fault.Message)
			return
		}
	}

	switch op {
	case request.OpListBuckets:
		s.listBuckets(w)
	case request.OpCreateBucket:
		s.createBucket(w, r, bucketName)
	case request.OpDeleteBucket:
		s.deleteBucket(w, r, bucketName)
	case request.OpHeadBucket:
		s.headBucket(w, r, bucketName)
	case request.OpListObjects:
		s.listObjects(w, r, bucketName)
	case request.OpPutObject:
		s.putObject(w, r, bucketName, key, body, fault)
	case request.OpGetObject, request.OpHeadObject:
		s.getObject(w, r, bucketName, key, fault)
	case request.OpDeleteObject:
		s.deleteObject(w, r, bucketName, key)
	case request.OpInitiateMultipartUpload:
		s.createMultipartUpload(w, r, bucketName, key)
	case request.OpUploadPart:
		s.uploadPart(w, r, body, fault)
	case request.OpCompleteMultipartUpload:
		s.completeMultipartUpload(w, r, body, fault)
	case request.OpAbortMultipartUpload:
		s.abortMultipartUpload(w, r)
	default:
		writeError(w, r, http.StatusNotImplemented, "NotImplemented", op+" is not implemented.")
	}
}

// takeFault returns the first pending fault for op. Callers hold s.mu.
func (s *Server) takeFault(op string) *Fault {
	for _, f := range s.faults {
		if f.Times > 0 && (f.Op == "" || f.Op == op) {
			f.Times--
			cp := *f
			return &cp
		}
	}
	return nil
}

func splitPath(p string) (string, string) {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "", ""
	}
	bucketName, key, _ := strings.Cut(p, "/")
	return bucketName, key
}

func operation(r *http.Request, bucketName, key string) string {
	q := r.URL.Query()
	switch {
	case bucketName == "":
		if r.Method == http.MethodGet {
			return request.OpListBuckets
		}
	case key == "":
		switch r.Method {
		case http.MethodPut:
			return request.OpCreateBucket
		case http.MethodDelete:
			return request.OpDeleteBucket
		case http.MethodHead:
			return request.OpHeadBucket
		case http.MethodGet:
			if q.Get("list-type") == "2" {
				return request.OpListObjects
			}
			return "ListObjects"
		}
	default:
		switch r.Method {
		case http.MethodPut:
			if q.Has("partNumber") && q.Has("uploadId") {
				return request.OpUploadPart
			}
			return request.OpPutObject
		case http.MethodGet:
			return request.OpGetObject
		case http.MethodHead:
			return request.OpHeadObject
		case http.MethodDelete:
			if q.Has("uploadId") {
				return request.OpAbortMultipartUpload
			}
			return request.OpDeleteObject
		case http.MethodPost:
			if q.Has("uploads") {
				return request.OpInitiateMultipartUpload
			}
			if q.Has("uploadId") {
				return request.OpCompleteMultipartUpload
			}
		}
	}
	return r.Method + " " + r.URL.Path
}

// authenticate verifies the header or query signature and the payload hashes.
// It returns an S3 error code when the request must be rejected.
func (s *Server) authenticate(r *http.Request, body []byte) (string, int, string) {
	if r.URL.Query().Has("X-Amz-Signature") {
		return s.authenticatePresigned(r)
	}

	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "AccessDenied", http.StatusForbidden, "Access Denied."
	}
	accessKey, signedHeaders, ok := parseAuthorization(auth)
	if !ok {
		return "AuthorizationHeaderMalformed", http.StatusBadRequest, "The authorization header is malformed."
	}
	if accessKey != s.signer.AccessKeyID() {
		return "InvalidAccessKeyId", http.StatusForbidden, "The Access Key Id you provided does not exist in our records."
	}

	t, err := time.Parse(sigv4.TimeFormat, r.Header.Get(sigv4.HeaderDate))
	if err != nil {
		return "AccessDenied", http.StatusForbidden, "AWS authentication requires a valid Date or x-amz-date header."
	}

	header := http.Header{}
	for _, name := range signedHeaders {
		switch name {
		case "host":
			header.Set("Host", r.Host)
		case "content-length":
			header.Set("Content-Length", strconv.FormatInt(r.ContentLength, 10))
		default:
			header[http.CanonicalHeaderKey(name)] = r.Header.Values(name)
		}
	}

	payloadHash := r.Header.Get(sigv4.HeaderContentSHA256)
	rawPath, _, _ := strings.Cut(r.RequestURI, "?")
	want, err := s.signer.Sign(r.Method, rawPath, r.URL.Query(), header, payloadHash, t)
	if err != nil || want.Get(sigv4.HeaderAuthorization) != auth {
		return "SignatureDoesNotMatch", http.StatusForbidden,
			"The request signature we calculated does not match the signature you provided."
	}

	if payloadHash != sigv4.UnsignedPayload && payloadHash != sigv4.SHA256Hex(body) {
		return "XAmzContentSHA256Mismatch", http.StatusBadRequest,
			"The provided 'x-amz-content-sha256' header does not match what was computed."
	}
	if cmd5 := r.Header.Get("Content-Md5"); cmd5 != "" {
		sum := md5.Sum(body)
		if cmd5 != base64.StdEncoding.EncodeToString(sum[:]) {
			return "BadDigest", http.StatusBadRequest, "The Content-MD5 you specified did not match what we received."
		}
	}
	return "", 0, ""
}

func (s *Server) authenticatePresigned(r *http.Request) (string, int, string) {
	q := r.URL.Query()
	signature := q.Get("X-Amz-Signature")
	q.Del("X-Amz-Signature")

	t, err := time.Parse(sigv4.TimeFormat, q.Get("X-Amz-Date"))
	if err != nil {
		return "AuthorizationQueryParametersError", http.StatusBadRequest, "X-Amz-Date must be in the ISO8601 format."
	}
	secs, err := strconv.Atoi(q.Get("X-Amz-Expires"))
	if err != nil {
		return "AuthorizationQueryParametersError", http.StatusBadRequest, "X-Amz-Expires should be a number."
	}
	if time.Now().After(t.Add(time.Duration(secs) * time.Second)) {
		return "AccessDenied", http.StatusForbidden, "Request has expired."
	}

	rawPath, _, _ := strings.Cut(r.RequestURI, "?")
	want, err := s.signer.Presign(r.Method, rawPath, q, r.Host, t, time.Duration(secs)*time.Second)
	if err != nil || want.Get("X-Amz-Signature") != signature {
		return "SignatureDoesNotMatch", http.StatusForbidden,
			"The request signature we calculated does not match the signature you provided."
	}
	return "", 0, ""
}

// parseAuthorization extracts the access key and signed header list from
// "AWS4-HMAC-SHA256 Credential=AK/scope, SignedHeaders=a;b, Signature=hex"
func parseAuthorization(auth string) (string, []string, bool) {
	rest, ok := strings.CutPrefix(auth, sigv4.Algorithm+" ")
	if !ok {
		return "", nil, false
	}
	var accessKey string
	var signed []string
	for _, field := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok {
			return "", nil, false
		}
		switch k {
		case "Credential":
			accessKey, _, _ = strings.Cut(v, "/")
		case "SignedHeaders":
			signed = strings.Split(v, ";")
		}
	}
	return accessKey, signed, accessKey != "" && len(signed) > 0
}

type errorDocument struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource"`
	RequestID string   `xml:"RequestId"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID := uuid.NewString()
	w.Header().Set("X-Amz-Request-Id", requestID)
	if r.Method == http.MethodHead || code == "" {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(errorDocument{
		Code:      code,
		Message:   message,
		Resource:  r.URL.Path,
		RequestID: requestID,
	})
}

func writeXML(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(v)
}

func noSuchBucket(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist.")
}

func noSuchKey(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.")
}

func noSuchUpload(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "NoSuchUpload", "The specified multipart upload does not exist.")
}

func quote(etag string) string {
	return `"` + etag + `"`
}

func (s *Server) listBuckets(w http.ResponseWriter) {
	type bucketXML struct {
		Name         string `xml:"Name"`
		CreationDate string `xml:"CreationDate"`
	}
	type result struct {
		XMLName xml.Name    `xml:"ListAllMyBucketsResult"`
		Xmlns   string      `xml:"xmlns,attr"`
		Buckets []bucketXML `xml:"Buckets>Bucket"`
	}

	s.mu.Lock()
	res := result{Xmlns: "http://s3.amazonaws.com/doc/2006-03-01/"}
	for name, b := range s.buckets {
		res.Buckets = append(res.Buckets, bucketXML{Name: name, CreationDate: b.created.Format(time.RFC3339)})
	}
	s.mu.Unlock()

	sort.Slice(res.Buckets, func(i, j int) bool { return res.Buckets[i].Name < res.Buckets[j].Name })
	writeXML(w, res)
}

func (s *Server) createBucket(w http.ResponseWriter, r *http.Request, name string) {
	s.mu.Lock()
	_, exists := s.buckets[name]
	if !exists {
		s.buckets[name] = &bucket{created: time.Now().UTC(), objects: make(map[string]*object)}
	}
	s.mu.Unlock()

	if exists {
		writeError(w, r, http.StatusConflict, "BucketAlreadyOwnedByYou",
			"Your previous request to create the named bucket succeeded and you already own it.")
		return
	}
	w.Header().Set("Location", "/"+name)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) deleteBucket(w http.ResponseWriter, r *http.Request, name string) {
	s.mu.Lock()
	b, exists := s.buckets[name]
	empty := exists && len(b.objects) == 0
	if empty {
		delete(s.buckets, name)
	}
	s.mu.Unlock()

	switch {
	case !exists:
		noSuchBucket(w, r)
	case !empty:
		writeError(w, r, http.StatusConflict, "BucketNotEmpty", "The bucket you tried to delete is not empty.")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) headBucket(w http.ResponseWriter, r *http.Request, name string) {
	if !s.HasBucket(name) {
		noSuchBucket(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) listObjects(w http.ResponseWriter, r *http.Request, name string) {
	type contents struct {
		Key          string `xml:"Key"`
		LastModified string `xml:"LastModified"`
		ETag         string `xml:"ETag"`
		Size         int64  `xml:"Size"`
		StorageClass string `xml:"StorageClass"`
	}
	type commonPrefix struct {
		Prefix string `xml:"Prefix"`
	}
	type result struct {
		XMLName               xml.Name       `xml:"ListBucketResult"`
		Xmlns                 string         `xml:"xmlns,attr"`
		Name                  string         `xml:"Name"`
		Prefix                string         `xml:"Prefix"`
		KeyCount              int            `xml:"KeyCount"`
		MaxKeys               int            `xml:"MaxKeys"`
		IsTruncated           bool           `xml:"IsTruncated"`
		ContinuationToken     string         `xml:"ContinuationToken,omitempty"`
		NextContinuationToken string         `xml:"NextContinuationToken,omitempty"`
		Contents              []contents     `xml:"Contents"`
		CommonPrefixes        []commonPrefix `xml:"CommonPrefixes"`
	}

	q := r.URL.Query()
	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	maxKeys := 1000
	if v := q.Get("max-keys"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "InvalidArgument", "Provided max-keys not an integer or within integer range.")
			return
		}
		maxKeys = n
	}
	after := q.Get("start-after")
	if token := q.Get("continuation-token"); token != "" {
		raw, err := base64.StdEncoding.DecodeString(token)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "InvalidArgument", "The continuation token provided is incorrect.")
			return
		}
		after = string(raw)
	}

	s.mu.Lock()
	b, ok := s.buckets[name]
	if !ok {
		s.mu.Unlock()
		noSuchBucket(w, r)
		return
	}
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	res := result{
		Xmlns:             "http://s3.amazonaws.com/doc/2006-03-01/",
		Name:              name,
		Prefix:            prefix,
		MaxKeys:           maxKeys,
		ContinuationToken: q.Get("continuation-token"),
	}
	seenPrefixes := map[string]bool{}
	last := ""
	for _, k := range keys {
		if res.KeyCount == maxKeys {
			res.IsTruncated = true
			break
		}
		if delimiter != "" {
			if i := strings.Index(k[len(prefix):], delimiter); i >= 0 {
				cp := k[:len(prefix)+i+len(delimiter)]
				last = k
				if !seenPrefixes[cp] {
					seenPrefixes[cp] = true
					res.CommonPrefixes = append(res.CommonPrefixes, commonPrefix{Prefix: cp})
					res.KeyCount++
				}
				continue
			}
		}
		o := b.objects[k]
		res.Contents = append(res.Contents, contents{
			Key:          k,
			LastModified: o.lastModified.Format("2006-01-02T15:04:05.000Z"),
			ETag:         quote(o.etag),
			Size:         int64(len(o.data)),
			StorageClass: "STANDARD",
		})
		res.KeyCount++
		last = k
	}
	s.mu.Unlock()

	if res.IsTruncated {
		res.NextContinuationToken = base64.StdEncoding.EncodeToString([]byte(last))
	}
	writeXML(w, res)
}

func (s *Server) putObject(w http.ResponseWriter, r *http.Request, bucketName, key string, body []byte, fault *Fault) {
	sum := md5.Sum(body)
	o := &object{
		data:         body,
		etag:         hex.EncodeToString(sum[:]),
		contentType:  r.Header.Get("Content-Type"),
		lastModified: time.Now().UTC(),
	}
	if o.contentType == "" {
		o.contentType = "binary/octet-stream"
	}

	s.mu.Lock()
	b, ok := s.buckets[bucketName]
	if ok {
		b.objects[key] = o
	}
	s.mu.Unlock()

	if !ok {
		noSuchBucket(w, r)
		return
	}
	w.Header().Set("ETag", quote(echoETag(o.etag, fault)))
	w.WriteHeader(http.StatusOK)
}

func echoETag(etag string, fault *Fault) string {
	if fault != nil && fault.CorruptETag {
		sum := md5.Sum([]byte("corrupt:" + etag))
		return hex.EncodeToString(sum[:])
	}
	return etag
}

func (s *Server) getObject(w http.ResponseWriter, r *http.Request, bucketName, key string, fault *Fault) {
	s.mu.Lock()
	b, ok := s.buckets[bucketName]
	var o *object
	if ok {
		o = b.objects[key]
	}
	s.mu.Unlock()

	if !ok {
		noSuchBucket(w, r)
		return
	}
	if o == nil {
		noSuchKey(w, r)
		return
	}

	if ifMatch := r.Header.Get("If-Match"); ifMatch != "" && ifMatch != quote(o.etag) && ifMatch != "*" {
		writeError(w, r, http.StatusPreconditionFailed, "PreconditionFailed",
			"At least one of the pre-conditions you specified did not hold")
		return
	}

	size := int64(len(o.data))
	start, end := int64(0), size-1
	status := http.StatusOK
	if rng := r.Header.Get("Range"); rng != "" {
		var err error
		start, end, err = parseRange(rng, size)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			writeError(w, r, http.StatusRequestedRangeNotSatisfiable, "InvalidRange", "The requested range is not satisfiable")
			return
		}
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	}

	data := o.data[start : end+1]
	w.Header().Set("ETag", quote(o.etag))
	w.Header().Set("Content-Type", o.contentType)
	w.Header().Set("Last-Modified", o.lastModified.Format(http.TimeFormat))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}

	if fault != nil && fault.TruncateAfter > 0 && fault.TruncateAfter < int64(len(data)) {
		_, _ = w.Write(data[:fault.TruncateAfter])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		panic(http.ErrAbortHandler)
	}
	_, _ = w.Write(data)
}

// parseRange parses a single "bytes=start-end" range against size
func parseRange(header string, size int64) (int64, int64, error) {
	ranges, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(ranges, ",") {
		return 0, 0, fmt.Errorf("unsupported range %q", header)
	}
	first, last, ok := strings.Cut(ranges, "-")
	if !ok || first == "" {
		return 0, 0, fmt.Errorf("unsupported range %q", header)
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start >= size {
		return 0, 0, fmt.Errorf("unsatisfiable range %q", header)
	}
	end := size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return 0, 0, fmt.Errorf("invalid range %q", header)
		}
		if end >= size {
			end = size - 1
		}
	}
	return start, end, nil
}

func (s *Server) deleteObject(w http.ResponseWriter, r *http.Request, bucketName, key string) {
	s.mu.Lock()
	b, ok := s.buckets[bucketName]
	if ok {
		delete(b.objects, key)
	}
	s.mu.Unlock()

	if !ok {
		noSuchBucket(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createMultipartUpload(w http.ResponseWriter, r *http.Request, bucketName, key string) {
	type result struct {
		XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
		Xmlns    string   `xml:"xmlns,attr"`
		Bucket   string   `xml:"Bucket"`
		Key      string   `xml:"Key"`
		UploadID string   `xml:"UploadId"`
	}

	if !s.HasBucket(bucketName) {
		noSuchBucket(w, r)
		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.uploads[id] = &upload{
		bucket:      bucketName,
		key:         key,
		contentType: r.Header.Get("Content-Type"),
		parts:       make(map[int]*object),
	}
	s.mu.Unlock()

	writeXML(w, result{Xmlns: "http://s3.amazonaws.com/doc/2006-03-01/", Bucket: bucketName, Key: key, UploadID: id})
}

func (s *Server) uploadPart(w http.ResponseWriter, r *http.Request, body []byte, fault *Fault) {
	q := r.URL.Query()
	partNumber, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || partNumber < 1 || partNumber > request.MaxParts {
		writeError(w, r, http.StatusBadRequest, "InvalidArgument", "Part number must be an integer between 1 and 10000, inclusive")
		return
	}

	sum := md5.Sum(body)
	part := &object{data: body, etag: hex.EncodeToString(sum[:]), lastModified: time.Now().UTC()}

	s.mu.Lock()
	u, ok := s.uploads[q.Get("uploadId")]
	if ok {
		u.parts[partNumber] = part
	}
	s.mu.Unlock()

	if !ok {
		noSuchUpload(w, r)
		return
	}
	w.Header().Set("ETag", quote(echoETag(part.etag, fault)))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) completeMultipartUpload(w http.ResponseWriter, r *http.Request, body []byte, fault *Fault) {
	type partXML struct {
		PartNumber int    `xml:"PartNumber"`
		ETag       string `xml:"ETag"`
	}
	type completeRequest struct {
		XMLName xml.Name  `xml:"CompleteMultipartUpload"`
		Parts   []partXML `xml:"Part"`
	}
	type result struct {
		XMLName xml.Name `xml:"CompleteMultipartUploadResult"`
		Xmlns   string   `xml:"xmlns,attr"`
		Bucket  string   `xml:"Bucket"`
		Key     string   `xml:"Key"`
		ETag    string   `xml:"ETag"`
	}

	if fault != nil && fault.ErrorInBody {
		code := fault.Code
		if code == "" {
			code = "InternalError"
		}
		writeXML(w, errorDocument{Code: code, Message: "We encountered an internal error. Please try again."})
		return
	}

	var req completeRequest
	if err := xml.Unmarshal(body, &req); err != nil || len(req.Parts) == 0 {
		writeError(w, r, http.StatusBadRequest, "MalformedXML", "The XML you provided was not well-formed or did not validate against our published schema.")
		return
	}

	id := r.URL.Query().Get("uploadId")
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[id]
	if !ok {
		noSuchUpload(w, r)
		return
	}

	var data bytes.Buffer
	digests := md5.New()
	for i, p := range req.Parts {
		if i > 0 && p.PartNumber <= req.Parts[i-1].PartNumber {
			writeError(w, r, http.StatusBadRequest, "InvalidPartOrder", "The list of parts was not in ascending order.")
			return
		}
		stored, ok := u.parts[p.PartNumber]
		if !ok || quote(stored.etag) != p.ETag {
			writeError(w, r, http.StatusBadRequest, "InvalidPart", "One or more of the specified parts could not be found.")
			return
		}
		if i < len(req.Parts)-1 && len(stored.data) < MinPartSize {
			writeError(w, r, http.StatusBadRequest, "EntityTooSmall", "Your proposed upload is smaller than the minimum allowed object size.")
			return
		}
		raw, _ := hex.DecodeString(stored.etag)
		digests.Write(raw)
		data.Write(stored.data)
	}

	b, ok := s.buckets[u.bucket]
	if !ok {
		noSuchBucket(w, r)
		return
	}
	etag := fmt.Sprintf("%s-%d", hex.EncodeToString(digests.Sum(nil)), len(req.Parts))
	contentType := u.contentType
	if contentType == "" {
		contentType = "binary/octet-stream"
	}
	b.objects[u.key] = &object{
		data:         data.Bytes(),
		etag:         etag,
		contentType:  contentType,
		lastModified: time.Now().UTC(),
	}
	delete(s.uploads, id)

	writeXML(w, result{Xmlns: "http://s3.amazonaws.com/doc/2006-03-01/", Bucket: u.bucket, Key: u.key, ETag: quote(etag)})
}

func (s *Server) abortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("uploadId")
	s.mu.Lock()
	_, ok := s.uploads[id]
	delete(s.uploads, id)
	s.mu.Unlock()

	if !ok {
		noSuchUpload(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
