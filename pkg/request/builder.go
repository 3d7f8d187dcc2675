package request

import (
	"bytes"
	"encoding/xml"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/williamokano/s3lite/pkg/sigv4"
	"github.com/williamokano/s3lite/pkg/storage"
)

const (
	// MaxParts is the largest part number S3 accepts
	MaxParts = 10000

	// MaxListKeys is the page size ceiling of ListObjectsV2
	MaxListKeys = 1000
)

// Builder constructs unsigned requests for one endpoint. It is immutable and safe
// for concurrent use.
type Builder struct {
	endpoint storage.Endpoint
}

// NewBuilder creates a request builder for endpoint
func NewBuilder(endpoint storage.Endpoint) *Builder {
	return &Builder{endpoint: endpoint}
}

// Endpoint returns the endpoint requests are built for
func (b *Builder) Endpoint() storage.Endpoint {
	return b.endpoint
}

// ListObjectsInput holds the optional ListObjectsV2 parameters
type ListObjectsInput struct {
	Prefix            string
	Delimiter         string
	ContinuationToken string
	StartAfter        string
	MaxKeys           int // 0 means the server default (1000)
}

// GetObjectInput holds the optional GetObject parameters
type GetObjectInput struct {
	Range   *storage.ByteRange
	IfMatch string // ETag the object must still have
}

// PutObjectInput holds the optional PutObject / CreateMultipartUpload parameters
type PutObjectInput struct {
	ContentType string
}

// CompletedPart identifies an uploaded part for CompleteMultipartUpload
type CompletedPart struct {
	PartNumber int
	ETag       string
}

func (b *Builder) CreateBucket(bucket string) (*Request, error) {
	if err := storage.ValidateBucketName(bucket); err != nil {
		return nil, storage.WrapError(OpCreateBucket, bucket, "", err)
	}

	payload := EmptyPayload()
	if region := b.endpoint.Region; region != "" && region != storage.DefaultRegion {
		body, err := xml.Marshal(createBucketConfiguration{
			Xmlns:              s3Namespace,
			LocationConstraint: region,
		})
		if err != nil {
			return nil, storage.WrapError(OpCreateBucket, bucket, "", err)
		}
		payload = BytesPayload(body)
	}

	return b.newRequest(OpCreateBucket, http.MethodPut, bucket, "", nil, payload), nil
}

func (b *Builder) DeleteBucket(bucket string) (*Request, error) {
	if err := storage.ValidateBucketName(bucket); err != nil {
		return nil, storage.WrapError(OpDeleteBucket, bucket, "", err)
	}
	return b.newRequest(OpDeleteBucket, http.MethodDelete, bucket, "", nil, EmptyPayload()), nil
}

func (b *Builder) HeadBucket(bucket string) (*Request, error) {
	if err := storage.ValidateBucketName(bucket); err != nil {
		return nil, storage.WrapError(OpHeadBucket, bucket, "", err)
	}
	return b.newRequest(OpHeadBucket, http.MethodHead, bucket, "", nil, EmptyPayload()), nil
}

func (b *Builder) ListBuckets() (*Request, error) {
	return b.newRequest(OpListBuckets, http.MethodGet, "", "", nil, EmptyPayload()), nil
}

func (b *Builder) ListObjects(bucket string, in ListObjectsInput) (*Request, error) {
	if err := storage.ValidateBucketName(bucket); err != nil {
		return nil, storage.WrapError(OpListObjects, bucket, "", err)
	}
	if in.MaxKeys < 0 || in.MaxKeys > MaxListKeys {
		return nil, storage.WrapError(OpListObjects, bucket, "",
			storage.Validationf("max keys %d out of range (0-%d)", in.MaxKeys, MaxListKeys))
	}

	q := url.Values{"list-type": {"2"}}
	if in.Prefix != "" {
		q.Set("prefix", in.Prefix)
	}
	if in.Delimiter != "" {
		q.Set("delimiter", in.Delimiter)
	}
	if in.ContinuationToken != "" {
		q.Set("continuation-token", in.ContinuationToken)
	}
	if in.StartAfter != "" {
		q.Set("start-after", in.StartAfter)
	}
	if in.MaxKeys > 0 {
		q.Set("max-keys", strconv.Itoa(in.MaxKeys))
	}

	return b.newRequest(OpListObjects, http.MethodGet, bucket, "", q, EmptyPayload()), nil
}

func (b *Builder) PutObject(bucket, key string, payload Payload, in PutObjectInput) (*Request, error) {
	if err := validateObject(OpPutObject, bucket, key); err != nil {
		return nil, err
	}
	if payload.Size < 0 {
		return nil, storage.WrapError(OpPutObject, bucket, key, storage.Validationf("negative content length %d", payload.Size))
	}

	req := b.newRequest(OpPutObject, http.MethodPut, bucket, key, nil, payload)
	if in.ContentType != "" {
		req.Header.Set("Content-Type", in.ContentType)
	}
	return req, nil
}

func (b *Builder) GetObject(bucket, key string, in GetObjectInput) (*Request, error) {
	if err := validateObject(OpGetObject, bucket, key); err != nil {
		return nil, err
	}

	req := b.newRequest(OpGetObject, http.MethodGet, bucket, key, nil, EmptyPayload())
	if in.Range != nil {
		if err := in.Range.Validate(); err != nil {
			return nil, storage.WrapError(OpGetObject, bucket, key, err)
		}
		req.Header.Set("Range", in.Range.Header())
	}
	if in.IfMatch != "" {
		req.Header.Set("If-Match", quoteETag(in.IfMatch))
	}
	return req, nil
}

func (b *Builder) HeadObject(bucket, key string) (*Request, error) {
	if err := validateObject(OpHeadObject, bucket, key); err != nil {
		return nil, err
	}
	return b.newRequest(OpHeadObject, http.MethodHead, bucket, key, nil, EmptyPayload()), nil
}

func (b *Builder) DeleteObject(bucket, key string) (*Request, error) {
	if err := validateObject(OpDeleteObject, bucket, key); err != nil {
		return nil, err
	}
	return b.newRequest(OpDeleteObject, http.MethodDelete, bucket, key, nil, EmptyPayload()), nil
}

func (b *Builder) InitiateMultipartUpload(bucket, key string, in PutObjectInput) (*Request, error) {
	if err := validateObject(OpInitiateMultipartUpload, bucket, key); err != nil {
		return nil, err
	}

	req := b.newRequest(OpInitiateMultipartUpload, http.MethodPost, bucket, key, url.Values{"uploads": {""}}, EmptyPayload())
	if in.ContentType != "" {
		req.Header.Set("Content-Type", in.ContentType)
	}
	return req, nil
}

func (b *Builder) UploadPart(bucket, key, uploadID string, partNumber int, payload Payload) (*Request, error) {
	if err := validateObject(OpUploadPart, bucket, key); err != nil {
		return nil, err
	}
	if err := validateUpload(uploadID, partNumber); err != nil {
		return nil, storage.WrapError(OpUploadPart, bucket, key, err)
	}

	q := url.Values{
		"partNumber": {strconv.Itoa(partNumber)},
		"uploadId":   {uploadID},
	}
	return b.newRequest(OpUploadPart, http.MethodPut, bucket, key, q, payload), nil
}

func (b *Builder) CompleteMultipartUpload(bucket, key, uploadID string, parts []CompletedPart) (*Request, error) {
	if err := validateObject(OpCompleteMultipartUpload, bucket, key); err != nil {
		return nil, err
	}
	if err := validateUpload(uploadID, 1); err != nil {
		return nil, storage.WrapError(OpCompleteMultipartUpload, bucket, key, err)
	}
	if len(parts) == 0 {
		return nil, storage.WrapError(OpCompleteMultipartUpload, bucket, key, storage.Validationf("no parts to complete"))
	}

	doc := completeMultipartUpload{Xmlns: s3Namespace}
	for i, p := range parts {
		if err := validateUpload(uploadID, p.PartNumber); err != nil {
			return nil, storage.WrapError(OpCompleteMultipartUpload, bucket, key, err)
		}
		if i > 0 && p.PartNumber <= parts[i-1].PartNumber {
			return nil, storage.WrapError(OpCompleteMultipartUpload, bucket, key,
				storage.Validationf("parts must be in ascending order, %d follows %d", p.PartNumber, parts[i-1].PartNumber))
		}
		if p.ETag == "" {
			return nil, storage.WrapError(OpCompleteMultipartUpload, bucket, key,
				storage.Validationf("part %d has no ETag", p.PartNumber))
		}
		doc.Parts = append(doc.Parts, completedPartXML{PartNumber: p.PartNumber, ETag: quoteETag(p.ETag)})
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, storage.WrapError(OpCompleteMultipartUpload, bucket, key, err)
	}

	q := url.Values{"uploadId": {uploadID}}
	req := b.newRequest(OpCompleteMultipartUpload, http.MethodPost, bucket, key, q, BytesPayload(buf.Bytes()))
	req.Header.Set("Content-Type", "application/xml")
	return req, nil
}

func (b *Builder) AbortMultipartUpload(bucket, key, uploadID string) (*Request, error) {
	if err := validateObject(OpAbortMultipartUpload, bucket, key); err != nil {
		return nil, err
	}
	if err := validateUpload(uploadID, 1); err != nil {
		return nil, storage.WrapError(OpAbortMultipartUpload, bucket, key, err)
	}

	q := url.Values{"uploadId": {uploadID}}
	return b.newRequest(OpAbortMultipartUpload, http.MethodDelete, bucket, key, q, EmptyPayload()), nil
}

// PresignTarget returns the host and canonical path a presigned GET for key uses
func (b *Builder) PresignTarget(bucket, key string) (string, string, error) {
	if err := validateObject(OpGetObject, bucket, key); err != nil {
		return "", "", err
	}
	host, path := b.address(bucket, key)
	return host, path, nil
}

func (b *Builder) newRequest(op, method, bucket, key string, query url.Values, payload Payload) *Request {
	host, path := b.address(bucket, key)
	if query == nil {
		query = url.Values{}
	}
	return &Request{
		Op:      op,
		Method:  method,
		Bucket:  bucket,
		Key:     key,
		Host:    host,
		Path:    path,
		Query:   query,
		Header:  http.Header{},
		Payload: payload,
	}
}

// address returns the Host header and URI-encoded path for bucket/key, using
// virtual-hosted style when allowed and the bucket name is DNS compatible.
func (b *Builder) address(bucket, key string) (string, string) {
	host := b.endpoint.HostPort()
	if bucket == "" {
		return host, "/"
	}

	if !b.endpoint.PathStyle && !strings.Contains(bucket, ".") {
		return bucket + "." + host, "/" + sigv4.EscapePath(key)
	}

	path := "/" + bucket
	if key != "" {
		path += "/" + sigv4.EscapePath(key)
	}
	return host, path
}

func validateObject(op, bucket, key string) error {
	if err := storage.ValidateBucketName(bucket); err != nil {
		return storage.WrapError(op, bucket, key, err)
	}
	if err := storage.ValidateObjectKey(key); err != nil {
		return storage.WrapError(op, bucket, key, err)
	}
	return nil
}

func validateUpload(uploadID string, partNumber int) error {
	if strings.TrimSpace(uploadID) == "" {
		return storage.Validationf("missing upload ID")
	}
	if partNumber < 1 || partNumber > MaxParts {
		return storage.Validationf("part number %d out of range (1-%d)", partNumber, MaxParts)
	}
	return nil
}

func quoteETag(etag string) string {
	if strings.HasPrefix(etag, `"`) {
		return etag
	}
	return `"` + etag + `"`
}
