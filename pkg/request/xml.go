package request

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/williamokano/s3lite/pkg/storage"
)

const s3Namespace = "http://s3.amazonaws.com/doc/2006-03-01/"

// maxXMLBody bounds how much of a response document is decoded
const maxXMLBody = 16 << 20

type createBucketConfiguration struct {
	XMLName            xml.Name `xml:"CreateBucketConfiguration"`
	Xmlns              string   `xml:"xmlns,attr"`
	LocationConstraint string   `xml:"LocationConstraint"`
}

type completeMultipartUpload struct {
	XMLName xml.Name           `xml:"CompleteMultipartUpload"`
	Xmlns   string             `xml:"xmlns,attr"`
	Parts   []completedPartXML `xml:"Part"`
}

type completedPartXML struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

type listAllMyBucketsResult struct {
	XMLName xml.Name `xml:"ListAllMyBucketsResult"`
	Buckets []struct {
		Name         string    `xml:"Name"`
		CreationDate time.Time `xml:"CreationDate"`
	} `xml:"Buckets>Bucket"`
}

type listBucketResult struct {
	XMLName               xml.Name `xml:"ListBucketResult"`
	Name                  string   `xml:"Name"`
	Prefix                string   `xml:"Prefix"`
	KeyCount              int      `xml:"KeyCount"`
	IsTruncated           bool     `xml:"IsTruncated"`
	NextContinuationToken string   `xml:"NextContinuationToken"`
	Contents              []struct {
		Key          string    `xml:"Key"`
		LastModified time.Time `xml:"LastModified"`
		ETag         string    `xml:"ETag"`
		Size         int64     `xml:"Size"`
	} `xml:"Contents"`
	CommonPrefixes []struct {
		Prefix string `xml:"Prefix"`
	} `xml:"CommonPrefixes"`
}

type initiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

type completeMultipartUploadResult struct {
	XMLName  xml.Name `xml:"CompleteMultipartUploadResult"`
	Location string   `xml:"Location"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	ETag     string   `xml:"ETag"`
}

// ListObjectsPage is one page of a ListObjectsV2 response
type ListObjectsPage struct {
	Objects               []storage.ObjectMetadata
	CommonPrefixes        []string
	IsTruncated           bool
	NextContinuationToken string
}

// DecodeListBuckets decodes a ListAllMyBucketsResult document
func DecodeListBuckets(r io.Reader) ([]storage.BucketInfo, error) {
	var doc listAllMyBucketsResult
	if err := decode(r, &doc); err != nil {
		return nil, err
	}
	buckets := make([]storage.BucketInfo, 0, len(doc.Buckets))
	for _, b := range doc.Buckets {
		buckets = append(buckets, storage.BucketInfo{Name: b.Name, CreationDate: b.CreationDate})
	}
	return buckets, nil
}

// DecodeListObjects decodes a ListObjectsV2 ListBucketResult document
func DecodeListObjects(r io.Reader) (*ListObjectsPage, error) {
	var doc listBucketResult
	if err := decode(r, &doc); err != nil {
		return nil, err
	}
	if doc.IsTruncated && doc.NextContinuationToken == "" {
		return nil, fmt.Errorf("truncated listing without continuation token")
	}

	page := &ListObjectsPage{
		IsTruncated:           doc.IsTruncated,
		NextContinuationToken: doc.NextContinuationToken,
		Objects:               make([]storage.ObjectMetadata, 0, len(doc.Contents)),
	}
	for _, c := range doc.Contents {
		page.Objects = append(page.Objects, storage.ObjectMetadata{
			Key:          c.Key,
			Size:         c.Size,
			ETag:         TrimETag(c.ETag),
			LastModified: c.LastModified,
		})
	}
	for _, p := range doc.CommonPrefixes {
		page.CommonPrefixes = append(page.CommonPrefixes, p.Prefix)
	}
	return page, nil
}

// DecodeInitiateMultipartUpload returns the upload ID of a new multipart upload
func DecodeInitiateMultipartUpload(r io.Reader) (string, error) {
	var doc initiateMultipartUploadResult
	if err := decode(r, &doc); err != nil {
		return "", err
	}
	if doc.UploadID == "" {
		return "", fmt.Errorf("response has no upload ID")
	}
	return doc.UploadID, nil
}

// DecodeCompleteMultipartUpload returns the ETag of the assembled object.
// S3 may answer 200 OK with an <Error> document when assembly fails late;
// that is returned as a typed error.
func DecodeCompleteMultipartUpload(r io.Reader) (string, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxXMLBody))
	if err != nil {
		return "", storage.ClassifyTransportError(err)
	}
	if code, msg, reqID, ok := storage.ParseErrorDocument(raw); ok {
		kind := storage.ErrValidation
		if code == "InternalError" || code == "SlowDown" {
			kind = storage.ErrTransient
		}
		return "", &storage.Error{Kind: kind, StatusCode: 200, Code: code, Message: msg, RequestID: reqID}
	}

	var doc completeMultipartUploadResult
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("decode CompleteMultipartUploadResult: %w", err)
	}
	return TrimETag(doc.ETag), nil
}

// TrimETag strips the quotes S3 puts around ETag values
func TrimETag(etag string) string {
	return strings.Trim(strings.TrimSpace(etag), `"`)
}

func decode(r io.Reader, v any) error {
	if err := xml.NewDecoder(io.LimitReader(r, maxXMLBody)).Decode(v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
