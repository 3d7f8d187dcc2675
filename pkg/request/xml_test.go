package request

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williamokano/s3lite/pkg/storage"
)

func TestDecodeListObjects(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>bucket</Name>
  <Prefix>logs/</Prefix>
  <KeyCount>2</KeyCount>
  <MaxKeys>2</MaxKeys>
  <IsTruncated>true</IsTruncated>
  <NextContinuationToken>token-2</NextContinuationToken>
  <Contents>
    <Key>logs/a.txt</Key>
    <LastModified>2024-03-01T10:00:00.000Z</LastModified>
    <ETag>"5d41402abc4b2a76b9719d911017c592"</ETag>
    <Size>5</Size>
  </Contents>
  <Contents>
    <Key>logs/b.txt</Key>
    <LastModified>2024-03-01T11:00:00.000Z</LastModified>
    <ETag>"0cc175b9c0f1b6a831c399e269772661"</ETag>
    <Size>1</Size>
  </Contents>
  <CommonPrefixes><Prefix>logs/old/</Prefix></CommonPrefixes>
</ListBucketResult>`

	page, err := DecodeListObjects(strings.NewReader(doc))
	require.NoError(t, err)

	assert.True(t, page.IsTruncated)
	assert.Equal(t, "token-2", page.NextContinuationToken)
	require.Len(t, page.Objects, 2)
	assert.Equal(t, "logs/a.txt", page.Objects[0].Key)
	assert.Equal(t, int64(5), page.Objects[0].Size)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", page.Objects[0].ETag)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), page.Objects[0].LastModified.UTC())
	assert.Equal(t, []string{"logs/old/"}, page.CommonPrefixes)

	t.Run("truncated without token", func(t *testing.T) {
		_, err := DecodeListObjects(strings.NewReader(`<ListBucketResult><IsTruncated>true</IsTruncated></ListBucketResult>`))
		assert.Error(t, err)
	})
}

func TestDecodeListBuckets(t *testing.T) {
	doc := `<ListAllMyBucketsResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Owner><ID>minio</ID></Owner>
  <Buckets>
    <Bucket><Name>alpha</Name><CreationDate>2024-01-01T00:00:00Z</CreationDate></Bucket>
    <Bucket><Name>beta</Name><CreationDate>2024-01-02T00:00:00Z</CreationDate></Bucket>
  </Buckets>
</ListAllMyBucketsResult>`

	buckets, err := DecodeListBuckets(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, "alpha", buckets[0].Name)
	assert.Equal(t, "beta", buckets[1].Name)
	assert.Equal(t, 2024, buckets[1].CreationDate.Year())
}

func TestDecodeInitiateMultipartUpload(t *testing.T) {
	id, err := DecodeInitiateMultipartUpload(strings.NewReader(
		`<InitiateMultipartUploadResult><Bucket>b</Bucket><Key>k</Key><UploadId>xyz</UploadId></InitiateMultipartUploadResult>`))
	require.NoError(t, err)
	assert.Equal(t, "xyz", id)

	_, err = DecodeInitiateMultipartUpload(strings.NewReader(`<InitiateMultipartUploadResult></InitiateMultipartUploadResult>`))
	assert.Error(t, err)
}

func TestDecodeCompleteMultipartUpload(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		etag, err := DecodeCompleteMultipartUpload(strings.NewReader(
			`<CompleteMultipartUploadResult><Bucket>b</Bucket><Key>k</Key><ETag>"abc-2"</ETag></CompleteMultipartUploadResult>`))
		require.NoError(t, err)
		assert.Equal(t, "abc-2", etag)
	})

	t.Run("error document in a 200 response", func(t *testing.T) {
		_, err := DecodeCompleteMultipartUpload(strings.NewReader(
			`<Error><Code>InvalidPart</Code><Message>One or more of the specified parts could not be found.</Message><RequestId>r1</RequestId></Error>`))
		require.Error(t, err)

		var se *storage.Error
		require.True(t, errors.As(err, &se))
		assert.Equal(t, "InvalidPart", se.Code)
		assert.Equal(t, "r1", se.RequestID)
		assert.True(t, errors.Is(err, storage.ErrValidation))
	})

	t.Run("internal error is retryable", func(t *testing.T) {
		_, err := DecodeCompleteMultipartUpload(strings.NewReader(
			`<Error><Code>InternalError</Code><Message>We encountered an internal error.</Message></Error>`))
		assert.True(t, storage.IsRetryable(err))
	})
}
