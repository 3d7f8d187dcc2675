package request

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/williamokano/s3lite/pkg/sigv4"
)

// Payload is a request body together with its precomputed hashes.
// Body is rewound to the start before every send.
type Payload struct {
	Body   io.ReadSeeker
	Size   int64
	SHA256 string // Lowercase hex, signed as X-Amz-Content-Sha256
	MD5    []byte // Raw digest, sent as Content-MD5 and compared with the returned ETag
}

// EmptyPayload is the payload of bodiless requests
func EmptyPayload() Payload {
	return Payload{SHA256: sigv4.EmptyPayloadHash}
}

// BytesPayload hashes data and wraps it as a payload
func BytesPayload(data []byte) Payload {
	s := sha256.Sum256(data)
	m := md5.Sum(data)
	return Payload{
		Body:   bytes.NewReader(data),
		Size:   int64(len(data)),
		SHA256: hex.EncodeToString(s[:]),
		MD5:    m[:],
	}
}

// SeekablePayload reads r once to hash exactly size bytes, then rewinds it
func SeekablePayload(r io.ReadSeeker, size int64) (Payload, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return Payload{}, fmt.Errorf("rewind payload: %w", err)
	}

	sh := sha256.New()
	mh := md5.New()
	n, err := io.Copy(io.MultiWriter(sh, mh), io.LimitReader(r, size))
	if err != nil {
		return Payload{}, fmt.Errorf("hash payload: %w", err)
	}
	if n != size {
		return Payload{}, fmt.Errorf("hash payload: read %d bytes, expected %d", n, size)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return Payload{}, fmt.Errorf("rewind payload: %w", err)
	}

	return Payload{
		Body:   r,
		Size:   size,
		SHA256: hex.EncodeToString(sh.Sum(nil)),
		MD5:    mh.Sum(nil),
	}, nil
}

// ContentMD5 returns the base64 Content-MD5 header value, or "" if unknown
func (p Payload) ContentMD5() string {
	if len(p.MD5) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(p.MD5)
}

// MD5Hex returns the hex MD5, the form S3 uses for single-part ETags
func (p Payload) MD5Hex() string {
	return hex.EncodeToString(p.MD5)
}

// Rewind seeks the body back to the start
func (p Payload) Rewind() error {
	if p.Body == nil {
		return nil
	}
	_, err := p.Body.Seek(0, io.SeekStart)
	return err
}
