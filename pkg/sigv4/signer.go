// Package sigv4 implements AWS Signature Version 4 request signing for S3.
//
// The signer is pure: it never reads the clock, so the same inputs always produce
// the same signature. Callers pass the signing time explicitly.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/williamokano/s3lite/pkg/storage"
)

const (
	Algorithm        = "AWS4-HMAC-SHA256"
	ServiceS3        = "s3"
	UnsignedPayload  = "UNSIGNED-PAYLOAD"
	EmptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	TimeFormat = "20060102T150405Z"
	DateFormat = "20060102"

	// MaxPresignExpiry is the longest validity S3 accepts for a presigned URL
	MaxPresignExpiry = 7 * 24 * time.Hour
)

const (
	HeaderAuthorization = "Authorization"
	HeaderDate          = "X-Amz-Date"
	HeaderContentSHA256 = "X-Amz-Content-Sha256"
	HeaderSecurityToken = "X-Amz-Security-Token"
)

// Headers that proxies or the HTTP stack may rewrite; signing them breaks requests.
var ignoredHeaders = map[string]bool{
	"authorization":   true,
	"user-agent":      true,
	"x-amzn-trace-id": true,
	"expect":          true,
}

// Signer signs requests for one credential set, region and service
type Signer struct {
	creds   storage.Credentials
	region  string
	service string
}

// NewSigner creates a signer. Region and service form the credential scope.
func NewSigner(creds storage.Credentials, region, service string) (*Signer, error) {
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return nil, storage.Configurationf("sigv4: credentials are incomplete")
	}
	if strings.TrimSpace(region) == "" {
		return nil, storage.Configurationf("sigv4: missing region")
	}
	if strings.TrimSpace(service) == "" {
		return nil, storage.Configurationf("sigv4: missing service scope")
	}
	return &Signer{creds: creds, region: region, service: service}, nil
}

func (s *Signer) Region() string      { return s.region }
func (s *Signer) Service() string     { return s.service }
func (s *Signer) AccessKeyID() string { return s.creds.AccessKeyID }

// Sign computes the signature for a request and returns the headers the caller must
// add: Authorization, X-Amz-Date, X-Amz-Content-Sha256 and, for temporary
// credentials, X-Amz-Security-Token. header must contain Host. canonicalPath must
// already be URI-encoded (see EscapePath).
func (s *Signer) Sign(method, canonicalPath string, query url.Values, header http.Header, payloadHash string, t time.Time) (http.Header, error) {
	if header.Get("Host") == "" {
		return nil, storage.Validationf("sigv4: missing host header")
	}
	if payloadHash == "" {
		return nil, storage.Validationf("sigv4: missing payload hash")
	}

	t = t.UTC()
	amzDate := t.Format(TimeFormat)

	out := http.Header{}
	out.Set(HeaderDate, amzDate)
	out.Set(HeaderContentSHA256, payloadHash)
	if s.creds.SessionToken != "" {
		out.Set(HeaderSecurityToken, s.creds.SessionToken)
	}

	all := header.Clone()
	for k, v := range out {
		all[k] = v
	}

	canonicalHeaders, signedHeaders := canonicalizeHeaders(all)
	creq := canonicalRequest(method, canonicalPath, CanonicalQuery(query), canonicalHeaders, signedHeaders, payloadHash)
	scope := s.scope(t)
	signature := hex.EncodeToString(hmacSHA256(s.signingKey(t), []byte(stringToSign(amzDate, scope, creq))))

	out.Set(HeaderAuthorization, Algorithm+
		" Credential="+s.creds.AccessKeyID+"/"+scope+
		", SignedHeaders="+signedHeaders+
		", Signature="+signature)

	return out, nil
}

// Presign returns query parameters that authorize the request without headers.
// Only the host header is signed and the payload is UNSIGNED-PAYLOAD.
func (s *Signer) Presign(method, canonicalPath string, query url.Values, host string, t time.Time, expires time.Duration) (url.Values, error) {
	if host == "" {
		return nil, storage.Validationf("sigv4: missing host")
	}
	if expires < time.Second || expires > MaxPresignExpiry {
		return nil, storage.Validationf("sigv4: presign expiry %s out of range (1s to %s)", expires, MaxPresignExpiry)
	}

	t = t.UTC()
	amzDate := t.Format(TimeFormat)
	scope := s.scope(t)

	q := url.Values{}
	for k, v := range query {
		q[k] = append([]string(nil), v...)
	}
	q.Set("X-Amz-Algorithm", Algorithm)
	q.Set("X-Amz-Credential", s.creds.AccessKeyID+"/"+scope)
	q.Set("X-Amz-Date", amzDate)
	q.Set("X-Amz-Expires", strconv.FormatInt(int64(expires/time.Second), 10))
	q.Set("X-Amz-SignedHeaders", "host")
	if s.creds.SessionToken != "" {
		q.Set(HeaderSecurityToken, s.creds.SessionToken)
	}

	canonicalHeaders, signedHeaders := canonicalizeHeaders(http.Header{"Host": {host}})
	creq := canonicalRequest(method, canonicalPath, CanonicalQuery(q), canonicalHeaders, signedHeaders, UnsignedPayload)
	q.Set("X-Amz-Signature", hex.EncodeToString(hmacSHA256(s.signingKey(t), []byte(stringToSign(amzDate, scope, creq)))))

	return q, nil
}

func (s *Signer) scope(t time.Time) string {
	return t.Format(DateFormat) + "/" + s.region + "/" + s.service + "/aws4_request"
}

func (s *Signer) signingKey(t time.Time) []byte {
	kDate := hmacSHA256([]byte("AWS4"+s.creds.SecretAccessKey), []byte(t.Format(DateFormat)))
	kRegion := hmacSHA256(kDate, []byte(s.region))
	kService := hmacSHA256(kRegion, []byte(s.service))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func canonicalRequest(method, path, query, headers, signedHeaders, payloadHash string) string {
	if path == "" {
		path = "/"
	}
	return strings.Join([]string{
		method,
		path,
		query,
		headers,
		signedHeaders,
		payloadHash,
	}, "\n")
}

func stringToSign(amzDate, scope, canonicalRequest string) string {
	return Algorithm + "\n" + amzDate + "\n" + scope + "\n" + SHA256Hex([]byte(canonicalRequest))
}

// canonicalizeHeaders returns the canonical header block (each line newline
// terminated) and the semicolon-separated signed header list.
func canonicalizeHeaders(h http.Header) (string, string) {
	values := make(map[string][]string, len(h))
	names := make([]string, 0, len(h))
	for k, v := range h {
		name := strings.ToLower(strings.TrimSpace(k))
		if ignoredHeaders[name] {
			continue
		}
		if _, seen := values[name]; !seen {
			names = append(names, name)
		}
		values[name] = append(values[name], v...)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		vs := values[name]
		trimmed := make([]string, len(vs))
		for i, v := range vs {
			trimmed[i] = collapseSpaces(v)
		}
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(strings.Join(trimmed, ","))
		b.WriteByte('\n')
	}

	return b.String(), strings.Join(names, ";")
}

// collapseSpaces trims a header value and squeezes inner runs of spaces to one
func collapseSpaces(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

// CanonicalQuery encodes query parameters sorted by key, then value
func CanonicalQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	type pair struct{ k, v string }
	pairs := make([]pair, 0, len(q))
	for k, vs := range q {
		ek := URIEncode(k, true)
		if len(vs) == 0 {
			pairs = append(pairs, pair{ek, ""})
			continue
		}
		for _, v := range vs {
			pairs = append(pairs, pair{ek, URIEncode(v, true)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})

	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.k)
		b.WriteByte('=')
		b.WriteString(p.v)
	}
	return b.String()
}

// EscapePath URI-encodes an object path, keeping '/' separators
func EscapePath(path string) string {
	return URIEncode(path, false)
}

// URIEncode percent-encodes every byte outside the RFC 3986 unreserved set.
// When encodeSlash is false, '/' is kept as is.
func URIEncode(s string, encodeSlash bool) string {
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		case c == '/' && !encodeSlash:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
		}
	}
	return b.String()
}

// SHA256Hex returns the lowercase hex SHA-256 of data
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
