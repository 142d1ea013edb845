package s3

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
)

// NewTestStore returns a *Store wired to an in-process bucket stand-in, so
// tests exercise the real SDK request marshaling without a network. Only the
// operations the artifact store issues are handled.
func NewTestStore() *Store {
	bucket := &standInBucket{objects: make(map[string]standInObject)}
	cfg, _ := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	client := awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		o.HTTPClient = &http.Client{Transport: bucket}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://stand-in.s3.local")
	})
	return &Store{client: client, bucket: "stand-in-bucket", presign: awss3.NewPresignClient(client)}
}

type standInObject struct {
	payload     []byte
	contentType string
	metadata    map[string]string
}

// standInBucket answers S3 REST calls from an in-memory object map. Create
// semantics are left to the Store, which heads the key before putting.
type standInBucket struct {
	mu      sync.Mutex
	objects map[string]standInObject
}

func (b *standInBucket) RoundTrip(req *http.Request) (*http.Response, error) {
	key := objectKey(req.URL.Path)
	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		return b.list(req.URL.Query().Get("prefix"))
	}
	switch req.Method {
	case http.MethodHead:
		return b.head(key)
	case http.MethodPut:
		return b.put(key, req)
	case http.MethodGet:
		return b.get(key)
	case http.MethodDelete:
		b.mu.Lock()
		delete(b.objects, key)
		b.mu.Unlock()
		return respond(http.StatusNoContent, nil, http.Header{}), nil
	}
	return respond(http.StatusNotImplemented, nil, http.Header{}), nil
}

// objectKey strips the leading path-style bucket segment.
func objectKey(path string) string {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func (b *standInBucket) head(key string) (*http.Response, error) {
	b.mu.Lock()
	obj, ok := b.objects[key]
	b.mu.Unlock()
	if !ok {
		return respond(http.StatusNotFound, nil, http.Header{}), nil
	}
	return respond(http.StatusOK, nil, obj.headers()), nil
}

func (b *standInBucket) get(key string) (*http.Response, error) {
	b.mu.Lock()
	obj, ok := b.objects[key]
	b.mu.Unlock()
	if !ok {
		return respond(http.StatusNotFound, nil, http.Header{}), nil
	}
	return respond(http.StatusOK, obj.payload, obj.headers()), nil
}

func (b *standInBucket) put(key string, req *http.Request) (*http.Response, error) {
	payload, err := io.ReadAll(req.Body)
	if err != nil {
		return respond(http.StatusBadRequest, nil, http.Header{}), nil
	}
	if decoded, ok := unchunk(payload); ok {
		payload = decoded
	}
	metadata := make(map[string]string)
	for name, values := range req.Header {
		lower := strings.ToLower(name)
		if rest, ok := strings.CutPrefix(lower, "x-amz-meta-"); ok && len(values) > 0 {
			metadata[rest] = values[0]
		}
	}
	b.mu.Lock()
	b.objects[key] = standInObject{
		payload:     payload,
		contentType: req.Header.Get("Content-Type"),
		metadata:    metadata,
	}
	b.mu.Unlock()
	return respond(http.StatusOK, nil, http.Header{"ETag": {`"stand-in"`}}), nil
}

type listResult struct {
	XMLName     xml.Name      `xml:"ListBucketResult"`
	IsTruncated bool          `xml:"IsTruncated"`
	Contents    []listContent `xml:"Contents"`
}

type listContent struct {
	Key          string `xml:"Key"`
	Size         int    `xml:"Size"`
	LastModified string `xml:"LastModified"`
}

func (b *standInBucket) list(prefix string) (*http.Response, error) {
	b.mu.Lock()
	var keys []string
	for key := range b.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	result := listResult{}
	for _, key := range keys {
		result.Contents = append(result.Contents, listContent{
			Key:          key,
			Size:         len(b.objects[key].payload),
			LastModified: time.Now().UTC().Format(time.RFC3339),
		})
	}
	b.mu.Unlock()
	body, err := xml.Marshal(result)
	if err != nil {
		return respond(http.StatusInternalServerError, nil, http.Header{}), nil
	}
	return respond(http.StatusOK, append([]byte(xml.Header), body...),
		http.Header{"Content-Type": {"application/xml"}}), nil
}

func (o standInObject) headers() http.Header {
	headers := http.Header{
		"Content-Length": {fmt.Sprintf("%d", len(o.payload))},
		"Content-Type":   {o.contentType},
		"ETag":           {`"stand-in"`},
		"Last-Modified":  {time.Now().UTC().Format(http.TimeFormat)},
	}
	for name, value := range o.metadata {
		headers.Set("x-amz-meta-"+name, value)
	}
	return headers
}

func respond(status int, body []byte, headers http.Header) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(body)),
		Header:     headers,
	}
}

// unchunk unwraps a single-chunk aws-chunked payload, <hex>\r\n<body>\r\n0...,
// which the SDK emits for signed streaming uploads.
func unchunk(payload []byte) ([]byte, bool) {
	parts := strings.SplitN(string(payload), "\r\n", 3)
	if len(parts) < 3 || !strings.HasPrefix(parts[2], "0") {
		return nil, false
	}
	size, err := strconv.ParseInt(parts[0], 16, 64)
	if err != nil || int64(len(parts[1])) != size {
		return nil, false
	}
	return []byte(parts[1]), true
}
