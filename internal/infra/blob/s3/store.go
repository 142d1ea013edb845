// Package s3 stores export artifacts in an S3-compatible backend (AWS S3 or
// MinIO). Minimal surface area: single bucket, keys map to object keys
// directly.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"histoquant/internal/export"
)

var _ export.ObjectStore = (*Store)(nil)

// Store implements export.ObjectStore against a single S3 bucket.
type Store struct {
	client  *awss3.Client
	bucket  string
	presign *awss3.PresignClient
}

// Config holds explicit construction parameters (mostly for tests). For prod
// we rely primarily on environment variables.
type Config struct {
	Region    string
	Bucket    string
	Endpoint  string // optional; if set enables custom endpoint (e.g. MinIO)
	PathStyle bool
}

// Environment variables:
//   HISTOQUANT_BLOB_S3_BUCKET=<bucket> (required)
//   HISTOQUANT_BLOB_S3_REGION=<region> (default us-east-1)
//   HISTOQUANT_BLOB_S3_ENDPOINT=<url> (optional, for MinIO)
//   HISTOQUANT_BLOB_S3_PATH_STYLE=true|false (default false)
//   AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY / AWS_SESSION_TOKEN (optional)

// New creates an S3 artifact store from Config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Store{client: client, bucket: cfg.Bucket, presign: awss3.NewPresignClient(client)}, nil
}

// OpenFromEnv constructs an S3 store from process environment.
func OpenFromEnv(ctx context.Context) (*Store, error) {
	bucket := os.Getenv("HISTOQUANT_BLOB_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("HISTOQUANT_BLOB_S3_BUCKET required for s3 driver")
	}
	cfg := Config{
		Bucket:    bucket,
		Region:    os.Getenv("HISTOQUANT_BLOB_S3_REGION"),
		Endpoint:  os.Getenv("HISTOQUANT_BLOB_S3_ENDPOINT"),
		PathStyle: strings.EqualFold(os.Getenv("HISTOQUANT_BLOB_S3_PATH_STYLE"), "true"),
	}
	return New(ctx, cfg)
}

// Put stores a new immutable object. Create-only is emulated via Head first.
func (s *Store) Put(ctx context.Context, key string, payload []byte, contentType string, metadata map[string]any) (export.Artifact, error) {
	if _, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{Bucket: &s.bucket, Key: &key}); err == nil {
		return export.Artifact{}, fmt.Errorf("object %s already exists", key)
	}
	input := &awss3.PutObjectInput{Bucket: &s.bucket, Key: &key, Body: bytes.NewReader(payload)}
	if contentType != "" {
		input.ContentType = &contentType
	}
	if len(metadata) > 0 {
		input.Metadata = encodeMetadata(metadata)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return export.Artifact{}, err
	}
	artifact, err := s.head(ctx, key)
	if err != nil {
		return export.Artifact{}, err
	}
	artifact.URL, _ = s.presignGet(ctx, key)
	return artifact, nil
}

// Get returns the artifact metadata and full payload bytes.
func (s *Store) Get(ctx context.Context, key string) (export.Artifact, []byte, error) {
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return export.Artifact{}, nil, err
	}
	defer func() { _ = out.Body.Close() }()
	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return export.Artifact{}, nil, err
	}
	artifact := export.Artifact{
		ID:          key,
		ContentType: aws.ToString(out.ContentType),
		SizeBytes:   int64(len(payload)),
		Metadata:    decodeMetadata(out.Metadata),
		CreatedAt:   aws.ToTime(out.LastModified),
	}
	artifact.URL, _ = s.presignGet(ctx, key)
	return artifact, payload, nil
}

// Delete removes the object. S3 deletes are idempotent; existence is assumed
// when the call succeeds.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if _, err := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{Bucket: &s.bucket, Key: &key}); err != nil {
		return false, err
	}
	return true, nil
}

// List returns artifacts whose keys start with prefix, sorted by key.
func (s *Store) List(ctx context.Context, prefix string) ([]export.Artifact, error) {
	var artifacts []export.Artifact
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &prefix,
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range out.Contents {
			var size int64
			if obj.Size != nil {
				size = *obj.Size
			}
			artifacts = append(artifacts, export.Artifact{
				ID:        aws.ToString(obj.Key),
				SizeBytes: size,
				CreatedAt: aws.ToTime(obj.LastModified),
			})
		}
		if out.IsTruncated != nil && *out.IsTruncated && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].ID < artifacts[j].ID })
	return artifacts, nil
}

func (s *Store) head(ctx context.Context, key string) (export.Artifact, error) {
	out, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return export.Artifact{}, err
	}
	var size int64
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return export.Artifact{
		ID:          key,
		ContentType: aws.ToString(out.ContentType),
		SizeBytes:   size,
		Metadata:    decodeMetadata(out.Metadata),
		CreatedAt:   aws.ToTime(out.LastModified),
	}, nil
}

func (s *Store) presignGet(ctx context.Context, key string) (string, error) {
	out, err := s.presign.PresignGetObject(ctx, &awss3.GetObjectInput{Bucket: &s.bucket, Key: &key},
		func(po *awss3.PresignOptions) { po.Expires = 15 * time.Minute })
	if err != nil {
		return "", err
	}
	return out.URL, nil
}

func encodeMetadata(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func decodeMetadata(in map[string]string) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
