package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"

	platformstore "github.com/animus-labs/cubemosaic/internal/platform/objectstore"
)

const (
	metaRunID  = "Run-Id"
	metaSHA256 = "Sha256"
)

// MinioStore keeps run artifacts in one MinIO bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(ctx context.Context, cfg platformstore.Config) (*MinioStore, error) {
	client, err := platformstore.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinioStore) Bucket() string {
	return s.bucket
}

func (s *MinioStore) Put(ctx context.Context, key string, body io.Reader, size int64, meta Metadata) error {
	opts := minio.PutObjectOptions{
		ContentType:  meta.ContentType,
		UserMetadata: map[string]string{},
	}
	if meta.RunID != "" {
		opts.UserMetadata[metaRunID] = meta.RunID
	}
	if meta.SHA256 != "" {
		opts.UserMetadata[metaSHA256] = meta.SHA256
	}
	if _, err := s.client.PutObject(ctx, s.bucket, key, body, size, opts); err != nil {
		return fmt.Errorf("put %s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *MinioStore) Head(ctx context.Context, key string) (Object, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" {
			return Object{}, fmt.Errorf("%s/%s: %w", s.bucket, key, ErrObjectNotFound)
		}
		return Object{}, fmt.Errorf("stat %s/%s: %w", s.bucket, key, err)
	}
	return Object{
		Key:      info.Key,
		Size:     info.Size,
		SHA256:   userMeta(info.UserMetadata, metaSHA256),
		Modified: info.LastModified,
	}, nil
}

// userMeta looks up a metadata key regardless of how the server cased it.
func userMeta(meta map[string]string, key string) string {
	for k, v := range meta {
		if strings.EqualFold(strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-"), key) {
			return v
		}
	}
	return ""
}
