package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

// Store is a single bucket of S3-compatible storage.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, meta Metadata) error
	// Head returns ErrObjectNotFound when key does not exist.
	Head(ctx context.Context, key string) (Object, error)
}

// Metadata travels with an uploaded artifact as x-amz-meta-* headers.
type Metadata struct {
	ContentType string
	RunID       string
	SHA256      string
}

type Object struct {
	Key      string
	Size     int64
	SHA256   string
	Modified time.Time
}
