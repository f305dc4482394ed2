package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by GetObject for missing keys, regardless of
// backend.
var ErrObjectNotFound = errors.New("object not found")

type Object struct {
	Key  string
	Size int64
}

// ObjectStore abstracts the bucket holding staged uploads and published
// releases. Keys are slash-separated and relative to the configured bucket or
// base directory.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data io.Reader) error

	GetObject(ctx context.Context, key string) ([]byte, error)

	CopyObject(ctx context.Context, srcKey, destKey string) error

	Exists(ctx context.Context, key string) (bool, error)

	ListObjects(ctx context.Context, prefix string) ([]Object, error)

	DeleteObjects(ctx context.Context, prefix string) error

	// UploadDir mirrors a local directory tree under destPrefix.
	UploadDir(ctx context.Context, srcDir, destPrefix string) error
}
