package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by StatObject and GetObject when the key
// does not exist. Check it with IsNotFound.
var ErrObjectNotFound = errors.New("object not found")

// IsNotFound reports whether err means the object key does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}

// ObjectStorage defines the minimal object storage operations required by the
// workspace archiver. It is intentionally small so MinIO/AWS-S3
// implementations can be swapped without touching business logic.
type ObjectStorage interface {
	// EnsureBucket creates the bucket when it does not exist yet.
	EnsureBucket(ctx context.Context, bucket string) error

	// PutObject uploads an object from reader. Size may be -1 when unknown.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error

	// GetObject opens a reader for an object.
	// Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (ObjectReader, error)

	// StatObject returns size and ETag for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)

	// ListObjects streams all objects under prefix.
	ListObjects(ctx context.Context, bucket, prefix string) <-chan ObjectInfo

	// RemoveObjects deletes the given keys, stopping at the first failure.
	RemoveObjects(ctx context.Context, bucket string, keys []string) error
}

// ObjectReader is a streaming reader for object data.
type ObjectReader interface {
	io.Reader
	io.Closer
}

// ObjectStat contains object metadata used for validation.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}

// ObjectInfo is one entry from ListObjects. Err is set when listing failed.
type ObjectInfo struct {
	Key       string
	SizeBytes int64
	Err       error
}
