package storage

import (
	"context"
)

// ObjectStorage defines the minimal object storage operations required by the
// bundle staging flow. Bundles are published by an upstream pipeline; the host
// only ever reads them, so the interface stays read-only.
type ObjectStorage interface {
	// GetObject opens a reader for an object.
	// Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (ObjectReader, error)

	// StatObject returns size and ETag for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)
}

// ObjectReader is a streaming reader for object data.
type ObjectReader interface {
	Read(p []byte) (int, error)
	Close() error
}

// ObjectStat contains object metadata used for validation and cache keys.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}
