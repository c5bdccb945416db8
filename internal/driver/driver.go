// Package driver defines the object-store primitives bleepfs builds its
// filesystem emulation on, and the backends that implement them.
package driver

import (
	"context"
	"io"
	"time"
)

// Kind identifies a backend family.
type Kind string

const (
	// KindFlatBlob is an Azure Blob Storage container.
	KindFlatBlob Kind = "flat-blob"
	// KindS3Compatible is an S3 or S3-compatible bucket.
	KindS3Compatible Kind = "s3-compatible"
	// KindMemory is the in-process driver used for tests and local runs.
	KindMemory Kind = "memory"
)

// ObjectInfo describes one stored object. Backends that do not track a
// creation time report the last-modified time for Created.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	Created     time.Time
	Modified    time.Time
	ETag        string
}

// Driver is the set of primitives a backend must support. Keys are full
// object keys; the driver knows nothing about folders. All methods must be
// safe for concurrent use.
type Driver interface {
	// Kind reports the backend family.
	Kind() Kind

	// PutObject writes size bytes from r at key, replacing any existing
	// object, and returns the stored object's metadata.
	PutObject(ctx context.Context, key string, r io.Reader, size int64, contentType string) (ObjectInfo, error)

	// GetObject opens the object for reading. The caller closes the reader.
	GetObject(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// StatObject returns the object's metadata, or ErrNotFound.
	StatObject(ctx context.Context, key string) (ObjectInfo, error)

	// ObjectExists reports whether an object is stored at key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// ListObjects returns every object whose key starts with prefix, in key
	// order. Backend pagination is followed to the end.
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// DeleteObject removes the object at key. Deleting a missing key succeeds.
	DeleteObject(ctx context.Context, key string) error

	// CopyObject copies srcKey to dstKey server-side.
	CopyObject(ctx context.Context, srcKey, dstKey string) error

	// HealthCheck verifies the backend container or bucket is reachable.
	HealthCheck(ctx context.Context) error
}

// WebsiteConfig holds the static website settings of a flat-blob account.
type WebsiteConfig struct {
	Enabled              bool
	IndexDocument        string
	ErrorDocument404Path string
}

// WebsiteController is implemented by drivers whose backend can serve the
// container as a static website.
type WebsiteController interface {
	SetStaticWebsite(ctx context.Context, cfg WebsiteConfig) error
}
