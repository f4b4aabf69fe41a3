package storage

import (
	"context"
	"errors"
	"io"

	"google.golang.org/api/iterator"

	"s3mirror/pkg/models"
)

// ErrNotFound is returned by Download when the object does not exist
var ErrNotFound = errors.New("object not found")

// Done is returned by ObjectIterator.Next when the listing is exhausted
var Done = iterator.Done

// ObjectIterator yields a bucket listing lazily. Pagination is handled by the
// implementation; Next returns Done once every object has been returned.
type ObjectIterator interface {
	Next() (models.ObjectSummary, error)
}

// Bucket is the capability the mirror needs from one side of the transfer
type Bucket interface {
	// Name returns the bucket name, used in logs
	Name() string
	// List enumerates objects whose key starts with prefix ("" lists everything)
	List(ctx context.Context, prefix string) ObjectIterator
	// Download writes the object at key into dst
	Download(ctx context.Context, key string, dst io.WriterAt) error
	// Exists reports whether an object is stored at key
	Exists(ctx context.Context, key string) (bool, error)
	// Upload stores size bytes read from src at key
	Upload(ctx context.Context, key string, src io.Reader, size int64) error
}

// Provider names a storage backend
type Provider string

const (
	ProviderS3  Provider = "s3"
	ProviderGCS Provider = "gcs"
)
