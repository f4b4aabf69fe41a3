package gcsstore

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
)

// bucketHandle is the part of *storage.BucketHandle used by Bucket
type bucketHandle interface {
	Object(name string) objectHandle
	Objects(ctx context.Context, q *storage.Query) attrsIterator
}

type objectHandle interface {
	NewReader(ctx context.Context) (io.ReadCloser, error)
	NewWriter(ctx context.Context, chunkSize int) io.WriteCloser
	Attrs(ctx context.Context) (*storage.ObjectAttrs, error)
}

type attrsIterator interface {
	Next() (*storage.ObjectAttrs, error)
}

type bucketWrapper struct {
	*storage.BucketHandle
}

func (b *bucketWrapper) Object(name string) objectHandle {
	return &objectWrapper{b.BucketHandle.Object(name)}
}

func (b *bucketWrapper) Objects(ctx context.Context, q *storage.Query) attrsIterator {
	return b.BucketHandle.Objects(ctx, q)
}

type objectWrapper struct {
	*storage.ObjectHandle
}

func (o *objectWrapper) NewReader(ctx context.Context) (io.ReadCloser, error) {
	return o.ObjectHandle.NewReader(ctx)
}

func (o *objectWrapper) NewWriter(ctx context.Context, chunkSize int) io.WriteCloser {
	w := o.ObjectHandle.NewWriter(ctx)
	if chunkSize > 0 {
		w.ChunkSize = chunkSize
	}
	return w
}
