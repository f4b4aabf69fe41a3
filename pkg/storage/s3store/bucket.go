// Package s3store implements storage.Bucket on Amazon S3 and S3-compatible services.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"s3mirror/pkg/models"
	"s3mirror/pkg/storage"
)

// API is the subset of the S3 client used by Bucket
type API interface {
	s3.ListObjectsV2APIClient
	s3.HeadObjectAPIClient
	manager.DownloadAPIClient
	manager.UploadAPIClient
}

// Bucket is a storage.Bucket backed by one S3 bucket
type Bucket struct {
	client     API
	name       string
	downloader *manager.Downloader
	uploader   *manager.Uploader
}

// Options tunes multipart transfers; zero values keep the SDK defaults
type Options struct {
	PartSize    int64
	Concurrency int
}

// NewBucket returns a handle on bucket name
func NewBucket(client API, name string, opts Options) *Bucket {
	return &Bucket{
		client: client,
		name:   name,
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			if opts.PartSize > 0 {
				d.PartSize = opts.PartSize
			}
			if opts.Concurrency > 0 {
				d.Concurrency = opts.Concurrency
			}
		}),
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			if opts.PartSize > 0 {
				u.PartSize = opts.PartSize
			}
			if opts.Concurrency > 0 {
				u.Concurrency = opts.Concurrency
			}
			u.LeavePartsOnError = false
		}),
	}
}

func (b *Bucket) Name() string { return b.name }

// List pages through ListObjectsV2 lazily, one page per round-trip
func (b *Bucket) List(ctx context.Context, prefix string) storage.ObjectIterator {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(b.name)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}
	return &objectIterator{
		ctx:       ctx,
		paginator: s3.NewListObjectsV2Paginator(b.client, input),
	}
}

type objectIterator struct {
	ctx       context.Context
	paginator *s3.ListObjectsV2Paginator
	page      []types.Object
}

func (it *objectIterator) Next() (models.ObjectSummary, error) {
	for len(it.page) == 0 {
		if !it.paginator.HasMorePages() {
			return models.ObjectSummary{}, storage.Done
		}
		out, err := it.paginator.NextPage(it.ctx)
		if err != nil {
			return models.ObjectSummary{}, err
		}
		it.page = out.Contents
	}

	obj := it.page[0]
	it.page = it.page[1:]
	return models.ObjectSummary{
		Key:          aws.ToString(obj.Key),
		Size:         aws.ToInt64(obj.Size),
		LastModified: aws.ToTime(obj.LastModified),
	}, nil
}

func (b *Bucket) Download(ctx context.Context, key string, dst io.WriterAt) error {
	_, err := b.downloader.Download(ctx, dst, &s3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return fmt.Errorf("%s/%s: %w", b.name, key, storage.ErrNotFound)
	}
	return err
}

func (b *Bucket) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

func (b *Bucket) Upload(ctx context.Context, key string, src io.Reader, size int64) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
		Body:   src,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	_, err := b.uploader.Upload(ctx, input)
	return err
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "404":
			return true
		}
	}
	return false
}
