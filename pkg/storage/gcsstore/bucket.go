// Package gcsstore implements storage.Bucket on Google Cloud Storage.
package gcsstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"

	"s3mirror/pkg/models"
	"s3mirror/pkg/pool"
	pkgstorage "s3mirror/pkg/storage"
)

// DefaultChunkSize is the resumable upload chunk size (16MB)
const DefaultChunkSize = 16 * 1024 * 1024

// copyBuffers is shared by every bucket; parallel workers copy concurrently
var copyBuffers = pool.NewBufferPool(256 * 1024)

// ClientConfig holds the settings used to build a GCS client
type ClientConfig struct {
	CredentialsFile string
	ProjectID       string
	EndpointURL     string
}

// NewClient creates a GCS client. A service account JSON key is used when
// CredentialsFile is set, otherwise Application Default Credentials.
// ProjectID, when set, is billed for requests as the quota project.
func NewClient(ctx context.Context, cfg ClientConfig, logger logrus.FieldLogger) (*storage.Client, error) {
	var opts []option.ClientOption

	if cfg.CredentialsFile != "" {
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read GCS credentials file: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, storage.ScopeReadWrite)
		if err != nil {
			return nil, fmt.Errorf("failed to parse GCS credentials: %w", err)
		}
		opts = append(opts, option.WithCredentials(creds))
	}
	if cfg.ProjectID != "" {
		opts = append(opts, option.WithQuotaProject(cfg.ProjectID))
	}
	if cfg.EndpointURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.EndpointURL))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"project":  cfg.ProjectID,
		"endpoint": cfg.EndpointURL,
	}).Debug("Created GCS client")

	return client, nil
}

// Bucket is a storage.Bucket backed by one GCS bucket
type Bucket struct {
	handle    bucketHandle
	name      string
	chunkSize int
}

// NewBucket returns a handle on bucket name
func NewBucket(client *storage.Client, name string) *Bucket {
	return &Bucket{
		handle:    &bucketWrapper{client.Bucket(name)},
		name:      name,
		chunkSize: DefaultChunkSize,
	}
}

func (b *Bucket) Name() string { return b.name }

func (b *Bucket) List(ctx context.Context, prefix string) pkgstorage.ObjectIterator {
	return &objectIterator{it: b.handle.Objects(ctx, &storage.Query{Prefix: prefix})}
}

// objectIterator adapts the GCS iterator, whose Done sentinel is shared with pkgstorage.Done
type objectIterator struct {
	it attrsIterator
}

func (o *objectIterator) Next() (models.ObjectSummary, error) {
	attrs, err := o.it.Next()
	if err != nil {
		return models.ObjectSummary{}, err
	}
	return models.ObjectSummary{
		Key:          attrs.Name,
		Size:         attrs.Size,
		LastModified: attrs.Updated,
	}, nil
}

func (b *Bucket) Download(ctx context.Context, key string, dst io.WriterAt) error {
	r, err := b.handle.Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("%s/%s: %w", b.name, key, pkgstorage.ErrNotFound)
		}
		return err
	}
	defer r.Close()

	if _, err := copyBuffers.Copy(io.NewOffsetWriter(dst, 0), r); err != nil {
		return fmt.Errorf("failed to read object: %w", err)
	}
	return nil
}

func (b *Bucket) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.handle.Object(key).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, err
}

// Upload streams src into a resumable upload. The object only becomes visible
// once the writer is closed successfully.
func (b *Bucket) Upload(ctx context.Context, key string, src io.Reader, size int64) error {
	// a cancelled context aborts the upload without finalizing it
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := b.handle.Object(key).NewWriter(ctx, b.chunkSize)
	n, err := copyBuffers.Copy(w, src)
	if err != nil {
		cancel()
		w.Close()
		return fmt.Errorf("failed to write object: %w", err)
	}
	if size >= 0 && n != size {
		cancel()
		w.Close()
		return fmt.Errorf("short upload of %s: wrote %d of %d bytes", key, n, size)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize upload: %w", err)
	}
	return nil
}
