package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"s3mirror/pkg/models"
	"s3mirror/pkg/storage"
)

const partSuffix = ".part"

// Pipeline moves one object from the source bucket to the destination bucket
// through a local staging file
type Pipeline struct {
	fs         afero.Fs
	stagingDir string
	namespace  bool
	logger     logrus.FieldLogger
}

// Config contains configuration for the pipeline
type Config struct {
	// StagingDir holds staging files; empty means the working directory
	StagingDir string
	// Namespace prefixes staging names with a hash of the full key so that
	// keys sharing a basename never collide
	Namespace bool
}

// NewPipeline creates a pipeline staging files on fs
func NewPipeline(fs afero.Fs, cfg Config, logger logrus.FieldLogger) *Pipeline {
	if cfg.StagingDir == "" {
		cfg.StagingDir = "."
	}
	return &Pipeline{
		fs:         fs,
		stagingDir: cfg.StagingDir,
		namespace:  cfg.Namespace,
		logger:     logger,
	}
}

// Namespaced reports whether staging names include a key hash
func (p *Pipeline) Namespaced() bool {
	return p.namespace
}

// WithNamespace returns a copy of the pipeline with namespacing set to on
func (p *Pipeline) WithNamespace(on bool) *Pipeline {
	cp := *p
	cp.namespace = on
	return &cp
}

// StagingPath returns the local file used for key. Keys whose basename is
// not a usable file name ("logs/.", "logs/sub/..") are staged under the key
// hash alone.
func (p *Pipeline) StagingPath(key string) string {
	name := path.Base(key)
	switch {
	case name == "." || name == ".." || name == "/":
		name = keyHash(key)
	case p.namespace:
		name = keyHash(key) + "-" + name
	}
	return filepath.Join(p.stagingDir, name)
}

func keyHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// Transfer downloads obj from src unless it is already staged, uploads it to
// dst at destKey and removes the staging file. A failed upload keeps the
// staging file for inspection; the next run reuses it. A staging file that
// cannot be removed fails the object as an upload failure, since the next run
// would re-upload its stale content.
func (p *Pipeline) Transfer(ctx context.Context, obj models.ObjectSummary, destKey string, src, dst storage.Bucket) models.TransferOutcome {
	outcome := models.TransferOutcome{
		SourceKey: obj.Key,
		DestKey:   destKey,
		Size:      obj.Size,
	}
	local := p.StagingPath(obj.Key)
	log := p.logger.WithFields(logrus.Fields{"key": obj.Key, "dest_key": destKey, "local_file": local})

	log.Info("Processing")

	staged, err := afero.Exists(p.fs, local)
	if err != nil {
		outcome.Status = models.StatusDownloadFailed
		outcome.Err = fmt.Errorf("failed to stat staging file: %w", err)
		log.WithError(outcome.Err).Warn("Failed to download")
		return outcome
	}

	if staged {
		log.Info("Reusing staged file")
	} else {
		log.Info("Downloading")
		if err := p.download(ctx, src, obj.Key, local); err != nil {
			outcome.Status = models.StatusDownloadFailed
			outcome.Err = err
			log.WithError(err).Warn("Failed to download")
			return outcome
		}
		log.Info("Downloaded")
	}

	log.Info("Uploading")
	if err := p.upload(ctx, dst, local, destKey); err != nil {
		outcome.Status = models.StatusUploadFailed
		outcome.Err = err
		log.WithError(err).Warn("Failed to upload, keeping staged file")
		return outcome
	}
	log.Info("Uploaded")

	if err := p.fs.Remove(local); err != nil && !os.IsNotExist(err) {
		outcome.Status = models.StatusUploadFailed
		outcome.Err = fmt.Errorf("failed to remove staging file: %w", err)
		log.WithError(err).Warn("Failed to remove staged file")
		return outcome
	}

	outcome.Status = models.StatusTransferred
	return outcome
}

// download writes into a .part file and renames it, so local only ever holds
// complete objects
func (p *Pipeline) download(ctx context.Context, src storage.Bucket, key, local string) (err error) {
	if err := p.fs.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}

	part := local + partSuffix
	f, err := p.fs.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = p.fs.Remove(part)
		}
	}()

	if err = src.Download(ctx, key, f); err != nil {
		f.Close()
		return fmt.Errorf("failed to download %s/%s: %w", src.Name(), key, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("failed to write staging file: %w", err)
	}
	if err = p.fs.Rename(part, local); err != nil {
		return fmt.Errorf("failed to finalize staging file: %w", err)
	}
	return nil
}

func (p *Pipeline) upload(ctx context.Context, dst storage.Bucket, local, destKey string) error {
	f, err := p.fs.Open(local)
	if err != nil {
		return fmt.Errorf("failed to open staging file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat staging file: %w", err)
	}

	if err := dst.Upload(ctx, destKey, f, info.Size()); err != nil {
		return fmt.Errorf("failed to upload %s/%s: %w", dst.Name(), destKey, err)
	}
	return nil
}
