package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"s3mirror/pkg/models"
	"s3mirror/pkg/storage/memstore"
)

func newTestPipeline(t *testing.T, cfg Config) (*Pipeline, afero.Fs) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	fs := afero.NewMemMapFs()
	return NewPipeline(fs, cfg, logger), fs
}

func TestTransferSuccess(t *testing.T) {
	p, fs := newTestPipeline(t, Config{StagingDir: "/staging"})
	src, dst := memstore.New("src"), memstore.New("dst")
	src.Put("logs/head/a.txt", []byte("0123456789"))

	outcome := p.Transfer(context.Background(), models.ObjectSummary{Key: "logs/head/a.txt", Size: 10}, "archive/head/a.txt", src, dst)

	require.NoError(t, outcome.Err)
	assert.Equal(t, models.StatusTransferred, outcome.Status)
	got, ok := dst.Get("archive/head/a.txt")
	require.True(t, ok)
	assert.Equal(t, "0123456789", string(got))

	exists, err := afero.Exists(fs, "/staging/a.txt")
	require.NoError(t, err)
	assert.False(t, exists, "staging file should be removed after upload")
}

func TestTransferReusesStagedFile(t *testing.T) {
	p, fs := newTestPipeline(t, Config{StagingDir: "/staging"})
	src, dst := memstore.New("src"), memstore.New("dst")
	require.NoError(t, afero.WriteFile(fs, "/staging/a.txt", []byte("staged"), 0o644))

	outcome := p.Transfer(context.Background(), models.ObjectSummary{Key: "logs/a.txt", Size: 6}, "archive/a.txt", src, dst)

	assert.Equal(t, models.StatusTransferred, outcome.Status)
	assert.Empty(t, src.Downloads, "pre-existing staging file must not be downloaded again")
	got, _ := dst.Get("archive/a.txt")
	assert.Equal(t, "staged", string(got))
}

func TestTransferDownloadFailure(t *testing.T) {
	p, fs := newTestPipeline(t, Config{StagingDir: "/staging"})
	src, dst := memstore.New("src"), memstore.New("dst")
	src.Put("logs/a.txt", []byte("content"))
	src.DownloadErr["logs/a.txt"] = errors.New("access denied")

	outcome := p.Transfer(context.Background(), models.ObjectSummary{Key: "logs/a.txt", Size: 7}, "archive/a.txt", src, dst)

	assert.Equal(t, models.StatusDownloadFailed, outcome.Status)
	assert.ErrorContains(t, outcome.Err, "access denied")
	assert.Empty(t, dst.Uploads, "no upload after a failed download")

	for _, name := range []string{"/staging/a.txt", "/staging/a.txt.part"} {
		exists, err := afero.Exists(fs, name)
		require.NoError(t, err)
		assert.False(t, exists, "%s must not be left behind", name)
	}
}

func TestTransferMissingSourceObject(t *testing.T) {
	p, _ := newTestPipeline(t, Config{})
	src, dst := memstore.New("src"), memstore.New("dst")

	outcome := p.Transfer(context.Background(), models.ObjectSummary{Key: "logs/gone.txt", Size: 3}, "archive/gone.txt", src, dst)

	assert.Equal(t, models.StatusDownloadFailed, outcome.Status)
	assert.True(t, outcome.Failed())
}

func TestTransferUploadFailureKeepsStagedFile(t *testing.T) {
	p, fs := newTestPipeline(t, Config{StagingDir: "/staging"})
	src, dst := memstore.New("src"), memstore.New("dst")
	src.Put("logs/a.txt", []byte("content"))
	dst.UploadErr["archive/a.txt"] = errors.New("quota exceeded")

	outcome := p.Transfer(context.Background(), models.ObjectSummary{Key: "logs/a.txt", Size: 7}, "archive/a.txt", src, dst)

	assert.Equal(t, models.StatusUploadFailed, outcome.Status)
	assert.ErrorContains(t, outcome.Err, "quota exceeded")

	content, err := afero.ReadFile(fs, "/staging/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "content", string(content))

	// a retry reuses the staged copy
	delete(dst.UploadErr, "archive/a.txt")
	outcome = p.Transfer(context.Background(), models.ObjectSummary{Key: "logs/a.txt", Size: 7}, "archive/a.txt", src, dst)
	assert.Equal(t, models.StatusTransferred, outcome.Status)
	assert.Len(t, src.Downloads, 1)
}

func TestStagingPath(t *testing.T) {
	logger := logrus.New()

	plain := NewPipeline(afero.NewMemMapFs(), Config{}, logger)
	assert.Equal(t, "a.txt", plain.StagingPath("logs/head/a.txt"))
	assert.Equal(t, plain.StagingPath("x/a.txt"), plain.StagingPath("y/a.txt"))

	ns := plain.WithNamespace(true)
	assert.True(t, ns.Namespaced())
	assert.False(t, plain.Namespaced())
	assert.NotEqual(t, ns.StagingPath("x/a.txt"), ns.StagingPath("y/a.txt"))
	assert.Regexp(t, `^[0-9a-f]{16}-a\.txt$`, ns.StagingPath("x/a.txt"))
}

func TestStagingPathDotBasenames(t *testing.T) {
	logger, _ := test.NewNullLogger()
	staging := filepath.Join("/staging", "inner")

	for _, namespace := range []bool{false, true} {
		p := NewPipeline(afero.NewMemMapFs(), Config{StagingDir: staging, Namespace: namespace}, logger)
		seen := map[string]string{}
		for _, key := range []string{"logs/sub/..", "logs/.", "logs/sub/.", ".."} {
			local := p.StagingPath(key)
			assert.Equal(t, staging, filepath.Dir(local), "key %q must stay inside the staging dir", key)
			assert.Regexp(t, `^[0-9a-f]{16}$`, filepath.Base(local))
			if other, ok := seen[local]; ok {
				t.Errorf("keys %q and %q share staging file %s", other, key, local)
			}
			seen[local] = key
		}
	}
}

func TestTransferDotBasenameKey(t *testing.T) {
	p, fs := newTestPipeline(t, Config{StagingDir: "/staging/inner"})
	src, dst := memstore.New("src"), memstore.New("dst")
	src.Put("logs/sub/..", []byte("odd"))

	outcome := p.Transfer(context.Background(), models.ObjectSummary{Key: "logs/sub/..", Size: 3}, "archive/sub/..", src, dst)

	require.NoError(t, outcome.Err)
	assert.Equal(t, models.StatusTransferred, outcome.Status)
	got, _ := dst.Get("archive/sub/..")
	assert.Equal(t, "odd", string(got))

	exists, err := afero.DirExists(fs, "/staging/inner")
	require.NoError(t, err)
	assert.True(t, exists, "staging dir itself must survive cleanup")
}

// removeDeniedFs refuses to delete staged files; .part cleanup still works
type removeDeniedFs struct {
	afero.Fs
}

func (fs removeDeniedFs) Remove(name string) error {
	if strings.HasSuffix(name, partSuffix) {
		return fs.Fs.Remove(name)
	}
	return &os.PathError{Op: "remove", Path: name, Err: os.ErrPermission}
}

func TestTransferFailsWhenStagedFileCannotBeRemoved(t *testing.T) {
	logger, _ := test.NewNullLogger()
	fs := removeDeniedFs{afero.NewMemMapFs()}
	p := NewPipeline(fs, Config{StagingDir: "/staging"}, logger)
	src, dst := memstore.New("src"), memstore.New("dst")
	src.Put("logs/a.txt", []byte("content"))

	outcome := p.Transfer(context.Background(), models.ObjectSummary{Key: "logs/a.txt", Size: 7}, "archive/a.txt", src, dst)

	assert.Equal(t, models.StatusUploadFailed, outcome.Status)
	assert.True(t, outcome.Failed())
	assert.ErrorIs(t, outcome.Err, os.ErrPermission)
	assert.ErrorContains(t, outcome.Err, "failed to remove staging file")

	// the upload itself went through
	got, ok := dst.Get("archive/a.txt")
	require.True(t, ok)
	assert.Equal(t, "content", string(got))

	exists, err := afero.Exists(fs, "/staging/a.txt")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestTransferToleratesAlreadyRemovedStagedFile(t *testing.T) {
	logger, _ := test.NewNullLogger()
	fs := vanishingFs{afero.NewMemMapFs()}
	p := NewPipeline(fs, Config{StagingDir: "/staging"}, logger)
	src, dst := memstore.New("src"), memstore.New("dst")
	src.Put("logs/a.txt", []byte("content"))

	outcome := p.Transfer(context.Background(), models.ObjectSummary{Key: "logs/a.txt", Size: 7}, "archive/a.txt", src, dst)

	require.NoError(t, outcome.Err)
	assert.Equal(t, models.StatusTransferred, outcome.Status)
}

// vanishingFs reports staged files as already gone on removal
type vanishingFs struct {
	afero.Fs
}

func (fs vanishingFs) Remove(name string) error {
	if err := fs.Fs.Remove(name); err != nil {
		return err
	}
	return &os.PathError{Op: "remove", Path: name, Err: os.ErrNotExist}
}
