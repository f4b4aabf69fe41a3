package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"s3mirror/pkg/models"
	"s3mirror/pkg/policy"
	"s3mirror/pkg/storage/memstore"
	"s3mirror/pkg/transfer"
)

type fixture struct {
	src, dst *memstore.Bucket
	fs       afero.Fs
}

func newFixture() *fixture {
	return &fixture{
		src: memstore.New("source"),
		dst: memstore.New("destination"),
		fs:  afero.NewMemMapFs(),
	}
}

func (f *fixture) mirror(t *testing.T, opts Options) *Mirror {
	t.Helper()
	logger, _ := test.NewNullLogger()
	p, err := policy.New(models.PrefixMapping{SourcePrefix: "logs/", DestPrefix: "archive/"}, "")
	require.NoError(t, err)
	pipeline := transfer.NewPipeline(f.fs, transfer.Config{StagingDir: "/staging"}, logger)
	return NewMirror(f.src, f.dst, p, pipeline, opts, logger)
}

func collect(t *testing.T, m *Mirror) (map[string]models.TransferOutcome, *models.RunSummary) {
	t.Helper()
	outcomes := make(map[string]models.TransferOutcome)
	summary, err := m.Run(context.Background(), func(o models.TransferOutcome) {
		_, dup := outcomes[o.SourceKey]
		assert.False(t, dup, "duplicate outcome for %s", o.SourceKey)
		outcomes[o.SourceKey] = o
	})
	require.NoError(t, err)
	return outcomes, summary
}

func TestRunEndToEnd(t *testing.T) {
	f := newFixture()
	f.src.Put("logs/head/a.txt", []byte("0123456789"))
	f.src.Put("logs/stable/b.txt", []byte("abcdefghij"))
	f.src.Put("logs/empty.txt", nil)
	f.dst.Put("archive/stable/b.txt", []byte("abcdefghij"))

	outcomes, summary := collect(t, f.mirror(t, Options{}))

	require.Len(t, outcomes, 3)
	assert.Equal(t, models.StatusTransferred, outcomes["logs/head/a.txt"].Status)
	assert.Equal(t, "archive/head/a.txt", outcomes["logs/head/a.txt"].DestKey)
	assert.Equal(t, models.StatusSkipped, outcomes["logs/stable/b.txt"].Status)
	assert.Equal(t, models.SkipAlreadyExists, outcomes["logs/stable/b.txt"].Reason)
	assert.Equal(t, models.StatusSkipped, outcomes["logs/empty.txt"].Status)
	assert.Equal(t, models.SkipBlank, outcomes["logs/empty.txt"].Reason)

	got, ok := f.dst.Get("archive/head/a.txt")
	require.True(t, ok)
	assert.Equal(t, "0123456789", string(got))

	assert.Equal(t, int64(3), summary.Listed)
	assert.Equal(t, int64(1), summary.Transferred)
	assert.Equal(t, int64(10), summary.BytesTransferred)
	assert.Equal(t, int64(2), summary.TotalSkipped())
	assert.NotEmpty(t, summary.RunID)

	// blank objects never reach the destination
	assert.NotContains(t, f.dst.Checks, "archive/empty.txt")
}

func TestRunBlankDecisionUsesListedSize(t *testing.T) {
	f := newFixture()
	// a folder placeholder listed with zero size is skipped without downloading
	f.src.PutSized("logs/folder/", []byte("ignored"), 0)

	outcomes, _ := collect(t, f.mirror(t, Options{}))

	assert.Equal(t, models.SkipBlank, outcomes["logs/folder/"].Reason)
	assert.Empty(t, f.src.Downloads)
	assert.Empty(t, f.dst.Checks)
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture()
	for i := 0; i < 5; i++ {
		f.src.Put(fmt.Sprintf("logs/stable/%d.txt", i), []byte("data"))
	}
	m := f.mirror(t, Options{})

	_, first := collect(t, m)
	assert.Equal(t, int64(5), first.Transferred)

	outcomes, second := collect(t, m)
	assert.Zero(t, second.Transferred)
	for key, o := range outcomes {
		assert.Equal(t, models.SkipAlreadyExists, o.Reason, key)
	}
	assert.Len(t, f.dst.Uploads, 5)
}

func TestRunVolatileObjectsAreResynced(t *testing.T) {
	f := newFixture()
	f.src.Put("logs/nightly/build.tar", []byte("new"))
	f.dst.Put("archive/nightly/build.tar", []byte("old"))

	outcomes, _ := collect(t, f.mirror(t, Options{}))

	assert.Equal(t, models.StatusTransferred, outcomes["logs/nightly/build.tar"].Status)
	got, _ := f.dst.Get("archive/nightly/build.tar")
	assert.Equal(t, "new", string(got))
}

func TestRunPrefixMismatchSkipsExistenceCheck(t *testing.T) {
	f := newFixture()
	f.src.Put("metrics/a.txt", []byte("x"))

	outcomes, _ := collect(t, f.mirror(t, Options{}))

	assert.Equal(t, models.SkipPrefixMismatch, outcomes["metrics/a.txt"].Reason)
	assert.Empty(t, f.dst.Checks)
}

func TestRunPerObjectFailuresDoNotAbort(t *testing.T) {
	f := newFixture()
	f.src.Put("logs/a.txt", []byte("a"))
	f.src.Put("logs/b.txt", []byte("b"))
	f.src.Put("logs/c.txt", []byte("c"))
	f.src.Put("logs/d.txt", []byte("d"))
	f.src.DownloadErr["logs/a.txt"] = errors.New("network reset")
	f.dst.UploadErr["archive/b.txt"] = errors.New("forbidden")
	f.dst.ExistsErr["archive/c.txt"] = errors.New("timeout")

	outcomes, summary := collect(t, f.mirror(t, Options{}))

	assert.Equal(t, models.StatusDownloadFailed, outcomes["logs/a.txt"].Status)
	assert.Equal(t, models.StatusUploadFailed, outcomes["logs/b.txt"].Status)
	assert.Equal(t, models.StatusCheckFailed, outcomes["logs/c.txt"].Status)
	assert.Equal(t, models.StatusTransferred, outcomes["logs/d.txt"].Status)

	assert.Equal(t, int64(3), summary.Failed)
	assert.Equal(t, []string{"logs/a.txt", "logs/b.txt", "logs/c.txt"}, summary.FailedKeys)
	assert.NotContains(t, f.dst.Uploads, "archive/a.txt")
	assert.NotContains(t, f.src.Downloads, "logs/c.txt")

	// the upload failure leaves its staging file behind
	exists, err := afero.Exists(f.fs, "/staging/b.txt")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRunDryRun(t *testing.T) {
	f := newFixture()
	f.src.Put("logs/a.txt", []byte("a"))
	f.src.Put("logs/b.txt", []byte("b"))
	f.dst.Put("archive/b.txt", []byte("b"))

	outcomes, summary := collect(t, f.mirror(t, Options{DryRun: true}))

	assert.Equal(t, models.StatusPlanned, outcomes["logs/a.txt"].Status)
	assert.Equal(t, models.SkipAlreadyExists, outcomes["logs/b.txt"].Reason)
	assert.Equal(t, int64(1), summary.Planned)
	assert.Empty(t, f.src.Downloads)
	assert.Empty(t, f.dst.Uploads)
	assert.Len(t, f.dst.Checks, 2)
}

func TestRunListingErrorIsFatal(t *testing.T) {
	f := newFixture()
	f.src.Put("logs/a.txt", []byte("a"))
	f.src.Put("logs/b.txt", []byte("b"))
	f.src.ListErr = errors.New("NoSuchBucket")
	f.src.ListErrAfter = 1

	var emitted []string
	summary, err := f.mirror(t, Options{}).Run(context.Background(), func(o models.TransferOutcome) {
		emitted = append(emitted, o.SourceKey)
	})

	require.Error(t, err)
	assert.ErrorContains(t, err, "NoSuchBucket")
	assert.Equal(t, []string{"logs/a.txt"}, emitted)
	require.NotNil(t, summary)
	assert.Equal(t, int64(1), summary.Transferred)
}

func TestRunParallelMatchesSequential(t *testing.T) {
	build := func() *fixture {
		f := newFixture()
		for i := 0; i < 40; i++ {
			// shared basenames across directories
			f.src.Put(fmt.Sprintf("logs/dir%d/file.txt", i), []byte(fmt.Sprintf("content-%d", i)))
		}
		f.src.Put("logs/zero.txt", nil)
		f.src.Put("other/x.txt", []byte("x"))
		f.dst.Put("archive/dir3/file.txt", []byte("content-3"))
		f.src.DownloadErr["logs/dir7/file.txt"] = errors.New("boom")
		return f
	}

	statuses := func(outcomes map[string]models.TransferOutcome) []string {
		var out []string
		for k, o := range outcomes {
			out = append(out, k+"="+string(o.Status)+"/"+string(o.Reason))
		}
		sort.Strings(out)
		return out
	}

	seq := build()
	seqOutcomes, seqSummary := collect(t, seq.mirror(t, Options{}))

	par := build()
	parOutcomes, parSummary := collect(t, par.mirror(t, Options{Workers: 8}))

	assert.Equal(t, statuses(seqOutcomes), statuses(parOutcomes))
	assert.Equal(t, seqSummary.Transferred, parSummary.Transferred)
	assert.Equal(t, seqSummary.Failed, parSummary.Failed)

	// every destination object carries its own content despite shared basenames
	for i := 0; i < 40; i++ {
		if i == 7 {
			continue
		}
		got, ok := par.dst.Get(fmt.Sprintf("archive/dir%d/file.txt", i))
		require.True(t, ok, i)
		assert.Equal(t, fmt.Sprintf("content-%d", i), string(got))
	}
}

func TestRunParallelListingError(t *testing.T) {
	f := newFixture()
	f.src.Put("logs/a.txt", []byte("a"))
	f.src.ListErr = errors.New("AccessDenied")

	summary, err := f.mirror(t, Options{Workers: 4}).Run(context.Background(), nil)

	assert.ErrorContains(t, err, "AccessDenied")
	assert.Zero(t, summary.Listed)
}

func TestRunCancelled(t *testing.T) {
	f := newFixture()
	f.src.Put("logs/a.txt", []byte("a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.mirror(t, Options{}).Run(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.dst.Uploads)
}
