package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"s3mirror/pkg/config"
	"s3mirror/pkg/core"
	"s3mirror/pkg/metrics"
	"s3mirror/pkg/models"
	"s3mirror/pkg/scheduler"
	"s3mirror/pkg/storage"
	"s3mirror/pkg/storage/gcsstore"
	"s3mirror/pkg/storage/s3store"
	"s3mirror/pkg/transfer"
)

// errObjectsFailed makes the process exit non-zero after a partial run
var errObjectsFailed = errors.New("some objects failed to transfer")

type app struct {
	cfg      *config.Config
	logger   logrus.FieldLogger
	out      io.Writer
	fs       afero.Fs
	recorder *metrics.Recorder

	// openBucket is replaced in tests
	openBucket func(ctx context.Context, ep config.Endpoint) (storage.Bucket, func() error, error)
}

func (a *app) run(ctx context.Context) error {
	if a.fs == nil {
		a.fs = afero.NewOsFs()
	}
	if a.openBucket == nil {
		a.openBucket = a.openStoreBucket
	}
	if a.recorder == nil {
		a.recorder = metrics.NewRecorder()
	}

	source, closeSource, err := a.openBucket(ctx, a.cfg.Source)
	if err != nil {
		return fmt.Errorf("failed to open source bucket: %w", err)
	}
	defer closeSource()

	dest, closeDest, err := a.openBucket(ctx, a.cfg.Dest)
	if err != nil {
		return fmt.Errorf("failed to open destination bucket: %w", err)
	}
	defer closeDest()

	mirror, err := a.newMirror(source, dest)
	if err != nil {
		return err
	}

	if a.cfg.MetricsAddr != "" {
		srv := a.serveMetrics()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if a.cfg.Schedule == "" {
		return a.runOnce(ctx, mirror)
	}
	return a.runScheduled(ctx, mirror)
}

func (a *app) newMirror(source, dest storage.Bucket) (*core.Mirror, error) {
	p, err := a.cfg.Policy()
	if err != nil {
		return nil, err
	}
	pipeline := transfer.NewPipeline(a.fs, transfer.Config{
		StagingDir: a.cfg.StagingDir,
		Namespace:  a.cfg.NamespaceStaging,
	}, a.logger)

	return core.NewMirror(source, dest, p, pipeline, core.Options{
		Workers:    a.cfg.Workers,
		DryRun:     a.cfg.DryRun,
		ListPrefix: a.cfg.ListPrefix(),
	}, a.logger), nil
}

// runOnce performs one mirror run and prints its summary
func (a *app) runOnce(ctx context.Context, mirror *core.Mirror) error {
	summary, err := mirror.Run(ctx, a.recorder.Observe)
	a.recorder.ObserveRun(summary, err)
	if summary != nil {
		printSummary(a.out, summary, a.cfg.DryRun)
	}
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d objects: %w", summary.Failed, summary.Listed, errObjectsFailed)
	}
	return nil
}

// runScheduled mirrors immediately, then on every tick of the cron schedule
// until ctx is cancelled
func (a *app) runScheduled(ctx context.Context, mirror *core.Mirror) error {
	sched := scheduler.NewScheduler(scheduler.ExecutorFunc(func(ctx context.Context, _ *scheduler.Schedule) error {
		return a.runOnce(ctx, mirror)
	}), a.logger)

	if err := sched.AddSchedule(&scheduler.Schedule{
		ID:       "mirror",
		Name:     fmt.Sprintf("%s/%s -> %s/%s", a.cfg.Source.Bucket, a.cfg.SourcePrefix, a.cfg.Dest.Bucket, a.cfg.DestPrefix),
		CronExpr: a.cfg.Schedule,
	}); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	if err := sched.RunNow("mirror"); err != nil && !errors.Is(err, scheduler.ErrAlreadyRunning) {
		a.logger.WithError(err).Error("Initial mirror run failed")
	}

	if schedule, err := sched.GetSchedule("mirror"); err == nil {
		a.logger.WithFields(logrus.Fields{
			"next_run":   schedule.NextRun,
			"last_error": schedule.LastError,
		}).Info("Waiting for next scheduled run")
	}

	<-ctx.Done()
	if err := sched.Stop(); err != nil {
		return err
	}

	stats := sched.GetStats()
	a.logger.WithFields(logrus.Fields{
		"runs":     stats.TotalRuns,
		"failures": stats.TotalFailures,
	}).Info("Scheduler stopped")
	return nil
}

func (a *app) serveMetrics() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.recorder.Handler())
	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.logger.Infof("Serving metrics on %s/metrics", a.cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("Metrics server failed")
		}
	}()
	return srv
}

// openStoreBucket connects to the store configured for one side of the mirror
func (a *app) openStoreBucket(ctx context.Context, ep config.Endpoint) (storage.Bucket, func() error, error) {
	switch storage.Provider(ep.Provider) {
	case storage.ProviderS3:
		client, err := s3store.NewClient(ctx, s3store.ClientConfigFromEndpoint(ep), a.logger)
		if err != nil {
			return nil, nil, err
		}
		return s3store.NewBucket(client, ep.Bucket, s3store.Options{}), func() error { return nil }, nil
	case storage.ProviderGCS:
		client, err := gcsstore.NewClient(ctx, gcsstore.ClientConfig{
			CredentialsFile: ep.CredentialsFile,
			ProjectID:       ep.ProjectID,
			EndpointURL:     ep.EndpointURL,
		}, a.logger)
		if err != nil {
			return nil, nil, err
		}
		return gcsstore.NewBucket(client, ep.Bucket), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported provider %q", ep.Provider)
	}
}

func printSummary(w io.Writer, s *models.RunSummary, dryRun bool) {
	fmt.Fprintf(w, "Run %s finished in %s\n", s.RunID, s.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "  listed:      %d\n", s.Listed)
	if dryRun {
		fmt.Fprintf(w, "  planned:     %d\n", s.Planned)
	} else {
		fmt.Fprintf(w, "  transferred: %d (%d bytes)\n", s.Transferred, s.BytesTransferred)
	}

	reasons := make([]string, 0, len(s.Skipped))
	for reason := range s.Skipped {
		reasons = append(reasons, string(reason))
	}
	sort.Strings(reasons)
	fmt.Fprintf(w, "  skipped:     %d\n", s.TotalSkipped())
	for _, reason := range reasons {
		fmt.Fprintf(w, "    %-16s %d\n", reason+":", s.Skipped[models.SkipReason(reason)])
	}

	fmt.Fprintf(w, "  failed:      %d\n", s.Failed)
	for _, key := range s.FailedKeys {
		fmt.Fprintf(w, "    %s\n", key)
	}
}
