package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"s3mirror/pkg/models"
	"s3mirror/pkg/policy"
	"s3mirror/pkg/pool"
	"s3mirror/pkg/progress"
	"s3mirror/pkg/storage"
	"s3mirror/pkg/transfer"
)

// Options tunes a mirror run
type Options struct {
	// Workers > 1 processes objects concurrently
	Workers int
	// DryRun evaluates the policy and existence checks without transferring
	DryRun bool
	// ListPrefix narrows the source listing server-side; "" lists the whole bucket
	ListPrefix string
}

// Mirror walks the source bucket and copies eligible objects to the destination
type Mirror struct {
	source   storage.Bucket
	dest     storage.Bucket
	policy   *policy.Policy
	pipeline *transfer.Pipeline
	opts     Options
	logger   logrus.FieldLogger
}

// NewMirror creates a mirror. When more than one worker is requested the
// pipeline is switched to namespaced staging files.
func NewMirror(source, dest storage.Bucket, p *policy.Policy, pipeline *transfer.Pipeline, opts Options, logger logrus.FieldLogger) *Mirror {
	if opts.Workers > 1 && !pipeline.Namespaced() {
		logger.Debug("Enabling namespaced staging files for parallel transfers")
		pipeline = pipeline.WithNamespace(true)
	}
	return &Mirror{
		source:   source,
		dest:     dest,
		policy:   p,
		pipeline: pipeline,
		opts:     opts,
		logger:   logger,
	}
}

// Run processes every object of the source listing and calls emit once per
// object, from a single goroutine, as outcomes become available. Per-object
// failures are reported through emit; only listing errors and context
// cancellation are returned. The summary is returned in every case.
func (m *Mirror) Run(ctx context.Context, emit func(models.TransferOutcome)) (*models.RunSummary, error) {
	runID := uuid.New().String()
	log := m.logger.WithFields(logrus.Fields{
		"run_id":      runID,
		"source":      m.source.Name(),
		"destination": m.dest.Name(),
	})
	tracker := progress.NewTracker(runID)

	record := func(o models.TransferOutcome) {
		tracker.Record(o)
		if emit != nil {
			emit(o)
		}
	}

	log.Infof("Starting mirror %q -> %q", m.policy.Mapping.SourcePrefix, m.policy.Mapping.DestPrefix)

	var err error
	if m.opts.Workers > 1 {
		err = m.runParallel(ctx, log, record)
	} else {
		err = m.runSequential(ctx, log, record)
	}

	summary := tracker.Summary()
	log.WithField("duration", summary.Duration()).Info(tracker.FormatProgress())
	return summary, err
}

func (m *Mirror) runSequential(ctx context.Context, log logrus.FieldLogger, record func(models.TransferOutcome)) error {
	it := m.source.List(ctx, m.opts.ListPrefix)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		obj, err := it.Next()
		if errors.Is(err, storage.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", m.source.Name(), err)
		}
		record(m.process(ctx, log, obj))
	}
}

func (m *Mirror) runParallel(ctx context.Context, log logrus.FieldLogger, record func(models.TransferOutcome)) error {
	wp := pool.NewWorkerPool(ctx, m.opts.Workers)
	listErr := make(chan error, 1)

	go func() {
		var err error
		// objects already queued are still processed when the listing fails
		defer func() {
			wp.Stop()
			listErr <- err
		}()

		it := m.source.List(ctx, m.opts.ListPrefix)
		for {
			if err = ctx.Err(); err != nil {
				return
			}
			var obj models.ObjectSummary
			obj, err = it.Next()
			if errors.Is(err, storage.Done) {
				err = nil
				return
			}
			if err != nil {
				err = fmt.Errorf("failed to list %s: %w", m.source.Name(), err)
				return
			}
			if !wp.Submit(func(ctx context.Context) models.TransferOutcome {
				return m.process(ctx, log, obj)
			}) {
				err = ctx.Err()
				return
			}
		}
	}()

	for outcome := range wp.Results() {
		record(outcome)
	}

	stats := wp.Stats()
	log.WithFields(logrus.Fields{
		"workers": stats.TotalWorkers,
		"tasks":   stats.TotalTasks,
		"failed":  stats.FailedTasks,
	}).Debug("Worker pool drained")
	return <-listErr
}

// process decides and, when needed, transfers a single object
func (m *Mirror) process(ctx context.Context, log logrus.FieldLogger, obj models.ObjectSummary) models.TransferOutcome {
	log = log.WithField("key", obj.Key)

	d, done := m.policy.Precheck(obj)
	if done {
		switch d.Reason {
		case models.SkipBlank:
			log.Info("Skipping blank file")
		case models.SkipPrefixMismatch:
			log.Infof("Skipping because it does not match prefix %s", m.policy.Mapping.SourcePrefix)
		}
		return models.Skipped(obj, d.DestKey, d.Reason)
	}

	exists, err := m.dest.Exists(ctx, d.DestKey)
	if err != nil {
		log.WithError(err).Warnf("Failed to check %s", d.DestKey)
		return models.TransferOutcome{
			SourceKey: obj.Key,
			DestKey:   d.DestKey,
			Size:      obj.Size,
			Status:    models.StatusCheckFailed,
			Err:       fmt.Errorf("failed to check %s/%s: %w", m.dest.Name(), d.DestKey, err),
		}
	}

	d = m.policy.Decide(obj, exists)
	if !d.Proceed {
		log.Infof("Skipping because %s already exists", d.DestKey)
		return models.Skipped(obj, d.DestKey, d.Reason)
	}

	if m.opts.DryRun {
		log.Infof("Would transfer to %s", d.DestKey)
		return models.TransferOutcome{
			SourceKey: obj.Key,
			DestKey:   d.DestKey,
			Size:      obj.Size,
			Status:    models.StatusPlanned,
		}
	}

	return m.pipeline.Transfer(ctx, obj, d.DestKey, m.source, m.dest)
}
