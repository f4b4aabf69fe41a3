package progress

import (
	"fmt"
	"sync"
	"time"

	"s3mirror/pkg/models"
)

// Tracker tracks mirror progress as outcomes arrive
type Tracker struct {
	mu             sync.RWMutex
	summary        models.RunSummary
	lastUpdateTime time.Time
	transferSpeeds []float64
}

// NewTracker creates a new progress tracker for run runID
func NewTracker(runID string) *Tracker {
	now := time.Now()
	return &Tracker{
		summary: models.RunSummary{
			RunID:   runID,
			Started: now,
			Skipped: make(map[models.SkipReason]int64),
		},
		lastUpdateTime: now,
		transferSpeeds: make([]float64, 0, 10),
	}
}

// Record accounts for one outcome
func (t *Tracker) Record(o models.TransferOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.summary.Listed++

	switch {
	case o.Status == models.StatusTransferred:
		t.summary.Transferred++
		t.summary.BytesTransferred += o.Size

		elapsed := now.Sub(t.lastUpdateTime).Seconds()
		if elapsed > 0 && o.Size > 0 {
			t.transferSpeeds = append(t.transferSpeeds, float64(o.Size)/elapsed)
			if len(t.transferSpeeds) > 10 {
				t.transferSpeeds = t.transferSpeeds[1:]
			}
		}
	case o.Status == models.StatusPlanned:
		t.summary.Planned++
	case o.Status == models.StatusSkipped:
		t.summary.Skipped[o.Reason]++
	case o.Failed():
		t.summary.Failed++
		t.summary.FailedKeys = append(t.summary.FailedKeys, o.SourceKey)
	}
	t.lastUpdateTime = now
}

// Summary returns a snapshot of the run summary, stamped with the current time
func (t *Tracker) Summary() *models.RunSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.summary
	s.Finished = time.Now()
	s.Skipped = make(map[models.SkipReason]int64, len(t.summary.Skipped))
	for k, v := range t.summary.Skipped {
		s.Skipped[k] = v
	}
	s.FailedKeys = append([]string(nil), t.summary.FailedKeys...)
	return &s
}

// SpeedMB returns the moving average transfer speed in MB/s
func (t *Tracker) SpeedMB() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.transferSpeeds) == 0 {
		return 0
	}
	var sum float64
	for _, speed := range t.transferSpeeds {
		sum += speed
	}
	return sum / float64(len(t.transferSpeeds)) / (1024 * 1024)
}

// FormatProgress formats current progress as a single line
func (t *Tracker) FormatProgress() string {
	s := t.Summary()
	return fmt.Sprintf(
		"Processed: %d | Transferred: %d (%.1f MB) | Skipped: %d | Failed: %d | Speed: %.1f MB/s | Elapsed: %s",
		s.Listed,
		s.Transferred,
		float64(s.BytesTransferred)/(1024*1024),
		s.TotalSkipped(),
		s.Failed,
		t.SpeedMB(),
		s.Duration().Round(time.Millisecond),
	)
}
