package models

import "time"

// ObjectSummary describes one object reported by a bucket listing
type ObjectSummary struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// PrefixMapping translates the source key namespace into the destination one
type PrefixMapping struct {
	SourcePrefix string `json:"source_prefix"`
	DestPrefix   string `json:"dest_prefix"`
}

// Status is the terminal state of one processed object
type Status string

const (
	StatusSkipped        Status = "skipped"
	StatusTransferred    Status = "transferred"
	StatusDownloadFailed Status = "download-failed"
	StatusUploadFailed   Status = "upload-failed"
	// StatusCheckFailed means the destination existence check itself errored
	StatusCheckFailed Status = "check-failed"
	// StatusPlanned is reported instead of a transfer during dry runs
	StatusPlanned Status = "planned"
)

// SkipReason explains a StatusSkipped outcome
type SkipReason string

const (
	SkipBlank          SkipReason = "blank"
	SkipPrefixMismatch SkipReason = "prefix-mismatch"
	SkipAlreadyExists  SkipReason = "already-exists"
)

// TransferOutcome is produced exactly once per listed object
type TransferOutcome struct {
	SourceKey string     `json:"source_key"`
	DestKey   string     `json:"dest_key,omitempty"`
	Size      int64      `json:"size"`
	Status    Status     `json:"status"`
	Reason    SkipReason `json:"reason,omitempty"`
	Err       error      `json:"-"`
}

// Failed reports whether the object needs a manual or scheduled re-run
func (o TransferOutcome) Failed() bool {
	switch o.Status {
	case StatusDownloadFailed, StatusUploadFailed, StatusCheckFailed:
		return true
	}
	return false
}

// Skipped returns a skip outcome for key
func Skipped(obj ObjectSummary, destKey string, reason SkipReason) TransferOutcome {
	return TransferOutcome{
		SourceKey: obj.Key,
		DestKey:   destKey,
		Size:      obj.Size,
		Status:    StatusSkipped,
		Reason:    reason,
	}
}

// RunSummary aggregates the outcomes of one mirror run
type RunSummary struct {
	RunID            string               `json:"run_id"`
	Started          time.Time            `json:"started"`
	Finished         time.Time            `json:"finished"`
	Listed           int64                `json:"listed"`
	Transferred      int64                `json:"transferred"`
	Planned          int64                `json:"planned"`
	Skipped          map[SkipReason]int64 `json:"skipped"`
	Failed           int64                `json:"failed"`
	BytesTransferred int64                `json:"bytes_transferred"`
	FailedKeys       []string             `json:"failed_keys,omitempty"`
}

// TotalSkipped sums skips across all reasons
func (s *RunSummary) TotalSkipped() int64 {
	var n int64
	for _, c := range s.Skipped {
		n += c
	}
	return n
}

// Duration returns the wall time of the run
func (s *RunSummary) Duration() time.Duration {
	return s.Finished.Sub(s.Started)
}
