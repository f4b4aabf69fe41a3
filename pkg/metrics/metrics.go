// Package metrics exposes mirror run counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"s3mirror/pkg/models"
)

// Recorder tracks per-object outcomes and per-run totals
type Recorder struct {
	gatherer prometheus.Gatherer

	objectsTotal          *prometheus.CounterVec
	transferredBytesTotal prometheus.Counter
	runsTotal             *prometheus.CounterVec
	runDuration           prometheus.Histogram
	lastRunTimestamp      prometheus.Gauge
	lastRunFailed         prometheus.Gauge
}

// NewRecorder registers the mirror metrics, plus the Go runtime and process
// collectors, on a fresh registry
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newRecorder(reg, reg)
}

func newRecorder(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Recorder {
	factory := promauto.With(registerer)

	return &Recorder{
		gatherer: gatherer,
		objectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "s3mirror_objects_total",
			Help: "Objects processed, by outcome status and skip reason",
		}, []string{"status", "reason"}),
		transferredBytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "s3mirror_transferred_bytes_total",
			Help: "Bytes uploaded to the destination bucket",
		}),
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "s3mirror_runs_total",
			Help: "Mirror runs, by result",
		}, []string{"result"}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "s3mirror_run_duration_seconds",
			Help:    "Wall time of a mirror run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		}),
		lastRunTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "s3mirror_last_run_timestamp_seconds",
			Help: "Unix time the last mirror run finished",
		}),
		lastRunFailed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "s3mirror_last_run_failed_objects",
			Help: "Objects that failed in the last mirror run",
		}),
	}
}

// Observe records a single object outcome
func (r *Recorder) Observe(o models.TransferOutcome) {
	r.objectsTotal.WithLabelValues(string(o.Status), string(o.Reason)).Inc()
	if o.Status == models.StatusTransferred {
		r.transferredBytesTotal.Add(float64(o.Size))
	}
}

// ObserveRun records the totals of a finished run. summary may be nil when
// the run aborted before listing.
func (r *Recorder) ObserveRun(summary *models.RunSummary, runErr error) {
	result := "success"
	switch {
	case runErr != nil:
		result = "error"
	case summary != nil && summary.Failed > 0:
		result = "partial"
	}
	r.runsTotal.WithLabelValues(result).Inc()

	if summary == nil {
		return
	}
	r.runDuration.Observe(summary.Duration().Seconds())
	r.lastRunTimestamp.Set(float64(summary.Finished.Unix()))
	r.lastRunFailed.Set(float64(summary.Failed))
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
