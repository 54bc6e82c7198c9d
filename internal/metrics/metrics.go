// Package metrics exposes ledger activity as Prometheus metrics. Recorder
// implements audit.Observer, so the writer, verifier, exporter and
// retention engine report into it directly.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/factoryos/auditledger/internal/audit"
)

const namespace = "auditledger"

// Recorder holds the ledger's metrics in its own registry.
type Recorder struct {
	registry *prometheus.Registry

	appended       *prometheus.CounterVec
	appendFailures *prometheus.CounterVec
	appendLatency  prometheus.Histogram
	chainHead      prometheus.Gauge

	verifications     *prometheus.CounterVec
	integrityFailures prometheus.Counter
	lastVerified      prometheus.Gauge
	lastVerifiedAt    prometheus.Gauge

	retentionRuns     *prometheus.CounterVec
	retentionPurged   *prometheus.CounterVec
	retentionArchived *prometheus.CounterVec

	exports         *prometheus.CounterVec
	exportedEntries *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates a Recorder with Go runtime and process collectors
// registered alongside the ledger metrics.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		appended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_appended_total",
			Help:      "Entries committed to the ledger.",
		}, []string{"category", "severity"}),
		appendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "append_failures_total",
			Help:      "Appends that committed nothing, by error class.",
		}, []string{"class"}),
		appendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "append_duration_seconds",
			Help:      "Time spent sealing and committing an entry.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		chainHead: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_head_sequence",
			Help:      "Sequence of the most recently committed entry.",
		}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Completed verification runs by outcome.",
		}, []string{"result"}),
		integrityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_failures_total",
			Help:      "Chain breaks and hash mismatches found by verification.",
		}),
		lastVerified: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_verified_sequence",
			Help:      "Highest sequence covered by the last verification run.",
		}),
		lastVerifiedAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_verification_timestamp_seconds",
			Help:      "Unix time the last verification run completed.",
		}),
		retentionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_runs_total",
			Help:      "Retention runs by mode and outcome.",
		}, []string{"mode", "result"}),
		retentionPurged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_purged_total",
			Help:      "Entries purged by retention, by policy.",
		}, []string{"policy"}),
		retentionArchived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_archived_total",
			Help:      "Entries archived before purge, by policy.",
		}, []string{"policy"}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Completed compliance exports by format.",
		}, []string{"format"}),
		exportedEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exported_entries_total",
			Help:      "Entries written to compliance exports by format.",
		}, []string{"format"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.appended, r.appendFailures, r.appendLatency, r.chainHead,
		r.verifications, r.integrityFailures, r.lastVerified, r.lastVerifiedAt,
		r.retentionRuns, r.retentionPurged, r.retentionArchived,
		r.exports, r.exportedEntries,
		r.httpRequests, r.httpDuration,
	)
	return r
}

// Registry is the registry the metrics live in.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) EntryAppended(e *audit.Entry, took time.Duration) {
	r.appended.WithLabelValues(string(e.Category), string(e.Severity)).Inc()
	r.appendLatency.Observe(took.Seconds())
	r.chainHead.Set(float64(e.Sequence))
}

func (r *Recorder) AppendFailed(err error) {
	r.appendFailures.WithLabelValues(audit.Classify(err).String()).Inc()
}

func (r *Recorder) VerificationCompleted(report *audit.IntegrityReport) {
	result := "valid"
	if !report.Valid {
		result = "invalid"
	}
	r.verifications.WithLabelValues(result).Inc()
	r.integrityFailures.Add(float64(report.FailureCount))
	if report.To > 0 {
		r.lastVerified.Set(float64(report.To))
	}
	r.lastVerifiedAt.SetToCurrentTime()
}

func (r *Recorder) RetentionApplied(res *audit.RetentionResult) {
	mode := "apply"
	if res.DryRun {
		mode = "dry_run"
	}
	result := "ok"
	if res.Error != "" {
		result = "error"
	}
	r.retentionRuns.WithLabelValues(mode, result).Inc()
	if res.DryRun {
		return
	}
	for _, o := range res.Policies {
		r.retentionPurged.WithLabelValues(o.Policy).Add(float64(o.Purged))
		r.retentionArchived.WithLabelValues(o.Policy).Add(float64(o.Archived))
	}
}

func (r *Recorder) ExportCompleted(format audit.Format, entries int) {
	r.exports.WithLabelValues(string(format)).Inc()
	r.exportedEntries.WithLabelValues(string(format)).Add(float64(entries))
}

// ObserveHTTP records one API request. route is the matched pattern, not
// the raw path, to keep label cardinality bounded.
func (r *Recorder) ObserveHTTP(method, route string, status int, took time.Duration) {
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

var _ audit.Observer = (*Recorder)(nil)
