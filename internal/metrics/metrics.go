// Package metrics provides Prometheus metrics for the ratings pipeline.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Clark-Hu/ratings-pipeline/internal/domain"
)

// Pipeline holds every pipeline metric. A nil *Pipeline is valid and records
// nothing, so components can run without a registry.
type Pipeline struct {
	BatchesTotal      *prometheus.CounterVec   // Batches by terminal status
	RecordsTotal      *prometheus.CounterVec   // Validated records by verdict
	RuleFailuresTotal *prometheus.CounterVec   // Failures by rule identifier
	RowsLoadedTotal   *prometheus.CounterVec   // Durable inserts by result
	RefreshTotal      *prometheus.CounterVec   // Aggregate refreshes by result
	RefreshDuration   prometheus.Histogram     // Recompute latency
	SnapshotRows      prometheus.Gauge         // Rows in the live snapshot
	NotifyTotal       *prometheus.CounterVec   // Notifier deliveries by notifier and result
	StageDuration     *prometheus.HistogramVec // Per-stage latency
}

// New creates and registers the pipeline metrics.
func New(reg prometheus.Registerer) (*Pipeline, error) {
	m := &Pipeline{
		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratings_batches_total",
			Help: "Processed input batches by terminal status",
		}, []string{"status"}),
		RecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratings_records_total",
			Help: "Validated records by verdict (accepted, rejected)",
		}, []string{"verdict"}),
		RuleFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratings_rule_failures_total",
			Help: "Records failing each data-quality rule",
		}, []string{"rule"}),
		RowsLoadedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratings_rows_loaded_total",
			Help: "Accepted records written to the durable table by result (inserted, failed)",
		}, []string{"result"}),
		RefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratings_aggregate_refresh_total",
			Help: "Aggregate snapshot recomputes by result",
		}, []string{"result"}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratings_aggregate_refresh_duration_seconds",
			Help:    "Time taken to recompute the aggregate snapshot",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		SnapshotRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratings_aggregate_snapshot_rows",
			Help: "Rows in the currently visible aggregate snapshot",
		}),
		NotifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratings_notifications_total",
			Help: "Outcome notifications by notifier and result",
		}, []string{"notifier", "result"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ratings_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
	}

	for _, c := range []prometheus.Collector{
		m.BatchesTotal, m.RecordsTotal, m.RuleFailuresTotal, m.RowsLoadedTotal,
		m.RefreshTotal, m.RefreshDuration, m.SnapshotRows, m.NotifyTotal, m.StageDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register pipeline metrics: %w", err)
		}
	}
	return m, nil
}

// ObserveSummary records the verdict counts of one routed batch.
func (m *Pipeline) ObserveSummary(s domain.RuleOutcomeSummary) {
	if m == nil {
		return
	}
	m.RecordsTotal.WithLabelValues("accepted").Add(float64(s.Accepted))
	m.RecordsTotal.WithLabelValues("rejected").Add(float64(s.Rejected))
	for id, counts := range s.Rules {
		if counts.Failed > 0 {
			m.RuleFailuresTotal.WithLabelValues(string(id)).Add(float64(counts.Failed))
		}
	}
}

// ObserveLoad records durable insert results.
func (m *Pipeline) ObserveLoad(inserted, failed int) {
	if m == nil {
		return
	}
	m.RowsLoadedTotal.WithLabelValues("inserted").Add(float64(inserted))
	m.RowsLoadedTotal.WithLabelValues("failed").Add(float64(failed))
}

// ObserveRefresh records one aggregate recompute.
func (m *Pipeline) ObserveRefresh(d time.Duration, rows int, err error) {
	if m == nil {
		return
	}
	m.RefreshDuration.Observe(d.Seconds())
	if err != nil {
		m.RefreshTotal.WithLabelValues("error").Inc()
		return
	}
	m.RefreshTotal.WithLabelValues("success").Inc()
	m.SnapshotRows.Set(float64(rows))
}

// ObserveOutcome records the terminal status of a batch.
func (m *Pipeline) ObserveOutcome(o domain.PipelineOutcome) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(string(o.Status)).Inc()
}

// ObserveStage records how long a pipeline stage took.
func (m *Pipeline) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveNotify records one notifier delivery.
func (m *Pipeline) ObserveNotify(notifier string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.NotifyTotal.WithLabelValues(notifier, result).Inc()
}
