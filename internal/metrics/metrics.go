// Package metrics holds the prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so several servers (and tests) can coexist
// in one process.
type Metrics struct {
	Registry *prometheus.Registry

	RequestCount        *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	Decisions           *prometheus.CounterVec
	DriftScore          prometheus.Histogram
	AuditAppends        prometheus.Counter
	AuditChainValid     prometheus.Gauge
	AuditVerifyFailures prometheus.Counter
	GDPRRequests        *prometheus.CounterVec
	InnovationResults   *prometheus.CounterVec
	EngineRejections    prometheus.Counter
	SchedulerRuns       *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RequestCount: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "guardian_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_decisions_total",
			Help: "Guardian decisions by verdict",
		}, []string{"verdict"}),
		DriftScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "guardian_drift_score",
			Help:    "Drift score of evaluated inputs",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		AuditAppends: f.NewCounter(prometheus.CounterOpts{
			Name: "guardian_audit_appends_total",
			Help: "Events appended to the audit trail",
		}),
		AuditChainValid: f.NewGauge(prometheus.GaugeOpts{
			Name: "guardian_audit_chain_valid",
			Help: "1 when the last audit chain verification succeeded",
		}),
		AuditVerifyFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "guardian_audit_verify_failures_total",
			Help: "Audit chain verifications that found a broken chain",
		}),
		GDPRRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_gdpr_requests_total",
			Help: "Data subject requests by operation",
		}, []string{"operation"}),
		InnovationResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_innovation_results_total",
			Help: "Innovation evaluations by status",
		}, []string{"status"}),
		EngineRejections: f.NewCounter(prometheus.CounterOpts{
			Name: "guardian_engine_queue_rejections_total",
			Help: "Observations dropped because the engine queue was full",
		}),
		SchedulerRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_scheduler_runs_total",
			Help: "Scheduled job runs by job and result",
		}, []string{"job", "result"}),
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
