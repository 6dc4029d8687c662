// Package metrics exposes Prometheus collectors for ledger operations, job transitions and HTTP traffic.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/creditgen/pkg/jobs"
	"github.com/MarkoPoloResearchLab/creditgen/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace      = "creditgen"
	unmatchedRoute = "unmatched"
)

// Recorder owns a private registry so several instances can coexist in tests.
type Recorder struct {
	registry *prometheus.Registry

	ledgerOperations *prometheus.CounterVec
	ledgerCredits    *prometheus.CounterVec
	jobTransitions   *prometheus.CounterVec
	jobIncidents     *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	httpInFlight     prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// NewRecorder registers every collector, including the process and Go runtime collectors.
func NewRecorder() *Recorder {
	recorder := &Recorder{
		registry: prometheus.NewRegistry(),
		ledgerOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger operations by outcome.",
			},
			[]string{"operation", "status"},
		),
		ledgerCredits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "credits_total",
				Help:      "Credits moved by successful ledger operations.",
			},
			[]string{"operation"},
		),
		jobTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "transitions_total",
				Help:      "Job status transitions.",
			},
			[]string{"kind", "status", "code"},
		),
		jobIncidents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "incidents_total",
				Help:      "Errors observed while driving a job that did not change its status.",
			},
			[]string{"kind", "status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "duration_seconds",
				Help:      "Time from job creation to its terminal status.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"kind", "status"},
		),
		httpInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "inflight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
			},
			[]string{"method", "route"},
		),
	}
	recorder.registry.MustRegister(
		recorder.ledgerOperations,
		recorder.ledgerCredits,
		recorder.jobTransitions,
		recorder.jobIncidents,
		recorder.jobDuration,
		recorder.httpInFlight,
		recorder.httpRequests,
		recorder.httpDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return recorder
}

// Registry exposes the underlying registry.
func (recorder *Recorder) Registry() *prometheus.Registry {
	return recorder.registry
}

// Handler serves the registry in the Prometheus text format.
func (recorder *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(recorder.registry, promhttp.HandlerOpts{})
}

// TrackRunningJobs exports running() as a gauge sampled at scrape time.
func (recorder *Recorder) TrackRunningJobs(running func() int) {
	recorder.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "running",
			Help:      "Jobs currently driven by this process.",
		},
		func() float64 { return float64(running()) },
	))
}

// LogOperation implements ledger.OperationLogger.
func (recorder *Recorder) LogOperation(_ context.Context, entry ledger.OperationLog) {
	recorder.ledgerOperations.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Error == nil && entry.Amount != 0 {
		amount := entry.Amount.Int64()
		if amount < 0 {
			amount = -amount
		}
		recorder.ledgerCredits.WithLabelValues(entry.Operation).Add(float64(amount))
	}
}

// LogTransition implements jobs.EventLogger.
func (recorder *Recorder) LogTransition(_ context.Context, transition jobs.Transition) {
	kind := transition.Kind.String()
	status := transition.To.String()
	if transition.From == transition.To {
		recorder.jobIncidents.WithLabelValues(kind, status).Inc()
		return
	}
	recorder.jobTransitions.WithLabelValues(kind, status, string(transition.Code)).Inc()
	if transition.To.IsTerminal() && transition.Elapsed > 0 {
		recorder.jobDuration.WithLabelValues(kind, status).Observe(transition.Elapsed.Seconds())
	}
}

// GinMiddleware records request counts and latency keyed by the matched route template.
func (recorder *Recorder) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		recorder.httpInFlight.Inc()
		defer recorder.httpInFlight.Dec()

		ctx.Next()

		route := ctx.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		method := ctx.Request.Method
		recorder.httpRequests.WithLabelValues(method, route, strconv.Itoa(ctx.Writer.Status())).Inc()
		recorder.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
