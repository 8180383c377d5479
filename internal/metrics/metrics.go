// Package metrics exports Prometheus instruments for gateway calls, change
// event reconciliation and the HTTP surface.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rpggio/chairside/internal/domain/record"
	"github.com/rpggio/chairside/internal/gateway"
)

const namespace = "chairside"

// Recorder publishes store and transport metrics. A nil *Recorder is valid
// and records nothing.
type Recorder struct {
	gatherer prometheus.Gatherer

	calls     *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	events    *prometheus.CounterVec
	snapshots *prometheus.GaugeVec
	requests  *prometheus.CounterVec
}

// NewRecorder registers the chairside collectors on a fresh registry that
// also carries the Go runtime and process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewRecorderWith(reg, reg)
}

// NewRecorderWith registers collectors on reg and serves them from g.
func NewRecorderWith(reg prometheus.Registerer, g prometheus.Gatherer) *Recorder {
	r := &Recorder{
		gatherer: g,
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Gateway calls issued by synchronized stores.",
		}, []string{"collection", "op", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_seconds",
			Help:      "Gateway call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"collection", "op"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_events_total",
			Help:      "Change events received, by reconciliation outcome.",
		}, []string{"collection", "kind", "outcome"}),
		snapshots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_records",
			Help:      "Records currently held by a synchronized store.",
		}, []string{"collection"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route pattern.",
		}, []string{"route", "method", "code"}),
	}
	reg.MustRegister(r.calls, r.latency, r.events, r.snapshots, r.requests)
	return r
}

// ObserveCall records one gateway call.
func (r *Recorder) ObserveCall(collection, op string, err error, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.calls.WithLabelValues(collection, op, resultLabel(err)).Inc()
	r.latency.WithLabelValues(collection, op).Observe(elapsed.Seconds())
}

// ObserveEvent records a change event and whether it altered the snapshot.
func (r *Recorder) ObserveEvent(collection string, kind record.EventKind, applied bool) {
	if r == nil {
		return
	}
	outcome := "ignored"
	if applied {
		outcome = "applied"
	}
	r.events.WithLabelValues(collection, string(kind), outcome).Inc()
}

// SetSnapshotSize records the current snapshot length.
func (r *Recorder) SetSnapshotSize(collection string, n int) {
	if r == nil {
		return
	}
	r.snapshots.WithLabelValues(collection).Set(float64(n))
}

// ObserveRequest records one served HTTP request.
func (r *Recorder) ObserveRequest(route, method string, status int) {
	if r == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	r.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, gateway.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
