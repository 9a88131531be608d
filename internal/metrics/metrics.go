// Package metrics provides Prometheus instrumentation for the bot.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the bot's Prometheus collectors. A nil *Recorder is valid
// and records nothing.
type Recorder struct {
	gatherer prometheus.Gatherer

	eventsTotal   *prometheus.CounterVec
	droppedTotal  *prometheus.CounterVec
	jobsTotal     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	sendsTotal    *prometheus.CounterVec
	assistantReqs *prometheus.CounterVec
	assistantDur  *prometheus.HistogramVec
	activeFlows   prometheus.Gauge
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		gatherer: reg,
		eventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secretary_events_total",
				Help: "Inbound chat events by platform, content kind and routing outcome",
			},
			[]string{"platform", "kind", "outcome"},
		),
		droppedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secretary_dropped_total",
				Help: "Inbound events dropped because a job was in progress",
			},
			[]string{"kind"},
		),
		jobsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secretary_jobs_total",
				Help: "Generation jobs by job kind and status",
			},
			[]string{"job", "status"},
		),
		jobDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "secretary_job_duration_seconds",
				Help:    "Wall time of generation jobs",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"job"},
		),
		sendsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secretary_sends_total",
				Help: "Outbound messages by type and status",
			},
			[]string{"type", "status"},
		),
		assistantReqs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secretary_assistant_requests_total",
				Help: "AI fallback requests by provider and status",
			},
			[]string{"provider", "status"},
		),
		assistantDur: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "secretary_assistant_request_duration_seconds",
				Help:    "Latency of AI fallback requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		activeFlows: f.NewGauge(prometheus.GaugeOpts{
			Name: "secretary_active_flows",
			Help: "Flow states seen by the last maintenance sweep",
		}),
	}
}

// Event counts one routed inbound event.
func (r *Recorder) Event(platform, kind, outcome string) {
	if r == nil {
		return
	}
	r.eventsTotal.WithLabelValues(platform, kind, outcome).Inc()
}

// Dropped counts an event discarded by the processing guard.
func (r *Recorder) Dropped(kind string) {
	if r == nil {
		return
	}
	r.droppedTotal.WithLabelValues(kind).Inc()
}

// Job records a finished generation job.
func (r *Recorder) Job(job string, success bool, d time.Duration) {
	if r == nil {
		return
	}
	r.jobsTotal.WithLabelValues(job, status(success)).Inc()
	r.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// Send records an outbound text or file delivery.
func (r *Recorder) Send(typ string, success bool) {
	if r == nil {
		return
	}
	r.sendsTotal.WithLabelValues(typ, status(success)).Inc()
}

// Assistant records one AI round trip.
func (r *Recorder) Assistant(provider string, success bool, d time.Duration) {
	if r == nil {
		return
	}
	r.assistantReqs.WithLabelValues(provider, status(success)).Inc()
	r.assistantDur.WithLabelValues(provider).Observe(d.Seconds())
}

// ActiveFlows sets the active flow gauge.
func (r *Recorder) ActiveFlows(n int) {
	if r == nil {
		return
	}
	r.activeFlows.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
