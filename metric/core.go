package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics (not plug-in specific)
type Metrics struct {
	// RPC metrics
	CallsTotal   *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec

	// Job metrics
	JobsTotal   *prometheus.CounterVec
	JobsRunning prometheus.Gauge
	JobsWaiting prometheus.Gauge

	// Event bus metrics
	EventsPublished prometheus.Counter
	EventsDelivered prometheus.Counter
	EventsDropped   prometheus.Counter

	// Session metrics
	SessionsConnected prometheus.Gauge
	AuthAttempts      *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "middleware",
				Subsystem: "rpc",
				Name:      "calls_total",
				Help:      "Total number of RPC method calls",
			},
			[]string{"method", "status"},
		),

		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "middleware",
				Subsystem: "rpc",
				Name:      "call_duration_seconds",
				Help:      "RPC call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "middleware",
				Subsystem: "jobs",
				Name:      "total",
				Help:      "Total number of jobs by terminal state",
			},
			[]string{"state"},
		),

		JobsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "middleware",
				Subsystem: "jobs",
				Name:      "running",
				Help:      "Number of jobs currently running",
			},
		),

		JobsWaiting: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "middleware",
				Subsystem: "jobs",
				Name:      "waiting",
				Help:      "Number of jobs waiting for locks or workers",
			},
		),

		EventsPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "middleware",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Total number of events published to the bus",
			},
		),

		EventsDelivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "middleware",
				Subsystem: "events",
				Name:      "delivered_total",
				Help:      "Total number of events delivered to subscribers",
			},
		),

		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "middleware",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Total number of events dropped on full subscriber queues",
			},
		),

		SessionsConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "middleware",
				Subsystem: "sessions",
				Name:      "connected",
				Help:      "Number of connected client sessions",
			},
		),

		AuthAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "middleware",
				Subsystem: "auth",
				Name:      "attempts_total",
				Help:      "Total number of authentication attempts",
			},
			[]string{"mechanism", "status"},
		),
	}
}

// RecordCall increments the call counter and observes its duration
func (c *Metrics) RecordCall(method, status string, duration time.Duration) {
	c.CallsTotal.WithLabelValues(method, status).Inc()
	c.CallDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordJobState increments the per-state job counter
func (c *Metrics) RecordJobState(state string) {
	c.JobsTotal.WithLabelValues(state).Inc()
}

// RecordAuthAttempt increments the auth attempt counter
func (c *Metrics) RecordAuthAttempt(mechanism string, ok bool) {
	status := "fail"
	if ok {
		status = "ok"
	}
	c.AuthAttempts.WithLabelValues(mechanism, status).Inc()
}

// collectors returns every core metric for registration
func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.CallsTotal, c.CallDuration,
		c.JobsTotal, c.JobsRunning, c.JobsWaiting,
		c.EventsPublished, c.EventsDelivered, c.EventsDropped,
		c.SessionsConnected, c.AuthAttempts,
	}
}
