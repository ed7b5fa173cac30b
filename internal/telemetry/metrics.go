package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_submitted_total", Help: "Jobs accepted by type"}, []string{"type"})
	PublishFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_publish_failures_total", Help: "Jobs that could not be handed to the broker"})
	BrokerReconnects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_reconnects_total", Help: "Broker links re-established after a drop"})
	ProgressCallbacks   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "progress_callbacks_total", Help: "Progress callbacks applied by shape and outcome"}, []string{"shape", "outcome"})
	StaleRejections     = prometheus.NewCounter(prometheus.CounterOpts{Name: "progress_stale_rejections_total", Help: "Numbered progress updates rejected as stale"})
	RealtimeConnections = prometheus.NewGauge(prometheus.GaugeOpts{Name: "realtime_connections", Help: "Authenticated realtime connections"})
	AuthRejections      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "realtime_auth_rejections_total", Help: "Handshakes rejected by code"}, []string{"code"})
	EventsSent          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "realtime_events_sent_total", Help: "Events queued to clients by name"}, []string{"event"})
	SlowClientEvictions = prometheus.NewCounter(prometheus.CounterOpts{Name: "realtime_slow_client_evictions_total", Help: "Connections dropped for a full send buffer"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	QueueDepthGauge     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "queue_depth", Help: "Ready messages per queue (redis driver)"}, []string{"queue"})
	WorkerJobs          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "worker_jobs_total", Help: "Jobs finished by the worker by outcome"}, []string{"outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			PublishFailures,
			BrokerReconnects,
			ProgressCallbacks,
			StaleRejections,
			RealtimeConnections,
			AuthRejections,
			EventsSent,
			SlowClientEvictions,
			RateLimitRejects,
			QueueDepthGauge,
			WorkerJobs,
		)
	})
	return promhttp.Handler()
}
