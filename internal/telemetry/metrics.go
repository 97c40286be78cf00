package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksSubmitted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "aigc_tasks_submitted_total", Help: "Tasks accepted and enqueued"})
	TasksCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "aigc_tasks_completed_total", Help: "Tasks that reached completed"})
	TasksFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "aigc_tasks_failed_total", Help: "Tasks that reached failed"})
	RateLimitHits      = prometheus.NewCounter(prometheus.CounterOpts{Name: "aigc_rate_limit_hits_total", Help: "Provider rate-limit rejections observed"})
	ThresholdDecreases = prometheus.NewCounter(prometheus.CounterOpts{Name: "aigc_threshold_decreases_total", Help: "Concurrency ceiling decreases"})
	ThresholdIncreases = prometheus.NewCounter(prometheus.CounterOpts{Name: "aigc_threshold_increases_total", Help: "Concurrency ceiling recovery increases"})
	ActiveGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "aigc_active_count", Help: "Tasks currently dispatched"})
	ThresholdGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "aigc_threshold", Help: "Current concurrency ceiling"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "aigc_queue_depth", Help: "Work log length"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TasksSubmitted,
			TasksCompleted,
			TasksFailed,
			RateLimitHits,
			ThresholdDecreases,
			ThresholdIncreases,
			ActiveGauge,
			ThresholdGauge,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}
