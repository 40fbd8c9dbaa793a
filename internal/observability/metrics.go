package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gfxqueue",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gfxqueue",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	queueOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gfxqueue",
			Subsystem: "queue",
			Name:      "operations_total",
			Help:      "Buffer queue operations by result.",
		},
		[]string{"queue", "op", "result"},
	)
	queuePending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gfxqueue",
			Subsystem: "queue",
			Name:      "pending_buffers",
			Help:      "Buffers queued and not yet acquired.",
		},
		[]string{"queue"},
	)
	dequeueWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gfxqueue",
			Subsystem: "queue",
			Name:      "dequeue_wait_seconds",
			Help:      "Time producers spent blocked waiting for a free slot.",
			Buckets:   []float64{.0005, .001, .004, .008, .016, .033, .066, .1, .25, 1},
		},
		[]string{"queue"},
	)
	presentLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gfxqueue",
			Subsystem: "display",
			Name:      "present_latency_seconds",
			Help:      "Actual minus desired present time of displayed frames.",
			Buckets:   []float64{0, .001, .004, .008, .016, .033, .066, .1, .25},
		},
		[]string{"queue"},
	)
	remoteRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gfxqueue",
			Subsystem: "remote",
			Name:      "requests_total",
			Help:      "Transport requests served, by message type and status.",
		},
		[]string{"queue", "message", "status"},
	)
	remoteConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gfxqueue",
			Subsystem: "remote",
			Name:      "connections",
			Help:      "Open producer connections.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, queueOps, queuePending,
			dequeueWait, presentLatency, remoteRequests, remoteConnections)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordQueueOp counts one queue operation. result is "ok" or an error kind.
func RecordQueueOp(queue, op, result string) {
	RegisterMetrics()
	queueOps.WithLabelValues(queue, op, result).Inc()
}

func SetPendingBuffers(queue string, n int) {
	RegisterMetrics()
	queuePending.WithLabelValues(queue).Set(float64(n))
}

func RecordDequeueWait(queue string, wait time.Duration) {
	RegisterMetrics()
	dequeueWait.WithLabelValues(queue).Observe(wait.Seconds())
}

func RecordPresentLatency(queue string, latency time.Duration) {
	RegisterMetrics()
	if latency < 0 {
		latency = 0
	}
	presentLatency.WithLabelValues(queue).Observe(latency.Seconds())
}

func RecordRemoteRequest(queue, message, status string) {
	RegisterMetrics()
	remoteRequests.WithLabelValues(queue, message, status).Inc()
}

func SetRemoteConnections(n int64) {
	RegisterMetrics()
	remoteConnections.Set(float64(n))
}
