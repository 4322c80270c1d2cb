package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes used as metric labels.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeClosed    = "closed"
	OutcomeError     = "error"
)

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipcjson",
			Subsystem: "wire",
			Name:      "frames_total",
			Help:      "Frames read from or written to connections.",
		},
		[]string{"conn", "direction", "type"},
	)
	bytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipcjson",
			Subsystem: "wire",
			Name:      "body_bytes_total",
			Help:      "JSON body bytes read from or written to connections.",
		},
		[]string{"conn", "direction"},
	)
	requestsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipcjson",
			Subsystem: "requests",
			Name:      "sent_total",
			Help:      "Requests sent to the peer by outcome.",
		},
		[]string{"conn", "command", "outcome"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ipcjson",
			Subsystem: "requests",
			Name:      "round_trip_seconds",
			Help:      "Time from sending a request until its response or abandonment.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"conn", "command", "outcome"},
	)
	requestsHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipcjson",
			Subsystem: "requests",
			Name:      "handled_total",
			Help:      "Requests received from the peer by handler outcome.",
		},
		[]string{"conn", "command", "outcome"},
	)
	pendingRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ipcjson",
			Subsystem: "requests",
			Name:      "pending",
			Help:      "Requests awaiting a response.",
		},
		[]string{"conn"},
	)
	connectionsTerminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipcjson",
			Subsystem: "connections",
			Name:      "terminated_total",
			Help:      "Connections that reached a terminal state.",
		},
		[]string{"conn", "state"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipcjson",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ipcjson",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesTotal,
			bytesTotal,
			requestsSent,
			requestDuration,
			requestsHandled,
			pendingRequests,
			connectionsTerminated,
			httpRequests,
			httpDuration,
		)
	})
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordFrameRead(conn, packetType string, bodyBytes int) {
	RegisterMetrics()
	framesTotal.WithLabelValues(conn, "in", packetType).Inc()
	bytesTotal.WithLabelValues(conn, "in").Add(float64(bodyBytes))
}

func RecordFrameWritten(conn, packetType string, bodyBytes int) {
	RegisterMetrics()
	framesTotal.WithLabelValues(conn, "out", packetType).Inc()
	bytesTotal.WithLabelValues(conn, "out").Add(float64(bodyBytes))
}

func RecordRequestSent(conn, command, outcome string, duration time.Duration) {
	RegisterMetrics()
	requestsSent.WithLabelValues(conn, command, outcome).Inc()
	requestDuration.WithLabelValues(conn, command, outcome).Observe(duration.Seconds())
}

func RecordRequestHandled(conn, command, outcome string) {
	RegisterMetrics()
	requestsHandled.WithLabelValues(conn, command, outcome).Inc()
}

func SetPendingRequests(conn string, n int) {
	RegisterMetrics()
	pendingRequests.WithLabelValues(conn).Set(float64(n))
}

func RecordConnectionTerminated(conn, state string) {
	RegisterMetrics()
	connectionsTerminated.WithLabelValues(conn, state).Inc()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
