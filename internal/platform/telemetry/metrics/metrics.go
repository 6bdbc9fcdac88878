package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "termchat"

var (
	registerOnce sync.Once
	registry     = prometheus.NewRegistry()

	activeConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active_connections",
			Help:      "Live registered connections.",
		},
		[]string{"room"},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Connection lifecycle transitions.",
		},
		[]string{"event"},
	)
	framesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "frames_delivered_total",
			Help:      "Frames written to a peer.",
		},
		[]string{"type"},
	)
	framesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "frames_failed_total",
			Help:      "Frames that failed to reach a peer.",
		},
		[]string{"type"},
	)
	messagesPersisted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "persisted_total",
			Help:      "Chat messages appended to the message log.",
		},
		[]string{"room"},
	)
	messagesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "rejected_total",
			Help:      "Inbound chat messages that were not broadcast.",
		},
		[]string{"reason"},
	)
	heartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "pings_total",
			Help:      "Heartbeat pings by outcome.",
		},
		[]string{"success"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "reconnect_attempts_total",
			Help:      "Client reconnect attempts by outcome.",
		},
		[]string{"success"},
	)
)

// Register installs the chat collectors and the Go runtime collectors.
func Register() {
	registerOnce.Do(func() {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			activeConnections,
			sessionTransitions,
			framesDelivered,
			framesFailed,
			messagesPersisted,
			messagesRejected,
			heartbeats,
			httpRequests,
			httpDuration,
			reconnects,
		)
	})
}

// Handler serves the registry in Prometheus exposition format.
func Handler() http.Handler {
	Register()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// SetActiveConnections records the live connection count for room.
func SetActiveConnections(room string, count int) {
	Register()
	activeConnections.WithLabelValues(room).Set(float64(count))
}

// RecordSessionEvent counts a lifecycle transition such as "joined",
// "left" or "superseded".
func RecordSessionEvent(event string) {
	Register()
	sessionTransitions.WithLabelValues(event).Inc()
}

// RecordDelivery counts one frame write attempt to one peer.
func RecordDelivery(frameType string, ok bool) {
	Register()
	if ok {
		framesDelivered.WithLabelValues(frameType).Inc()
		return
	}
	framesFailed.WithLabelValues(frameType).Inc()
}

// RecordMessagePersisted counts a message accepted into the log.
func RecordMessagePersisted(room string) {
	Register()
	messagesPersisted.WithLabelValues(room).Inc()
}

// RecordMessageRejected counts an inbound message that was dropped or refused.
func RecordMessageRejected(reason string) {
	Register()
	messagesRejected.WithLabelValues(reason).Inc()
}

// RecordHeartbeat counts one heartbeat ping.
func RecordHeartbeat(ok bool) {
	Register()
	heartbeats.WithLabelValues(strconv.FormatBool(ok)).Inc()
}

// RecordHTTPRequest counts one HTTP request and observes its latency.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	Register()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}

// RecordReconnect counts one client reconnect attempt.
func RecordReconnect(ok bool) {
	Register()
	reconnects.WithLabelValues(strconv.FormatBool(ok)).Inc()
}
