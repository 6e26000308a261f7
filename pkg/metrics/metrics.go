package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "walink",
			Subsystem: "connection",
			Name:      "state",
			Help:      "Current connection state (0 initializing, 1 awaiting auth, 2 open, 3 closed retryable, 4 closed terminal).",
		},
		[]string{"session"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walink",
			Subsystem: "connection",
			Name:      "reconnects_total",
			Help:      "Scheduled reconnect attempts after a retryable close.",
		},
		[]string{"session"},
	)
	terminalLogouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walink",
			Subsystem: "connection",
			Name:      "terminal_logouts_total",
			Help:      "Closes that invalidated the session and wiped credentials.",
		},
		[]string{"session"},
	)
	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walink",
			Subsystem: "connection",
			Name:      "calls_total",
			Help:      "Incoming call offers.",
		},
		[]string{"session"},
	)
	droppedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walink",
			Subsystem: "bus",
			Name:      "dropped_events_total",
			Help:      "Events dropped from the primary stream after waiting on a full buffer.",
		},
		[]string{"type"},
	)
	inbound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walink",
			Subsystem: "messages",
			Name:      "inbound_total",
			Help:      "Normalized inbound messages by type.",
		},
		[]string{"session", "type"},
	)
	outbound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walink",
			Subsystem: "messages",
			Name:      "outbound_total",
			Help:      "Outbound operations by kind and result.",
		},
		[]string{"kind", "result"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total dashboard HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "walink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Dashboard HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			connectionState, reconnects, terminalLogouts, calls,
			droppedEvents, inbound, outbound, httpRequests, httpDuration,
		)
	})
}

func SetConnectionState(session string, state int) {
	RegisterMetrics()
	connectionState.WithLabelValues(session).Set(float64(state))
}

func RecordReconnect(session string) {
	RegisterMetrics()
	reconnects.WithLabelValues(session).Inc()
}

func RecordTerminalLogout(session string) {
	RegisterMetrics()
	terminalLogouts.WithLabelValues(session).Inc()
}

func RecordCall(session string) {
	RegisterMetrics()
	calls.WithLabelValues(session).Inc()
}

func RecordDroppedEvent(eventType string) {
	RegisterMetrics()
	droppedEvents.WithLabelValues(eventType).Inc()
}

func RecordInbound(session, msgType string) {
	RegisterMetrics()
	inbound.WithLabelValues(session, msgType).Inc()
}

// RecordOutbound counts one outbound operation. result is one of ok, error,
// unavailable or rejected.
func RecordOutbound(kind, result string) {
	RegisterMetrics()
	outbound.WithLabelValues(kind, result).Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
