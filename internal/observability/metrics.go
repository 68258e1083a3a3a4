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
			Namespace: "hskrouter",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hskrouter",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	linkFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hskrouter",
			Subsystem: "link",
			Name:      "frames_total",
			Help:      "Frames seen per link by event (received, sent, dropped, filtered).",
		},
		[]string{"link", "event"},
	)
	linkDecodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hskrouter",
			Subsystem: "link",
			Name:      "decode_errors_total",
			Help:      "Per-frame decode failures per link by kind.",
		},
		[]string{"link", "kind"},
	)
	turnaround = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hskrouter",
			Subsystem: "link",
			Name:      "turnaround_seconds",
			Help:      "Time from downstream write to response or timeout.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25},
		},
		[]string{"link", "outcome"},
	)
	routes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hskrouter",
			Subsystem: "router",
			Name:      "routes_total",
			Help:      "Routing decisions by path.",
		},
		[]string{"path"},
	)
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hskrouter",
			Subsystem: "hsk",
			Name:      "commands_total",
			Help:      "Local commands handled by command and result.",
		},
		[]string{"command", "result"},
	)
)

// Route labels.
const (
	RouteLocal               = "local"
	RouteDownstreamLearned   = "downstream_learned"
	RouteDownstreamBroadcast = "downstream_broadcast"
	RouteUpstream            = "upstream"
	RouteUpstreamDrop        = "upstream_drop"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, linkFrames, linkDecodeErrors, turnaround, routes, dispatches)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordLinkFrame(link, event string) {
	RegisterMetrics()
	linkFrames.WithLabelValues(link, event).Inc()
}

func RecordDecodeError(link, kind string) {
	RegisterMetrics()
	linkDecodeErrors.WithLabelValues(link, kind).Inc()
}

func ObserveTurnaround(link, outcome string, d time.Duration) {
	RegisterMetrics()
	turnaround.WithLabelValues(link, outcome).Observe(d.Seconds())
}

func RecordRoute(path string) {
	RegisterMetrics()
	routes.WithLabelValues(path).Inc()
}

func RecordCommand(cmd byte, result string) {
	RegisterMetrics()
	dispatches.WithLabelValues(strconv.Itoa(int(cmd)), result).Inc()
}
