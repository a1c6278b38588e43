package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus metrics for the sync server. Every method is
// safe on a nil receiver so metrics can be switched off.
type Collector struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	Connections    prometheus.Gauge
	Frames         *prometheus.CounterVec
	FramesRejected *prometheus.CounterVec

	LockAttempts *prometheus.CounterVec
	Saves        *prometheus.CounterVec
	SaveDuration prometheus.Histogram
}

// NewCollector creates a collector on its own registry
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open realtime websocket connections",
		}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_frames_total",
			Help:      "Realtime frames handled, by type",
		}, []string{"type"}),
		FramesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_frames_rejected_total",
			Help:      "Realtime frames refused, by reason",
		}, []string{"reason"}),
		LockAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_attempts_total",
			Help:      "Node lock requests, by outcome",
		}, []string{"outcome"}),
		Saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Persist calls made by the save scheduler",
		}, []string{"kind", "status"}),
		SaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_duration_seconds",
			Help:      "Persist call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	c.registry.MustRegister(
		c.HTTPRequests, c.HTTPDuration,
		c.Connections, c.Frames, c.FramesRejected,
		c.LockAttempts, c.Saves, c.SaveDuration,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) ObserveHTTP(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (c *Collector) ConnectionOpened() {
	if c != nil {
		c.Connections.Inc()
	}
}

func (c *Collector) ConnectionClosed() {
	if c != nil {
		c.Connections.Dec()
	}
}

func (c *Collector) Frame(frameType string) {
	if c != nil {
		c.Frames.WithLabelValues(frameType).Inc()
	}
}

func (c *Collector) FrameRejected(reason string) {
	if c != nil {
		c.FramesRejected.WithLabelValues(reason).Inc()
	}
}

// LockAttempt counts lock requests: "granted", "reentrant", "denied" or "error".
func (c *Collector) LockAttempt(outcome string) {
	if c != nil {
		c.LockAttempts.WithLabelValues(outcome).Inc()
	}
}

// SaveCompleted records one persist call made by the save scheduler.
func (c *Collector) SaveCompleted(key string, d time.Duration, err error) {
	if c == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	c.Saves.WithLabelValues(saveKind(key), status).Inc()
	c.SaveDuration.Observe(d.Seconds())
}

// saveKind strips the entity id from a save key such as "node-123".
func saveKind(key string) string {
	kind, _, ok := strings.Cut(key, "-")
	if !ok {
		return "other"
	}
	return kind
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// SaveObserver matches the save scheduler's observer hook
type SaveObserver interface {
	SaveCompleted(key string, d time.Duration, err error)
}

// Observers fans a save report out to several observers
type Observers []SaveObserver

func (o Observers) SaveCompleted(key string, d time.Duration, err error) {
	for _, obs := range o {
		if obs != nil {
			obs.SaveCompleted(key, d, err)
		}
	}
}
