package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "civicplan"

// Collector holds the collaboration engine's Prometheus metrics. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	ActiveSessions     prometheus.Gauge
	SessionsTotal      prometheus.Counter
	SessionsCleanedUp  prometheus.Counter
	ActiveConnections  prometheus.Gauge
	MessagesSent       *prometheus.CounterVec
	MessagesDropped    *prometheus.CounterVec
	MessagesReceived   *prometheus.CounterVec
	EditsBroadcast     *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	OperationErrors    *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of collaboration sessions held in memory",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of collaboration sessions created",
		}),
		SessionsCleanedUp: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_cleaned_up_total",
			Help:      "Total number of empty sessions evicted after the grace period",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open realtime connections",
		}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Realtime envelopes delivered to clients",
		}, []string{"type"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Realtime envelopes dropped because a client was slow or gone",
		}, []string{"type"}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Realtime messages received from clients",
		}, []string{"type"}),
		EditsBroadcast: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_edits_total",
			Help:      "Live edits broadcast by operation",
		}, []string{"operation"}),
		NotificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications created by type and delivery channel",
		}, []string{"type", "channel"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of engine operations",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"operation"}),
		OperationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Engine operation failures by kind",
		}, []string{"operation", "kind"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "REST requests by method and status class",
		}, []string{"method", "status"}),
	}
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.SessionsTotal.Inc()
	c.ActiveSessions.Inc()
}

func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.SessionsCleanedUp.Inc()
	c.ActiveSessions.Dec()
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.ActiveConnections.Inc()
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.ActiveConnections.Dec()
}

func (c *Collector) MessageSent(eventType string) {
	if c == nil {
		return
	}
	c.MessagesSent.WithLabelValues(eventType).Inc()
}

func (c *Collector) MessageDropped(eventType string) {
	if c == nil {
		return
	}
	c.MessagesDropped.WithLabelValues(eventType).Inc()
}

func (c *Collector) MessageReceived(messageType string) {
	if c == nil {
		return
	}
	c.MessagesReceived.WithLabelValues(messageType).Inc()
}

func (c *Collector) EditBroadcast(operation string) {
	if c == nil {
		return
	}
	c.EditsBroadcast.WithLabelValues(operation).Inc()
}

func (c *Collector) NotificationDelivered(notificationType, channel string) {
	if c == nil {
		return
	}
	c.NotificationsTotal.WithLabelValues(notificationType, channel).Inc()
}

// Observe records an operation's duration and, when kind is non-empty, a
// failure of that kind.
func (c *Collector) Observe(operation string, started time.Time, kind string) {
	if c == nil {
		return
	}
	c.OperationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	if kind != "" {
		c.OperationErrors.WithLabelValues(operation, kind).Inc()
	}
}

// HTTPRequest counts a REST request. Statuses are bucketed into classes
// ("2xx", "4xx", ...) to keep label cardinality fixed.
func (c *Collector) HTTPRequest(method string, status int) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, strconv.Itoa(status/100)+"xx").Inc()
}
