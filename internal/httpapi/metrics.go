package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "chatrelay"

// Metrics bundles Prometheus collectors for the HTTP API and the relay
// pipeline. All methods are safe on a nil receiver.
type Metrics struct {
	registry         *prometheus.Registry
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	wsClients        prometheus.Gauge
	sseClients       prometheus.Gauge
	broadcastDrops   *prometheus.CounterVec
	rateLimited      prometheus.Counter
	participantsSent *prometheus.CounterVec

	events          prometheus.Counter
	newParticipants prometheus.Counter
	deliveries      *prometheus.CounterVec
	tgRateLimited   prometheus.Counter
	storeErrors     *prometheus.CounterVec
	reconnects      prometheus.Counter
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "ws_clients",
			Help:      "Current connected WebSocket clients",
		}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sse_clients",
			Help:      "Current connected SSE clients",
		}),
		broadcastDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcast_drops_total",
			Help:      "Number of participant updates dropped due to slow clients",
		}, []string{"transport"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_rate_limited_total",
			Help:      "Number of HTTP requests rejected due to rate limiting",
		}),
		participantsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "participants_pushed_total",
			Help:      "Number of delivered participants pushed to live clients",
		}, []string{"transport"}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "feed_events_total",
			Help:      "Feed events received by the ingestion loop",
		}),
		newParticipants: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "new_participants_total",
			Help:      "Participants passed to delivery because they were not yet delivered",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deliveries_total",
			Help:      "Delivery outcomes by tier",
		}, []string{"tier", "result"}),
		tgRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "telegram_rate_limited_total",
			Help:      "Rate-limit responses received from the Bot API",
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "store_errors_total",
			Help:      "Dedup store errors by operation",
		}, []string{"op"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "feed_reconnects_total",
			Help:      "Feed sessions that ended in error and were retried",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.wsClients,
		m.sseClients,
		m.broadcastDrops,
		m.rateLimited,
		m.participantsSent,
		m.events,
		m.newParticipants,
		m.deliveries,
		m.tgRateLimited,
		m.storeErrors,
		m.reconnects,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records timing and status information.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

// IncWSClients adjusts the WebSocket client gauge by delta.
func (m *Metrics) IncWSClients(delta float64) {
	if m == nil {
		return
	}
	m.wsClients.Add(delta)
}

// IncSSEClients adjusts the SSE client gauge by delta.
func (m *Metrics) IncSSEClients(delta float64) {
	if m == nil {
		return
	}
	m.sseClients.Add(delta)
}

// IncBroadcastDrops increments the drop counter.
func (m *Metrics) IncBroadcastDrops(transport string) {
	if m == nil {
		return
	}
	m.broadcastDrops.WithLabelValues(transport).Inc()
}

// IncRateLimited increments the HTTP rate limit counter.
func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// IncParticipantsSent increments the pushed counter for a transport.
func (m *Metrics) IncParticipantsSent(transport string) {
	if m == nil {
		return
	}
	m.participantsSent.WithLabelValues(transport).Inc()
}

func (m *Metrics) IncEvents() {
	if m == nil {
		return
	}
	m.events.Inc()
}

func (m *Metrics) IncNewParticipants() {
	if m == nil {
		return
	}
	m.newParticipants.Inc()
}

// ObserveDelivery counts one finished delivery call chain.
func (m *Metrics) ObserveDelivery(tier string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.deliveries.WithLabelValues(tier, result).Inc()
}

func (m *Metrics) IncTelegramRateLimited() {
	if m == nil {
		return
	}
	m.tgRateLimited.Inc()
}

func (m *Metrics) IncStoreErrors(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) IncReconnects() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
