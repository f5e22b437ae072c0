// Package metrics exposes the hub's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "esphub_connections_total",
		Help: "Total number of subscriber connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "esphub_connections_active",
		Help: "Current number of active subscriber connections",
	})

	adminConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "esphub_admin_connections_active",
		Help: "Current number of active admin connections",
	})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "esphub_disconnects_total",
		Help: "Total disconnections by reason",
	}, []string{"reason"})

	// Message metrics
	messagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "esphub_messages_received_total",
		Help: "Total inbound messages by type",
	}, []string{"type"})

	messagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "esphub_messages_sent_total",
		Help: "Total outbound messages by type",
	}, []string{"type"})

	rateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "esphub_rate_limited_messages_total",
		Help: "Total inbound messages dropped by the per-connection rate limiter",
	})

	droppedSends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "esphub_dropped_sends_total",
		Help: "Total outbound messages dropped because a subscriber send buffer was full",
	})

	// Broadcast engine metrics
	broadcastTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "esphub_broadcast_ticks_total",
		Help: "Total broadcast ticks by outcome (changed or unchanged)",
	}, []string{"outcome"})

	revision = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "esphub_revision",
		Help: "Current global state revision",
	})

	poolObjects = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "esphub_pool_objects",
		Help: "Objects currently resolved per scope",
	}, []string{"scope"})

	refreshRequestsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "esphub_refresh_requests_total",
		Help: "Total refresh_req messages sent by reason",
	}, []string{"reason"})

	validationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "esphub_validation_failures_total",
		Help: "Total rejected objects by scope",
	}, []string{"scope"})
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		connectionsActive,
		adminConnectionsActive,
		disconnectsTotal,
		messagesReceived,
		messagesSent,
		rateLimitedMessages,
		droppedSends,
		broadcastTicks,
		revision,
		poolObjects,
		refreshRequestsSent,
		validationFailures,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ConnectionOpened()          { connectionsTotal.Inc(); connectionsActive.Inc() }
func ConnectionClosed()          { connectionsActive.Dec() }
func AdminConnectionOpened()     { adminConnectionsActive.Inc() }
func AdminConnectionClosed()     { adminConnectionsActive.Dec() }
func RecordDisconnect(r string)  { disconnectsTotal.WithLabelValues(r).Inc() }
func MessageReceived(typ string) { messagesReceived.WithLabelValues(typ).Inc() }
func MessageSent(typ string)     { messagesSent.WithLabelValues(typ).Inc() }
func MessageRateLimited()        { rateLimitedMessages.Inc() }
func SendDropped()               { droppedSends.Inc() }

// RecordTick updates the tick counter and revision gauge after a broadcast.
func RecordTick(changed bool, rev int64) {
	outcome := "unchanged"
	if changed {
		outcome = "changed"
	}
	broadcastTicks.WithLabelValues(outcome).Inc()
	revision.Set(float64(rev))
}

// RecordPoolSizes updates the per-scope resolved object gauges.
func RecordPoolSizes(players, entities, waypoints int) {
	poolObjects.WithLabelValues("players").Set(float64(players))
	poolObjects.WithLabelValues("entities").Set(float64(entities))
	poolObjects.WithLabelValues("waypoints").Set(float64(waypoints))
}

func RefreshRequestSent(reason string) { refreshRequestsSent.WithLabelValues(reason).Inc() }
func ValidationFailure(scope string)   { validationFailures.WithLabelValues(scope).Inc() }

// Recorder adapts the package-level instruments to the hub's metrics
// interface.
type Recorder struct{}

func (Recorder) MessageReceived(typ string) { MessageReceived(typ) }
func (Recorder) MessageSent(typ string)     { MessageSent(typ) }

func (Recorder) RecordTick(changed bool, rev int64) { RecordTick(changed, rev) }

func (Recorder) RecordPoolSizes(players, entities, wps int) {
	RecordPoolSizes(players, entities, wps)
}

func (Recorder) RefreshRequestSent(reason string) { RefreshRequestSent(reason) }
func (Recorder) ValidationFailure(scope string)   { ValidationFailure(scope) }
func (Recorder) RecordDisconnect(reason string)   { RecordDisconnect(reason) }
