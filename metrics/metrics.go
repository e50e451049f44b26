// Package metrics collects and exposes Prometheus metrics for the realtime
// collaboration layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector aggregates counters and gauges for sessions, inbound events and
// broadcast fan-out.
type Collector struct {
	sessionsActive    prometheus.Gauge
	eventsReceived    *prometheus.CounterVec
	mutationFailures  *prometheus.CounterVec
	broadcastsSent    prometheus.Counter
	framesDelivered   prometheus.Counter
	framesDropped     prometheus.Counter
	framesRateLimited prometheus.Counter
}

// NewCollector creates a Collector and registers its metrics on the given
// registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "boardsync_sessions_active",
			Help: "Number of currently connected authenticated sessions.",
		}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "boardsync_events_received_total",
			Help: "Inbound websocket events by event name.",
		}, []string{"event"}),
		mutationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "boardsync_mutation_failures_total",
			Help: "Mutations that failed before broadcast, by event name and reason.",
		}, []string{"event", "reason"}),
		broadcastsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boardsync_broadcasts_total",
			Help: "Broadcast events fanned out to board rooms.",
		}),
		framesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boardsync_frames_delivered_total",
			Help: "Frames handed to session send buffers.",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boardsync_frames_dropped_total",
			Help: "Frames dropped because a session send buffer was full or closed.",
		}),
		framesRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boardsync_frames_rate_limited_total",
			Help: "Inbound frames discarded by the per-session rate limiter.",
		}),
	}

	reg.MustRegister(
		c.sessionsActive,
		c.eventsReceived,
		c.mutationFailures,
		c.broadcastsSent,
		c.framesDelivered,
		c.framesDropped,
		c.framesRateLimited,
	)

	return c
}

// SessionOpened records a new authenticated session.
func (c *Collector) SessionOpened() {
	c.sessionsActive.Inc()
}

// SessionClosed records a session teardown.
func (c *Collector) SessionClosed() {
	c.sessionsActive.Dec()
}

// RecordEvent records one inbound event by name.
func (c *Collector) RecordEvent(event string) {
	c.eventsReceived.WithLabelValues(event).Inc()
}

// RecordMutationFailure records a mutation that failed before broadcast.
func (c *Collector) RecordMutationFailure(event, reason string) {
	c.mutationFailures.WithLabelValues(event, reason).Inc()
}

// RecordBroadcast records one fan-out to a board room.
func (c *Collector) RecordBroadcast() {
	c.broadcastsSent.Inc()
}

// RecordDelivery records a frame successfully queued for a session.
func (c *Collector) RecordDelivery() {
	c.framesDelivered.Inc()
}

// RecordDrop records a frame that could not be queued for a session.
func (c *Collector) RecordDrop() {
	c.framesDropped.Inc()
}

// RecordRateLimited records an inbound frame discarded by rate limiting.
func (c *Collector) RecordRateLimited() {
	c.framesRateLimited.Inc()
}
