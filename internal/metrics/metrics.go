// Package metrics holds the relay's Prometheus collectors.
//
// All methods accept a nil *Metrics and do nothing, so components can be
// built without instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "huddle"

// Metrics is the set of relay collectors.
type Metrics struct {
	framesReceived   *prometheus.CounterVec
	broadcasts       *prometheus.CounterVec
	peersPruned      prometheus.Counter
	authAttempts     *prometheus.CounterVec
	envelopesDropped prometheus.Counter
	activeSessions   prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames read from active sessions, by type tag.",
		}, []string{"type"}),

		broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcasts issued, by type tag.",
		}, []string{"type"}),

		peersPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_pruned_total",
			Help:      "Sessions removed because a broadcast delivery failed.",
		}),

		authAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts, by result.",
		}, []string{"result"}),

		envelopesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_dropped_total",
			Help:      "VOICE/FILE messages dropped for a malformed envelope.",
		}),

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Authenticated sessions currently registered.",
		}),
	}
}

// Auth results.
const (
	AuthOK        = "ok"
	AuthFailed    = "failed"
	AuthMalformed = "malformed"
)

func (m *Metrics) FrameReceived(tag string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(tag).Inc()
}

func (m *Metrics) Broadcast(tag string, pruned int) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(tag).Inc()
	if pruned > 0 {
		m.peersPruned.Add(float64(pruned))
		m.activeSessions.Sub(float64(pruned))
	}
}

func (m *Metrics) AuthAttempt(result string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) EnvelopeDropped() {
	if m == nil {
		return
	}
	m.envelopesDropped.Inc()
}

func (m *Metrics) SessionJoined() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionLeft() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// SetActiveSessions resets the gauge, e.g. after a shutdown drain.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}
