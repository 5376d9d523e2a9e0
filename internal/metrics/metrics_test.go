package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.FrameReceived("TEXT")
	m.Broadcast("TEXT", 2)
	m.AuthAttempt(AuthOK)
	m.EnvelopeDropped()
	m.SessionJoined()
	m.SessionLeft()
	m.SetActiveSessions(0)
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.FrameReceived("TEXT")
	m.FrameReceived("TEXT")
	m.FrameReceived("VOICE")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesReceived.WithLabelValues("TEXT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesReceived.WithLabelValues("VOICE")))

	m.SessionJoined()
	m.SessionJoined()
	m.SessionJoined()
	m.Broadcast("TEXT", 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.peersPruned))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeSessions))

	m.SessionLeft()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSessions))

	m.AuthAttempt(AuthFailed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authAttempts.WithLabelValues(AuthFailed)))

	m.EnvelopeDropped()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.envelopesDropped))
}
