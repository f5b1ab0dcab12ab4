package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSessionGauges(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordSessionStart()
	m.RecordSessionStart()
	m.RecordSessionStop(12)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveStreams.WithLabelValues("p2p")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.P2PSessionsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.P2PSessionsStopped))
}

func TestFragmentCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordFragment("T1", 1024)
	m.RecordFragmentWritten("T1")
	m.RecordFragmentDropped("T1", "session_boundary", 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FragmentsReceived.WithLabelValues("T1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FragmentsWritten.WithLabelValues("T1")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FragmentsDropped.WithLabelValues("T1", "session_boundary")))
}

func TestStatusCodeBuckets(t *testing.T) {
	m := New(prometheus.NewRegistry())
	assert.Equal(t, "2xx", m.statusCodeToString(204))
	assert.Equal(t, "4xx", m.statusCodeToString(404))
	assert.Equal(t, "5xx", m.statusCodeToString(502))
	assert.Equal(t, "unknown", m.statusCodeToString(100))
}
