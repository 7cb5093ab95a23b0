package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FrameDropped(DropTarget)
		m.PendingAdd(1)
		m.PeerConnected()
		m.PeerDisconnected()
		m.CallCompleted("ping", "ok", 0.01)
	})
}

func TestCollectors(t *testing.T) {
	m := New()
	m.FrameDropped(DropOrigin)
	m.FrameDropped(DropOrigin)
	m.PendingAdd(3)
	m.PendingAdd(-1)
	m.CallCompleted("ping", "ok", 0.002)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.dropped.WithLabelValues(DropOrigin)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("ping", "ok")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.PeerConnected()
	m.FrameDropped(DropTarget)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "portrpc_connected_peers 1"))
	assert.True(t, strings.Contains(string(body), `portrpc_frames_dropped_total{reason="target"} 1`))
}
