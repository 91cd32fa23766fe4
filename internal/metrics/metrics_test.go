package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Recording(t *testing.T) {
	m := New()

	m.Measurement("kafka", "created")
	m.Measurement("kafka", "created")
	m.Transition("alert-created", "Emergency")
	m.AddOpenAlerts(2)
	m.AddOpenAlerts(-1)
	m.SetSubscribers(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Measurements.WithLabelValues("kafka", "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("alert-created", "Emergency")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpenAlerts))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Subscribers))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Measurement("mqtt", "invalid")
		m.Dropped("publish")
		m.ObserveAcknowledgment(1)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.PublishFailed("alert-escalated")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `vital_alerts_publish_failures_total{event="alert-escalated"} 1`)
}
