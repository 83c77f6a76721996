// ABOUTME: Tests that collectors carry the service label and render on the metrics handler

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ServiceLabel(t *testing.T) {
	reg := NewRegistry()
	m := New(reg, "forwarding")

	m.UpdatesDropped.WithLabelValues("decode").Inc()
	m.Dispatched.WithLabelValues("start", "ok").Add(2)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.UpdatesDropped.WithLabelValues("decode")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Dispatched.WithLabelValues("start", "ok")))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `coven_relay_updates_dropped_total{reason="decode",service="forwarding"} 1`)
}
