package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	m := New()

	m.Connections.Set(3)
	m.PHYChanges.WithLabelValues("2M").Inc()
	m.PHYChanges.WithLabelValues("2M").Inc()
	m.PHYChanges.WithLabelValues("Coded S8").Inc()
	m.Dispatched.WithLabelValues("stack").Add(5)
	m.Resets.Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Connections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PHYChanges.WithLabelValues("2M")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PHYChanges.WithLabelValues("Coded S8")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Dispatched.WithLabelValues("stack")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Resets))
}

func TestInstancesDoNotShareRegistry(t *testing.T) {
	a, b := New(), New()
	a.Connections.Set(1)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Connections))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ParamQueueLength.Set(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "multirole_param_update_queue_length 2"), body)
}
