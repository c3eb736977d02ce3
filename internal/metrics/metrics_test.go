package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUsesPrivateRegistry(t *testing.T) {
	// Two instances must not collide on registration.
	a := New(nil)
	b := New(nil)

	a.RemoteCallsTotal.WithLabelValues(ResultOK).Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.RemoteCallsTotal.WithLabelValues(ResultOK)))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.RemoteCallsTotal.WithLabelValues(ResultOK)))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New(nil)
	m.ReviewsTotal.WithLabelValues("positive").Add(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `sentiscore_reviews_total{label="positive"} 3`)
}
