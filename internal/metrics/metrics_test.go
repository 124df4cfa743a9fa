package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CheckoutTotal.WithLabelValues(ResultSuccess).Inc()
	m.CheckoutRetries.Inc()
	m.CheckoutDuration.Observe(0.02)
	m.OutboxPublished.WithLabelValues(ResultError).Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckoutTotal.WithLabelValues(ResultSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OutboxPublished.WithLabelValues(ResultError)))

	count, err := testutil.GatherAndCount(reg,
		"shopcart_checkout_total",
		"shopcart_checkout_retries_total",
		"shopcart_checkout_duration_seconds",
		"shopcart_outbox_published_total",
	)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestNew_PanicsOnDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.CheckoutRetries.Inc()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shopcart_checkout_retries_total 1")
}
