package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Observe(t *testing.T) {
	m := New()

	m.ObserveRequest("/api/user/stake", http.MethodPost, http.StatusOK, 10*time.Millisecond)
	m.ObserveRequest("/api/user/stake", http.MethodPost, http.StatusOK, 20*time.Millisecond)
	m.ObserveRequest("/api/user/stake", http.MethodPost, http.StatusConflict, time.Millisecond)
	m.ObserveOperation("stake", "ok")
	m.ObserveClockOffset(1500 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestCount.WithLabelValues("/api/user/stake", "POST", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestCount.WithLabelValues("/api/user/stake", "POST", "409")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("stake", "ok")))
	assert.Equal(t, 1.5, testutil.ToFloat64(m.clockOffset))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveOperation("claim", "zero_stake")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `staking_operations_total{operation="claim",result="zero_stake"} 1`), body)
	assert.False(t, strings.Contains(body, "go_goroutines"), "dedicated registry must not expose default collectors")
}
