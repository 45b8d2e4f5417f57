package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.Decisions.WithLabelValues("block").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Decisions.WithLabelValues("block")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Decisions.WithLabelValues("block")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.AuditAppends.Add(3)
	m.RequestCount.WithLabelValues("POST", "/process", "200").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "guardian_audit_appends_total 3")
	assert.Contains(t, string(body), `guardian_http_requests_total{method="POST",route="/process",status="200"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
