package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordGenerateAttempt("failure")
	m.RecordGenerateAttempt("failure")
	m.RecordGenerateAttempt("success")
	m.RecordGenerateResult("success")
	m.RecordSessionsMigrated(3)
	m.RecordSessionsMigrated(0)
	m.RecordHTTPRequest("GET", "/v1/mailbox", "200", 10*time.Millisecond, 512)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.GenerateAttempts.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GenerateTotal.WithLabelValues("success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SessionsMigrated))

	rec := httptest.NewRecorder()
	m.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tempinbox_mailbox_generate_attempts_total")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordGenerateAttempt("success")
		m.RecordPoll("ok")
		m.UpdateActiveEngines(1)
		m.RecordRedemption("success")
	})
}
