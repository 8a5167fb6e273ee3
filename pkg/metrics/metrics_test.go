package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RecordOutcomeByStatus(t *testing.T) {
	c := NewCollector()

	c.RecordDispatch()
	c.RecordOutcome("completed", 1.5)
	c.RecordDispatch()
	c.RecordOutcome("failed", 0.2)
	c.RecordDispatch()
	c.RecordOutcome("paused", 3.0)

	assert.Equal(t, float64(3), testutil.ToFloat64(c.jobsDispatched))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.jobsCompleted))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.jobsFailed))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.jobsPaused))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.jobsActive), "every dispatch was balanced by an outcome")
}

func TestCollector_ActiveGaugeTracksInFlight(t *testing.T) {
	c := NewCollector()

	c.RecordDispatch()
	c.RecordDispatch()
	assert.Equal(t, float64(2), testutil.ToFloat64(c.jobsActive))

	c.RecordOutcome("completed", 0.1)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.jobsActive))
}

func TestCollector_AddRowsProcessed(t *testing.T) {
	c := NewCollector()
	c.AddRowsProcessed(100)
	c.AddRowsProcessed(250)
	c.AddRowsProcessed(-5) // regressions are ignored
	assert.Equal(t, float64(350), testutil.ToFloat64(c.rowsProcessed))
}

func TestCollector_IndependentRegistries(t *testing.T) {
	a := NewCollector()
	b := NewCollector()
	a.RecordEnqueue()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.jobsEnqueued))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.jobsEnqueued))
}

func TestCollector_HandlerServesMetrics(t *testing.T) {
	c := NewCollector()
	c.RecordEnqueue()
	c.SetRecoverySeconds(0.42)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "rollcall_jobs_enqueued_total 1")
	assert.Contains(t, body, "rollcall_recovery_seconds 0.42")
}
