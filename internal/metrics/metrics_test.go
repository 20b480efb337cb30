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

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotNil(t, collector.broadcastPublished)
	assert.NotNil(t, collector.broadcastDropped)
	assert.NotNil(t, collector.schedulerRuns)
	assert.NotNil(t, collector.paginationDepth)
	assert.NotNil(t, collector.stageDuration)
}

func TestNilCollectorIsNoop(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordBroadcastPublished("service:account-discovery")
		collector.RecordBroadcastDropped("disconnected")
		collector.RecordRun("account-discovery", "success", 1.5)
		collector.RecordSkipped("account-discovery")
		collector.RecordItemError("account-enrichment")
		collector.SetPaginationDepth(3)
		collector.RecordPaginationJob("enqueued")
		collector.RecordRegistration("APPROVED")
		collector.ObserveStage("T24_LOOKUP", "completed", 0.2)
	})
	assert.NotNil(t, collector.Handler())
}

func TestCounters(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.RecordBroadcastDropped("disconnected")
	collector.RecordBroadcastDropped("disconnected")
	collector.RecordSkipped("account-discovery")
	collector.RecordRun("account-discovery", "success", 0.3)
	collector.SetPaginationDepth(4)
	collector.RecordPaginationJob("dropped")

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.broadcastDropped.WithLabelValues("disconnected")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.schedulerSkipped.WithLabelValues("account-discovery")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.schedulerRuns.WithLabelValues("account-discovery", "success")))
	assert.Equal(t, float64(4), testutil.ToFloat64(collector.paginationDepth))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.paginationJobs.WithLabelValues("dropped")))
}

func TestHandler(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())
	collector.RecordRegistration("APPROVED")

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `account_sync_registration_outcomes_total{status="APPROVED"} 1`)
}
