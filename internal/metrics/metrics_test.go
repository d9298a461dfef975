package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsAreIndependent(t *testing.T) {
	first := NewCollector(prometheus.NewRegistry())
	second := NewCollector(prometheus.NewRegistry())

	first.RecordProcessStarted()
	first.RecordProcessStarted()

	assert.Equal(t, 2.0, testutil.ToFloat64(first.processesStarted))
	assert.Equal(t, 0.0, testutil.ToFloat64(second.processesStarted))
}

func TestRecordCounters(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordBatchScheduled()
	c.RecordBatchDisabled()
	c.RecordBatchInstCompleted()
	c.RecordJobInstsCreated(3)
	c.RecordJobInstReconciled()
	c.RecordProcessCompleted()
	c.RecordProcessFailed()
	c.RecordLockContention("jobinst")
	c.RecordLockContention("jobinst")
	c.SetProcessesRunning(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.batchesScheduled))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.batchesDisabled))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.batchInstsCompleted))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.jobInstsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobInstsReconciled))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.processesCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.processesFailed))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.lockContention.WithLabelValues("jobinst")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.processesRunning))
}

func TestHandlerServesMetrics(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.RecordBatchScheduled()
	c.ObserveTick("full", 0.01)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "monitor_batches_scheduled_total 1")
	assert.Contains(t, string(body), `monitor_tick_duration_seconds_count{pass="full"} 1`)
}
