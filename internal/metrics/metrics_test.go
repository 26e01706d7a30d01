package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.RecordEnqueue()
	c.RecordCompleted(1)
	c.RecordFailed()
	c.RecordRetried()
	c.RecordDead()
	c.RecordGame("roulette", false)
	c.RecordRecovery(2, 0.5)
	c.SetActiveLocks(3)
	assert.Nil(t, c.Registry())
}

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()
	c.RecordEnqueue()
	c.RecordEnqueue()
	c.RecordDead()
	c.RecordGame("sardines", true)
	c.RecordGame("sardines", false)
	c.RecordGame("sardines", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsEnqueued))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsDead))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.gamesCancelled.WithLabelValues("sardines")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.gamesSettled.WithLabelValues("sardines")))
}

func TestHandlerServesRegistry(t *testing.T) {
	c := NewCollector()
	c.RecordEnqueue()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "repbot_jobs_enqueued_total 1")
}
