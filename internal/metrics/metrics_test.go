package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndSnapshot(t *testing.T) {
	c := NewCollector()
	c.RecordAttempt("lookup", 1)
	c.RecordAttempt("lookup", 2)
	c.RecordSuccess("lookup", 2, 300*time.Millisecond)
	c.RecordAttempt("lookup", 1)
	c.RecordFailure("lookup", 1, 100*time.Millisecond, "boom")
	c.RecordCircuitTrip("lookup")

	snap, ok := c.Operation("lookup")
	require.True(t, ok)
	assert.Equal(t, int64(3), snap.Attempts)
	assert.Equal(t, int64(1), snap.Successes)
	assert.Equal(t, int64(1), snap.Failures)
	assert.Equal(t, int64(1), snap.CircuitTrips)
	assert.InDelta(t, 50.0, snap.SuccessRate, 0.001)
	assert.Equal(t, 400*time.Millisecond, snap.TotalRetryTime)
	assert.Equal(t, 200*time.Millisecond, snap.AverageRetryTime)
	assert.Equal(t, 100*time.Millisecond, snap.MinRetryTime)
	assert.Equal(t, 300*time.Millisecond, snap.MaxRetryTime)
	assert.Equal(t, map[int]int64{1: 1, 2: 1}, snap.AttemptDistribution)
	assert.False(t, snap.FirstOperation.IsZero())
}

func TestAttemptDistributionOverflowBucket(t *testing.T) {
	c := NewCollector()
	c.RecordSuccess("op", 25, time.Second)
	snap, _ := c.Operation("op")
	assert.Equal(t, map[int]int64{10: 1}, snap.AttemptDistribution)
}

func TestSummary(t *testing.T) {
	c := NewCollector()
	c.RecordSuccess("a", 1, time.Second)
	c.RecordSuccess("b", 1, time.Second)
	c.RecordSuccess("b", 1, time.Second)
	c.RecordFailure("b", 5, 5*time.Second, "exhausted")
	c.RecordCircuitTrip("b")

	s := c.Summary()
	assert.Equal(t, int64(4), s.TotalOperations)
	assert.Equal(t, int64(3), s.TotalSuccesses)
	assert.Equal(t, int64(1), s.TotalCircuitTrips)
	assert.InDelta(t, 75.0, s.OverallSuccessRate, 0.001)
	assert.Equal(t, 2*time.Second, s.AverageRetryTime)
	assert.Len(t, s.Operations, 2)
}

func TestResetConcurrentWithRecording(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				c.RecordAttempt("op", 1)
				c.RecordSuccess("op", 1, time.Millisecond)
			}
		}()
	}
	for i := 0; i < 20; i++ {
		c.Reset()
	}
	wg.Wait()
	c.Reset()

	s := c.Summary()
	assert.Zero(t, s.TotalOperations)
	assert.Empty(t, s.Operations)
}

func TestExport(t *testing.T) {
	c := NewCollector()
	c.RecordAttempt("video-info", 1)
	c.RecordSuccess("video-info", 1, 250*time.Millisecond)

	t.Run("json", func(t *testing.T) {
		out, err := c.Export("")
		require.NoError(t, err)
		var s Summary
		require.NoError(t, json.Unmarshal([]byte(out), &s))
		assert.Equal(t, int64(1), s.TotalSuccesses)
		assert.Contains(t, s.Operations, "video-info")
	})

	t.Run("prometheus", func(t *testing.T) {
		out, err := c.Export("prometheus")
		require.NoError(t, err)
		assert.Contains(t, out, "# TYPE vidrelay_retry_operations_total counter")
		assert.Contains(t, out, "vidrelay_retry_operations_total 1")
		assert.Contains(t, out, "vidrelay_retry_success_rate 100")
		assert.Contains(t, out, "vidrelay_circuit_breaker_trips_total 0")
		assert.Contains(t, out, `vidrelay_operation_success_rate{operation="video-info"} 100`)
		assert.Contains(t, out, `vidrelay_operation_average_time_ms{operation="video-info"} 250`)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := c.Export("xml")
		assert.Error(t, err)
	})
}

func TestHandler(t *testing.T) {
	c := NewCollector()
	c.RecordSuccess("op", 1, time.Millisecond)
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?format=prometheus")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	assert.Contains(t, string(body), `vidrelay_operation_attempts_total{operation="op"}`)

	resp, err = http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	resp, err = http.Get(srv.URL + "?format=yaml")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Zero(t, c.Summary().TotalOperations)
}
