// internal/metrics/aggregator_test.go
package metrics

import (
	"errors"
	"math"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/linkload/internal/executor"
	"github.com/FairForge/linkload/internal/population"
)

func outcome(tier population.Tier, ok bool, latency time.Duration) executor.Outcome {
	return executor.Outcome{Tier: tier, Success: ok, Latency: latency, StatusCode: 302, HasLocation: ok}
}

func TestAggregator_RecordOutcome(t *testing.T) {
	a := NewAggregator(Config{Shards: 4})

	a.RecordOutcome(outcome(population.TierHot, true, 2*time.Millisecond))
	a.RecordOutcome(outcome(population.TierHot, false, 4*time.Millisecond))
	a.RecordOutcome(outcome(population.TierCold, true, 6*time.Millisecond))
	failed := outcome(population.TierCold, false, 0)
	failed.Err = errors.New("boom")
	a.RecordOutcome(failed)

	s := a.Summary()
	assert.Equal(t, int64(4), s.TotalRequests)
	assert.Equal(t, int64(2), s.Failures)
	assert.Equal(t, int64(1), s.TransportErrors)
	assert.InDelta(t, 0.5, s.ErrorRate, 1e-9)
	assert.Equal(t, TierStats{Requests: 2, Failures: 1, ErrorRate: 0.5}, s.Tiers[population.TierHot])
	_, present := s.Tiers[population.TierWarm]
	assert.False(t, present)

	assert.Equal(t, int64(4), s.Latency.Count)
	assert.InDelta(t, 6.0, s.Latency.Max, 0.01)
	assert.InDelta(t, 0.001, s.Latency.Min, 0.001)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.requestsVec.WithLabelValues("hot", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.requestsVec.WithLabelValues("cold", "failure")))
}

func TestAggregator_ConcurrentWriters(t *testing.T) {
	a := NewAggregator(Config{Shards: 8})
	const writers, each = 50, 200

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				o := outcome(population.TierPopular, i%10 != 0, time.Duration(i+1)*time.Microsecond*50)
				o.CacheHitProxy = i%2 == 0
				a.RecordOutcome(o)
			}
		}(w)
	}
	wg.Wait()

	s := a.Summary()
	assert.Equal(t, int64(writers*each), s.TotalRequests)
	assert.Equal(t, int64(writers*each/10), s.Failures)
	assert.Equal(t, int64(writers*each/2), s.CacheHitProxyCount)
	assert.InDelta(t, 0.5, s.CacheHitProxyRate, 1e-9)
	assert.Equal(t, int64(writers*each), s.Latency.Count)
	assert.LessOrEqual(t, s.Latency.P50, s.Latency.P95)
	assert.LessOrEqual(t, s.Latency.P95, s.Latency.P99)
}

func TestAggregator_Percentiles(t *testing.T) {
	a := NewAggregator(Config{Shards: 3})
	for i := 1; i <= 100; i++ {
		a.RecordOutcome(outcome(population.TierHot, true, time.Duration(i)*time.Millisecond))
	}
	lat := a.Summary().Latency
	assert.InDelta(t, 50, lat.P50, 0.5)
	assert.InDelta(t, 90, lat.P90, 0.5)
	assert.InDelta(t, 95, lat.P95, 0.5)
	assert.InDelta(t, 99, lat.P99, 0.5)
	assert.InDelta(t, 50.5, lat.Avg, 0.5)
}

func TestAggregator_LatencyClamp(t *testing.T) {
	a := NewAggregator(Config{Shards: 1, MaxLatency: time.Second})
	a.RecordOutcome(outcome(population.TierHot, true, time.Hour))
	assert.InDelta(t, 1000, a.Summary().Latency.Max, 1)
}

func TestAggregator_SnapshotThroughput(t *testing.T) {
	a := NewAggregator(DefaultConfig())
	for i := 0; i < 10; i++ {
		a.RecordOutcome(outcome(population.TierHot, true, time.Millisecond))
	}

	t.Run("zero elapsed is not recorded", func(t *testing.T) {
		_, ok := a.SnapshotThroughput(0)
		assert.False(t, ok)
		_, ok = a.SnapshotThroughput(-1)
		assert.False(t, ok)
		_, ok = a.SnapshotThroughput(math.NaN())
		assert.False(t, ok)
		assert.Equal(t, int64(0), a.Summary().ThroughputSamples)
	})

	t.Run("positive elapsed", func(t *testing.T) {
		rate, ok := a.SnapshotThroughput(2)
		require.True(t, ok)
		assert.Equal(t, 5.0, rate)
		s := a.Summary()
		assert.Equal(t, 5.0, s.Throughput)
		assert.Equal(t, int64(1), s.ThroughputSamples)
		assert.Equal(t, 5.0, testutil.ToFloat64(a.throughputGauge))
	})

	t.Run("infinite rate discarded", func(t *testing.T) {
		_, ok := a.SnapshotThroughput(math.SmallestNonzeroFloat64)
		assert.False(t, ok)
		assert.Equal(t, 5.0, a.Summary().Throughput)
	})
}

func TestAggregator_ExternalTelemetry(t *testing.T) {
	a := NewAggregator(DefaultConfig())
	assert.Equal(t, int64(0), a.Summary().ExternalHitRateSamples)

	a.RecordExternalHitRate(math.NaN())
	a.RecordExternalHitRate(math.Inf(1))
	assert.Equal(t, int64(0), a.Summary().ExternalHitRateSamples)

	a.RecordExternalHitRate(0.7)
	a.RecordExternalHitRate(0.8)
	a.RecordMemoryBytes(1 << 20)
	a.RecordCheck(CheckResponseOK, true)
	a.RecordCheck(CheckMemoryWithinBounds, false)

	s := a.Summary()
	assert.Equal(t, 0.8, s.ExternalHitRate)
	assert.Equal(t, int64(2), s.ExternalHitRateSamples)
	assert.Equal(t, int64(1<<20), s.ExternalMemoryBytes)
	assert.Equal(t, CheckStats{Passes: 1}, s.Checks[CheckResponseOK])
	assert.Equal(t, CheckStats{Fails: 1}, s.Checks[CheckMemoryWithinBounds])
	assert.Equal(t, 1.0, testutil.ToFloat64(a.checksVec.WithLabelValues(CheckMemoryWithinBounds, "fail")))
}

func TestAggregator_EmptySummary(t *testing.T) {
	s := NewAggregator(DefaultConfig()).Summary()
	assert.Zero(t, s.TotalRequests)
	assert.Zero(t, s.ErrorRate)
	assert.Equal(t, LatencyStats{}, s.Latency)
}

func TestAggregator_Handler(t *testing.T) {
	a := NewAggregator(DefaultConfig())
	a.RecordOutcome(outcome(population.TierWarm, true, time.Millisecond))

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `linkload_requests_total{result="success",tier="warm"} 1`), body)
	assert.Contains(t, body, "linkload_request_duration_seconds_bucket")
}
