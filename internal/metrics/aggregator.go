// internal/metrics/aggregator.go
package metrics

import (
	"math"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codahale/hdrhistogram"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/FairForge/linkload/internal/executor"
	"github.com/FairForge/linkload/internal/population"
)

// Telemetry check names
const (
	CheckResponseOK         = "response_ok"
	CheckHitRateNonNegative = "hit_rate_non_negative"
	CheckMemoryWithinBounds = "memory_within_bounds"
)

// Config configures an Aggregator.
type Config struct {
	Namespace string
	// Shards is the number of latency histograms writers spread over.
	Shards int
	// MaxLatency is the histogram ceiling; slower samples are clamped.
	MaxLatency time.Duration
	Tiers      []population.Tier
}

// DefaultConfig returns aggregator defaults.
func DefaultConfig() Config {
	return Config{
		Namespace:  "linkload",
		Shards:     runtime.GOMAXPROCS(0),
		MaxLatency: time.Minute,
		Tiers: []population.Tier{
			population.TierHot, population.TierWarm, population.TierCold, population.TierInvalid,
			population.TierPopular, population.TierUnpopular,
		},
	}
}

type tierCounters struct {
	requests atomic.Int64
	failures atomic.Int64
}

type checkCounters struct {
	passes atomic.Int64
	fails  atomic.Int64
}

type latencyShard struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

// Aggregator accumulates outcomes from every virtual user plus external
// telemetry. All methods are safe for concurrent use.
type Aggregator struct {
	config Config

	total     atomic.Int64
	failures  atomic.Int64
	cacheHits atomic.Int64
	errored   atomic.Int64
	tiers     map[population.Tier]*tierCounters
	checks    map[string]*checkCounters

	shards    []*latencyShard
	nextShard atomic.Uint64
	maxMicros int64

	hitRate        atomic.Uint64
	hitRateSamples atomic.Int64
	throughput     atomic.Uint64
	throughputN    atomic.Int64
	memoryBytes    atomic.Int64

	registry        *prometheus.Registry
	requestsVec     *prometheus.CounterVec
	latencyVec      *prometheus.HistogramVec
	checksVec       *prometheus.CounterVec
	hitRateGauge    prometheus.Gauge
	throughputGauge prometheus.Gauge
	memoryGauge     prometheus.Gauge
}

// NewAggregator creates an aggregator with its own Prometheus registry.
func NewAggregator(config Config) *Aggregator {
	def := DefaultConfig()
	if config.Namespace == "" {
		config.Namespace = def.Namespace
	}
	if config.Shards <= 0 {
		config.Shards = def.Shards
	}
	if config.MaxLatency <= 0 {
		config.MaxLatency = def.MaxLatency
	}
	if len(config.Tiers) == 0 {
		config.Tiers = def.Tiers
	}

	a := &Aggregator{
		config:    config,
		tiers:     make(map[population.Tier]*tierCounters, len(config.Tiers)),
		checks:    make(map[string]*checkCounters, 3),
		shards:    make([]*latencyShard, config.Shards),
		maxMicros: config.MaxLatency.Microseconds(),
		registry:  prometheus.NewRegistry(),
	}
	for _, t := range config.Tiers {
		a.tiers[t] = &tierCounters{}
	}
	for _, c := range []string{CheckResponseOK, CheckHitRateNonNegative, CheckMemoryWithinBounds} {
		a.checks[c] = &checkCounters{}
	}
	for i := range a.shards {
		a.shards[i] = &latencyShard{hist: hdrhistogram.New(1, a.maxMicros, 3)}
	}

	ns := config.Namespace
	a.requestsVec = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "requests_total",
			Help:      "Redirect lookups issued, by key tier and result",
		},
		[]string{"tier", "result"},
	)
	a.latencyVec = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "request_duration_seconds",
			Help:      "Redirect lookup latency in seconds",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"tier"},
	)
	a.checksVec = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "telemetry_checks_total",
			Help:      "External telemetry checks, by check and result",
		},
		[]string{"check", "result"},
	)
	a.hitRateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "external_hit_rate",
		Help:      "Cache hit rate reported by the backing store",
	})
	a.throughputGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "throughput_requests_per_second",
		Help:      "Requests per second since the run started",
	})
	a.memoryGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "external_memory_bytes",
		Help:      "Memory reported by the backing store",
	})
	a.registry.MustRegister(a.requestsVec, a.latencyVec, a.checksVec,
		a.hitRateGauge, a.throughputGauge, a.memoryGauge)
	return a
}

// RecordOutcome adds one lookup result.
func (a *Aggregator) RecordOutcome(o executor.Outcome) {
	a.total.Add(1)
	result := "success"
	if !o.Success {
		a.failures.Add(1)
		result = "failure"
	}
	if o.Err != nil {
		a.errored.Add(1)
	}
	if o.CacheHitProxy {
		a.cacheHits.Add(1)
	}
	if tc, ok := a.tiers[o.Tier]; ok {
		tc.requests.Add(1)
		if !o.Success {
			tc.failures.Add(1)
		}
	}

	micros := o.Latency.Microseconds()
	if micros < 1 {
		micros = 1
	}
	if micros > a.maxMicros {
		micros = a.maxMicros
	}
	shard := a.shards[a.nextShard.Add(1)%uint64(len(a.shards))]
	shard.mu.Lock()
	_ = shard.hist.RecordValue(micros)
	shard.mu.Unlock()

	tier := string(o.Tier)
	a.requestsVec.WithLabelValues(tier, result).Inc()
	a.latencyVec.WithLabelValues(tier).Observe(o.Latency.Seconds())
}

// RecordExternalHitRate stores the latest cache hit rate. Non-finite values
// are dropped.
func (a *Aggregator) RecordExternalHitRate(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	a.hitRate.Store(math.Float64bits(v))
	a.hitRateSamples.Add(1)
	a.hitRateGauge.Set(v)
}

// RecordMemoryBytes stores the latest memory reading from the backing store.
func (a *Aggregator) RecordMemoryBytes(v int64) {
	a.memoryBytes.Store(v)
	a.memoryGauge.Set(float64(v))
}

// RecordCheck counts one telemetry check result.
func (a *Aggregator) RecordCheck(name string, pass bool) {
	result := "pass"
	if c, ok := a.checks[name]; ok {
		if pass {
			c.passes.Add(1)
		} else {
			c.fails.Add(1)
		}
	}
	if !pass {
		result = "fail"
	}
	a.checksVec.WithLabelValues(name, result).Inc()
}

// SnapshotThroughput records total/elapsed and returns it. Nothing is
// recorded when elapsed is not positive or the rate is not finite.
func (a *Aggregator) SnapshotThroughput(elapsedSeconds float64) (float64, bool) {
	if !(elapsedSeconds > 0) {
		return 0, false
	}
	rate := float64(a.total.Load()) / elapsedSeconds
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return 0, false
	}
	a.throughput.Store(math.Float64bits(rate))
	a.throughputN.Add(1)
	a.throughputGauge.Set(rate)
	return rate, true
}

// Total returns the number of recorded outcomes.
func (a *Aggregator) Total() int64 {
	return a.total.Load()
}

// Registry exposes the Prometheus registry the aggregator writes to.
func (a *Aggregator) Registry() *prometheus.Registry {
	return a.registry
}

// Handler serves the registry in the Prometheus text format.
func (a *Aggregator) Handler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
}

// LatencyStats are in milliseconds.
type LatencyStats struct {
	Count int64   `json:"count"`
	Min   float64 `json:"min"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Max   float64 `json:"max"`
}

// TierStats are per-tier request counts.
type TierStats struct {
	Requests  int64   `json:"requests"`
	Failures  int64   `json:"failures"`
	ErrorRate float64 `json:"errorRate"`
}

// CheckStats count telemetry check results.
type CheckStats struct {
	Passes int64 `json:"passes"`
	Fails  int64 `json:"fails"`
}

// Summary is a point-in-time view of everything recorded.
type Summary struct {
	TotalRequests          int64                         `json:"totalRequests"`
	Failures               int64                         `json:"failures"`
	TransportErrors        int64                         `json:"transportErrors"`
	ErrorRate              float64                       `json:"errorRate"`
	CacheHitProxyCount     int64                         `json:"cacheHitProxyCount"`
	CacheHitProxyRate      float64                       `json:"cacheHitProxyRate"`
	Latency                LatencyStats                  `json:"latencyMs"`
	Tiers                  map[population.Tier]TierStats `json:"tiers"`
	ExternalHitRate        float64                       `json:"externalHitRate"`
	ExternalHitRateSamples int64                         `json:"externalHitRateSamples"`
	ExternalMemoryBytes    int64                         `json:"externalMemoryBytes"`
	Throughput             float64                       `json:"throughput"`
	ThroughputSamples      int64                         `json:"throughputSamples"`
	Checks                 map[string]CheckStats         `json:"checks"`
}

// Summary merges the latency shards and reads every counter.
func (a *Aggregator) Summary() Summary {
	s := Summary{
		TotalRequests:          a.total.Load(),
		Failures:               a.failures.Load(),
		TransportErrors:        a.errored.Load(),
		CacheHitProxyCount:     a.cacheHits.Load(),
		Tiers:                  make(map[population.Tier]TierStats),
		ExternalHitRateSamples: a.hitRateSamples.Load(),
		ExternalMemoryBytes:    a.memoryBytes.Load(),
		ThroughputSamples:      a.throughputN.Load(),
		Checks:                 make(map[string]CheckStats, len(a.checks)),
	}
	if s.TotalRequests > 0 {
		s.ErrorRate = float64(s.Failures) / float64(s.TotalRequests)
		s.CacheHitProxyRate = float64(s.CacheHitProxyCount) / float64(s.TotalRequests)
	}
	if s.ExternalHitRateSamples > 0 {
		s.ExternalHitRate = math.Float64frombits(a.hitRate.Load())
	}
	if s.ThroughputSamples > 0 {
		s.Throughput = math.Float64frombits(a.throughput.Load())
	}
	for t, tc := range a.tiers {
		ts := TierStats{Requests: tc.requests.Load(), Failures: tc.failures.Load()}
		if ts.Requests == 0 {
			continue
		}
		ts.ErrorRate = float64(ts.Failures) / float64(ts.Requests)
		s.Tiers[t] = ts
	}
	for name, c := range a.checks {
		s.Checks[name] = CheckStats{Passes: c.passes.Load(), Fails: c.fails.Load()}
	}
	s.Latency = a.latency()
	return s
}

func (a *Aggregator) latency() LatencyStats {
	merged := hdrhistogram.New(1, a.maxMicros, 3)
	for _, sh := range a.shards {
		sh.mu.Lock()
		merged.Merge(sh.hist)
		sh.mu.Unlock()
	}
	if merged.TotalCount() == 0 {
		return LatencyStats{}
	}
	ms := func(micros int64) float64 { return float64(micros) / 1000 }
	return LatencyStats{
		Count: merged.TotalCount(),
		Min:   ms(merged.Min()),
		Avg:   merged.Mean() / 1000,
		P50:   ms(merged.ValueAtQuantile(50)),
		P90:   ms(merged.ValueAtQuantile(90)),
		P95:   ms(merged.ValueAtQuantile(95)),
		P99:   ms(merged.ValueAtQuantile(99)),
		Max:   ms(merged.Max()),
	}
}
