package stubservice

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/linkload/internal/executor"
	"github.com/FairForge/linkload/internal/loadtest"
	"github.com/FairForge/linkload/internal/metrics"
	"github.com/FairForge/linkload/internal/population"
	"github.com/FairForge/linkload/internal/selector"
	"github.com/FairForge/linkload/internal/telemetry"
)

func create(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/urls", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestEncode(t *testing.T) {
	assert.Equal(t, "0", Encode(0))
	assert.Equal(t, "1", Encode(1))
	assert.Equal(t, "Z", Encode(61))
	assert.Equal(t, "10", Encode(62))
	assert.Len(t, Encode(^uint64(0)), 11)
}

func TestCreateAndRedirect(t *testing.T) {
	svc := New(DefaultConfig(), zap.NewNop())
	h := svc.Routes()

	w := create(t, h, `{"originalUrl":"https://example.com/a?x=1","alias":null,"expiresAt":null}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp createResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "1", resp.ShortCode)
	assert.Equal(t, "http://localhost:8080/1", resp.ShortURL)
	assert.Equal(t, "https://example.com/a?x=1", resp.OriginalURL)

	w = get(h, "/"+resp.ShortCode)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://example.com/a?x=1", w.Header().Get("Location"))

	w = get(h, "/INVALID000001")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, w.Header().Get("Location"))
	assert.Equal(t, 1, svc.Len())
}

func TestCreate_Validation(t *testing.T) {
	h := New(DefaultConfig(), nil).Routes()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"missing url", `{"originalUrl":""}`, http.StatusBadRequest},
		{"bad scheme", `{"originalUrl":"ftp://example.com"}`, http.StatusBadRequest},
		{"no host", `{"originalUrl":"https://"}`, http.StatusBadRequest},
		{"bad expiry", `{"originalUrl":"https://example.com","expiresAt":"tomorrow"}`, http.StatusBadRequest},
		{"alias", `{"originalUrl":"https://example.com","alias":"promo"}`, http.StatusCreated},
		{"alias taken", `{"originalUrl":"https://example.com/2","alias":"promo"}`, http.StatusConflict},
		{"reserved metrics", `{"originalUrl":"https://example.com","alias":"metrics"}`, http.StatusBadRequest},
		{"reserved urls", `{"originalUrl":"https://example.com","alias":"urls"}`, http.StatusBadRequest},
		{"reserved admin", `{"originalUrl":"https://example.com","alias":"admin"}`, http.StatusBadRequest},
		{"multi segment", `{"originalUrl":"https://example.com","alias":"a/b"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, create(t, h, tt.body).Code)
		})
	}
}

func TestRedirect_Expired(t *testing.T) {
	h := New(DefaultConfig(), nil).Routes()
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)

	w := create(t, h, `{"originalUrl":"https://example.com","expiresAt":"`+past+`"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp createResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))

	assert.Equal(t, http.StatusNotFound, get(h, "/"+resp.ShortCode).Code)
}

func TestCacheAccounting(t *testing.T) {
	svc := New(Config{CacheSize: 1}, nil)
	h := svc.Routes()
	for _, u := range []string{"https://a.example", "https://b.example"} {
		require.Equal(t, http.StatusCreated, create(t, h, `{"originalUrl":"`+u+`"}`).Code)
	}

	get(h, "/1") // miss
	get(h, "/1") // hit
	get(h, "/2") // miss, evicts 1
	get(h, "/1") // miss
	get(h, "/nope")

	hits, misses := svc.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(4), misses)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	svc := New(Config{CacheSize: 2}, nil)
	h := svc.Routes()
	for _, u := range []string{"https://a.example", "https://b.example", "https://c.example"} {
		require.Equal(t, http.StatusCreated, create(t, h, `{"originalUrl":"`+u+`"}`).Code)
	}

	get(h, "/1") // miss
	get(h, "/2") // miss
	get(h, "/1") // hit, 1 is now most recent
	get(h, "/3") // miss, evicts 2
	get(h, "/1") // hit
	get(h, "/2") // miss

	hits, misses := svc.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(4), misses)
}

func TestMetricsEndpoint(t *testing.T) {
	svc := New(DefaultConfig(), nil)
	h := svc.Routes()
	require.Equal(t, http.StatusCreated, create(t, h, `{"originalUrl":"https://example.com"}`).Code)
	for i := 0; i < 4; i++ {
		get(h, "/1")
	}

	w := get(h, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)

	sample, err := telemetry.Parse(w.Body, telemetry.DefaultNames())
	require.NoError(t, err)
	assert.Equal(t, int64(3), sample.Hits)
	assert.Equal(t, int64(1), sample.Misses)
	assert.InDelta(t, 0.75, sample.HitRate, 1e-9)
	assert.True(t, sample.FoundMemory)
	assert.Equal(t, int64(len("1")+len("https://example.com")), sample.MemoryBytes)
}

func TestMetricsEndpoint_LargeCounters(t *testing.T) {
	svc := New(DefaultConfig(), nil)
	svc.hits.Store(1_200_000)
	svc.misses.Store(300_000)

	w := get(svc.Routes(), "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "redis_keyspace_hits_total 1.2e+06")

	sample, err := telemetry.Parse(w.Body, telemetry.DefaultNames())
	require.NoError(t, err)
	assert.Equal(t, int64(1_200_000), sample.Hits)
	assert.InDelta(t, 0.8, sample.HitRate, 1e-9)
}

func TestHealth(t *testing.T) {
	w := get(New(DefaultConfig(), nil).Routes(), "/admin/health")
	assert.Equal(t, http.StatusOK, w.Code)
	body, _ := io.ReadAll(w.Body)
	assert.JSONEq(t, `{"status":"ok"}`, string(bytes.TrimSpace(body)))
}

// TestEndToEnd synthesizes keys against the stub, drives a fixed number
// of lookups and scrapes the stub's cache counters.
func TestEndToEnd(t *testing.T) {
	svc := New(Config{CacheSize: 100}, nil)
	srv := httptest.NewServer(svc.Routes())
	defer srv.Close()

	synth := population.NewSynthesizer(population.SynthesizerConfig{
		BaseURL:    srv.URL,
		Count:      10,
		Variant:    population.VariantBinary,
		HealthPath: "/admin/health",
	}, srv.Client(), zap.NewNop())

	agg := metrics.NewAggregator(metrics.DefaultConfig())
	scraper := telemetry.NewScraper(telemetry.Config{
		URL:      srv.URL + "/metrics",
		Interval: 10 * time.Millisecond,
	}, agg, zap.NewNop())

	ctrl, err := loadtest.NewController(loadtest.Config{
		Name:                    "stub",
		VUs:                     4,
		MaxIterations:           100,
		ThinkTime:               2 * time.Millisecond,
		RequestedKeys:           10,
		EnableExternalTelemetry: true,
	}, loadtest.Components{
		Source:     synth,
		Weights:    selector.DefaultBinaryWeights(),
		Executor:   executor.New(executor.Config{BaseURL: srv.URL, Timeout: 2 * time.Second}),
		Aggregator: agg,
		Scraper:    scraper,
		SLA:        loadtest.CreateCustomSLA("stub", "", loadtest.NewErrorRateSLO("Failed Lookups", 0.01, loadtest.PriorityCritical)),
	})
	require.NoError(t, err)

	report, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(100), report.TotalRequests)
	assert.Zero(t, report.Metrics.ErrorRate)
	assert.Equal(t, 10, report.Population.Observed)
	assert.Equal(t, 10, svc.Len())
	assert.GreaterOrEqual(t, report.Metrics.ExternalHitRateSamples, int64(1))
	assert.True(t, report.Passed)

	hits, misses := svc.Stats()
	assert.Equal(t, int64(100), hits+misses)
}
