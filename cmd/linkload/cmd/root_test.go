package cmd

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/linkload/internal/loadtest"
	"github.com/FairForge/linkload/internal/metrics"
	"github.com/FairForge/linkload/internal/population"
	"github.com/FairForge/linkload/internal/report"
	"github.com/FairForge/linkload/internal/stubservice"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "linkload.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const lenientThresholds = `
log:
  level: error
  format: console
thresholds:
  name: smoke
  objectives:
    - {name: Failed Lookups, metric: error_rate, target: 0.01, comparator: "<", priority: critical}
`

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "linkload dev\n", out)
}

func TestRun_AgainstStub(t *testing.T) {
	srv := httptest.NewServer(stubservice.New(stubservice.DefaultConfig(), nil).Routes())
	defer srv.Close()

	dir := t.TempDir()
	cfg := writeConfig(t, dir, lenientThresholds)
	dest := filepath.Join(dir, "results", "results-{phase}.json.gz")

	out, err := execute(t, "run", "--config", cfg,
		"--base-url", srv.URL,
		"--keys", "10",
		"--vus", "2",
		"--max-iterations", "50",
		"--report", dest,
		"--phase", "smoke",
		"--label", "ci")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Run Summary")
	assert.Contains(t, out, "Overall Status: PASS")

	saved, err := report.ReadFile(filepath.Join(dir, "results", "results-smoke.json.gz"))
	require.NoError(t, err)
	assert.Equal(t, int64(50), saved.TotalRequests)
	assert.Equal(t, "ci", saved.Label)
	assert.Equal(t, "smoke", saved.Phase)
	assert.Equal(t, 10, saved.Population.Observed)
	assert.True(t, saved.Passed)
}

func TestRun_ThresholdViolated(t *testing.T) {
	srv := httptest.NewServer(stubservice.New(stubservice.DefaultConfig(), nil).Routes())
	defer srv.Close()

	dir := t.TempDir()
	cfg := writeConfig(t, dir, `
log: {level: error}
thresholds:
  name: impossible
  objectives:
    - {name: Instant, metric: latency_max, target: 0, comparator: "<", priority: critical}
`)
	_, err := execute(t, "run", "--config", cfg,
		"--base-url", srv.URL,
		"--keys", "5",
		"--vus", "1",
		"--max-iterations", "5",
		"--report", filepath.Join(dir, "out.json"))
	require.ErrorIs(t, err, loadtest.ErrThresholdViolated)
	assert.FileExists(t, filepath.Join(dir, "out.json"), "failed runs still write a report")
}

func TestRun_EmptyPopulation(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, lenientThresholds)
	_, err := execute(t, "run", "--config", cfg,
		"--base-url", "http://127.0.0.1:1",
		"--keys", "3",
		"--max-iterations", "5",
		"--report", filepath.Join(dir, "out.json"))
	require.ErrorIs(t, err, loadtest.ErrEmptyPopulation)
	assert.NotErrorIs(t, err, loadtest.ErrThresholdViolated)
}

func TestRun_InvalidConfig(t *testing.T) {
	_, err := execute(t, "run", "--vus", "0", "--mode", "download")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "population.mode")
	assert.NotErrorIs(t, err, loadtest.ErrThresholdViolated)
}

func TestDatasetThenLoad(t *testing.T) {
	srv := httptest.NewServer(stubservice.New(stubservice.DefaultConfig(), nil).Routes())
	defer srv.Close()

	dir := t.TempDir()
	cfg := writeConfig(t, dir, lenientThresholds)
	dataset := filepath.Join(dir, "data", "dataset.json")

	out, err := execute(t, "dataset", "--config", cfg,
		"--base-url", srv.URL,
		"--variant", "tiered",
		"--keys", "100",
		"--out", dataset)
	require.NoError(t, err, out)
	assert.Contains(t, out, "wrote")
	require.FileExists(t, dataset)

	out, err = execute(t, "run", "--config", cfg,
		"--base-url", srv.URL,
		"--mode", "load",
		"--variant", "tiered",
		"--dataset", dataset,
		"--vus", "2",
		"--max-iterations", "40",
		"--report", filepath.Join(dir, "run.json"))
	require.NoError(t, err, out)

	saved, err := report.ReadFile(filepath.Join(dir, "run.json"))
	require.NoError(t, err)
	assert.Equal(t, int64(40), saved.TotalRequests)
	assert.Positive(t, saved.Population.Composition[population.TierInvalid])
}

func TestLoadMode_InfersVariantFromDataset(t *testing.T) {
	srv := httptest.NewServer(stubservice.New(stubservice.DefaultConfig(), nil).Routes())
	defer srv.Close()

	dir := t.TempDir()
	cfg := writeConfig(t, dir, lenientThresholds)
	dataset := filepath.Join(dir, "dataset.json")

	_, err := execute(t, "dataset", "--config", cfg,
		"--base-url", srv.URL,
		"--variant", "tiered",
		"--keys", "200",
		"--out", dataset)
	require.NoError(t, err)

	// No --variant: the binary default must not be applied to tiered keys.
	out, err := execute(t, "run", "--config", cfg,
		"--base-url", srv.URL,
		"--mode", "load",
		"--dataset", dataset,
		"--vus", "2",
		"--max-iterations", "200",
		"--report", filepath.Join(dir, "run.json"))
	require.NoError(t, err, out)

	saved, err := report.ReadFile(filepath.Join(dir, "run.json"))
	require.NoError(t, err)
	assert.Equal(t, int64(200), saved.TotalRequests)
	tiers := saved.Metrics.Tiers
	assert.NotEmpty(t, tiers)
	assert.Less(t, tiers[population.TierHot].Requests, int64(200), "traffic spread beyond hot")
	assert.Zero(t, saved.Metrics.CacheHitProxyCount, "latency proxy is off for tiered runs")
}

func TestDataset_RequiresOut(t *testing.T) {
	_, err := execute(t, "dataset")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--out")
}

func saveReport(t *testing.T, path string, rps, p95 float64) {
	t.Helper()
	r := &loadtest.Report{
		RunID:             filepath.Base(path),
		AverageThroughput: rps,
		Metrics: metrics.Summary{
			TotalRequests: 100,
			Latency:       metrics.LatencyStats{Count: 100, Avg: p95 / 2, P95: p95, P99: p95 * 2},
		},
	}
	require.NoError(t, report.NewFileSink(path).Write(context.Background(), r))
}

func TestCompare(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "baseline.json")
	same := filepath.Join(dir, "same.json.zst")
	slow := filepath.Join(dir, "slow.json")
	saveReport(t, base, 1000, 5)
	saveReport(t, same, 1000, 5)
	saveReport(t, slow, 500, 5)

	out, err := execute(t, "compare", base, same)
	require.NoError(t, err)
	assert.Contains(t, out, "Overall Status: pass")

	out, err = execute(t, "compare", base, slow)
	require.ErrorIs(t, err, loadtest.ErrThresholdViolated)
	assert.Contains(t, out, "Regressions: [requests_per_sec]")

	_, err = execute(t, "compare", base, slow, "--threshold", "requests_per_sec=60")
	require.NoError(t, err)

	_, err = execute(t, "compare", base, filepath.Join(dir, "missing.json"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, loadtest.ErrThresholdViolated)
}

func TestMetricsRouter(t *testing.T) {
	agg := metrics.NewAggregator(metrics.DefaultConfig())
	srv := httptest.NewServer(metricsRouter(agg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestParseThreshold(t *testing.T) {
	metric, pct, err := parseThreshold("p95_latency_ms=12.5")
	require.NoError(t, err)
	assert.Equal(t, "p95_latency_ms", metric)
	assert.Equal(t, 12.5, pct)

	for _, bad := range []string{"p95_latency_ms", "=5", "bogus=5", "error_rate=-1", "error_rate=x"} {
		_, _, err := parseThreshold(bad)
		assert.Error(t, err, bad)
	}
}
