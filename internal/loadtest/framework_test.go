package loadtest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/FairForge/linkload/internal/executor"
	"github.com/FairForge/linkload/internal/metrics"
	"github.com/FairForge/linkload/internal/population"
	"github.com/FairForge/linkload/internal/selector"
)

type staticSource struct {
	pop   *population.Population
	err   error
	calls atomic.Int64
}

func (s *staticSource) Build(ctx context.Context) (*population.Population, error) {
	s.calls.Add(1)
	return s.pop, s.err
}

func keys(t *testing.T, n int, tier population.Tier) *population.Population {
	t.Helper()
	b := population.NewBuilder()
	for i := 0; i < n; i++ {
		if err := b.Add(population.KeyRecord{Identifier: "k" + strconv.Itoa(i), Tier: tier}); err != nil {
			t.Fatal(err)
		}
	}
	return b.Build()
}

// fakeExecutor succeeds instantly unless fail is set.
type fakeExecutor struct {
	fail  bool
	delay time.Duration
	calls atomic.Int64
}

func (f *fakeExecutor) Execute(ctx context.Context, key population.KeyRecord) executor.Outcome {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return executor.Outcome{
		IssuedAt:    time.Now(),
		Latency:     time.Millisecond,
		StatusCode:  http.StatusFound,
		HasLocation: true,
		Tier:        key.Tier,
		Success:     !f.fail,
	}
}

type countingScraper struct {
	runs atomic.Int64
}

func (s *countingScraper) Run(ctx context.Context) error {
	s.runs.Add(1)
	<-ctx.Done()
	return nil
}

func TestTargetVUs(t *testing.T) {
	stages := []Stage{
		{Duration: 10 * time.Second, Target: 10},
		{Duration: 10 * time.Second, Target: 30},
		{Duration: 10 * time.Second, Target: 0},
	}
	tests := []struct {
		elapsed time.Duration
		want    int
	}{
		{0, 0},
		{5 * time.Second, 5},
		{10 * time.Second, 10},
		{15 * time.Second, 20},
		{25 * time.Second, 15},
		{29 * time.Second, 3},
		{time.Minute, 0},
	}
	for _, tt := range tests {
		if got := TargetVUs(stages, 0, tt.elapsed); got != tt.want {
			t.Errorf("TargetVUs(%v) = %d, want %d", tt.elapsed, got, tt.want)
		}
	}
	if got := TargetVUs(stages, 4, 0); got != 4 {
		t.Errorf("expected start VUs at t=0, got %d", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{VUs: 1, Duration: time.Second}
	if err := valid.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	iterationsOnly := Config{VUs: 2, MaxIterations: 10}
	if err := iterationsOnly.Validate(); err != nil {
		t.Errorf("iteration cap alone should be valid: %v", err)
	}

	bad := Config{VUs: 0, ThinkTime: -1, MaxRPS: -5}
	err := bad.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"vus", "duration", "think time", "max rps"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %q", want, err.Error())
		}
	}

	stages := Config{Stages: []Stage{{Duration: 0, Target: 5}}}
	if err := stages.Validate(); err == nil {
		t.Error("expected error for zero stage duration")
	}

	if got := (&Config{Stages: DefaultStages()}).TotalDuration(); got != 8*time.Minute {
		t.Errorf("expected 8m total, got %v", got)
	}
}

func TestNewController_Invalid(t *testing.T) {
	_, err := NewController(Config{VUs: 1, Duration: time.Second, EnableExternalTelemetry: true}, Components{})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"source", "executor", "aggregator", "scraper"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %q", want, err.Error())
		}
	}
}

func TestController_EndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://example.com"+r.URL.Path)
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	src := &staticSource{pop: keys(t, 10, population.TierPopular)}
	agg := metrics.NewAggregator(metrics.DefaultConfig())
	ctrl, err := NewController(Config{
		Name:          "e2e",
		VUs:           4,
		MaxIterations: 100,
		RequestedKeys: 10,
	}, Components{
		Source:     src,
		Weights:    selector.DefaultBinaryWeights(),
		Executor:   executor.New(executor.Config{BaseURL: srv.URL, Timeout: 2 * time.Second}),
		Aggregator: agg,
		SLA:        CreateCustomSLA("e2e", "", NewErrorRateSLO("Failed Lookups", 0.01, PriorityCritical)),
	})
	if err != nil {
		t.Fatal(err)
	}

	report, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.TotalRequests != 100 {
		t.Errorf("expected 100 requests, got %d", report.TotalRequests)
	}
	if report.Metrics.ErrorRate != 0 {
		t.Errorf("expected error rate 0, got %v", report.Metrics.ErrorRate)
	}
	if !report.Passed {
		t.Error("expected run to pass")
	}
	if report.Population.Observed != 10 || report.Population.Requested != 10 {
		t.Errorf("unexpected population report %+v", report.Population)
	}
	if src.calls.Load() != 1 {
		t.Errorf("expected source built once, got %d", src.calls.Load())
	}
	if ctrl.Phase() != PhaseDone {
		t.Errorf("expected DONE, got %s", ctrl.Phase())
	}
	if report.RunID == "" {
		t.Error("expected run id")
	}
}

func TestController_EmptyPopulation(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	exec := &fakeExecutor{}
	ctrl, err := NewController(Config{VUs: 2, Duration: time.Second}, Components{
		Source:     &staticSource{pop: population.NewBuilder().Build(), err: population.ErrCreationFailed},
		Executor:   exec,
		Aggregator: metrics.NewAggregator(metrics.DefaultConfig()),
	})
	if err != nil {
		t.Fatal(err)
	}

	report, err := ctrl.Run(context.Background())
	if !errors.Is(err, ErrEmptyPopulation) {
		t.Fatalf("expected ErrEmptyPopulation, got %v", err)
	}
	if report == nil || report.Error == "" {
		t.Fatal("expected report with error")
	}
	if exec.calls.Load() != 0 {
		t.Errorf("expected no lookups, got %d", exec.calls.Load())
	}
	if ctrl.Phase() != PhaseDone {
		t.Errorf("expected DONE, got %s", ctrl.Phase())
	}
	if report.Passed {
		t.Error("empty run must not pass")
	}
}

func TestController_TierMismatch(t *testing.T) {
	b := population.NewBuilder()
	for i, tier := range []population.Tier{population.TierHot, population.TierWarm, population.TierCold, population.TierInvalid} {
		if err := b.Add(population.KeyRecord{Identifier: "k" + strconv.Itoa(i), Tier: tier}); err != nil {
			t.Fatal(err)
		}
	}

	exec := &fakeExecutor{}
	ctrl, err := NewController(Config{VUs: 1, MaxIterations: 10}, Components{
		Source:     &staticSource{pop: b.Build()},
		Weights:    selector.DefaultBinaryWeights(),
		Executor:   exec,
		Aggregator: metrics.NewAggregator(metrics.DefaultConfig()),
	})
	if err != nil {
		t.Fatal(err)
	}

	report, err := ctrl.Run(context.Background())
	if !errors.Is(err, ErrTierMismatch) {
		t.Fatalf("expected ErrTierMismatch, got %v", err)
	}
	if exec.calls.Load() != 0 {
		t.Errorf("expected no lookups, got %d", exec.calls.Load())
	}
	if report.Passed || report.Population.Observed != 4 {
		t.Errorf("unexpected report: passed=%v observed=%d", report.Passed, report.Population.Observed)
	}
}

func TestController_PartialPopulationContinues(t *testing.T) {
	exec := &fakeExecutor{}
	ctrl, err := NewController(Config{VUs: 1, MaxIterations: 5}, Components{
		Source:     &staticSource{pop: keys(t, 3, population.TierHot), err: errors.New("some creations failed")},
		Weights:    selector.DefaultTieredWeights(),
		Executor:   exec,
		Aggregator: metrics.NewAggregator(metrics.DefaultConfig()),
	})
	if err != nil {
		t.Fatal(err)
	}
	report, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.TotalRequests != 5 {
		t.Errorf("expected 5 requests, got %d", report.TotalRequests)
	}
}

func TestController_ThresholdViolated(t *testing.T) {
	ctrl, err := NewController(Config{VUs: 2, MaxIterations: 20}, Components{
		Source:     &staticSource{pop: keys(t, 5, population.TierPopular)},
		Executor:   &fakeExecutor{fail: true},
		Aggregator: metrics.NewAggregator(metrics.DefaultConfig()),
		SLA:        DefaultRedirectSLA(),
	})
	if err != nil {
		t.Fatal(err)
	}

	report, err := ctrl.Run(context.Background())
	if !errors.Is(err, ErrThresholdViolated) {
		t.Fatalf("expected ErrThresholdViolated, got %v", err)
	}
	if report.Passed {
		t.Error("expected failed run")
	}
	if report.Metrics.ErrorRate != 1 {
		t.Errorf("expected error rate 1, got %v", report.Metrics.ErrorRate)
	}
	if !strings.Contains(err.Error(), "Failed Lookups") {
		t.Errorf("expected failed objective named in %q", err.Error())
	}
}

func TestController_DurationStopsLoad(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	exec := &fakeExecutor{delay: time.Millisecond}
	scraper := &countingScraper{}
	ctrl, err := NewController(Config{
		VUs:                     3,
		Duration:                150 * time.Millisecond,
		ThinkTime:               5 * time.Millisecond,
		SnapshotInterval:        20 * time.Millisecond,
		EnableExternalTelemetry: true,
	}, Components{
		Source:     &staticSource{pop: keys(t, 5, population.TierUnpopular)},
		Executor:   exec,
		Aggregator: metrics.NewAggregator(metrics.DefaultConfig()),
		Scraper:    scraper,
	})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	report, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("run took too long: %v", elapsed)
	}
	if report.TotalRequests == 0 {
		t.Error("expected some requests")
	}
	if report.TotalRequests != exec.calls.Load() {
		t.Errorf("recorded %d of %d lookups", report.TotalRequests, exec.calls.Load())
	}
	if scraper.runs.Load() != 1 {
		t.Errorf("expected scraper to run once, got %d", scraper.runs.Load())
	}
	if report.AverageThroughput <= 0 {
		t.Error("expected positive throughput")
	}
	if ctrl.ActiveVUs() != 0 {
		t.Errorf("expected no active VUs after run, got %d", ctrl.ActiveVUs())
	}
}

func TestController_Ramping(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	exec := &fakeExecutor{delay: time.Millisecond}
	var peak atomic.Int64
	ctrl, err := NewController(Config{
		Stages: []Stage{
			{Duration: 100 * time.Millisecond, Target: 4},
			{Duration: 100 * time.Millisecond, Target: 0},
		},
		RampInterval: 10 * time.Millisecond,
	}, Components{
		Source:     &staticSource{pop: keys(t, 5, population.TierHot)},
		Weights:    selector.DefaultTieredWeights(),
		Executor:   exec,
		Aggregator: metrics.NewAggregator(metrics.DefaultConfig()),
	})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.Now().Add(5 * time.Second)
		for range ticker.C {
			if n := int64(ctrl.ActiveVUs()); n > peak.Load() {
				peak.Store(n)
			}
			if ctrl.Phase() == PhaseDone || time.Now().After(deadline) {
				return
			}
		}
	}()

	report, err := ctrl.Run(context.Background())
	<-done
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.TotalRequests == 0 {
		t.Error("expected some requests")
	}
	if p := peak.Load(); p < 2 || p > 4 {
		t.Errorf("expected peak VUs between 2 and 4, got %d", p)
	}
}

func TestController_MaxRPS(t *testing.T) {
	exec := &fakeExecutor{}
	ctrl, err := NewController(Config{
		VUs:      4,
		Duration: 250 * time.Millisecond,
		MaxRPS:   20,
	}, Components{
		Source:     &staticSource{pop: keys(t, 5, population.TierPopular)},
		Executor:   exec,
		Aggregator: metrics.NewAggregator(metrics.DefaultConfig()),
	})
	if err != nil {
		t.Fatal(err)
	}

	report, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.TotalRequests > 12 {
		t.Errorf("expected rate limit to hold, got %d requests", report.TotalRequests)
	}
}

func TestController_ParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := &fakeExecutor{delay: time.Millisecond}
	ctrl, err := NewController(Config{VUs: 2, Duration: time.Hour}, Components{
		Source:     &staticSource{pop: keys(t, 5, population.TierPopular)},
		Executor:   exec,
		Aggregator: metrics.NewAggregator(metrics.DefaultConfig()),
	})
	if err != nil {
		t.Fatal(err)
	}

	time.AfterFunc(50*time.Millisecond, cancel)
	report, err := ctrl.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.DurationSeconds > 5 {
		t.Errorf("cancel did not stop the run: %.1fs", report.DurationSeconds)
	}
}

func TestController_RunOnce(t *testing.T) {
	ctrl, err := NewController(Config{VUs: 1, MaxIterations: 1}, Components{
		Source:     &staticSource{pop: keys(t, 1, population.TierPopular)},
		Executor:   &fakeExecutor{},
		Aggregator: metrics.NewAggregator(metrics.DefaultConfig()),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ctrl.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := ctrl.Run(context.Background()); err == nil {
		t.Error("expected second run to be rejected")
	}
}
