// Package loadtest drives synthetic redirect traffic against a URL
// shortener and validates the run against latency, error and throughput
// objectives.
//
// # Overview
//
// A run moves through five phases:
//
//	INIT -> SYNTHESIZING -> RUNNING -> TEARDOWN -> DONE
//
// During SYNTHESIZING the Controller asks its population.Source for keys
// exactly once. An empty population skips RUNNING entirely and the run
// fails with ErrEmptyPopulation. During RUNNING a pool of virtual users
// (VUs) loops select, execute and record until the duration elapses, the
// iteration cap is reached, or the parent context is cancelled. Lookups in
// flight at that moment finish; no new ones start. TEARDOWN reads the
// metrics.Aggregator, validates the SLA and builds a Report.
//
// # Quick Start
//
//	agg := metrics.NewAggregator(metrics.DefaultConfig())
//	ctrl, err := loadtest.NewController(loadtest.Config{
//	    Name:     "cache",
//	    VUs:      100,
//	    Duration: time.Minute,
//	}, loadtest.Components{
//	    Source:     population.NewLoader("dataset.json", logger),
//	    Weights:    selector.DefaultTieredWeights(),
//	    Executor:   executor.New(executor.Config{BaseURL: "http://localhost:8080"}),
//	    Aggregator: agg,
//	    SLA:        loadtest.DefaultRedirectSLA(),
//	    Logger:     logger,
//	})
//	if err != nil {
//	    return err
//	}
//	report, err := ctrl.Run(ctx)
//
// # Load Profiles
//
// Constant: VUs loop for Duration. Ramping: Stages list {Duration, Target}
// pairs and the VU count is interpolated linearly from StartVUs.
// Either can be combined with MaxIterations, a per-iteration ThinkTime and
// a global MaxRPS cap.
//
// # Thresholds
//
// An SLA is a list of SLOs. Latency targets are milliseconds, error and hit
// rates are ratios. An objective whose metric has no data fails. Any failed
// objective makes Run return an error wrapping ErrThresholdViolated.
//
// # Comparing Runs
//
// Comparer reports per-metric regressions between two saved reports using
// relative thresholds (see DefaultThresholds).
package loadtest
