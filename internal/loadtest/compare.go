package loadtest

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ComparisonStatus indicates whether performance is acceptable.
type ComparisonStatus string

const (
	StatusPass       ComparisonStatus = "pass"
	StatusRegression ComparisonStatus = "regression"
	StatusImproved   ComparisonStatus = "improved"
)

// Compared metric names
const (
	CompareThroughput = "requests_per_sec"
	CompareAvgLatency = "avg_latency_ms"
	CompareP95Latency = "p95_latency_ms"
	CompareP99Latency = "p99_latency_ms"
	CompareErrorRate  = "error_rate"
)

// DefaultThresholds for run comparisons (percentage deviation allowed).
var DefaultThresholds = map[string]float64{
	CompareThroughput: 10.0, // Allow 10% RPS decrease
	CompareAvgLatency: 15.0, // Allow 15% latency increase
	CompareP95Latency: 20.0, // Allow 20% P95 increase
	CompareP99Latency: 25.0, // Allow 25% P99 increase
	CompareErrorRate:  50.0, // Allow 50% error rate increase (relative)
}

// Difference captures the delta between baseline and current values.
type Difference struct {
	Metric      string           `json:"metric"`
	BaselineVal float64          `json:"baseline"`
	CurrentVal  float64          `json:"current"`
	DeltaAbs    float64          `json:"deltaAbs"`
	DeltaPct    float64          `json:"deltaPct"`
	Status      ComparisonStatus `json:"status"`
	Threshold   float64          `json:"threshold"`
}

// Comparison is the result of comparing a run against a baseline run.
type Comparison struct {
	Baseline      *Report               `json:"-"`
	Current       *Report               `json:"-"`
	Differences   map[string]Difference `json:"differences"`
	OverallStatus ComparisonStatus      `json:"overallStatus"`
	Regressions   []string              `json:"regressions,omitempty"`
	Improvements  []string              `json:"improvements,omitempty"`
}

// Comparer compares runs with per-metric thresholds.
type Comparer struct {
	thresholds map[string]float64
}

// NewComparer starts from DefaultThresholds.
func NewComparer() *Comparer {
	c := &Comparer{thresholds: make(map[string]float64, len(DefaultThresholds))}
	for k, v := range DefaultThresholds {
		c.thresholds[k] = v
	}
	return c
}

// SetThreshold sets a custom threshold for a metric.
func (c *Comparer) SetThreshold(metric string, threshold float64) {
	c.thresholds[metric] = threshold
}

// Compare compares current against baseline.
func (c *Comparer) Compare(baseline, current *Report) *Comparison {
	comparison := &Comparison{
		Baseline:    baseline,
		Current:     current,
		Differences: make(map[string]Difference),
	}

	// For throughput, regression means decrease
	comparison.Differences[CompareThroughput] = higherIsBetter(CompareThroughput,
		baseline.AverageThroughput, current.AverageThroughput, c.thresholds[CompareThroughput])

	// For latency, regression means increase
	bl, cl := baseline.Metrics.Latency, current.Metrics.Latency
	comparison.Differences[CompareAvgLatency] = lowerIsBetter(CompareAvgLatency, bl.Avg, cl.Avg, c.thresholds[CompareAvgLatency])
	comparison.Differences[CompareP95Latency] = lowerIsBetter(CompareP95Latency, bl.P95, cl.P95, c.thresholds[CompareP95Latency])
	comparison.Differences[CompareP99Latency] = lowerIsBetter(CompareP99Latency, bl.P99, cl.P99, c.thresholds[CompareP99Latency])

	comparison.Differences[CompareErrorRate] = compareErrorRate(baseline.Metrics.ErrorRate,
		current.Metrics.ErrorRate, c.thresholds[CompareErrorRate])

	hasRegression := false
	for metric, diff := range comparison.Differences {
		switch diff.Status {
		case StatusRegression:
			hasRegression = true
			comparison.Regressions = append(comparison.Regressions, metric)
		case StatusImproved:
			comparison.Improvements = append(comparison.Improvements, metric)
		}
	}
	sort.Strings(comparison.Regressions)
	sort.Strings(comparison.Improvements)

	if hasRegression {
		comparison.OverallStatus = StatusRegression
	} else {
		comparison.OverallStatus = StatusPass
	}

	return comparison
}

func newDifference(metric string, baseline, current, threshold float64) Difference {
	diff := Difference{
		Metric:      metric,
		BaselineVal: baseline,
		CurrentVal:  current,
		DeltaAbs:    current - baseline,
		Threshold:   threshold,
	}
	if baseline > 0 {
		diff.DeltaPct = (current - baseline) / baseline * 100
	}
	return diff
}

// higherIsBetter compares throughput metrics.
func higherIsBetter(metric string, baseline, current, threshold float64) Difference {
	diff := newDifference(metric, baseline, current, threshold)
	switch {
	case diff.DeltaPct < -threshold:
		diff.Status = StatusRegression
	case diff.DeltaPct > threshold:
		diff.Status = StatusImproved
	default:
		diff.Status = StatusPass
	}
	return diff
}

// lowerIsBetter compares latency metrics.
func lowerIsBetter(metric string, baseline, current, threshold float64) Difference {
	diff := newDifference(metric, baseline, current, threshold)
	switch {
	case diff.DeltaPct > threshold:
		diff.Status = StatusRegression
	case diff.DeltaPct < -threshold:
		diff.Status = StatusImproved
	default:
		diff.Status = StatusPass
	}
	return diff
}

// compareErrorRate is lowerIsBetter except that any failures against a
// clean baseline count as a regression.
func compareErrorRate(baseline, current, threshold float64) Difference {
	if baseline == 0 {
		diff := newDifference(CompareErrorRate, baseline, current, threshold)
		diff.Status = StatusPass
		if current > 0 {
			diff.Status = StatusRegression
		}
		return diff
	}
	return lowerIsBetter(CompareErrorRate, baseline, current, threshold)
}

// GenerateReport creates a human-readable comparison report.
func (c *Comparison) GenerateReport() string {
	var b strings.Builder

	b.WriteString("Performance Comparison Report\n")
	b.WriteString("=============================\n\n")
	describe := func(role string, r *Report) {
		if r == nil {
			return
		}
		name := r.Label
		if name == "" {
			name = r.RunID
		}
		fmt.Fprintf(&b, "%s: %s", role, name)
		if r.Phase != "" {
			fmt.Fprintf(&b, " [%s]", r.Phase)
		}
		fmt.Fprintf(&b, " started %s\n", r.StartedAt.Format(time.RFC3339))
	}
	describe("Baseline", c.Baseline)
	describe("Current", c.Current)

	fmt.Fprintf(&b, "\nOverall Status: %s\n\n", c.OverallStatus)
	b.WriteString("Metric Comparison:\n")
	b.WriteString("-----------------\n")

	metrics := make([]string, 0, len(c.Differences))
	for m := range c.Differences {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)
	for _, metric := range metrics {
		diff := c.Differences[metric]
		statusIcon := "✓"
		switch diff.Status {
		case StatusRegression:
			statusIcon = "✗"
		case StatusImproved:
			statusIcon = "↑"
		}
		fmt.Fprintf(&b, "%s %s: %.2f → %.2f (%.1f%%) [threshold: %.1f%%]\n",
			statusIcon, metric, diff.BaselineVal, diff.CurrentVal, diff.DeltaPct, diff.Threshold)
	}

	if len(c.Regressions) > 0 {
		fmt.Fprintf(&b, "\nRegressions: %v\n", c.Regressions)
	}
	if len(c.Improvements) > 0 {
		fmt.Fprintf(&b, "Improvements: %v\n", c.Improvements)
	}

	return b.String()
}
