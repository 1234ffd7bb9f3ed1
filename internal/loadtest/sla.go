package loadtest

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/FairForge/linkload/internal/metrics"
)

// ErrThresholdViolated is returned when one or more objectives failed.
var ErrThresholdViolated = errors.New("loadtest: threshold violated")

// SLA is a named set of objectives a run is validated against.
type SLA struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description,omitempty"`
	Objectives  []SLO  `yaml:"objectives" json:"objectives"`
}

// SLO is a single measurable target.
type SLO struct {
	Name       string      `yaml:"name" json:"name"`
	Metric     SLOMetric   `yaml:"metric" json:"metric"`
	Target     float64     `yaml:"target" json:"target"`
	Comparator Comparator  `yaml:"comparator" json:"comparator"`
	Priority   SLOPriority `yaml:"priority" json:"priority"`
}

// SLOMetric identifies what metric the SLO measures.
type SLOMetric string

// Latencies are in milliseconds, rates are ratios in [0,1].
const (
	MetricLatencyAvg        SLOMetric = "latency_avg"
	MetricLatencyP50        SLOMetric = "latency_p50"
	MetricLatencyP90        SLOMetric = "latency_p90"
	MetricLatencyP95        SLOMetric = "latency_p95"
	MetricLatencyP99        SLOMetric = "latency_p99"
	MetricLatencyMax        SLOMetric = "latency_max"
	MetricErrorRate         SLOMetric = "error_rate"
	MetricSuccessRate       SLOMetric = "success_rate"
	MetricThroughput        SLOMetric = "throughput"
	MetricCacheHitProxyRate SLOMetric = "cache_hit_proxy_rate"
	MetricExternalHitRate   SLOMetric = "external_hit_rate"
)

var knownMetrics = map[SLOMetric]bool{
	MetricLatencyAvg: true, MetricLatencyP50: true, MetricLatencyP90: true,
	MetricLatencyP95: true, MetricLatencyP99: true, MetricLatencyMax: true,
	MetricErrorRate: true, MetricSuccessRate: true, MetricThroughput: true,
	MetricCacheHitProxyRate: true, MetricExternalHitRate: true,
}

// Comparator defines how to compare metric against target.
type Comparator string

const (
	ComparatorLessThan       Comparator = "<"
	ComparatorLessOrEqual    Comparator = "<="
	ComparatorGreaterThan    Comparator = ">"
	ComparatorGreaterOrEqual Comparator = ">="
)

// SLOPriority indicates the importance of an SLO.
type SLOPriority string

const (
	PriorityCritical SLOPriority = "critical"
	PriorityHigh     SLOPriority = "high"
	PriorityMedium   SLOPriority = "medium"
	PriorityLow      SLOPriority = "low"
)

// Validate checks the objective is well formed.
func (s SLO) Validate() error {
	if !knownMetrics[s.Metric] {
		return fmt.Errorf("loadtest: objective %q: unknown metric %q", s.Name, s.Metric)
	}
	switch s.Comparator {
	case ComparatorLessThan, ComparatorLessOrEqual, ComparatorGreaterThan, ComparatorGreaterOrEqual:
	default:
		return fmt.Errorf("loadtest: objective %q: unknown comparator %q", s.Name, s.Comparator)
	}
	switch s.Priority {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, "":
	default:
		return fmt.Errorf("loadtest: objective %q: unknown priority %q", s.Name, s.Priority)
	}
	if math.IsNaN(s.Target) || math.IsInf(s.Target, 0) {
		return fmt.Errorf("loadtest: objective %q: target must be finite", s.Name)
	}
	return nil
}

// SLAResult captures the result of validating against an SLA.
type SLAResult struct {
	SLA              *SLA        `json:"-"`
	Timestamp        time.Time   `json:"timestamp"`
	Duration         float64     `json:"durationSeconds"`
	ObjectiveResults []SLOResult `json:"objectives"`
	OverallPass      bool        `json:"overallPass"`
	CriticalPass     bool        `json:"criticalPass"`
	Score            float64     `json:"score"`
}

// SLOResult captures the result of a single SLO check.
type SLOResult struct {
	SLO         SLO     `json:"slo"`
	ActualValue float64 `json:"actual"`
	HasData     bool    `json:"hasData"`
	TargetMet   bool    `json:"passed"`
	Margin      float64 `json:"margin"` // negative means failed by that much
	Message     string  `json:"message"`
}

// DefaultRedirectSLA mirrors the cache scenario thresholds: p95 under 10ms,
// p99 under 50ms, under 1% failed lookups and over 1000 lookups per second.
func DefaultRedirectSLA() *SLA {
	return &SLA{
		Name:        "redirect-cache",
		Description: "Redirect latency and throughput under skewed key popularity",
		Objectives: []SLO{
			NewLatencySLO("P95 Latency", MetricLatencyP95, 10, PriorityCritical),
			NewLatencySLO("P99 Latency", MetricLatencyP99, 50, PriorityHigh),
			NewErrorRateSLO("Failed Lookups", 0.01, PriorityCritical),
			NewThroughputSLO("Throughput", 1000, PriorityHigh),
		},
	}
}

// DefaultRampSLA mirrors the ramping phase thresholds.
func DefaultRampSLA() *SLA {
	return &SLA{
		Name:        "redirect-ramp",
		Description: "Redirect latency while ramping virtual users",
		Objectives: []SLO{
			NewLatencySLO("P95 Latency", MetricLatencyP95, 500, PriorityCritical),
			NewLatencySLO("P99 Latency", MetricLatencyP99, 1000, PriorityHigh),
			NewErrorRateSLO("Failed Lookups", 0.01, PriorityCritical),
		},
	}
}

// ExternalHitRateSLO requires the backing cache to report at least floor.
func ExternalHitRateSLO(floor float64) SLO {
	return SLO{
		Name:       "Cache Hit Rate",
		Metric:     MetricExternalHitRate,
		Target:     floor,
		Comparator: ComparatorGreaterOrEqual,
		Priority:   PriorityMedium,
	}
}

// SLAValidator validates test results against SLAs.
type SLAValidator struct {
	sla *SLA
}

// NewSLAValidator creates a validator for the given SLA.
func NewSLAValidator(sla *SLA) *SLAValidator {
	return &SLAValidator{sla: sla}
}

// Validate checks a run summary against the SLA.
func (v *SLAValidator) Validate(summary metrics.Summary, elapsed time.Duration) *SLAResult {
	result := &SLAResult{
		SLA:              v.sla,
		Timestamp:        time.Now(),
		Duration:         elapsed.Seconds(),
		ObjectiveResults: make([]SLOResult, 0, len(v.sla.Objectives)),
		OverallPass:      true,
		CriticalPass:     true,
	}

	passCount := 0

	for _, slo := range v.sla.Objectives {
		sloResult := v.checkSLO(slo, summary)
		result.ObjectiveResults = append(result.ObjectiveResults, sloResult)

		if sloResult.TargetMet {
			passCount++
		} else {
			result.OverallPass = false
			if slo.Priority == PriorityCritical {
				result.CriticalPass = false
			}
		}
	}

	if len(v.sla.Objectives) > 0 {
		result.Score = float64(passCount) / float64(len(v.sla.Objectives)) * 100
	}

	return result
}

// actual extracts the value an objective measures. ok is false when the run
// produced no data for it.
func actual(m SLOMetric, s metrics.Summary) (float64, bool) {
	hasRequests := s.TotalRequests > 0
	switch m {
	case MetricLatencyAvg:
		return s.Latency.Avg, hasRequests
	case MetricLatencyP50:
		return s.Latency.P50, hasRequests
	case MetricLatencyP90:
		return s.Latency.P90, hasRequests
	case MetricLatencyP95:
		return s.Latency.P95, hasRequests
	case MetricLatencyP99:
		return s.Latency.P99, hasRequests
	case MetricLatencyMax:
		return s.Latency.Max, hasRequests
	case MetricErrorRate:
		return s.ErrorRate, hasRequests
	case MetricSuccessRate:
		return 1 - s.ErrorRate, hasRequests
	case MetricThroughput:
		return s.Throughput, s.ThroughputSamples > 0
	case MetricCacheHitProxyRate:
		return s.CacheHitProxyRate, hasRequests
	case MetricExternalHitRate:
		return s.ExternalHitRate, s.ExternalHitRateSamples > 0
	}
	return 0, false
}

// checkSLO validates a single SLO against the summary.
func (v *SLAValidator) checkSLO(slo SLO, summary metrics.Summary) SLOResult {
	result := SLOResult{
		SLO: slo,
	}
	result.ActualValue, result.HasData = actual(slo.Metric, summary)

	if !result.HasData {
		result.Message = fmt.Sprintf("%s: no data ✗", slo.Name)
		return result
	}

	result.TargetMet = compareValues(result.ActualValue, slo.Target, slo.Comparator)

	switch slo.Comparator {
	case ComparatorLessThan, ComparatorLessOrEqual:
		result.Margin = slo.Target - result.ActualValue
	case ComparatorGreaterThan, ComparatorGreaterOrEqual:
		result.Margin = result.ActualValue - slo.Target
	}

	if result.TargetMet {
		result.Message = fmt.Sprintf("%s: %s %s %s ✓",
			slo.Name, format(slo.Metric, result.ActualValue), slo.Comparator, format(slo.Metric, slo.Target))
	} else {
		result.Message = fmt.Sprintf("%s: %s %s %s ✗ (missed by %s)",
			slo.Name, format(slo.Metric, result.ActualValue), slo.Comparator, format(slo.Metric, slo.Target),
			format(slo.Metric, math.Abs(result.Margin)))
	}

	return result
}

func format(m SLOMetric, v float64) string {
	switch m {
	case MetricLatencyAvg, MetricLatencyP50, MetricLatencyP90, MetricLatencyP95, MetricLatencyP99, MetricLatencyMax:
		return fmt.Sprintf("%.2fms", v)
	case MetricThroughput:
		return fmt.Sprintf("%.2f/s", v)
	default:
		return fmt.Sprintf("%.4f", v)
	}
}

// compareValues checks if actual meets target based on comparator.
func compareValues(actual, target float64, comp Comparator) bool {
	switch comp {
	case ComparatorLessThan:
		return actual < target
	case ComparatorLessOrEqual:
		return actual <= target
	case ComparatorGreaterThan:
		return actual > target
	case ComparatorGreaterOrEqual:
		return actual >= target
	default:
		return false
	}
}

// Err returns an error wrapping ErrThresholdViolated naming every failed
// objective, or nil when all passed.
func (r *SLAResult) Err() error {
	failed := r.GetAllFailed()
	if len(failed) == 0 {
		return nil
	}
	names := make([]string, len(failed))
	for i, f := range failed {
		names[i] = f.SLO.Name
	}
	return fmt.Errorf("%w: %s", ErrThresholdViolated, strings.Join(names, ", "))
}

// GenerateReport creates a human-readable SLA validation report.
func (r *SLAResult) GenerateReport() string {
	var b strings.Builder
	b.WriteString("SLA Validation Report\n")
	b.WriteString("=====================\n\n")
	if r.SLA != nil {
		fmt.Fprintf(&b, "SLA: %s\n", r.SLA.Name)
		if r.SLA.Description != "" {
			fmt.Fprintf(&b, "Description: %s\n", r.SLA.Description)
		}
	}
	fmt.Fprintf(&b, "Validated: %s\n", r.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Test Duration: %.1fs\n\n", r.Duration)

	status := "PASS"
	if !r.OverallPass {
		status = "FAIL"
	}
	fmt.Fprintf(&b, "Overall Status: %s\n", status)
	fmt.Fprintf(&b, "Score: %.1f%% (%d/%d objectives met)\n",
		r.Score, r.countPassed(), len(r.ObjectiveResults))

	if !r.CriticalPass {
		b.WriteString("CRITICAL OBJECTIVES FAILED\n")
	}
	b.WriteString("\nObjective Results:\n")
	b.WriteString("------------------\n")

	// Group by priority
	for _, priority := range []SLOPriority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, ""} {
		hasResults := false
		for _, res := range r.ObjectiveResults {
			if res.SLO.Priority != priority {
				continue
			}
			if !hasResults {
				label := string(priority)
				if label == "" {
					label = "unranked"
				}
				fmt.Fprintf(&b, "\n[%s]\n", label)
				hasResults = true
			}
			fmt.Fprintf(&b, "  %s\n", res.Message)
		}
	}

	return b.String()
}

// countPassed returns the number of passed objectives.
func (r *SLAResult) countPassed() int {
	count := 0
	for _, res := range r.ObjectiveResults {
		if res.TargetMet {
			count++
		}
	}
	return count
}

// GetFailedCritical returns failed critical SLOs.
func (r *SLAResult) GetFailedCritical() []SLOResult {
	failed := make([]SLOResult, 0)
	for _, res := range r.ObjectiveResults {
		if !res.TargetMet && res.SLO.Priority == PriorityCritical {
			failed = append(failed, res)
		}
	}
	return failed
}

// GetAllFailed returns all failed SLOs.
func (r *SLAResult) GetAllFailed() []SLOResult {
	failed := make([]SLOResult, 0)
	for _, res := range r.ObjectiveResults {
		if !res.TargetMet {
			failed = append(failed, res)
		}
	}
	return failed
}

// CreateCustomSLA builds a custom SLA from objectives.
func CreateCustomSLA(name, description string, objectives ...SLO) *SLA {
	return &SLA{
		Name:        name,
		Description: description,
		Objectives:  objectives,
	}
}

// NewLatencySLO creates a strict upper bound on a latency metric in ms.
func NewLatencySLO(name string, metric SLOMetric, targetMs float64, priority SLOPriority) SLO {
	return SLO{
		Name:       name,
		Metric:     metric,
		Target:     targetMs,
		Comparator: ComparatorLessThan,
		Priority:   priority,
	}
}

// NewErrorRateSLO creates a strict upper bound on the failure ratio.
func NewErrorRateSLO(name string, maxRatio float64, priority SLOPriority) SLO {
	return SLO{
		Name:       name,
		Metric:     MetricErrorRate,
		Target:     maxRatio,
		Comparator: ComparatorLessThan,
		Priority:   priority,
	}
}

// NewThroughputSLO creates a strict lower bound on requests per second.
func NewThroughputSLO(name string, targetRPS float64, priority SLOPriority) SLO {
	return SLO{
		Name:       name,
		Metric:     MetricThroughput,
		Target:     targetRPS,
		Comparator: ComparatorGreaterThan,
		Priority:   priority,
	}
}
