package loadtest

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/FairForge/linkload/internal/metrics"
	"github.com/FairForge/linkload/internal/population"
)

// PopulationReport describes the key population a run used.
type PopulationReport struct {
	Requested   int                     `json:"requested"`
	Observed    int                     `json:"observed"`
	Composition map[population.Tier]int `json:"composition"`
}

// Report is the final artifact of a run.
type Report struct {
	RunID             string           `json:"runId"`
	Name              string           `json:"name,omitempty"`
	Label             string           `json:"label,omitempty"`
	Phase             string           `json:"phase,omitempty"`
	StartedAt         time.Time        `json:"startedAt"`
	EndedAt           time.Time        `json:"endedAt"`
	DurationSeconds   float64          `json:"durationSeconds"`
	TotalRequests     int64            `json:"totalRequests"`
	AverageThroughput float64          `json:"averageThroughput"`
	Population        PopulationReport `json:"population"`
	Metrics           metrics.Summary  `json:"metrics"`
	Thresholds        *SLAResult       `json:"thresholds,omitempty"`
	Passed            bool             `json:"passed"`
	Error             string           `json:"error,omitempty"`
}

// Encode writes the report as indented JSON.
func (r *Report) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	return nil
}

// DecodeReport reads a report written by Encode.
func DecodeReport(rd io.Reader) (*Report, error) {
	var r Report
	if err := json.NewDecoder(rd).Decode(&r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return &r, nil
}

// Text renders the report for a terminal.
func (r *Report) Text() string {
	var b strings.Builder
	b.WriteString("Run Summary\n")
	b.WriteString("===========\n\n")
	fmt.Fprintf(&b, "Run: %s", r.RunID)
	if r.Label != "" {
		fmt.Fprintf(&b, " (%s)", r.Label)
	}
	if r.Phase != "" {
		fmt.Fprintf(&b, " [%s]", r.Phase)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Duration: %.1fs\n", r.DurationSeconds)
	fmt.Fprintf(&b, "Population: %d observed of %d requested\n", r.Population.Observed, r.Population.Requested)

	tiers := make([]string, 0, len(r.Population.Composition))
	for t := range r.Population.Composition {
		tiers = append(tiers, string(t))
	}
	sort.Strings(tiers)
	for _, t := range tiers {
		fmt.Fprintf(&b, "  %-10s %d keys", t, r.Population.Composition[population.Tier(t)])
		if ts, ok := r.Metrics.Tiers[population.Tier(t)]; ok {
			fmt.Fprintf(&b, ", %d requests, %.2f%% failed", ts.Requests, ts.ErrorRate*100)
		}
		b.WriteString("\n")
	}

	m := r.Metrics
	fmt.Fprintf(&b, "\nRequests: %d (%.2f/s)\n", r.TotalRequests, r.AverageThroughput)
	fmt.Fprintf(&b, "Failures: %d (%.2f%%)\n", m.Failures, m.ErrorRate*100)
	fmt.Fprintf(&b, "Latency ms: avg %.2f  p50 %.2f  p90 %.2f  p95 %.2f  p99 %.2f  max %.2f\n",
		m.Latency.Avg, m.Latency.P50, m.Latency.P90, m.Latency.P95, m.Latency.P99, m.Latency.Max)
	if m.CacheHitProxyCount > 0 {
		fmt.Fprintf(&b, "Probable cache hits (latency proxy): %.2f%%\n", m.CacheHitProxyRate*100)
	}
	if m.ExternalHitRateSamples > 0 {
		fmt.Fprintf(&b, "Backing cache hit rate: %.2f%% (%d samples)\n", m.ExternalHitRate*100, m.ExternalHitRateSamples)
	}

	if r.Error != "" {
		fmt.Fprintf(&b, "\nRun failed: %s\n", r.Error)
	}
	if r.Thresholds != nil {
		b.WriteString("\n")
		b.WriteString(r.Thresholds.GenerateReport())
	}
	return b.String()
}
