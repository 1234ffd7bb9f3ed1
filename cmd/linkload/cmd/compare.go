package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/FairForge/linkload/internal/loadtest"
	"github.com/FairForge/linkload/internal/report"
)

func newCompareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare baseline.json current.json",
		Short: "Compare a run report against a baseline",
		Long: `Compare two saved run reports metric by metric. Reports ending in .gz or
.zst are decompressed. Exits 1 when any metric regressed past its
threshold.

Thresholds are relative percentages, e.g. --threshold p95_latency_ms=10.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			baseline, err := report.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("baseline: %w", err)
			}
			current, err := report.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("current: %w", err)
			}

			comparer := loadtest.NewComparer()
			overrides, _ := cmd.Flags().GetStringSlice("threshold")
			for _, o := range overrides {
				metric, pct, err := parseThreshold(o)
				if err != nil {
					return err
				}
				comparer.SetThreshold(metric, pct)
			}

			result := comparer.Compare(baseline, current)
			fmt.Fprint(cmd.OutOrStdout(), result.GenerateReport())
			if result.OverallStatus == loadtest.StatusRegression {
				return fmt.Errorf("%w: regressed %s", loadtest.ErrThresholdViolated, strings.Join(result.Regressions, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringSlice("threshold", nil, "override a threshold as metric=percent")
	return cmd
}

func parseThreshold(s string) (string, float64, error) {
	metric, raw, ok := strings.Cut(s, "=")
	if !ok || metric == "" {
		return "", 0, fmt.Errorf("threshold %q: want metric=percent", s)
	}
	if _, known := loadtest.DefaultThresholds[metric]; !known {
		return "", 0, fmt.Errorf("threshold %q: unknown metric %q", s, metric)
	}
	pct, err := strconv.ParseFloat(raw, 64)
	if err != nil || pct < 0 {
		return "", 0, fmt.Errorf("threshold %q: invalid percent", s)
	}
	return metric, pct, nil
}
