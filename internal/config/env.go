package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/FairForge/linkload/internal/population"
)

// LoadFromEnv applies LINKLOAD_* overrides. Values that fail to parse are
// reported together and leave the field unchanged.
func LoadFromEnv(cfg *Config) error {
	var result *multierror.Error

	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("LINKLOAD_BASE_URL", &cfg.Target.BaseURL)
	duration("LINKLOAD_TIMEOUT", &cfg.Target.Timeout)

	str("LINKLOAD_POPULATION_MODE", &cfg.Population.Mode)
	if v := os.Getenv("LINKLOAD_VARIANT"); v != "" {
		cfg.Population.Variant = population.Variant(v)
	}
	integer("LINKLOAD_KEY_COUNT", &cfg.Population.Count)
	str("LINKLOAD_DATASET", &cfg.Population.DatasetPath)

	integer("LINKLOAD_VUS", &cfg.Load.VUs)
	duration("LINKLOAD_DURATION", &cfg.Load.Duration)
	if v := os.Getenv("LINKLOAD_MAX_ITERATIONS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("LINKLOAD_MAX_ITERATIONS: %w", err))
		} else {
			cfg.Load.MaxIterations = n
		}
	}
	if v := os.Getenv("LINKLOAD_MAX_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("LINKLOAD_MAX_RPS: %w", err))
		} else {
			cfg.Load.MaxRPS = f
		}
	}

	if v := os.Getenv("LINKLOAD_TELEMETRY_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("LINKLOAD_TELEMETRY_ENABLED: %w", err))
		} else {
			cfg.Telemetry.Enabled = b
		}
	}
	str("LINKLOAD_TELEMETRY_URL", &cfg.Telemetry.URL)

	str("LINKLOAD_REPORT", &cfg.Report.Destination)
	str("LINKLOAD_LABEL", &cfg.Report.Label)
	str("LINKLOAD_PHASE", &cfg.Report.Phase)

	str("LINKLOAD_LOG_LEVEL", &cfg.Log.Level)
	str("LINKLOAD_LOG_FORMAT", &cfg.Log.Format)
	str("LINKLOAD_METRICS_ADDR", &cfg.MetricsAddr)

	return result.ErrorOrNil()
}

// GetEnvOrDefault returns environment variable or default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
