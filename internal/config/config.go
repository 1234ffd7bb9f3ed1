package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/FairForge/linkload/internal/executor"
	"github.com/FairForge/linkload/internal/loadtest"
	"github.com/FairForge/linkload/internal/logging"
	"github.com/FairForge/linkload/internal/population"
	"github.com/FairForge/linkload/internal/selector"
	"github.com/FairForge/linkload/internal/telemetry"
)

// Population modes
const (
	ModeGenerate = "generate"
	ModeLoad     = "load"
)

// Load profiles
const (
	ProfileConstant = "constant"
	ProfileRamping  = "ramping"
)

type Config struct {
	Target      TargetConfig         `yaml:"target"`
	Population  PopulationConfig     `yaml:"population"`
	Weights     []WeightConfig       `yaml:"weights"`
	Load        LoadConfig           `yaml:"load"`
	Telemetry   TelemetryConfig      `yaml:"telemetry"`
	Thresholds  *loadtest.SLA        `yaml:"thresholds"`
	Report      ReportConfig         `yaml:"report"`
	Log         logging.LoggerConfig `yaml:"log"`
	MetricsAddr string               `yaml:"metrics_addr"`
}

type TargetConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	// Lookups faster than this count as probable cache hits (binary variant only).
	CacheHitProxyThreshold time.Duration `yaml:"cache_hit_proxy_threshold"`
}

type PopulationConfig struct {
	Mode               string             `yaml:"mode"`
	Variant            population.Variant `yaml:"variant"`
	Count              int                `yaml:"count"`
	PopularProbability float64            `yaml:"popular_probability"`
	ProgressEvery      int                `yaml:"progress_every"`
	HealthPath         string             `yaml:"health_path"`
	// DatasetPath is read in load mode and, when set, written in generate mode.
	DatasetPath string `yaml:"dataset_path"`
}

// WeightConfig is one tier's share of lookups.
type WeightConfig struct {
	Tier  population.Tier `yaml:"tier"`
	Share float64         `yaml:"share"`
}

type LoadConfig struct {
	Profile       string           `yaml:"profile"`
	VUs           int              `yaml:"vus"`
	Duration      time.Duration    `yaml:"duration"`
	StartVUs      int              `yaml:"start_vus"`
	Stages        []loadtest.Stage `yaml:"stages"`
	MaxIterations int64            `yaml:"max_iterations"`
	ThinkTime     time.Duration    `yaml:"think_time"`
	MaxRPS        float64          `yaml:"max_rps"`
}

type TelemetryConfig struct {
	Enabled  bool            `yaml:"enabled"`
	URL      string          `yaml:"url"`
	Interval time.Duration   `yaml:"interval"`
	Timeout  time.Duration   `yaml:"timeout"`
	Names    telemetry.Names `yaml:"names"`
	// HitRateFloor adds a backing cache hit rate objective when positive
	// and telemetry is enabled.
	HitRateFloor float64 `yaml:"hit_rate_floor"`
}

type ReportConfig struct {
	// Destination is a file path, s3://bucket/key or postgres:// DSN. {phase}
	// and {label} are expanded.
	Destination string `yaml:"destination"`
	Label       string `yaml:"label"`
	Phase       string `yaml:"phase"`
}

// Default returns a configuration that runs the binary cache scenario
// against a local shortener.
func Default() *Config {
	exec := executor.DefaultConfig()
	synth := population.DefaultSynthesizerConfig()
	scrape := telemetry.DefaultConfig()
	load := loadtest.DefaultConfig("")
	return &Config{
		Target: TargetConfig{
			BaseURL:                exec.BaseURL,
			Timeout:                exec.Timeout,
			MaxIdleConns:           exec.MaxIdleConns,
			CacheHitProxyThreshold: exec.CacheHitProxyThreshold,
		},
		Population: PopulationConfig{
			Mode:               ModeGenerate,
			Variant:            synth.Variant,
			Count:              synth.Count,
			PopularProbability: synth.PopularProbability,
			ProgressEvery:      synth.ProgressEvery,
		},
		Load: LoadConfig{
			Profile:  ProfileConstant,
			VUs:      load.VUs,
			Duration: load.Duration,
		},
		Telemetry: TelemetryConfig{
			URL:      scrape.URL,
			Interval: scrape.Interval,
			Timeout:  scrape.Timeout,
			Names:    scrape.Names,

			HitRateFloor: 0.8,
		},
		Report: ReportConfig{
			Destination: "results/results-{phase}.json",
			Phase:       "phase1",
		},
		Log: logging.LoggerConfig{
			Level:  logging.LevelInfo,
			Format: logging.FormatJSON,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.decode(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.Target.BaseURL == "" {
		add("target.base_url is required")
	}
	if c.Target.Timeout <= 0 {
		add("target.timeout must be positive")
	}
	if c.Target.CacheHitProxyThreshold < 0 {
		add("target.cache_hit_proxy_threshold must not be negative")
	}

	switch c.Population.Mode {
	case ModeGenerate:
		if c.Population.Count <= 0 {
			add("population.count must be positive")
		}
		if p := c.Population.PopularProbability; p < 0 || p > 1 {
			add("population.popular_probability must be within [0,1]")
		}
	case ModeLoad:
		if c.Population.DatasetPath == "" {
			add("population.dataset_path is required in load mode")
		}
	default:
		add("population.mode must be %q or %q, got %q", ModeGenerate, ModeLoad, c.Population.Mode)
	}
	if !c.Population.Variant.Valid() {
		add("population.variant %q is unknown", c.Population.Variant)
	}

	if _, err := c.SelectionWeights(); err != nil {
		add("weights: %v", err)
	}

	switch c.Load.Profile {
	case ProfileConstant, ProfileRamping:
	default:
		add("load.profile must be %q or %q, got %q", ProfileConstant, ProfileRamping, c.Load.Profile)
	}
	lt := c.LoadTest("validate")
	if err := lt.Validate(); err != nil {
		add("load: %v", err)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.URL == "" {
			add("telemetry.url is required when telemetry is enabled")
		}
		if c.Telemetry.Interval <= 0 {
			add("telemetry.interval must be positive")
		}
	}
	if f := c.Telemetry.HitRateFloor; f < 0 || f > 1 {
		add("telemetry.hit_rate_floor must be within [0,1]")
	}

	if c.Thresholds != nil {
		for _, o := range c.Thresholds.Objectives {
			if err := o.Validate(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	if c.Report.Destination == "" {
		add("report.destination is required")
	}
	if err := c.Log.Validate(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// SelectionWeights builds the tier table, falling back to the variant's
// defaults when no weights are configured.
func (c *Config) SelectionWeights() (selector.Weights, error) {
	if len(c.Weights) == 0 {
		return selector.DefaultWeights(c.Population.Variant), nil
	}
	tiers := make([]population.Tier, len(c.Weights))
	shares := make([]float64, len(c.Weights))
	for i, w := range c.Weights {
		if !w.Tier.Valid() {
			return nil, fmt.Errorf("unknown tier %q", w.Tier)
		}
		tiers[i], shares[i] = w.Tier, w.Share
	}
	return selector.FromShares(tiers, shares)
}

// LoadTest maps the load section onto a controller configuration.
func (c *Config) LoadTest(name string) loadtest.Config {
	lt := loadtest.DefaultConfig(name)
	lt.Label = c.Report.Label
	lt.Tag = c.Report.Phase
	lt.VUs = c.Load.VUs
	lt.Duration = c.Load.Duration
	lt.MaxIterations = c.Load.MaxIterations
	lt.ThinkTime = c.Load.ThinkTime
	lt.MaxRPS = c.Load.MaxRPS
	lt.EnableExternalTelemetry = c.Telemetry.Enabled
	if c.Population.Mode == ModeGenerate {
		lt.RequestedKeys = c.Population.Count
	}
	if c.Load.Profile == ProfileRamping {
		lt.StartVUs = c.Load.StartVUs
		lt.Stages = c.Load.Stages
		if len(lt.Stages) == 0 {
			lt.Stages = loadtest.DefaultStages()
		}
	}
	return lt
}

// Executor maps the target section onto an executor configuration. The
// latency proxy only applies to the binary variant.
func (c *Config) Executor() executor.Config {
	idle := c.Target.MaxIdleConns
	if idle <= 0 {
		idle = 2 * c.Load.VUs
	}
	return executor.Config{
		BaseURL:                c.Target.BaseURL,
		Timeout:                c.Target.Timeout,
		MaxIdleConns:           idle,
		CacheHitProxyThreshold: c.Target.CacheHitProxyThreshold,
		CacheHitProxy:          c.Population.Variant == population.VariantBinary,
	}
}

func (c *Config) Synthesizer() population.SynthesizerConfig {
	return population.SynthesizerConfig{
		BaseURL:            c.Target.BaseURL,
		Count:              c.Population.Count,
		Variant:            c.Population.Variant,
		PopularProbability: c.Population.PopularProbability,
		ProgressEvery:      c.Population.ProgressEvery,
		Timeout:            c.Target.Timeout,
		HealthPath:         c.Population.HealthPath,
	}
}

func (c *Config) Scraper() telemetry.Config {
	return telemetry.Config{
		URL:      c.Telemetry.URL,
		Interval: c.Telemetry.Interval,
		Timeout:  c.Telemetry.Timeout,
		Names:    c.Telemetry.Names,
	}
}

// SLA returns the configured thresholds, or the profile's defaults. A
// positive hit rate floor adds a backing cache objective when telemetry
// is enabled.
func (c *Config) SLA() *loadtest.SLA {
	var sla loadtest.SLA
	switch {
	case c.Thresholds != nil:
		sla = *c.Thresholds
		sla.Objectives = append([]loadtest.SLO(nil), c.Thresholds.Objectives...)
	case c.Load.Profile == ProfileRamping:
		sla = *loadtest.DefaultRampSLA()
	default:
		sla = *loadtest.DefaultRedirectSLA()
	}
	if c.Telemetry.Enabled && c.Telemetry.HitRateFloor > 0 {
		sla.Objectives = append(sla.Objectives, loadtest.ExternalHitRateSLO(c.Telemetry.HitRateFloor))
	}
	return &sla
}
