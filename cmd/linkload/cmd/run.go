package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/FairForge/linkload/internal/config"
	"github.com/FairForge/linkload/internal/executor"
	"github.com/FairForge/linkload/internal/loadtest"
	"github.com/FairForge/linkload/internal/logging"
	"github.com/FairForge/linkload/internal/metrics"
	"github.com/FairForge/linkload/internal/population"
	"github.com/FairForge/linkload/internal/report"
	"github.com/FairForge/linkload/internal/telemetry"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a load test and validate its thresholds",
		Long: `Run a load test: build the key population, drive lookups, validate
thresholds and write the report.

Exits 1 when a threshold failed and 2 on any other error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			name, _ := cmd.Flags().GetString("name")
			return run(cmd.Context(), cfg, name, cmd)
		},
	}

	f := cmd.Flags()
	f.String("name", "redirect", "scenario name recorded in the report")
	f.String("base-url", "", "service under test")
	f.String("mode", "", "population mode: generate or load")
	f.String("variant", "", "population variant: binary or tiered")
	f.Int("keys", 0, "keys to generate")
	f.String("dataset", "", "dataset file to load, or to save in generate mode")
	f.String("profile", "", "load profile: constant or ramping")
	f.Int("vus", 0, "virtual users for the constant profile")
	f.Duration("duration", 0, "run length for the constant profile")
	f.Int64("max-iterations", 0, "stop after this many lookups")
	f.Duration("think-time", 0, "pause between a VU's lookups")
	f.Float64("max-rps", 0, "global lookup rate cap")
	f.Bool("telemetry", false, "scrape backing cache telemetry")
	f.String("telemetry-url", "", "telemetry exposition endpoint")
	f.String("report", "", "report destination: path, s3://bucket/key or postgres:// DSN")
	f.String("label", "", "run label")
	f.String("phase", "", "run phase tag")
	f.String("metrics-addr", "", "serve live Prometheus metrics on this address")
	f.String("log-level", "", "debug, info, warn or error")
	f.String("log-format", "", "json or console")
	return cmd
}

// loadConfig layers the config file, LINKLOAD_* variables and explicitly
// set flags, then validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	str := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	str("base-url", &cfg.Target.BaseURL)
	str("mode", &cfg.Population.Mode)
	if f.Changed("variant") {
		v, _ := f.GetString("variant")
		cfg.Population.Variant = population.Variant(v)
	}
	if f.Changed("keys") {
		cfg.Population.Count, _ = f.GetInt("keys")
	}
	str("dataset", &cfg.Population.DatasetPath)
	str("profile", &cfg.Load.Profile)
	if f.Changed("vus") {
		cfg.Load.VUs, _ = f.GetInt("vus")
	}
	if f.Changed("duration") {
		cfg.Load.Duration, _ = f.GetDuration("duration")
	}
	if f.Changed("max-iterations") {
		cfg.Load.MaxIterations, _ = f.GetInt64("max-iterations")
	}
	if f.Changed("think-time") {
		cfg.Load.ThinkTime, _ = f.GetDuration("think-time")
	}
	if f.Changed("max-rps") {
		cfg.Load.MaxRPS, _ = f.GetFloat64("max-rps")
	}
	if f.Changed("telemetry") {
		cfg.Telemetry.Enabled, _ = f.GetBool("telemetry")
	}
	str("telemetry-url", &cfg.Telemetry.URL)
	str("report", &cfg.Report.Destination)
	str("label", &cfg.Report.Label)
	str("phase", &cfg.Report.Phase)
	str("metrics-addr", &cfg.MetricsAddr)
	str("log-level", &cfg.Log.Level)
	str("log-format", &cfg.Log.Format)
}

func run(ctx context.Context, cfg *config.Config, name string, cmd *cobra.Command) error {
	logger, err := logging.NewLogger(&cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	source := newSource(ctx, cfg, logger)

	weights, err := cfg.SelectionWeights()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	aggCfg := metrics.DefaultConfig()
	aggCfg.Tiers = cfg.Population.Variant.Tiers()
	agg := metrics.NewAggregator(aggCfg)

	comp := loadtest.Components{
		Source:     source,
		Weights:    weights,
		Executor:   executor.New(cfg.Executor()),
		Aggregator: agg,
		SLA:        cfg.SLA(),
		Logger:     logger,
	}
	if cfg.Telemetry.Enabled {
		comp.Scraper = telemetry.NewScraper(cfg.Scraper(), agg, logger)
	}

	ctrl, err := loadtest.NewController(cfg.LoadTest(name), comp)
	if err != nil {
		return err
	}

	sink, err := report.Open(ctx, cfg.Report.Destination, report.Options{S3: s3Options()})
	if err != nil {
		return err
	}
	defer func() { _ = sink.Close() }()

	if cfg.MetricsAddr != "" {
		shutdown, err := serveMetrics(cfg.MetricsAddr, agg, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	result, runErr := ctrl.Run(ctx)
	if result == nil {
		return runErr
	}

	fmt.Fprint(cmd.OutOrStdout(), result.Text())

	// The parent context may already be cancelled by a signal.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := sink.Write(writeCtx, result); err != nil {
		logger.Error("failed to write report", zap.String("destination", cfg.Report.Destination), zap.Error(err))
		if runErr == nil {
			return err
		}
	} else {
		logger.Info("report written", zap.String("destination", report.Expand(cfg.Report.Destination, result)))
	}
	return runErr
}

// newSource loads a dataset or synthesizes keys. A dataset is read up front
// so its tiers decide the variant, which drives the weight table, the
// per-tier counters and the latency proxy. In generate mode a configured
// dataset path receives the generated population.
func newSource(ctx context.Context, cfg *config.Config, logger *zap.Logger) population.Source {
	if cfg.Population.Mode == config.ModeLoad {
		pop, err := population.NewLoader(cfg.Population.DatasetPath, logger).Build(ctx)
		if v, ok := pop.Variant(); ok && v != cfg.Population.Variant {
			logger.Warn("dataset variant overrides configuration",
				zap.String("configured", string(cfg.Population.Variant)),
				zap.String("dataset", string(v)))
			cfg.Population.Variant = v
		}
		return loadedSource{pop: pop, err: err}
	}
	synth := population.NewSynthesizer(cfg.Synthesizer(), nil, logger)
	if cfg.Population.DatasetPath == "" {
		return synth
	}
	return &savingSource{source: synth, path: cfg.Population.DatasetPath, logger: logger}
}

// loadedSource hands the Controller a population read before the run.
type loadedSource struct {
	pop *population.Population
	err error
}

func (s loadedSource) Build(context.Context) (*population.Population, error) {
	return s.pop, s.err
}

type savingSource struct {
	source population.Source
	path   string
	logger *zap.Logger
}

func (s *savingSource) Build(ctx context.Context) (*population.Population, error) {
	pop, err := s.source.Build(ctx)
	if pop.Empty() {
		return pop, err
	}
	if werr := population.WriteDataset(s.path, pop, "generated by linkload run"); werr != nil {
		s.logger.Warn("failed to save dataset", zap.String("path", s.path), zap.Error(werr))
	} else {
		s.logger.Info("dataset saved", zap.String("path", s.path), zap.Int("keys", pop.Size()))
	}
	return pop, err
}

func s3Options() report.S3Options {
	return report.S3Options{
		Region:    config.GetEnvOrDefault("AWS_REGION", "us-east-1"),
		Endpoint:  config.GetEnvOrDefault("LINKLOAD_S3_ENDPOINT", ""),
		AccessKey: config.GetEnvOrDefault("LINKLOAD_S3_ACCESS_KEY", ""),
		SecretKey: config.GetEnvOrDefault("LINKLOAD_S3_SECRET_KEY", ""),
	}
}

// metricsRouter serves the run's counters next to the generator's own
// runtime and process metrics. Call it once per aggregator.
func metricsRouter(agg *metrics.Aggregator) http.Handler {
	agg.Registry().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r := chi.NewRouter()
	r.Handle("/metrics", agg.Handler())
	return r
}

// serveMetrics exposes the aggregator registry until the returned func is
// called.
func serveMetrics(addr string, agg *metrics.Aggregator, logger *zap.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	srv := &http.Server{Handler: metricsRouter(agg), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("metrics server shutdown", zap.Error(err))
		}
	}, nil
}
