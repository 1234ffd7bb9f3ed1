package loadtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/FairForge/linkload/internal/executor"
	"github.com/FairForge/linkload/internal/metrics"
	"github.com/FairForge/linkload/internal/population"
	"github.com/FairForge/linkload/internal/selector"
)

// ErrEmptyPopulation is returned when setup produced no usable keys.
var ErrEmptyPopulation = selector.ErrEmptyPopulation

// ErrTierMismatch is returned when no weighted tier holds any key, e.g. a
// tiered dataset driven with the binary weight table.
var ErrTierMismatch = errors.New("loadtest: population has no keys in any weighted tier")

// Phase is the lifecycle state of a run.
type Phase string

const (
	PhaseInit         Phase = "INIT"
	PhaseSynthesizing Phase = "SYNTHESIZING"
	PhaseRunning      Phase = "RUNNING"
	PhaseTeardown     Phase = "TEARDOWN"
	PhaseDone         Phase = "DONE"
)

// Stage ramps the virtual user count linearly to Target over Duration.
type Stage struct {
	Duration time.Duration `yaml:"duration" json:"duration"`
	Target   int           `yaml:"target" json:"target"`
}

// Config defines load test parameters.
type Config struct {
	Name string
	// Label and Tag identify the run in reports, e.g. "baseline" and "phase1".
	Label string
	Tag   string

	// VUs run for Duration unless Stages are set.
	VUs      int
	Duration time.Duration

	StartVUs     int
	Stages       []Stage
	RampInterval time.Duration

	// MaxIterations caps lookups across all VUs; zero means no cap.
	MaxIterations int64
	ThinkTime     time.Duration
	// MaxRPS caps the global lookup rate; zero means unlimited.
	MaxRPS float64

	SnapshotInterval time.Duration
	ProgressInterval time.Duration

	EnableExternalTelemetry bool
	// RequestedKeys is reported alongside the observed population size.
	RequestedKeys int
}

// DefaultConfig returns the constant-load defaults: 1000 VUs for 5 minutes.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		VUs:              1000,
		Duration:         5 * time.Minute,
		RampInterval:     100 * time.Millisecond,
		SnapshotInterval: time.Second,
		ProgressInterval: 10 * time.Second,
	}
}

// DefaultStages is the ramping profile: 10 VUs over 1m, 500 over 2m, 1000
// over 2m, then 3m held at 1000.
func DefaultStages() []Stage {
	return []Stage{
		{Duration: time.Minute, Target: 10},
		{Duration: 2 * time.Minute, Target: 500},
		{Duration: 2 * time.Minute, Target: 1000},
		{Duration: 3 * time.Minute, Target: 1000},
	}
}

// Validate reports every problem with the load profile.
func (c *Config) Validate() error {
	var result *multierror.Error
	if len(c.Stages) == 0 {
		if c.VUs <= 0 {
			result = multierror.Append(result, errors.New("vus must be positive"))
		}
		if c.Duration <= 0 && c.MaxIterations <= 0 {
			result = multierror.Append(result, errors.New("duration or max iterations is required"))
		}
	}
	for i, s := range c.Stages {
		if s.Duration <= 0 {
			result = multierror.Append(result, fmt.Errorf("stage %d: duration must be positive", i))
		}
		if s.Target < 0 {
			result = multierror.Append(result, fmt.Errorf("stage %d: target must not be negative", i))
		}
	}
	if c.StartVUs < 0 {
		result = multierror.Append(result, errors.New("start vus must not be negative"))
	}
	if c.MaxIterations < 0 {
		result = multierror.Append(result, errors.New("max iterations must not be negative"))
	}
	if c.ThinkTime < 0 {
		result = multierror.Append(result, errors.New("think time must not be negative"))
	}
	if c.MaxRPS < 0 || math.IsNaN(c.MaxRPS) {
		result = multierror.Append(result, errors.New("max rps must not be negative"))
	}
	return result.ErrorOrNil()
}

// TotalDuration is the run length: the sum of stages when ramping, else
// Duration. Zero means the iteration cap alone ends the run.
func (c *Config) TotalDuration() time.Duration {
	if len(c.Stages) == 0 {
		return c.Duration
	}
	var total time.Duration
	for _, s := range c.Stages {
		total += s.Duration
	}
	return total
}

// TargetVUs returns the ramping VU count at elapsed time, interpolating
// linearly between the previous stage target (or start) and the current one.
func TargetVUs(stages []Stage, start int, elapsed time.Duration) int {
	from := start
	for _, s := range stages {
		if elapsed < s.Duration {
			frac := float64(elapsed) / float64(s.Duration)
			return from + int(math.Round(frac*float64(s.Target-from)))
		}
		elapsed -= s.Duration
		from = s.Target
	}
	return from
}

// Executor performs one lookup. *executor.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, key population.KeyRecord) executor.Outcome
}

// Runner is a background unit that runs until ctx is done.
type Runner interface {
	Run(ctx context.Context) error
}

// Components are the collaborators a Controller drives.
type Components struct {
	Source          population.Source
	Weights         selector.Weights
	SelectorOptions []selector.Option
	Executor        Executor
	Aggregator      *metrics.Aggregator
	// Scraper runs only when EnableExternalTelemetry is set.
	Scraper Runner
	SLA     *SLA
	Logger  *zap.Logger
}

// Controller sequences one run: synthesize, drive load, tear down.
type Controller struct {
	config Config
	comp   Components
	logger *zap.Logger

	limiter    *rate.Limiter
	iterations atomic.Int64
	activeVUs  atomic.Int64

	mu      sync.RWMutex
	running bool
	phase   Phase
}

// NewController checks the configuration and collaborators.
func NewController(config Config, comp Components) (*Controller, error) {
	def := DefaultConfig(config.Name)
	if config.RampInterval <= 0 {
		config.RampInterval = def.RampInterval
	}
	if config.SnapshotInterval <= 0 {
		config.SnapshotInterval = def.SnapshotInterval
	}
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = def.ProgressInterval
	}

	var result *multierror.Error
	if err := config.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if comp.Source == nil {
		result = multierror.Append(result, errors.New("population source is required"))
	}
	if comp.Executor == nil {
		result = multierror.Append(result, errors.New("executor is required"))
	}
	if comp.Aggregator == nil {
		result = multierror.Append(result, errors.New("aggregator is required"))
	}
	if config.EnableExternalTelemetry && comp.Scraper == nil {
		result = multierror.Append(result, errors.New("external telemetry enabled without a scraper"))
	}
	if len(comp.Weights) == 0 {
		comp.Weights = selector.DefaultBinaryWeights()
	}
	if err := comp.Weights.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if comp.SLA == nil {
		comp.SLA = &SLA{Name: config.Name}
	}
	for _, o := range comp.SLA.Objectives {
		if err := o.Validate(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("loadtest: invalid configuration: %w", err)
	}

	if comp.Logger == nil {
		comp.Logger = zap.NewNop()
	}
	c := &Controller{
		config: config,
		comp:   comp,
		logger: comp.Logger,
		phase:  PhaseInit,
	}
	if config.MaxRPS > 0 {
		burst := int(math.Max(1, math.Ceil(config.MaxRPS/10)))
		c.limiter = rate.NewLimiter(rate.Limit(config.MaxRPS), burst)
	}
	return c, nil
}

// Phase returns the current lifecycle state.
func (c *Controller) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
	c.logger.Debug("phase", zap.String("phase", string(p)))
}

// ActiveVUs returns the number of virtual users currently looping.
func (c *Controller) ActiveVUs() int {
	return int(c.activeVUs.Load())
}

// Run executes the full lifecycle once. The report is returned even when
// the run failed; the error wraps ErrEmptyPopulation, ErrTierMismatch or
// ErrThresholdViolated.
func (c *Controller) Run(ctx context.Context) (*Report, error) {
	c.mu.Lock()
	if c.running || c.phase != PhaseInit {
		c.mu.Unlock()
		return nil, fmt.Errorf("load test already started")
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	report := &Report{
		RunID:     uuid.NewString(),
		Name:      c.config.Name,
		Label:     c.config.Label,
		Phase:     c.config.Tag,
		StartedAt: time.Now().UTC(),
	}
	report.Population.Requested = c.config.RequestedKeys
	logger := c.logger.With(zap.String("run_id", report.RunID))

	c.setPhase(PhaseSynthesizing)
	pop, err := c.comp.Source.Build(ctx)
	report.Population.Observed = pop.Size()
	report.Population.Composition = pop.Composition()

	var fatal error
	switch {
	case pop.Empty():
		fatal = fmt.Errorf("%w: no usable keys", ErrEmptyPopulation)
		if err != nil {
			fatal = fmt.Errorf("%w: %v", fatal, err)
		}
		logger.Error("population is empty, skipping load", zap.Error(err))
	case ctx.Err() != nil:
		fatal = ctx.Err()
		logger.Warn("cancelled during synthesis", zap.Int("observed", pop.Size()))
	case !c.comp.Weights.Covers(pop):
		fatal = fmt.Errorf("%w: population %s", ErrTierMismatch, pop)
		logger.Error("weight table does not match population", zap.String("composition", pop.String()))
	case err != nil:
		logger.Warn("population source reported an error, continuing with partial population",
			zap.Error(err), zap.Int("observed", pop.Size()))
	}

	var elapsed time.Duration
	if fatal == nil {
		sel, err := selector.New(c.comp.Weights, pop, c.comp.SelectorOptions...)
		if err != nil {
			fatal = err
		} else {
			c.setPhase(PhaseRunning)
			logger.Info("load started",
				zap.Int("observed_keys", pop.Size()),
				zap.String("composition", pop.String()),
				zap.Int("vus", c.config.VUs),
				zap.Int("stages", len(c.config.Stages)),
				zap.Duration("duration", c.config.TotalDuration()),
				zap.Int64("max_iterations", c.config.MaxIterations),
				zap.Bool("external_telemetry", c.config.EnableExternalTelemetry))
			elapsed = c.drive(ctx, sel, logger)
		}
	}

	c.setPhase(PhaseTeardown)
	report.EndedAt = time.Now().UTC()
	report.DurationSeconds = elapsed.Seconds()
	if elapsed > 0 {
		report.AverageThroughput, _ = c.comp.Aggregator.SnapshotThroughput(elapsed.Seconds())
	}
	report.Metrics = c.comp.Aggregator.Summary()
	report.TotalRequests = report.Metrics.TotalRequests

	var runErr error
	if fatal != nil {
		report.Error = fatal.Error()
		runErr = fatal
	} else {
		result := NewSLAValidator(c.comp.SLA).Validate(report.Metrics, elapsed)
		report.Thresholds = result
		report.Passed = result.OverallPass
		runErr = result.Err()
		for _, f := range result.GetAllFailed() {
			logger.Warn("threshold failed", zap.String("objective", f.SLO.Name), zap.String("detail", f.Message))
		}
	}

	logger.Info("run finished",
		zap.Int64("total_requests", report.TotalRequests),
		zap.Float64("error_rate", report.Metrics.ErrorRate),
		zap.Float64("p95_ms", report.Metrics.Latency.P95),
		zap.Float64("throughput", report.AverageThroughput),
		zap.Bool("passed", report.Passed))
	c.setPhase(PhaseDone)
	return report, runErr
}

// drive runs the load profile and returns the elapsed wall time. Lookups in
// flight when the stop signal arrives are allowed to finish.
func (c *Controller) drive(ctx context.Context, sel *selector.Selector, logger *zap.Logger) time.Duration {
	loadCtx, stop := context.WithCancel(ctx)
	defer stop()
	if d := c.config.TotalDuration(); d > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(loadCtx, d)
		defer cancel()
	}
	// Lookups outlive the stop signal; the executor timeout bounds them.
	reqCtx := context.WithoutCancel(ctx)

	start := time.Now()
	g, gctx := errgroup.WithContext(loadCtx)

	g.Go(func() error {
		defer stop()
		if len(c.config.Stages) > 0 {
			c.ramp(gctx, reqCtx, sel, start, stop)
		} else {
			c.constant(gctx, reqCtx, sel, stop)
		}
		return nil
	})

	if c.config.EnableExternalTelemetry {
		g.Go(func() error {
			if err := c.comp.Scraper.Run(gctx); err != nil {
				logger.Warn("telemetry scraper stopped", zap.Error(err))
			}
			return nil
		})
	}

	g.Go(func() error {
		c.snapshots(gctx, start, logger)
		return nil
	})

	_ = g.Wait()
	return time.Since(start)
}

func (c *Controller) constant(ctx, reqCtx context.Context, sel *selector.Selector, stop context.CancelFunc) {
	var wg sync.WaitGroup
	for i := 0; i < c.config.VUs; i++ {
		wg.Add(1)
		go func(vu *selector.Selector) {
			defer wg.Done()
			c.loop(ctx, reqCtx, vu, stop)
		}(sel.Clone())
	}
	wg.Wait()
}

// ramp adjusts the VU count every RampInterval. VUs removed on the way down
// stop between iterations.
func (c *Controller) ramp(ctx, reqCtx context.Context, sel *selector.Selector, start time.Time, stop context.CancelFunc) {
	var (
		wg      sync.WaitGroup
		cancels []context.CancelFunc
	)
	resize := func(target int) {
		for len(cancels) < target {
			vuCtx, cancel := context.WithCancel(ctx)
			cancels = append(cancels, cancel)
			wg.Add(1)
			go func(vu *selector.Selector) {
				defer wg.Done()
				c.loop(vuCtx, reqCtx, vu, stop)
			}(sel.Clone())
		}
		for len(cancels) > target {
			last := len(cancels) - 1
			cancels[last]()
			cancels = cancels[:last]
		}
	}

	ticker := time.NewTicker(c.config.RampInterval)
	defer ticker.Stop()
	resize(TargetVUs(c.config.Stages, c.config.StartVUs, 0))
	for {
		select {
		case <-ctx.Done():
			for _, cancel := range cancels {
				cancel()
			}
			wg.Wait()
			return
		case <-ticker.C:
			resize(TargetVUs(c.config.Stages, c.config.StartVUs, time.Since(start)))
		}
	}
}

// loop is one virtual user. It checks for stop before every iteration.
func (c *Controller) loop(ctx, reqCtx context.Context, sel *selector.Selector, stop context.CancelFunc) {
	c.activeVUs.Add(1)
	defer c.activeVUs.Add(-1)

	var think *time.Timer
	if c.config.ThinkTime > 0 {
		think = time.NewTimer(c.config.ThinkTime)
		think.Stop()
		defer think.Stop()
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if c.config.MaxIterations > 0 && c.iterations.Add(1) > c.config.MaxIterations {
			stop()
			return
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
		}

		key, err := sel.Next()
		if err != nil {
			continue
		}
		c.comp.Aggregator.RecordOutcome(c.comp.Executor.Execute(reqCtx, key))

		if think != nil {
			think.Reset(c.config.ThinkTime)
			select {
			case <-ctx.Done():
				return
			case <-think.C:
			}
		}
	}
}

func (c *Controller) snapshots(ctx context.Context, start time.Time, logger *zap.Logger) {
	snap := time.NewTicker(c.config.SnapshotInterval)
	defer snap.Stop()
	progress := time.NewTicker(c.config.ProgressInterval)
	defer progress.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-snap.C:
			c.comp.Aggregator.SnapshotThroughput(time.Since(start).Seconds())
		case <-progress.C:
			rps, _ := c.comp.Aggregator.SnapshotThroughput(time.Since(start).Seconds())
			logger.Info("load progress",
				zap.Int64("total_requests", c.comp.Aggregator.Total()),
				zap.Int("active_vus", c.ActiveVUs()),
				zap.Float64("throughput", rps))
		}
	}
}
