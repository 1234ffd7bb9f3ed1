// Package telemetry polls the backing cache's metrics endpoint and folds
// its hit and miss counters into a hit rate.
package telemetry

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/linkload/internal/metrics"
)

// ErrScrapeFailed is returned when the endpoint cannot be read.
var ErrScrapeFailed = errors.New("telemetry: scrape failed")

// MemoryUpperBound is the sanity ceiling for reported memory, in bytes.
const MemoryUpperBound = 1e9

// Recorder receives scrape results. *metrics.Aggregator implements it.
type Recorder interface {
	RecordExternalHitRate(v float64)
	RecordMemoryBytes(v int64)
	RecordCheck(name string, pass bool)
}

var _ Recorder = (*metrics.Aggregator)(nil)

// Names are the exposition metric names scanned for.
type Names struct {
	Hits   string `yaml:"hits"`
	Misses string `yaml:"misses"`
	Memory string `yaml:"memory"`
}

// DefaultNames match redis_exporter.
func DefaultNames() Names {
	return Names{
		Hits:   "redis_keyspace_hits_total",
		Misses: "redis_keyspace_misses_total",
		Memory: "redis_memory_used_bytes",
	}
}

// Config configures a Scraper.
type Config struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Names    Names
}

// DefaultConfig returns scraper defaults.
func DefaultConfig() Config {
	return Config{
		URL:      "http://localhost:9121/metrics",
		Interval: 5 * time.Second,
		Timeout:  2 * time.Second,
		Names:    DefaultNames(),
	}
}

// Sample is the result of parsing one document.
type Sample struct {
	Hits        int64
	Misses      int64
	MemoryBytes int64
	HitRate     float64
	// Found reports which of the three fields were present.
	FoundHits   bool
	FoundMisses bool
	FoundMemory bool
}

// HasHitData reports whether the document carried either counter.
func (s Sample) HasHitData() bool {
	return s.FoundHits || s.FoundMisses
}

type matcher struct {
	hits, misses, memory *regexp.Regexp
}

func newMatcher(n Names) matcher {
	build := func(name string) *regexp.Regexp {
		return regexp.MustCompile(`^` + regexp.QuoteMeta(name) + `\s+(\S+)(?:\s|$)`)
	}
	return matcher{hits: build(n.Hits), misses: build(n.Misses), memory: build(n.Memory)}
}

// Parse scans an exposition document. Missing fields are left at zero; it
// returns an error only when the reader itself fails.
func Parse(r io.Reader, names Names) (Sample, error) {
	return newMatcher(names).parse(r)
}

func (m matcher) parse(r io.Reader) (Sample, error) {
	var s Sample
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		if !s.FoundHits {
			s.Hits, s.FoundHits = match(m.hits, line)
		}
		if !s.FoundMisses {
			s.Misses, s.FoundMisses = match(m.misses, line)
		}
		if !s.FoundMemory {
			s.MemoryBytes, s.FoundMemory = match(m.memory, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return s, err
	}
	s.HitRate = HitRate(s.Hits, s.Misses)
	return s, nil
}

func match(re *regexp.Regexp, line []byte) (int64, bool) {
	sub := re.FindSubmatch(line)
	if sub == nil {
		return 0, false
	}
	return parseValue(sub[1])
}

// parseValue accepts integer and float forms (client_golang writes large
// counters as 1.2e+06) and clamps to the int64 range.
func parseValue(raw []byte) (int64, bool) {
	if v, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
		return v, true
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	switch {
	case f >= math.MaxInt64:
		return math.MaxInt64, true
	case f <= math.MinInt64:
		return math.MinInt64, true
	}
	return int64(f), true
}

// HitRate is hits/(hits+misses), or 0 when there were no lookups or the
// result is not finite.
func HitRate(hits, misses int64) float64 {
	den := float64(hits) + float64(misses)
	if den <= 0 {
		return 0
	}
	rate := float64(hits) / den
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return 0
	}
	return rate
}

// Checks are the sanity checks applied to every scrape.
type Checks struct {
	ResponseOK         bool
	HitRateNonNegative bool
	MemoryWithinBounds bool
}

// Passed reports whether every check passed.
func (c Checks) Passed() bool {
	return c.ResponseOK && c.HitRateNonNegative && c.MemoryWithinBounds
}

// Evaluate runs the checks against a sample. responseOK is false when the
// fetch failed.
func Evaluate(s Sample, responseOK bool) Checks {
	return Checks{
		ResponseOK:         responseOK,
		HitRateNonNegative: responseOK && s.HitRate >= 0,
		MemoryWithinBounds: responseOK && s.MemoryBytes > 0 && float64(s.MemoryBytes) < MemoryUpperBound,
	}
}

// Scraper polls an endpoint on a fixed cadence.
type Scraper struct {
	config   Config
	client   *http.Client
	matcher  matcher
	recorder Recorder
	logger   *zap.Logger
}

// NewScraper creates a scraper that reports into recorder.
func NewScraper(config Config, recorder Recorder, logger *zap.Logger) *Scraper {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Names.Hits == "" {
		config.Names.Hits = def.Names.Hits
	}
	if config.Names.Misses == "" {
		config.Names.Misses = def.Names.Misses
	}
	if config.Names.Memory == "" {
		config.Names.Memory = def.Names.Memory
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{
		config:   config,
		client:   &http.Client{Timeout: config.Timeout},
		matcher:  newMatcher(config.Names),
		recorder: recorder,
		logger:   logger,
	}
}

// Scrape fetches and parses the document once.
func (s *Scraper) Scrape(ctx context.Context) (Sample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.URL, nil)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrScrapeFailed, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrScrapeFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Sample{}, fmt.Errorf("%w: status %d", ErrScrapeFailed, resp.StatusCode)
	}
	sample, err := s.matcher.parse(resp.Body)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: read body: %v", ErrScrapeFailed, err)
	}
	return sample, nil
}

// Tick performs one scrape and reports it. It never returns an error.
func (s *Scraper) Tick(ctx context.Context) Checks {
	sample, err := s.Scrape(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted by shutdown, not an endpoint failure.
			return Checks{}
		}
		s.logger.Warn("telemetry scrape failed", zap.String("url", s.config.URL), zap.Error(err))
	}
	checks := Evaluate(sample, err == nil)

	if err == nil {
		if sample.HasHitData() {
			s.recorder.RecordExternalHitRate(sample.HitRate)
		}
		if sample.FoundMemory {
			s.recorder.RecordMemoryBytes(sample.MemoryBytes)
		}
		s.logger.Debug("telemetry sample",
			zap.Int64("hits", sample.Hits),
			zap.Int64("misses", sample.Misses),
			zap.Float64("hit_rate", sample.HitRate),
			zap.Int64("memory_bytes", sample.MemoryBytes))
	}
	s.recorder.RecordCheck(metrics.CheckResponseOK, checks.ResponseOK)
	s.recorder.RecordCheck(metrics.CheckHitRateNonNegative, checks.HitRateNonNegative)
	s.recorder.RecordCheck(metrics.CheckMemoryWithinBounds, checks.MemoryWithinBounds)
	return checks
}

// Run scrapes until ctx is done, sleeping Interval between ticks.
func (s *Scraper) Run(ctx context.Context) error {
	s.logger.Info("telemetry scraper started",
		zap.String("url", s.config.URL),
		zap.Duration("interval", s.config.Interval))
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
