package population

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SynthesizerConfig configures generation mode.
type SynthesizerConfig struct {
	BaseURL            string
	Count              int
	Variant            Variant
	PopularProbability float64
	ProgressEvery      int
	Timeout            time.Duration
	// HealthPath is probed once before any key is created. Empty skips the probe.
	HealthPath string
}

// DefaultSynthesizerConfig returns the generation defaults.
func DefaultSynthesizerConfig() SynthesizerConfig {
	return SynthesizerConfig{
		BaseURL:            "http://localhost:8080",
		Count:              10000,
		Variant:            VariantBinary,
		PopularProbability: 0.8,
		ProgressEvery:      1000,
		Timeout:            10 * time.Second,
	}
}

// Tiered split ratios, applied to the number of keys actually created.
const (
	hotRatio     = 0.01
	warmRatio    = 0.10
	invalidRatio = 0.02
)

type createRequest struct {
	OriginalURL string  `json:"originalUrl"`
	Alias       *string `json:"alias"`
	ExpiresAt   *string `json:"expiresAt"`
}

type createResponse struct {
	ShortCode   string `json:"shortCode"`
	ShortURL    string `json:"shortUrl"`
	OriginalURL string `json:"originalUrl"`
}

// Synthesizer creates keys against the service under test.
type Synthesizer struct {
	config SynthesizerConfig
	client *http.Client
	urls   *URLFactory
	logger *zap.Logger
	chance func() float64
}

// NewSynthesizer creates a synthesizer. A nil client gets one with the
// configured timeout.
func NewSynthesizer(config SynthesizerConfig, client *http.Client, logger *zap.Logger) *Synthesizer {
	def := DefaultSynthesizerConfig()
	if config.Variant == "" {
		config.Variant = def.Variant
	}
	if config.PopularProbability <= 0 || config.PopularProbability > 1 {
		config.PopularProbability = def.PopularProbability
	}
	if config.ProgressEvery <= 0 {
		config.ProgressEvery = def.ProgressEvery
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{
		config: config,
		client: client,
		urls:   NewURLFactory(),
		logger: logger,
		chance: rand.Float64,
	}
}

// Build creates up to Count keys and classifies them. Failed creations are
// logged and skipped; the resulting size is whatever the service accepted.
// On cancellation the keys created so far are returned with ctx.Err().
func (s *Synthesizer) Build(ctx context.Context) (*Population, error) {
	if !s.config.Variant.Valid() {
		return nil, fmt.Errorf("population: unknown variant %q", s.config.Variant)
	}
	if s.config.HealthPath != "" {
		if err := s.checkHealth(ctx); err != nil {
			return nil, err
		}
	}

	s.logger.Info("synthesizing population",
		zap.String("target", s.config.BaseURL),
		zap.Int("requested", s.config.Count),
		zap.String("variant", string(s.config.Variant)))

	var created []KeyRecord
	failed := 0
	var runErr error
	for i := 0; i < s.config.Count; i++ {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		rec, err := s.create(ctx, s.urls.Next())
		if err != nil {
			failed++
			s.logger.Warn("key creation skipped", zap.Int("attempt", i), zap.Error(err))
		} else {
			created = append(created, rec)
		}
		if (i+1)%s.config.ProgressEvery == 0 {
			s.logger.Info("synthesis progress",
				zap.Int("attempted", i+1),
				zap.Int("created", len(created)),
				zap.Int("failed", failed))
		}
	}

	pop, err := s.classify(created)
	if err != nil {
		return nil, err
	}
	s.logger.Info("population ready",
		zap.Int("observed", pop.Size()),
		zap.Int("failed", failed),
		zap.String("composition", pop.String()))
	return pop, runErr
}

func (s *Synthesizer) classify(created []KeyRecord) (*Population, error) {
	b := NewBuilder()
	switch s.config.Variant {
	case VariantBinary:
		for _, rec := range created {
			rec.Tier = TierUnpopular
			if s.chance() < s.config.PopularProbability {
				rec.Tier = TierPopular
			}
			if err := addSkippingDuplicates(b, rec, s.logger); err != nil {
				return nil, err
			}
		}
	case VariantTiered:
		for _, rec := range Categorize(created, s.config.Count) {
			if err := addSkippingDuplicates(b, rec, s.logger); err != nil {
				return nil, err
			}
		}
	}
	return b.Build(), nil
}

// addSkippingDuplicates drops a code the service handed out twice.
func addSkippingDuplicates(b *Builder, rec KeyRecord, logger *zap.Logger) error {
	err := b.Add(rec)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDuplicateKey) {
		logger.Warn("duplicate short code skipped", zap.String("code", rec.Identifier))
		return nil
	}
	return err
}

// Categorize splits created keys in creation order: the first 1% are hot,
// the next slice up to 10% warm, and the rest cold. It also appends 2% of
// requested synthetic identifiers that the service has never issued.
// Hot and warm are sized from the keys actually created, not the requested
// count, so a run with failed creations has fewer hot keys than a clean one.
func Categorize(created []KeyRecord, requested int) []KeyRecord {
	if len(created) == 0 {
		return nil
	}
	n := len(created)
	hot := max(1, int(float64(n)*hotRatio))
	warm := max(1, int(float64(n)*warmRatio))
	hot = min(hot, n)
	warm = min(max(warm, hot), n)

	out := make([]KeyRecord, 0, n+invalidCount(requested))
	for i, rec := range created {
		switch {
		case i < hot:
			rec.Tier = TierHot
		case i < warm:
			rec.Tier = TierWarm
		default:
			rec.Tier = TierCold
		}
		out = append(out, rec)
	}
	for i := 0; i < invalidCount(requested); i++ {
		out = append(out, KeyRecord{Identifier: InvalidIdentifier(i), Tier: TierInvalid})
	}
	return out
}

func invalidCount(requested int) int {
	return max(1, int(float64(requested)*invalidRatio))
}

// InvalidIdentifier returns the i-th identifier reserved for 404 traffic.
func InvalidIdentifier(i int) string {
	return fmt.Sprintf("INVALID%06d", i)
}

func (s *Synthesizer) create(ctx context.Context, originalURL string) (KeyRecord, error) {
	body, err := json.Marshal(createRequest{OriginalURL: originalURL})
	if err != nil {
		return KeyRecord{}, fmt.Errorf("%w: encode: %v", ErrCreationFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+"/urls", bytes.NewReader(body))
	if err != nil {
		return KeyRecord{}, fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return KeyRecord{}, fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		_, _ = io.Copy(io.Discard, resp.Body)
		return KeyRecord{}, fmt.Errorf("%w: status %d", ErrCreationFailed, resp.StatusCode)
	}
	var cr createResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return KeyRecord{}, fmt.Errorf("%w: decode: %v", ErrCreationFailed, err)
	}
	if cr.ShortCode == "" {
		return KeyRecord{}, fmt.Errorf("%w: empty shortCode", ErrCreationFailed)
	}
	if cr.OriginalURL == "" {
		cr.OriginalURL = originalURL
	}
	return KeyRecord{
		Identifier: cr.ShortCode,
		SourceURL:  cr.OriginalURL,
		ShortURL:   cr.ShortURL,
	}, nil
}

func (s *Synthesizer) checkHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.BaseURL+s.config.HealthPath, nil)
	if err != nil {
		return fmt.Errorf("population: health probe: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("population: service unavailable at %s: %w", s.config.BaseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("population: service unavailable at %s: status %d", s.config.BaseURL, resp.StatusCode)
	}
	return nil
}
