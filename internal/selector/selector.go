// Package selector draws keys from a population according to a cumulative
// tier weight table.
package selector

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/FairForge/linkload/internal/population"
)

// ErrEmptyPopulation is returned when no tier holds any key.
var ErrEmptyPopulation = errors.New("selector: population is empty")

const boundEpsilon = 1e-9

// Bound is one row of the cumulative weight table.
type Bound struct {
	Tier  population.Tier `yaml:"tier" json:"tier"`
	Upper float64         `yaml:"upper" json:"upper"`
}

// Weights is an ordered cumulative table: a draw r selects the first row
// whose Upper exceeds r.
type Weights []Bound

// DefaultBinaryWeights sends 80% of traffic to popular keys.
func DefaultBinaryWeights() Weights {
	return Weights{
		{Tier: population.TierPopular, Upper: 0.80},
		{Tier: population.TierUnpopular, Upper: 1.00},
	}
}

// DefaultTieredWeights is the 50/30/18/2 hot/warm/cold/invalid split.
func DefaultTieredWeights() Weights {
	return Weights{
		{Tier: population.TierHot, Upper: 0.50},
		{Tier: population.TierWarm, Upper: 0.80},
		{Tier: population.TierCold, Upper: 0.98},
		{Tier: population.TierInvalid, Upper: 1.00},
	}
}

// DefaultWeights returns the table for a population variant.
func DefaultWeights(v population.Variant) Weights {
	if v == population.VariantTiered {
		return DefaultTieredWeights()
	}
	return DefaultBinaryWeights()
}

// FromShares builds a cumulative table from per-tier probabilities given in
// order. The shares must sum to 1.
func FromShares(tiers []population.Tier, shares []float64) (Weights, error) {
	if len(tiers) != len(shares) {
		return nil, fmt.Errorf("selector: %d tiers but %d shares", len(tiers), len(shares))
	}
	w := make(Weights, len(tiers))
	acc := 0.0
	for i, t := range tiers {
		if shares[i] < 0 {
			return nil, fmt.Errorf("selector: negative share for %s", t)
		}
		acc += shares[i]
		w[i] = Bound{Tier: t, Upper: acc}
	}
	if len(w) > 0 && math.Abs(acc-1) <= 1e-6 {
		w[len(w)-1].Upper = 1
	}
	return w, w.Validate()
}

// Validate checks the table is non-empty, monotonic, ends at 1.0, and does
// not repeat a tier.
func (w Weights) Validate() error {
	if len(w) == 0 {
		return fmt.Errorf("selector: empty weight table")
	}
	seen := make(map[population.Tier]bool, len(w))
	prev := 0.0
	for i, b := range w {
		if !b.Tier.Valid() {
			return fmt.Errorf("selector: row %d: unknown tier %q", i, b.Tier)
		}
		if seen[b.Tier] {
			return fmt.Errorf("selector: row %d: tier %s repeated", i, b.Tier)
		}
		seen[b.Tier] = true
		if math.IsNaN(b.Upper) || b.Upper < 0 || b.Upper > 1+boundEpsilon {
			return fmt.Errorf("selector: row %d: bound %v outside [0,1]", i, b.Upper)
		}
		if b.Upper < prev {
			return fmt.Errorf("selector: row %d: bound %v below previous %v", i, b.Upper, prev)
		}
		prev = b.Upper
	}
	if math.Abs(prev-1) > boundEpsilon {
		return fmt.Errorf("selector: final bound is %v, want 1.0", prev)
	}
	return nil
}

// Share returns the probability mass assigned to t.
func (w Weights) Share(t population.Tier) float64 {
	prev := 0.0
	for _, b := range w {
		if b.Tier == t {
			return b.Upper - prev
		}
		prev = b.Upper
	}
	return 0
}

// Covers reports whether some tier with a positive share holds keys in pop.
// Without one, every draw fails over and the configured mix is meaningless.
func (w Weights) Covers(pop *population.Population) bool {
	for _, b := range w {
		if w.Share(b.Tier) > 0 && pop.Len(b.Tier) > 0 {
			return true
		}
	}
	return false
}

// Option configures a Selector.
type Option func(*Selector)

// WithRand sets the random source. The source is not shared across
// selectors created by Clone.
func WithRand(r *rand.Rand) Option {
	return func(s *Selector) { s.rng = r }
}

// WithFallback overrides the order scanned when the chosen tier is empty.
func WithFallback(order ...population.Tier) Option {
	return func(s *Selector) { s.fallback = order }
}

// Selector picks keys. A Selector is not safe for concurrent use; each
// virtual user takes its own via Clone.
type Selector struct {
	weights  Weights
	pop      *population.Population
	fallback []population.Tier
	rng      *rand.Rand
}

// New validates weights and returns a selector over pop.
func New(weights Weights, pop *population.Population, opts ...Option) (*Selector, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	s := &Selector{weights: weights, pop: pop}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = newRand(uint64(time.Now().UnixNano()))
	}
	s.fallback = completeFallback(s.fallback, weights, pop)
	return s, nil
}

func newRand(seed uint64) *rand.Rand {
	var key [32]byte
	for i := 0; i < 8; i++ {
		key[i] = byte(seed >> (8 * i))
	}
	return rand.New(rand.NewChaCha8(key))
}

// completeFallback extends the configured order with the table's tiers and
// then with any other populated tier, so every key stays reachable.
func completeFallback(order []population.Tier, w Weights, pop *population.Population) []population.Tier {
	seen := make(map[population.Tier]bool)
	out := make([]population.Tier, 0, len(w))
	add := func(t population.Tier) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range order {
		add(t)
	}
	for _, b := range w {
		add(b.Tier)
	}
	for _, t := range pop.Tiers() {
		add(t)
	}
	return out
}

// Clone returns a selector sharing the table and population with an
// independent random source seeded from this one.
func (s *Selector) Clone() *Selector {
	return &Selector{
		weights:  s.weights,
		pop:      s.pop,
		fallback: s.fallback,
		rng:      newRand(s.rng.Uint64()),
	}
}

// Next returns a key drawn by tier weight, then uniformly within the tier.
func (s *Selector) Next() (population.KeyRecord, error) {
	return s.pick(s.rng.Float64())
}

// TierFor maps a draw in [0,1) to a tier of the table.
func (s *Selector) TierFor(r float64) population.Tier {
	for _, b := range s.weights {
		if r < b.Upper {
			return b.Tier
		}
	}
	return s.weights[len(s.weights)-1].Tier
}

func (s *Selector) pick(r float64) (population.KeyRecord, error) {
	if s.pop.Empty() {
		return population.KeyRecord{}, ErrEmptyPopulation
	}
	tier := s.resolve(s.TierFor(r))
	recs := s.pop.Tier(tier)
	return recs[s.rng.IntN(len(recs))], nil
}

// resolve returns chosen if it has keys, else the next populated tier in
// fallback order starting after chosen, wrapping around.
func (s *Selector) resolve(chosen population.Tier) population.Tier {
	if s.pop.Len(chosen) > 0 {
		return chosen
	}
	start := 0
	for i, t := range s.fallback {
		if t == chosen {
			start = i + 1
			break
		}
	}
	n := len(s.fallback)
	for i := 0; i < n; i++ {
		t := s.fallback[(start+i)%n]
		if s.pop.Len(t) > 0 {
			return t
		}
	}
	return chosen
}
