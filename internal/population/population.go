// Package population builds the key population a load run draws from.
//
// A Population is assembled once, either by creating keys against the
// service under test (Synthesizer) or by reading a dataset file (Loader),
// and is read-only afterwards. Virtual users share it without locking.
package population

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Tier is the popularity class a key belongs to.
type Tier string

// Tiered variant
const (
	TierHot     Tier = "hot"
	TierWarm    Tier = "warm"
	TierCold    Tier = "cold"
	TierInvalid Tier = "invalid"
)

// Binary variant
const (
	TierPopular   Tier = "popular"
	TierUnpopular Tier = "unpopular"
)

// Variant selects the tier scheme used to classify keys.
type Variant string

const (
	VariantBinary Variant = "binary"
	VariantTiered Variant = "tiered"
)

// Tiers returns the tiers of a variant in their canonical order.
func (v Variant) Tiers() []Tier {
	switch v {
	case VariantBinary:
		return []Tier{TierPopular, TierUnpopular}
	case VariantTiered:
		return []Tier{TierHot, TierWarm, TierCold, TierInvalid}
	default:
		return nil
	}
}

// Valid reports whether v is a known variant.
func (v Variant) Valid() bool {
	return v == VariantBinary || v == VariantTiered
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierHot, TierWarm, TierCold, TierInvalid, TierPopular, TierUnpopular:
		return true
	}
	return false
}

var (
	// ErrCreationFailed marks a key the service refused or failed to create.
	ErrCreationFailed = errors.New("population: key creation failed")
	// ErrDuplicateKey is returned when an identifier is added twice.
	ErrDuplicateKey = errors.New("population: duplicate key")
)

// KeyRecord is one identifier the load run can request.
type KeyRecord struct {
	Identifier string `json:"shortCode"`
	Tier       Tier   `json:"tier"`
	SourceURL  string `json:"originalUrl,omitempty"`
	ShortURL   string `json:"shortUrl,omitempty"`
}

// Source produces a population. Build is called exactly once per run.
type Source interface {
	Build(ctx context.Context) (*Population, error)
}

// Population is an immutable set of keys grouped by tier.
type Population struct {
	tiers map[Tier][]KeyRecord
	order []Tier
	size  int
}

// Tier returns the records of t. The slice is shared and must not be modified.
func (p *Population) Tier(t Tier) []KeyRecord {
	if p == nil {
		return nil
	}
	return p.tiers[t]
}

// Len returns the number of records in t.
func (p *Population) Len(t Tier) int {
	if p == nil {
		return 0
	}
	return len(p.tiers[t])
}

// Size returns the total number of records.
func (p *Population) Size() int {
	if p == nil {
		return 0
	}
	return p.size
}

// Empty reports whether the population holds no records at all.
func (p *Population) Empty() bool {
	return p.Size() == 0
}

// Tiers returns the non-empty tiers in insertion order.
func (p *Population) Tiers() []Tier {
	if p == nil {
		return nil
	}
	out := make([]Tier, len(p.order))
	copy(out, p.order)
	return out
}

// Variant infers the tier scheme from the populated tiers. It returns
// false when the population is empty or mixes both schemes.
func (p *Population) Variant() (Variant, bool) {
	if p.Empty() {
		return "", false
	}
	for _, v := range []Variant{VariantBinary, VariantTiered} {
		if p.within(v) {
			return v, true
		}
	}
	return "", false
}

func (p *Population) within(v Variant) bool {
	for _, t := range p.order {
		if !slices.Contains(v.Tiers(), t) {
			return false
		}
	}
	return true
}

// Composition returns the record count per tier.
func (p *Population) Composition() map[Tier]int {
	out := make(map[Tier]int)
	if p == nil {
		return out
	}
	for t, recs := range p.tiers {
		out[t] = len(recs)
	}
	return out
}

// String renders the composition in a stable order, e.g. "hot=10 warm=90".
func (p *Population) String() string {
	comp := p.Composition()
	keys := make([]string, 0, len(comp))
	for t := range comp {
		keys = append(keys, string(t))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, comp[Tier(k)]))
	}
	return strings.Join(parts, " ")
}

// Builder accumulates records and enforces identifier uniqueness.
type Builder struct {
	seen  map[string]struct{}
	tiers map[Tier][]KeyRecord
	order []Tier
	size  int
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		seen:  make(map[string]struct{}),
		tiers: make(map[Tier][]KeyRecord),
	}
}

// Add appends rec to its tier.
func (b *Builder) Add(rec KeyRecord) error {
	if rec.Identifier == "" {
		return fmt.Errorf("population: empty identifier")
	}
	if !rec.Tier.Valid() {
		return fmt.Errorf("population: unknown tier %q", rec.Tier)
	}
	if _, ok := b.seen[rec.Identifier]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, rec.Identifier)
	}
	b.seen[rec.Identifier] = struct{}{}
	if _, ok := b.tiers[rec.Tier]; !ok {
		b.order = append(b.order, rec.Tier)
	}
	b.tiers[rec.Tier] = append(b.tiers[rec.Tier], rec)
	b.size++
	return nil
}

// Len returns the number of records added so far.
func (b *Builder) Len() int {
	return b.size
}

// Build freezes the builder into a Population. The builder must not be
// used afterwards.
func (b *Builder) Build() *Population {
	p := &Population{
		tiers: b.tiers,
		order: b.order,
		size:  b.size,
	}
	b.tiers = nil
	b.seen = nil
	return p
}
