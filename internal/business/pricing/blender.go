package pricing

import (
	"math"

	"github.com/precisionprices/market-pricing/pkg/model"
	"github.com/shopspring/decimal"
)

// Config tunes how empirical data and the AI estimate are combined.
type Config struct {
	// EmpiricalWeight is the share of the blended price taken from observed sales.
	EmpiricalWeight float64
	// MinSample is the sold count at which empirical data starts to count.
	MinSample int
	// HighSample is the sold count at which confidence saturates.
	HighSample     int
	BaseConfidence int
	ConfidenceCap  int
	DefaultHint    int
	LocalBonus     int
	// Spread widens the average into a range when min/max were never recorded.
	Spread float64
}

// DefaultConfig returns the production blending parameters.
func DefaultConfig() Config {
	return Config{
		EmpiricalWeight: 0.7,
		MinSample:       3,
		HighSample:      20,
		BaseConfidence:  75,
		ConfidenceCap:   95,
		DefaultHint:     70,
		LocalBonus:      5,
		Spread:          0.2,
	}
}

// normalized fills zero or out-of-range fields from DefaultConfig.
func (c Config) normalized() Config {
	d := DefaultConfig()
	if !finite(c.EmpiricalWeight) || c.EmpiricalWeight <= 0 || c.EmpiricalWeight > 1 {
		c.EmpiricalWeight = d.EmpiricalWeight
	}
	if c.MinSample <= 0 {
		c.MinSample = d.MinSample
	}
	if c.HighSample <= c.MinSample {
		c.HighSample = c.MinSample + (d.HighSample - d.MinSample)
	}
	if c.ConfidenceCap <= 0 || c.ConfidenceCap > 99 {
		c.ConfidenceCap = d.ConfidenceCap
	}
	if c.BaseConfidence <= 0 || c.BaseConfidence > c.ConfidenceCap {
		c.BaseConfidence = min(d.BaseConfidence, c.ConfidenceCap)
	}
	if c.DefaultHint <= 0 {
		c.DefaultHint = d.DefaultHint
	}
	if c.LocalBonus < 0 {
		c.LocalBonus = 0
	}
	if !finite(c.Spread) || c.Spread <= 0 || c.Spread >= 1 {
		c.Spread = d.Spread
	}
	return c
}

// Blender combines an AI estimate with a market aggregate. It holds no state
// beyond its configuration and is safe for concurrent use.
type Blender struct {
	cfg Config
}

func NewBlender(cfg Config) *Blender {
	return &Blender{cfg: cfg.normalized()}
}

// Config returns the effective configuration.
func (b *Blender) Config() Config { return b.cfg }

// Blend produces the final recommendation. agg may be nil.
// The result always satisfies 0 <= Min <= Optimal <= Max.
func (b *Blender) Blend(ai model.PriceEstimate, agg *model.MarketAggregate, loc model.LocationDescriptor) model.BlendedRecommendation {
	hint := b.hint(ai.ConfidenceScore)
	geoKey := loc.GeoKey()
	sample := 0
	var avgDays float64
	if agg != nil {
		sample = agg.SoldCount
		avgDays = agg.AvgDaysToSell()
		if agg.GeoKey != "" {
			geoKey = agg.GeoKey
		}
	}
	scope := model.ScopeForGeoKey(geoKey)

	rec := model.BlendedRecommendation{
		SampleSize:      sample,
		GeographicScope: scope,
		GeoKey:          geoKey,
		AvgDaysToSell:   roundTo(avgDays, 1),
	}

	aiMin, aiOpt, aiMax := clean(ai.Min), clean(ai.Optimal), clean(ai.Max)

	switch {
	case sample == 0:
		rec.DataSource = model.SourceAIOnly
		rec.ConfidenceScore = hint
		rec.Min, rec.Optimal, rec.Max = orderRange(wholeUnits(aiMin), wholeUnits(aiOpt), wholeUnits(aiMax))
		return rec
	case sample < b.cfg.MinSample:
		rec.DataSource = model.SourceAIWithLimitedData
		rec.ConfidenceScore = hint
		rec.Min, rec.Optimal, rec.Max = orderRange(wholeUnits(aiMin), wholeUnits(aiOpt), wholeUnits(aiMax))
		return rec
	}

	empMin, empOpt, empMax := b.empirical(*agg, loc)
	w := decimal.NewFromFloat(b.cfg.EmpiricalWeight)
	aw := decimal.NewFromInt(1).Sub(w)
	mix := func(emp, a float64) float64 {
		v := w.Mul(decimal.NewFromFloat(emp)).Add(aw.Mul(decimal.NewFromFloat(a)))
		return v.Round(0).InexactFloat64()
	}

	rec.DataSource = model.SourceBlended
	rec.Min, rec.Optimal, rec.Max = orderRange(mix(empMin, aiMin), mix(empOpt, aiOpt), mix(empMax, aiMax))
	rec.ConfidenceScore = b.Confidence(sample, scope, ai.ConfidenceScore)
	return rec
}

// Confidence scores a blended recommendation backed by n sales. It never
// decreases as n grows, never exceeds the configured cap and never falls below
// the AI hint.
func (b *Blender) Confidence(n int, scope model.GeographicScope, hint int) int {
	h := b.hint(hint)
	if n < b.cfg.MinSample {
		return h
	}
	c := b.cfg
	score := c.ConfidenceCap
	if n < c.HighSample {
		score = c.BaseConfidence + (c.ConfidenceCap-c.BaseConfidence)*(n-c.MinSample)/(c.HighSample-c.MinSample)
	}
	if scope == model.ScopeLocal {
		score += c.LocalBonus
	}
	score = min(score, c.ConfidenceCap)
	return max(score, h)
}

// hint clamps the AI confidence hint to [0, cap]; zero selects the default.
func (b *Blender) hint(v int) int {
	if v == 0 {
		v = b.cfg.DefaultHint
	}
	return max(0, min(v, b.cfg.ConfidenceCap))
}

// empirical derives the observed range. National aggregates carry baseline
// prices and are scaled by the location multiplier.
func (b *Blender) empirical(agg model.MarketAggregate, loc model.LocationDescriptor) (lo, opt, hi float64) {
	opt = clean(agg.AvgSoldPrice())
	lo = opt * (1 - b.cfg.Spread)
	hi = opt * (1 + b.cfg.Spread)
	if agg.PriceMin != nil {
		lo = clean(*agg.PriceMin)
	}
	if agg.PriceMax != nil {
		hi = clean(*agg.PriceMax)
	}
	if agg.GeoKey == model.NationalGeoKey && finite(loc.Multiplier) && loc.Multiplier > 0 {
		lo *= loc.Multiplier
		opt *= loc.Multiplier
		hi *= loc.Multiplier
	}
	return lo, opt, hi
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// clean maps non-finite and negative prices to zero.
func clean(f float64) float64 {
	if !finite(f) || f < 0 {
		return 0
	}
	return f
}

func wholeUnits(f float64) float64 {
	return decimal.NewFromFloat(f).Round(0).InexactFloat64()
}

func roundTo(f float64, places int32) float64 {
	if !finite(f) {
		return 0
	}
	return decimal.NewFromFloat(f).Round(places).InexactFloat64()
}

// orderRange pulls min and max out to optimal when the inputs are inverted.
func orderRange(lo, opt, hi float64) (float64, float64, float64) {
	return math.Min(lo, opt), opt, math.Max(hi, opt)
}
