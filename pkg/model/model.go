package model

import "time"

// Tier is a coarse low/medium/high classification.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// DataSource tags where a recommendation's numbers came from.
type DataSource string

const (
	SourceAIOnly            DataSource = "ai_only"
	SourceAIWithLimitedData DataSource = "ai_with_limited_data"
	SourceBlended           DataSource = "blended"
)

// GeographicScope describes how local the empirical data behind a recommendation is.
type GeographicScope string

const (
	ScopeLocal    GeographicScope = "local"
	ScopeRegional GeographicScope = "regional"
	ScopeNational GeographicScope = "national"
)

// NationalGeoKey buckets data that could not be tied to any location.
const NationalGeoKey = "national"

// LocationDescriptor is the resolved form of a user's free-text location.
// Empty strings stand for "unknown".
type LocationDescriptor struct {
	RawInput        string  `json:"rawInput"`
	ZipCode         string  `json:"zipCode,omitempty"`
	City            string  `json:"city,omitempty"`
	State           string  `json:"state,omitempty"`
	Metro           string  `json:"metro,omitempty"`
	Multiplier      float64 `json:"multiplier"`
	DemandTier      Tier    `json:"demandTier"`
	MatchConfidence Tier    `json:"matchConfidence"`
}

// GeoKey returns the most specific storage key for the location.
func (d LocationDescriptor) GeoKey() string {
	keys := d.GeoKeys()
	return keys[0]
}

// GeoKeys returns the rollup chain from most to least specific, always ending in NationalGeoKey.
func (d LocationDescriptor) GeoKeys() []string {
	keys := make([]string, 0, 4)
	if d.ZipCode != "" {
		keys = append(keys, d.ZipCode)
	}
	if d.City != "" && d.State != "" {
		keys = append(keys, CityGeoKey(d.City, d.State))
	}
	if d.State != "" {
		keys = append(keys, StateGeoKey(d.State))
	}
	return append(keys, NationalGeoKey)
}

// RecentSale is a single observed sale kept for display and audit only.
type RecentSale struct {
	ID         string    `json:"id,omitempty" firestore:"id,omitempty"`
	Price      float64   `json:"price" firestore:"price"`
	DaysToSell *float64  `json:"daysToSell,omitempty" firestore:"daysToSell"`
	SoldAt     time.Time `json:"soldAt" firestore:"soldAt"`
}

// MarketAggregate holds running sale statistics for one (geoKey, category) pair.
// It is stored in the `marketData` collection.
type MarketAggregate struct {
	GeoKey            string       `json:"geoKey" firestore:"geoKey"`
	Category          string       `json:"category" firestore:"category"`
	SoldCount         int          `json:"soldCount" firestore:"soldCount"`
	TotalSoldValue    float64      `json:"totalSoldValue" firestore:"totalSoldValue"`
	TotalDaysToSell   float64      `json:"totalDaysToSell" firestore:"totalDaysToSell"`
	DaysReportedCount int          `json:"daysReportedCount" firestore:"daysReportedCount"`
	ActiveCount       int          `json:"activeCount" firestore:"activeCount"`
	PriceMin          *float64     `json:"priceMin" firestore:"priceMin"`
	PriceMax          *float64     `json:"priceMax" firestore:"priceMax"`
	RecentSales       []RecentSale `json:"recentSales,omitempty" firestore:"recentSales"`
	UpdatedAt         time.Time    `json:"updatedAt,omitempty" firestore:"updatedAt,omitempty"`
}

// AvgSoldPrice is derived on read; zero when nothing has sold.
func (a MarketAggregate) AvgSoldPrice() float64 {
	if a.SoldCount == 0 {
		return 0
	}
	return a.TotalSoldValue / float64(a.SoldCount)
}

// AvgDaysToSell averages only over sales that reported a day count.
func (a MarketAggregate) AvgDaysToSell() float64 {
	if a.DaysReportedCount == 0 {
		return 0
	}
	return a.TotalDaysToSell / float64(a.DaysReportedCount)
}

// SampleConfidence buckets the sample size: 20+ sales is high, 5+ medium.
func (a MarketAggregate) SampleConfidence() Tier {
	switch {
	case a.SoldCount >= 20:
		return TierHigh
	case a.SoldCount >= 5:
		return TierMedium
	default:
		return TierLow
	}
}

// MarketSummary is the API view of an aggregate with derived fields filled in.
type MarketSummary struct {
	MarketAggregate
	AvgSoldPrice     float64 `json:"avgSoldPrice"`
	AvgDaysToSell    float64 `json:"avgDaysToSell"`
	SampleConfidence Tier    `json:"sampleConfidence"`
}

// Summarize computes the derived fields of an aggregate.
func Summarize(a MarketAggregate) MarketSummary {
	return MarketSummary{
		MarketAggregate:  a,
		AvgSoldPrice:     a.AvgSoldPrice(),
		AvgDaysToSell:    a.AvgDaysToSell(),
		SampleConfidence: a.SampleConfidence(),
	}
}

// PriceEstimate is the externally supplied AI price range.
type PriceEstimate struct {
	Min             float64 `json:"min"`
	Optimal         float64 `json:"optimal"`
	Max             float64 `json:"max"`
	ConfidenceScore int     `json:"confidenceScore,omitempty"` // Optional hint; 0 means "use the default baseline"
}

// BlendedRecommendation is the final price suggestion returned to callers.
type BlendedRecommendation struct {
	Min             float64         `json:"min"`
	Optimal         float64         `json:"optimal"`
	Max             float64         `json:"max"`
	ConfidenceScore int             `json:"confidenceScore"`
	DataSource      DataSource      `json:"dataSource"`
	SampleSize      int             `json:"sampleSize"`
	GeographicScope GeographicScope `json:"geographicScope"`
	GeoKey          string          `json:"geoKey,omitempty"`
	AvgDaysToSell   float64         `json:"avgDaysToSell,omitempty"`
	Insight         string          `json:"insight,omitempty"`
}

// TrendingCategory is one row of a trending snapshot.
type TrendingCategory struct {
	Category      string  `json:"category" firestore:"category"`
	SoldCount     int     `json:"soldCount" firestore:"soldCount"`
	ActiveCount   int     `json:"activeCount" firestore:"activeCount"`
	AvgSoldPrice  float64 `json:"avgSoldPrice" firestore:"avgSoldPrice"`
	AvgDaysToSell float64 `json:"avgDaysToSell" firestore:"avgDaysToSell"`
}

// TrendingSnapshot is a pre-aggregated list of the best-selling categories in a geography.
type TrendingSnapshot struct {
	GeoKey      string             `json:"geoKey" firestore:"geoKey"`
	Categories  []TrendingCategory `json:"categories" firestore:"categories"`
	LastUpdated time.Time          `json:"lastUpdated" firestore:"lastUpdated"`
}

// LifecycleEventType names a listing lifecycle transition.
type LifecycleEventType string

const (
	EventListingCreated LifecycleEventType = "listing_created"
	EventListingSold    LifecycleEventType = "listing_sold"
)

// LifecycleEvent is published by the surrounding app when a listing is created or sold.
type LifecycleEvent struct {
	ID         string             `json:"id"`
	Type       LifecycleEventType `json:"type"`
	Location   string             `json:"location"`
	Category   string             `json:"category"`
	Price      float64            `json:"price,omitempty"`
	DaysToSell *float64           `json:"daysToSell,omitempty"`
	OccurredAt time.Time          `json:"occurredAt"`
}
