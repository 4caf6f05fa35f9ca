package pricing

import (
	"fmt"
	"strings"
	"time"

	"github.com/precisionprices/market-pricing/internal/location"
	"github.com/precisionprices/market-pricing/pkg/model"
)

const freshWindow = 90 * 24 * time.Hour

// Insight summarizes the data behind a recommendation in plain language.
func Insight(rec model.BlendedRecommendation, agg *model.MarketAggregate, loc model.LocationDescriptor, now time.Time) string {
	if agg == nil || agg.SoldCount == 0 {
		return "Be the first to report a sale in this category to help build our pricing database!"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Based on %d similar %s sold %s. ", agg.SoldCount, plural(agg.SoldCount, "item", "items"), scopePhrase(rec.GeographicScope, loc))
	fmt.Fprintf(&b, "Average sale price: $%.0f. ", agg.AvgSoldPrice())
	if agg.DaysReportedCount > 0 {
		fmt.Fprintf(&b, "Typical time to sell: %.0f days. ", agg.AvgDaysToSell())
	}
	if rec.DataSource == model.SourceAIWithLimitedData {
		b.WriteString("Too few sales to adjust the AI estimate yet.")
	} else if isFresh(agg, now) {
		b.WriteString("Data is from the last 90 days.")
	} else {
		b.WriteString("Note: Limited recent data available.")
	}
	return strings.TrimSpace(b.String())
}

func scopePhrase(scope model.GeographicScope, loc model.LocationDescriptor) string {
	switch scope {
	case model.ScopeLocal:
		if loc.Metro != "" {
			return "in " + loc.Metro
		}
		if loc.City != "" {
			return "in " + loc.City
		}
		return "nearby"
	case model.ScopeRegional:
		return "in " + location.Describe(loc)
	default:
		return "nationally"
	}
}

// isFresh reports whether at least three of the retained sales fall inside the window.
func isFresh(agg *model.MarketAggregate, now time.Time) bool {
	n := 0
	for _, s := range agg.RecentSales {
		if now.Sub(s.SoldAt) <= freshWindow {
			n++
		}
	}
	return n >= 3
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
