package repository

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/precisionprices/market-pricing/pkg/model"
	"github.com/precisionprices/market-pricing/pkg/util"
)

const (
	// DefaultRecentSalesCap is how many individual sales each aggregate keeps for display.
	DefaultRecentSalesCap = 10
	minRecentSalesCap     = 5
	maxRecentSalesCap     = 10

	marketCollection = "marketData"
)

var (
	// ErrInvalidPrice rejects sales that are not strictly positive finite amounts.
	ErrInvalidPrice = errors.New("sale price must be a positive number")
	// ErrInvalidDays rejects negative or non-finite days-to-sell.
	ErrInvalidDays = errors.New("days to sell must be a non-negative number")
	// ErrInvalidKey rejects empty geo keys or categories.
	ErrInvalidKey = errors.New("geo key and category are required")
)

// ClampRecentSalesCap keeps the recent-sales ring between 5 and 10 entries.
func ClampRecentSalesCap(n int) int {
	if n <= 0 {
		return DefaultRecentSalesCap
	}
	if n < minRecentSalesCap {
		return minRecentSalesCap
	}
	if n > maxRecentSalesCap {
		return maxRecentSalesCap
	}
	return n
}

// ValidateSale checks a sale before it reaches a backend.
func ValidateSale(price float64, daysToSell *float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidPrice, price)
	}
	if daysToSell != nil {
		d := *daysToSell
		if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
			return fmt.Errorf("%w: got %v", ErrInvalidDays, d)
		}
	}
	return nil
}

// NormalizeKeyPair canonicalizes the aggregate key parts. ZIP codes pass through unchanged;
// categories use the same form as storage document IDs.
func NormalizeKeyPair(geoKey, category string) (string, string, error) {
	g := model.CanonicalGeoKey(geoKey)
	c := util.NormalizeCategory(category)
	if g == "" || c == "" {
		return "", "", ErrInvalidKey
	}
	return g, c, nil
}

// pushRecentSale prepends a sale and evicts the oldest entries beyond limit.
func pushRecentSale(sales []model.RecentSale, sale model.RecentSale, limit int) []model.RecentSale {
	out := make([]model.RecentSale, 0, limit)
	out = append(out, sale)
	for _, s := range sales {
		if len(out) >= limit {
			break
		}
		out = append(out, s)
	}
	return out
}

func minPtr(cur *float64, v float64) *float64 {
	if cur == nil || v < *cur {
		return &v
	}
	return cur
}

func maxPtr(cur *float64, v float64) *float64 {
	if cur == nil || v > *cur {
		return &v
	}
	return cur
}

func copyDays(d *float64) *float64 {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
