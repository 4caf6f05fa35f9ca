package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/precisionprices/market-pricing/pkg/model"
)

// MemoryMarketRepository keeps aggregates in process memory. The mutex is the
// atomic primitive here: every update happens under one lock acquisition.
type MemoryMarketRepository struct {
	mu        sync.Mutex
	rows      map[string]*model.MarketAggregate
	recentCap int
	now       func() time.Time
}

func NewMemoryMarketRepository(recentCap int) *MemoryMarketRepository {
	return &MemoryMarketRepository{
		rows:      make(map[string]*model.MarketAggregate),
		recentCap: ClampRecentSalesCap(recentCap),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryMarketRepository) RecordSale(ctx context.Context, geoKey, category string, price float64, daysToSell *float64) error {
	if err := ValidateSale(price, daysToSell); err != nil {
		return err
	}
	g, c, err := NormalizeKeyPair(geoKey, category)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	row := r.rowLocked(g, c)
	row.SoldCount++
	row.TotalSoldValue += price
	if daysToSell != nil {
		row.TotalDaysToSell += *daysToSell
		row.DaysReportedCount++
	}
	if row.ActiveCount > 0 {
		row.ActiveCount--
	}
	row.PriceMin = minPtr(row.PriceMin, price)
	row.PriceMax = maxPtr(row.PriceMax, price)
	row.RecentSales = pushRecentSale(row.RecentSales, model.RecentSale{
		ID:         uuid.NewString(),
		Price:      price,
		DaysToSell: copyDays(daysToSell),
		SoldAt:     now,
	}, r.recentCap)
	row.UpdatedAt = now
	return nil
}

func (r *MemoryMarketRepository) RecordListingCreated(ctx context.Context, geoKey, category string) error {
	g, c, err := NormalizeKeyPair(geoKey, category)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.rowLocked(g, c)
	row.ActiveCount++
	row.UpdatedAt = r.now()
	return nil
}

func (r *MemoryMarketRepository) Read(ctx context.Context, geoKey, category string) (*model.MarketAggregate, error) {
	g, c, err := NormalizeKeyPair(geoKey, category)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[memoryKey(g, c)]
	if !ok {
		return nil, nil
	}
	out := cloneAggregate(*row)
	return &out, nil
}

func (r *MemoryMarketRepository) SearchByGeo(ctx context.Context, geoKey string, minSoldCount, limit int) ([]model.MarketAggregate, error) {
	g, _, err := NormalizeKeyPair(geoKey, "-")
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	var out []model.MarketAggregate
	for _, row := range r.rows {
		if row.GeoKey == g && row.SoldCount >= minSoldCount {
			out = append(out, cloneAggregate(*row))
		}
	}
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SoldCount != out[j].SoldCount {
			return out[i].SoldCount > out[j].SoldCount
		}
		return out[i].Category < out[j].Category
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryMarketRepository) rowLocked(geoKey, category string) *model.MarketAggregate {
	key := memoryKey(geoKey, category)
	row, ok := r.rows[key]
	if !ok {
		row = &model.MarketAggregate{GeoKey: geoKey, Category: category}
		r.rows[key] = row
	}
	return row
}

func memoryKey(geoKey, category string) string {
	return geoKey + "\x00" + category
}

func cloneAggregate(a model.MarketAggregate) model.MarketAggregate {
	if a.PriceMin != nil {
		v := *a.PriceMin
		a.PriceMin = &v
	}
	if a.PriceMax != nil {
		v := *a.PriceMax
		a.PriceMax = &v
	}
	sales := make([]model.RecentSale, len(a.RecentSales))
	for i, s := range a.RecentSales {
		s.DaysToSell = copyDays(s.DaysToSell)
		sales[i] = s
	}
	a.RecentSales = sales
	return a
}
