// Package storetest holds a behavioural suite every market store backend must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/precisionprices/market-pricing/internal/repository"
	"github.com/precisionprices/market-pricing/pkg/model"
)

// Store mirrors the persistence contract of the market service.
type Store interface {
	RecordSale(ctx context.Context, geoKey, category string, price float64, daysToSell *float64) error
	RecordListingCreated(ctx context.Context, geoKey, category string) error
	Read(ctx context.Context, geoKey, category string) (*model.MarketAggregate, error)
	SearchByGeo(ctx context.Context, geoKey string, minSoldCount, limit int) ([]model.MarketAggregate, error)
}

// Factory returns an empty store configured with the given recent-sales cap.
// Each call must return an isolated store (fresh database, key prefix or collection).
type Factory func(t *testing.T, recentCap int) Store

// Run exercises the full contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(t *testing.T, newStore Factory)
	}{
		{"RunningMean", testRunningMean},
		{"ReadMissing", testReadMissing},
		{"LazyCreateOnListing", testLazyCreateOnListing},
		{"ActiveCountFloor", testActiveCountFloor},
		{"MinMax", testMinMax},
		{"RecentSalesCapAndOrder", testRecentSalesCapAndOrder},
		{"DaysToSellOptional", testDaysToSellOptional},
		{"SearchOrdering", testSearchOrdering},
		{"InvalidInput", testInvalidInput},
		{"ConcurrentSales", testConcurrentSales},
		{"CategorySpellings", testCategorySpellings},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) { tc.fn(t, newStore) })
	}
}

func days(v float64) *float64 { return &v }

func mustRead(t *testing.T, s Store, geoKey, category string) *model.MarketAggregate {
	t.Helper()
	agg, err := s.Read(context.Background(), geoKey, category)
	if err != nil {
		t.Fatalf("read %s/%s: %v", geoKey, category, err)
	}
	if agg == nil {
		t.Fatalf("read %s/%s: expected aggregate, got nil", geoKey, category)
	}
	return agg
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func testRunningMean(t *testing.T, newStore Factory) {
	s := newStore(t, 10)
	ctx := context.Background()
	for _, p := range []float64{100, 120, 140} {
		if err := s.RecordSale(ctx, "78701", "electronics", p, days(4)); err != nil {
			t.Fatalf("record sale: %v", err)
		}
	}
	agg := mustRead(t, s, "78701", "electronics")
	if agg.SoldCount != 3 {
		t.Fatalf("soldCount = %d, want 3", agg.SoldCount)
	}
	if !approx(agg.TotalSoldValue, 360) {
		t.Fatalf("totalSoldValue = %v, want 360", agg.TotalSoldValue)
	}
	if !approx(agg.AvgSoldPrice(), 120) {
		t.Fatalf("avg = %v, want 120", agg.AvgSoldPrice())
	}
	if !approx(agg.AvgDaysToSell(), 4) {
		t.Fatalf("avg days = %v, want 4", agg.AvgDaysToSell())
	}
}

func testReadMissing(t *testing.T, newStore Factory) {
	s := newStore(t, 10)
	agg, err := s.Read(context.Background(), "austin-tx", "furniture")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if agg != nil {
		t.Fatalf("expected nil aggregate, got %+v", agg)
	}
}

func testLazyCreateOnListing(t *testing.T, newStore Factory) {
	s := newStore(t, 10)
	ctx := context.Background()
	if err := s.RecordListingCreated(ctx, "austin-tx", "Furniture"); err != nil {
		t.Fatalf("record listing: %v", err)
	}
	if err := s.RecordListingCreated(ctx, "austin-tx", "furniture"); err != nil {
		t.Fatalf("record listing: %v", err)
	}
	agg := mustRead(t, s, "austin-tx", "furniture")
	if agg.ActiveCount != 2 || agg.SoldCount != 0 {
		t.Fatalf("got active=%d sold=%d, want 2/0", agg.ActiveCount, agg.SoldCount)
	}
	if agg.PriceMin != nil || agg.PriceMax != nil {
		t.Fatalf("expected unset min/max before any sale, got %v/%v", agg.PriceMin, agg.PriceMax)
	}
	if agg.AvgSoldPrice() != 0 {
		t.Fatalf("avg = %v, want 0", agg.AvgSoldPrice())
	}

	// Listings with zero sales still show up when the threshold is zero.
	rows, err := s.SearchByGeo(ctx, "austin-tx", 0, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(rows) != 1 || rows[0].Category != "furniture" {
		t.Fatalf("search = %+v, want one furniture row", rows)
	}
}

func testActiveCountFloor(t *testing.T, newStore Factory) {
	s := newStore(t, 10)
	ctx := context.Background()
	if err := s.RecordListingCreated(ctx, "texas", "tools"); err != nil {
		t.Fatalf("record listing: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.RecordSale(ctx, "texas", "tools", 50, nil); err != nil {
			t.Fatalf("record sale: %v", err)
		}
	}
	agg := mustRead(t, s, "texas", "tools")
	if agg.ActiveCount != 0 {
		t.Fatalf("activeCount = %d, want 0", agg.ActiveCount)
	}
	if agg.SoldCount != 3 {
		t.Fatalf("soldCount = %d, want 3", agg.SoldCount)
	}
}

func testMinMax(t *testing.T, newStore Factory) {
	s := newStore(t, 10)
	ctx := context.Background()
	for _, p := range []float64{80, 35.5, 210, 99} {
		if err := s.RecordSale(ctx, "national", "bikes", p, nil); err != nil {
			t.Fatalf("record sale: %v", err)
		}
	}
	agg := mustRead(t, s, "national", "bikes")
	if agg.PriceMin == nil || !approx(*agg.PriceMin, 35.5) {
		t.Fatalf("priceMin = %v, want 35.5", agg.PriceMin)
	}
	if agg.PriceMax == nil || !approx(*agg.PriceMax, 210) {
		t.Fatalf("priceMax = %v, want 210", agg.PriceMax)
	}
}

func testRecentSalesCapAndOrder(t *testing.T, newStore Factory) {
	s := newStore(t, 5)
	ctx := context.Background()
	for i := 1; i <= 8; i++ {
		if err := s.RecordSale(ctx, "10001", "clothing", float64(i*10), nil); err != nil {
			t.Fatalf("record sale %d: %v", i, err)
		}
	}
	agg := mustRead(t, s, "10001", "clothing")
	if agg.SoldCount != 8 {
		t.Fatalf("soldCount = %d, want 8", agg.SoldCount)
	}
	if len(agg.RecentSales) != 5 {
		t.Fatalf("recent sales = %d, want 5", len(agg.RecentSales))
	}
	want := []float64{80, 70, 60, 50, 40}
	for i, sale := range agg.RecentSales {
		if !approx(sale.Price, want[i]) {
			t.Fatalf("recent[%d] = %v, want %v (newest first)", i, sale.Price, want[i])
		}
	}
	// The running total still counts evicted sales.
	if !approx(agg.TotalSoldValue, 360) {
		t.Fatalf("totalSoldValue = %v, want 360", agg.TotalSoldValue)
	}
}

func testDaysToSellOptional(t *testing.T, newStore Factory) {
	s := newStore(t, 10)
	ctx := context.Background()
	if err := s.RecordSale(ctx, "chicago-il", "toys", 20, days(6)); err != nil {
		t.Fatalf("record sale: %v", err)
	}
	if err := s.RecordSale(ctx, "chicago-il", "toys", 30, nil); err != nil {
		t.Fatalf("record sale: %v", err)
	}
	agg := mustRead(t, s, "chicago-il", "toys")
	if agg.DaysReportedCount != 1 {
		t.Fatalf("daysReportedCount = %d, want 1", agg.DaysReportedCount)
	}
	if !approx(agg.AvgDaysToSell(), 6) {
		t.Fatalf("avg days = %v, want 6", agg.AvgDaysToSell())
	}
	if len(agg.RecentSales) != 2 {
		t.Fatalf("recent sales = %d, want 2", len(agg.RecentSales))
	}
	if agg.RecentSales[0].DaysToSell != nil {
		t.Fatalf("newest sale should have no days, got %v", *agg.RecentSales[0].DaysToSell)
	}
	if agg.RecentSales[1].DaysToSell == nil || !approx(*agg.RecentSales[1].DaysToSell, 6) {
		t.Fatalf("older sale days = %v, want 6", agg.RecentSales[1].DaysToSell)
	}
}

func testSearchOrdering(t *testing.T, newStore Factory) {
	s := newStore(t, 10)
	ctx := context.Background()
	counts := map[string]int{"electronics": 5, "furniture": 2, "books": 7, "games": 1}
	for cat, n := range counts {
		for i := 0; i < n; i++ {
			if err := s.RecordSale(ctx, "austin-tx", cat, 10, nil); err != nil {
				t.Fatalf("record sale: %v", err)
			}
		}
	}
	if err := s.RecordSale(ctx, "dallas-tx", "books", 10, nil); err != nil {
		t.Fatalf("record sale: %v", err)
	}

	rows, err := s.SearchByGeo(ctx, "austin-tx", 2, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	got := make([]string, len(rows))
	for i, r := range rows {
		got[i] = fmt.Sprintf("%s:%d", r.Category, r.SoldCount)
	}
	want := []string{"books:7", "electronics:5", "furniture:2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("search = %v, want %v", got, want)
	}

	limited, err := s.SearchByGeo(ctx, "austin-tx", 0, 2)
	if err != nil {
		t.Fatalf("search limited: %v", err)
	}
	if len(limited) != 2 || limited[0].Category != "books" {
		t.Fatalf("limited search = %+v", limited)
	}

	none, err := s.SearchByGeo(ctx, "austin-tx", 100, 10)
	if err != nil {
		t.Fatalf("search none: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no rows, got %d", len(none))
	}
}

func testInvalidInput(t *testing.T, newStore Factory) {
	s := newStore(t, 10)
	ctx := context.Background()
	tests := []struct {
		name    string
		geo     string
		cat     string
		price   float64
		days    *float64
		wantErr error
	}{
		{"zero price", "austin-tx", "toys", 0, nil, repository.ErrInvalidPrice},
		{"negative price", "austin-tx", "toys", -5, nil, repository.ErrInvalidPrice},
		{"nan price", "austin-tx", "toys", math.NaN(), nil, repository.ErrInvalidPrice},
		{"negative days", "austin-tx", "toys", 10, days(-1), repository.ErrInvalidDays},
		{"empty category", "austin-tx", " ", 10, nil, repository.ErrInvalidKey},
		{"empty geo", "", "toys", 10, nil, repository.ErrInvalidKey},
	}
	for _, tt := range tests {
		err := s.RecordSale(ctx, tt.geo, tt.cat, tt.price, tt.days)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.wantErr)
		}
	}
	agg, err := s.Read(ctx, "austin-tx", "toys")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if agg != nil {
		t.Fatalf("rejected sales must not create aggregates, got %+v", agg)
	}
}

func testConcurrentSales(t *testing.T, newStore Factory) {
	s := newStore(t, 10)
	ctx := context.Background()
	const writers, perWriter = 8, 5

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := s.RecordSale(ctx, "seattle-wa", "electronics", 100, days(2)); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent record sale: %v", err)
	}

	agg := mustRead(t, s, "seattle-wa", "electronics")
	if agg.SoldCount != writers*perWriter {
		t.Fatalf("soldCount = %d, want %d", agg.SoldCount, writers*perWriter)
	}
	if !approx(agg.TotalSoldValue, 100*writers*perWriter) {
		t.Fatalf("totalSoldValue = %v, want %v", agg.TotalSoldValue, 100*writers*perWriter)
	}
	if agg.DaysReportedCount != writers*perWriter {
		t.Fatalf("daysReportedCount = %d, want %d", agg.DaysReportedCount, writers*perWriter)
	}
}

func testCategorySpellings(t *testing.T, newStore Factory) {
	s := newStore(t, 10)
	ctx := context.Background()
	for _, cat := range []string{"home/garden", "Home Garden", "home-garden"} {
		if err := s.RecordSale(ctx, "austin-tx", cat, 50, nil); err != nil {
			t.Fatalf("record sale %q: %v", cat, err)
		}
	}
	agg := mustRead(t, s, "austin-tx", "home / garden")
	if agg.SoldCount != 3 {
		t.Fatalf("soldCount = %d, want all spellings in one aggregate", agg.SoldCount)
	}
	if agg.Category != "home-garden" {
		t.Fatalf("category = %q, want home-garden", agg.Category)
	}
	rows, err := s.SearchByGeo(ctx, "austin-tx", 0, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("search returned %d rows, want 1", len(rows))
	}
}
