package market

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/precisionprices/market-pricing/internal/repository"
	"github.com/precisionprices/market-pricing/pkg/model"
)

type brokenTrendingStore struct{}

func (brokenTrendingStore) SaveTrending(ctx context.Context, snap model.TrendingSnapshot) error {
	return errors.New("write refused")
}

func (brokenTrendingStore) GetTrending(ctx context.Context, geoKey string) (*model.TrendingSnapshot, error) {
	return nil, nil
}

func TestBuildTrendingTopTen(t *testing.T) {
	var rows []model.MarketAggregate
	for i := 15; i >= 1; i-- {
		rows = append(rows, model.MarketAggregate{
			GeoKey:         "austin-tx",
			Category:       fmt.Sprintf("cat-%02d", i),
			SoldCount:      i,
			TotalSoldValue: float64(i * 10),
		})
	}
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	snap := BuildTrending("Austin TX", rows, at)

	if snap.GeoKey != "austin-tx" {
		t.Fatalf("geoKey = %q", snap.GeoKey)
	}
	if len(snap.Categories) != 10 {
		t.Fatalf("categories = %d, want 10", len(snap.Categories))
	}
	if snap.Categories[0].Category != "cat-15" || snap.Categories[0].AvgSoldPrice != 10 {
		t.Fatalf("first = %+v", snap.Categories[0])
	}
	if !snap.LastUpdated.Equal(at) {
		t.Fatalf("lastUpdated = %v", snap.LastUpdated)
	}
}

func TestTrendingRunOnce(t *testing.T) {
	ctx := context.Background()
	svc := NewService(repository.NewMemoryMarketRepository(10), time.Second)
	loc := model.LocationDescriptor{ZipCode: "60601", City: "Chicago", State: "IL", Multiplier: 1.1}

	for i := 0; i < 3; i++ {
		svc.RecordSaleAt(ctx, loc, "electronics", 100, nil)
	}
	svc.RecordSaleAt(ctx, loc, "furniture", 300, nil)
	svc.RecordListingAt(ctx, loc, "toys")

	store := repository.NewMemoryTrendingRepository()
	job := NewTrendingJob(svc, store, []string{"Denver, CO"}, 2)

	n, err := job.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	// 60601, chicago-il, il, national. The seed key has no sales and is skipped.
	if n != 4 {
		t.Fatalf("saved %d snapshots, want 4", n)
	}

	snap, err := job.Get(ctx, "Chicago, IL")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap == nil {
		t.Fatal("expected chicago snapshot")
	}
	if len(snap.Categories) != 2 {
		t.Fatalf("categories = %+v, want electronics and furniture only", snap.Categories)
	}
	if snap.Categories[0].Category != "electronics" || snap.Categories[0].SoldCount != 3 {
		t.Fatalf("first = %+v", snap.Categories[0])
	}

	if snap, _ := job.Get(ctx, "denver-co"); snap != nil {
		t.Fatalf("seed without sales should not get a snapshot, got %+v", snap)
	}
}

func TestTrendingRunOnceReportsFailures(t *testing.T) {
	ctx := context.Background()
	svc := NewService(repository.NewMemoryMarketRepository(10), time.Second)
	svc.RecordSale(ctx, "10001", "books", 12, nil)

	job := NewTrendingJob(svc, brokenTrendingStore{}, nil, 1)
	n, err := job.RunOnce(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
	if n != 0 {
		t.Fatalf("saved = %d, want 0", n)
	}
}

func TestTrendingSchedule(t *testing.T) {
	svc := NewService(repository.NewMemoryMarketRepository(10), time.Second)
	job := NewTrendingJob(svc, repository.NewMemoryTrendingRepository(), nil, 1)

	c, err := job.Schedule("0 3 * * *", "America/Chicago")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	defer c.Stop()
	if len(c.Entries()) != 1 {
		t.Fatalf("entries = %d, want 1", len(c.Entries()))
	}

	if _, err := job.Schedule("not a cron spec", "America/Chicago"); err == nil {
		t.Fatal("expected invalid spec error")
	}
	if _, err := job.Schedule("0 3 * * *", "Mars/Olympus"); err == nil {
		t.Fatal("expected invalid timezone error")
	}
}
