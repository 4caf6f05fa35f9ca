package pricing

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/precisionprices/market-pricing/internal/location"
	"github.com/precisionprices/market-pricing/internal/platform/estimator"
	"github.com/precisionprices/market-pricing/pkg/model"
)

type stubEstimator struct {
	est   model.PriceEstimate
	err   error
	calls int
	last  estimator.Request
}

func (s *stubEstimator) Estimate(ctx context.Context, req estimator.Request) (model.PriceEstimate, error) {
	s.calls++
	s.last = req
	return s.est, s.err
}

type stubMarkets struct {
	agg      *model.MarketAggregate
	block    bool
	gotKey   string
	gotMin   int
	category string
}

func (s *stubMarkets) BestAggregate(ctx context.Context, loc model.LocationDescriptor, category string, minSample int) *model.MarketAggregate {
	s.gotKey = loc.GeoKey()
	s.gotMin = minSample
	s.category = category
	if s.block {
		<-ctx.Done()
		return nil
	}
	return s.agg
}

func newTestService(markets MarketReader, est Estimator) *Service {
	svc := NewService(location.NewResolver(location.MustDefaultTable()), markets, est, nil, 50*time.Millisecond)
	svc.now = func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) }
	return svc
}

func TestRecommendBlendsSuppliedEstimate(t *testing.T) {
	markets := &stubMarkets{agg: aggregateOf("78701", 100, 120, 140)}
	est := &stubEstimator{}
	svc := newTestService(markets, est)

	got, err := svc.Recommend(context.Background(), RecommendRequest{
		Location: "Austin, TX 78701",
		Category: " Electronics ",
		Estimate: &model.PriceEstimate{Min: 90, Optimal: 110, Max: 150},
	})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if est.calls != 0 {
		t.Fatalf("estimator called %d times, want 0", est.calls)
	}
	if markets.gotKey != "78701" || markets.gotMin != 3 || markets.category != "electronics" {
		t.Fatalf("market lookup = %s/%d/%s", markets.gotKey, markets.gotMin, markets.category)
	}
	rec := got.Recommendation
	if rec.Optimal != 117 || rec.DataSource != model.SourceBlended {
		t.Fatalf("recommendation = %+v", rec)
	}
	if got.Location.ZipCode != "78701" || got.Location.MatchConfidence != model.TierHigh {
		t.Fatalf("location = %+v", got.Location)
	}
	if !strings.HasPrefix(rec.Insight, "Based on 3 similar items sold in Austin Metro.") {
		t.Fatalf("insight = %q", rec.Insight)
	}
	if got.LocationNote == "" {
		t.Fatal("expected location note")
	}
}

func TestRecommendCallsEstimator(t *testing.T) {
	est := &stubEstimator{est: model.PriceEstimate{Min: 20, Optimal: 30, Max: 45}}
	svc := newTestService(&stubMarkets{}, est)

	got, err := svc.Recommend(context.Background(), RecommendRequest{
		Location:    "somewhere unknown",
		Category:    "toys",
		Description: "wooden train set",
	})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if est.calls != 1 || est.last.Description != "wooden train set" {
		t.Fatalf("estimator request = %+v (calls=%d)", est.last, est.calls)
	}
	rec := got.Recommendation
	if rec.DataSource != model.SourceAIOnly || rec.GeographicScope != model.ScopeNational {
		t.Fatalf("recommendation = %+v", rec)
	}
	if rec.Optimal != 30 || rec.ConfidenceScore != 70 {
		t.Fatalf("recommendation = %+v", rec)
	}
	if !strings.Contains(rec.Insight, "Be the first") {
		t.Fatalf("insight = %q", rec.Insight)
	}
}

func TestRecommendErrors(t *testing.T) {
	svc := newTestService(&stubMarkets{}, nil)
	if _, err := svc.Recommend(context.Background(), RecommendRequest{Category: "toys"}); !errors.Is(err, ErrMissingEstimate) {
		t.Fatalf("err = %v, want ErrMissingEstimate", err)
	}
	if _, err := svc.Recommend(context.Background(), RecommendRequest{Category: "  "}); !errors.Is(err, ErrMissingCategory) {
		t.Fatalf("err = %v, want ErrMissingCategory", err)
	}

	failing := newTestService(&stubMarkets{}, &stubEstimator{err: estimator.ErrCircuitOpen})
	if _, err := failing.Recommend(context.Background(), RecommendRequest{Category: "toys"}); !errors.Is(err, estimator.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(prev) })
	return &buf
}

func TestRecommendColdMarketDoesNotLogTimeout(t *testing.T) {
	logs := captureLog(t)
	svc := newTestService(&stubMarkets{}, nil)
	_, err := svc.Recommend(context.Background(), RecommendRequest{
		Location: "Seattle, WA",
		Category: "bikes",
		Estimate: &model.PriceEstimate{Min: 200, Optimal: 250, Max: 300},
	})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if strings.Contains(logs.String(), "timed out") {
		t.Fatalf("unexpected timeout log: %q", logs.String())
	}
}

func TestRecommendDegradesOnMarketTimeout(t *testing.T) {
	logs := captureLog(t)
	svc := newTestService(&stubMarkets{block: true}, nil)
	got, err := svc.Recommend(context.Background(), RecommendRequest{
		Location: "Seattle, WA",
		Category: "bikes",
		Estimate: &model.PriceEstimate{Min: 200, Optimal: 250, Max: 300, ConfidenceScore: 60},
	})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	rec := got.Recommendation
	if rec.DataSource != model.SourceAIOnly || rec.ConfidenceScore != 60 || rec.Optimal != 250 {
		t.Fatalf("recommendation = %+v", rec)
	}
	if !strings.Contains(logs.String(), "timed out") {
		t.Fatalf("expected timeout log, got %q", logs.String())
	}
}

func TestInsight(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	loc := model.LocationDescriptor{City: "Denver", State: "CO", Multiplier: 1.1}

	fresh := aggregateOf("denver-co", 50, 70, 90)
	fresh.TotalDaysToSell, fresh.DaysReportedCount = 12, 2
	for i := 0; i < 3; i++ {
		fresh.RecentSales = append(fresh.RecentSales, model.RecentSale{Price: 70, SoldAt: now.AddDate(0, 0, -i)})
	}
	rec := model.BlendedRecommendation{GeographicScope: model.ScopeRegional, DataSource: model.SourceBlended}
	got := Insight(rec, fresh, loc, now)
	want := "Based on 3 similar items sold in Denver, CO. Average sale price: $70. Typical time to sell: 6 days. Data is from the last 90 days."
	if got != want {
		t.Fatalf("insight = %q\nwant %q", got, want)
	}

	stale := aggregateOf("national", 40)
	rec = model.BlendedRecommendation{GeographicScope: model.ScopeNational, DataSource: model.SourceAIWithLimitedData}
	got = Insight(rec, stale, loc, now)
	want = "Based on 1 similar item sold nationally. Average sale price: $40. Too few sales to adjust the AI estimate yet."
	if got != want {
		t.Fatalf("insight = %q\nwant %q", got, want)
	}

	old := aggregateOf("denver-co", 10, 20, 30)
	rec = model.BlendedRecommendation{GeographicScope: model.ScopeRegional, DataSource: model.SourceBlended}
	if got := Insight(rec, old, loc, now); !strings.HasSuffix(got, "Note: Limited recent data available.") {
		t.Fatalf("insight = %q", got)
	}
}
