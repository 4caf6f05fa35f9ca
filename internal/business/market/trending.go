package market

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/precisionprices/market-pricing/pkg/model"
	"github.com/robfig/cron/v3"
)

const (
	trendingTopN        = 10
	defaultTrendWorkers = 4
)

// TrendingStore persists per-geo trending snapshots.
type TrendingStore interface {
	SaveTrending(ctx context.Context, snap model.TrendingSnapshot) error
	// GetTrending returns (nil, nil) when no snapshot exists yet.
	GetTrending(ctx context.Context, geoKey string) (*model.TrendingSnapshot, error)
}

// TrendingJob recomputes the best-selling categories of every known geo key.
type TrendingJob struct {
	markets *Service
	store   TrendingStore
	seeds   []string
	workers int
	now     func() time.Time
	runMu   sync.Mutex
}

func NewTrendingJob(markets *Service, store TrendingStore, seeds []string, workers int) *TrendingJob {
	if workers <= 0 {
		workers = defaultTrendWorkers
	}
	return &TrendingJob{
		markets: markets,
		store:   store,
		seeds:   seeds,
		workers: workers,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Schedule registers the job on a cron scheduler running in tz. The returned
// scheduler is started; callers stop it on shutdown.
func (j *TrendingJob) Schedule(spec, tz string) (*cron.Cron, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load trending timezone %q: %w", tz, err)
	}
	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, func() {
		if n, err := j.RunOnce(context.Background()); err != nil {
			log.Printf("trending: run failed after %d snapshots: %v", n, err)
		} else {
			log.Printf("trending: refreshed %d snapshots", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule trending %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}

// RunOnce refreshes every geo key with a bounded worker pool and returns the
// number of snapshots saved. Keys with no sales are skipped. Overlapping runs
// are serialized.
func (j *TrendingJob) RunOnce(ctx context.Context) (int, error) {
	j.runMu.Lock()
	defer j.runMu.Unlock()

	keys := j.geoKeys()
	jobs := make(chan string)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		saved  int
		failed int
		first  error
	)

	worker := func() {
		defer wg.Done()
		for key := range jobs {
			ok, err := j.refresh(ctx, key)
			mu.Lock()
			switch {
			case err != nil:
				failed++
				if first == nil {
					first = err
				}
			case ok:
				saved++
			}
			mu.Unlock()
		}
	}
	for i := 0; i < j.workers; i++ {
		wg.Add(1)
		go worker()
	}

feed:
	for _, key := range keys {
		select {
		case jobs <- key:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if first == nil && ctx.Err() != nil {
		first = ctx.Err()
	}
	if first != nil {
		return saved, fmt.Errorf("trending: %d of %d geo keys failed: %w", failed, len(keys), first)
	}
	return saved, nil
}

// Get reads the stored snapshot for geoKey.
func (j *TrendingJob) Get(ctx context.Context, geoKey string) (*model.TrendingSnapshot, error) {
	return j.store.GetTrending(ctx, model.CanonicalGeoKey(geoKey))
}

func (j *TrendingJob) refresh(ctx context.Context, geoKey string) (bool, error) {
	rows := j.markets.Search(ctx, geoKey, 1, trendingTopN)
	if len(rows) == 0 {
		return false, nil
	}
	snap := BuildTrending(geoKey, rows, j.now())
	if err := j.store.SaveTrending(ctx, snap); err != nil {
		return false, err
	}
	return true, nil
}

func (j *TrendingJob) geoKeys() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(k string) {
		k = model.CanonicalGeoKey(k)
		if k == "" {
			return
		}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	for _, k := range j.seeds {
		add(k)
	}
	for _, k := range j.markets.TouchedGeoKeys() {
		add(k)
	}
	return out
}

// BuildTrending turns aggregates (already sorted by soldCount desc) into a snapshot
// holding at most the top ten categories.
func BuildTrending(geoKey string, rows []model.MarketAggregate, at time.Time) model.TrendingSnapshot {
	if len(rows) > trendingTopN {
		rows = rows[:trendingTopN]
	}
	cats := make([]model.TrendingCategory, 0, len(rows))
	for _, r := range rows {
		if r.SoldCount <= 0 {
			continue
		}
		cats = append(cats, model.TrendingCategory{
			Category:      r.Category,
			SoldCount:     r.SoldCount,
			ActiveCount:   r.ActiveCount,
			AvgSoldPrice:  r.AvgSoldPrice(),
			AvgDaysToSell: r.AvgDaysToSell(),
		})
	}
	return model.TrendingSnapshot{
		GeoKey:      model.CanonicalGeoKey(geoKey),
		Categories:  cats,
		LastUpdated: at,
	}
}
