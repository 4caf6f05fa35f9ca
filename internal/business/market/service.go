package market

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/precisionprices/market-pricing/pkg/model"
)

// Store persists running sale aggregates per (geoKey, category).
type Store interface {
	RecordSale(ctx context.Context, geoKey, category string, price float64, daysToSell *float64) error
	RecordListingCreated(ctx context.Context, geoKey, category string) error
	// Read returns (nil, nil) when the pair has never been recorded.
	Read(ctx context.Context, geoKey, category string) (*model.MarketAggregate, error)
	SearchByGeo(ctx context.Context, geoKey string, minSoldCount, limit int) ([]model.MarketAggregate, error)
}

// UpdateNotifier is told about every aggregate that changed through the service.
type UpdateNotifier interface {
	NotifyAggregate(agg model.MarketAggregate)
}

const defaultStoreTimeout = 3 * time.Second

// Service wraps a Store with timeouts and soft failure: write errors are logged
// and dropped, read errors come back as empty results.
type Service struct {
	store    Store
	timeout  time.Duration
	notifier UpdateNotifier

	mu      sync.Mutex
	touched map[string]struct{}
}

func NewService(store Store, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &Service{store: store, timeout: timeout, touched: make(map[string]struct{})}
}

// SetNotifier registers a listener for aggregate changes. Pass nil to disable.
func (s *Service) SetNotifier(n UpdateNotifier) {
	s.notifier = n
}

// RecordSaleAt rolls one sale up to every geo key of loc. It returns how many
// keys were written successfully.
func (s *Service) RecordSaleAt(ctx context.Context, loc model.LocationDescriptor, category string, price float64, daysToSell *float64) int {
	ok := 0
	for _, key := range loc.GeoKeys() {
		if s.RecordSale(ctx, key, category, price, daysToSell) {
			ok++
		}
	}
	return ok
}

// RecordListingAt rolls a listing creation up to every geo key of loc.
func (s *Service) RecordListingAt(ctx context.Context, loc model.LocationDescriptor, category string) int {
	ok := 0
	for _, key := range loc.GeoKeys() {
		if s.RecordListing(ctx, key, category) {
			ok++
		}
	}
	return ok
}

// RecordSale writes a sale for one key and reports whether it was persisted.
func (s *Service) RecordSale(ctx context.Context, geoKey, category string, price float64, daysToSell *float64) bool {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.store.RecordSale(cctx, geoKey, category, price, daysToSell); err != nil {
		log.Printf("market: record sale %s/%s failed: %v", geoKey, category, err)
		return false
	}
	s.afterWrite(ctx, geoKey, category)
	return true
}

// RecordListing writes a listing creation for one key and reports whether it was persisted.
func (s *Service) RecordListing(ctx context.Context, geoKey, category string) bool {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.store.RecordListingCreated(cctx, geoKey, category); err != nil {
		log.Printf("market: record listing %s/%s failed: %v", geoKey, category, err)
		return false
	}
	s.afterWrite(ctx, geoKey, category)
	return true
}

// Read returns nil when the aggregate is missing or the store fails.
func (s *Service) Read(ctx context.Context, geoKey, category string) *model.MarketAggregate {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	agg, err := s.store.Read(cctx, geoKey, category)
	if err != nil {
		log.Printf("market: read %s/%s failed: %v", geoKey, category, err)
		return nil
	}
	return agg
}

// Search returns an empty slice when the store fails.
func (s *Service) Search(ctx context.Context, geoKey string, minSoldCount, limit int) []model.MarketAggregate {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.store.SearchByGeo(cctx, geoKey, minSoldCount, limit)
	if err != nil {
		log.Printf("market: search %s failed: %v", geoKey, err)
		return nil
	}
	return rows
}

// BestAggregate walks loc's geo keys from most to least specific and returns the
// first aggregate with at least minSample sales. When none qualifies, the one with
// the most sales is returned (nil if nothing was ever recorded).
func (s *Service) BestAggregate(ctx context.Context, loc model.LocationDescriptor, category string, minSample int) *model.MarketAggregate {
	var fallback *model.MarketAggregate
	for _, key := range loc.GeoKeys() {
		if ctx.Err() != nil {
			break
		}
		agg := s.Read(ctx, key, category)
		if agg == nil {
			continue
		}
		if agg.SoldCount >= minSample && agg.SoldCount > 0 {
			return agg
		}
		if fallback == nil || agg.SoldCount > fallback.SoldCount {
			fallback = agg
		}
	}
	return fallback
}

// TouchedGeoKeys lists every geo key written through this service, sorted.
func (s *Service) TouchedGeoKeys() []string {
	s.mu.Lock()
	keys := make([]string, 0, len(s.touched))
	for k := range s.touched {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return keys
}

func (s *Service) afterWrite(ctx context.Context, geoKey, category string) {
	s.mu.Lock()
	s.touched[model.CanonicalGeoKey(geoKey)] = struct{}{}
	s.mu.Unlock()

	if s.notifier == nil {
		return
	}
	if agg := s.Read(ctx, geoKey, category); agg != nil {
		s.notifier.NotifyAggregate(*agg)
	}
}
