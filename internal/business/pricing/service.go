package pricing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/precisionprices/market-pricing/internal/location"
	"github.com/precisionprices/market-pricing/internal/platform/estimator"
	"github.com/precisionprices/market-pricing/pkg/model"
)

var (
	// ErrMissingEstimate is returned when no estimate was supplied and no estimator is wired.
	ErrMissingEstimate = errors.New("no price estimate supplied and no estimator configured")
	ErrMissingCategory = errors.New("category is required")
)

// LocationResolver turns free text into a descriptor.
type LocationResolver interface {
	Resolve(raw string) model.LocationDescriptor
}

// Estimator produces an AI price range for an item.
type Estimator interface {
	Estimate(ctx context.Context, req estimator.Request) (model.PriceEstimate, error)
}

// MarketReader finds the most useful aggregate for a location.
type MarketReader interface {
	BestAggregate(ctx context.Context, loc model.LocationDescriptor, category string, minSample int) *model.MarketAggregate
}

// RecommendRequest is the input to Recommend. Estimate is optional when an
// estimator is configured.
type RecommendRequest struct {
	Location    string               `json:"location"`
	Category    string               `json:"category" binding:"required"`
	Description string               `json:"description,omitempty"`
	Estimate    *model.PriceEstimate `json:"estimate,omitempty"`
}

// Recommendation bundles the resolved location with the blended price.
type Recommendation struct {
	Location       model.LocationDescriptor    `json:"location"`
	Recommendation model.BlendedRecommendation `json:"recommendation"`
	AIEstimate     model.PriceEstimate         `json:"aiEstimate"`
	LocationNote   string                      `json:"locationNote"`
}

// Service runs the resolve, read and blend pipeline.
type Service struct {
	resolver    LocationResolver
	markets     MarketReader
	estimator   Estimator
	blender     *Blender
	readTimeout time.Duration
	now         func() time.Time
}

func NewService(resolver LocationResolver, markets MarketReader, est Estimator, blender *Blender, readTimeout time.Duration) *Service {
	if blender == nil {
		blender = NewBlender(DefaultConfig())
	}
	if readTimeout <= 0 {
		readTimeout = 2 * time.Second
	}
	return &Service{
		resolver:    resolver,
		markets:     markets,
		estimator:   est,
		blender:     blender,
		readTimeout: readTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Recommend resolves the location, obtains an estimate, reads market data and
// blends. Market read failures degrade to an AI-only result.
func (s *Service) Recommend(ctx context.Context, req RecommendRequest) (Recommendation, error) {
	category := strings.ToLower(strings.TrimSpace(req.Category))
	if category == "" {
		return Recommendation{}, ErrMissingCategory
	}
	loc := s.resolver.Resolve(req.Location)

	var est model.PriceEstimate
	switch {
	case req.Estimate != nil:
		est = *req.Estimate
	case s.estimator != nil:
		var err error
		est, err = s.estimator.Estimate(ctx, estimator.Request{
			Description: req.Description,
			Category:    category,
			Location:    loc,
		})
		if err != nil {
			return Recommendation{}, fmt.Errorf("estimate price: %w", err)
		}
	default:
		return Recommendation{}, ErrMissingEstimate
	}

	var agg *model.MarketAggregate
	if s.markets != nil {
		rctx, cancel := context.WithTimeout(ctx, s.readTimeout)
		agg = s.markets.BestAggregate(rctx, loc, category, s.blender.Config().MinSample)
		timedOut := errors.Is(rctx.Err(), context.DeadlineExceeded)
		cancel()
		if timedOut && agg == nil {
			log.Printf("pricing: market read for %s/%s timed out, using AI estimate only", loc.GeoKey(), category)
		}
	}

	rec := s.blender.Blend(est, agg, loc)
	rec.Insight = Insight(rec, agg, loc, s.now())
	return Recommendation{
		Location:       loc,
		Recommendation: rec,
		AIEstimate:     est,
		LocationNote:   location.PricingInsight(loc),
	}, nil
}
