package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/precisionprices/market-pricing/internal/business/events"
	"github.com/precisionprices/market-pricing/internal/business/pricing"
	"github.com/precisionprices/market-pricing/internal/platform/estimator"
	"github.com/precisionprices/market-pricing/pkg/model"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 200
)

// LocationResolver turns free text into a descriptor.
type LocationResolver interface {
	Resolve(raw string) model.LocationDescriptor
}

// Recommender produces blended price recommendations.
type Recommender interface {
	Recommend(ctx context.Context, req pricing.RecommendRequest) (pricing.Recommendation, error)
}

// MarketReader exposes the aggregate store.
type MarketReader interface {
	Read(ctx context.Context, geoKey, category string) *model.MarketAggregate
	Search(ctx context.Context, geoKey string, minSoldCount, limit int) []model.MarketAggregate
}

// TrendingReader returns precomputed trending snapshots.
type TrendingReader interface {
	Get(ctx context.Context, geoKey string) (*model.TrendingSnapshot, error)
}

// EventSink accepts listing lifecycle events, either applying them inline or queueing them.
type EventSink interface {
	Submit(ctx context.Context, ev model.LifecycleEvent) (events.Result, error)
}

// Deps groups the collaborators of the router. Nil Trending or Hub disables those routes.
type Deps struct {
	Resolver       LocationResolver
	Pricing        Recommender
	Markets        MarketReader
	Trending       TrendingReader
	Events         EventSink
	Hub            *Hub
	AllowedOrigins string
	WriteRate      float64
	WriteBurst     int
}

// Router wires HTTP handlers.
type Router struct {
	deps Deps
}

func NewRouter(deps Deps) *gin.Engine {
	r := &Router{deps: deps}

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery(), r.corsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	writes := newIPLimiter(deps.WriteRate, deps.WriteBurst).middleware()

	api := router.Group("/api")
	{
		api.GET("/location/resolve", r.resolveLocation)
		api.POST("/pricing/recommend", r.recommend)
		api.POST("/listings", writes, r.recordListing)
		api.POST("/sales", writes, r.recordSale)
		api.GET("/market/:geoKey", r.searchMarket)
		api.GET("/market/:geoKey/:category", r.getAggregate)
		if deps.Trending != nil {
			api.GET("/trending/:geoKey", r.getTrending)
		}
	}
	if deps.Hub != nil {
		router.GET("/ws/market", gin.WrapF(deps.Hub.Handler()))
	}

	return router
}

func (r *Router) corsMiddleware() gin.HandlerFunc {
	origins := strings.Split(r.deps.AllowedOrigins, ",")
	trimmed := make([]string, 0, len(origins))
	for _, o := range origins {
		if t := strings.TrimSpace(o); t != "" {
			trimmed = append(trimmed, t)
		}
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		// An empty list allows any origin; otherwise unknown origins get no allow header.
		allowed := ""
		if len(trimmed) == 0 {
			allowed = "*"
		}
		for _, o := range trimmed {
			if o == "*" {
				allowed = "*"
				break
			}
			if origin != "" && o == origin {
				allowed = origin
				break
			}
		}
		if allowed != "" {
			c.Header("Access-Control-Allow-Origin", allowed)
			if allowed != "*" {
				c.Header("Vary", "Origin")
			}
		}
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		c.Next()
	}
}

func (r *Router) resolveLocation(c *gin.Context) {
	c.JSON(http.StatusOK, r.deps.Resolver.Resolve(c.Query("q")))
}

func (r *Router) recommend(c *gin.Context) {
	var req pricing.RecommendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	rec, err := r.deps.Pricing.Recommend(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, rec)
	case errors.Is(err, pricing.ErrMissingCategory), errors.Is(err, pricing.ErrMissingEstimate):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, estimator.ErrCircuitOpen):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

type listingReq struct {
	ID         string   `json:"id"`
	Location   string   `json:"location"`
	Category   string   `json:"category" binding:"required"`
	Price      float64  `json:"price"`
	DaysToSell *float64 `json:"daysToSell"`
}

func (r *Router) recordListing(c *gin.Context) {
	r.submit(c, model.EventListingCreated)
}

func (r *Router) recordSale(c *gin.Context) {
	r.submit(c, model.EventListingSold)
}

func (r *Router) submit(c *gin.Context, typ model.LifecycleEventType) {
	var req listingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	ev := model.LifecycleEvent{
		ID:       req.ID,
		Type:     typ,
		Location: req.Location,
		Category: req.Category,
	}
	if typ == model.EventListingSold {
		ev.Price = req.Price
		ev.DaysToSell = req.DaysToSell
	}
	res, err := r.deps.Events.Submit(c.Request.Context(), ev)
	switch {
	case err == nil:
		status := http.StatusOK
		if res.Queued {
			status = http.StatusAccepted
		}
		c.JSON(status, res)
	case errors.Is(err, events.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	}
}

func (r *Router) getAggregate(c *gin.Context) {
	agg := r.deps.Markets.Read(c.Request.Context(), c.Param("geoKey"), c.Param("category"))
	if agg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no market data"})
		return
	}
	c.JSON(http.StatusOK, model.Summarize(*agg))
}

func (r *Router) searchMarket(c *gin.Context) {
	minSold, err := strconv.Atoi(c.DefaultQuery("minSold", "0"))
	if err != nil || minSold < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "minSold must be a non-negative integer"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultSearchLimit)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	rows := r.deps.Markets.Search(c.Request.Context(), c.Param("geoKey"), minSold, limit)
	items := make([]model.MarketSummary, 0, len(rows))
	for _, row := range rows {
		items = append(items, model.Summarize(row))
	}
	c.JSON(http.StatusOK, gin.H{
		"geoKey": model.CanonicalGeoKey(c.Param("geoKey")),
		"items":  items,
		"total":  len(items),
	})
}

func (r *Router) getTrending(c *gin.Context) {
	snap, err := r.deps.Trending.Get(c.Request.Context(), c.Param("geoKey"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no trending snapshot yet"})
		return
	}
	c.JSON(http.StatusOK, snap)
}
