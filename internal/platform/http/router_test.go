package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/precisionprices/market-pricing/internal/business/events"
	"github.com/precisionprices/market-pricing/internal/business/market"
	"github.com/precisionprices/market-pricing/internal/business/pricing"
	"github.com/precisionprices/market-pricing/internal/location"
	"github.com/precisionprices/market-pricing/internal/platform/estimator"
	"github.com/precisionprices/market-pricing/internal/repository"
	"github.com/precisionprices/market-pricing/pkg/model"
)

type stubTrending struct {
	snap *model.TrendingSnapshot
	err  error
}

func (s stubTrending) Get(ctx context.Context, geoKey string) (*model.TrendingSnapshot, error) {
	return s.snap, s.err
}

type testServer struct {
	engine  *gin.Engine
	markets *market.Service
	hub     *Hub
}

func newTestServer(t *testing.T, deps Deps) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	resolver := location.NewResolver(location.MustDefaultTable())
	markets := market.NewService(repository.NewMemoryMarketRepository(10), time.Second)
	hub := NewHub()
	markets.SetNotifier(hub)

	if deps.Resolver == nil {
		deps.Resolver = resolver
	}
	if deps.Markets == nil {
		deps.Markets = markets
	}
	if deps.Events == nil {
		deps.Events = events.NewProcessor(resolver, markets, 100)
	}
	if deps.Pricing == nil {
		est := estimator.New(nil, estimator.Config{Mock: true})
		deps.Pricing = pricing.NewService(resolver, markets, est, nil, time.Second)
	}
	if deps.Hub == nil {
		deps.Hub = hub
	}
	return testServer{engine: NewRouter(deps), markets: markets, hub: hub}
}

func (s testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

func TestHealthzAndCORS(t *testing.T) {
	s := newTestServer(t, Deps{AllowedOrigins: "https://app.example.com"})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow origin = %q", got)
	}

	pre := s.do(http.MethodOptions, "/api/sales", "")
	if pre.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", pre.Code)
	}
}

func TestCORSOrigins(t *testing.T) {
	tests := []struct {
		name    string
		allowed string
		origin  string
		want    string
	}{
		{"unknown origin rejected", "https://app.example.com", "https://evil.example.com", ""},
		{"second listed origin", "https://app.example.com, https://admin.example.com", "https://admin.example.com", "https://admin.example.com"},
		{"wildcard entry", "https://app.example.com,*", "https://evil.example.com", "*"},
		{"empty list allows all", "", "https://evil.example.com", "*"},
		{"no origin header", "https://app.example.com", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Deps{AllowedOrigins: tt.allowed})
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			s.engine.ServeHTTP(w, req)
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Fatalf("allow origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveLocation(t *testing.T) {
	s := newTestServer(t, Deps{})
	w := s.do(http.MethodGet, "/api/location/resolve?q=Austin,%20TX%2078701", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var loc model.LocationDescriptor
	decode(t, w, &loc)
	if loc.ZipCode != "78701" || loc.City != "Austin" || loc.State != "TX" || loc.Multiplier != 1.12 {
		t.Fatalf("location = %+v", loc)
	}
}

func TestSalesThenRecommend(t *testing.T) {
	s := newTestServer(t, Deps{WriteRate: 100, WriteBurst: 100})
	for _, price := range []string{"100", "120", "140"} {
		w := s.do(http.MethodPost, "/api/sales", `{"location":"Austin, TX 78701","category":"Electronics","price":`+price+`,"daysToSell":5}`)
		if w.Code != http.StatusOK {
			t.Fatalf("sale status = %d: %s", w.Code, w.Body.String())
		}
		var res events.Result
		decode(t, w, &res)
		if res.GeoKeys != 4 {
			t.Fatalf("geo keys = %d", res.GeoKeys)
		}
	}

	w := s.do(http.MethodPost, "/api/pricing/recommend", `{"location":"Austin, TX 78701","category":"electronics","estimate":{"min":90,"optimal":110,"max":150}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("recommend status = %d: %s", w.Code, w.Body.String())
	}
	var rec pricing.Recommendation
	decode(t, w, &rec)
	got := rec.Recommendation
	if got.Min != 97 || got.Optimal != 117 || got.Max != 143 || got.ConfidenceScore != 80 {
		t.Fatalf("recommendation = %+v", got)
	}
	if got.DataSource != model.SourceBlended || got.GeographicScope != model.ScopeLocal || got.SampleSize != 3 {
		t.Fatalf("recommendation = %+v", got)
	}

	agg := s.do(http.MethodGet, "/api/market/78701/electronics", "")
	if agg.Code != http.StatusOK {
		t.Fatalf("aggregate status = %d", agg.Code)
	}
	var sum model.MarketSummary
	decode(t, agg, &sum)
	if sum.SoldCount != 3 || sum.AvgSoldPrice != 120 || sum.AvgDaysToSell != 5 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestRecommendWithMockEstimator(t *testing.T) {
	s := newTestServer(t, Deps{})
	w := s.do(http.MethodPost, "/api/pricing/recommend", `{"location":"nowhere","category":"furniture"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var rec pricing.Recommendation
	decode(t, w, &rec)
	if rec.Recommendation.DataSource != model.SourceAIOnly || rec.AIEstimate.Optimal <= 0 {
		t.Fatalf("recommendation = %+v", rec)
	}
}

func TestRecommendRejectsBadInput(t *testing.T) {
	s := newTestServer(t, Deps{})
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing category", `{"location":"78701","estimate":{"min":1,"optimal":2,"max":3}}`},
	}
	for _, tt := range tests {
		if w := s.do(http.MethodPost, "/api/pricing/recommend", tt.body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", tt.name, w.Code)
		}
	}
}

func TestListingAndSaleValidation(t *testing.T) {
	s := newTestServer(t, Deps{WriteRate: 100, WriteBurst: 100})
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"listing ok", "/api/listings", `{"location":"60601","category":"tools"}`, http.StatusOK},
		{"listing without category", "/api/listings", `{"location":"60601"}`, http.StatusBadRequest},
		{"sale without price", "/api/sales", `{"location":"60601","category":"tools"}`, http.StatusBadRequest},
		{"sale with negative days", "/api/sales", `{"location":"60601","category":"tools","price":10,"daysToSell":-2}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := s.do(http.MethodPost, tt.path, tt.body); w.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
	agg := s.markets.Read(context.Background(), "60601", "tools")
	if agg == nil || agg.ActiveCount != 1 || agg.SoldCount != 0 {
		t.Fatalf("aggregate = %+v", agg)
	}
}

func TestQueuedWritesReturnAccepted(t *testing.T) {
	pub := &capturePublisher{}
	s := newTestServer(t, Deps{Events: events.NewQueueSink(pub), WriteRate: 100, WriteBurst: 100})
	w := s.do(http.MethodPost, "/api/sales", `{"id":"evt-1","location":"60601","category":"tools","price":25}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if len(pub.events) != 1 || pub.events[0].ID != "evt-1" {
		t.Fatalf("published = %+v", pub.events)
	}
}

type capturePublisher struct {
	events []model.LifecycleEvent
}

func (c *capturePublisher) Publish(ctx context.Context, ev model.LifecycleEvent) error {
	c.events = append(c.events, ev)
	return nil
}

func TestWriteRateLimit(t *testing.T) {
	s := newTestServer(t, Deps{WriteRate: 0.001, WriteBurst: 2})
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, s.do(http.MethodPost, "/api/listings", `{"location":"60601","category":"tools"}`).Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
	// Reads are not limited.
	if w := s.do(http.MethodGet, "/api/market/60601", ""); w.Code != http.StatusOK {
		t.Fatalf("search status = %d", w.Code)
	}
}

func TestSearchMarket(t *testing.T) {
	s := newTestServer(t, Deps{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s.markets.RecordSale(ctx, "austin-tx", "books", 10, nil)
	}
	s.markets.RecordSale(ctx, "austin-tx", "toys", 30, nil)
	s.markets.RecordListing(ctx, "austin-tx", "bikes")

	w := s.do(http.MethodGet, "/api/market/Austin%20TX?minSold=1&limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		GeoKey string                `json:"geoKey"`
		Items  []model.MarketSummary `json:"items"`
		Total  int                   `json:"total"`
	}
	decode(t, w, &body)
	if body.GeoKey != "austin-tx" || body.Total != 2 {
		t.Fatalf("body = %+v", body)
	}
	if body.Items[0].Category != "books" || body.Items[1].Category != "toys" {
		t.Fatalf("order = %s, %s", body.Items[0].Category, body.Items[1].Category)
	}

	for _, q := range []string{"?minSold=-1", "?limit=0", "?limit=abc"} {
		if w := s.do(http.MethodGet, "/api/market/austin-tx"+q, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", q, w.Code)
		}
	}
	if w := s.do(http.MethodGet, "/api/market/austin-tx/furniture", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing aggregate status = %d", w.Code)
	}
}

func TestTrendingRoute(t *testing.T) {
	snap := &model.TrendingSnapshot{GeoKey: "78701", Categories: []model.TrendingCategory{{Category: "books", SoldCount: 4}}}
	tests := []struct {
		name string
		stub stubTrending
		want int
	}{
		{"found", stubTrending{snap: snap}, http.StatusOK},
		{"missing", stubTrending{}, http.StatusNotFound},
		{"store error", stubTrending{err: errors.New("down")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Deps{Trending: tt.stub})
			if w := s.do(http.MethodGet, "/api/trending/78701", ""); w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestWebsocketReceivesUpdates(t *testing.T) {
	s := newTestServer(t, Deps{})
	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/market?geoKey=78701"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.markets.RecordSale(context.Background(), "60601", "tools", 10, nil)
	s.markets.RecordSale(context.Background(), "78701", "tools", 42, nil)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg MarketUpdate
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "aggregate" || msg.Aggregate.GeoKey != "78701" || msg.Aggregate.AvgSoldPrice != 42 {
		t.Fatalf("update = %+v", msg)
	}
}
