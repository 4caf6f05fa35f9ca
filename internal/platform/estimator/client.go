package estimator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/precisionprices/market-pricing/pkg/model"
)

var (
	// ErrCircuitOpen signals the breaker is open after repeated 429/503 responses.
	ErrCircuitOpen = errors.New("estimator circuit open due to repeated rate/limit errors")
	// ErrNotConfigured is returned when neither a URL nor mock mode is set.
	ErrNotConfigured = errors.New("estimator not configured")
)

// HTTPClient matches net/http.Client Do signature for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request describes the item to price.
type Request struct {
	Description string                   `json:"description"`
	Category    string                   `json:"category"`
	Location    model.LocationDescriptor `json:"location"`
}

// Client calls the external AI pricing model with retry and a circuit breaker.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient HTTPClient
	mock       bool

	maxRetries       int
	retryBackoff     time.Duration
	breakerThreshold int
	breakerCooldown  time.Duration
	now              func() time.Time

	mu               sync.Mutex
	consecutiveLimit int
	openedAt         time.Time
	probing          bool
}

// Config defines settings for the estimator client.
type Config struct {
	BaseURL    string
	APIKey     string
	Mock       bool
	MaxRetries int
	BreakerMax int
	// BreakerCooldown is how long the breaker stays open before one trial request is let through.
	BreakerCooldown time.Duration
	// RetryBackoff is the base delay between attempts; it doubles per attempt plus jitter.
	RetryBackoff time.Duration
}

// New creates an estimator client.
func New(httpClient HTTPClient, cfg Config) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	breaker := cfg.BreakerMax
	if breaker <= 0 {
		breaker = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return &Client{
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:           cfg.APIKey,
		httpClient:       httpClient,
		mock:             cfg.Mock,
		maxRetries:       maxRetries,
		retryBackoff:     backoff,
		breakerThreshold: breaker,
		breakerCooldown:  cooldown,
		now:              time.Now,
	}
}

// Estimate asks the model (or the mock) for a price range.
func (c *Client) Estimate(ctx context.Context, req Request) (model.PriceEstimate, error) {
	if c.mock {
		return mockEstimate(req), nil
	}
	if c.baseURL == "" {
		return model.PriceEstimate{}, ErrNotConfigured
	}
	allowed, trial := c.breakerAllow()
	if !allowed {
		return model.PriceEstimate{}, ErrCircuitOpen
	}

	payload, err := json.Marshal(req)
	if err != nil {
		if trial {
			c.reopenBreaker()
		}
		return model.PriceEstimate{}, fmt.Errorf("encode request: %w", err)
	}

	attempts := c.maxRetries
	if trial {
		// Half-open: a single request decides whether the breaker closes.
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, attempt); err != nil {
				return model.PriceEstimate{}, err
			}
		}
		est, retry, err := c.do(ctx, payload)
		if err == nil {
			return est, nil
		}
		lastErr = err
		if trial || !retry || errors.Is(err, ErrCircuitOpen) || ctx.Err() != nil {
			if trial {
				c.reopenBreaker()
			}
			return model.PriceEstimate{}, err
		}
	}
	return model.PriceEstimate{}, fmt.Errorf("estimate failed after %d attempts: %w", attempts, lastErr)
}

// sleep waits base*2^(attempt-1) plus up to 50% jitter, or until ctx is done.
func (c *Client) sleep(ctx context.Context, attempt int) error {
	d := c.retryBackoff << (attempt - 1)
	d += time.Duration(rand.Int64N(int64(d)/2 + 1))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("estimate retry: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}

// do performs one attempt. retry reports whether another attempt may succeed.
func (c *Client) do(ctx context.Context, payload []byte) (model.PriceEstimate, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return model.PriceEstimate{}, false, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return model.PriceEstimate{}, true, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		c.resetBreaker()
		est, err := decodeEstimate(resp.Body)
		return est, false, err
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		if c.tripBreaker() {
			return model.PriceEstimate{}, false, ErrCircuitOpen
		}
		return model.PriceEstimate{}, true, fmt.Errorf("estimator status %d", resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.PriceEstimate{}, resp.StatusCode >= 500, fmt.Errorf("estimator status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// breakerAllow reports whether a request may go out. Once the cooldown has passed
// on an open breaker, exactly one caller gets trial=true.
func (c *Client) breakerAllow() (allowed, trial bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consecutiveLimit < c.breakerThreshold {
		return true, false
	}
	if c.probing || c.now().Sub(c.openedAt) < c.breakerCooldown {
		return false, false
	}
	c.probing = true
	return true, true
}

func (c *Client) tripBreaker() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveLimit++
	if c.consecutiveLimit >= c.breakerThreshold {
		c.openedAt = c.now()
		c.probing = false
		return true
	}
	return false
}

// reopenBreaker restarts the cooldown after a failed trial. It is a no-op when
// the trial already closed or re-tripped the breaker.
func (c *Client) reopenBreaker() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.probing {
		return
	}
	c.probing = false
	c.openedAt = c.now()
}

func (c *Client) resetBreaker() {
	c.mu.Lock()
	c.consecutiveLimit = 0
	c.probing = false
	c.mu.Unlock()
}

type estimateResponse struct {
	SuggestedPriceRange *model.PriceEstimate `json:"suggestedPriceRange"`
	model.PriceEstimate
}

// decodeEstimate accepts either a bare {min,optimal,max} object or one nested
// under suggestedPriceRange.
func decodeEstimate(body io.Reader) (model.PriceEstimate, error) {
	buf, err := io.ReadAll(body)
	if err != nil {
		return model.PriceEstimate{}, fmt.Errorf("read response: %w", err)
	}
	var out estimateResponse
	if err := json.Unmarshal(bytes.TrimSpace(buf), &out); err != nil {
		return model.PriceEstimate{}, fmt.Errorf("decode response: %w", err)
	}
	est := out.PriceEstimate
	if out.SuggestedPriceRange != nil {
		est = *out.SuggestedPriceRange
		if est.ConfidenceScore == 0 {
			est.ConfidenceScore = out.PriceEstimate.ConfidenceScore
		}
	}
	if est.Optimal <= 0 {
		return model.PriceEstimate{}, errors.New("estimator: response has no optimal price")
	}
	return est, nil
}

var mockBasePrices = map[string]float64{
	"electronics": 180,
	"furniture":   140,
	"clothing":    35,
	"tools":       70,
	"toys":        25,
	"books":       12,
	"sports":      60,
	"appliances":  160,
}

// mockEstimate returns a deterministic range scaled by the location multiplier.
func mockEstimate(req Request) model.PriceEstimate {
	base, ok := mockBasePrices[strings.ToLower(strings.TrimSpace(req.Category))]
	if !ok {
		base = 50
	}
	m := req.Location.Multiplier
	if m <= 0 {
		m = 1
	}
	opt := float64(int(base*m + 0.5))
	return model.PriceEstimate{
		Min:             float64(int(opt*0.8 + 0.5)),
		Optimal:         opt,
		Max:             float64(int(opt*1.25 + 0.5)),
		ConfidenceScore: 65,
	}
}
