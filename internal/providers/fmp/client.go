package fmp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"market-data-service/internal/cache"
	"market-data-service/internal/models"
	"market-data-service/internal/providers"
	"market-data-service/internal/ratelimit"
)

const (
	defaultBaseURL = "https://financialmodelingprep.com/api/v3"
	userAgent      = "market-data-service/1.0"
)

// Client is the Financial Modeling Prep adapter. Every read goes
// through budget admission and the cache before touching the API; the
// API key travels only in the request query, never in cache keys.
type Client struct {
	cfg    *providers.Config
	http   *http.Client
	local  *rate.Limiter
	budget *ratelimit.Limiter
	cache  *cache.Service
	log    *logrus.Entry
}

// New creates an FMP client. The budget limiter and cache may be nil,
// which disables admission control and caching respectively.
func New(cfg *providers.Config, budget *ratelimit.Limiter, cacheSvc *cache.Service, logger *logrus.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("fmp: api key required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	perMinute := cfg.RateLimitPerMinute
	if perMinute <= 0 {
		perMinute = 300
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		local:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
		budget: budget,
		cache:  cacheSvc,
		log:    logger.WithField("component", "provider_fmp"),
	}, nil
}

// Name returns the configured provider name.
func (c *Client) Name() string { return c.cfg.Name }

// Capabilities returns the configured capability set.
func (c *Client) Capabilities() providers.Capabilities { return c.cfg.Capabilities }

// BaselineAccuracy returns the configured accuracy score.
func (c *Client) BaselineAccuracy() float64 { return c.cfg.BaselineAccuracy }

// GetQuote fetches a quote for a stock or crypto symbol.
func (c *Client) GetQuote(ctx context.Context, symbol string, assetType models.AssetType) (*providers.Response, error) {
	fetchSymbol := symbol
	if assetType == models.AssetTypeCrypto && !strings.HasSuffix(symbol, "-USD") {
		fetchSymbol = symbol + "-USD"
	}

	var quote models.Quote
	if resp, ok := c.fromCache(ctx, cache.LevelQuotes, fetchSymbol, nil, &quote); ok {
		return resp, nil
	}

	var payload []quotePayload
	if err := c.getJSON(ctx, "quote", "/quote/"+url.PathEscape(fetchSymbol), nil, &payload); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, providers.NewError(c.cfg.Name, providers.KindNotFound, fmt.Sprintf("no quote for %s", symbol), nil)
	}

	mapped := payload[0].toQuote(symbol)
	c.toCache(ctx, cache.LevelQuotes, fetchSymbol, nil, mapped)
	return c.freshResponse(mapped), nil
}

// GetProfile fetches a company profile.
func (c *Client) GetProfile(ctx context.Context, symbol string) (*providers.Response, error) {
	var profile models.Profile
	if resp, ok := c.fromCache(ctx, cache.LevelProfiles, symbol, nil, &profile); ok {
		return resp, nil
	}

	var payload []profilePayload
	if err := c.getJSON(ctx, "profile", "/profile/"+url.PathEscape(symbol), nil, &payload); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, providers.NewError(c.cfg.Name, providers.KindNotFound, fmt.Sprintf("no profile for %s", symbol), nil)
	}

	mapped := payload[0].toProfile(symbol)
	c.toCache(ctx, cache.LevelProfiles, symbol, nil, mapped)
	return c.freshResponse(mapped), nil
}

// periodBars approximates trading bars per period for the daily feed.
var periodBars = map[models.Period]int{
	models.Period1D: 1, models.Period5D: 5, models.Period1M: 22,
	models.Period3M: 66, models.Period6M: 126, models.Period1Y: 252,
	models.Period2Y: 504, models.Period5Y: 1260, models.Period10Y: 2520,
	models.PeriodYTD: 252,
}

// GetHistorical fetches an OHLCV series. Daily and coarser intervals
// use the full-history endpoint; intraday intervals use the chart
// endpoint. Bars come back newest-first and are re-sorted ascending.
func (c *Client) GetHistorical(ctx context.Context, symbol string, period models.Period, interval models.Interval) (*providers.Response, error) {
	params := map[string]string{"period": string(period), "interval": string(interval)}

	var series models.HistoricalSeries
	if resp, ok := c.fromCache(ctx, cache.LevelHistorical, symbol, params, &series); ok {
		return resp, nil
	}

	var bars []historicalBar
	if interval.IsIntraday() {
		endpoint := fmt.Sprintf("/historical-chart/%s/%s", interval, url.PathEscape(symbol))
		if err := c.getJSON(ctx, "historical", endpoint, nil, &bars); err != nil {
			return nil, err
		}
	} else {
		query := url.Values{}
		if n, ok := periodBars[period]; ok {
			query.Set("timeseries", strconv.Itoa(n))
		}
		var payload historicalPayload
		if err := c.getJSON(ctx, "historical", "/historical-price-full/"+url.PathEscape(symbol), query, &payload); err != nil {
			return nil, err
		}
		bars = payload.Historical
	}
	if len(bars) == 0 {
		return nil, providers.NewError(c.cfg.Name, providers.KindNotFound, fmt.Sprintf("no history for %s", symbol), nil)
	}

	mapped := toSeries(symbol, period, interval, bars)
	c.toCache(ctx, cache.LevelHistorical, symbol, params, mapped)
	return c.freshResponse(mapped), nil
}

// Search looks up symbols by ticker or company name.
func (c *Client) Search(ctx context.Context, query string, assetTypes []models.AssetType, limit int) (*providers.Response, error) {
	if limit <= 0 {
		limit = 10
	}
	params := map[string]string{"q": query, "limit": strconv.Itoa(limit)}

	var results models.SearchResults
	if resp, ok := c.fromCache(ctx, cache.LevelSearch, "search", params, &results); ok {
		return resp, nil
	}

	q := url.Values{}
	q.Set("query", query)
	q.Set("limit", strconv.Itoa(limit))

	var payload []searchPayload
	if err := c.getJSON(ctx, "search", "/search", q, &payload); err != nil {
		return nil, err
	}

	mapped := toSearchResults(query, payload, assetTypes, limit)
	c.toCache(ctx, cache.LevelSearch, "search", params, mapped)
	return c.freshResponse(mapped), nil
}

// overviewSymbols is the fixed basket behind the market overview.
const overviewSymbols = "SPY,QQQ,DIA,BTC-USD,ETH-USD"

// GetMarketOverview fetches quotes for the major indices and crypto.
func (c *Client) GetMarketOverview(ctx context.Context) (*providers.Response, error) {
	var overview models.MarketOverview
	if resp, ok := c.fromCache(ctx, cache.LevelMarketOverview, "overview", nil, &overview); ok {
		return resp, nil
	}

	var payload []quotePayload
	if err := c.getJSON(ctx, "overview", "/quote/"+overviewSymbols, nil, &payload); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, providers.NewError(c.cfg.Name, providers.KindNotFound, "empty market overview", nil)
	}

	mapped := toOverview(payload)
	c.toCache(ctx, cache.LevelMarketOverview, "overview", nil, mapped)
	return c.freshResponse(mapped), nil
}

// HealthCheck probes the API with a single well-known quote.
func (c *Client) HealthCheck(ctx context.Context) error {
	var payload []quotePayload
	if err := c.getJSON(ctx, "quote", "/quote/SPY", nil, &payload); err != nil {
		return err
	}
	if len(payload) == 0 {
		return providers.NewError(c.cfg.Name, providers.KindTransient, "health check returned empty body", nil)
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Request plumbing

func (c *Client) fromCache(ctx context.Context, level cache.Level, identifier string, params map[string]string, dest interface{}) (*providers.Response, bool) {
	if c.cache == nil {
		return nil, false
	}
	found, err := c.cache.Get(ctx, level, c.cfg.Name, identifier, params, dest)
	if err != nil || !found {
		return nil, false
	}

	resp := &providers.Response{
		Data:      dest,
		Provider:  c.cfg.Name,
		Timestamp: time.Now().UTC(),
		Cached:    true,
	}
	if age, ok := c.cache.Age(ctx, level, c.cfg.Name, identifier, params); ok {
		resp.CacheAge = &age
	}
	return resp, true
}

func (c *Client) toCache(ctx context.Context, level cache.Level, identifier string, params map[string]string, value interface{}) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Set(ctx, level, c.cfg.Name, identifier, params, value, 0); err != nil {
		c.log.WithError(err).Debug("cache write failed")
	}
}

func (c *Client) freshResponse(data interface{}) *providers.Response {
	return &providers.Response{
		Data:      data,
		Provider:  c.cfg.Name,
		Timestamp: time.Now().UTC(),
	}
}

// getJSON runs one admission-controlled, retried GET and decodes the
// body into dest. Auth failures and upstream 429s are returned
// immediately; everything else retries with exponential backoff.
func (c *Client) getJSON(ctx context.Context, endpoint, path string, query url.Values, dest interface{}) error {
	if c.budget != nil {
		if decision := c.budget.Allow(ctx, c.cfg.Name, endpoint); !decision.Allowed {
			e := providers.NewError(c.cfg.Name, providers.KindRateLimited,
				fmt.Sprintf("budget exhausted for %s window", decision.ExceededWindow), nil)
			e.RetryAfter = decision.RetryAfter
			return e
		}
	}
	if err := c.local.Wait(ctx); err != nil {
		return providers.NewError(c.cfg.Name, providers.KindTransient, "local throttle wait cancelled", err)
	}

	if query == nil {
		query = url.Values{}
	}
	query.Set("apikey", c.cfg.APIKey)
	fullURL := c.cfg.BaseURL + path + "?" + query.Encode()

	maxAttempts := c.cfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(c.cfg.RetryBackoffBase, float64(attempt-1))) * time.Second
			select {
			case <-ctx.Done():
				return providers.NewError(c.cfg.Name, providers.KindTransient, "request cancelled during backoff", ctx.Err())
			case <-time.After(backoff):
			}
		}

		retriable, err := c.doRequest(ctx, endpoint, fullURL, dest)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retriable {
			return err
		}
		c.log.WithError(err).WithFields(logrus.Fields{
			"endpoint": endpoint,
			"attempt":  attempt + 1,
		}).Warn("request failed, retrying")
	}
	return lastErr
}

func (c *Client) doRequest(ctx context.Context, endpoint, fullURL string, dest interface{}) (retriable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return false, providers.NewError(c.cfg.Name, providers.KindTransient, "building request failed", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return true, providers.NewError(c.cfg.Name, providers.KindTransient, "network error", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return true, providers.NewError(c.cfg.Name, providers.KindTransient, "reading response failed", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.Unmarshal(body, dest); err != nil {
			return true, providers.NewError(c.cfg.Name, providers.KindTransient, "malformed response body", err)
		}
		return false, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, providers.NewError(c.cfg.Name, providers.KindAuth,
			fmt.Sprintf("authentication failed for %s (HTTP %d)", endpoint, resp.StatusCode), nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		e := providers.NewError(c.cfg.Name, providers.KindRateLimited, "upstream rate limit response", nil)
		if after, parseErr := strconv.Atoi(resp.Header.Get("Retry-After")); parseErr == nil {
			e.RetryAfter = time.Duration(after) * time.Second
		}
		return false, e
	case resp.StatusCode == http.StatusNotFound:
		return false, providers.NewError(c.cfg.Name, providers.KindNotFound,
			fmt.Sprintf("%s not found", endpoint), nil)
	default:
		return true, providers.NewError(c.cfg.Name, providers.KindTransient,
			fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, endpoint), nil)
	}
}
