package yahoo

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
	defaultBaseURL = "https://query1.finance.yahoo.com"
	userAgent      = "market-data-service/1.0"
)

// cryptoSymbols maps bare crypto tickers to Yahoo's pair notation.
// Unlisted tickers fall back to the "-USD" suffix.
var cryptoSymbols = map[string]string{
	"BTC": "BTC-USD", "ETH": "ETH-USD", "ADA": "ADA-USD",
	"DOT": "DOT-USD", "LTC": "LTC-USD", "XRP": "XRP-USD",
	"DOGE": "DOGE-USD", "SOL": "SOL-USD", "MATIC": "MATIC-USD",
	"AVAX": "AVAX-USD",
}

// overviewBasket holds the fixed symbols behind the market overview,
// keyed by category.
var overviewBasket = map[string][]string{
	"indices":     {"^GSPC", "^IXIC", "^DJI"},
	"crypto":      {"BTC-USD", "ETH-USD"},
	"commodities": {"GC=F", "CL=F"},
	"forex":       {"EURUSD=X", "GBPUSD=X"},
}

// periodToRange maps the canonical period names to Yahoo range tokens.
var periodToRange = map[models.Period]string{
	models.Period1M: "1mo", models.Period3M: "3mo", models.Period6M: "6mo",
}

// Client is the Yahoo Finance adapter. The public chart, quoteSummary
// and search endpoints need no API key, making this the keyless
// fallback behind the premium feed.
type Client struct {
	cfg    *providers.Config
	http   *http.Client
	local  *rate.Limiter
	budget *ratelimit.Limiter
	cache  *cache.Service
	log    *logrus.Entry
}

// New creates a Yahoo Finance client. The budget limiter and cache may
// be nil, which disables admission control and caching respectively.
func New(cfg *providers.Config, budget *ratelimit.Limiter, cacheSvc *cache.Service, logger *logrus.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	perMinute := cfg.RateLimitPerMinute
	if perMinute <= 0 {
		perMinute = 100
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
		log:    logger.WithField("component", "provider_yahoo"),
	}, nil
}

// Name returns the configured provider name.
func (c *Client) Name() string { return c.cfg.Name }

// Capabilities returns the configured capability set.
func (c *Client) Capabilities() providers.Capabilities { return c.cfg.Capabilities }

// BaselineAccuracy returns the configured accuracy score.
func (c *Client) BaselineAccuracy() float64 { return c.cfg.BaselineAccuracy }

func fetchSymbol(symbol string, assetType models.AssetType) string {
	if assetType != models.AssetTypeCrypto {
		return symbol
	}
	if mapped, ok := cryptoSymbols[symbol]; ok {
		return mapped
	}
	if strings.HasSuffix(symbol, "-USD") {
		return symbol
	}
	return symbol + "-USD"
}

// GetQuote fetches a quote via the chart endpoint.
func (c *Client) GetQuote(ctx context.Context, symbol string, assetType models.AssetType) (*providers.Response, error) {
	upstream := fetchSymbol(symbol, assetType)

	var quote models.Quote
	if resp, ok := c.fromCache(ctx, cache.LevelQuotes, upstream, nil, &quote); ok {
		return resp, nil
	}

	result, err := c.fetchChart(ctx, "quote", upstream, "1d", "1d")
	if err != nil {
		return nil, err
	}

	mapped := result.toQuote(symbol)
	c.toCache(ctx, cache.LevelQuotes, upstream, nil, mapped)
	return c.freshResponse(mapped), nil
}

// GetProfile fetches company reference data via quoteSummary.
func (c *Client) GetProfile(ctx context.Context, symbol string) (*providers.Response, error) {
	var profile models.Profile
	if resp, ok := c.fromCache(ctx, cache.LevelProfiles, symbol, nil, &profile); ok {
		return resp, nil
	}

	query := url.Values{}
	query.Set("modules", "assetProfile,price")
	path := "/v10/finance/quoteSummary/" + url.PathEscape(symbol)

	var envelope quoteSummaryEnvelope
	if err := c.getJSON(ctx, "profile", path, query, &envelope); err != nil {
		return nil, err
	}
	if envelope.QuoteSummary.Error != nil || len(envelope.QuoteSummary.Result) == 0 {
		return nil, providers.NewError(c.cfg.Name, providers.KindNotFound, fmt.Sprintf("no profile for %s", symbol), nil)
	}

	mapped := envelope.QuoteSummary.Result[0].toProfile(symbol)
	c.toCache(ctx, cache.LevelProfiles, symbol, nil, mapped)
	return c.freshResponse(mapped), nil
}

// GetHistorical fetches an OHLCV series via the chart endpoint.
func (c *Client) GetHistorical(ctx context.Context, symbol string, period models.Period, interval models.Interval) (*providers.Response, error) {
	params := map[string]string{"period": string(period), "interval": string(interval)}

	var series models.HistoricalSeries
	if resp, ok := c.fromCache(ctx, cache.LevelHistorical, symbol, params, &series); ok {
		return resp, nil
	}

	rangeToken := string(period)
	if mapped, ok := periodToRange[period]; ok {
		rangeToken = mapped
	}
	intervalToken := string(interval)
	if interval == models.Interval1H {
		intervalToken = "60m"
	}

	result, err := c.fetchChart(ctx, "historical", symbol, rangeToken, intervalToken)
	if err != nil {
		return nil, err
	}

	mapped := result.toSeries(symbol, period, interval)
	if mapped.Count == 0 {
		return nil, providers.NewError(c.cfg.Name, providers.KindNotFound, fmt.Sprintf("no history for %s", symbol), nil)
	}
	c.toCache(ctx, cache.LevelHistorical, symbol, params, mapped)
	return c.freshResponse(mapped), nil
}

// Search looks up symbols across asset classes.
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
	q.Set("q", query)
	q.Set("quotesCount", strconv.Itoa(limit))
	q.Set("newsCount", "0")

	var envelope searchEnvelope
	if err := c.getJSON(ctx, "search", "/v1/finance/search", q, &envelope); err != nil {
		return nil, err
	}

	mapped := toSearchResults(query, envelope, assetTypes, limit)
	c.toCache(ctx, cache.LevelSearch, "search", params, mapped)
	return c.freshResponse(mapped), nil
}

// GetMarketOverview fetches the index, crypto, commodity and forex
// baskets. Individual symbol failures are skipped; the overview fails
// only when every category came back empty.
func (c *Client) GetMarketOverview(ctx context.Context) (*providers.Response, error) {
	var overview models.MarketOverview
	if resp, ok := c.fromCache(ctx, cache.LevelMarketOverview, "overview", nil, &overview); ok {
		return resp, nil
	}

	mapped := &models.MarketOverview{
		Indices:     []models.Quote{},
		Crypto:      []models.Quote{},
		Commodities: []models.Quote{},
		Forex:       []models.Quote{},
		LastUpdated: time.Now().UTC(),
	}
	for category, symbols := range overviewBasket {
		for _, symbol := range symbols {
			result, err := c.fetchChart(ctx, "overview", symbol, "1d", "1d")
			if err != nil {
				c.log.WithError(err).WithField("symbol", symbol).Warn("overview symbol failed")
				continue
			}
			quote := *result.toQuote(symbol)
			switch category {
			case "indices":
				mapped.Indices = append(mapped.Indices, quote)
			case "crypto":
				mapped.Crypto = append(mapped.Crypto, quote)
			case "commodities":
				mapped.Commodities = append(mapped.Commodities, quote)
			case "forex":
				mapped.Forex = append(mapped.Forex, quote)
			}
		}
	}
	if !mapped.HasData() {
		return nil, providers.NewError(c.cfg.Name, providers.KindTransient, "market overview empty", nil)
	}

	c.toCache(ctx, cache.LevelMarketOverview, "overview", nil, mapped)
	return c.freshResponse(mapped), nil
}

// HealthCheck probes the chart endpoint with a well-known symbol.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.fetchChart(ctx, "quote", "SPY", "1d", "1d")
	return err
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Request plumbing

func (c *Client) fetchChart(ctx context.Context, endpoint, symbol, rangeToken, intervalToken string) (*chartResult, error) {
	query := url.Values{}
	query.Set("range", rangeToken)
	query.Set("interval", intervalToken)
	path := "/v8/finance/chart/" + url.PathEscape(symbol)

	var envelope chartEnvelope
	if err := c.getJSON(ctx, endpoint, path, query, &envelope); err != nil {
		return nil, err
	}
	if envelope.Chart.Error != nil {
		kind := providers.KindTransient
		if strings.EqualFold(envelope.Chart.Error.Code, "Not Found") {
			kind = providers.KindNotFound
		}
		return nil, providers.NewError(c.cfg.Name, kind, envelope.Chart.Error.Description, nil)
	}
	if len(envelope.Chart.Result) == 0 {
		return nil, providers.NewError(c.cfg.Name, providers.KindNotFound, fmt.Sprintf("no chart data for %s", symbol), nil)
	}
	return &envelope.Chart.Result[0], nil
}

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

	fullURL := c.cfg.BaseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

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
		// The chart endpoint reports unknown symbols as 404 with an
		// error payload.
		var envelope chartEnvelope
		if json.Unmarshal(body, &envelope) == nil && envelope.Chart.Error != nil {
			return false, providers.NewError(c.cfg.Name, providers.KindNotFound, envelope.Chart.Error.Description, nil)
		}
		return false, providers.NewError(c.cfg.Name, providers.KindNotFound,
			fmt.Sprintf("%s not found", endpoint), nil)
	default:
		return true, providers.NewError(c.cfg.Name, providers.KindTransient,
			fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, endpoint), nil)
	}
}
