package fmp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-data-service/internal/cache"
	"market-data-service/internal/models"
	"market-data-service/internal/providers"
	"market-data-service/internal/ratelimit"
)

const quoteBody = `[{
	"symbol": "AAPL", "name": "Apple Inc.", "price": 150.25, "change": 2.15,
	"changesPercentage": 1.45, "previousClose": 148.10, "open": 148.50,
	"dayHigh": 151.00, "dayLow": 148.00, "volume": 52000000,
	"marketCap": 2400000000000, "pe": 28.5, "exchange": "NASDAQ"
}]`

func decimalFromString(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testConfig(baseURL string) *providers.Config {
	cfg := &providers.Config{
		Name:    "fmp",
		Enabled: true,
		APIKey:  "test-key",
		BaseURL: baseURL,
		Tier:    providers.TierPremium,
		Capabilities: providers.Capabilities{
			AssetTypes: []models.AssetType{models.AssetTypeStock, models.AssetTypeCrypto},
			Operations: []providers.Operation{providers.OpQuote, providers.OpProfile, providers.OpHistorical, providers.OpSearch, providers.OpOverview},
		},
	}
	cfg.SetDefaults()
	cfg.RateLimitPerMinute = 100000
	return cfg
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(testConfig(srv.URL), nil, nil, quietLogger())
	require.NoError(t, err)
	return c, srv
}

func TestNewRequiresAPIKey(t *testing.T) {
	cfg := testConfig("http://localhost")
	cfg.APIKey = ""
	_, err := New(cfg, nil, nil, quietLogger())
	assert.ErrorContains(t, err, "api key")
}

func TestGetQuote(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote/AAPL", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("apikey"))
		w.Write([]byte(quoteBody))
	}))

	resp, err := c.GetQuote(context.Background(), "AAPL", models.AssetTypeStock)
	require.NoError(t, err)

	quote := resp.Quote()
	require.NotNil(t, quote)
	assert.Equal(t, "AAPL", quote.Symbol)
	assert.True(t, quote.Price.Equal(decimalFromString(t, "150.25")))
	assert.True(t, quote.ChangePercent.Equal(decimalFromString(t, "1.45")))
	assert.Equal(t, int64(52000000), quote.Volume)
	require.NotNil(t, quote.MarketCap)
	require.NotNil(t, quote.PERatio)
	assert.Equal(t, "USD", quote.Currency)
	assert.False(t, resp.Cached)
}

func TestGetQuoteCryptoSuffix(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote/BTC-USD", r.URL.Path)
		w.Write([]byte(`[{"symbol": "BTC-USD", "price": 43000.5}]`))
	}))

	resp, err := c.GetQuote(context.Background(), "BTC", models.AssetTypeCrypto)
	require.NoError(t, err)
	assert.Equal(t, "BTC", resp.Quote().Symbol)
}

func TestGetQuoteNotFound(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))

	_, err := c.GetQuote(context.Background(), "NOSUCH", models.AssetTypeStock)
	require.Error(t, err)
	assert.True(t, providers.IsNotFound(err))
}

func TestGetQuoteServedFromCache(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(quoteBody))
	}))
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	cacheSvc := cache.NewService(rdb, quietLogger())

	c, err := New(testConfig(srv.URL), nil, cacheSvc, quietLogger())
	require.NoError(t, err)

	first, err := c.GetQuote(context.Background(), "AAPL", models.AssetTypeStock)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := c.GetQuote(context.Background(), "AAPL", models.AssetTypeStock)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.NotNil(t, second.CacheAge)
	assert.Equal(t, "AAPL", second.Quote().Symbol)
	assert.Equal(t, int64(1), hits.Load(), "second read must not hit the API")
}

func TestBudgetDenial(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(quoteBody))
	}))
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	budgets := map[string]ratelimit.Budget{
		"fmp": {PerMinute: 1, PerHour: 10, PerDay: 10, Burst: 5},
	}
	limiter, err := ratelimit.New(rdb, budgets, quietLogger())
	require.NoError(t, err)

	c, err := New(testConfig(srv.URL), limiter, nil, quietLogger())
	require.NoError(t, err)

	_, err = c.GetQuote(context.Background(), "AAPL", models.AssetTypeStock)
	require.NoError(t, err)

	_, err = c.GetQuote(context.Background(), "TSLA", models.AssetTypeStock)
	require.Error(t, err)
	assert.True(t, providers.IsRateLimited(err))
	assert.Equal(t, int64(1), hits.Load(), "denied request must not reach the API")
}

func TestAuthFailureNotRetried(t *testing.T) {
	var hits atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.GetQuote(context.Background(), "AAPL", models.AssetTypeStock)
	require.Error(t, err)
	assert.True(t, providers.IsAuth(err))
	assert.Equal(t, int64(1), hits.Load())
}

func TestUpstreamRateLimitMapped(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.GetQuote(context.Background(), "AAPL", models.AssetTypeStock)
	require.Error(t, err)
	assert.True(t, providers.IsRateLimited(err))
	assert.Equal(t, 30*time.Second, providers.RetryAfterOf(err))
}

func TestTransientRetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(quoteBody))
	}))

	resp, err := c.GetQuote(context.Background(), "AAPL", models.AssetTypeStock)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", resp.Quote().Symbol)
	assert.Equal(t, int64(2), hits.Load())
}

func TestGetProfile(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/profile/AAPL", r.URL.Path)
		w.Write([]byte(`[{
			"symbol": "AAPL", "companyName": "Apple Inc.",
			"industry": "Consumer Electronics", "sector": "Technology",
			"country": "US", "website": "https://www.apple.com",
			"mktCap": 2400000000000, "fullTimeEmployees": "164000",
			"exchangeShortName": "NASDAQ", "currency": "USD",
			"ceo": "Mr. Timothy D. Cook", "city": "Cupertino", "state": "CA"
		}]`))
	}))

	resp, err := c.GetProfile(context.Background(), "AAPL")
	require.NoError(t, err)

	profile := resp.Profile()
	require.NotNil(t, profile)
	assert.Equal(t, "Apple Inc.", profile.CompanyName)
	require.NotNil(t, profile.Employees, "quoted headcount must still parse")
	assert.Equal(t, int64(164000), *profile.Employees)
	assert.Equal(t, "Cupertino, CA", profile.Headquarters)
}

func TestGetHistoricalSortsAscending(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/historical-price-full/AAPL", r.URL.Path)
		assert.Equal(t, "252", r.URL.Query().Get("timeseries"))
		// Newest first, as the API returns it.
		w.Write([]byte(`{"symbol": "AAPL", "historical": [
			{"date": "2025-08-22", "open": 150, "high": 152, "low": 149, "close": 151, "volume": 1000},
			{"date": "2025-08-20", "open": 148, "high": 150, "low": 147, "close": 149, "volume": 1200},
			{"date": "2025-08-21", "open": 149, "high": 151, "low": 148, "close": 150, "volume": 1100}
		]}`))
	}))

	resp, err := c.GetHistorical(context.Background(), "AAPL", models.Period1Y, models.Interval1Day)
	require.NoError(t, err)

	series := resp.Historical()
	require.NotNil(t, series)
	assert.Equal(t, 3, series.Count)
	assert.True(t, series.IsSorted())
	assert.Equal(t, "2025-08-20", series.StartDate.Format("2006-01-02"))
	assert.Equal(t, "2025-08-22", series.EndDate.Format("2006-01-02"))
}

func TestGetHistoricalIntradayEndpoint(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/historical-chart/5m/AAPL", r.URL.Path)
		w.Write([]byte(`[
			{"date": "2025-08-22 15:55:00", "open": 150, "high": 150.5, "low": 149.8, "close": 150.2, "volume": 90000},
			{"date": "2025-08-22 15:50:00", "open": 149.8, "high": 150.1, "low": 149.6, "close": 150, "volume": 85000}
		]`))
	}))

	resp, err := c.GetHistorical(context.Background(), "AAPL", models.Period1D, models.Interval5Min)
	require.NoError(t, err)
	series := resp.Historical()
	require.NotNil(t, series)
	assert.Equal(t, 2, series.Count)
	assert.True(t, series.IsSorted())
}

func TestSearch(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "apple", r.URL.Query().Get("query"))
		w.Write([]byte(`[
			{"symbol": "AAPL", "name": "Apple Inc.", "currency": "USD", "exchangeShortName": "NASDAQ"},
			{"symbol": "APLE", "name": "Apple Hospitality REIT", "currency": "USD", "exchangeShortName": "NYSE"}
		]`))
	}))

	resp, err := c.Search(context.Background(), "apple", nil, 10)
	require.NoError(t, err)

	results := resp.SearchResults()
	require.NotNil(t, results)
	require.Len(t, results.Results, 2)
	assert.Equal(t, "AAPL", results.Results[0].Symbol)
	assert.Equal(t, models.AssetTypeStock, results.Results[0].AssetType)
	assert.Greater(t, results.Results[0].RelevanceScore, 0.0)
}

func TestGetMarketOverview(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"symbol": "SPY", "price": 520.10},
			{"symbol": "QQQ", "price": 440.55},
			{"symbol": "BTC-USD", "price": 43000.5}
		]`))
	}))

	resp, err := c.GetMarketOverview(context.Background())
	require.NoError(t, err)

	overview := resp.Overview()
	require.NotNil(t, overview)
	assert.Len(t, overview.Indices, 2)
	assert.Len(t, overview.Crypto, 1)
	assert.True(t, overview.HasData())
}

func TestHealthCheck(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote/SPY", r.URL.Path)
		w.Write([]byte(`[{"symbol": "SPY", "price": 520.10}]`))
	}))
	assert.NoError(t, c.HealthCheck(context.Background()))
}
