package fmp

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"market-data-service/internal/models"
)

// Wire formats for the FMP v3 API. Field names follow the upstream
// JSON; mapping to the canonical models happens here and nowhere else.

type quotePayload struct {
	Symbol            string   `json:"symbol"`
	Name              string   `json:"name"`
	Price             float64  `json:"price"`
	Change            float64  `json:"change"`
	ChangesPercentage float64  `json:"changesPercentage"`
	PreviousClose     float64  `json:"previousClose"`
	Open              float64  `json:"open"`
	DayHigh           float64  `json:"dayHigh"`
	DayLow            float64  `json:"dayLow"`
	Volume            int64    `json:"volume"`
	MarketCap         *float64 `json:"marketCap"`
	PE                *float64 `json:"pe"`
	Exchange          string   `json:"exchange"`
	Timestamp         int64    `json:"timestamp"`
}

func (p quotePayload) toQuote(symbol string) *models.Quote {
	q := &models.Quote{
		Symbol:        symbol,
		Name:          p.Name,
		Price:         decimal.NewFromFloat(p.Price),
		Change:        decimal.NewFromFloat(p.Change),
		ChangePercent: decimal.NewFromFloat(p.ChangesPercentage),
		PreviousClose: decimal.NewFromFloat(p.PreviousClose),
		Open:          decimal.NewFromFloat(p.Open),
		High:          decimal.NewFromFloat(p.DayHigh),
		Low:           decimal.NewFromFloat(p.DayLow),
		Volume:        p.Volume,
		Currency:      "USD",
		Exchange:      p.Exchange,
		Timezone:      "America/New_York",
		LastUpdated:   time.Now().UTC(),
	}
	if p.MarketCap != nil {
		mc := decimal.NewFromFloat(*p.MarketCap)
		q.MarketCap = &mc
	}
	if p.PE != nil {
		pe := decimal.NewFromFloat(*p.PE)
		q.PERatio = &pe
	}
	if p.Timestamp > 0 {
		q.LastUpdated = time.Unix(p.Timestamp, 0).UTC()
	}
	return q
}

type profilePayload struct {
	Symbol            string   `json:"symbol"`
	CompanyName       string   `json:"companyName"`
	Description       string   `json:"description"`
	Industry          string   `json:"industry"`
	Sector            string   `json:"sector"`
	Country           string   `json:"country"`
	Website           string   `json:"website"`
	MktCap            *float64 `json:"mktCap"`
	FullTimeEmployees flexInt  `json:"fullTimeEmployees"`
	ExchangeShortName string   `json:"exchangeShortName"`
	Currency          string   `json:"currency"`
	CEO               string   `json:"ceo"`
	IPODate           string   `json:"ipoDate"`
	City              string   `json:"city"`
	State             string   `json:"state"`
}

// flexInt decodes an integer that the API reports either as a number
// or as a quoted string depending on the plan.
type flexInt struct {
	value int64
	ok    bool
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	f.value = n
	f.ok = true
	return nil
}

func (p profilePayload) toProfile(symbol string) *models.Profile {
	profile := &models.Profile{
		Symbol:      symbol,
		CompanyName: p.CompanyName,
		Description: p.Description,
		Industry:    p.Industry,
		Sector:      p.Sector,
		Country:     p.Country,
		Website:     p.Website,
		Exchange:    p.ExchangeShortName,
		Currency:    p.Currency,
		CEO:         p.CEO,
		Founded:     p.IPODate,
		LastUpdated: time.Now().UTC(),
	}
	if profile.Currency == "" {
		profile.Currency = "USD"
	}
	if p.MktCap != nil {
		mc := decimal.NewFromFloat(*p.MktCap)
		profile.MarketCap = &mc
	}
	if p.FullTimeEmployees.ok && p.FullTimeEmployees.value > 0 {
		n := p.FullTimeEmployees.value
		profile.Employees = &n
	}
	if p.City != "" {
		hq := p.City
		if p.State != "" {
			hq += ", " + p.State
		}
		profile.Headquarters = hq
	}
	return profile
}

type historicalPayload struct {
	Symbol     string          `json:"symbol"`
	Historical []historicalBar `json:"historical"`
}

type historicalBar struct {
	Date     string   `json:"date"`
	Open     float64  `json:"open"`
	High     float64  `json:"high"`
	Low      float64  `json:"low"`
	Close    float64  `json:"close"`
	AdjClose *float64 `json:"adjClose"`
	Volume   int64    `json:"volume"`
}

// barDate handles both the daily "2006-01-02" and the intraday
// "2006-01-02 15:04:05" formats the API mixes across endpoints.
func barDate(raw string) (time.Time, bool) {
	if t, err := time.Parse("2006-01-02 15:04:05", raw); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

func toSeries(symbol string, period models.Period, interval models.Interval, bars []historicalBar) *models.HistoricalSeries {
	series := &models.HistoricalSeries{
		Symbol:      symbol,
		Period:      period,
		Interval:    interval,
		Currency:    "USD",
		Timezone:    "America/New_York",
		Points:      make([]models.Bar, 0, len(bars)),
		LastUpdated: time.Now().UTC(),
	}
	for _, b := range bars {
		date, ok := barDate(b.Date)
		if !ok {
			continue
		}
		bar := models.Bar{
			Date:   date,
			Open:   decimal.NewFromFloat(b.Open),
			High:   decimal.NewFromFloat(b.High),
			Low:    decimal.NewFromFloat(b.Low),
			Close:  decimal.NewFromFloat(b.Close),
			Volume: b.Volume,
		}
		if b.AdjClose != nil {
			adj := decimal.NewFromFloat(*b.AdjClose)
			bar.AdjClose = &adj
		}
		series.Points = append(series.Points, bar)
	}
	series.SortAscending()
	return series
}

type searchPayload struct {
	Symbol            string `json:"symbol"`
	Name              string `json:"name"`
	Currency          string `json:"currency"`
	StockExchange     string `json:"stockExchange"`
	ExchangeShortName string `json:"exchangeShortName"`
}

// relevanceScore ranks a hit against the query: exact ticker matches
// first, ticker prefixes next, then name matches.
func relevanceScore(query, symbol, name string) float64 {
	q := strings.ToUpper(strings.TrimSpace(query))
	switch {
	case q == symbol:
		return 100
	case strings.HasPrefix(symbol, q):
		return 90
	case strings.Contains(strings.ToUpper(name), q):
		return 70
	default:
		return 50
	}
}

func toSearchResults(query string, payload []searchPayload, assetTypes []models.AssetType, limit int) *models.SearchResults {
	wantStocks := len(assetTypes) == 0
	for _, t := range assetTypes {
		if t == models.AssetTypeStock {
			wantStocks = true
		}
	}

	results := make([]models.SearchResult, 0, len(payload))
	if wantStocks {
		for _, item := range payload {
			if len(results) >= limit {
				break
			}
			exchange := item.ExchangeShortName
			if exchange == "" {
				exchange = item.StockExchange
			}
			results = append(results, models.SearchResult{
				Symbol:         item.Symbol,
				Name:           item.Name,
				AssetType:      models.AssetTypeStock,
				Exchange:       exchange,
				Currency:       item.Currency,
				RelevanceScore: relevanceScore(query, item.Symbol, item.Name),
			})
		}
	}

	return &models.SearchResults{
		Query:       query,
		Results:     results,
		TotalCount:  len(results),
		LastUpdated: time.Now().UTC(),
	}
}

func toOverview(payload []quotePayload) *models.MarketOverview {
	overview := &models.MarketOverview{
		Indices:     []models.Quote{},
		Crypto:      []models.Quote{},
		Commodities: []models.Quote{},
		Forex:       []models.Quote{},
		LastUpdated: time.Now().UTC(),
	}
	for _, item := range payload {
		quote := item.toQuote(item.Symbol)
		switch {
		case strings.HasSuffix(item.Symbol, "-USD"):
			overview.Crypto = append(overview.Crypto, *quote)
		default:
			overview.Indices = append(overview.Indices, *quote)
		}
	}
	return overview
}
