package yahoo

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"market-data-service/internal/models"
)

// Wire formats for the Yahoo Finance chart, quoteSummary and search
// endpoints. Null-heavy arrays are modelled with pointer slices so
// halted-trading gaps survive decoding.

type chartEnvelope struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *apiError     `json:"error"`
	} `json:"chart"`
}

type apiError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type chartResult struct {
	Meta       chartMeta `json:"meta"`
	Timestamp  []int64   `json:"timestamp"`
	Indicators struct {
		Quote    []quoteIndicator    `json:"quote"`
		AdjClose []adjCloseIndicator `json:"adjclose"`
	} `json:"indicators"`
}

type chartMeta struct {
	Currency             string  `json:"currency"`
	Symbol               string  `json:"symbol"`
	ExchangeName         string  `json:"exchangeName"`
	LongName             string  `json:"longName"`
	RegularMarketPrice   float64 `json:"regularMarketPrice"`
	ChartPreviousClose   float64 `json:"chartPreviousClose"`
	PreviousClose        float64 `json:"previousClose"`
	RegularMarketDayHigh float64 `json:"regularMarketDayHigh"`
	RegularMarketDayLow  float64 `json:"regularMarketDayLow"`
	RegularMarketVolume  int64   `json:"regularMarketVolume"`
	RegularMarketTime    int64   `json:"regularMarketTime"`
	ExchangeTimezoneName string  `json:"exchangeTimezoneName"`
}

type quoteIndicator struct {
	Open   []*float64 `json:"open"`
	High   []*float64 `json:"high"`
	Low    []*float64 `json:"low"`
	Close  []*float64 `json:"close"`
	Volume []*int64   `json:"volume"`
}

type adjCloseIndicator struct {
	AdjClose []*float64 `json:"adjclose"`
}

func (r chartResult) toQuote(symbol string) *models.Quote {
	meta := r.Meta
	previousClose := meta.ChartPreviousClose
	if meta.PreviousClose > 0 {
		previousClose = meta.PreviousClose
	}

	change := meta.RegularMarketPrice - previousClose
	changePercent := 0.0
	if previousClose != 0 {
		changePercent = change / previousClose * 100
	}

	q := &models.Quote{
		Symbol:        symbol,
		Name:          meta.LongName,
		Price:         decimal.NewFromFloat(meta.RegularMarketPrice),
		Change:        decimal.NewFromFloat(change),
		ChangePercent: decimal.NewFromFloat(changePercent),
		PreviousClose: decimal.NewFromFloat(previousClose),
		High:          decimal.NewFromFloat(meta.RegularMarketDayHigh),
		Low:           decimal.NewFromFloat(meta.RegularMarketDayLow),
		Volume:        meta.RegularMarketVolume,
		Currency:      meta.Currency,
		Exchange:      meta.ExchangeName,
		Timezone:      meta.ExchangeTimezoneName,
		LastUpdated:   time.Now().UTC(),
	}
	if q.Currency == "" {
		q.Currency = "USD"
	}
	if meta.RegularMarketTime > 0 {
		q.LastUpdated = time.Unix(meta.RegularMarketTime, 0).UTC()
	}
	// The meta block has no opening price; take the day's first bar.
	if len(r.Indicators.Quote) > 0 {
		for _, open := range r.Indicators.Quote[0].Open {
			if open != nil {
				q.Open = decimal.NewFromFloat(*open)
				break
			}
		}
	}
	return q
}

func (r chartResult) toSeries(symbol string, period models.Period, interval models.Interval) *models.HistoricalSeries {
	series := &models.HistoricalSeries{
		Symbol:      symbol,
		Period:      period,
		Interval:    interval,
		Currency:    r.Meta.Currency,
		Timezone:    r.Meta.ExchangeTimezoneName,
		Points:      make([]models.Bar, 0, len(r.Timestamp)),
		LastUpdated: time.Now().UTC(),
	}
	if series.Currency == "" {
		series.Currency = "USD"
	}
	if len(r.Indicators.Quote) == 0 {
		return series
	}

	quote := r.Indicators.Quote[0]
	var adj []*float64
	if len(r.Indicators.AdjClose) > 0 {
		adj = r.Indicators.AdjClose[0].AdjClose
	}

	at := func(values []*float64, i int) (float64, bool) {
		if i >= len(values) || values[i] == nil {
			return 0, false
		}
		return *values[i], true
	}

	for i, ts := range r.Timestamp {
		open, okO := at(quote.Open, i)
		high, okH := at(quote.High, i)
		low, okL := at(quote.Low, i)
		closePrice, okC := at(quote.Close, i)
		if !okO || !okH || !okL || !okC {
			continue
		}

		bar := models.Bar{
			Date:  time.Unix(ts, 0).UTC(),
			Open:  decimal.NewFromFloat(open),
			High:  decimal.NewFromFloat(high),
			Low:   decimal.NewFromFloat(low),
			Close: decimal.NewFromFloat(closePrice),
		}
		if i < len(quote.Volume) && quote.Volume[i] != nil {
			bar.Volume = *quote.Volume[i]
		}
		if value, ok := at(adj, i); ok {
			d := decimal.NewFromFloat(value)
			bar.AdjClose = &d
		}
		series.Points = append(series.Points, bar)
	}
	series.SortAscending()
	return series
}

type quoteSummaryEnvelope struct {
	QuoteSummary struct {
		Result []quoteSummaryResult `json:"result"`
		Error  *apiError            `json:"error"`
	} `json:"quoteSummary"`
}

type quoteSummaryResult struct {
	AssetProfile *assetProfile `json:"assetProfile"`
	Price        *priceModule  `json:"price"`
}

type assetProfile struct {
	Industry            string `json:"industry"`
	Sector              string `json:"sector"`
	Country             string `json:"country"`
	Website             string `json:"website"`
	LongBusinessSummary string `json:"longBusinessSummary"`
	FullTimeEmployees   int64  `json:"fullTimeEmployees"`
	City                string `json:"city"`
	State               string `json:"state"`
	CompanyOfficers     []struct {
		Name  string `json:"name"`
		Title string `json:"title"`
	} `json:"companyOfficers"`
}

type priceModule struct {
	LongName     string `json:"longName"`
	ShortName    string `json:"shortName"`
	Currency     string `json:"currency"`
	ExchangeName string `json:"exchangeName"`
}

func (r quoteSummaryResult) toProfile(symbol string) *models.Profile {
	profile := &models.Profile{
		Symbol:      symbol,
		Currency:    "USD",
		LastUpdated: time.Now().UTC(),
	}

	if p := r.Price; p != nil {
		profile.CompanyName = p.LongName
		if profile.CompanyName == "" {
			profile.CompanyName = p.ShortName
		}
		if p.Currency != "" {
			profile.Currency = p.Currency
		}
		profile.Exchange = p.ExchangeName
	}

	if a := r.AssetProfile; a != nil {
		profile.Description = a.LongBusinessSummary
		profile.Industry = a.Industry
		profile.Sector = a.Sector
		profile.Country = a.Country
		profile.Website = a.Website
		if a.FullTimeEmployees > 0 {
			n := a.FullTimeEmployees
			profile.Employees = &n
		}
		if a.City != "" {
			hq := a.City
			if a.State != "" {
				hq += ", " + a.State
			}
			profile.Headquarters = hq
		}
		for _, officer := range a.CompanyOfficers {
			if strings.Contains(strings.ToUpper(officer.Title), "CEO") {
				profile.CEO = officer.Name
				break
			}
		}
	}
	return profile
}

type searchEnvelope struct {
	Quotes []searchQuote `json:"quotes"`
}

type searchQuote struct {
	Symbol    string `json:"symbol"`
	ShortName string `json:"shortname"`
	LongName  string `json:"longname"`
	QuoteType string `json:"quoteType"`
	Exchange  string `json:"exchange"`
	ExchDisp  string `json:"exchDisp"`
}

var quoteTypeToAsset = map[string]models.AssetType{
	"EQUITY":         models.AssetTypeStock,
	"ETF":            models.AssetTypeStock,
	"CRYPTOCURRENCY": models.AssetTypeCrypto,
	"INDEX":          models.AssetTypeIndex,
	"FUTURE":         models.AssetTypeCommodity,
	"CURRENCY":       models.AssetTypeForex,
}

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

func toSearchResults(query string, payload searchEnvelope, assetTypes []models.AssetType, limit int) *models.SearchResults {
	wanted := func(t models.AssetType) bool {
		if len(assetTypes) == 0 {
			return true
		}
		for _, a := range assetTypes {
			if a == t {
				return true
			}
		}
		return false
	}

	results := make([]models.SearchResult, 0, len(payload.Quotes))
	for _, item := range payload.Quotes {
		if len(results) >= limit {
			break
		}
		assetType, ok := quoteTypeToAsset[item.QuoteType]
		if !ok || !wanted(assetType) {
			continue
		}
		name := item.LongName
		if name == "" {
			name = item.ShortName
		}
		exchange := item.ExchDisp
		if exchange == "" {
			exchange = item.Exchange
		}
		results = append(results, models.SearchResult{
			Symbol:         item.Symbol,
			Name:           name,
			AssetType:      assetType,
			Exchange:       exchange,
			RelevanceScore: relevanceScore(query, item.Symbol, name),
		})
	}

	return &models.SearchResults{
		Query:       query,
		Results:     results,
		TotalCount:  len(results),
		LastUpdated: time.Now().UTC(),
	}
}
