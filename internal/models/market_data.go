package models

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Quote represents a normalized point-in-time quote for one symbol.
// Optional fields stay nil when the upstream feed did not report them;
// completeness scoring relies on absent fields staying absent.
type Quote struct {
	Symbol        string           `json:"symbol"`
	Name          string           `json:"name,omitempty"`
	Price         decimal.Decimal  `json:"price"`
	Change        decimal.Decimal  `json:"change"`
	ChangePercent decimal.Decimal  `json:"change_percent"`
	PreviousClose decimal.Decimal  `json:"previous_close"`
	Open          decimal.Decimal  `json:"open"`
	High          decimal.Decimal  `json:"high"`
	Low           decimal.Decimal  `json:"low"`
	Volume        int64            `json:"volume"`
	MarketCap     *decimal.Decimal `json:"market_cap,omitempty"`
	PERatio       *decimal.Decimal `json:"pe_ratio,omitempty"`
	Bid           *decimal.Decimal `json:"bid,omitempty"`
	Ask           *decimal.Decimal `json:"ask,omitempty"`
	Currency      string           `json:"currency"`
	Exchange      string           `json:"exchange,omitempty"`
	Timezone      string           `json:"timezone"`
	LastUpdated   time.Time        `json:"last_updated"`
}

// Profile represents normalized company reference data for one symbol.
type Profile struct {
	Symbol       string           `json:"symbol"`
	CompanyName  string           `json:"company_name"`
	Description  string           `json:"description,omitempty"`
	Industry     string           `json:"industry,omitempty"`
	Sector       string           `json:"sector,omitempty"`
	Country      string           `json:"country,omitempty"`
	Website      string           `json:"website,omitempty"`
	MarketCap    *decimal.Decimal `json:"market_cap,omitempty"`
	Employees    *int64           `json:"employees,omitempty"`
	Exchange     string           `json:"exchange,omitempty"`
	Currency     string           `json:"currency"`
	CEO          string           `json:"ceo,omitempty"`
	Founded      string           `json:"founded,omitempty"`
	Headquarters string           `json:"headquarters,omitempty"`
	LastUpdated  time.Time        `json:"last_updated"`
}

// Bar is a single OHLCV point in a historical series.
type Bar struct {
	Date     time.Time        `json:"date"`
	Open     decimal.Decimal  `json:"open"`
	High     decimal.Decimal  `json:"high"`
	Low      decimal.Decimal  `json:"low"`
	Close    decimal.Decimal  `json:"close"`
	AdjClose *decimal.Decimal `json:"adj_close,omitempty"`
	Volume   int64            `json:"volume"`
}

// HistoricalSeries represents a normalized OHLCV series. Points are
// kept sorted ascending by date; gaps and duplicates are surfaced via
// anomaly flags rather than repaired.
type HistoricalSeries struct {
	Symbol      string    `json:"symbol"`
	Period      Period    `json:"period"`
	Interval    Interval  `json:"interval"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	Count       int       `json:"count"`
	Currency    string    `json:"currency"`
	Timezone    string    `json:"timezone"`
	Points      []Bar     `json:"points"`
	LastUpdated time.Time `json:"last_updated"`
}

// SortAscending orders the points by date and refreshes the derived
// start/end/count fields.
func (h *HistoricalSeries) SortAscending() {
	sort.Slice(h.Points, func(i, j int) bool {
		return h.Points[i].Date.Before(h.Points[j].Date)
	})
	h.Count = len(h.Points)
	if h.Count > 0 {
		h.StartDate = h.Points[0].Date
		h.EndDate = h.Points[h.Count-1].Date
	}
}

// IsSorted reports whether the points are in ascending date order.
func (h *HistoricalSeries) IsSorted() bool {
	for i := 1; i < len(h.Points); i++ {
		if h.Points[i].Date.Before(h.Points[i-1].Date) {
			return false
		}
	}
	return true
}

// SearchResult is one entry returned by a symbol search.
type SearchResult struct {
	Symbol         string           `json:"symbol"`
	Name           string           `json:"name"`
	AssetType      AssetType        `json:"asset_type"`
	Exchange       string           `json:"exchange,omitempty"`
	Currency       string           `json:"currency,omitempty"`
	Country        string           `json:"country,omitempty"`
	Industry       string           `json:"industry,omitempty"`
	MarketCap      *decimal.Decimal `json:"market_cap,omitempty"`
	RelevanceScore float64          `json:"relevance_score"`
}

// SearchResults represents an ordered symbol search result set.
type SearchResults struct {
	Query            string         `json:"query"`
	Results          []SearchResult `json:"results"`
	TotalCount       int            `json:"total_count"`
	ProcessingTimeMS int64          `json:"processing_time_ms"`
	LastUpdated      time.Time      `json:"last_updated"`
}

// MarketOverview groups quotes for the broad market by category.
// Individual categories may be empty when their upstream calls failed.
type MarketOverview struct {
	Indices      []Quote           `json:"indices"`
	Crypto       []Quote           `json:"crypto"`
	Commodities  []Quote           `json:"commodities"`
	Forex        []Quote           `json:"forex"`
	MarketStatus map[string]string `json:"market_status"`
	LastUpdated  time.Time         `json:"last_updated"`
}

// HasData reports whether any category is populated.
func (m *MarketOverview) HasData() bool {
	return len(m.Indices) > 0 || len(m.Crypto) > 0 || len(m.Commodities) > 0 || len(m.Forex) > 0
}
