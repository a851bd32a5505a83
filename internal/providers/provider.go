package providers

import (
	"context"
	"time"

	"market-data-service/internal/models"
)

// Operation names an adapter endpoint class. The same names key the
// rate limiter and cache levels.
type Operation string

// Adapter operations.
const (
	OpQuote      Operation = "quote"
	OpProfile    Operation = "profile"
	OpHistorical Operation = "historical"
	OpSearch     Operation = "search"
	OpOverview   Operation = "overview"
)

// Capabilities declares what one adapter supports. It is configuration,
// not behavior reflection.
type Capabilities struct {
	AssetTypes []models.AssetType `json:"asset_types"`
	Operations []Operation        `json:"operations"`
}

// SupportsOperation reports whether the adapter implements op.
func (c Capabilities) SupportsOperation(op Operation) bool {
	for _, o := range c.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// SupportsAssetType reports whether the adapter covers the asset type.
func (c Capabilities) SupportsAssetType(t models.AssetType) bool {
	for _, a := range c.AssetTypes {
		if a == t {
			return true
		}
	}
	return false
}

// Response wraps one normalized adapter result. Data holds the
// canonical entity for the operation.
type Response struct {
	Data      interface{} `json:"data"`
	Provider  string      `json:"provider"`
	Timestamp time.Time   `json:"timestamp"`
	Cached    bool        `json:"cached"`
	// CacheAge is set on cache hits when the entry age is known.
	CacheAge *time.Duration `json:"cache_age,omitempty"`
	// Attempted lists providers that failed before this one succeeded,
	// in order. The factory fills it in.
	Attempted []string `json:"attempted,omitempty"`
}

// Quote returns the payload as a quote, or nil.
func (r *Response) Quote() *models.Quote {
	q, _ := r.Data.(*models.Quote)
	return q
}

// Profile returns the payload as a profile, or nil.
func (r *Response) Profile() *models.Profile {
	p, _ := r.Data.(*models.Profile)
	return p
}

// Historical returns the payload as a historical series, or nil.
func (r *Response) Historical() *models.HistoricalSeries {
	h, _ := r.Data.(*models.HistoricalSeries)
	return h
}

// SearchResults returns the payload as search results, or nil.
func (r *Response) SearchResults() *models.SearchResults {
	s, _ := r.Data.(*models.SearchResults)
	return s
}

// Overview returns the payload as a market overview, or nil.
func (r *Response) Overview() *models.MarketOverview {
	o, _ := r.Data.(*models.MarketOverview)
	return o
}

// Provider is the contract every upstream adapter implements. Failures
// are reported as a typed *Error so the factory can decide between
// retry, failover and give-up.
type Provider interface {
	// Name returns the adapter's registered name.
	Name() string
	// Capabilities declares the supported asset types and operations.
	Capabilities() Capabilities
	// BaselineAccuracy is the provider's declared accuracy score used
	// by data quality computation.
	BaselineAccuracy() float64

	GetQuote(ctx context.Context, symbol string, assetType models.AssetType) (*Response, error)
	GetProfile(ctx context.Context, symbol string) (*Response, error)
	GetHistorical(ctx context.Context, symbol string, period models.Period, interval models.Interval) (*Response, error)
	Search(ctx context.Context, query string, assetTypes []models.AssetType, limit int) (*Response, error)
	GetMarketOverview(ctx context.Context) (*Response, error)

	// HealthCheck probes the upstream with a lightweight request.
	HealthCheck(ctx context.Context) error
	// Close releases the adapter's resources.
	Close() error
}
