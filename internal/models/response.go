package models

import "time"

// QuoteResponse is the uniform envelope for quote requests.
type QuoteResponse struct {
	Success          bool                `json:"success"`
	Symbol           string              `json:"symbol"`
	Timestamp        time.Time           `json:"timestamp"`
	Data             *Quote              `json:"data,omitempty"`
	DataQuality      *DataQualityMetrics `json:"data_quality"`
	AnomalyDetection *AnomalyReport      `json:"anomaly_detection,omitempty"`
	Provenance       *Provenance         `json:"provenance"`
	Error            string              `json:"error,omitempty"`
	Warnings         []string            `json:"warnings,omitempty"`
}

// ProfileResponse is the uniform envelope for profile requests.
type ProfileResponse struct {
	Success     bool                `json:"success"`
	Symbol      string              `json:"symbol"`
	Timestamp   time.Time           `json:"timestamp"`
	Data        *Profile            `json:"data,omitempty"`
	DataQuality *DataQualityMetrics `json:"data_quality"`
	Provenance  *Provenance         `json:"provenance"`
	Error       string              `json:"error,omitempty"`
	Warnings    []string            `json:"warnings,omitempty"`
}

// HistoricalResponse is the uniform envelope for historical requests.
type HistoricalResponse struct {
	Success          bool                `json:"success"`
	Symbol           string              `json:"symbol"`
	Timestamp        time.Time           `json:"timestamp"`
	Data             *HistoricalSeries   `json:"data,omitempty"`
	DataQuality      *DataQualityMetrics `json:"data_quality"`
	AnomalyDetection *AnomalyReport      `json:"anomaly_detection,omitempty"`
	Provenance       *Provenance         `json:"provenance"`
	Error            string              `json:"error,omitempty"`
	Warnings         []string            `json:"warnings,omitempty"`
}

// SearchResponse is the uniform envelope for symbol search requests.
type SearchResponse struct {
	Success     bool                `json:"success"`
	Query       string              `json:"query"`
	Timestamp   time.Time           `json:"timestamp"`
	Data        *SearchResults      `json:"data,omitempty"`
	DataQuality *DataQualityMetrics `json:"data_quality"`
	Provenance  *Provenance         `json:"provenance"`
	Error       string              `json:"error,omitempty"`
	Warnings    []string            `json:"warnings,omitempty"`
}

// MarketOverviewResponse is the uniform envelope for market overview
// requests. Partial category failures still produce Success=true as
// long as any category populated.
type MarketOverviewResponse struct {
	Success     bool                `json:"success"`
	Timestamp   time.Time           `json:"timestamp"`
	Data        *MarketOverview     `json:"data,omitempty"`
	DataQuality *DataQualityMetrics `json:"data_quality"`
	Provenance  *Provenance         `json:"provenance"`
	Error       string              `json:"error,omitempty"`
	Warnings    []string            `json:"warnings,omitempty"`
}

// SystemHealth is a point-in-time snapshot of the service and its
// collaborators.
type SystemHealth struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Providers   map[string]string      `json:"providers"`
	Factory     map[string]interface{} `json:"factory,omitempty"`
	Cache       map[string]interface{} `json:"cache,omitempty"`
	RateLimiter map[string]interface{} `json:"rate_limiter,omitempty"`
}
