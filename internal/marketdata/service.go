package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"market-data-service/internal/cache"
	"market-data-service/internal/metrics"
	"market-data-service/internal/models"
	"market-data-service/internal/providers"
	"market-data-service/internal/ratelimit"
)

// ErrValidation marks client-side input errors so transport layers can
// distinguish them from upstream failures.
var ErrValidation = errors.New("validation failed")

// Service is the orchestrator: it normalizes input, drives the factory
// with failover, and decorates every result with quality, anomaly and
// provenance data. All responses use the uniform envelope; failures
// produce an envelope too, never a bare error.
type Service struct {
	factory  *providers.Factory
	cache    *cache.Service
	limiter  *ratelimit.Limiter
	detector *Detector
	validate *validator.Validate
	metrics  *metrics.Set
	log      *logrus.Entry
}

// NewService wires the orchestrator. The cache, limiter and metrics
// set may be nil.
func NewService(factory *providers.Factory, cacheSvc *cache.Service, limiter *ratelimit.Limiter, detector *Detector, metricsSet *metrics.Set, logger *logrus.Logger) *Service {
	if detector == nil {
		detector = NewDetector(DefaultAnomalyConfig())
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		factory:  factory,
		cache:    cacheSvc,
		limiter:  limiter,
		detector: detector,
		validate: validator.New(),
		metrics:  metricsSet,
		log:      logger.WithField("component", "market_data_service"),
	}
}

// QuoteRequest asks for one symbol's current quote.
type QuoteRequest struct {
	Symbol    string           `json:"symbol" validate:"required,max=30"`
	AssetType models.AssetType `json:"asset_type" validate:"required"`
}

// ProfileRequest asks for one symbol's company profile.
type ProfileRequest struct {
	Symbol string `json:"symbol" validate:"required,max=30"`
}

// HistoricalRequest asks for one symbol's OHLCV series.
type HistoricalRequest struct {
	Symbol   string          `json:"symbol" validate:"required,max=30"`
	Period   models.Period   `json:"period" validate:"required"`
	Interval models.Interval `json:"interval" validate:"required"`
}

// SearchRequest asks for symbols matching a query.
type SearchRequest struct {
	Query      string             `json:"query" validate:"required,max=100"`
	AssetTypes []models.AssetType `json:"asset_types"`
	Limit      int                `json:"limit" validate:"gte=0,lte=50"`
}

// GetQuote fetches a quote with failover and decorates the result.
// The envelope is always non-nil; err is non-nil on failure for
// transport-level status mapping.
func (s *Service) GetQuote(ctx context.Context, req QuoteRequest) (*models.QuoteResponse, error) {
	start := time.Now()
	defer func() { s.metrics.RecordDuration("quote", time.Since(start)) }()

	symbol, err := s.normalizedSymbol(req, req.Symbol)
	if err != nil {
		return s.failedQuote(req.Symbol, start, err), err
	}
	if !req.AssetType.IsValid() {
		err := fmt.Errorf("%w: unknown asset type %q", ErrValidation, req.AssetType)
		return s.failedQuote(symbol, start, err), err
	}

	var resp *providers.Response
	if req.AssetType == models.AssetTypeCrypto {
		resp, err = s.factory.GetCryptoQuote(ctx, symbol)
	} else {
		resp, err = s.factory.GetStockQuote(ctx, symbol)
	}
	if err != nil {
		s.metrics.RecordRequest("none", "quote", "error")
		s.log.WithError(err).WithField("symbol", symbol).Warn("quote request failed")
		return s.failedQuote(symbol, start, err), err
	}
	s.recordSuccess(resp, "quote")

	quote := resp.Quote()
	if quote == nil {
		err := providers.NewError(resp.Provider, providers.KindTransient, "quote payload missing", nil)
		return s.failedQuote(symbol, start, err), err
	}

	return &models.QuoteResponse{
		Success:   true,
		Symbol:    symbol,
		Timestamp: time.Now().UTC(),
		Data:      quote,
		DataQuality: computeQuality(qualityInput{
			PriceBearing:   true,
			SymbolPresent:  quote.Symbol != "",
			PricePresent:   !quote.Price.IsZero(),
			CacheHit:       resp.Cached,
			ProcessingTime: time.Since(start),
			Accuracy:       s.accuracyFor(resp.Provider),
		}),
		AnomalyDetection: s.detector.InspectQuote(quote),
		Provenance:       s.provenance(resp, start),
	}, nil
}

// GetProfile fetches a company profile with failover.
func (s *Service) GetProfile(ctx context.Context, req ProfileRequest) (*models.ProfileResponse, error) {
	start := time.Now()
	defer func() { s.metrics.RecordDuration("profile", time.Since(start)) }()

	symbol, err := s.normalizedSymbol(req, req.Symbol)
	if err != nil {
		return s.failedProfile(req.Symbol, start, err), err
	}

	resp, err := s.factory.GetStockProfile(ctx, symbol)
	if err != nil {
		s.metrics.RecordRequest("none", "profile", "error")
		s.log.WithError(err).WithField("symbol", symbol).Warn("profile request failed")
		return s.failedProfile(symbol, start, err), err
	}
	s.recordSuccess(resp, "profile")

	profile := resp.Profile()
	if profile == nil {
		err := providers.NewError(resp.Provider, providers.KindTransient, "profile payload missing", nil)
		return s.failedProfile(symbol, start, err), err
	}

	return &models.ProfileResponse{
		Success:   true,
		Symbol:    symbol,
		Timestamp: time.Now().UTC(),
		Data:      profile,
		DataQuality: computeQuality(qualityInput{
			SymbolPresent:  profile.Symbol != "",
			CacheHit:       resp.Cached,
			ProcessingTime: time.Since(start),
			Accuracy:       s.accuracyFor(resp.Provider),
		}),
		Provenance: s.provenance(resp, start),
	}, nil
}

// GetHistorical fetches an OHLCV series with failover. Out-of-order
// points from a provider are re-sorted and flagged via a warning.
func (s *Service) GetHistorical(ctx context.Context, req HistoricalRequest) (*models.HistoricalResponse, error) {
	start := time.Now()
	defer func() { s.metrics.RecordDuration("historical", time.Since(start)) }()

	symbol, err := s.normalizedSymbol(req, req.Symbol)
	if err != nil {
		return s.failedHistorical(req.Symbol, start, err), err
	}
	if err := models.ValidateRange(req.Period, req.Interval); err != nil {
		err = fmt.Errorf("%w: %v", ErrValidation, err)
		return s.failedHistorical(symbol, start, err), err
	}

	resp, err := s.factory.GetHistoricalData(ctx, symbol, req.Period, req.Interval)
	if err != nil {
		s.metrics.RecordRequest("none", "historical", "error")
		s.log.WithError(err).WithField("symbol", symbol).Warn("historical request failed")
		return s.failedHistorical(symbol, start, err), err
	}
	s.recordSuccess(resp, "historical")

	series := resp.Historical()
	if series == nil {
		err := providers.NewError(resp.Provider, providers.KindTransient, "historical payload missing", nil)
		return s.failedHistorical(symbol, start, err), err
	}

	var warnings []string
	if !series.IsSorted() {
		series.SortAscending()
		warnings = append(warnings, "historical points arrived out of order and were re-sorted")
	}

	return &models.HistoricalResponse{
		Success:   true,
		Symbol:    symbol,
		Timestamp: time.Now().UTC(),
		Data:      series,
		DataQuality: computeQuality(qualityInput{
			PriceBearing:   true,
			SymbolPresent:  series.Symbol != "",
			PricePresent:   series.Count > 0,
			CacheHit:       resp.Cached,
			ProcessingTime: time.Since(start),
			Accuracy:       s.accuracyFor(resp.Provider),
		}),
		AnomalyDetection: s.detector.InspectSeries(series),
		Provenance:       s.provenance(resp, start),
		Warnings:         warnings,
	}, nil
}

// Search looks up symbols with failover.
func (s *Service) Search(ctx context.Context, req SearchRequest) (*models.SearchResponse, error) {
	start := time.Now()
	defer func() { s.metrics.RecordDuration("search", time.Since(start)) }()

	if err := s.validate.Struct(req); err != nil {
		err = fmt.Errorf("%w: %v", ErrValidation, err)
		return s.failedSearch(req.Query, start, err), err
	}
	limit := req.Limit
	if limit == 0 {
		limit = 10
	}

	resp, err := s.factory.SearchSecurities(ctx, req.Query, req.AssetTypes, limit)
	if err != nil {
		s.metrics.RecordRequest("none", "search", "error")
		s.log.WithError(err).WithField("query", req.Query).Warn("search request failed")
		return s.failedSearch(req.Query, start, err), err
	}
	s.recordSuccess(resp, "search")

	results := resp.SearchResults()
	if results == nil {
		err := providers.NewError(resp.Provider, providers.KindTransient, "search payload missing", nil)
		return s.failedSearch(req.Query, start, err), err
	}
	results.ProcessingTimeMS = time.Since(start).Milliseconds()

	return &models.SearchResponse{
		Success:   true,
		Query:     req.Query,
		Timestamp: time.Now().UTC(),
		Data:      results,
		DataQuality: computeQuality(qualityInput{
			SymbolPresent:  req.Query != "",
			CacheHit:       resp.Cached,
			ProcessingTime: time.Since(start),
			Accuracy:       s.accuracyFor(resp.Provider),
		}),
		Provenance: s.provenance(resp, start),
	}, nil
}

// GetMarketOverview fetches the market overview with failover.
func (s *Service) GetMarketOverview(ctx context.Context) (*models.MarketOverviewResponse, error) {
	start := time.Now()
	defer func() { s.metrics.RecordDuration("overview", time.Since(start)) }()

	resp, err := s.factory.GetMarketOverview(ctx)
	if err != nil {
		s.metrics.RecordRequest("none", "overview", "error")
		s.log.WithError(err).Warn("market overview request failed")
		return s.failedOverview(start, err), err
	}
	s.recordSuccess(resp, "overview")

	overview := resp.Overview()
	if overview == nil || !overview.HasData() {
		err := providers.NewError(resp.Provider, providers.KindTransient, "overview payload empty", nil)
		return s.failedOverview(start, err), err
	}

	// Per-category failures are tolerated; empty categories are
	// surfaced as warnings, not errors.
	var warnings []string
	for category, count := range map[string]int{
		"indices":     len(overview.Indices),
		"crypto":      len(overview.Crypto),
		"commodities": len(overview.Commodities),
		"forex":       len(overview.Forex),
	} {
		if count == 0 {
			warnings = append(warnings, fmt.Sprintf("no %s data available", category))
		}
	}
	sort.Strings(warnings)

	return &models.MarketOverviewResponse{
		Success:   true,
		Timestamp: time.Now().UTC(),
		Data:      overview,
		DataQuality: computeQuality(qualityInput{
			SymbolPresent:  true,
			CacheHit:       resp.Cached,
			ProcessingTime: time.Since(start),
			Accuracy:       s.accuracyFor(resp.Provider),
		}),
		Provenance: s.provenance(resp, start),
		Warnings:   warnings,
	}, nil
}

// SystemHealth reports service status with factory, cache and rate
// limiter snapshots.
func (s *Service) SystemHealth(ctx context.Context) *models.SystemHealth {
	factoryStatus := s.factory.Status()
	providerHealth := s.factory.ProviderHealth()

	health := &models.SystemHealth{
		Timestamp: time.Now().UTC(),
		Providers: providerHealth,
		Factory: map[string]interface{}{
			"failover_strategy":        factoryStatus.FactoryInfo.FailoverStrategy,
			"health_monitoring_active": factoryStatus.FactoryInfo.HealthMonitoringActive,
			"uptime_seconds":           factoryStatus.FactoryInfo.UptimeSeconds,
			"last_used_provider":       factoryStatus.FactoryInfo.LastUsedProvider,
			"total_requests":           factoryStatus.Statistics.TotalRequests,
			"failover_count":           factoryStatus.Statistics.FailoverCount,
			"available_providers":      factoryStatus.AvailableProviders,
		},
	}

	cacheHealthy := true
	if s.cache != nil {
		cacheInfo := map[string]interface{}{"reachable": true}
		if err := s.cache.Ping(ctx); err != nil {
			cacheHealthy = false
			cacheInfo["reachable"] = false
			cacheInfo["error"] = err.Error()
		} else if rate, err := s.cache.HitRate(ctx, "", ""); err == nil {
			cacheInfo["hit_rate_percent"] = rate
		}
		health.Cache = cacheInfo
	}

	if s.limiter != nil {
		usage := map[string]interface{}{}
		for name := range providerHealth {
			if windows, err := s.limiter.Status(ctx, name); err == nil {
				usage[name] = windows
			}
		}
		health.RateLimiter = usage
	}

	unhealthyProviders := 0
	for _, status := range providerHealth {
		if status == string(providers.StatusUnhealthy) {
			unhealthyProviders++
		}
	}
	switch {
	case len(factoryStatus.AvailableProviders) == 0:
		health.Status = "unhealthy"
	case !cacheHealthy || unhealthyProviders > 0:
		health.Status = "degraded"
	default:
		health.Status = "healthy"
	}
	return health
}

// Helpers

func (s *Service) normalizedSymbol(req interface{}, raw string) (string, error) {
	if err := s.validate.Struct(req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	symbol, err := models.NormalizeSymbol(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return symbol, nil
}

func (s *Service) accuracyFor(provider string) float64 {
	if adapter := s.factory.Adapter(provider); adapter != nil {
		return adapter.BaselineAccuracy()
	}
	return 80
}

func (s *Service) recordSuccess(resp *providers.Response, operation string) {
	s.metrics.RecordRequest(resp.Provider, operation, "success")
	s.metrics.RecordFailovers(len(resp.Attempted))
	s.metrics.RecordCacheRead(operation, resp.Cached)
}

func (s *Service) provenance(resp *providers.Response, start time.Time) *models.Provenance {
	p := &models.Provenance{
		PrimarySource:    resp.Provider,
		FallbackSources:  resp.Attempted,
		ProcessingTimeMS: time.Since(start).Milliseconds(),
		CacheHit:         resp.Cached,
		ProviderHealth:   s.factory.ProviderHealth(),
	}
	if p.FallbackSources == nil {
		p.FallbackSources = []string{}
	}
	if resp.CacheAge != nil {
		age := int64(resp.CacheAge.Seconds())
		p.CacheAgeSeconds = &age
	}
	return p
}

// failureProvenance marks an envelope that no provider served.
func (s *Service) failureProvenance(start time.Time) *models.Provenance {
	return &models.Provenance{
		PrimarySource:    "fallback_default",
		FallbackSources:  []string{},
		ProcessingTimeMS: time.Since(start).Milliseconds(),
		ProviderHealth:   s.factory.ProviderHealth(),
	}
}

func (s *Service) failedQuote(symbol string, start time.Time, err error) *models.QuoteResponse {
	return &models.QuoteResponse{
		Symbol:      symbol,
		Timestamp:   time.Now().UTC(),
		DataQuality: zeroQuality(),
		Provenance:  s.failureProvenance(start),
		Error:       err.Error(),
	}
}

func (s *Service) failedProfile(symbol string, start time.Time, err error) *models.ProfileResponse {
	return &models.ProfileResponse{
		Symbol:      symbol,
		Timestamp:   time.Now().UTC(),
		DataQuality: zeroQuality(),
		Provenance:  s.failureProvenance(start),
		Error:       err.Error(),
	}
}

func (s *Service) failedHistorical(symbol string, start time.Time, err error) *models.HistoricalResponse {
	return &models.HistoricalResponse{
		Symbol:      symbol,
		Timestamp:   time.Now().UTC(),
		DataQuality: zeroQuality(),
		Provenance:  s.failureProvenance(start),
		Error:       err.Error(),
	}
}

func (s *Service) failedSearch(query string, start time.Time, err error) *models.SearchResponse {
	return &models.SearchResponse{
		Query:       query,
		Timestamp:   time.Now().UTC(),
		DataQuality: zeroQuality(),
		Provenance:  s.failureProvenance(start),
		Error:       err.Error(),
	}
}

func (s *Service) failedOverview(start time.Time, err error) *models.MarketOverviewResponse {
	return &models.MarketOverviewResponse{
		Timestamp:   time.Now().UTC(),
		DataQuality: zeroQuality(),
		Provenance:  s.failureProvenance(start),
		Error:       err.Error(),
	}
}
