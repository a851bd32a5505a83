package providers

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"market-data-service/internal/models"
)

// Strategy selects how the factory picks among available providers.
type Strategy string

// Failover strategies.
const (
	StrategyPriorityOrder Strategy = "priority_order"
	StrategyRoundRobin    Strategy = "round_robin"
	StrategyHealthBased   Strategy = "health_based"
	StrategyLoadBalanced  Strategy = "load_balanced"
)

// ParseStrategy validates a strategy name, falling back to
// priority_order for the empty string.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyPriorityOrder, StrategyRoundRobin, StrategyHealthBased, StrategyLoadBalanced:
		return Strategy(s), nil
	case "":
		return StrategyPriorityOrder, nil
	}
	return "", fmt.Errorf("unknown failover strategy %q", s)
}

// Constructor builds one adapter from its configuration.
type Constructor func(cfg *Config) (Provider, error)

type entry struct {
	config      *Config
	constructor Constructor
	adapter     Provider
	stats       *runtimeStats
}

// ExecOptions tunes a single failover call. Zero values fall back to
// the factory defaults.
type ExecOptions struct {
	MaxRetries int
	Timeout    time.Duration
}

// Call invokes one operation on a concrete adapter. The factory
// supplies the selected provider; the closure carries the arguments.
type Call func(ctx context.Context, p Provider) (*Response, error)

// Factory owns provider configurations and live adapter instances,
// monitors their health, and routes every request through selection
// plus failover. It is the only component that mutates provider
// runtime stats.
type Factory struct {
	mu      sync.RWMutex
	entries map[string]*entry

	strategy                  Strategy
	globalTimeout             time.Duration
	maxConcurrentHealthChecks int

	statsMu          sync.Mutex
	requestCount     int64
	failoverCount    int64
	lastReset        time.Time
	lastUsedProvider string

	rrMu    sync.Mutex
	rrIndex int

	rndMu sync.Mutex
	rnd   *rand.Rand

	monitorMu     sync.Mutex
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}

	log *logrus.Entry
}

// NewFactory creates a factory with the given selection strategy.
func NewFactory(strategy Strategy, globalTimeout time.Duration, maxConcurrentHealthChecks int, logger *logrus.Logger) *Factory {
	if globalTimeout <= 0 {
		globalTimeout = 30 * time.Second
	}
	if maxConcurrentHealthChecks <= 0 {
		maxConcurrentHealthChecks = 5
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	f := &Factory{
		entries:                   make(map[string]*entry),
		strategy:                  strategy,
		globalTimeout:             globalTimeout,
		maxConcurrentHealthChecks: maxConcurrentHealthChecks,
		lastReset:                 time.Now(),
		rnd:                       rand.New(rand.NewSource(time.Now().UnixNano())),
		log:                       logger.WithField("component", "provider_factory"),
	}
	f.log.WithField("strategy", strategy).Info("provider factory initialized")
	return f
}

// Register adds a provider configuration before initialization.
func (f *Factory) Register(cfg *Config, construct Constructor) error {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if construct == nil {
		return fmt.Errorf("provider %s: constructor required", cfg.Name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.entries[cfg.Name]; exists {
		return fmt.Errorf("provider %s already registered", cfg.Name)
	}
	f.entries[cfg.Name] = &entry{
		config:      cfg,
		constructor: construct,
		stats:       newRuntimeStats(),
	}
	f.log.WithFields(logrus.Fields{"provider": cfg.Name, "priority": cfg.Priority}).Info("registered provider")
	return nil
}

// InitializeAll constructs and health-checks every enabled provider.
// It returns a map of provider name to initialization success.
func (f *Factory) InitializeAll(ctx context.Context) map[string]bool {
	f.mu.RLock()
	names := make([]string, 0, len(f.entries))
	for name := range f.entries {
		names = append(names, name)
	}
	f.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]bool, len(names))
	initialized := 0
	for _, name := range names {
		ok := f.initializeProvider(ctx, name)
		results[name] = ok
		if ok {
			initialized++
		}
	}
	f.log.WithFields(logrus.Fields{"initialized": initialized, "total": len(results)}).Info("provider initialization complete")
	return results
}

func (f *Factory) initializeProvider(ctx context.Context, name string) bool {
	f.mu.RLock()
	e := f.entries[name]
	f.mu.RUnlock()
	if e == nil {
		return false
	}

	if !e.config.Enabled {
		e.stats.setStatus(StatusDisabled)
		return false
	}

	adapter, err := e.constructor(e.config)
	if err != nil {
		f.log.WithError(err).WithField("provider", name).Error("failed to construct provider")
		e.stats.setStatus(StatusUnhealthy)
		return false
	}

	f.mu.Lock()
	e.adapter = adapter
	f.mu.Unlock()

	checkCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()
	if err := adapter.HealthCheck(checkCtx); err != nil {
		f.log.WithError(err).WithField("provider", name).Warn("provider unhealthy at startup")
		e.stats.setStatus(StatusUnhealthy)
		return false
	}

	e.stats.setStatus(StatusHealthy)
	f.log.WithField("provider", name).Info("provider initialized")
	return true
}

// Adapter returns the live adapter for a provider name, or nil.
func (f *Factory) Adapter(name string) Provider {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if e := f.entries[name]; e != nil {
		return e.adapter
	}
	return nil
}

// Selection

// availableFor lists providers that are enabled, healthy or degraded,
// breaker-closed, initialized, and able to serve op.
func (f *Factory) availableFor(op Operation) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	now := time.Now()
	available := make([]string, 0, len(f.entries))
	for name, e := range f.entries {
		if !e.config.Enabled || e.adapter == nil {
			continue
		}
		status := e.stats.getStatus()
		if status != StatusHealthy && status != StatusDegraded {
			continue
		}
		if e.stats.circuitOpen(e.config.CircuitBreakerTimeout, now) {
			continue
		}
		if op != "" && !e.adapter.Capabilities().SupportsOperation(op) {
			continue
		}
		available = append(available, name)
	}
	sort.Strings(available)
	return available
}

func (f *Factory) selectProvider(op Operation) string {
	available := f.availableFor(op)
	if len(available) == 0 {
		return ""
	}

	switch f.strategy {
	case StrategyRoundRobin:
		return f.pickRoundRobin(available)
	case StrategyHealthBased:
		return f.pickHealthBased(available)
	case StrategyLoadBalanced:
		return f.pickLoadBalanced(available)
	default:
		return f.pickByPriority(available)
	}
}

func (f *Factory) pickByPriority(available []string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	best := available[0]
	for _, name := range available[1:] {
		if f.entries[name].config.Priority < f.entries[best].config.Priority {
			best = name
		}
	}
	return best
}

func (f *Factory) pickRoundRobin(available []string) string {
	f.rrMu.Lock()
	defer f.rrMu.Unlock()
	if f.rrIndex >= len(available) {
		f.rrIndex = 0
	}
	selected := available[f.rrIndex]
	f.rrIndex = (f.rrIndex + 1) % len(available)
	return selected
}

// pickHealthBased scores each candidate as a weighted mix of success
// rate and speed, where speed degrades linearly up to a 10s worst case.
func (f *Factory) pickHealthBased(available []string) string {
	const (
		successWeight   = 0.7
		speedWeight     = 0.3
		maxResponseTime = 10.0
	)

	f.mu.RLock()
	defer f.mu.RUnlock()

	best := ""
	bestScore := -1.0
	for _, name := range available {
		e := f.entries[name]
		snap := e.stats.snapshot(e.config.CircuitBreakerTimeout)
		speedScore := 100 - (snap.AverageResponseTime.Seconds()/maxResponseTime)*100
		if speedScore < 0 {
			speedScore = 0
		}
		score := successWeight*snap.SuccessRate + speedWeight*speedScore
		if score > bestScore {
			best = name
			bestScore = score
		}
	}
	return best
}

// pickLoadBalanced does a weighted random pick favoring providers with
// fewer requests per minute since the last statistics reset.
func (f *Factory) pickLoadBalanced(available []string) string {
	f.statsMu.Lock()
	minutes := time.Since(f.lastReset).Minutes()
	f.statsMu.Unlock()
	if minutes < 1 {
		minutes = 1
	}

	f.mu.RLock()
	weights := make([]float64, len(available))
	total := 0.0
	for i, name := range available {
		snap := f.entries[name].stats.snapshot(f.entries[name].config.CircuitBreakerTimeout)
		load := float64(snap.TotalRequests) / minutes
		weights[i] = 1.0 / (load + 1.0)
		total += weights[i]
	}
	f.mu.RUnlock()

	if total == 0 {
		return available[0]
	}

	f.rndMu.Lock()
	target := f.rnd.Float64() * total
	f.rndMu.Unlock()

	cumulative := 0.0
	for i, name := range available {
		cumulative += weights[i]
		if target <= cumulative {
			return name
		}
	}
	return available[0]
}

// Execution with failover

// Execute runs call against providers chosen by the strategy, failing
// over until one succeeds or the retry budget is spent. Retries are
// spent across providers, not repeated against one.
func (f *Factory) Execute(ctx context.Context, op Operation, opts ExecOptions, call Call) (*Response, error) {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = f.globalTimeout
	}

	attempted := make(map[string]bool, maxRetries)
	attemptedOrder := make([]string, 0, maxRetries)
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, NewError("factory", KindTransient, "request cancelled", err)
		}

		name := f.selectProvider(op)
		if name == "" {
			if len(attempted) > 0 {
				break
			}
			return nil, NewError("factory", KindAllFailed, "no available providers for request", nil)
		}

		if attempted[name] {
			name = f.firstUnattempted(op, attempted)
			if name == "" {
				break
			}
		}
		attempted[name] = true
		attemptedOrder = append(attemptedOrder, name)

		f.mu.RLock()
		e := f.entries[name]
		f.mu.RUnlock()

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		resp, err := call(callCtx, e.adapter)
		cancel()

		if err == nil && resp != nil {
			e.stats.recordSuccess(time.Since(start))
			f.statsMu.Lock()
			f.requestCount++
			f.lastUsedProvider = name
			f.statsMu.Unlock()

			resp.Provider = name
			resp.Attempted = attemptedOrder[:len(attemptedOrder)-1]
			f.log.WithFields(logrus.Fields{"provider": name, "operation": op}).Debug("request successful")
			return resp, nil
		}

		if err == nil {
			err = NewError(name, KindTransient, "provider returned empty response", nil)
		}
		lastErr = err

		switch KindOf(err) {
		case KindRateLimited:
			// Rate limits skip this provider without touching its
			// health accounting.
			f.log.WithField("provider", name).Warn("rate limit exceeded, skipping provider")
		case KindNotFound:
			e.stats.recordMiss()
			f.log.WithFields(logrus.Fields{"provider": name, "operation": op}).Debug("symbol not found at provider")
		case KindAuth:
			if e.stats.recordFailure(e.config.CircuitBreakerThreshold) {
				f.log.WithField("provider", name).Warn("circuit breaker opened")
			}
			e.stats.setStatusOnly(StatusUnhealthy)
			f.log.WithField("provider", name).Error("authentication failed, provider needs operational review")
		default:
			if e.stats.recordFailure(e.config.CircuitBreakerThreshold) {
				f.log.WithField("provider", name).Warn("circuit breaker opened")
			}
			f.log.WithError(err).WithField("provider", name).Warn("request failed")
		}

		// A failover is counted only when another provider will
		// actually be tried.
		if attempt < maxRetries-1 && f.firstUnattempted(op, attempted) != "" {
			f.statsMu.Lock()
			f.failoverCount++
			f.statsMu.Unlock()
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, NewError("factory", KindAllFailed, fmt.Sprintf("all providers failed after %d attempts", maxRetries), nil)
}

func (f *Factory) firstUnattempted(op Operation, attempted map[string]bool) string {
	for _, name := range f.availableFor(op) {
		if !attempted[name] {
			return name
		}
	}
	return ""
}

// Convenience wrappers

// GetStockQuote fetches a stock quote with failover.
func (f *Factory) GetStockQuote(ctx context.Context, symbol string) (*Response, error) {
	return f.Execute(ctx, OpQuote, ExecOptions{}, func(ctx context.Context, p Provider) (*Response, error) {
		return p.GetQuote(ctx, symbol, models.AssetTypeStock)
	})
}

// GetCryptoQuote fetches a crypto quote with failover.
func (f *Factory) GetCryptoQuote(ctx context.Context, symbol string) (*Response, error) {
	return f.Execute(ctx, OpQuote, ExecOptions{}, func(ctx context.Context, p Provider) (*Response, error) {
		return p.GetQuote(ctx, symbol, models.AssetTypeCrypto)
	})
}

// GetStockProfile fetches a company profile with failover.
func (f *Factory) GetStockProfile(ctx context.Context, symbol string) (*Response, error) {
	return f.Execute(ctx, OpProfile, ExecOptions{}, func(ctx context.Context, p Provider) (*Response, error) {
		return p.GetProfile(ctx, symbol)
	})
}

// GetHistoricalData fetches a historical series with failover.
func (f *Factory) GetHistoricalData(ctx context.Context, symbol string, period models.Period, interval models.Interval) (*Response, error) {
	return f.Execute(ctx, OpHistorical, ExecOptions{}, func(ctx context.Context, p Provider) (*Response, error) {
		return p.GetHistorical(ctx, symbol, period, interval)
	})
}

// SearchSecurities searches for symbols with failover.
func (f *Factory) SearchSecurities(ctx context.Context, query string, assetTypes []models.AssetType, limit int) (*Response, error) {
	return f.Execute(ctx, OpSearch, ExecOptions{}, func(ctx context.Context, p Provider) (*Response, error) {
		return p.Search(ctx, query, assetTypes, limit)
	})
}

// GetMarketOverview fetches the market overview with failover.
func (f *Factory) GetMarketOverview(ctx context.Context) (*Response, error) {
	return f.Execute(ctx, OpOverview, ExecOptions{}, func(ctx context.Context, p Provider) (*Response, error) {
		return p.GetMarketOverview(ctx)
	})
}

// Health monitoring

// StartHealthMonitoring launches the background health loop. Checks
// run when a provider's last check is older than its configured
// interval, with bounded parallelism. Monitoring never blocks request
// handling.
func (f *Factory) StartHealthMonitoring(ctx context.Context) {
	f.monitorMu.Lock()
	defer f.monitorMu.Unlock()
	if f.monitorCancel != nil {
		return
	}

	monitorCtx, cancel := context.WithCancel(ctx)
	f.monitorCancel = cancel
	f.monitorDone = make(chan struct{})

	go f.runHealthMonitoring(monitorCtx)
	f.log.Info("started health monitoring")
}

// StopHealthMonitoring stops the background health loop and waits for
// in-flight checks to finish.
func (f *Factory) StopHealthMonitoring() {
	f.monitorMu.Lock()
	cancel := f.monitorCancel
	done := f.monitorDone
	f.monitorCancel = nil
	f.monitorDone = nil
	f.monitorMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (f *Factory) runHealthMonitoring(ctx context.Context) {
	defer close(f.monitorDone)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.log.Info("health monitoring stopped")
			return
		case <-ticker.C:
			f.runDueHealthChecks(ctx)
		}
	}
}

func (f *Factory) runDueHealthChecks(ctx context.Context) {
	f.mu.RLock()
	due := make([]string, 0, len(f.entries))
	for name, e := range f.entries {
		if !e.config.Enabled || e.adapter == nil {
			continue
		}
		if time.Since(e.stats.lastChecked()) >= e.config.HealthCheckInterval {
			due = append(due, name)
		}
	}
	f.mu.RUnlock()
	sort.Strings(due)

	g, checkCtx := errgroup.WithContext(ctx)
	g.SetLimit(f.maxConcurrentHealthChecks)
	for _, name := range due {
		name := name
		g.Go(func() error {
			f.healthCheckProvider(checkCtx, name)
			return nil
		})
	}
	_ = g.Wait()
}

func (f *Factory) healthCheckProvider(ctx context.Context, name string) {
	f.mu.RLock()
	e := f.entries[name]
	f.mu.RUnlock()
	if e == nil || e.adapter == nil {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	err := e.adapter.HealthCheck(checkCtx)
	status := StatusHealthy
	if err != nil {
		status = StatusUnhealthy
	}

	previous := e.stats.setStatus(status)
	switch {
	case previous == StatusUnhealthy && status == StatusHealthy:
		f.log.WithField("provider", name).Info("provider recovered")
	case previous == StatusHealthy && status == StatusUnhealthy:
		f.log.WithError(err).WithField("provider", name).Warn("provider became unhealthy")
	}
}

// Status and statistics

// FactoryInfo describes the factory's configuration and activity.
type FactoryInfo struct {
	FailoverStrategy       Strategy `json:"failover_strategy"`
	HealthMonitoringActive bool     `json:"health_monitoring_active"`
	UptimeSeconds          float64  `json:"uptime_seconds"`
	LastUsedProvider       string   `json:"last_used_provider"`
}

// FactoryStatistics aggregates request counters across providers.
type FactoryStatistics struct {
	TotalRequests       int64   `json:"total_requests"`
	FailoverCount       int64   `json:"failover_count"`
	RequestsPerMinute   float64 `json:"requests_per_minute"`
	FailoverRatePercent float64 `json:"failover_rate"`
}

// ProviderReport combines one provider's config summary and runtime
// snapshot.
type ProviderReport struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`
	Tier     Tier   `json:"tier"`
	StatsSnapshot
}

// FactoryStatus is the full status report.
type FactoryStatus struct {
	FactoryInfo        FactoryInfo               `json:"factory_info"`
	Statistics         FactoryStatistics         `json:"statistics"`
	Providers          map[string]ProviderReport `json:"providers"`
	AvailableProviders []string                  `json:"available_providers"`
	Timestamp          time.Time                 `json:"timestamp"`
}

// Status returns per-provider stats, global counters, and the list of
// currently selectable providers.
func (f *Factory) Status() *FactoryStatus {
	f.statsMu.Lock()
	uptime := time.Since(f.lastReset).Seconds()
	requests := f.requestCount
	failovers := f.failoverCount
	lastUsed := f.lastUsedProvider
	f.statsMu.Unlock()

	minutes := uptime / 60
	if minutes < 1 {
		minutes = 1
	}
	denominator := requests
	if denominator < 1 {
		denominator = 1
	}

	f.monitorMu.Lock()
	monitoring := f.monitorCancel != nil
	f.monitorMu.Unlock()

	f.mu.RLock()
	reports := make(map[string]ProviderReport, len(f.entries))
	for name, e := range f.entries {
		reports[name] = ProviderReport{
			Name:          name,
			Priority:      e.config.Priority,
			Enabled:       e.config.Enabled,
			Tier:          e.config.Tier,
			StatsSnapshot: e.stats.snapshot(e.config.CircuitBreakerTimeout),
		}
	}
	f.mu.RUnlock()

	return &FactoryStatus{
		FactoryInfo: FactoryInfo{
			FailoverStrategy:       f.strategy,
			HealthMonitoringActive: monitoring,
			UptimeSeconds:          uptime,
			LastUsedProvider:       lastUsed,
		},
		Statistics: FactoryStatistics{
			TotalRequests:       requests,
			FailoverCount:       failovers,
			RequestsPerMinute:   float64(requests) / minutes,
			FailoverRatePercent: float64(failovers) / float64(denominator) * 100,
		},
		Providers:          reports,
		AvailableProviders: f.availableFor(""),
		Timestamp:          time.Now(),
	}
}

// ProviderHealth returns a name to status snapshot for provenance.
func (f *Factory) ProviderHealth() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	health := make(map[string]string, len(f.entries))
	for name, e := range f.entries {
		health[name] = string(e.stats.getStatus())
	}
	return health
}

// LastUsedProvider returns the provider that served the most recent
// successful request.
func (f *Factory) LastUsedProvider() string {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	return f.lastUsedProvider
}

// FailoverCount returns the global failover counter.
func (f *Factory) FailoverCount() int64 {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	return f.failoverCount
}

// ResetStatistics zeroes the global and per-provider counters.
func (f *Factory) ResetStatistics() {
	f.statsMu.Lock()
	f.requestCount = 0
	f.failoverCount = 0
	f.lastReset = time.Now()
	f.statsMu.Unlock()

	f.mu.RLock()
	for _, e := range f.entries {
		e.stats.reset()
	}
	f.mu.RUnlock()

	f.log.Info("factory statistics reset")
}

// Close stops health monitoring and tears down every adapter.
func (f *Factory) Close() error {
	f.StopHealthMonitoring()

	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for name, e := range f.entries {
		if e.adapter == nil {
			continue
		}
		if err := e.adapter.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing provider %s: %w", name, err)
		}
		e.adapter = nil
	}
	return firstErr
}
