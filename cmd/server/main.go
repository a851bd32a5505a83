package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"market-data-service/internal/cache"
	"market-data-service/internal/config"
	"market-data-service/internal/marketdata"
	"market-data-service/internal/metrics"
	"market-data-service/internal/models"
	"market-data-service/internal/providers"
	"market-data-service/internal/providers/fmp"
	"market-data-service/internal/providers/yahoo"
	"market-data-service/internal/ratelimit"
)

func main() {
	cfg := config.Load()

	logger := logrus.New()
	if cfg.IsProduction() {
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetLevel(logrus.InfoLevel)
		gin.SetMode(gin.ReleaseMode)
	} else {
		logger.SetLevel(logrus.DebugLevel)
	}
	log := logger.WithField("component", "server")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Redis backs the cache and the shared rate limit budgets. The
	// service still serves requests when Redis is down; both concerns
	// degrade to pass-through.
	rdb, err := newRedisClient(cfg)
	if err != nil {
		log.WithError(err).Fatal("invalid redis configuration")
	}

	var cacheSvc *cache.Service
	var limiter *ratelimit.Limiter
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.Timeout)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Warn("redis unreachable, running without cache and shared rate limits")
	} else {
		cacheSvc = cache.NewService(rdb, logger)
		limiter, err = ratelimit.New(rdb, ratelimit.DefaultBudgets(), logger)
		if err != nil {
			log.WithError(err).Fatal("failed to initialize rate limiter")
		}
	}
	cancel()

	metricsSet := metrics.New(prometheus.DefaultRegisterer)

	strategy, err := providers.ParseStrategy(cfg.Failover.Strategy)
	if err != nil {
		log.WithError(err).Fatal("invalid failover strategy")
	}
	factory := providers.NewFactory(
		strategy,
		cfg.Failover.GlobalTimeout,
		cfg.Failover.MaxConcurrentHealthChecks,
		logger,
	)
	if err := registerProviders(factory, cfg, limiter, cacheSvc, logger); err != nil {
		log.WithError(err).Fatal("failed to register providers")
	}

	results := factory.InitializeAll(ctx)
	healthy := 0
	for name, ok := range results {
		if ok {
			healthy++
		} else {
			log.WithField("provider", name).Warn("provider failed initialization")
		}
	}
	if healthy == 0 {
		log.Warn("no provider passed its startup health check, continuing degraded")
	}
	factory.StartHealthMonitoring(ctx)

	detector := marketdata.NewDetector(marketdata.AnomalyConfig{
		Enabled:                 cfg.Detection.Enabled,
		PriceChangeThresholdPct: cfg.Detection.PriceChangeThresholdPct,
		VolumeSpikeMultiplier:   cfg.Detection.VolumeSpikeMultiplier,
		VolumeWindow:            cfg.Detection.VolumeWindow,
	})
	service := marketdata.NewService(factory, cacheSvc, limiter, detector, metricsSet, logger)

	if cfg.Warmer.Enabled && cacheSvc != nil {
		startCacheWarming(ctx, cfg, cacheSvc, factory, logger)
	}

	srv := newServer(cfg, service, factory, cacheSvc, limiter, logger)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("0.0.0.0:%d", cfg.Server.Port),
		Handler:      srv.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"addr":        httpServer.Addr,
			"environment": cfg.Environment,
			"providers":   len(results),
		}).Info("market data service starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("forced server shutdown")
	}
	if err := factory.Close(); err != nil {
		log.WithError(err).Error("provider shutdown failed")
	}
	if err := rdb.Close(); err != nil {
		log.WithError(err).Error("redis shutdown failed")
	}
	log.Info("server exited")
}

func newRedisClient(cfg *config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opts.DB = cfg.Redis.DB
	}
	opts.PoolSize = cfg.Redis.PoolSize
	opts.DialTimeout = cfg.Redis.Timeout
	opts.ReadTimeout = cfg.Redis.Timeout
	opts.WriteTimeout = cfg.Redis.Timeout
	return redis.NewClient(opts), nil
}

func allCapabilities() providers.Capabilities {
	return providers.Capabilities{
		AssetTypes: []models.AssetType{models.AssetTypeStock, models.AssetTypeCrypto},
		Operations: []providers.Operation{
			providers.OpQuote, providers.OpProfile, providers.OpHistorical,
			providers.OpSearch, providers.OpOverview,
		},
	}
}

func registerProviders(factory *providers.Factory, cfg *config.Config, limiter *ratelimit.Limiter, cacheSvc *cache.Service, logger *logrus.Logger) error {
	if cfg.Providers.FMP.APIKey != "" {
		fmpCfg := &providers.Config{
			Name:                    "fmp",
			Enabled:                 true,
			Priority:                cfg.Providers.FMP.Priority,
			APIKey:                  cfg.Providers.FMP.APIKey,
			BaseURL:                 cfg.Providers.FMP.BaseURL,
			Timeout:                 cfg.Providers.FMP.Timeout,
			MaxRetries:              cfg.Providers.FMP.MaxRetries,
			RateLimitPerMinute:      cfg.Providers.FMP.RateLimitPerMinute,
			CircuitBreakerThreshold: cfg.Providers.FMP.CircuitBreakerThreshold,
			CircuitBreakerTimeout:   cfg.Providers.FMP.CircuitBreakerTimeout,
			HealthCheckInterval:     cfg.Providers.FMP.HealthCheckInterval,
			Tier:                    providers.TierPremium,
			Capabilities:            allCapabilities(),
		}
		if err := factory.Register(fmpCfg, func(c *providers.Config) (providers.Provider, error) {
			return fmp.New(c, limiter, cacheSvc, logger)
		}); err != nil {
			return err
		}
	}

	yahooCfg := &providers.Config{
		Name:                    "yahoo",
		Enabled:                 true,
		Priority:                cfg.Providers.Yahoo.Priority,
		BaseURL:                 cfg.Providers.Yahoo.BaseURL,
		Timeout:                 cfg.Providers.Yahoo.Timeout,
		MaxRetries:              cfg.Providers.Yahoo.MaxRetries,
		RateLimitPerMinute:      cfg.Providers.Yahoo.RateLimitPerMinute,
		CircuitBreakerThreshold: cfg.Providers.Yahoo.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   cfg.Providers.Yahoo.CircuitBreakerTimeout,
		HealthCheckInterval:     cfg.Providers.Yahoo.HealthCheckInterval,
		Tier:                    providers.TierFree,
		Capabilities:            allCapabilities(),
	}
	return factory.Register(yahooCfg, func(c *providers.Config) (providers.Provider, error) {
		return yahoo.New(c, limiter, cacheSvc, logger)
	})
}

// startCacheWarming pre-populates quotes and profiles for the popular
// symbols on a schedule.
func startCacheWarming(ctx context.Context, cfg *config.Config, cacheSvc *cache.Service, factory *providers.Factory, logger *logrus.Logger) {
	fetch := func(ctx context.Context, provider, symbol string, level cache.Level) (interface{}, error) {
		adapter := factory.Adapter(provider)
		if adapter == nil {
			return nil, fmt.Errorf("provider %q not registered", provider)
		}
		switch level {
		case cache.LevelProfiles:
			resp, err := adapter.GetProfile(ctx, symbol)
			if err != nil {
				return nil, err
			}
			return resp.Data, nil
		default:
			resp, err := adapter.GetQuote(ctx, symbol, models.AssetTypeStock)
			if err != nil {
				return nil, err
			}
			return resp.Data, nil
		}
	}

	warmCfg := cache.DefaultWarmConfig()
	if len(cfg.Warmer.Symbols) > 0 {
		warmCfg.Symbols = cfg.Warmer.Symbols
	}
	warmer := cache.NewWarmer(cacheSvc, fetch, warmCfg, logger)
	go warmer.Run(ctx, cfg.Warmer.Interval)
}
