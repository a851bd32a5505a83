package cache

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// FetchFunc produces the value to pre-populate for one
// (provider, symbol, level) combination.
type FetchFunc func(ctx context.Context, provider, symbol string, level Level) (interface{}, error)

// WarmConfig selects what the warmer pre-populates.
type WarmConfig struct {
	Symbols   []string
	Providers []string
	Levels    []Level
}

// DefaultWarmConfig returns the shipped warming selection: widely
// requested symbols at the quote and profile levels.
func DefaultWarmConfig() WarmConfig {
	return WarmConfig{
		Symbols: []string{
			"AAPL", "GOOGL", "MSFT", "AMZN", "TSLA",
			"NVDA", "META", "NFLX", "BTC-USD", "ETH-USD",
		},
		Providers: []string{"yahoo", "fmp"},
		Levels:    []Level{LevelQuotes, LevelProfiles},
	}
}

// WarmStats summarizes one warming pass.
type WarmStats struct {
	Success int `json:"success"`
	Errors  int `json:"errors"`
	Skipped int `json:"skipped"`
}

// Warmer pre-populates cache entries on a schedule. Existing entries
// are never overwritten.
type Warmer struct {
	cache  *Service
	fetch  FetchFunc
	config WarmConfig
	log    *logrus.Entry
}

// NewWarmer creates a warmer over the given cache service.
func NewWarmer(cache *Service, fetch FetchFunc, config WarmConfig, logger *logrus.Logger) *Warmer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if len(config.Symbols) == 0 {
		config = DefaultWarmConfig()
	}
	return &Warmer{
		cache:  cache,
		fetch:  fetch,
		config: config,
		log:    logger.WithField("component", "cache_warmer"),
	}
}

// WarmOnce runs a single warming pass over the configured selection.
func (w *Warmer) WarmOnce(ctx context.Context) WarmStats {
	stats := WarmStats{}

	w.log.WithFields(logrus.Fields{
		"symbols":   len(w.config.Symbols),
		"providers": w.config.Providers,
	}).Info("starting cache warming")

	for _, provider := range w.config.Providers {
		for _, level := range w.config.Levels {
			for _, symbol := range w.config.Symbols {
				if ctx.Err() != nil {
					return stats
				}

				value, err := w.fetch(ctx, provider, symbol, level)
				if err != nil {
					stats.Errors++
					w.log.WithError(err).WithFields(logrus.Fields{
						"provider": provider,
						"symbol":   symbol,
						"level":    level,
					}).Warn("cache warming fetch failed")
					continue
				}

				written, err := w.cache.SetIfAbsent(ctx, level, provider, symbol, nil, value, 0)
				switch {
				case err != nil:
					stats.Errors++
				case written:
					stats.Success++
				default:
					stats.Skipped++
				}
			}
		}
	}

	w.log.WithFields(logrus.Fields{
		"success": stats.Success,
		"errors":  stats.Errors,
		"skipped": stats.Skipped,
	}).Info("cache warming completed")
	return stats
}

// Run repeats warming passes until the context is cancelled.
func (w *Warmer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.WarmOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.WarmOnce(ctx)
		}
	}
}
