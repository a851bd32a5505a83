package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Window names a sliding rate-limit window.
type Window string

// Rate-limit windows. Burst is a short window that smooths micro-spikes.
const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
	WindowBurst  Window = "burst"
)

var windowDurations = map[Window]time.Duration{
	WindowMinute: time.Minute,
	WindowHour:   time.Hour,
	WindowDay:    24 * time.Hour,
	WindowBurst:  10 * time.Second,
}

// orderedWindows is the evaluation order for admission checks.
var orderedWindows = []Window{WindowMinute, WindowHour, WindowDay, WindowBurst}

// Budget holds the per-window request limits for one provider.
type Budget struct {
	PerMinute int `json:"requests_per_minute"`
	PerHour   int `json:"requests_per_hour"`
	PerDay    int `json:"requests_per_day"`
	Burst     int `json:"burst_limit"`
}

// Validate checks that window limits are monotonic.
func (b Budget) Validate() error {
	if b.PerMinute <= 0 || b.PerHour <= 0 || b.PerDay <= 0 || b.Burst <= 0 {
		return fmt.Errorf("rate budget limits must be positive: %+v", b)
	}
	if b.PerMinute > b.PerHour || b.PerHour > b.PerDay {
		return fmt.Errorf("rate budget must be monotonic (minute <= hour <= day): %+v", b)
	}
	return nil
}

func (b Budget) limitFor(w Window) int {
	switch w {
	case WindowMinute:
		return b.PerMinute
	case WindowHour:
		return b.PerHour
	case WindowDay:
		return b.PerDay
	case WindowBurst:
		return b.Burst
	}
	return 0
}

// DefaultBudgets returns the shipped per-provider budgets. They are
// overridable via Limiter configuration.
func DefaultBudgets() map[string]Budget {
	return map[string]Budget{
		"fmp":           {PerMinute: 300, PerHour: 5000, PerDay: 25000, Burst: 10},
		"yahoo":         {PerMinute: 100, PerHour: 2000, PerDay: 10000, Burst: 5},
		"alpha_vantage": {PerMinute: 5, PerHour: 500, PerDay: 500, Burst: 2},
		"polygon":       {PerMinute: 200, PerHour: 10000, PerDay: 50000, Burst: 8},
	}
}

// WindowUsage reports the current count against the limit for one window.
type WindowUsage struct {
	Count   int64 `json:"count"`
	Limit   int   `json:"limit"`
	ResetAt int64 `json:"reset_at"`
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed        bool                   `json:"allowed"`
	Provider       string                 `json:"provider"`
	Endpoint       string                 `json:"endpoint"`
	Usage          map[Window]WindowUsage `json:"usage"`
	ExceededWindow Window                 `json:"exceeded_window,omitempty"`
	RetryAfter     time.Duration          `json:"retry_after,omitempty"`
}

// Limiter is a Redis-backed sliding-window rate limiter keyed by
// (provider, endpoint-class). It is the authoritative admission gate
// for outbound provider calls.
type Limiter struct {
	client  redis.UniversalClient
	budgets map[string]Budget
	log     *logrus.Entry
	mu      sync.RWMutex
}

// New creates a limiter with the given per-provider budgets. Providers
// absent from the map are not limited.
func New(client redis.UniversalClient, budgets map[string]Budget, logger *logrus.Logger) (*Limiter, error) {
	if budgets == nil {
		budgets = DefaultBudgets()
	}
	for provider, b := range budgets {
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("provider %s: %w", provider, err)
		}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Limiter{
		client:  client,
		budgets: budgets,
		log:     logger.WithField("component", "rate_limiter"),
	}, nil
}

// SetBudget overrides the budget for one provider.
func (l *Limiter) SetBudget(provider string, b Budget) error {
	if err := b.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.budgets[provider] = b
	l.mu.Unlock()
	return nil
}

func (l *Limiter) budgetFor(provider string) (Budget, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.budgets[provider]
	return b, ok
}

func windowKey(provider, endpoint string, w Window) string {
	return fmt.Sprintf("rate_limit:%s:%s:%s", provider, endpoint, w)
}

// Allow checks every window for (provider, endpoint) and, only when
// all windows pass, records the request in each of them. Counting and
// recording are two pipelined batches: a denied request leaves no
// trace, so callers that back off for retry_after are not starved by
// their own rejected attempts.
//
// The limiter fails open: a Redis error admits the request and is
// logged, so an unreachable backend degrades to unlimited rather than
// blocking all traffic.
func (l *Limiter) Allow(ctx context.Context, provider, endpoint string) *Decision {
	decision := &Decision{
		Allowed:  true,
		Provider: provider,
		Endpoint: endpoint,
		Usage:    make(map[Window]WindowUsage),
	}

	budget, ok := l.budgetFor(provider)
	if !ok {
		l.log.WithField("provider", provider).Warn("no rate budget configured, allowing request")
		return decision
	}

	now := time.Now()

	// First batch: evict expired members and count what remains.
	cards := make(map[Window]*redis.IntCmd, len(orderedWindows))
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range orderedWindows {
			key := windowKey(provider, endpoint, w)
			cutoff := now.Add(-windowDurations[w]).UnixMilli()
			pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
			cards[w] = pipe.ZCard(ctx, key)
		}
		return nil
	})
	if err != nil {
		l.log.WithError(err).Warn("rate limit check failed, allowing request")
		return decision
	}

	for _, w := range orderedWindows {
		count := cards[w].Val()
		limit := budget.limitFor(w)
		decision.Usage[w] = WindowUsage{
			Count:   count,
			Limit:   limit,
			ResetAt: now.Add(windowDurations[w]).Unix(),
		}
		if count >= int64(limit) {
			decision.Allowed = false
			decision.ExceededWindow = w
			decision.RetryAfter = windowDurations[w]
			l.log.WithFields(logrus.Fields{
				"provider": provider,
				"endpoint": endpoint,
				"window":   w,
				"current":  count,
				"limit":    limit,
			}).Warn("rate limit exceeded")
			return decision
		}
	}

	// Second batch: every window passed, record the request. Members
	// are nanosecond timestamps so near-simultaneous callers never
	// collapse into one sorted-set entry; scores stay in milliseconds
	// to match the eviction cutoff.
	member := strconv.FormatInt(now.UnixNano(), 10)
	if _, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range orderedWindows {
			key := windowKey(provider, endpoint, w)
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
			pipe.Expire(ctx, key, windowDurations[w])
		}
		return nil
	}); err != nil {
		l.log.WithError(err).Warn("rate limit record failed")
	}

	for _, w := range orderedWindows {
		u := decision.Usage[w]
		u.Count++
		decision.Usage[w] = u
	}
	return decision
}

// Status returns the current usage in every window for a provider,
// aggregated across endpoint classes, without recording a request.
// Expired members are evicted on the way; live ones are left intact.
func (l *Limiter) Status(ctx context.Context, provider string) (map[Window]WindowUsage, error) {
	budget, ok := l.budgetFor(provider)
	if !ok {
		return nil, fmt.Errorf("no rate budget configured for provider %s", provider)
	}

	now := time.Now()
	usage := make(map[Window]WindowUsage, len(orderedWindows))
	for _, w := range orderedWindows {
		keys, err := l.scanKeys(ctx, fmt.Sprintf("rate_limit:%s:*:%s", provider, w))
		if err != nil {
			return nil, fmt.Errorf("rate limit status for %s: %w", provider, err)
		}

		cutoff := strconv.FormatInt(now.Add(-windowDurations[w]).UnixMilli(), 10)
		var total int64
		for _, key := range keys {
			if err := l.client.ZRemRangeByScore(ctx, key, "0", cutoff).Err(); err != nil {
				return nil, fmt.Errorf("rate limit status for %s: %w", provider, err)
			}
			count, err := l.client.ZCard(ctx, key).Result()
			if err != nil {
				return nil, fmt.Errorf("rate limit status for %s: %w", provider, err)
			}
			total += count
		}
		usage[w] = WindowUsage{
			Count:   total,
			Limit:   budget.limitFor(w),
			ResetAt: now.Add(windowDurations[w]).Unix(),
		}
	}
	return usage, nil
}

// Reset clears all recorded requests for a provider across every
// endpoint and window.
func (l *Limiter) Reset(ctx context.Context, provider string) (int64, error) {
	keys, err := l.scanKeys(ctx, fmt.Sprintf("rate_limit:%s:*", provider))
	if err != nil {
		return 0, fmt.Errorf("rate limit reset for %s: %w", provider, err)
	}

	var removed int64
	if len(keys) > 0 {
		removed, err = l.client.Del(ctx, keys...).Result()
		if err != nil {
			return removed, fmt.Errorf("rate limit reset for %s: %w", provider, err)
		}
	}
	l.log.WithFields(logrus.Fields{"provider": provider, "keys_deleted": removed}).Info("rate limits reset")
	return removed, nil
}

func (l *Limiter) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := l.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
