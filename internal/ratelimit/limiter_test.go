package ratelimit

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, budgets map[string]Budget) (*Limiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	limiter, err := New(client, budgets, logger)
	require.NoError(t, err)
	return limiter, mr
}

func TestBudgetValidation(t *testing.T) {
	t.Run("monotonic budgets accepted", func(t *testing.T) {
		b := Budget{PerMinute: 10, PerHour: 100, PerDay: 1000, Burst: 5}
		assert.NoError(t, b.Validate())
	})

	t.Run("minute above hour rejected", func(t *testing.T) {
		b := Budget{PerMinute: 200, PerHour: 100, PerDay: 1000, Burst: 5}
		assert.Error(t, b.Validate())
	})

	t.Run("non positive limits rejected", func(t *testing.T) {
		b := Budget{PerMinute: 0, PerHour: 100, PerDay: 1000, Burst: 5}
		assert.Error(t, b.Validate())
	})

	t.Run("constructor rejects bad budget", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()

		_, err := New(client, map[string]Budget{
			"broken": {PerMinute: 50, PerHour: 10, PerDay: 100, Burst: 2},
		}, nil)
		assert.Error(t, err)
	})
}

func TestAllowWithinBudget(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[string]Budget{
		"fmp": {PerMinute: 3, PerHour: 10, PerDay: 20, Burst: 5},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		decision := limiter.Allow(ctx, "fmp", "quote")
		assert.True(t, decision.Allowed, "request %d should be admitted", i+1)
		assert.Equal(t, int64(i+1), decision.Usage[WindowMinute].Count)
	}

	decision := limiter.Allow(ctx, "fmp", "quote")
	assert.False(t, decision.Allowed)
	assert.Equal(t, WindowMinute, decision.ExceededWindow)
	assert.Equal(t, time.Minute, decision.RetryAfter)
}

func TestAllowBurstWindow(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[string]Budget{
		"yahoo": {PerMinute: 100, PerHour: 200, PerDay: 300, Burst: 2},
	})
	ctx := context.Background()

	assert.True(t, limiter.Allow(ctx, "yahoo", "chart").Allowed)
	assert.True(t, limiter.Allow(ctx, "yahoo", "chart").Allowed)

	decision := limiter.Allow(ctx, "yahoo", "chart")
	assert.False(t, decision.Allowed)
	assert.Equal(t, WindowBurst, decision.ExceededWindow)
	assert.Equal(t, 10*time.Second, decision.RetryAfter)
}

func TestAllowEndpointsIsolated(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[string]Budget{
		"fmp": {PerMinute: 1, PerHour: 10, PerDay: 20, Burst: 5},
	})
	ctx := context.Background()

	assert.True(t, limiter.Allow(ctx, "fmp", "quote").Allowed)
	assert.False(t, limiter.Allow(ctx, "fmp", "quote").Allowed)

	// A different endpoint class has its own windows.
	assert.True(t, limiter.Allow(ctx, "fmp", "profile").Allowed)
}

func TestAllowUnknownProvider(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[string]Budget{})
	decision := limiter.Allow(context.Background(), "nobody", "quote")
	assert.True(t, decision.Allowed)
	assert.Empty(t, decision.Usage)
}

func TestAllowEvictsExpiredEntries(t *testing.T) {
	limiter, mr := newTestLimiter(t, map[string]Budget{
		"fmp": {PerMinute: 2, PerHour: 10, PerDay: 20, Burst: 5},
	})
	ctx := context.Background()

	// Seed two entries from over a minute ago; they must not count
	// against the minute window.
	stale := time.Now().Add(-2 * time.Minute)
	for i := 0; i < 2; i++ {
		member := strconv.FormatInt(stale.UnixNano()+int64(i), 10)
		mr.ZAdd(windowKey("fmp", "quote", WindowMinute), float64(stale.UnixMilli()), member)
	}

	decision := limiter.Allow(ctx, "fmp", "quote")
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(1), decision.Usage[WindowMinute].Count)
}

func TestStatus(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[string]Budget{
		"fmp": {PerMinute: 5, PerHour: 10, PerDay: 20, Burst: 3},
	})
	ctx := context.Background()

	limiter.Allow(ctx, "fmp", "quote")
	limiter.Allow(ctx, "fmp", "quote")
	limiter.Allow(ctx, "fmp", "profile")

	// Usage is summed across endpoint classes.
	usage, err := limiter.Status(ctx, "fmp")
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage[WindowMinute].Count)
	assert.Equal(t, 5, usage[WindowMinute].Limit)
	assert.Equal(t, int64(3), usage[WindowDay].Count)

	// Reading status must not evict live entries.
	usage, err = limiter.Status(ctx, "fmp")
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage[WindowMinute].Count)

	_, err = limiter.Status(ctx, "unknown")
	assert.Error(t, err)
}

func TestStatusEvictsOnlyExpiredEntries(t *testing.T) {
	limiter, mr := newTestLimiter(t, map[string]Budget{
		"fmp": {PerMinute: 5, PerHour: 10, PerDay: 20, Burst: 3},
	})
	ctx := context.Background()

	stale := time.Now().Add(-2 * time.Minute)
	mr.ZAdd(windowKey("fmp", "quote", WindowMinute), float64(stale.UnixMilli()), "stale")
	limiter.Allow(ctx, "fmp", "quote")

	usage, err := limiter.Status(ctx, "fmp")
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage[WindowMinute].Count)

	members, err := mr.ZMembers(windowKey("fmp", "quote", WindowMinute))
	require.NoError(t, err)
	assert.Len(t, members, 1, "the live entry must survive a status read")
}

func TestDeniedRequestsDoNotConsumeBudget(t *testing.T) {
	limiter, mr := newTestLimiter(t, map[string]Budget{
		"fmp": {PerMinute: 2, PerHour: 10, PerDay: 20, Burst: 5},
	})
	ctx := context.Background()

	assert.True(t, limiter.Allow(ctx, "fmp", "quote").Allowed)
	assert.True(t, limiter.Allow(ctx, "fmp", "quote").Allowed)
	for i := 0; i < 3; i++ {
		decision := limiter.Allow(ctx, "fmp", "quote")
		assert.False(t, decision.Allowed)
		assert.Equal(t, int64(2), decision.Usage[WindowMinute].Count)
	}

	// Only the admitted requests are recorded; rejected attempts must
	// not re-saturate the window.
	members, err := mr.ZMembers(windowKey("fmp", "quote", WindowMinute))
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestReset(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[string]Budget{
		"fmp": {PerMinute: 1, PerHour: 10, PerDay: 20, Burst: 5},
	})
	ctx := context.Background()

	assert.True(t, limiter.Allow(ctx, "fmp", "quote").Allowed)
	assert.False(t, limiter.Allow(ctx, "fmp", "quote").Allowed)

	removed, err := limiter.Reset(ctx, "fmp")
	require.NoError(t, err)
	assert.Greater(t, removed, int64(0))

	assert.True(t, limiter.Allow(ctx, "fmp", "quote").Allowed)
}

func TestSetBudgetOverride(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[string]Budget{
		"fmp": {PerMinute: 1, PerHour: 10, PerDay: 20, Burst: 5},
	})
	ctx := context.Background()

	require.NoError(t, limiter.SetBudget("fmp", Budget{PerMinute: 3, PerHour: 10, PerDay: 20, Burst: 5}))

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow(ctx, "fmp", "quote").Allowed)
	}
	assert.False(t, limiter.Allow(ctx, "fmp", "quote").Allowed)
}
