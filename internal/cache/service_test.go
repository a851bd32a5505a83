package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewService(client, logger), mr
}

type testEntry struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

func TestKeyFormat(t *testing.T) {
	t.Run("without params", func(t *testing.T) {
		key := Key(LevelQuotes, "fmp", "AAPL", nil)
		assert.Equal(t, "cache:quotes:fmp:AAPL", key)
	})

	t.Run("params produce stable hash suffix", func(t *testing.T) {
		a := Key(LevelHistorical, "yahoo", "AAPL", map[string]string{"period": "1y", "interval": "1d"})
		b := Key(LevelHistorical, "yahoo", "AAPL", map[string]string{"interval": "1d", "period": "1y"})
		assert.Equal(t, a, b, "param order must not change the key")
		assert.Regexp(t, `^cache:historical:yahoo:AAPL_[0-9a-f]{8}$`, a)
	})

	t.Run("different params produce different keys", func(t *testing.T) {
		a := Key(LevelHistorical, "yahoo", "AAPL", map[string]string{"period": "1y"})
		b := Key(LevelHistorical, "yahoo", "AAPL", map[string]string{"period": "5y"})
		assert.NotEqual(t, a, b)
	})
}

func TestLevelTTLs(t *testing.T) {
	assert.Equal(t, 30*time.Second, LevelRealTime.TTL())
	assert.Equal(t, time.Minute, LevelQuotes.TTL())
	assert.Equal(t, time.Hour, LevelProfiles.TTL())
	assert.Equal(t, 4*time.Hour, LevelHistorical.TTL())
	assert.Equal(t, 15*time.Minute, LevelSearch.TTL())
	assert.Equal(t, 5*time.Minute, LevelMarketOverview.TTL())
	assert.Equal(t, 30*time.Minute, LevelAIInsights.TTL())
	assert.False(t, Level("bogus").IsValid())
}

func TestGetSetRoundTrip(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	entry := testEntry{Symbol: "AAPL", Price: 150.25}
	require.NoError(t, svc.Set(ctx, LevelQuotes, "fmp", "AAPL", nil, entry, 0))

	var got testEntry
	found, err := svc.Get(ctx, LevelQuotes, "fmp", "AAPL", nil, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, entry, got)

	// Entry expires after the level TTL.
	mr.FastForward(time.Minute + time.Second)
	found, err = svc.Get(ctx, LevelQuotes, "fmp", "AAPL", nil, &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSetTTLOverride(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, LevelQuotes, "fmp", "AAPL", nil, testEntry{Symbol: "AAPL"}, 5*time.Second))

	mr.FastForward(6 * time.Second)
	var got testEntry
	found, _ := svc.Get(ctx, LevelQuotes, "fmp", "AAPL", nil, &got)
	assert.False(t, found, "override TTL should beat the level default")
}

func TestGetMissOnBackendError(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, LevelQuotes, "fmp", "AAPL", nil, testEntry{Symbol: "AAPL"}, 0))
	mr.Close()

	var got testEntry
	found, err := svc.Get(ctx, LevelQuotes, "fmp", "AAPL", nil, &got)
	assert.NoError(t, err, "backend errors degrade to a miss")
	assert.False(t, found)
}

func TestSetIfAbsent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	written, err := svc.SetIfAbsent(ctx, LevelQuotes, "fmp", "AAPL", nil, testEntry{Price: 1}, 0)
	require.NoError(t, err)
	assert.True(t, written)

	written, err = svc.SetIfAbsent(ctx, LevelQuotes, "fmp", "AAPL", nil, testEntry{Price: 2}, 0)
	require.NoError(t, err)
	assert.False(t, written)

	var got testEntry
	_, err = svc.Get(ctx, LevelQuotes, "fmp", "AAPL", nil, &got)
	require.NoError(t, err)
	assert.Equal(t, float64(1), got.Price, "existing entry must not be overwritten")
}

func TestDelete(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, LevelQuotes, "fmp", "AAPL", nil, testEntry{}, 0))

	removed, err := svc.Delete(ctx, LevelQuotes, "fmp", "AAPL", nil)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = svc.Delete(ctx, LevelQuotes, "fmp", "AAPL", nil)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestInvalidatePattern(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, symbol := range []string{"AAPL", "AMZN", "TSLA"} {
		require.NoError(t, svc.Set(ctx, LevelQuotes, "fmp", symbol, nil, testEntry{Symbol: symbol}, 0))
	}
	require.NoError(t, svc.Set(ctx, LevelQuotes, "yahoo", "AAPL", nil, testEntry{}, 0))

	removed, err := svc.InvalidatePattern(ctx, LevelQuotes, "fmp", "A*")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	// Other provider untouched.
	var got testEntry
	found, _ := svc.Get(ctx, LevelQuotes, "yahoo", "AAPL", nil, &got)
	assert.True(t, found)
}

func TestSize(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, LevelQuotes, "fmp", "AAPL", nil, testEntry{}, 0))
	require.NoError(t, svc.Set(ctx, LevelQuotes, "fmp", "TSLA", nil, testEntry{}, 0))
	require.NoError(t, svc.Set(ctx, LevelProfiles, "fmp", "AAPL", nil, testEntry{}, 0))

	info, err := svc.Size(ctx, LevelQuotes, "fmp")
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.KeyCount)

	info, err = svc.Size(ctx, "", "fmp")
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.KeyCount)
}

func TestStatsAndHitRate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, LevelQuotes, "fmp", "AAPL", nil, testEntry{}, 0))

	var got testEntry
	for i := 0; i < 3; i++ {
		found, _ := svc.Get(ctx, LevelQuotes, "fmp", "AAPL", nil, &got)
		assert.True(t, found)
	}
	found, _ := svc.Get(ctx, LevelQuotes, "fmp", "MISSING", nil, &got)
	assert.False(t, found)

	stats, err := svc.Stats(ctx, LevelQuotes, "fmp")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats["hits"]["quotes:fmp"])
	assert.Equal(t, int64(1), stats["misses"]["quotes:fmp"])
	assert.Equal(t, int64(1), stats["sets"]["quotes:fmp"])

	rate, err := svc.HitRate(ctx, LevelQuotes, "fmp")
	require.NoError(t, err)
	assert.InDelta(t, 75.0, rate, 0.001)
}

func TestWarmerSkipsExisting(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	config := WarmConfig{
		Symbols:   []string{"AAPL", "TSLA"},
		Providers: []string{"fmp"},
		Levels:    []Level{LevelQuotes},
	}

	// Pre-populate one of the two targets.
	require.NoError(t, svc.Set(ctx, LevelQuotes, "fmp", "AAPL", nil, testEntry{Price: 99}, 0))

	fetch := func(ctx context.Context, provider, symbol string, level Level) (interface{}, error) {
		return testEntry{Symbol: symbol, Price: 1}, nil
	}

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	warmer := NewWarmer(svc, fetch, config, logger)

	stats := warmer.WarmOnce(ctx)
	assert.Equal(t, 1, stats.Success)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.Errors)

	// The pre-existing entry keeps its original value.
	var got testEntry
	_, err := svc.Get(ctx, LevelQuotes, "fmp", "AAPL", nil, &got)
	require.NoError(t, err)
	assert.Equal(t, float64(99), got.Price)
}

func TestWarmerCountsFetchErrors(t *testing.T) {
	svc, _ := newTestService(t)

	fetch := func(ctx context.Context, provider, symbol string, level Level) (interface{}, error) {
		return nil, errors.New("upstream down")
	}

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	warmer := NewWarmer(svc, fetch, WarmConfig{
		Symbols:   []string{"AAPL"},
		Providers: []string{"fmp"},
		Levels:    []Level{LevelQuotes},
	}, logger)

	stats := warmer.WarmOnce(context.Background())
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 0, stats.Success)
}
