package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Level determines the TTL class of a cache entry. The level is chosen
// by endpoint, not by provider.
type Level string

// Cache levels.
const (
	LevelRealTime       Level = "real_time"
	LevelQuotes         Level = "quotes"
	LevelProfiles       Level = "profiles"
	LevelHistorical     Level = "historical"
	LevelSearch         Level = "search"
	LevelMarketOverview Level = "market_overview"
	LevelAIInsights     Level = "ai_insights"
)

var levelTTLs = map[Level]time.Duration{
	LevelRealTime:       30 * time.Second,
	LevelQuotes:         time.Minute,
	LevelProfiles:       time.Hour,
	LevelHistorical:     4 * time.Hour,
	LevelSearch:         15 * time.Minute,
	LevelMarketOverview: 5 * time.Minute,
	LevelAIInsights:     30 * time.Minute,
}

// TTL returns the default TTL for the level, or zero for unknown levels.
func (l Level) TTL() time.Duration { return levelTTLs[l] }

// IsValid reports whether the level is one of the defined levels.
func (l Level) IsValid() bool {
	_, ok := levelTTLs[l]
	return ok
}

// Key builds the cache key for (level, provider, identifier, params).
// Extra parameters are hashed with sorted keys so the same inputs
// always yield the same key across restarts. Credentials must never
// be part of params.
func Key(level Level, provider, identifier string, params map[string]string) string {
	key := fmt.Sprintf("cache:%s:%s:%s", level, provider, identifier)
	if len(params) == 0 {
		return key
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+params[name])
	}

	digest := md5.Sum([]byte(strings.Join(pairs, "&")))
	return key + "_" + hex.EncodeToString(digest[:])[:8]
}

// SizeInfo reports key count and memory consumption for a key subset.
type SizeInfo struct {
	KeyCount    int64 `json:"key_count"`
	MemoryBytes int64 `json:"total_memory_bytes"`
}

// Service is a Redis-backed multi-level cache with per-level TTLs and
// per-(level, provider) hit/miss/set/error counters.
type Service struct {
	client redis.UniversalClient
	log    *logrus.Entry
}

// NewService creates a cache service on the given Redis client.
func NewService(client redis.UniversalClient, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		client: client,
		log:    logger.WithField("component", "cache"),
	}
}

// Get loads a cached entry into dest. It returns false on a miss.
// Backend errors are recorded and reported as a miss so callers fall
// through to the upstream fetch.
func (s *Service) Get(ctx context.Context, level Level, provider, identifier string, params map[string]string, dest interface{}) (bool, error) {
	key := Key(level, provider, identifier, params)

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			s.recordStat(ctx, "misses", level, provider)
			return false, nil
		}
		s.recordStat(ctx, "errors", level, provider)
		s.log.WithError(err).WithField("key", key).Error("cache get failed")
		return false, nil
	}

	if err := json.Unmarshal(data, dest); err != nil {
		s.recordStat(ctx, "errors", level, provider)
		return false, NewError("get", key, ErrCodeSerialization, err)
	}

	s.recordStat(ctx, "hits", level, provider)
	return true, nil
}

// Age returns how long ago the entry was written, derived from the
// remaining TTL. It returns false when the key is absent.
func (s *Service) Age(ctx context.Context, level Level, provider, identifier string, params map[string]string) (time.Duration, bool) {
	key := Key(level, provider, identifier, params)
	remaining, err := s.client.TTL(ctx, key).Result()
	if err != nil || remaining <= 0 {
		return 0, false
	}
	full := level.TTL()
	if remaining > full {
		return 0, true
	}
	return full - remaining, true
}

// Set writes value with the level's TTL, or ttlOverride when positive.
// An existing entry is overwritten.
func (s *Service) Set(ctx context.Context, level Level, provider, identifier string, params map[string]string, value interface{}, ttlOverride time.Duration) error {
	key := Key(level, provider, identifier, params)

	data, err := json.Marshal(value)
	if err != nil {
		s.recordStat(ctx, "errors", level, provider)
		return NewError("set", key, ErrCodeSerialization, err)
	}

	ttl := level.TTL()
	if ttlOverride > 0 {
		ttl = ttlOverride
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.recordStat(ctx, "errors", level, provider)
		return NewError("set", key, ErrCodeConnectionFailed, err)
	}

	s.recordStat(ctx, "sets", level, provider)
	s.log.WithFields(logrus.Fields{
		"key": key,
		"ttl": ttl.String(),
	}).Debug("cache set")
	return nil
}

// SetIfAbsent writes value only when the key does not exist yet.
// It returns true when the write happened.
func (s *Service) SetIfAbsent(ctx context.Context, level Level, provider, identifier string, params map[string]string, value interface{}, ttlOverride time.Duration) (bool, error) {
	key := Key(level, provider, identifier, params)

	data, err := json.Marshal(value)
	if err != nil {
		return false, NewError("setnx", key, ErrCodeSerialization, err)
	}

	ttl := level.TTL()
	if ttlOverride > 0 {
		ttl = ttlOverride
	}

	written, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		s.recordStat(ctx, "errors", level, provider)
		return false, NewError("setnx", key, ErrCodeConnectionFailed, err)
	}
	if written {
		s.recordStat(ctx, "sets", level, provider)
	}
	return written, nil
}

// Delete removes one entry. It returns true when a key was removed.
func (s *Service) Delete(ctx context.Context, level Level, provider, identifier string, params map[string]string) (bool, error) {
	key := Key(level, provider, identifier, params)
	removed, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, NewError("del", key, ErrCodeConnectionFailed, err)
	}
	return removed > 0, nil
}

// InvalidatePattern removes every key under (level, provider) whose
// identifier matches the glob pattern. It returns the count removed.
func (s *Service) InvalidatePattern(ctx context.Context, level Level, provider, pattern string) (int64, error) {
	if pattern == "" {
		pattern = "*"
	}
	match := fmt.Sprintf("cache:%s:%s:%s", level, provider, pattern)

	var removed int64
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return removed, NewError("invalidate", match, ErrCodeConnectionFailed, err)
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, NewError("invalidate", match, ErrCodeConnectionFailed, err)
			}
			removed += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	s.log.WithFields(logrus.Fields{"pattern": match, "keys_deleted": removed}).Info("cache invalidation")
	return removed, nil
}

// Size reports key count and memory usage for the selected subset.
// Empty level or provider widens the selection to all.
func (s *Service) Size(ctx context.Context, level Level, provider string) (*SizeInfo, error) {
	var pattern string
	switch {
	case level != "" && provider != "":
		pattern = fmt.Sprintf("cache:%s:%s:*", level, provider)
	case level != "":
		pattern = fmt.Sprintf("cache:%s:*", level)
	case provider != "":
		pattern = fmt.Sprintf("cache:*:%s:*", provider)
	default:
		pattern = "cache:*"
	}

	info := &SizeInfo{}
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return info, NewError("size", pattern, ErrCodeConnectionFailed, err)
		}
		for _, key := range keys {
			info.KeyCount++
			// MEMORY USAGE may fail on expired keys or limited servers.
			if mem, err := s.client.MemoryUsage(ctx, key).Result(); err == nil {
				info.MemoryBytes += mem
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return info, nil
}

// Ping verifies backend connectivity.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return NewError("ping", "", ErrCodeConnectionFailed, err)
	}
	return nil
}

// Statistics

func statKey(statType string, level Level, provider string) string {
	return fmt.Sprintf("cache_stats:%s:%s:%s", statType, level, provider)
}

func (s *Service) recordStat(ctx context.Context, statType string, level Level, provider string) {
	key := statKey(statType, level, provider)
	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.WithError(err).WithField("key", key).Debug("cache stats update failed")
	}
}

// Stats returns hit/miss/set/error counters keyed by "level:provider".
// Empty level or provider widens the selection to all.
func (s *Service) Stats(ctx context.Context, level Level, provider string) (map[string]map[string]int64, error) {
	stats := map[string]map[string]int64{
		"hits": {}, "misses": {}, "sets": {}, "errors": {},
	}

	for statType := range stats {
		var pattern string
		switch {
		case level != "" && provider != "":
			pattern = fmt.Sprintf("cache_stats:%s:%s:%s", statType, level, provider)
		case level != "":
			pattern = fmt.Sprintf("cache_stats:%s:%s:*", statType, level)
		case provider != "":
			pattern = fmt.Sprintf("cache_stats:%s:*:%s", statType, provider)
		default:
			pattern = fmt.Sprintf("cache_stats:%s:*", statType)
		}

		var cursor uint64
		for {
			keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return stats, NewError("stats", pattern, ErrCodeConnectionFailed, err)
			}
			for _, key := range keys {
				value, err := s.client.Get(ctx, key).Result()
				if err != nil {
					continue
				}
				parts := strings.Split(key, ":")
				if len(parts) < 4 {
					continue
				}
				count, err := strconv.ParseInt(value, 10, 64)
				if err != nil {
					continue
				}
				stats[statType][parts[2]+":"+parts[3]] = count
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return stats, nil
}

// HitRate returns the hit percentage for the selected subset, in
// [0, 100]. It returns zero when no reads were recorded.
func (s *Service) HitRate(ctx context.Context, level Level, provider string) (float64, error) {
	stats, err := s.Stats(ctx, level, provider)
	if err != nil {
		return 0, err
	}

	var hits, misses int64
	for _, v := range stats["hits"] {
		hits += v
	}
	for _, v := range stats["misses"] {
		misses += v
	}

	total := hits + misses
	if total == 0 {
		return 0, nil
	}
	return float64(hits) / float64(total) * 100, nil
}
