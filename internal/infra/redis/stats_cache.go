package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"tablebook-referrals/internal/domain/model"
	"tablebook-referrals/internal/infra/metrics"
	"tablebook-referrals/internal/usecase"
)

var _ usecase.StatsUseCase = (*statsCacheDecorator)(nil)

const globalStatsKey = "referrals:stats:global"

// statsCacheDecorator caches GlobalStats for a short TTL. Per-user stats are
// cheap indexed reads and always go to the store.
type statsCacheDecorator struct {
	inner usecase.StatsUseCase
	cache RedisClient
	ttl   time.Duration
	log   *zerolog.Logger
}

func NewStatsCacheDecorator(inner usecase.StatsUseCase, cache RedisClient, ttl time.Duration, logger *zerolog.Logger) usecase.StatsUseCase {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &statsCacheDecorator{inner: inner, cache: cache, ttl: ttl, log: logger}
}

func (d *statsCacheDecorator) UserStats(ctx context.Context, userID string) (*model.UserReferralStats, error) {
	return d.inner.UserStats(ctx, userID)
}

func (d *statsCacheDecorator) GlobalStats(ctx context.Context) (*model.GlobalReferralStats, error) {
	val, err := d.cache.Get(ctx, globalStatsKey)
	if err == nil {
		var stats model.GlobalReferralStats
		if json.Unmarshal([]byte(val), &stats) == nil {
			metrics.IncCacheRequest("global_stats", "hit")
			return &stats, nil
		}
	} else if !IsNil(err) {
		d.log.Warn().Err(err).Msg("stats cache read failed")
	}

	metrics.IncCacheRequest("global_stats", "miss")
	stats, err := d.inner.GlobalStats(ctx)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(stats); err == nil {
		if err := d.cache.Set(ctx, globalStatsKey, b, d.ttl); err != nil {
			d.log.Warn().Err(err).Msg("stats cache write failed")
		}
	}
	return stats, nil
}
