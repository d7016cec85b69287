package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"waveplay/core/peaks"
	"waveplay/logger"
)

// PeakCacheTTL 峰值缓存过期时间
const PeakCacheTTL = 24 * time.Hour

// PeakCache 已归一化峰值的 Redis 缓存
// 缓存出错只记日志，不影响峰值获取
type PeakCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ peaks.Cache = (*PeakCache)(nil)

// NewPeakCache 创建峰值缓存，client 为 nil 时使用全局客户端
func NewPeakCache(client *redis.Client) *PeakCache {
	if client == nil {
		client = RedisClient
	}
	return &PeakCache{client: client, ttl: PeakCacheTTL}
}

// PeakKey 峰值缓存键
func PeakKey(key string) string {
	return keyPeaksPrefix + key
}

// GetPeaks 实现 peaks.Cache
func (c *PeakCache) GetPeaks(ctx context.Context, key string) ([]float64, bool) {
	data, err := c.client.Get(ctx, PeakKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warn("[PeakCache] 读取峰值缓存失败",
				logger.String("key", key),
				logger.ErrorField(err))
		}
		return nil, false
	}

	var values []float64
	if err := json.Unmarshal(data, &values); err != nil {
		logger.Warn("[PeakCache] 峰值缓存已损坏",
			logger.String("key", key),
			logger.ErrorField(err))
		return nil, false
	}
	logger.Debug("[PeakCache] 命中峰值缓存",
		logger.String("key", key),
		logger.Int("peaks", len(values)))
	return values, true
}

// SetPeaks 实现 peaks.Cache
func (c *PeakCache) SetPeaks(ctx context.Context, key string, values []float64) {
	data, err := json.Marshal(values)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, PeakKey(key), data, c.ttl).Err(); err != nil {
		logger.Warn("[PeakCache] 写入峰值缓存失败",
			logger.String("key", key),
			logger.Int("dataSize", len(data)),
			logger.ErrorField(err))
		return
	}
	logger.Debug("[PeakCache] 峰值缓存设置成功",
		logger.String("key", key),
		logger.Int("dataSize", len(data)),
		logger.Duration("expiration", c.ttl))
}
