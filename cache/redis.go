package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"waveplay/config"

	"github.com/go-redis/redis/v8"
)

// RedisClient 是全局Redis客户端
var RedisClient *redis.Client

// ConnectRedis 初始化Redis连接
func ConnectRedis(cfg *config.Config) error {
	RedisClient = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := RedisClient.Ping(ctx).Result()
	if err != nil {
		RedisClient.Close()
		RedisClient = nil
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return nil
}

// CloseRedis 关闭Redis连接
func CloseRedis() error {
	if RedisClient != nil {
		return RedisClient.Close()
	}
	return nil
}

// TestRedis 检查连接，并用一条临时峰值缓存验证读写和过期
func TestRedis() error {
	if RedisClient == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sample := []float64{0, 0.5, 1}
	key := "selftest:" + strconv.FormatInt(time.Now().UnixNano(), 36)
	pc := &PeakCache{client: RedisClient, ttl: time.Minute}
	defer RedisClient.Del(ctx, PeakKey(key))

	pc.SetPeaks(ctx, key, sample)
	got, ok := pc.GetPeaks(ctx, key)
	if !ok {
		return fmt.Errorf("test peaks not readable from %s", PeakKey(key))
	}
	if len(got) != len(sample) || got[1] != sample[1] {
		return fmt.Errorf("unexpected test peaks: got %v", got)
	}

	ttl, err := RedisClient.TTL(ctx, PeakKey(key)).Result()
	if err != nil {
		return fmt.Errorf("读取过期时间失败: %w", err)
	}
	if ttl <= 0 {
		return fmt.Errorf("test key has no expiration (ttl=%v)", ttl)
	}
	return nil
}
